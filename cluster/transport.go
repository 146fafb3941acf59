// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package cluster

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sony/gobreaker"

	"github.com/absmach/fluxroute/core"
)

const transportPath = "/fluxroute/peer"

// TransportHandler handles frames arriving from peer nodes.
type TransportHandler interface {
	// HandleRemotePublish delivers a publish forwarded by another node to
	// local subscribers.
	HandleRemotePublish(ctx context.Context, msg core.Message)

	// HandleTakeover displaces the local session for clientID because it
	// reconnected on newNode.
	HandleTakeover(ctx context.Context, clientID, newNode string)
}

// Transport maintains websocket links to peer nodes and carries
// publish-forward and takeover frames. Each peer gets a circuit breaker so a
// dead node cannot stall the dispatch path.
type Transport struct {
	nodeID  string
	bind    string
	handler TransportHandler
	logger  *slog.Logger

	server   *http.Server
	listener net.Listener
	upgrader websocket.Upgrader

	mu       sync.RWMutex
	addrs    map[string]string
	links    map[string]*peerLink
	breakers map[string]*gobreaker.CircuitBreaker

	stopCh chan struct{}
	wg     sync.WaitGroup
}

type peerLink struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

// NewTransport creates the peer transport. Start must be called before any
// forward.
func NewTransport(nodeID, bind string, handler TransportHandler, logger *slog.Logger) *Transport {
	if logger == nil {
		logger = slog.Default()
	}
	return &Transport{
		nodeID:   nodeID,
		bind:     bind,
		handler:  handler,
		logger:   logger,
		addrs:    make(map[string]string),
		links:    make(map[string]*peerLink),
		breakers: make(map[string]*gobreaker.CircuitBreaker),
		stopCh:   make(chan struct{}),
	}
}

// SetHandler wires the frame handler. Must be called before Start when the
// handler is constructed after the transport (the broker takes the transport
// as a dependency).
func (t *Transport) SetHandler(h TransportHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = h
}

// Start listens for inbound peer links.
func (t *Transport) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc(transportPath, t.handleInbound)

	ln, err := net.Listen("tcp", t.bind)
	if err != nil {
		return fmt.Errorf("peer transport listen on %s: %w", t.bind, err)
	}
	t.listener = ln
	t.server = &http.Server{Handler: mux}

	go func() {
		if err := t.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			t.logger.Error("peer transport serve failed", slog.Any("error", err))
		}
	}()
	return nil
}

// Addr returns the bound listen address.
func (t *Transport) Addr() string {
	if t.listener == nil {
		return t.bind
	}
	return t.listener.Addr().String()
}

// Stop closes the listener and every peer link.
func (t *Transport) Stop(ctx context.Context) error {
	close(t.stopCh)

	t.mu.Lock()
	for _, link := range t.links {
		link.mu.Lock()
		if link.conn != nil {
			link.conn.Close()
		}
		link.mu.Unlock()
	}
	t.links = make(map[string]*peerLink)
	t.mu.Unlock()

	var err error
	if t.server != nil {
		err = t.server.Shutdown(ctx)
	}
	t.wg.Wait()
	return err
}

// SetPeer records (or updates) a peer's transport address.
func (t *Transport) SetPeer(nodeID, addr string) {
	if nodeID == t.nodeID {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.addrs[nodeID] == addr {
		return
	}
	t.addrs[nodeID] = addr
	if link, ok := t.links[nodeID]; ok {
		link.close()
		delete(t.links, nodeID)
	}
	if _, ok := t.breakers[nodeID]; !ok {
		t.breakers[nodeID] = t.newBreaker(nodeID)
	}
}

// RemovePeer drops a peer and its link.
func (t *Transport) RemovePeer(nodeID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	delete(t.addrs, nodeID)
	delete(t.breakers, nodeID)
	if link, ok := t.links[nodeID]; ok {
		link.close()
		delete(t.links, nodeID)
	}
}

func (t *Transport) newBreaker(nodeID string) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        nodeID,
		MaxRequests: 1,
		Timeout:     10 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			t.logger.Warn("peer circuit breaker state changed",
				slog.String("peer", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()))
		},
	})
}

// ForwardPublish sends one publish to a peer node.
func (t *Transport) ForwardPublish(ctx context.Context, nodeID string, msg core.Message) error {
	pf := ToPublishFrame(msg)
	return t.send(ctx, nodeID, &Frame{Kind: FramePublish, Node: t.nodeID, Publish: &pf})
}

// ForwardBatch sends a compressed batch of publishes to a peer node.
func (t *Transport) ForwardBatch(ctx context.Context, nodeID string, msgs []core.Message) error {
	frames := make([]PublishFrame, 0, len(msgs))
	for _, m := range msgs {
		frames = append(frames, ToPublishFrame(m))
	}
	batch, err := EncodeBatch(frames)
	if err != nil {
		return err
	}
	return t.send(ctx, nodeID, &Frame{Kind: FramePublishBatch, Node: t.nodeID, Batch: batch})
}

// NotifyTakeover tells a peer that clientID reconnected on this node.
func (t *Transport) NotifyTakeover(ctx context.Context, nodeID, clientID string) error {
	return t.send(ctx, nodeID, &Frame{
		Kind:     FrameTakeover,
		Node:     t.nodeID,
		Takeover: &TakeoverFrame{ClientID: clientID, NewNode: t.nodeID},
	})
}

func (t *Transport) send(ctx context.Context, nodeID string, f *Frame) error {
	t.mu.RLock()
	addr, ok := t.addrs[nodeID]
	breaker := t.breakers[nodeID]
	t.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoSuchPeer, nodeID)
	}

	data, err := EncodeFrame(f)
	if err != nil {
		return err
	}

	_, err = breaker.Execute(func() (any, error) {
		link, err := t.link(ctx, nodeID, addr)
		if err != nil {
			return nil, err
		}
		if err := link.write(ctx, data); err != nil {
			t.dropLink(nodeID, link)
			return nil, err
		}
		return nil, nil
	})
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		return fmt.Errorf("%w: %s", ErrPeerUnavailable, nodeID)
	}
	return err
}

// link returns the live link to a peer, dialing one if needed.
func (t *Transport) link(ctx context.Context, nodeID, addr string) (*peerLink, error) {
	t.mu.RLock()
	link, ok := t.links[nodeID]
	t.mu.RUnlock()
	if ok {
		return link, nil
	}

	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	url := "ws://" + addr + transportPath
	conn, _, err := dialer.DialContext(ctx, url, http.Header{"X-Fluxroute-Node": []string{t.nodeID}})
	if err != nil {
		return nil, fmt.Errorf("dial peer %s: %w", nodeID, err)
	}

	link = &peerLink{conn: conn}
	t.mu.Lock()
	if existing, ok := t.links[nodeID]; ok {
		t.mu.Unlock()
		conn.Close()
		return existing, nil
	}
	t.links[nodeID] = link
	t.mu.Unlock()
	return link, nil
}

func (t *Transport) dropLink(nodeID string, link *peerLink) {
	link.close()
	t.mu.Lock()
	if t.links[nodeID] == link {
		delete(t.links, nodeID)
	}
	t.mu.Unlock()
}

func (l *peerLink) write(ctx context.Context, data []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn == nil {
		return fmt.Errorf("link closed")
	}
	if deadline, ok := ctx.Deadline(); ok {
		l.conn.SetWriteDeadline(deadline)
	} else {
		l.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	}
	return l.conn.WriteMessage(websocket.BinaryMessage, data)
}

func (l *peerLink) close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn != nil {
		l.conn.Close()
		l.conn = nil
	}
}

// handleInbound upgrades a peer connection and pumps its frames into the
// handler.
func (t *Transport) handleInbound(w http.ResponseWriter, r *http.Request) {
	peer := r.Header.Get("X-Fluxroute-Node")
	conn, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		t.logger.Error("peer upgrade failed", slog.String("peer", peer), slog.Any("error", err))
		return
	}

	t.wg.Add(1)
	go t.readLoop(peer, conn)
}

func (t *Transport) readLoop(peer string, conn *websocket.Conn) {
	defer t.wg.Done()
	defer conn.Close()

	for {
		select {
		case <-t.stopCh:
			return
		default:
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				t.logger.Debug("peer link closed", slog.String("peer", peer), slog.Any("error", err))
			}
			return
		}

		frame, err := DecodeFrame(data)
		if err != nil {
			t.logger.Warn("bad peer frame", slog.String("peer", peer), slog.Any("error", err))
			continue
		}
		t.dispatch(frame)
	}
}

func (t *Transport) dispatch(f *Frame) {
	t.mu.RLock()
	handler := t.handler
	t.mu.RUnlock()
	if handler == nil {
		t.logger.Warn("frame dropped, no handler wired", slog.Int("kind", int(f.Kind)))
		return
	}

	ctx := context.Background()
	switch f.Kind {
	case FramePublish:
		if f.Publish != nil {
			handler.HandleRemotePublish(ctx, f.Publish.Message())
		}
	case FramePublishBatch:
		frames, err := DecodeBatch(f.Batch)
		if err != nil {
			t.logger.Warn("bad peer batch", slog.String("peer", f.Node), slog.Any("error", err))
			return
		}
		for _, pf := range frames {
			handler.HandleRemotePublish(ctx, pf.Message())
		}
	case FrameTakeover:
		if f.Takeover != nil {
			handler.HandleTakeover(ctx, f.Takeover.ClientID, f.Takeover.NewNode)
		}
	default:
		t.logger.Warn("unknown frame kind", slog.Int("kind", int(f.Kind)), slog.String("peer", f.Node))
	}
}
