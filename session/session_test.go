package session

import (
	"sync"
	"testing"
	"time"

	"github.com/absmach/fluxroute/core"
	"github.com/absmach/fluxroute/topics"
)

// fakeWriter records written packets in place of a codec.
type fakeWriter struct {
	mu          sync.Mutex
	published   []publishCall
	pubrels     []uint16
	disconnects []core.ReasonCode
	closed      bool
	failWrites  bool
}

type publishCall struct {
	msg      core.Message
	packetID uint16
	dup      bool
}

func (w *fakeWriter) WritePublish(msg core.Message, packetID uint16, dup bool) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.failWrites {
		return ErrNotConnected
	}
	w.published = append(w.published, publishCall{msg, packetID, dup})
	return nil
}

func (w *fakeWriter) WritePubRel(packetID uint16) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pubrels = append(w.pubrels, packetID)
	return nil
}

func (w *fakeWriter) WriteDisconnect(reason core.ReasonCode) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.disconnects = append(w.disconnects, reason)
	return nil
}

func (w *fakeWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	return nil
}

func (w *fakeWriter) waitPublished(t *testing.T, n int) []publishCall {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		w.mu.Lock()
		if len(w.published) >= n {
			out := append([]publishCall(nil), w.published...)
			w.mu.Unlock()
			return out
		}
		w.mu.Unlock()
		time.Sleep(2 * time.Millisecond)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	t.Fatalf("timed out: %d published, want %d", len(w.published), n)
	return nil
}

func newSession(t *testing.T, opts Options) (*Session, *fakeWriter) {
	t.Helper()
	s := New("c1", opts, nil)
	w := &fakeWriter{}
	if err := s.Connect(w); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Disconnect(core.CauseShutdown) })
	return s, w
}

func TestSessionDeliversInOrder(t *testing.T) {
	s, w := newSession(t, Options{QueueMax: 100})

	for i := 0; i < 5; i++ {
		if err := s.Enqueue(core.NewMessage("p", "t", []byte{byte(i)}, 0, false)); err != nil {
			t.Fatal(err)
		}
	}

	got := w.waitPublished(t, 5)
	for i, call := range got[:5] {
		if call.msg.Payload[0] != byte(i) {
			t.Fatalf("out of order: %v", got)
		}
		if call.packetID != 0 {
			t.Errorf("qos0 with packet id %d", call.packetID)
		}
	}
}

func TestSessionQoS1AckFreesWindow(t *testing.T) {
	s, w := newSession(t, Options{QueueMax: 100, ReceiveMaximum: 1})

	s.Enqueue(core.NewMessage("p", "t", []byte("a"), 1, false))
	s.Enqueue(core.NewMessage("p", "t", []byte("b"), 1, false))

	got := w.waitPublished(t, 1)
	if len(got) > 1 {
		t.Fatalf("window of 1 allowed %d inflight", len(got))
	}
	// Nothing more until the ack.
	time.Sleep(30 * time.Millisecond)
	w.mu.Lock()
	n := len(w.published)
	w.mu.Unlock()
	if n != 1 {
		t.Fatalf("published = %d before ack, want 1", n)
	}

	if err := s.HandlePubAck(got[0].packetID); err != nil {
		t.Fatal(err)
	}
	got = w.waitPublished(t, 2)
	if string(got[1].msg.Payload) != "b" {
		t.Errorf("second = %q", got[1].msg.Payload)
	}
}

func TestSessionQoS2Flow(t *testing.T) {
	s, w := newSession(t, Options{QueueMax: 100})

	s.Enqueue(core.NewMessage("p", "t", []byte("x"), 2, false))
	got := w.waitPublished(t, 1)
	pid := got[0].packetID

	if err := s.HandlePubRec(pid); err != nil {
		t.Fatal(err)
	}
	w.mu.Lock()
	rels := append([]uint16(nil), w.pubrels...)
	w.mu.Unlock()
	if len(rels) != 1 || rels[0] != pid {
		t.Fatalf("pubrels = %v", rels)
	}

	if err := s.HandlePubComp(pid); err != nil {
		t.Fatal(err)
	}
	if s.inflight.Len() != 0 {
		t.Error("window not empty after PUBCOMP")
	}
}

func TestSessionResumeRetransmitsWithDup(t *testing.T) {
	s := New("c1", Options{QueueMax: 100, CleanStart: false, Expiry: time.Hour}, nil)
	w1 := &fakeWriter{}
	if err := s.Connect(w1); err != nil {
		t.Fatal(err)
	}

	s.Enqueue(core.NewMessage("p", "t", []byte("x"), 1, false))
	got := w1.waitPublished(t, 1)
	pid := got[0].packetID

	s.Disconnect(core.CauseSocket)

	w2 := &fakeWriter{}
	if err := s.Connect(w2); err != nil {
		t.Fatal(err)
	}
	defer s.Disconnect(core.CauseShutdown)

	re := w2.waitPublished(t, 1)
	if re[0].packetID != pid {
		t.Errorf("resumed packet id = %d, want %d", re[0].packetID, pid)
	}
	if !re[0].dup {
		t.Error("resumed retransmission must set DUP")
	}
}

func TestSessionPubRelRetransmitOnResume(t *testing.T) {
	s := New("c1", Options{QueueMax: 100, Expiry: time.Hour}, nil)
	w1 := &fakeWriter{}
	s.Connect(w1)

	s.Enqueue(core.NewMessage("p", "t", []byte("x"), 2, false))
	got := w1.waitPublished(t, 1)
	pid := got[0].packetID
	s.HandlePubRec(pid)

	s.Disconnect(core.CauseSocket)

	w2 := &fakeWriter{}
	s.Connect(w2)
	defer s.Disconnect(core.CauseShutdown)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		w2.mu.Lock()
		n := len(w2.pubrels)
		w2.mu.Unlock()
		if n > 0 {
			break
		}
		time.Sleep(2 * time.Millisecond)
	}
	w2.mu.Lock()
	defer w2.mu.Unlock()
	if len(w2.pubrels) != 1 || w2.pubrels[0] != pid {
		t.Errorf("pubrels after resume = %v, want [%d]", w2.pubrels, pid)
	}
}

func TestSessionRetryDisconnectsAfterMax(t *testing.T) {
	s := New("c1", Options{
		QueueMax:      10,
		RetryInterval: 10 * time.Millisecond,
		RetryMax:      2,
	}, nil)
	w := &fakeWriter{}
	s.Connect(w)

	var mu sync.Mutex
	var cause core.DisconnectCause
	closed := make(chan struct{})
	s.SetOnClose(func(_ *Session, c core.DisconnectCause) {
		mu.Lock()
		cause = c
		mu.Unlock()
		close(closed)
	})

	s.Enqueue(core.NewMessage("p", "t", []byte("x"), 1, false))

	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("session did not disconnect after retry exhaustion")
	}
	mu.Lock()
	defer mu.Unlock()
	if cause != core.CauseInflightExpired {
		t.Errorf("cause = %v, want CauseInflightExpired", cause)
	}
}

func TestSessionKeepAliveTimeout(t *testing.T) {
	s := New("c1", Options{QueueMax: 10, KeepAlive: 20 * time.Millisecond}, nil)
	w := &fakeWriter{}
	s.Connect(w)

	closed := make(chan core.DisconnectCause, 1)
	s.SetOnClose(func(_ *Session, c core.DisconnectCause) { closed <- c })

	select {
	case c := <-closed:
		if c != core.CauseKeepAlive {
			t.Errorf("cause = %v, want CauseKeepAlive", c)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("keepalive did not fire")
	}
}

func TestSessionKeepAliveTouch(t *testing.T) {
	s := New("c1", Options{QueueMax: 10, KeepAlive: 40 * time.Millisecond}, nil)
	w := &fakeWriter{}
	s.Connect(w)
	defer s.Disconnect(core.CauseShutdown)

	closed := make(chan struct{})
	s.SetOnClose(func(_ *Session, c core.DisconnectCause) { close(closed) })

	// Touch frequently for a few intervals; the session must stay up.
	for i := 0; i < 10; i++ {
		s.Touch()
		time.Sleep(10 * time.Millisecond)
	}
	select {
	case <-closed:
		t.Fatal("session disconnected despite activity")
	default:
	}
}

func TestSessionWillClearedOnCleanDisconnect(t *testing.T) {
	will := &Will{Topic: "w", Payload: []byte("gone")}
	s := New("c1", Options{QueueMax: 10, Will: will}, nil)
	s.Connect(&fakeWriter{})

	s.Disconnect(core.CauseClean)
	if s.Will() != nil {
		t.Error("will must be cleared on clean disconnect")
	}
}

func TestSessionWillSurvivesUncleanDisconnect(t *testing.T) {
	will := &Will{Topic: "w", Payload: []byte("gone")}
	s := New("c1", Options{QueueMax: 10, Will: will}, nil)
	s.Connect(&fakeWriter{})

	s.Disconnect(core.CauseSocket)
	if s.Will() == nil {
		t.Error("will must survive an unclean disconnect")
	}
}

func TestSessionTakeoverSendsReason(t *testing.T) {
	s := New("c1", Options{QueueMax: 10}, nil)
	w := &fakeWriter{}
	s.Connect(w)

	s.Disconnect(core.CauseTakeover)

	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.disconnects) != 1 || w.disconnects[0] != core.ReasonSessionTakenOver {
		t.Errorf("disconnects = %v, want [SessionTakenOver]", w.disconnects)
	}
	if !w.closed {
		t.Error("writer must be closed")
	}
}

func TestPacketIDSkipsInflight(t *testing.T) {
	s := New("c1", Options{QueueMax: 10}, nil)

	s.inflight.Add(1, core.NewMessage("p", "t", nil, 1, false))
	s.inflight.Add(2, core.NewMessage("p", "t", nil, 1, false))

	seen := map[uint16]bool{1: true, 2: true}
	for i := 0; i < 100; i++ {
		id, err := s.NextPacketID()
		if err != nil {
			t.Fatal(err)
		}
		if id == 0 {
			t.Fatal("packet id 0 allocated")
		}
		if seen[id] {
			t.Fatalf("packet id %d reused", id)
		}
		s.inflight.Add(id, core.NewMessage("p", "t", nil, 1, false))
		seen[id] = true
	}
}

func TestSessionSubscriptions(t *testing.T) {
	s := New("c1", Options{QueueMax: 10}, nil)

	s.AddSubscription("a/+", topics.Options{QoS: 1})
	if !s.HasSubscription("a/+") {
		t.Error("subscription missing")
	}
	subs := s.Subscriptions()
	if subs["a/+"].QoS != 1 {
		t.Errorf("subs = %v", subs)
	}
	if !s.RemoveSubscription("a/+") {
		t.Error("remove should report presence")
	}
	if s.RemoveSubscription("a/+") {
		t.Error("second remove should report absence")
	}
}

func TestSessionStateRecordRoundTrip(t *testing.T) {
	s := New("c1", Options{QueueMax: 10, Expiry: time.Hour}, nil)
	s.AddSubscription("a/#", topics.Options{QoS: 2})
	s.inflight.Add(5, core.NewMessage("p", "a/b", []byte("x"), 2, false))
	s.queue.Enqueue(core.NewMessage("p", "a/c", []byte("y"), 1, false))

	st := s.StateRecord()
	if len(st.Subscriptions) != 1 || len(st.Inflight) != 1 || len(st.Queue) != 1 {
		t.Fatalf("record = %+v", st)
	}

	restored := New("c1", Options{QueueMax: 10}, nil)
	restored.RestoreState(st)
	if !restored.HasSubscription("a/#") {
		t.Error("restored subscriptions missing")
	}
	if !restored.inflight.Has(5) {
		t.Error("restored inflight missing")
	}
	if restored.queue.Len() != 1 {
		t.Error("restored queue missing")
	}
}

func TestSessionBackpressure(t *testing.T) {
	s := New("c1", Options{QueueMax: 10, QueueHighWater: 2}, nil)

	s.Enqueue(core.NewMessage("p", "t", nil, 1, false))
	s.Enqueue(core.NewMessage("p", "t", nil, 1, false))
	if s.Backpressured() {
		t.Error("at watermark is not backpressured")
	}
	s.Enqueue(core.NewMessage("p", "t", nil, 1, false))
	if !s.Backpressured() {
		t.Error("over watermark must report backpressure")
	}
}

func TestSessionRateLimiter(t *testing.T) {
	s := New("c1", Options{QueueMax: 10, PublishRate: 1, PublishBurst: 2}, nil)

	if !s.AllowPublish() || !s.AllowPublish() {
		t.Error("burst should be allowed")
	}
	if s.AllowPublish() {
		t.Error("rate limit should reject the third immediate publish")
	}

	unlimited := New("c2", Options{QueueMax: 10}, nil)
	for i := 0; i < 100; i++ {
		if !unlimited.AllowPublish() {
			t.Fatal("no limiter configured, everything allowed")
		}
	}
}
