// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package cluster

import (
	"fmt"
	"time"

	"github.com/klauspost/compress/s2"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/absmach/fluxroute/core"
)

// Frame kinds carried on peer links.
const (
	FramePublish uint8 = iota + 1
	FramePublishBatch
	FrameTakeover
)

// PublishFrame is the wire form of a forwarded publish.
type PublishFrame struct {
	ID        string `msgpack:"id"`
	From      string `msgpack:"from"`
	Topic     string `msgpack:"topic"`
	Payload   []byte `msgpack:"payload"`
	QoS       byte   `msgpack:"qos"`
	Dup       bool   `msgpack:"dup"`
	Retain    bool   `msgpack:"retain"`
	Sys       bool   `msgpack:"sys"`
	Username  string `msgpack:"username,omitempty"`
	PeerHost  string `msgpack:"peerhost,omitempty"`
	Protocol  string `msgpack:"protocol,omitempty"`
	Expiry    uint32 `msgpack:"expiry,omitempty"`
	Timestamp int64  `msgpack:"ts"`
}

// TakeoverFrame asks a peer to displace its session for a client that just
// connected elsewhere.
type TakeoverFrame struct {
	ClientID string `msgpack:"client_id"`
	NewNode  string `msgpack:"new_node"`
}

// Frame is the envelope on a peer link. Batch holds an s2-compressed
// msgpack-encoded []PublishFrame.
type Frame struct {
	Kind     uint8          `msgpack:"kind"`
	Node     string         `msgpack:"node"`
	Publish  *PublishFrame  `msgpack:"publish,omitempty"`
	Takeover *TakeoverFrame `msgpack:"takeover,omitempty"`
	Batch    []byte         `msgpack:"batch,omitempty"`
}

// EncodeFrame serializes a frame for a peer link.
func EncodeFrame(f *Frame) ([]byte, error) {
	return msgpack.Marshal(f)
}

// DecodeFrame parses a frame read from a peer link.
func DecodeFrame(data []byte) (*Frame, error) {
	var f Frame
	if err := msgpack.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	if f.Kind == 0 {
		return nil, fmt.Errorf("decode frame: missing kind")
	}
	return &f, nil
}

// EncodeBatch packs publish frames into the compressed batch payload.
func EncodeBatch(frames []PublishFrame) ([]byte, error) {
	raw, err := msgpack.Marshal(frames)
	if err != nil {
		return nil, err
	}
	return s2.Encode(nil, raw), nil
}

// DecodeBatch unpacks a compressed batch payload.
func DecodeBatch(data []byte) ([]PublishFrame, error) {
	raw, err := s2.Decode(nil, data)
	if err != nil {
		return nil, fmt.Errorf("decompress batch: %w", err)
	}
	var frames []PublishFrame
	if err := msgpack.Unmarshal(raw, &frames); err != nil {
		return nil, fmt.Errorf("decode batch: %w", err)
	}
	return frames, nil
}

// ToPublishFrame converts a message for forwarding.
func ToPublishFrame(msg core.Message) PublishFrame {
	return PublishFrame{
		ID:        msg.ID,
		From:      msg.From,
		Topic:     msg.Topic,
		Payload:   msg.Payload,
		QoS:       msg.QoS,
		Dup:       msg.Dup,
		Retain:    msg.Retain,
		Sys:       msg.Sys,
		Username:  msg.Headers.Username,
		PeerHost:  msg.Headers.PeerHost,
		Protocol:  msg.Headers.Protocol,
		Expiry:    msg.Headers.Expiry,
		Timestamp: msg.Timestamp.UnixNano(),
	}
}

// Message converts a received publish frame back to a message.
func (p PublishFrame) Message() core.Message {
	return core.Message{
		ID:      p.ID,
		From:    p.From,
		Topic:   p.Topic,
		Payload: p.Payload,
		QoS:     p.QoS,
		Dup:     p.Dup,
		Retain:  p.Retain,
		Sys:     p.Sys,
		Headers: core.Headers{
			Username: p.Username,
			PeerHost: p.PeerHost,
			Protocol: p.Protocol,
			Expiry:   p.Expiry,
		},
		Timestamp: time.Unix(0, p.Timestamp),
	}
}
