package cluster

import (
	"bytes"
	"testing"
	"time"

	"github.com/absmach/fluxroute/core"
)

func TestFrameRoundTrip(t *testing.T) {
	msg := core.Message{
		ID:      "m1",
		From:    "client-a",
		Topic:   "room/1/temp",
		Payload: []byte("22"),
		QoS:     1,
		Retain:  true,
		Headers: core.Headers{
			Username: "alice",
			PeerHost: "10.0.0.5",
			Protocol: "mqtt5",
			Expiry:   30,
		},
		Timestamp: time.Now(),
	}

	pf := ToPublishFrame(msg)
	data, err := EncodeFrame(&Frame{Kind: FramePublish, Node: "n1", Publish: &pf})
	if err != nil {
		t.Fatal(err)
	}

	f, err := DecodeFrame(data)
	if err != nil {
		t.Fatal(err)
	}
	if f.Kind != FramePublish || f.Node != "n1" || f.Publish == nil {
		t.Fatalf("frame = %+v", f)
	}

	got := f.Publish.Message()
	if got.ID != msg.ID || got.Topic != msg.Topic || !bytes.Equal(got.Payload, msg.Payload) {
		t.Errorf("message = %+v", got)
	}
	if got.QoS != 1 || !got.Retain || got.Headers.Username != "alice" || got.Headers.Expiry != 30 {
		t.Errorf("message fields lost: %+v", got)
	}
	if !got.Timestamp.Equal(msg.Timestamp.Truncate(0)) && got.Timestamp.UnixNano() != msg.Timestamp.UnixNano() {
		t.Errorf("timestamp = %v, want %v", got.Timestamp, msg.Timestamp)
	}
}

func TestBatchRoundTrip(t *testing.T) {
	var frames []PublishFrame
	for i := 0; i < 100; i++ {
		frames = append(frames, ToPublishFrame(core.NewMessage("c", "t/x", bytes.Repeat([]byte("payload"), 20), 0, false)))
	}

	batch, err := EncodeBatch(frames)
	if err != nil {
		t.Fatal(err)
	}

	got, err := DecodeBatch(batch)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 100 {
		t.Fatalf("len = %d, want 100", len(got))
	}
	if got[42].Topic != "t/x" {
		t.Errorf("topic = %q", got[42].Topic)
	}
}

func TestDecodeFrameRejectsGarbage(t *testing.T) {
	if _, err := DecodeFrame([]byte{0xc1, 0xff}); err == nil {
		t.Error("expected decode error")
	}
	// A valid msgpack map with no kind must be rejected too.
	raw, _ := EncodeFrame(&Frame{Node: "n"})
	if _, err := DecodeFrame(raw); err == nil {
		t.Error("expected missing-kind error")
	}
}

func TestTakeoverFrame(t *testing.T) {
	data, err := EncodeFrame(&Frame{
		Kind:     FrameTakeover,
		Node:     "n2",
		Takeover: &TakeoverFrame{ClientID: "c1", NewNode: "n2"},
	})
	if err != nil {
		t.Fatal(err)
	}
	f, err := DecodeFrame(data)
	if err != nil {
		t.Fatal(err)
	}
	if f.Takeover == nil || f.Takeover.ClientID != "c1" || f.Takeover.NewNode != "n2" {
		t.Errorf("takeover = %+v", f.Takeover)
	}
}
