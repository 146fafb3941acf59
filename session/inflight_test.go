package session

import (
	"errors"
	"testing"
	"time"

	"github.com/absmach/fluxroute/core"
)

func TestInflightWindow(t *testing.T) {
	in := NewInflight(2)

	if err := in.Add(1, core.NewMessage("c", "t", nil, 1, false)); err != nil {
		t.Fatal(err)
	}
	if err := in.Add(2, core.NewMessage("c", "t", nil, 1, false)); err != nil {
		t.Fatal(err)
	}
	if !in.Full() {
		t.Error("window should be full")
	}
	if err := in.Add(3, core.NewMessage("c", "t", nil, 1, false)); !errors.Is(err, ErrInflightFull) {
		t.Errorf("Add over quota = %v, want ErrInflightFull", err)
	}

	if _, err := in.Ack(1); err != nil {
		t.Fatal(err)
	}
	if in.Full() {
		t.Error("window should have room after ack")
	}
	if in.Has(1) {
		t.Error("acked packet should be gone")
	}
	if _, err := in.Ack(1); !errors.Is(err, ErrPacketNotFound) {
		t.Errorf("double ack = %v, want ErrPacketNotFound", err)
	}
}

func TestInflightQoS2States(t *testing.T) {
	in := NewInflight(10)
	in.Add(7, core.NewMessage("c", "t", nil, 2, false))

	if err := in.Rel(7); err != nil {
		t.Fatal(err)
	}
	all := in.All()
	if len(all) != 1 || all[0].State != StatePubRelSent {
		t.Errorf("state = %+v", all)
	}

	if _, err := in.Ack(7); err != nil {
		t.Fatal(err)
	}
	if in.Len() != 0 {
		t.Error("window should be empty after PUBCOMP")
	}
}

func TestInflightReceivedIDs(t *testing.T) {
	in := NewInflight(10)

	if in.WasReceived(9) {
		t.Error("unseen id reported received")
	}
	in.MarkReceived(9)
	if !in.WasReceived(9) {
		t.Error("marked id not reported received")
	}
	in.ClearReceived(9)
	if in.WasReceived(9) {
		t.Error("cleared id still reported received")
	}
}

func TestInflightExpiredAndRetry(t *testing.T) {
	in := NewInflight(10)
	in.Add(1, core.NewMessage("c", "t", nil, 1, false))

	if got := in.Expired(time.Hour); len(got) != 0 {
		t.Errorf("nothing should be expired, got %d", len(got))
	}
	got := in.Expired(0)
	if len(got) != 1 {
		t.Fatalf("expired = %d, want 1", len(got))
	}

	in.MarkRetry(1)
	all := in.All()
	if all[0].Retries != 1 {
		t.Errorf("retries = %d, want 1", all[0].Retries)
	}
}

func TestInflightPersistRoundTrip(t *testing.T) {
	in := NewInflight(10)
	in.Add(3, core.NewMessage("c", "a/b", []byte("x"), 2, false))
	in.Rel(3)
	in.MarkReceived(11)

	recs, received := in.Records()
	if len(recs) != 1 || len(received) != 1 {
		t.Fatalf("records = %d/%d", len(recs), len(received))
	}

	restored := NewInflight(10)
	restored.Restore(recs, received)
	if !restored.Has(3) {
		t.Error("restored window missing packet 3")
	}
	all := restored.All()
	if all[0].State != StatePubRelSent {
		t.Errorf("restored state = %v", all[0].State)
	}
	if !restored.WasReceived(11) {
		t.Error("restored received id missing")
	}
}
