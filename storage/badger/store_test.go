package badger

import (
	"errors"
	"testing"
	"time"

	"github.com/absmach/fluxroute/core"
	"github.com/absmach/fluxroute/storage"
	"github.com/absmach/fluxroute/topics"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRetainedRoundTrip(t *testing.T) {
	s := newStore(t)
	r := s.Retained()

	msg := core.NewMessage("pub", "s/k", []byte("1"), 1, true)
	if err := r.Set(msg); err != nil {
		t.Fatal(err)
	}

	got, err := r.Get("s/k")
	if err != nil {
		t.Fatal(err)
	}
	if got.Topic != "s/k" || string(got.Payload) != "1" || got.QoS != 1 || !got.Retain {
		t.Errorf("Get = %+v", got)
	}

	if _, err := r.Get("missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Get(missing) = %v, want ErrNotFound", err)
	}
}

func TestRetainedOverwriteAndDelete(t *testing.T) {
	s := newStore(t)
	r := s.Retained()

	r.Set(core.NewMessage("pub", "t", []byte("old"), 0, true))
	r.Set(core.NewMessage("pub", "t", []byte("new"), 0, true))

	got, err := r.Get("t")
	if err != nil {
		t.Fatal(err)
	}
	if string(got.Payload) != "new" {
		t.Errorf("payload = %q, want new", got.Payload)
	}

	if err := r.Delete("t"); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Get("t"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Get after Delete = %v, want ErrNotFound", err)
	}
}

func TestRetainedWalkAndCount(t *testing.T) {
	s := newStore(t)
	r := s.Retained()

	for _, topic := range []string{"a/1", "a/2", "b/1"} {
		r.Set(core.NewMessage("pub", topic, []byte("x"), 0, true))
	}

	n, err := r.Count()
	if err != nil || n != 3 {
		t.Errorf("Count = (%d, %v), want 3", n, err)
	}

	seen := map[string]bool{}
	r.Walk(func(msg core.Message) bool {
		seen[msg.Topic] = true
		return true
	})
	if len(seen) != 3 {
		t.Errorf("Walk visited %v", seen)
	}
}

func TestSessionRoundTrip(t *testing.T) {
	s := newStore(t)
	ss := s.Sessions()

	st := storage.SessionState{
		ClientID: "c1",
		Subscriptions: map[string]topics.Options{
			"a/+": {QoS: 1, NoLocal: true},
		},
		Inflight: []storage.InflightRecord{
			{PacketID: 7, Message: core.NewMessage("x", "a/b", []byte("p"), 2, false), Retries: 1},
		},
		Queue:          []core.Message{core.NewMessage("x", "a/c", []byte("q"), 1, false)},
		ExpiryDeadline: time.Now().Add(time.Hour).UTC(),
	}
	if err := ss.Save(st); err != nil {
		t.Fatal(err)
	}

	got, err := ss.Get("c1")
	if err != nil {
		t.Fatal(err)
	}
	if got.ClientID != "c1" || len(got.Subscriptions) != 1 || len(got.Inflight) != 1 || len(got.Queue) != 1 {
		t.Errorf("Get = %+v", got)
	}
	if got.Subscriptions["a/+"].QoS != 1 || !got.Subscriptions["a/+"].NoLocal {
		t.Errorf("subscriptions = %+v", got.Subscriptions)
	}
	if got.Inflight[0].PacketID != 7 {
		t.Errorf("inflight = %+v", got.Inflight)
	}

	if err := ss.Delete("c1"); err != nil {
		t.Fatal(err)
	}
	if _, err := ss.Get("c1"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Get after Delete = %v", err)
	}
}

func TestSessionExpired(t *testing.T) {
	s := newStore(t)
	ss := s.Sessions()

	ss.Save(storage.SessionState{ClientID: "old", ExpiryDeadline: time.Now().Add(-time.Minute)})
	ss.Save(storage.SessionState{ClientID: "live", ExpiryDeadline: time.Now().Add(time.Hour)})
	ss.Save(storage.SessionState{ClientID: "forever"})

	expired, err := ss.Expired(time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if len(expired) != 1 || expired[0] != "old" {
		t.Errorf("Expired = %v, want [old]", expired)
	}
}
