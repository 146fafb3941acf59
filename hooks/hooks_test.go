package hooks

import (
	"log/slog"
	"testing"
)

func TestChainPriorityOrder(t *testing.T) {
	c := NewChain(slog.Default())

	var order []string
	add := func(name string, prio int) {
		c.Register(MessagePublish, name, "", prio, func(topic string, acc any) Result {
			order = append(order, name)
			return OK()
		})
	}
	add("late", 10)
	add("early", -10)
	add("mid", 0)

	c.Run(MessagePublish, "a/b", nil)

	want := []string{"early", "mid", "late"}
	for i, name := range want {
		if order[i] != name {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

func TestChainFold(t *testing.T) {
	c := NewChain(nil)

	c.Register(MessagePublish, "double", "", 0, func(topic string, acc any) Result {
		return Update(acc.(int) * 2)
	})
	c.Register(MessagePublish, "inc", "", 1, func(topic string, acc any) Result {
		return Update(acc.(int) + 1)
	})

	if got := c.Run(MessagePublish, "t", 3); got.(int) != 7 {
		t.Errorf("fold = %v, want 7", got)
	}
}

func TestChainStop(t *testing.T) {
	c := NewChain(nil)

	c.Register(ClientCheckACL, "deny", "", 0, func(topic string, acc any) Result {
		return Stop("denied")
	})
	called := false
	c.Register(ClientCheckACL, "never", "", 1, func(topic string, acc any) Result {
		called = true
		return OK()
	})

	if got := c.Run(ClientCheckACL, "t", "allowed"); got != "denied" {
		t.Errorf("Run = %v, want denied", got)
	}
	if called {
		t.Error("callback after stop must not run")
	}
}

func TestChainTopicFilter(t *testing.T) {
	c := NewChain(nil)

	hits := 0
	c.Register(MessagePublish, "sensors-only", "sensors/#", 0, func(topic string, acc any) Result {
		hits++
		return OK()
	})

	c.Run(MessagePublish, "sensors/1/temp", nil)
	c.Run(MessagePublish, "alarms/1", nil)

	if hits != 1 {
		t.Errorf("hits = %d, want 1", hits)
	}
}

func TestChainPanicIsolation(t *testing.T) {
	c := NewChain(slog.Default())

	c.Register(MessagePublish, "boom", "", 0, func(topic string, acc any) Result {
		panic("boom")
	})
	c.Register(MessagePublish, "after", "", 1, func(topic string, acc any) Result {
		return Update("survived")
	})

	if got := c.Run(MessagePublish, "t", "init"); got != "survived" {
		t.Errorf("Run = %v, want survived", got)
	}
}

func TestUnregister(t *testing.T) {
	c := NewChain(nil)

	c.Register(MessagePublish, "a", "", 0, func(topic string, acc any) Result {
		return Stop("a")
	})
	c.Unregister(MessagePublish, "a")

	if got := c.Run(MessagePublish, "t", "init"); got != "init" {
		t.Errorf("Run after Unregister = %v, want init", got)
	}
}

func TestRegisterRejectsBadFilter(t *testing.T) {
	c := NewChain(nil)
	if err := c.Register(MessagePublish, "bad", "a/#/b", 0, func(string, any) Result { return OK() }); err == nil {
		t.Error("expected filter validation error")
	}
	if err := c.Register(MessagePublish, "nil", "", 0, nil); err == nil {
		t.Error("expected nil callback error")
	}
}
