package bridge

import (
	"testing"
	"time"
)

func TestRateLimiterDelays(t *testing.T) {
	t.Parallel()

	r := NewRateLimiter(100*time.Millisecond, 300*time.Millisecond)

	if d := r.delay("a"); d != 0 {
		t.Errorf("initial delay = %v, want 0", d)
	}

	r.RecordSend("a")

	// Same chat: bounded by the longer per-chat cooldown.
	if d := r.delay("a"); d <= 100*time.Millisecond || d > 300*time.Millisecond {
		t.Errorf("same-chat delay = %v, want (100ms, 300ms]", d)
	}
	// Different chat: only the global cooldown applies.
	if d := r.delay("b"); d <= 0 || d > 100*time.Millisecond {
		t.Errorf("cross-chat delay = %v, want (0, 100ms]", d)
	}
}

func TestRateLimiterFailedSendConsumesNothing(t *testing.T) {
	t.Parallel()

	r := NewRateLimiter(time.Hour, time.Hour)
	// Wait without RecordSend models a failed delivery: the next send must
	// not be penalized for it.
	r.Wait("a")
	if d := r.delay("a"); d != 0 {
		t.Errorf("delay after failed send = %v, want 0", d)
	}
}

func TestRateLimiterZeroDisables(t *testing.T) {
	t.Parallel()

	r := NewRateLimiter(0, 0)
	r.RecordSend("a")
	if d := r.delay("a"); d != 0 {
		t.Errorf("delay with disabled cooldowns = %v, want 0", d)
	}
}

func TestEventLogRetention(t *testing.T) {
	t.Parallel()

	l := NewEventLog()
	for i := 0; i < eventRetention+13; i++ {
		l.Record("chat", EventReply)
	}
	entries := l.Snapshot()
	if len(entries) != eventRetention {
		t.Errorf("entries = %d, want %d", len(entries), eventRetention)
	}
}

func TestEventLogOrder(t *testing.T) {
	t.Parallel()

	l := NewEventLog()
	l.Record("a", EventCommand)
	l.Record("b", EventDispatch)
	l.Record("c", EventReply)

	entries := l.Snapshot()
	if len(entries) != 3 {
		t.Fatalf("entries = %d", len(entries))
	}
	if entries[0].Type != EventCommand || entries[2].Type != EventReply {
		t.Errorf("order wrong: %v", entries)
	}
	if entries[1].Chat != "b" {
		t.Errorf("chat = %q", entries[1].Chat)
	}
}
