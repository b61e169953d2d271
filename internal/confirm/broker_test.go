package confirm

import (
	"errors"
	"sync"
	"testing"
	"time"
)

type timeoutRecorder struct {
	mu          sync.Mutex
	resolutions []Resolution
}

func (r *timeoutRecorder) record(res Resolution) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resolutions = append(r.resolutions, res)
}

func (r *timeoutRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.resolutions)
}

func TestResolve_MatchesContextAndResponder(t *testing.T) {
	b := NewBroker(nil)
	b.Register("s1", "!room:x", "$prompt", Constraint{ResponderID: "@admin:x"}, time.Minute)

	if _, err := b.Resolve(Message{ContextID: "!other:x", SenderID: "@admin:x", Accepted: true}); !errors.Is(err, ErrNoPending) {
		t.Fatal("message from another room must not resolve")
	}
	if _, err := b.Resolve(Message{ContextID: "!room:x", SenderID: "@someone:x", Accepted: true}); !errors.Is(err, ErrNoPending) {
		t.Fatal("message from another sender must not resolve")
	}
	if _, err := b.Resolve(Message{ContextID: "!room:x", SenderID: "@admin:x", RelatesTo: "$unrelated", Accepted: true}); !errors.Is(err, ErrNoPending) {
		t.Fatal("reaction on another event must not resolve")
	}

	res, err := b.Resolve(Message{ContextID: "!room:x", SenderID: "@admin:x", RelatesTo: "$prompt", Accepted: true})
	if err != nil || res.SessionID != "s1" || !res.Accepted || res.TimedOut {
		t.Fatalf("unexpected resolution: %+v %v", res, err)
	}
}

func TestResolve_AnyResponder(t *testing.T) {
	b := NewBroker(nil)
	b.Register("s1", "!room:x", "", Constraint{}, time.Minute)

	res, err := b.Resolve(Message{ContextID: "!room:x", SenderID: "@anyone:x", Accepted: false})
	if err != nil || res.Accepted || res.ResponderID != "@anyone:x" {
		t.Fatalf("unexpected resolution: %+v %v", res, err)
	}
}

func TestResolve_ExactlyOnce(t *testing.T) {
	rec := &timeoutRecorder{}
	b := NewBroker(rec.record)
	b.Register("s1", "!room:x", "", Constraint{}, 50*time.Millisecond)

	if _, err := b.Resolve(Message{ContextID: "!room:x", SenderID: "@a:x", Accepted: true}); err != nil {
		t.Fatalf("expected first message to resolve, got %v", err)
	}
	if _, err := b.Resolve(Message{ContextID: "!room:x", SenderID: "@a:x", Accepted: true}); !errors.Is(err, ErrNoPending) {
		t.Fatal("second message must be ignored")
	}
	time.Sleep(100 * time.Millisecond)
	if rec.count() != 0 {
		t.Fatal("resolved confirmation must not time out")
	}
	if len(b.pending) != 0 {
		t.Fatal("resolved confirmation must not be pending")
	}
}

func TestTimeout_EmitsSyntheticCancellation(t *testing.T) {
	rec := &timeoutRecorder{}
	b := NewBroker(rec.record)
	b.Register("s1", "!room:x", "", Constraint{}, 20*time.Millisecond)

	waitUntil(t, time.Second, func() bool { return rec.count() == 1 }, "expected timeout resolution")
	rec.mu.Lock()
	res := rec.resolutions[0]
	rec.mu.Unlock()
	if res.SessionID != "s1" || !res.TimedOut || res.Accepted {
		t.Fatalf("unexpected timeout resolution: %+v", res)
	}
	if _, err := b.Resolve(Message{ContextID: "!room:x", SenderID: "@a:x", Accepted: true}); !errors.Is(err, ErrNoPending) {
		t.Fatal("late message must not resolve an expired confirmation")
	}
}

func TestCancel_DropsWithoutResolution(t *testing.T) {
	rec := &timeoutRecorder{}
	b := NewBroker(rec.record)
	b.Register("s1", "!room:x", "", Constraint{}, 20*time.Millisecond)

	if !b.Cancel("s1") {
		t.Fatal("expected cancel to report pending confirmation")
	}
	if b.Cancel("s1") {
		t.Fatal("second cancel must report nothing pending")
	}
	time.Sleep(60 * time.Millisecond)
	b.mu.Lock()
	remaining := len(b.pending)
	b.mu.Unlock()
	if rec.count() != 0 || remaining != 0 {
		t.Fatal("cancelled confirmation must not time out")
	}
}

func TestResolve_TwoPromptsInOneRoom(t *testing.T) {
	b := NewBroker(nil)
	b.Register("first", "!control:x", "$first", Constraint{ResponderID: "@admin:x"}, time.Minute)
	b.Register("second", "!control:x", "$second", Constraint{ResponderID: "@admin:x"}, time.Minute)

	for range 50 {
		if _, err := b.Resolve(Message{ContextID: "!control:x", SenderID: "@admin:x", Accepted: true}); !errors.Is(err, ErrAmbiguous) {
			t.Fatalf("expected plain confirmation to be ambiguous, got %v", err)
		}
	}

	res, err := b.Resolve(Message{ContextID: "!control:x", SenderID: "@admin:x", RelatesTo: "$second", Accepted: true})
	if err != nil || res.SessionID != "second" {
		t.Fatalf("expected reaction on second prompt to resolve it, got %+v %v", res, err)
	}

	// With one prompt left a plain answer is no longer ambiguous.
	res, err = b.Resolve(Message{ContextID: "!control:x", SenderID: "@admin:x", Accepted: false})
	if err != nil || res.SessionID != "first" || res.Accepted {
		t.Fatalf("expected plain answer to resolve first prompt, got %+v %v", res, err)
	}
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool, message string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(message)
}
