package tokenagg

import (
	"sync"
	"testing"
	"time"
)

type flushRecorder struct {
	mu      sync.Mutex
	flushes []flushed
}

type flushed struct {
	messageID string
	content   string
}

func (r *flushRecorder) record(messageID, content string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.flushes = append(r.flushes, flushed{messageID, content})
}

func (r *flushRecorder) all() []flushed {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]flushed, len(r.flushes))
	copy(out, r.flushes)
	return out
}

func TestFlushOnSizeBound(t *testing.T) {
	rec := &flushRecorder{}
	a := New(time.Hour, 3, rec.record)

	a.Add("msg-1", "a")
	a.Add("msg-1", "b")
	if len(rec.all()) != 0 {
		t.Fatal("expected no flush below size bound")
	}
	a.Add("msg-1", "c")

	got := rec.all()
	if len(got) != 1 {
		t.Fatalf("expected 1 flush, got %d", len(got))
	}
	if got[0].messageID != "msg-1" || got[0].content != "abc" {
		t.Errorf("unexpected flush: %+v", got[0])
	}
}

func TestFlushOnTimer(t *testing.T) {
	rec := &flushRecorder{}
	a := New(20*time.Millisecond, 100, rec.record)

	a.Add("msg-1", "hel")
	a.Add("msg-1", "lo")

	deadline := time.Now().Add(2 * time.Second)
	for len(rec.all()) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	got := rec.all()
	if len(got) != 1 || got[0].content != "hello" {
		t.Fatalf("expected timer flush of %q, got %+v", "hello", got)
	}
}

func TestFlushOnMessageChange(t *testing.T) {
	rec := &flushRecorder{}
	a := New(time.Hour, 100, rec.record)

	a.Add("msg-1", "first")
	a.Add("msg-2", "second")
	a.Flush()

	got := rec.all()
	if len(got) != 2 {
		t.Fatalf("expected 2 flushes, got %d", len(got))
	}
	if got[0].messageID != "msg-1" || got[0].content != "first" {
		t.Errorf("unexpected first flush: %+v", got[0])
	}
	if got[1].messageID != "msg-2" || got[1].content != "second" {
		t.Errorf("unexpected second flush: %+v", got[1])
	}
}

func TestEmptyFlushIsNoOp(t *testing.T) {
	rec := &flushRecorder{}
	a := New(time.Hour, 100, rec.record)

	a.Flush()
	if len(rec.all()) != 0 {
		t.Error("expected no flush on empty buffer")
	}
}

func TestConcatenationPreservesText(t *testing.T) {
	// Splitting the same text differently must flush identical content.
	join := func(parts []string) string {
		rec := &flushRecorder{}
		a := New(time.Hour, 1000, rec.record)
		for _, p := range parts {
			a.Add("m", p)
		}
		a.Flush()
		got := rec.all()
		if len(got) != 1 {
			t.Fatalf("expected 1 flush, got %d", len(got))
		}
		return got[0].content
	}

	one := join([]string{"the quick brown fox"})
	many := join([]string{"the ", "quick ", "brown ", "fox"})
	if one != many {
		t.Errorf("concatenation mismatch: %q vs %q", one, many)
	}
}

func TestDestroyFlushesAndDetaches(t *testing.T) {
	rec := &flushRecorder{}
	a := New(time.Hour, 100, rec.record)

	a.Add("msg-1", "tail")
	a.Destroy()

	got := rec.all()
	if len(got) != 1 || got[0].content != "tail" {
		t.Fatalf("expected destroy to flush, got %+v", got)
	}

	a.Add("msg-1", "late")
	a.Flush()
	if len(rec.all()) != 1 {
		t.Error("expected adds after destroy to be dropped")
	}
}
