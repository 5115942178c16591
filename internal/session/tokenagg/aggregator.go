// Package tokenagg batches streaming model output tokens into coalesced
// events so the log and the live fan-out are not flooded with one event per
// token.
package tokenagg

import (
	"strings"
	"sync"
	"time"
)

// FlushFunc receives the concatenated text buffered for a message.
type FlushFunc func(messageID, content string)

// Aggregator buffers token text per message and flushes on a time quantum,
// a size bound, a message-id change, or an explicit Flush. It serves one
// session; the ingress creates one per session actor.
type Aggregator struct {
	flushInterval time.Duration
	maxTokens     int

	mu        sync.Mutex
	messageID string
	buf       []string
	timer     *time.Timer
	flushFn   FlushFunc
}

// New creates an aggregator delivering flushes to flushFn.
func New(flushInterval time.Duration, maxTokens int, flushFn FlushFunc) *Aggregator {
	if flushInterval <= 0 {
		flushInterval = 50 * time.Millisecond
	}
	if maxTokens <= 0 {
		maxTokens = 100
	}
	return &Aggregator{
		flushInterval: flushInterval,
		maxTokens:     maxTokens,
		flushFn:       flushFn,
	}
}

// Add buffers one token of text for the message. A change of message id
// flushes the previous message's buffer first, preserving order across
// messages.
func (a *Aggregator) Add(messageID, text string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.flushFn == nil {
		return
	}

	if a.messageID != "" && a.messageID != messageID {
		a.flushLocked()
	}
	a.messageID = messageID
	a.buf = append(a.buf, text)

	if len(a.buf) >= a.maxTokens {
		a.flushLocked()
		return
	}
	if a.timer == nil {
		a.timer = time.AfterFunc(a.flushInterval, a.timerFlush)
	}
}

// Flush drains the buffer immediately. An empty buffer is a no-op.
func (a *Aggregator) Flush() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.flushLocked()
}

// Destroy flushes any buffered tokens and detaches the callback; later Add
// calls become no-ops.
func (a *Aggregator) Destroy() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.flushLocked()
	a.flushFn = nil
}

func (a *Aggregator) timerFlush() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.timer = nil
	a.flushLocked()
}

// flushLocked drains the buffer and delivers it. Caller holds a.mu.
func (a *Aggregator) flushLocked() {
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
	if len(a.buf) == 0 || a.flushFn == nil {
		return
	}
	content := strings.Join(a.buf, "")
	messageID := a.messageID
	a.buf = nil
	a.messageID = ""

	// Delivered under the lock to keep flushes ordered; the callback must
	// not call back into the aggregator.
	a.flushFn(messageID, content)
}
