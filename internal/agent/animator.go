// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package agent

import (
	"bytes"
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// =============================================================================
// TICK SOURCE
// =============================================================================

// Ticker paces the animator's drain loop. Wait blocks until the next tick
// or until the context is cancelled.
type Ticker interface {
	Wait(ctx context.Context) error
}

// rateTicker caps drains at ~60 per second.
// PERFORMANCE: rate.Limiter instead of time.Ticker so an idle animator
// consumes nothing between pushes.
type rateTicker struct {
	lim *rate.Limiter
}

func newRateTicker() *rateTicker {
	return &rateTicker{lim: rate.NewLimiter(rate.Every(time.Second/60), 1)}
}

func (t *rateTicker) Wait(ctx context.Context) error {
	return t.lim.Wait(ctx)
}

// =============================================================================
// RESPONSE ANIMATOR
// =============================================================================

// Animator buffers incoming text deltas and drains them to the consumer at
// a bounded rate, so bursty backend chunks render as a smooth incremental
// stream. It knows nothing about sessions or transport; one animator serves
// one stream session and is discarded with it.
//
// Deltas are drained strictly in push order; the animator re-buffers but
// never reorders.
type Animator struct {
	mu      sync.Mutex
	text    []byte // accumulated, already delivered
	backlog []byte // pushed, not yet delivered
	done    bool
	final   string

	onUpdate func(string)
	onDone   func(string)

	ticker   Ticker
	wake     chan struct{}
	loopDone chan struct{}
}

// NewAnimator creates an animator with the production ~60Hz tick source.
// onUpdate receives the full accumulated text after each drain; onDone is
// called exactly once with the final text when Finish runs. Either callback
// may be nil.
func NewAnimator(onUpdate, onDone func(string)) *Animator {
	return NewAnimatorWithTicker(onUpdate, onDone, newRateTicker())
}

// NewAnimatorWithTicker creates an animator with an injected tick source
// (tests use a virtual clock).
func NewAnimatorWithTicker(onUpdate, onDone func(string), ticker Ticker) *Animator {
	return &Animator{
		onUpdate: onUpdate,
		onDone:   onDone,
		ticker:   ticker,
		wake:     make(chan struct{}, 1),
		loopDone: make(chan struct{}),
	}
}

// Run drives the drain loop until Finish is called or ctx is cancelled.
// Call it on its own goroutine.
func (a *Animator) Run(ctx context.Context) {
	defer close(a.loopDone)
	for {
		select {
		case <-ctx.Done():
			return
		case <-a.wake:
		}
		if !a.drainAll(ctx) {
			return
		}
	}
}

// drainAll consumes the backlog one paced slice at a time. Returns false
// once the animator is finished or the context is cancelled.
func (a *Animator) drainAll(ctx context.Context) bool {
	for {
		if err := a.ticker.Wait(ctx); err != nil {
			return false
		}

		a.mu.Lock()
		if a.done {
			a.mu.Unlock()
			return false
		}
		if len(a.backlog) == 0 {
			a.mu.Unlock()
			return true
		}

		// Slice size scales with backlog length so long backlogs drain
		// faster, but the whole backlog is never emitted in one tick.
		n := len(a.backlog) / 60
		if n < 1 {
			n = 1
		}
		n = runeBoundary(a.backlog, n)

		a.text = append(a.text, a.backlog[:n]...)
		a.backlog = a.backlog[n:]
		cur := string(a.text)
		cb := a.onUpdate
		a.mu.Unlock()

		if cb != nil {
			cb(cur)
		}
	}
}

// Push appends text to the backlog. Pushes after Finish are dropped.
func (a *Animator) Push(text string) {
	if text == "" {
		return
	}
	a.mu.Lock()
	if a.done {
		a.mu.Unlock()
		return
	}
	a.backlog = append(a.backlog, text...)
	a.mu.Unlock()

	select {
	case a.wake <- struct{}{}:
	default:
	}
}

// Finish flushes the remaining backlog synchronously, fires the terminal
// callback exactly once, and returns the final text. Safe to call more than
// once; later calls return the same final text.
func (a *Animator) Finish() string {
	a.mu.Lock()
	if a.done {
		final := a.final
		a.mu.Unlock()
		return final
	}
	a.done = true
	a.text = append(a.text, a.backlog...)
	a.backlog = nil
	a.final = string(a.text)
	final := a.final
	cb := a.onDone
	a.mu.Unlock()

	// Unblock the drain loop if it is parked on wake.
	select {
	case a.wake <- struct{}{}:
	default:
	}

	if cb != nil {
		cb(final)
	}
	return final
}

// Scrub removes every occurrence of marker from both the delivered text and
// the backlog. Used to clear the tool-call loading placeholder once real
// output resumes.
func (a *Animator) Scrub(marker string) {
	if marker == "" {
		return
	}
	m := []byte(marker)
	a.mu.Lock()
	a.text = bytes.ReplaceAll(a.text, m, nil)
	a.backlog = bytes.ReplaceAll(a.backlog, m, nil)
	a.mu.Unlock()
}

// Text returns the text delivered so far (excluding undrained backlog).
func (a *Animator) Text() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return string(a.text)
}

// Done reports whether Finish has run.
func (a *Animator) Done() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.done
}

// runeBoundary extends n forward so the slice never splits a UTF-8
// sequence; intermediate onUpdate text stays valid.
func runeBoundary(b []byte, n int) int {
	for n < len(b) && b[n]&0xC0 == 0x80 {
		n++
	}
	return n
}
