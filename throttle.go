package actionctl

import (
	"context"
	"sync"
	"time"
)

// invokeFunc is the shape of synchronizedAction.Invoke, which
// Throttled/Debounced wrap.
type invokeFunc func(ctx context.Context, args ...any) *Deferred

// Throttled returns a trailing-edge throttled wrapper over a's Invoke
// (spec.md §4.6): calls within window of the first call in a burst are
// coalesced, and only the most recent invocation's arguments are actually
// run, once, at the end of the window. Every coalesced caller's Deferred
// settles with that single trailing invocation's outcome.
func (a *synchronizedAction) Throttled(window time.Duration) func(ctx context.Context, args ...any) *Deferred {
	return newThrottle(a.Invoke, window).call
}

// Debounced returns a debounced wrapper over a's Invoke (spec.md §4.6): each
// call cancels the previous pending call's timer; the latest call's
// arguments fire only after window has elapsed with no further calls. Every
// coalesced caller's Deferred settles with that single eventual invocation's
// outcome.
func (a *synchronizedAction) Debounced(window time.Duration) func(ctx context.Context, args ...any) *Deferred {
	return newDebounce(a.Invoke, window).call
}

// throttle implements trailing-edge coalescing: the first call in a burst
// arms a timer for window; every subsequent call before the timer fires
// just replaces the pending args/waiters and does not re-arm the timer.
type throttle struct {
	invoke invokeFunc
	window time.Duration

	mu      sync.Mutex
	armed   bool
	ctx     context.Context
	args    []any
	waiters []*Deferred
}

func newThrottle(invoke invokeFunc, window time.Duration) *throttle {
	return &throttle{invoke: invoke, window: window}
}

func (t *throttle) call(ctx context.Context, args ...any) *Deferred {
	out, _, _ := NewDeferred()

	t.mu.Lock()
	t.ctx = ctx
	t.args = args
	t.waiters = append(t.waiters, out)
	alreadyArmed := t.armed
	t.armed = true
	t.mu.Unlock()

	if !alreadyArmed {
		go t.fireAfter(t.window)
	}

	return out
}

func (t *throttle) fireAfter(window time.Duration) {
	time.Sleep(window)

	t.mu.Lock()
	ctx := t.ctx
	args := t.args
	waiters := t.waiters
	t.waiters = nil
	t.armed = false
	t.mu.Unlock()

	result := t.invoke(ctx, args...)
	go func() {
		val, err := result.Await(context.Background())
		for _, w := range waiters {
			settle(w, val, err)
		}
	}()
}

// debounce implements cancel-and-restart: every call resets the timer;
// only a call followed by window of silence actually invokes.
type debounce struct {
	invoke invokeFunc
	window time.Duration

	mu      sync.Mutex
	timer   *time.Timer
	ctx     context.Context
	args    []any
	waiters []*Deferred
	gen     uint64
}

func newDebounce(invoke invokeFunc, window time.Duration) *debounce {
	return &debounce{invoke: invoke, window: window}
}

func (d *debounce) call(ctx context.Context, args ...any) *Deferred {
	out, _, _ := NewDeferred()

	d.mu.Lock()
	d.ctx = ctx
	d.args = args
	d.waiters = append(d.waiters, out)
	d.gen++
	gen := d.gen
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.window, func() { d.fire(gen) })
	d.mu.Unlock()

	return out
}

func (d *debounce) fire(gen uint64) {
	d.mu.Lock()
	if gen != d.gen {
		d.mu.Unlock()
		return
	}
	ctx := d.ctx
	args := d.args
	waiters := d.waiters
	d.waiters = nil
	d.mu.Unlock()

	result := d.invoke(ctx, args...)
	go func() {
		val, err := result.Await(context.Background())
		for _, w := range waiters {
			settle(w, val, err)
		}
	}()
}

// settle resolves or rejects d, matching whichever outcome val/err represent.
func settle(d *Deferred, val any, err error) {
	if err != nil {
		d.reject(err)
		return
	}
	d.resolve(val)
}
