package actionctl

import (
	"context"
	"sync"
)

// DeferredState is the lifecycle state of a Deferred.
type DeferredState int32

const (
	// Pending indicates the operation is still in progress.
	Pending DeferredState = iota
	// Resolved indicates the operation completed successfully.
	Resolved
	// Rejected indicates the operation failed.
	Rejected
)

// Deferred is this module's promise type: the value every asynchronous
// Receiver operation and every synchronized action invocation hands back to
// its caller. It starts Pending and transitions exactly once, to Resolved or
// Rejected; resolution is safe to perform from any goroutine.
type Deferred struct {
	mu          sync.Mutex
	state       DeferredState
	value       any
	err         error
	subscribers []chan struct{}
}

// NewDeferred creates a pending Deferred along with its resolve and reject
// functions, mirroring the resolve/reject pair of a JavaScript
// Promise.withResolvers().
func NewDeferred() (d *Deferred, resolve func(any), reject func(error)) {
	d = &Deferred{}
	return d, d.resolve, d.reject
}

// ResolvedDeferred returns an already-settled Deferred holding val.
func ResolvedDeferred(val any) *Deferred {
	d := &Deferred{state: Resolved, value: val}
	return d
}

// RejectedDeferred returns an already-settled Deferred holding err.
func RejectedDeferred(err error) *Deferred {
	d := &Deferred{state: Rejected, err: err}
	return d
}

func (d *Deferred) resolve(val any) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state != Pending {
		return
	}
	d.state = Resolved
	d.value = val
	d.fanOut()
}

func (d *Deferred) reject(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state != Pending {
		return
	}
	d.state = Rejected
	d.err = err
	d.fanOut()
}

// fanOut must be called with d.mu held.
func (d *Deferred) fanOut() {
	for _, ch := range d.subscribers {
		close(ch)
	}
	d.subscribers = nil
}

// State returns the current DeferredState.
func (d *Deferred) State() DeferredState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// settled registers (or immediately satisfies) a notification channel,
// returning it. The channel is closed once the Deferred settles.
func (d *Deferred) settled() <-chan struct{} {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state != Pending {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	ch := make(chan struct{})
	d.subscribers = append(d.subscribers, ch)
	return ch
}

// Await blocks until the Deferred settles or ctx is done, returning the
// resolution value or the rejection/context error.
func (d *Deferred) Await(ctx context.Context) (any, error) {
	select {
	case <-d.settled():
		d.mu.Lock()
		defer d.mu.Unlock()
		if d.state == Rejected {
			return nil, d.err
		}
		return d.value, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// CancelableDeferred pairs a Deferred with a Cancel function, returned by
// Receiver.WhenIdle (spec.md §4.4): cancellation tears down the underlying
// IdleTask's timers and listeners and rejects the Deferred with ErrCancelled.
type CancelableDeferred struct {
	*Deferred
	Cancel func()
}

// Then registers callbacks invoked once the Deferred settles, on a new
// goroutine, and returns a Deferred representing the outcome of whichever
// callback ran. Either callback may be nil, in which case the corresponding
// outcome passes through unchanged.
func (d *Deferred) Then(onFulfilled func(any) (any, error), onRejected func(error) (any, error)) *Deferred {
	out, resolve, reject := NewDeferred()
	go func() {
		<-d.settled()
		d.mu.Lock()
		state, value, err := d.state, d.value, d.err
		d.mu.Unlock()

		switch state {
		case Resolved:
			if onFulfilled == nil {
				resolve(value)
				return
			}
			v, e := onFulfilled(value)
			if e != nil {
				reject(e)
				return
			}
			resolve(v)
		case Rejected:
			if onRejected == nil {
				reject(err)
				return
			}
			v, e := onRejected(err)
			if e != nil {
				reject(e)
				return
			}
			resolve(v)
		}
	}()
	return out
}
