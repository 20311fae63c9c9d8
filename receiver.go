package actionctl

import (
	"context"
	"sync"
)

// receiverState is the per-receiver state machine of spec.md §4.4.
type receiverState int32

const (
	receiverIdle receiverState = iota
	receiverTransferring
	receiverCleared
)

// transferJob is one queued call to Receiver.Transfer.
type transferJob struct {
	run func() *Deferred
	out *Deferred
	// resolve/reject settle out once run's returned Deferred settles.
	resolve func(any)
	reject  func(error)
}

// Receiver is the per-invocation context handed to an action Body. It
// exposes Dispatch/DispatchAsync/Transfer/Enqueue/WhenIdle and enforces
// transfer legality.
//
// Design decision (spec.md §9, "Receiver identity"): this implementation
// creates one Receiver per invocation rather than one shared receiver per
// action. The spec notes either choice is defensible but that sharing one
// receiver across concurrent reader-only invocations of the same action
// requires either a deferred chain keyed by invocation, or per-invocation
// receivers — "choose deliberately and test". Per-invocation receivers sidestep
// the ordering hazard entirely: each invocation's transfer queue is private,
// so "transfers execute in program order" (spec.md §5.2) is automatically true
// without extra bookkeeping. The Controller still tracks every live Receiver
// so a reset can clear all of their transfer queues in one pass (spec.md §4.5).
type Receiver struct {
	ctrl  *Controller
	owner *ActionDef
	outer LockSet // the invoking action's transitive read∪write closure

	mu      sync.Mutex
	state   receiverState
	pending []*transferJob
	running bool
}

func newReceiver(ctrl *Controller, owner *ActionDef, outerReads LockSet) *Receiver {
	return &Receiver{ctrl: ctrl, owner: owner, outer: outerReads}
}

// Dispatch synchronously forwards event/payload to the event bus.
func (r *Receiver) Dispatch(event string, payload any) {
	if r.ctrl.bus != nil {
		r.ctrl.bus.Dispatch(event, payload)
	}
}

// DispatchAsync forwards event/payload on the next tick, returning a
// Deferred that resolves once dispatch has occurred.
func (r *Receiver) DispatchAsync(event string, payload any) *Deferred {
	d, resolve, _ := NewDeferred()
	go func() {
		if r.ctrl.bus != nil {
			r.ctrl.bus.Dispatch(event, payload)
		}
		resolve(nil)
	}()
	return d
}

// Transfer delegates, in-invocation, to target (an *ActionDef or dotted
// identifier), under the caller's existing locks — no new main-queue job is
// pushed. target must be declared in the owning action's Transfers list;
// violation is a ProgrammerError raised synchronously, per spec.md §8
// invariant 5.
func (r *Receiver) Transfer(ctx context.Context, target any, args ...any) *Deferred {
	def, ok := r.ctrl.registry.Lookup(target)
	if !ok {
		panic(&ProgrammerError{Op: "receiver.transfer", Detail: "transfer target is not a known action"})
	}
	if !r.ctrl.registry.Transfers(r.owner, def) {
		id, _ := r.ctrl.registry.ID(r.owner)
		panic(&ProgrammerError{Op: "receiver.transfer", Detail: "action " + id + " did not declare this transfer target"})
	}

	out, resolve, reject := NewDeferred()
	job := &transferJob{
		run: func() *Deferred {
			sub := newReceiver(r.ctrl, def, r.outer)
			r.ctrl.trackReceiver(sub)
			return def.Body(ctx, sub, args...).Then(
				func(v any) (any, error) { r.ctrl.untrackReceiver(sub); return v, nil },
				func(err error) (any, error) { r.ctrl.untrackReceiver(sub); return nil, err },
			)
		},
		out:     out,
		resolve: resolve,
		reject:  reject,
	}

	r.mu.Lock()
	if r.state == receiverCleared {
		r.mu.Unlock()
		reject(ErrCancelled)
		return out
	}
	r.pending = append(r.pending, job)
	r.state = receiverTransferring
	running := r.running
	r.mu.Unlock()

	if logger := getLogger(); logger != nil && r.ctrl.logActionTransfersEnabled() {
		if id, ok := r.ctrl.registry.ID(r.owner); ok {
			logger.Debug(id, "transfer pushed")
		}
	}

	if !running {
		go r.drainTransfers()
	}
	return out
}

func (r *Receiver) drainTransfers() {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return
	}
	r.running = true
	r.mu.Unlock()

	for {
		r.mu.Lock()
		if len(r.pending) == 0 {
			r.running = false
			if r.state != receiverCleared {
				r.state = receiverIdle
			}
			r.mu.Unlock()
			return
		}
		if r.state == receiverCleared {
			rest := r.pending
			r.pending = nil
			r.running = false
			r.mu.Unlock()
			for _, j := range rest {
				j.reject(ErrCancelled)
			}
			return
		}
		job := r.pending[0]
		r.pending = r.pending[1:]
		r.mu.Unlock()

		logTransfers := r.ctrl.logActionTransfersEnabled()
		if logger := getLogger(); logger != nil && logTransfers {
			if id, ok := r.ctrl.registry.ID(r.owner); ok {
				logger.Debug(id, "draining transfer")
			}
		}

		d := job.run()
		val, err := d.Await(context.Background())
		if err != nil {
			if logger := getLogger(); logger != nil && logTransfers {
				if id, ok := r.ctrl.registry.ID(r.owner); ok {
					logger.Debug(id, "action transfer failed: "+err.Error())
				}
			}
			job.reject(err)
			r.ctrl.onTransferFailure(r, err)
			continue
		}
		job.resolve(val)
	}
}

// Enqueue schedules a fresh top-level invocation of target on the main
// queue, returning its eventual result. Equivalent to calling the
// Controller's synchronized form directly.
func (r *Receiver) Enqueue(ctx context.Context, target any, args ...any) *Deferred {
	return r.ctrl.invoke(ctx, target, args...)
}

// WhenIdle waits until the main queue becomes idle and stays idle for the
// configured quiesce window, and the host idle-callback mechanism fires,
// then Enqueues target. The returned value is cancelable: Cancel tears down
// all timers and listeners without ever enqueuing target.
func (r *Receiver) WhenIdle(ctx context.Context, target any, args ...any) *CancelableDeferred {
	out, resolve, reject := NewDeferred()
	task := newIdleTask(r.ctrl.queue, r.ctrl.host, r.ctrl.opts.idleQuiesceWindow, func() {
		d := r.Enqueue(ctx, target, args...)
		v, err := d.Await(ctx)
		if err != nil {
			reject(err)
			return
		}
		resolve(v)
	})
	r.ctrl.trackIdleTask(task)
	return &CancelableDeferred{
		Deferred: out,
		Cancel: func() {
			task.Cancel()
			r.ctrl.untrackIdleTask(task)
			reject(ErrCancelled)
		},
	}
}

// reset clears the receiver's transfer queue (spec.md §4.4's Cleared
// transition). It does not abort a transfer body currently executing; that
// body discovers the reset via the subsequent error propagation once it
// next touches the Controller.
func (r *Receiver) reset() {
	r.mu.Lock()
	r.state = receiverCleared
	rest := r.pending
	r.pending = nil
	r.mu.Unlock()

	for _, j := range rest {
		j.reject(ErrCancelled)
	}
}
