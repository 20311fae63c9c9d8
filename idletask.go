package actionctl

import (
	"sync"
	"time"

	eventloop "github.com/joeycumines/go-eventloop"
)

// IdleTask is the cancelable handle backing Receiver.WhenIdle. It waits
// until the Queue becomes idle and stays idle for at least the configured
// quiesce window, and the host's idle-callback mechanism also fires, then
// invokes its target. Cancellation tears down every timer and listener it
// holds, per spec.md §8 invariant 7.
//
// Cancellation is implemented on top of the teacher pack's W3C-shaped
// AbortController/AbortSignal: Cancel is Abort, and every timer and
// listener this task owns is registered to self-destruct via
// signal.OnAbort, so a single Abort call is enough to guarantee teardown
// regardless of which state the wait loop is currently in.
type IdleTask struct {
	abort *eventloop.AbortController

	mu   sync.Mutex
	done bool
}

// newIdleTask starts waiting, on its own goroutine, for the Queue to go
// idle and stay idle for window, and for the host idle-callback mechanism
// to fire, then invokes onReady exactly once. It returns immediately.
func newIdleTask(queue *Queue, host HostDescriptor, window time.Duration, onReady func()) *IdleTask {
	t := &IdleTask{abort: eventloop.NewAbortController()}
	signal := t.abort.Signal()

	cancelled := make(chan struct{})
	signal.OnAbort(func(any) { close(cancelled) })

	hostFired := make(chan struct{})
	var hostFiredOnce sync.Once
	var cancelHost func()
	if host != nil {
		cancelHost = host.RequestIdleCallback(func() {
			hostFiredOnce.Do(func() { close(hostFired) })
		})
	} else {
		close(hostFired)
	}
	if cancelHost != nil {
		signal.OnAbort(func(any) { cancelHost() })
	}

	activeCh := make(chan struct{}, 1)
	activeID := queue.On(SignalActive, func(any) {
		select {
		case activeCh <- struct{}{}:
		default:
		}
	})
	signal.OnAbort(func(any) { queue.Off(SignalActive, activeID) })

	go t.run(queue, window, cancelled, hostFired, activeCh, onReady)
	return t
}

func (t *IdleTask) run(queue *Queue, window time.Duration, cancelled, hostFired <-chan struct{}, activeCh <-chan struct{}, onReady func()) {
	signal := t.abort.Signal()

	for {
		select {
		case <-cancelled:
			return
		default:
		}

		if !queue.IsIdle() {
			idleCh := make(chan struct{}, 1)
			idleID := queue.On(SignalIdle, func(any) {
				select {
				case idleCh <- struct{}{}:
				default:
				}
			})
			select {
			case <-idleCh:
				queue.Off(SignalIdle, idleID)
			case <-cancelled:
				queue.Off(SignalIdle, idleID)
				return
			}
		}

		timer := time.NewTimer(window)
		signal.OnAbort(func(any) { timer.Stop() })
		select {
		case <-timer.C:
			if !queue.IsIdle() {
				continue
			}
		case <-activeCh:
			timer.Stop()
			continue
		case <-cancelled:
			timer.Stop()
			return
		}

		select {
		case <-hostFired:
		case <-activeCh:
			continue
		case <-cancelled:
			return
		}

		t.mu.Lock()
		if t.done {
			t.mu.Unlock()
			return
		}
		t.done = true
		t.mu.Unlock()
		// Release every timer and listener before firing, so a later Cancel
		// (a no-op once done is set) leaves nothing registered.
		t.abort.Abort(ErrCancelled)
		onReady()
		return
	}
}

// Cancel aborts the idle task: every outstanding timer and listener is torn
// down and onReady will never be invoked.
func (t *IdleTask) Cancel() {
	t.mu.Lock()
	if t.done {
		t.mu.Unlock()
		return
	}
	t.done = true
	t.mu.Unlock()
	t.abort.Abort(ErrCancelled)
}
