package actionctl

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeHostDescriptor struct {
	idleCallbacks []func()
}

func (f *fakeHostDescriptor) IsModalToolStateActive() bool { return false }
func (f *fakeHostDescriptor) EndModalToolState(ctx context.Context, force bool) *Deferred {
	return ResolvedDeferred(nil)
}
func (f *fakeHostDescriptor) On(event string, fn func(any)) (unsubscribe func()) { return func() {} }
func (f *fakeHostDescriptor) RequestIdleCallback(fn func()) (cancel func()) {
	f.idleCallbacks = append(f.idleCallbacks, fn)
	return func() {}
}

func (f *fakeHostDescriptor) fireAll() {
	for _, fn := range f.idleCallbacks {
		fn()
	}
}

func TestIdleTask_FiresOnceQueueIdleAndHostIdle(t *testing.T) {
	q := NewQueue(4)
	host := &fakeHostDescriptor{}

	ready := make(chan struct{})
	task := newIdleTask(q, host, 10*time.Millisecond, func() { close(ready) })
	defer task.Cancel()

	require.Eventually(t, func() bool {
		return len(host.idleCallbacks) == 1
	}, time.Second, time.Millisecond)

	host.fireAll()

	select {
	case <-ready:
	case <-time.After(time.Second):
		t.Fatal("idle task never fired")
	}
}

func TestIdleTask_WaitsOutActiveBurstsBeforeQuiescing(t *testing.T) {
	q := NewQueue(4)
	host := &fakeHostDescriptor{}

	ready := make(chan struct{})
	task := newIdleTask(q, host, 30*time.Millisecond, func() { close(ready) })
	defer task.Cancel()

	start, release := make(chan struct{}), make(chan struct{})
	q.Push(func(ctx context.Context) (any, error) {
		close(start)
		<-release
		return nil, nil
	}, NewLockSet(LockPSDoc), NewLockSet(LockPSDoc), "busy")
	<-start
	close(release)

	require.Eventually(t, func() bool {
		return len(host.idleCallbacks) == 1
	}, time.Second, time.Millisecond)
	host.fireAll()

	select {
	case <-ready:
	case <-time.After(time.Second):
		t.Fatal("idle task never fired after queue drained")
	}
}

func TestIdleTask_CancelPreventsOnReady(t *testing.T) {
	q := NewQueue(4)
	host := &fakeHostDescriptor{}

	fired := false
	task := newIdleTask(q, host, 50*time.Millisecond, func() { fired = true })
	task.Cancel()

	time.Sleep(100 * time.Millisecond)
	assert.False(t, fired)
}

func TestIdleTask_CancelLeavesNoDanglingListeners(t *testing.T) {
	q := NewQueue(4)
	host := &fakeHostDescriptor{}

	before := q.emitter.ListenerCount(SignalActive)
	task := newIdleTask(q, host, 50*time.Millisecond, func() {})
	task.Cancel()

	require.Eventually(t, func() bool {
		return q.emitter.ListenerCount(SignalActive) == before
	}, time.Second, time.Millisecond)
}

func TestIdleTask_NilHostFiresImmediately(t *testing.T) {
	q := NewQueue(4)

	ready := make(chan struct{})
	task := newIdleTask(q, nil, 10*time.Millisecond, func() { close(ready) })
	defer task.Cancel()

	select {
	case <-ready:
	case <-time.After(time.Second):
		t.Fatal("idle task with nil host never fired")
	}
}
