package actionctl

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestThrottle_CoalescesBurstIntoOneTrailingInvocation(t *testing.T) {
	var calls int32
	var lastArg int32
	invoke := func(ctx context.Context, args ...any) *Deferred {
		atomic.AddInt32(&calls, 1)
		atomic.StoreInt32(&lastArg, args[0].(int32))
		return ResolvedDeferred(args[0])
	}
	th := newThrottle(invoke, 30*time.Millisecond)

	var waiters []*Deferred
	for i := int32(0); i < 5; i++ {
		waiters = append(waiters, th.call(context.Background(), i))
	}

	for _, w := range waiters {
		val, err := w.Await(context.Background())
		require.NoError(t, err)
		assert.Equal(t, int32(4), val)
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	assert.Equal(t, int32(4), atomic.LoadInt32(&lastArg))
}

func TestThrottle_SeparateBurstsInvokeSeparately(t *testing.T) {
	var calls int32
	invoke := func(ctx context.Context, args ...any) *Deferred {
		atomic.AddInt32(&calls, 1)
		return ResolvedDeferred(nil)
	}
	th := newThrottle(invoke, 20*time.Millisecond)

	_, err := th.call(context.Background()).Await(context.Background())
	require.NoError(t, err)
	_, err = th.call(context.Background()).Await(context.Background())
	require.NoError(t, err)

	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestDebounce_FiresOnceAfterSilenceWithLatestArgs(t *testing.T) {
	var calls int32
	var lastArg int32
	invoke := func(ctx context.Context, args ...any) *Deferred {
		atomic.AddInt32(&calls, 1)
		atomic.StoreInt32(&lastArg, args[0].(int32))
		return ResolvedDeferred(args[0])
	}
	d := newDebounce(invoke, 30*time.Millisecond)

	var waiters []*Deferred
	for i := int32(0); i < 5; i++ {
		waiters = append(waiters, d.call(context.Background(), i))
		time.Sleep(5 * time.Millisecond)
	}

	for _, w := range waiters {
		val, err := w.Await(context.Background())
		require.NoError(t, err)
		assert.Equal(t, int32(4), val)
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	assert.Equal(t, int32(4), atomic.LoadInt32(&lastArg))
}

func TestDebounce_CallAfterSilenceInvokesAgain(t *testing.T) {
	var calls int32
	invoke := func(ctx context.Context, args ...any) *Deferred {
		atomic.AddInt32(&calls, 1)
		return ResolvedDeferred(nil)
	}
	d := newDebounce(invoke, 15*time.Millisecond)

	_, err := d.call(context.Background()).Await(context.Background())
	require.NoError(t, err)

	time.Sleep(40 * time.Millisecond)

	_, err = d.call(context.Background()).Await(context.Background())
	require.NoError(t, err)

	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestController_ThrottledWrapsRegisteredAction(t *testing.T) {
	var calls int32
	add := &ActionDef{
		Name: "addLayer",
		Body: func(ctx context.Context, r *Receiver, args ...any) *Deferred {
			atomic.AddInt32(&calls, 1)
			return ResolvedDeferred("layer")
		},
		Reads: NewLockSet(LockPSDoc), Writes: NewLockSet(LockPSDoc),
	}
	modules := []*Module{{Name: "layers", Actions: map[string]*ActionDef{"addLayer": add}}}
	ctrl := newTestController(t, modules)

	throttled := ctrl.Throttled("layers.addLayer", 20*time.Millisecond)
	require.NotNil(t, throttled)

	var waiters []*Deferred
	for i := 0; i < 3; i++ {
		waiters = append(waiters, throttled(context.Background()))
	}
	for _, w := range waiters {
		_, err := w.Await(context.Background())
		require.NoError(t, err)
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestController_ThrottledUnknownActionReturnsNil(t *testing.T) {
	ctrl := newTestController(t, nil)
	assert.Nil(t, ctrl.Throttled("nope.nope", time.Millisecond))
	assert.Nil(t, ctrl.Debounced("nope.nope", time.Millisecond))
}
