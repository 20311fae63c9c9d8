package actionctl

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeEventBus struct {
	mu       sync.Mutex
	events   []string
	payloads []any
}

func (b *fakeEventBus) Dispatch(event string, payload any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, event)
	b.payloads = append(b.payloads, payload)
}

func (b *fakeEventBus) snapshot() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.events))
	copy(out, b.events)
	return out
}

func TestController_InvokeRunsRegisteredAction(t *testing.T) {
	add := &ActionDef{
		Name:  "addLayer",
		Body:  func(ctx context.Context, r *Receiver, args ...any) *Deferred { return ResolvedDeferred("layer") },
		Reads: NewLockSet(LockPSDoc), Writes: NewLockSet(LockPSDoc),
	}
	modules := []*Module{{Name: "layers", Actions: map[string]*ActionDef{"addLayer": add}}}
	ctrl := newTestController(t, modules)

	val, err := ctrl.Invoke(context.Background(), "layers.addLayer").Await(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "layer", val)
}

func TestController_InvokeRejectsWhenNotRunning(t *testing.T) {
	add := &ActionDef{Name: "addLayer", Body: simpleBody, Reads: NewLockSet(LockPSDoc), Writes: NewLockSet(LockPSDoc)}
	modules := []*Module{{Name: "layers", Actions: map[string]*ActionDef{"addLayer": add}}}
	ctrl, err := NewController(modules)
	require.NoError(t, err)

	_, err = ctrl.Invoke(context.Background(), "layers.addLayer").Await(context.Background())
	assert.ErrorIs(t, err, ErrNotRunning)
}

func TestController_LockUIEmitsLockAndUnlock(t *testing.T) {
	add := &ActionDef{
		Name: "action", Body: simpleBody,
		Reads: NewLockSet(LockPSDoc), Writes: NewLockSet(LockPSDoc),
		LockUI: true,
	}
	modules := []*Module{{Name: "m", Actions: map[string]*ActionDef{"action": add}}}
	ctrl := newTestController(t, modules)

	var events []string
	var mu sync.Mutex
	ctrl.On(SignalLock, func(any) { mu.Lock(); events = append(events, "lock"); mu.Unlock() })
	ctrl.On(SignalUnlock, func(any) { mu.Lock(); events = append(events, "unlock"); mu.Unlock() })

	_, err := ctrl.Invoke(context.Background(), "m.action").Await(context.Background())
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"lock", "unlock"}, events)
}

func TestController_HideOverlaysDispatchesCanvasEvents(t *testing.T) {
	bus := &fakeEventBus{}
	add := &ActionDef{
		Name: "action", Body: simpleBody,
		Reads: NewLockSet(LockPSDoc), Writes: NewLockSet(LockPSDoc),
		HideOverlays: true,
	}
	modules := []*Module{{Name: "m", Actions: map[string]*ActionDef{"action": add}}}
	ctrl := newTestController(t, modules, WithEventBus(bus))

	_, err := ctrl.Invoke(context.Background(), "m.action").Await(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{EventStartCanvasUpdate, EventEndCanvasUpdate}, bus.snapshot())
}

func TestController_AllowFailureSwallowsError(t *testing.T) {
	add := &ActionDef{
		Name: "action",
		Body: func(ctx context.Context, r *Receiver, args ...any) *Deferred {
			return RejectedDeferred(errors.New("boom"))
		},
		Reads: NewLockSet(LockPSDoc), Writes: NewLockSet(LockPSDoc),
		AllowFailure: true,
	}
	modules := []*Module{{Name: "m", Actions: map[string]*ActionDef{"action": add}}}
	ctrl := newTestController(t, modules)

	_, err := ctrl.Invoke(context.Background(), "m.action").Await(context.Background())
	assert.NoError(t, err)
}

func TestController_FailureTriggersResetAndRunsModuleHooks(t *testing.T) {
	var resetCount int32
	flaky := &ActionDef{
		Name: "flaky",
		Body: func(ctx context.Context, r *Receiver, args ...any) *Deferred {
			return RejectedDeferred(errors.New("boom"))
		},
		Reads: NewLockSet(LockPSDoc), Writes: NewLockSet(LockPSDoc),
	}
	modules := []*Module{{
		Name:    "m",
		Actions: map[string]*ActionDef{"flaky": flaky},
		OnReset: func(ctx context.Context, restart bool) *Deferred {
			atomic.AddInt32(&resetCount, 1)
			return ResolvedDeferred(nil)
		},
	}}
	ctrl := newTestController(t, modules, WithInitialResetDelay(5*time.Millisecond), WithMaxRetryWindow(40*time.Millisecond))

	ready := make(chan struct{}, 1)
	ctrl.On(SignalReady, func(any) {
		select {
		case ready <- struct{}{}:
		default:
		}
	})

	_, err := ctrl.Invoke(context.Background(), "m.flaky").Await(context.Background())
	require.Error(t, err)
	var opErr *OperationalError
	require.ErrorAs(t, err, &opErr)

	select {
	case <-ready:
	case <-time.After(2 * time.Second):
		t.Fatal("controller never recovered via reset")
	}
	assert.GreaterOrEqual(t, atomic.LoadInt32(&resetCount), int32(1))
}

func TestController_ResetStormGuardEscalatesToError(t *testing.T) {
	flaky := &ActionDef{
		Name: "flaky",
		Body: func(ctx context.Context, r *Receiver, args ...any) *Deferred {
			return RejectedDeferred(errors.New("boom"))
		},
		Reads: NewLockSet(LockPSDoc), Writes: NewLockSet(LockPSDoc),
	}
	modules := []*Module{{Name: "m", Actions: map[string]*ActionDef{"flaky": flaky}}}
	ctrl := newTestController(t, modules,
		WithInitialResetDelay(time.Millisecond),
		WithMaxRetryWindow(2*time.Millisecond),
		WithResetStormRates(map[time.Duration]int{time.Minute: 1}),
	)

	errCh := make(chan error, 8)
	ctrl.On(SignalError, func(detail any) {
		if err, ok := detail.(error); ok {
			select {
			case errCh <- err:
			default:
			}
		}
	})

	for i := 0; i < 3; i++ {
		_, _ = ctrl.Invoke(context.Background(), "m.flaky").Await(context.Background())
		time.Sleep(40 * time.Millisecond)
	}

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrResetStormSuppressed)
	case <-time.After(2 * time.Second):
		t.Fatal("reset storm guard never escalated to error")
	}
}

func TestController_ResetDelayGrowthExceedsMaxRetryWindowEscalatesToError(t *testing.T) {
	flaky := &ActionDef{
		Name: "flaky",
		Body: func(ctx context.Context, r *Receiver, args ...any) *Deferred {
			return RejectedDeferred(errors.New("boom"))
		},
		Reads: NewLockSet(LockPSDoc), Writes: NewLockSet(LockPSDoc),
	}
	var resetHookCalls int32
	gate := make(chan struct{})
	modules := []*Module{{
		Name:    "m",
		Actions: map[string]*ActionDef{"flaky": flaky},
		OnReset: func(ctx context.Context, restart bool) *Deferred {
			if atomic.AddInt32(&resetHookCalls, 1) == 1 {
				<-gate
			}
			return ResolvedDeferred(nil)
		},
	}}
	// Reset storm rates are deliberately generous here: this test isolates
	// escalation via unclamped delay-doubling, not the separate guard.
	ctrl := newTestController(t, modules,
		WithInitialResetDelay(50*time.Millisecond),
		WithMaxRetryWindow(150*time.Millisecond),
		WithResetStormRates(map[time.Duration]int{time.Minute: 1000}),
	)

	errCh := make(chan error, 8)
	ctrl.On(SignalError, func(detail any) {
		if err, ok := detail.(error); ok {
			select {
			case errCh <- err:
			default:
			}
		}
	})

	_, _ = ctrl.Invoke(context.Background(), "m.flaky").Await(context.Background())

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&resetHookCalls) >= 1
	}, time.Second, time.Millisecond)

	// A second triggering failure while the first reset pipeline is still
	// in flight must coalesce into a trailing retrigger rather than starting
	// a second pipeline (spec.md scenario 6).
	_, _ = ctrl.Invoke(context.Background(), "m.flaky").Await(context.Background())

	require.Eventually(t, func() bool {
		ctrl.mu.Lock()
		defer ctrl.mu.Unlock()
		return ctrl.resetQueued && ctrl.resetRetrigger
	}, time.Second, time.Millisecond)

	close(gate)

	select {
	case err := <-errCh:
		assert.False(t, errors.Is(err, ErrResetStormSuppressed))
		var resetErr *ResetError
		require.ErrorAs(t, err, &resetErr)
		assert.Contains(t, resetErr.Error(), "exceeded max retry window")
	case <-time.After(2 * time.Second):
		t.Fatal("reset delay growth via retrigger never escalated to error")
	}
}

func TestController_InvokeSchedulesOnTransitiveLockClosure(t *testing.T) {
	target := &ActionDef{
		Name:  "target",
		Body:  simpleBody,
		Reads: NewLockSet(LockJSDoc), Writes: NewLockSet(LockJSDoc),
	}
	start, release := make(chan struct{}), make(chan struct{})
	owner := &ActionDef{
		Name: "owner",
		Body: func(ctx context.Context, r *Receiver, args ...any) *Deferred {
			close(start)
			<-release
			return ResolvedDeferred(nil)
		},
		// NewRegistry requires owner's declared locks to cover the transfer
		// target's, so owner declares LockJSDoc too; the scheduled closure
		// therefore reserves LockJSDoc for the whole invocation.
		Reads: NewLockSet(LockPSDoc, LockJSDoc), Writes: NewLockSet(LockPSDoc, LockJSDoc),
		Transfers: []any{target},
	}
	conflictingStarted := make(chan struct{}, 1)
	conflicting := &ActionDef{
		Name: "conflicting",
		Body: func(ctx context.Context, r *Receiver, args ...any) *Deferred {
			conflictingStarted <- struct{}{}
			return ResolvedDeferred(nil)
		},
		Reads: NewLockSet(LockJSDoc), Writes: NewLockSet(LockJSDoc),
	}
	modules := []*Module{{Name: "m", Actions: map[string]*ActionDef{
		"target": target, "owner": owner, "conflicting": conflicting,
	}}}
	ctrl := newTestController(t, modules, WithConcurrency(4))

	ownerDone := ctrl.Invoke(context.Background(), "m.owner")
	<-start

	_ = ctrl.Invoke(context.Background(), "m.conflicting")

	select {
	case <-conflictingStarted:
		t.Fatal("conflicting action must not start while owner holds the transfer target's transitive locks")
	case <-time.After(100 * time.Millisecond):
	}

	close(release)
	_, err := ownerDone.Await(context.Background())
	require.NoError(t, err)

	select {
	case <-conflictingStarted:
	case <-time.After(time.Second):
		t.Fatal("conflicting action never started after owner released its locks")
	}
}

func TestController_PrivateActionHasNoSynchronizedSurface(t *testing.T) {
	priv := &ActionDef{Name: "_private", Body: simpleBody, Reads: NewLockSet(LockPSDoc), Writes: NewLockSet(LockPSDoc)}
	modules := []*Module{{Name: "m", Actions: map[string]*ActionDef{"_private": priv}}}
	ctrl := newTestController(t, modules)

	assert.Nil(t, ctrl.Action("m._private"))

	// still a valid transfer target: registry.Lookup resolves it.
	_, ok := ctrl.registry.Lookup("m._private")
	assert.True(t, ok)
}

func TestController_ModulePriorityOrdersLifecycleHooks(t *testing.T) {
	var order []string
	var mu sync.Mutex
	record := func(name string) LifecycleFunc {
		return func(ctx context.Context, restart bool) *Deferred {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return ResolvedDeferred(nil)
		}
	}
	modules := []*Module{
		{Name: "low", Priority: 0, BeforeStartup: record("low")},
		{Name: "high", Priority: 10, BeforeStartup: record("high")},
	}
	ctrl, err := NewController(modules)
	require.NoError(t, err)
	require.NoError(t, ctrl.Start(context.Background()))
	defer ctrl.Stop(context.Background())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"high", "low"}, order)
}
