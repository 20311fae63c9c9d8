package actionctl

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// synchronizedAction is the public, invokable surface the Controller builds
// for every non-private ActionDef (spec.md §4.1). Name beginning with "_" is
// excluded, matching ActionDef's doc comment.
type synchronizedAction struct {
	ctrl *Controller
	def  *ActionDef
	id   string
}

// Invoke runs the wrapped action through the Controller: queue scheduling,
// modal-state preemption, overlay hiding, UI locking, and postcondition
// checking, per spec.md §4.1.
func (a *synchronizedAction) Invoke(ctx context.Context, args ...any) *Deferred {
	return a.ctrl.invokeDef(ctx, a.def, a.id, args...)
}

// Controller is the top-level scheduler described throughout spec.md: it
// owns the Registry, the Queue, the live set of Receivers and IdleTasks, and
// drives module lifecycle hooks (startup, reset, shutdown).
type Controller struct {
	registry *Registry
	queue    *Queue
	emitter  *Emitter
	opts     *controllerConfig
	guard    *resetStormGuard

	bus   EventBus
	host  HostDescriptor
	store StoreAccessor

	mu             sync.Mutex
	running        bool
	uiLocked       int
	actions        map[*ActionDef]*synchronizedAction
	receivers      map[*Receiver]struct{}
	idleTasks      map[*IdleTask]struct{}
	resetDelay     time.Duration
	resetQueued    bool
	resetRetrigger bool
}

// NewController builds a Controller from the given modules and options. It
// does not start module lifecycle hooks; call Start for that.
func NewController(modules []*Module, opts ...ControllerOption) (*Controller, error) {
	registry, err := NewRegistry(modules)
	if err != nil {
		return nil, err
	}
	cfg := resolveControllerOptions(opts)
	if cfg.logger != nil {
		SetLogger(cfg.logger)
	}

	c := &Controller{
		registry:   registry,
		queue:      NewQueue(cfg.concurrency),
		emitter:    NewEmitter(),
		opts:       cfg,
		guard:      newResetStormGuard(cfg.resetStormRates),
		bus:        cfg.bus,
		host:       cfg.host,
		store:      cfg.store,
		actions:    make(map[*ActionDef]*synchronizedAction),
		receivers:  make(map[*Receiver]struct{}),
		idleTasks:  make(map[*IdleTask]struct{}),
		resetDelay: cfg.initialResetDelay,
	}

	for _, m := range registry.Modules() {
		for name, def := range m.Actions {
			if isPrivateActionName(name) {
				// Private actions are registered (so they remain valid
				// transfer targets) but get no synchronized surface.
				continue
			}
			id := actionID(m.Name, name)
			c.actions[def] = &synchronizedAction{ctrl: c, def: def, id: id}
		}
	}

	return c, nil
}

// Action returns the synchronized invocation surface for target (an
// *ActionDef or dotted identifier), or nil if target is unknown or private
// (its local name begins with "_").
func (c *Controller) Action(target any) *synchronizedAction {
	def, ok := c.registry.Lookup(target)
	if !ok {
		return nil
	}
	return c.actions[def]
}

// Invoke is a convenience equivalent to Action(target).Invoke(ctx, args...).
func (c *Controller) Invoke(ctx context.Context, target any, args ...any) *Deferred {
	a := c.Action(target)
	if a == nil {
		return RejectedDeferred(&ProgrammerError{Op: "controller.invoke", Detail: "unknown or private action"})
	}
	return a.Invoke(ctx, args...)
}

// Throttled returns the target action's trailing-edge throttled variant
// (spec.md §4.6's "<name>Throttled"), or nil if target is unknown/private.
func (c *Controller) Throttled(target any, window time.Duration) func(ctx context.Context, args ...any) *Deferred {
	a := c.Action(target)
	if a == nil {
		return nil
	}
	return a.Throttled(window)
}

// Debounced returns the target action's debounced variant (spec.md §4.6's
// "<name>Debounced"), or nil if target is unknown/private.
func (c *Controller) Debounced(target any, window time.Duration) func(ctx context.Context, args ...any) *Deferred {
	a := c.Action(target)
	if a == nil {
		return nil
	}
	return a.Debounced(window)
}

// invoke is the implementation behind Receiver.Enqueue: it resolves target
// and dispatches through invokeDef, without requiring a pre-built
// synchronizedAction.
func (c *Controller) invoke(ctx context.Context, target any, args ...any) *Deferred {
	def, ok := c.registry.Lookup(target)
	if !ok {
		return RejectedDeferred(&ProgrammerError{Op: "controller.invoke", Detail: "unknown transfer/enqueue target"})
	}
	id, _ := c.registry.ID(def)
	return c.invokeDef(ctx, def, id, args...)
}

func (c *Controller) invokeDef(ctx context.Context, def *ActionDef, id string, args ...any) *Deferred {
	c.mu.Lock()
	running := c.running
	c.mu.Unlock()
	if !running {
		return RejectedDeferred(ErrNotRunning)
	}

	if !def.Modal && c.host != nil && c.host.IsModalToolStateActive() {
		if _, err := c.host.EndModalToolState(ctx, false).Await(ctx); err != nil {
			return RejectedDeferred(WrapError("ending modal tool state before "+id, err))
		}
	}

	// The Queue must schedule against the transitive closure, not def's own
	// direct locks: a transfer can run under the caller's existing locks, so
	// anything def might transfer into has to be accounted for up front,
	// or a concurrent unrelated job could start under the narrower direct
	// set and conflict with what the transfer target actually touches.
	reads := c.registry.ReadsStar(def)
	writes := c.registry.WritesStar(def)

	work := func(ctx context.Context) (any, error) {
		return c.run(ctx, def, id, args...)
	}

	_, jobDeferred := c.queue.Push(work, reads, writes, id)
	return jobDeferred
}

// run executes def's body under the queue's scheduling guarantee: overlay
// hiding, UI locking, execution, postcondition checking, and reset-on-failure.
func (c *Controller) run(ctx context.Context, def *ActionDef, id string, args ...any) (any, error) {
	if def.HideOverlays && c.bus != nil {
		c.bus.Dispatch(EventStartCanvasUpdate, nil)
		defer c.bus.Dispatch(EventEndCanvasUpdate, nil)
	}

	if def.LockUI {
		c.lockUI()
		defer c.unlockUI()
	}

	r := newReceiver(c, def, c.registry.ReadsStar(def))
	c.trackReceiver(r)
	defer c.untrackReceiver(r)

	if logger := getLogger(); logger != nil && c.logActionsEnabled() {
		logger.Debug(id, "invoking action")
	}

	val, err := func() (val any, err error) {
		defer func() {
			if p := recover(); p != nil {
				if pe, ok := p.(*ProgrammerError); ok {
					err = pe
					return
				}
				err = &ProgrammerError{Op: "controller.run", Detail: fmt.Sprintf("action %q panicked: %v", id, p)}
			}
		}()
		return def.Body(ctx, r, args...).Await(ctx)
	}()

	if err != nil {
		if _, ok := err.(*ProgrammerError); ok {
			if logger := getLogger(); logger != nil {
				logger.Error(id, err, "programmer error, not resettable")
			}
			return nil, err
		}
		if def.AllowFailure {
			if logger := getLogger(); logger != nil {
				logger.Debug(id, "action failed but AllowFailure is set: "+err.Error())
			}
			return nil, nil
		}
		opErr := &OperationalError{Action: id, Cause: err}
		if logger := getLogger(); logger != nil {
			logger.Error(id, opErr, "action failed, triggering reset")
		}
		c.triggerReset(id)
		return nil, opErr
	}

	if c.opts.debugPostconditions && c.debugPostconditionsEnabled() {
		for _, post := range def.Post {
			if perr := post(ctx, args...); perr != nil {
				if logger := getLogger(); logger != nil {
					logger.Warn(id, "postcondition failed: "+perr.Error())
				}
			}
		}
	}

	return val, nil
}

func (c *Controller) lockUI() {
	c.mu.Lock()
	c.uiLocked++
	first := c.uiLocked == 1
	c.mu.Unlock()
	if first {
		c.emitter.Emit(SignalLock, nil)
	}
}

func (c *Controller) unlockUI() {
	c.mu.Lock()
	c.uiLocked--
	last := c.uiLocked == 0
	c.mu.Unlock()
	if last {
		c.emitter.Emit(SignalUnlock, nil)
	}
}

func (c *Controller) logActionsEnabled() bool {
	if c.store == nil {
		return false
	}
	s := c.store.Store("preferences")
	if s == nil {
		return false
	}
	v, _ := s.Get(PrefLogActions, false).(bool)
	return v
}

func (c *Controller) debugPostconditionsEnabled() bool {
	if c.store == nil {
		return true
	}
	s := c.store.Store("preferences")
	if s == nil {
		return true
	}
	v, ok := s.Get(PrefPostConditionsEnabled, true).(bool)
	if !ok {
		return true
	}
	return v
}

// logActionTransfersEnabled gates the Action Receiver's transfer push/drain
// logging (spec.md §4.9).
func (c *Controller) logActionTransfersEnabled() bool {
	if c.store == nil {
		return false
	}
	s := c.store.Store("preferences")
	if s == nil {
		return false
	}
	v, _ := s.Get(PrefLogActionTransfers, false).(bool)
	return v
}

func (c *Controller) trackReceiver(r *Receiver) {
	c.mu.Lock()
	c.receivers[r] = struct{}{}
	c.mu.Unlock()
}

func (c *Controller) untrackReceiver(r *Receiver) {
	c.mu.Lock()
	delete(c.receivers, r)
	c.mu.Unlock()
}

func (c *Controller) trackIdleTask(t *IdleTask) {
	c.mu.Lock()
	c.idleTasks[t] = struct{}{}
	c.mu.Unlock()
}

func (c *Controller) untrackIdleTask(t *IdleTask) {
	c.mu.Lock()
	delete(c.idleTasks, t)
	c.mu.Unlock()
}

// onTransferFailure is called by Receiver.drainTransfers whenever a
// transferred action body rejects; it mirrors the same reset-triggering path
// a top-level invocation failure takes, attributed to the receiver's owning
// action.
func (c *Controller) onTransferFailure(r *Receiver, err error) {
	if _, ok := err.(*ProgrammerError); ok {
		return
	}
	if err == ErrCancelled {
		return
	}
	id, _ := c.registry.ID(r.owner)
	c.triggerReset(id)
}

// Start dispatches BeforeStartup/AfterStartup for every module in descending
// Priority order (spec.md §4.6), then marks the Controller running.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return ErrAlreadyRunning
	}
	c.mu.Unlock()

	if err := c.runLifecycle(ctx, false); err != nil {
		return err
	}

	c.mu.Lock()
	c.running = true
	c.mu.Unlock()
	c.emitter.Emit(SignalReady, nil)
	return nil
}

// Stop marks the Controller stopped, cancels pending (not active) queued
// jobs, then dispatches OnShutdown for every module in descending Priority
// order.
func (c *Controller) Stop(ctx context.Context) error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return ErrNotRunning
	}
	c.running = false
	c.mu.Unlock()

	c.queue.RemoveAll()

	for _, m := range orderedByPriority(c.registry.Modules()) {
		if m.OnShutdown == nil {
			continue
		}
		if _, err := m.OnShutdown(ctx, false).Await(ctx); err != nil {
			if logger := getLogger(); logger != nil {
				logger.Error(m.Name, err, "onShutdown failed")
			}
		}
	}
	return nil
}

// On registers a listener for a Controller-emitted signal: "ready", "lock",
// "unlock", or "error" (spec.md §4.5, §6).
func (c *Controller) On(signal string, fn func(detail any)) ListenerID {
	return c.emitter.On(signal, fn)
}

// Off removes a listener previously registered with On.
func (c *Controller) Off(signal string, id ListenerID) {
	c.emitter.Off(signal, id)
}

// orderedByPriority returns modules sorted by descending Priority, stable on
// ties (registration order preserved), per spec.md §4.6.
func orderedByPriority(modules []*Module) []*Module {
	out := make([]*Module, len(modules))
	copy(out, modules)
	for i := 1; i < len(out); i++ {
		j := i
		for j > 0 && out[j-1].Priority < out[j].Priority {
			out[j-1], out[j] = out[j], out[j-1]
			j--
		}
	}
	return out
}

// runLifecycle dispatches OnReset (only when restart is true), then
// BeforeStartup, then AfterStartup (restart=restart) across every module in
// descending Priority order, collecting each module's BeforeStartup result
// to pass into its own AfterStartup.
func (c *Controller) runLifecycle(ctx context.Context, restart bool) error {
	ordered := orderedByPriority(c.registry.Modules())

	for _, m := range ordered {
		if restart && m.OnReset != nil {
			if _, err := m.OnReset(ctx, restart).Await(ctx); err != nil {
				return &ResetError{Hook: "onReset", Module: m.Name, Cause: err}
			}
		}
	}

	beforeResults := make(map[*Module]any, len(ordered))
	for _, m := range ordered {
		if m.BeforeStartup == nil {
			continue
		}
		val, err := m.BeforeStartup(ctx, restart).Await(ctx)
		if err != nil {
			return &ResetError{Hook: "beforeStartup", Module: m.Name, Cause: err}
		}
		beforeResults[m] = val
	}

	for _, m := range ordered {
		if m.AfterStartup == nil {
			continue
		}
		if _, err := m.AfterStartup(ctx, restart, beforeResults[m]).Await(ctx); err != nil {
			return &ResetError{Hook: "afterStartup", Module: m.Name, Cause: err}
		}
	}

	return nil
}

// triggerReset implements _resetController(err) (spec.md §4.6): it always
// clears the main queue's pending (not active) work, every receiver's
// transfer queue, and every outstanding idle task first. If the Controller
// is not running, or the Reset Storm Guard trips for action, it emits
// "error" immediately and resets the delay to its initial value. A trigger
// observed while one reset pipeline is in flight is coalesced into a single
// trailing re-run once that pipeline finishes, rather than queuing one
// pipeline per trigger. Otherwise, if doubling the retry delay would exceed
// MaxRetryWindow, it escalates to "error" the same way; if not, it locks UI
// and starts the reset pipeline.
func (c *Controller) triggerReset(action string) {
	c.queue.RemoveAll()
	c.clearReceiversAndIdleTasks()

	c.mu.Lock()
	running := c.running
	allowed := !running || c.guard.allow(action)
	if running && allowed && c.resetQueued {
		c.resetRetrigger = true
		c.mu.Unlock()
		return
	}
	// Check the *unclamped* doubled delay: clamping it into resetDelay before
	// comparing would make resetDelay permanently <= maxRetryWindow, so this
	// path could never fire through backoff growth alone (spec.md §8).
	next := c.resetDelay * 2
	exceeded := next > c.opts.maxRetryWindow
	if !running || exceeded || !allowed {
		c.resetDelay = c.opts.initialResetDelay
		c.mu.Unlock()

		cause := error(&ResetError{Cause: ErrResetStormSuppressed})
		if !running {
			cause = &ResetError{Cause: ErrNotRunning}
		} else if exceeded {
			cause = &ResetError{Cause: fmt.Errorf("reset retry delay exceeded max retry window of %s", c.opts.maxRetryWindow)}
		}
		if logger := getLogger(); logger != nil {
			logger.Error(action, cause, "reset escalated to error, giving up")
		}
		c.emitter.Emit(SignalError, cause)
		return
	}

	c.resetQueued = true
	delay := c.resetDelay
	c.resetDelay = next
	c.mu.Unlock()

	c.lockUI()
	go c.resetWithDelay(delay)
}

// resetWithDelay is _resetWithDelay (spec.md §4.6): dispatches the global
// RESET event, preempts host modal state, runs onReset/beforeStartup/
// afterStartup across every module (descending Priority), unlocks UI, then
// waits delay before declaring the controller stable again. If another
// reset was requested while this one ran, it re-runs immediately afterward
// instead of declaring stability.
func (c *Controller) resetWithDelay(delay time.Duration) {
	ctx := context.Background()

	if c.bus != nil {
		c.bus.Dispatch(EventReset, nil)
	}
	if c.host != nil && c.host.IsModalToolStateActive() {
		_, _ = c.host.EndModalToolState(ctx, true).Await(ctx)
	}

	err := c.runLifecycle(ctx, true)
	c.unlockUI()

	if err != nil {
		c.mu.Lock()
		c.resetQueued = false
		retrigger := c.resetRetrigger
		c.resetRetrigger = false
		c.mu.Unlock()

		if logger := getLogger(); logger != nil {
			logger.Error("controller", err, "reset attempt failed")
		}
		c.emitter.Emit(SignalError, err)
		if retrigger {
			c.triggerReset("controller")
		}
		return
	}

	time.Sleep(delay)

	c.mu.Lock()
	retrigger := c.resetRetrigger
	c.resetRetrigger = false
	c.resetQueued = false
	if !retrigger {
		c.resetDelay = c.opts.initialResetDelay
	}
	c.mu.Unlock()

	if retrigger {
		c.triggerReset("controller")
		return
	}
	c.emitter.Emit(SignalReady, nil)
}

// clearReceiversAndIdleTasks tears down every live Receiver's transfer queue
// and cancels every live IdleTask, as part of reset (spec.md §4.5).
func (c *Controller) clearReceiversAndIdleTasks() {
	c.mu.Lock()
	receivers := make([]*Receiver, 0, len(c.receivers))
	for r := range c.receivers {
		receivers = append(receivers, r)
	}
	idleTasks := make([]*IdleTask, 0, len(c.idleTasks))
	for t := range c.idleTasks {
		idleTasks = append(idleTasks, t)
	}
	c.mu.Unlock()

	for _, r := range receivers {
		r.reset()
	}
	for _, t := range idleTasks {
		t.Cancel()
	}
}
