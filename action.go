package actionctl

import "context"

// ActionBody is the unit-of-work function an action definition wraps. It
// receives the per-invocation Receiver and opaque arguments, and must return
// a *Deferred; returning anything else from the function that constructs
// this body is a ProgrammerError detected at invocation time.
type ActionBody func(ctx context.Context, r *Receiver, args ...any) *Deferred

// PostCondition is a debug-only check run after an action settles
// successfully, when debug postcondition checking is enabled. Rejections are
// logged, never propagated.
type PostCondition func(ctx context.Context, args ...any) error

// ActionDef is an immutable action definition, consumed by the Controller to
// produce a synchronized action surface.
type ActionDef struct {
	// Name is the action's local name within its module, e.g. "addLayer".
	Name string
	// Body is the unit-of-work function.
	Body ActionBody
	// Reads is the set of locks the action reads. Defaults to ALLLocks when
	// nil. Always interpreted as Reads ∪ Writes.
	Reads LockSet
	// Writes is the set of locks the action writes. Defaults to ALLLocks
	// when nil.
	Writes LockSet
	// Transfers names the actions this action's Body is permitted to
	// transfer to, by dotted identifier ("module.name") or direct pointer
	// (both are accepted at registration and normalized to pointers).
	Transfers []any
	// Modal, if false, requires the Controller to preempt the host's modal
	// tool state before invoking Body.
	Modal bool
	// LockUI, if true, makes the Controller emit "lock"/"unlock" around
	// invocation.
	LockUI bool
	// HideOverlays, if true, makes the Controller dispatch
	// START_CANVAS_UPDATE/END_CANVAS_UPDATE around invocation.
	HideOverlays bool
	// AllowFailure, if true, makes a rejection from Body treated as success:
	// it is swallowed and does not trigger a controller reset.
	AllowFailure bool
	// Post is an optional list of postcondition checks, run only when debug
	// postcondition checking is enabled.
	Post []PostCondition
}

// actionID returns the dotted identifier of the action name within module.
func actionID(module, name string) string {
	return module + "." + name
}

// isPrivateActionName reports whether a local action name is private: the
// Controller still registers private actions as valid transfer targets, but
// exposes no synchronized invocation surface for them (spec.md §6).
func isPrivateActionName(name string) bool {
	return len(name) > 0 && name[0] == '_'
}

// LifecycleFunc is a module lifecycle hook. It must return a *Deferred.
// restart is true when the hook is invoked as part of a reset rather than
// initial startup.
type LifecycleFunc func(ctx context.Context, restart bool) *Deferred

// Module is a named collection of action definitions plus optional
// lifecycle hooks, dispatched by the Controller in descending Priority
// order (ties broken by registration order).
type Module struct {
	// Name identifies the module, used as the prefix of its actions'
	// dotted identifiers and as the key of the startup-results map passed
	// from BeforeStartup to AfterStartup.
	Name string
	// Actions maps local action names to definitions. A name beginning
	// with "_" is a private action: the Controller still registers it (so
	// it may be a transfer target) but does not expose a synchronized
	// surface for it.
	Actions map[string]*ActionDef
	// Priority controls lifecycle-hook dispatch order; higher runs first.
	Priority int
	// BeforeStartup, AfterStartup, OnReset, OnShutdown are optional
	// lifecycle hooks.
	BeforeStartup LifecycleFunc
	AfterStartup  func(ctx context.Context, restart bool, beforeResult any) *Deferred
	OnReset       LifecycleFunc
	OnShutdown    LifecycleFunc
}
