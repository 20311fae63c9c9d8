package actionctl

import "context"

// EventBus is the opaque publish/subscribe collaborator actions dispatch
// through. The Controller never inspects payloads; it only forwards them.
type EventBus interface {
	Dispatch(event string, payload any)
}

// Store is a single named preferences/state accessor, as returned by
// StoreAccessor. Only used by the Controller to consult debug flags.
type Store interface {
	GetState() any
	Get(key string, def any) any
}

// StoreAccessor resolves a named Store, e.g. the preferences store.
type StoreAccessor interface {
	Store(name string) Store
}

// HostDescriptor bridges to the native image-editor host: ending its modal
// tool state, and subscribing to host events (including the idle-callback
// mechanism whenIdle waits on).
type HostDescriptor interface {
	// IsModalToolStateActive reports whether the host currently has an
	// active modal tool state that a non-modal action must preempt.
	IsModalToolStateActive() bool
	// EndModalToolState asks the host to end its modal tool state. force
	// mirrors the JavaScript-originated API's optional force parameter.
	EndModalToolState(ctx context.Context, force bool) *Deferred
	// On subscribes to a host event, returning an unsubscribe function.
	On(event string, fn func(any)) (unsubscribe func())
	// RequestIdleCallback registers fn to be invoked the next time the host
	// runtime reports itself idle, returning a cancel function. This backs
	// the "host idle-callback mechanism" whenIdle waits on (spec.md §4.4).
	RequestIdleCallback(fn func()) (cancel func())
}

// Preference flag keys consulted from the preferences Store.
const (
	PrefPostConditionsEnabled  = "postConditionsEnabled"
	PrefLogActionTransfers     = "logActionTransfers"
	PrefLogActions             = "logActions"
	PrefPolicyFramesEnabled    = "policyFramesEnabled"
	PrefDescriptorLogging      = "descriptorLoggingEnabled"
	PrefHeadlightsLogging      = "headlightsLoggingEnabled"
)

// Canvas-overlay and UI-lock event names dispatched by the Controller.
const (
	EventStartCanvasUpdate = "START_CANVAS_UPDATE"
	EventEndCanvasUpdate   = "END_CANVAS_UPDATE"
	EventReset             = "RESET"
)

// Controller-emitted signal names (spec.md §4.5, §6).
const (
	SignalReady  = "ready"
	SignalLock   = "lock"
	SignalUnlock = "unlock"
	SignalError  = "error"
)

// Queue-emitted signal names (spec.md §4.2).
const (
	SignalIdle   = "idle"
	SignalActive = "active"
)
