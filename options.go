package actionctl

import (
	"runtime"
	"time"
)

// controllerConfig holds the resolved configuration for a Controller.
type controllerConfig struct {
	concurrency         int
	initialResetDelay   time.Duration
	maxRetryWindow      time.Duration
	idleQuiesceWindow   time.Duration
	debugPostconditions bool
	logger              Logger
	bus                 EventBus
	host                HostDescriptor
	store               StoreAccessor
	resetStormRates     map[time.Duration]int
}

func defaultControllerConfig() *controllerConfig {
	concurrency := runtime.NumCPU()
	if concurrency < 1 {
		concurrency = 1
	}
	return &controllerConfig{
		concurrency:       concurrency,
		initialResetDelay: 200 * time.Millisecond,
		maxRetryWindow:    6400 * time.Millisecond,
		idleQuiesceWindow: 1000 * time.Millisecond,
	}
}

// ControllerOption configures a Controller at construction time.
type ControllerOption interface {
	applyController(*controllerConfig)
}

type controllerOptionFunc func(*controllerConfig)

func (f controllerOptionFunc) applyController(cfg *controllerConfig) { f(cfg) }

// WithConcurrency sets the Queue's active-job ceiling (floored at 1 by
// Queue itself). Defaults to runtime.NumCPU() (floored at 1), per spec.md
// §4.2.
func WithConcurrency(n int) ControllerOption {
	return controllerOptionFunc(func(cfg *controllerConfig) { cfg.concurrency = n })
}

// WithInitialResetDelay sets the delay before the first retry of a failed
// reset attempt. Subsequent attempts double this delay at the start of each
// attempt, capped by WithMaxRetryWindow (spec.md §4.6).
func WithInitialResetDelay(d time.Duration) ControllerOption {
	return controllerOptionFunc(func(cfg *controllerConfig) { cfg.initialResetDelay = d })
}

// WithMaxRetryWindow sets the cap the exponential reset-retry backoff never
// exceeds.
func WithMaxRetryWindow(d time.Duration) ControllerOption {
	return controllerOptionFunc(func(cfg *controllerConfig) { cfg.maxRetryWindow = d })
}

// WithIdleQuiesceWindow sets how long the Queue must stay idle before
// Receiver.WhenIdle proceeds to wait on the host idle-callback mechanism.
func WithIdleQuiesceWindow(d time.Duration) ControllerOption {
	return controllerOptionFunc(func(cfg *controllerConfig) { cfg.idleQuiesceWindow = d })
}

// WithDebugPostconditions enables running every ActionDef.Post check after a
// successful invocation. Rejections are logged, never propagated.
func WithDebugPostconditions(enabled bool) ControllerOption {
	return controllerOptionFunc(func(cfg *controllerConfig) { cfg.debugPostconditions = enabled })
}

// WithLogger installs the Logger the Controller and Registry report through.
// Equivalent to calling SetLogger before Start.
func WithLogger(l Logger) ControllerOption {
	return controllerOptionFunc(func(cfg *controllerConfig) { cfg.logger = l })
}

// WithEventBus installs the EventBus actions Dispatch/DispatchAsync through.
func WithEventBus(bus EventBus) ControllerOption {
	return controllerOptionFunc(func(cfg *controllerConfig) { cfg.bus = bus })
}

// WithHostDescriptor installs the HostDescriptor used for modal-state
// preemption and the idle-callback mechanism.
func WithHostDescriptor(host HostDescriptor) ControllerOption {
	return controllerOptionFunc(func(cfg *controllerConfig) { cfg.host = host })
}

// WithStore installs the StoreAccessor used to consult debug/logging
// preference flags (PrefPostConditionsEnabled and friends).
func WithStore(store StoreAccessor) ControllerOption {
	return controllerOptionFunc(func(cfg *controllerConfig) { cfg.store = store })
}

// WithResetStormRates overrides the Reset Storm Guard's sliding-window
// rates. Defaults to 5 resets/10s and 20 resets/2min per triggering action.
func WithResetStormRates(rates map[time.Duration]int) ControllerOption {
	return controllerOptionFunc(func(cfg *controllerConfig) { cfg.resetStormRates = rates })
}

func resolveControllerOptions(opts []ControllerOption) *controllerConfig {
	cfg := defaultControllerConfig()
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt.applyController(cfg)
	}
	return cfg
}
