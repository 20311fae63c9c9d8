// Package actionctl implements the Action Controller: a cooperative,
// lock-based scheduler that serializes asynchronous actions across a bank of
// named resources.
//
// # Architecture
//
// A [Registry] indexes immutable [ActionDef] values, resolving declared
// transfers into transitive read/write lock closures. A [Queue] schedules
// top-level invocations in FIFO order, subject to reader/writer lock
// compatibility, bounded by a concurrency ceiling. A [Controller] ties the
// two together: it acquires locks via the queue, preempts the host's modal
// tool state when required, constructs a per-invocation [Receiver] exposing
// dispatch/transfer/enqueue/whenIdle to the action body, and performs
// bounded exponential-backoff recovery when an action fails.
//
// # Execution model
//
// All scheduling decisions are single-threaded in spirit: the [Queue]
// serializes its state behind one mutex, the [Registry] is not modified
// after construction, and ordering
// guarantees derive entirely from lock compatibility, never from a literal
// OS thread. Action bodies run on ordinary goroutines; the asynchronous
// values handed back to callers are [*Deferred], this module's promise type.
//
// # Usage
//
//	ctrl, err := actionctl.NewController(modules,
//	    actionctl.WithEventBus(bus),
//	    actionctl.WithHostDescriptor(host),
//	    actionctl.WithStore(store),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := ctrl.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer ctrl.Stop(ctx)
//
//	d := ctrl.Invoke(ctx, "text.addLayer", args...)
//	res, err := d.Await(ctx)
package actionctl
