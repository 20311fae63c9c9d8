package actionctl

import (
	eventloop "github.com/joeycumines/go-eventloop"
)

// ListenerID identifies a registered listener for later removal.
type ListenerID = eventloop.ListenerID

// Emitter is the event-emission substrate shared by Controller and Queue.
// It is a thin rename of the teacher pack's DOM-style EventTarget
// (AddEventListener/RemoveEventListener/DispatchEvent) onto the
// On/Off/Emit vocabulary spec.md uses ("emit(...)", "on(event, fn)").
type Emitter struct {
	target *eventloop.EventTarget
}

// NewEmitter constructs a ready-to-use Emitter.
func NewEmitter() *Emitter {
	return &Emitter{target: eventloop.NewEventTarget()}
}

// On registers fn to be called whenever event is emitted. The detail value
// passed to Emit is recovered via the callback's argument.
func (e *Emitter) On(event string, fn func(detail any)) ListenerID {
	return e.target.AddEventListener(event, func(ev *eventloop.Event) {
		fn(ev.Detail())
	})
}

// Off removes a listener previously registered with On.
func (e *Emitter) Off(event string, id ListenerID) {
	e.target.RemoveEventListenerByID(event, id)
}

// Emit synchronously dispatches event with the given detail to every
// registered listener, in registration order.
func (e *Emitter) Emit(event string, detail any) {
	e.target.DispatchEvent(eventloop.NewCustomEvent(event, detail).EventPtr())
}

// ListenerCount returns the number of listeners currently registered for
// event, used by tests asserting idle-task cleanup (spec.md §8 invariant 7).
func (e *Emitter) ListenerCount(event string) int {
	return e.target.ListenerCount(event)
}
