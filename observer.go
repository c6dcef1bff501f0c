package msghub

import (
	cloudevents "github.com/cloudevents/sdk-go/v2"
)

// Observer receives application lifecycle events. Observers are notified
// synchronously on the goroutine that produced the event (usually the
// dispatch goroutine) and should return quickly.
type Observer interface {
	// OnEvent is called for every event the observer subscribed to.
	OnEvent(event cloudevents.Event) error

	// ObserverID returns a unique identifier used for registration
	// tracking and debugging.
	ObserverID() string
}

// ObserverFunc adapts a function to the Observer interface.
type ObserverFunc struct {
	id string
	fn func(event cloudevents.Event) error
}

// NewObserverFunc creates a functional observer with the given id.
func NewObserverFunc(id string, fn func(event cloudevents.Event) error) *ObserverFunc {
	return &ObserverFunc{id: id, fn: fn}
}

func (o *ObserverFunc) OnEvent(event cloudevents.Event) error {
	return o.fn(event)
}

func (o *ObserverFunc) ObserverID() string {
	return o.id
}

// observerRegistration pairs an observer with its event type filter.
// An empty filter receives every event.
type observerRegistration struct {
	observer   Observer
	eventTypes map[string]struct{}
}

// RegisterObserver adds an observer, optionally filtered to specific
// event types.
func (a *Application) RegisterObserver(observer Observer, eventTypes ...string) error {
	if observer == nil {
		return ErrNilObserver
	}
	reg := observerRegistration{observer: observer}
	if len(eventTypes) > 0 {
		reg.eventTypes = make(map[string]struct{}, len(eventTypes))
		for _, t := range eventTypes {
			reg.eventTypes[t] = struct{}{}
		}
	}
	a.observersMu.Lock()
	a.observers = append(a.observers, reg)
	a.observersMu.Unlock()
	return nil
}

// UnregisterObserver removes an observer. Idempotent.
func (a *Application) UnregisterObserver(observer Observer) {
	if observer == nil {
		return
	}
	a.observersMu.Lock()
	kept := a.observers[:0]
	for _, reg := range a.observers {
		if reg.observer.ObserverID() != observer.ObserverID() {
			kept = append(kept, reg)
		}
	}
	a.observers = kept
	a.observersMu.Unlock()
}

// notifyObservers delivers an event to every interested observer.
// Observer failures are logged, never propagated.
func (a *Application) notifyObservers(event cloudevents.Event) {
	a.observersMu.RLock()
	regs := append([]observerRegistration{}, a.observers...)
	a.observersMu.RUnlock()

	for _, reg := range regs {
		if reg.eventTypes != nil {
			if _, ok := reg.eventTypes[event.Type()]; !ok {
				continue
			}
		}
		if err := reg.observer.OnEvent(event); err != nil {
			a.logger.Warn("Observer failed", "observer", reg.observer.ObserverID(), "event", event.Type(), "error", err)
		}
	}
}
