package router

import "github.com/next-trace/scg-transmitter/contract/fabric"

// Events is a thin facade over Router for event listeners.
type Events struct{ r *Router }

// AddListener registers fn for subject on both fabrics. Events from the local endpoint
// reach fn with sender Bot; events from the host bus carry the emitting page.
// The returned ID removes exactly this registration.
func (e *Events) AddListener(subject string, fn fabric.Listener) (fabric.ID, error) {
	return e.r.addListener(subject, fn)
}

// RemoveListener removes the registration id from both fabrics.
// Removing an unknown registration is a no-op.
func (e *Events) RemoveListener(subject string, id fabric.ID) error {
	return e.r.removeListener(subject, id)
}

// Count returns how many listeners are registered for subject.
func (e *Events) Count(subject string) int {
	e.r.mu.Lock()
	defer e.r.mu.Unlock()

	return e.r.listeners.count(subject)
}

// Requests is a thin facade over Router for request handlers.
type Requests struct{ r *Router }

// AddHandler registers fn for subject on both fabrics. Requests from the local endpoint
// reach fn with sender Bot; requests from the host bus carry the requesting page.
func (q *Requests) AddHandler(subject string, fn fabric.Handler) (fabric.ID, error) {
	return q.r.addHandler(subject, fn)
}

// RemoveHandler removes the registration id from both fabrics.
// Removing an unknown registration is a no-op.
func (q *Requests) RemoveHandler(subject string, id fabric.ID) error {
	return q.r.removeHandler(subject, id)
}

// Count returns how many handlers are registered for subject.
func (q *Requests) Count(subject string) int {
	q.r.mu.Lock()
	defer q.r.mu.Unlock()

	return q.r.handlers.count(subject)
}
