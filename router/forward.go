package router

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/next-trace/scg-transmitter/contract/fabric"
)

// Disposer undoes the registrations made by one forwarding call.
// Only the first call has an effect; later calls return nil.
type Disposer func() error

func noopDisposer() error { return nil }

type installation struct {
	subject string
	id      fabric.ID
}

func newDisposer(installed []installation, remove func(subject string, id fabric.ID) error) Disposer {
	var once sync.Once

	return func() error {
		var err error

		once.Do(func() {
			errs := make([]error, 0, len(installed))
			for _, in := range installed {
				errs = append(errs, remove(in.subject, in.id))
			}

			err = errors.Join(errs...)
		})

		return err
	}
}

func senderSet(senders []string) map[string]struct{} {
	set := make(map[string]struct{}, len(senders))
	for _, s := range senders {
		set[s] = struct{}{}
	}

	return set
}

// ForwardEvents relays events on subjects coming from any of senders to receivers.
// The rule resolved for a subject may redirect it and transform the payload before it is
// re-emitted with EmitEvent. When subjects, senders or receivers is empty nothing is
// installed and the returned Disposer does nothing.
func (r *Router) ForwardEvents(subjects, senders, receivers []string, rules Rules) (Disposer, error) {
	if len(subjects) == 0 || len(senders) == 0 || len(receivers) == 0 {
		return noopDisposer, nil
	}

	from := senderSet(senders)
	to := append([]string(nil), receivers...)
	installed := make([]installation, 0, len(subjects))

	for _, subject := range subjects {
		id, err := r.OnEvent.AddListener(subject, r.eventRelay(subject, from, to, rules))
		if err != nil {
			rbErr := newDisposer(installed, r.OnEvent.RemoveListener)()
			return nil, fmt.Errorf("forward events %q: %w", subject, errors.Join(err, rbErr))
		}

		installed = append(installed, installation{subject: subject, id: id})
	}

	return newDisposer(installed, r.OnEvent.RemoveListener), nil
}

// ForwardEvent relays one subject. A non-nil rule applies to that subject.
func (r *Router) ForwardEvent(subject string, senders, receivers []string, rule *Rule) (Disposer, error) {
	var rules Rules
	if rule != nil {
		rules = Rules{subject: *rule}
	}

	return r.ForwardEvents([]string{subject}, senders, receivers, rules)
}

func (r *Router) eventRelay(subject string, from map[string]struct{}, to []string, rules Rules) fabric.Listener {
	return func(ctx context.Context, sender string, data any) {
		if _, ok := from[sender]; !ok {
			return
		}

		target, payload := subject, data
		if rule, ok := rules.Resolve(subject); ok {
			target = rule.target(subject)
			if rule.Transform != nil {
				payload = rule.Transform(data)
			}
		}

		if err := r.EmitEvent(ctx, to, target, payload); err != nil {
			r.metrics.ForwardFailed(KindEvent)
			return
		}

		r.metrics.Forwarded(KindEvent)
	}
}

// ForwardRequests relays requests on subjects coming from any of senders to receiver.
// The rule resolved for a subject may redirect it, transform the outgoing payload, and
// rewrite the settled outcome with TransformResponse. Without TransformResponse, failures
// reach the original requester unchanged.
func (r *Router) ForwardRequests(subjects, senders []string, receiver string, rules Rules) (Disposer, error) {
	if len(subjects) == 0 || len(senders) == 0 {
		return noopDisposer, nil
	}

	from := senderSet(senders)
	installed := make([]installation, 0, len(subjects))

	for _, subject := range subjects {
		id, err := r.OnRequest.AddHandler(subject, r.requestRelay(subject, from, receiver, rules))
		if err != nil {
			rbErr := newDisposer(installed, r.OnRequest.RemoveHandler)()
			return nil, fmt.Errorf("forward requests %q: %w", subject, errors.Join(err, rbErr))
		}

		installed = append(installed, installation{subject: subject, id: id})
	}

	return newDisposer(installed, r.OnRequest.RemoveHandler), nil
}

// ForwardRequest relays one subject. A non-nil rule applies to that subject.
func (r *Router) ForwardRequest(subject string, senders []string, receiver string, rule *Rule) (Disposer, error) {
	var rules Rules
	if rule != nil {
		rules = Rules{subject: *rule}
	}

	return r.ForwardRequests([]string{subject}, senders, receiver, rules)
}

func (r *Router) requestRelay(subject string, from map[string]struct{}, receiver string, rules Rules) fabric.Handler {
	return func(ctx context.Context, sender string, data any) (any, error) {
		// not ours to answer; other handlers on the subject may be
		if _, ok := from[sender]; !ok {
			return nil, nil
		}

		rule, _ := rules.Resolve(subject)

		payload := data
		if rule.TransformRequest != nil {
			payload = rule.TransformRequest(data)
		}

		res, err := r.SendRequest(ctx, receiver, rule.target(subject), payload)
		if rule.TransformResponse != nil {
			res, err = rule.TransformResponse(res, err)
		}

		if err != nil {
			r.metrics.ForwardFailed(KindRequest)
			return nil, err
		}

		r.metrics.Forwarded(KindRequest)

		return res, nil
	}
}
