package router

// DefaultRule is the Rules key consulted when a subject has no rule of its own.
const DefaultRule = "$default"

// Redirect maps an incoming subject to the subject used when relaying.
type Redirect func(subject string) string

// RedirectTo relays every subject to the fixed subject s.
// An empty s leaves subjects unchanged.
func RedirectTo(s string) Redirect {
	return func(subject string) string {
		if s == "" {
			return subject
		}

		return s
	}
}

// Rule describes how traffic on one subject is relayed.
// Nil fields leave the corresponding part of the traffic unchanged.
type Rule struct {
	Redirect Redirect

	// Transform rewrites forwarded event payloads.
	Transform func(data any) any

	// TransformRequest rewrites forwarded request payloads.
	TransformRequest func(data any) any

	// TransformResponse receives the settled outcome of a forwarded request:
	// (result, nil) on success and (nil, err) on failure. Its return value is the
	// outcome seen by the original requester; returning a nil error turns a failure
	// into a success.
	TransformResponse func(result any, err error) (any, error)
}

func (r Rule) target(subject string) string {
	if r.Redirect == nil {
		return subject
	}

	return r.Redirect(subject)
}

// Rules maps subjects (or DefaultRule) to relay rules.
// A subject's own rule fully shadows the default one; fields are never merged.
type Rules map[string]Rule

// Resolve returns the rule that applies to subject.
func (rs Rules) Resolve(subject string) (Rule, bool) {
	if r, ok := rs[subject]; ok {
		return r, true
	}

	r, ok := rs[DefaultRule]

	return r, ok
}
