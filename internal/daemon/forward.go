package daemon

import (
	"errors"
	"fmt"

	"github.com/next-trace/scg-transmitter/internal/config"
	"github.com/next-trace/scg-transmitter/router"
)

// Install sets up every configured forwarding on r. On failure the forwardings already
// installed are disposed before the error is returned.
func Install(r *router.Router, fc config.ForwardConfig) ([]router.Disposer, error) {
	disposers := make([]router.Disposer, 0, len(fc.Events)+len(fc.Requests))

	fail := func(err error) ([]router.Disposer, error) {
		return nil, errors.Join(err, Dispose(disposers))
	}

	for i, f := range fc.Events {
		d, err := r.ForwardEvents(f.Subjects, f.Senders, f.Receivers, f.Rules())
		if err != nil {
			return fail(fmt.Errorf("forward.events[%d]: %w", i, err))
		}

		disposers = append(disposers, d)
	}

	for i, f := range fc.Requests {
		d, err := r.ForwardRequests(f.Subjects, f.Senders, f.Receiver, f.Rules())
		if err != nil {
			return fail(fmt.Errorf("forward.requests[%d]: %w", i, err))
		}

		disposers = append(disposers, d)
	}

	return disposers, nil
}

// Dispose removes forwardings in reverse order of installation.
func Dispose(disposers []router.Disposer) error {
	var errs []error
	for i := len(disposers) - 1; i >= 0; i-- {
		errs = append(errs, disposers[i]())
	}

	return errors.Join(errs...)
}
