package router

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/next-trace/scg-transmitter/adapters/inmemory"
	terr "github.com/next-trace/scg-transmitter/contract/errors"
	"github.com/next-trace/scg-transmitter/contract/fabric"
)

// channelSalt prefixes the name of channels created by the Router so that they
// cannot collide with channels opened by anything else on the same host.
const channelSalt = "Fgw3e4sdc3w"

// Failure is the structured request failure shared by both fabrics.
type Failure = fabric.Failure

// ChannelFactory opens the local endpoint bound to name.
type ChannelFactory func(name string) (fabric.LocalEndpoint, error)

// Router bridges a local channel endpoint and a host bus.
//
// Router is safe for concurrent use and contains no global state.
type Router struct {
	mu sync.Mutex

	host    fabric.HostBus
	channel fabric.LocalEndpoint
	factory ChannelFactory
	metrics Metrics
	tap     fabric.Tap

	listeners *registry
	handlers  *registry
	nextID    fabric.ID
	closed    bool

	// OnEvent manages event listeners on both fabrics.
	OnEvent *Events
	// OnRequest manages request handlers on both fabrics.
	OnRequest *Requests
}

// Option configures a Router instance.
type Option func(*Router)

// WithChannel uses ch as the local endpoint instead of opening one.
func WithChannel(ch fabric.LocalEndpoint) Option {
	return func(r *Router) { r.channel = ch }
}

// WithChannelFactory opens the local endpoint with f when no channel is given.
func WithChannelFactory(f ChannelFactory) Option {
	return func(r *Router) { r.factory = f }
}

// WithMetrics reports routing counters to m.
func WithMetrics(m Metrics) Option {
	return func(r *Router) { r.metrics = m }
}

// WithTap records every routed emission with t.
func WithTap(t fabric.Tap) Option {
	return func(r *Router) { r.tap = t }
}

// ChannelName returns the stable local endpoint name of a program known as host on the host bus.
func ChannelName(host string) string { return channelSalt + "_" + host }

// New constructs a Router over host. Without WithChannel, the local endpoint is opened
// through the channel factory (in-memory by default) under ChannelName(host.Name()).
func New(host fabric.HostBus, opts ...Option) (*Router, error) {
	if host == nil {
		return nil, fmt.Errorf("new router: %w", terr.ErrHostRequired)
	}

	r := &Router{
		host:      host,
		metrics:   nopMetrics{},
		listeners: newRegistry(),
		handlers:  newRegistry(),
	}
	for _, opt := range opts {
		opt(r)
	}

	if r.channel == nil {
		factory := r.factory
		if factory == nil {
			factory = defaultChannel
		}

		ch, err := factory(ChannelName(host.Name()))
		if err != nil {
			return nil, fmt.Errorf("new router: open channel: %w", err)
		}

		r.channel = ch
	}

	r.OnEvent = &Events{r: r}
	r.OnRequest = &Requests{r: r}

	return r, nil
}

func defaultChannel(name string) (fabric.LocalEndpoint, error) {
	ext, _ := inmemory.NewChannelPair(name)
	return ext, nil
}

// Channel returns the local endpoint the Router talks to.
func (r *Router) Channel() fabric.LocalEndpoint { return r.channel }

// Host returns the host bus the Router talks to.
func (r *Router) Host() fabric.HostBus { return r.host }

// EmitEvent sends an event to receivers. Bot receives it once through the local endpoint
// however often it is listed; all other receivers get it through one host bus emission.
// Errors of both legs are aggregated with errors.Join.
func (r *Router) EmitEvent(ctx context.Context, receivers []string, subject string, data any) error {
	if r.isClosed() {
		return fmt.Errorf("emit %q: %w", subject, terr.ErrClosed)
	}

	toBot, peers := partition(receivers)

	var errs []error

	if toBot {
		if err := r.channel.Emit(ctx, subject, data); err != nil {
			errs = append(errs, fmt.Errorf("emit %q to %s: %w", subject, fabric.Bot, err))
		} else {
			r.metrics.EventEmitted(FabricBot)
		}
	}

	if len(peers) > 0 {
		if err := r.host.EmitEvent(ctx, peers, subject, data); err != nil {
			errs = append(errs, fmt.Errorf("emit %q to %v: %w", subject, peers, err))
		} else {
			r.metrics.EventEmitted(FabricHost)
		}
	}

	if r.tap != nil && (toBot || len(peers) > 0) {
		env := fabric.Envelope{
			Sender:    r.host.Name(),
			Receivers: routed(toBot, peers),
			Subject:   subject,
			Data:      data,
		}
		if err := r.tap.Tap(ctx, env); err != nil {
			errs = append(errs, fmt.Errorf("tap %q: %w", subject, err))
		}
	}

	return errors.Join(errs...)
}

// partition splits receivers into the bot sentinel and the remaining pages.
func partition(receivers []string) (toBot bool, peers []string) {
	for _, rcv := range receivers {
		if fabric.IsBot(rcv) {
			toBot = true
			continue
		}

		peers = append(peers, rcv)
	}

	return toBot, peers
}

func routed(toBot bool, peers []string) []string {
	out := make([]string, 0, len(peers)+1)
	if toBot {
		out = append(out, fabric.Bot)
	}

	return append(out, peers...)
}

// SendRequest sends a request to receiver and waits for its answer.
// Only Bot can be asked; any other receiver fails with *errors.InvalidReceiverError
// before any transport is contacted. A nil data is sent as an empty object.
// Failures raised by the bot's handler are returned unchanged.
func (r *Router) SendRequest(ctx context.Context, receiver, subject string, data any) (any, error) {
	if !fabric.IsBot(receiver) {
		r.metrics.RequestSent(OutcomeInvalid)
		return nil, &terr.InvalidReceiverError{Receiver: receiver}
	}

	if data == nil {
		data = map[string]any{}
	}

	res, err := r.channel.Request(ctx, subject, data)
	if err != nil {
		r.metrics.RequestSent(OutcomeFailure)
		return nil, err
	}

	r.metrics.RequestSent(OutcomeSuccess)

	return res, nil
}

// Close removes every host bus listener and handler registered through this Router
// and closes the local endpoint. Calling Close more than once is a no-op.
func (r *Router) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}

	r.closed = true

	var errs []error

	r.listeners.drain(func(subject string, reg registration) {
		if err := r.host.RemoveEventListener(subject, reg.host); err != nil {
			errs = append(errs, fmt.Errorf("close: remove listener %q: %w", subject, err))
		}
	})
	r.handlers.drain(func(subject string, reg registration) {
		if err := r.host.RemoveRequestHandler(subject, reg.host); err != nil {
			errs = append(errs, fmt.Errorf("close: remove handler %q: %w", subject, err))
		}
	})
	r.mu.Unlock()

	if err := r.channel.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close channel: %w", err))
	}

	return errors.Join(errs...)
}

func (r *Router) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.closed
}

func (r *Router) addListener(subject string, fn fabric.Listener) (fabric.ID, error) {
	if fn == nil {
		return 0, fmt.Errorf("add listener %q: nil listener", subject)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return 0, fmt.Errorf("add listener %q: %w", subject, terr.ErrClosed)
	}

	local, err := r.channel.AddEventListener(subject, func(ctx context.Context, data any) {
		fn(ctx, fabric.Bot, data)
	})
	if err != nil {
		return 0, fmt.Errorf("add listener %q to channel: %w", subject, err)
	}

	host, err := r.host.AddEventListener(subject, fn)
	if err != nil {
		rbErr := r.channel.RemoveEventListener(subject, local)
		return 0, fmt.Errorf("add listener %q to host: %w", subject, errors.Join(err, rbErr))
	}

	r.nextID++
	r.listeners.add(subject, registration{id: r.nextID, local: local, host: host})

	return r.nextID, nil
}

func (r *Router) removeListener(subject string, id fabric.ID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	reg, ok := r.listeners.take(subject, id)
	if !ok {
		return nil
	}

	return errors.Join(
		r.channel.RemoveEventListener(subject, reg.local),
		r.host.RemoveEventListener(subject, reg.host),
	)
}

func (r *Router) addHandler(subject string, fn fabric.Handler) (fabric.ID, error) {
	if fn == nil {
		return 0, fmt.Errorf("add handler %q: nil handler", subject)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return 0, fmt.Errorf("add handler %q: %w", subject, terr.ErrClosed)
	}

	local, err := r.channel.AddRequestHandler(subject, func(ctx context.Context, data any) (any, error) {
		return fn(ctx, fabric.Bot, data)
	})
	if err != nil {
		return 0, fmt.Errorf("add handler %q to channel: %w", subject, err)
	}

	host, err := r.host.AddRequestHandler(subject, fn)
	if err != nil {
		rbErr := r.channel.RemoveRequestHandler(subject, local)
		return 0, fmt.Errorf("add handler %q to host: %w", subject, errors.Join(err, rbErr))
	}

	r.nextID++
	r.handlers.add(subject, registration{id: r.nextID, local: local, host: host})

	return r.nextID, nil
}

func (r *Router) removeHandler(subject string, id fabric.ID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	reg, ok := r.handlers.take(subject, id)
	if !ok {
		return nil
	}

	return errors.Join(
		r.channel.RemoveRequestHandler(subject, reg.local),
		r.host.RemoveRequestHandler(subject, reg.host),
	)
}
