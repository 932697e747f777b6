package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	terr "github.com/next-trace/scg-transmitter/contract/errors"
	"github.com/next-trace/scg-transmitter/contract/fabric"
)

const (
	// DefaultNamespace prefixes every NATS subject used by a Channel.
	DefaultNamespace = "fb.channel"

	// HeaderOutcome tells the requester whether a reply is a result or a failure.
	HeaderOutcome = "Fb-Outcome"

	outcomeSuccess = "success"
	outcomeFailure = "failure"

	dirBot = "bot" // travelling to the bot
	dirExt = "ext" // travelling from the bot

	kindEvent   = "evt"
	kindRequest = "req"
)

// Msg is a NATS message as seen by the adapter.
type Msg struct {
	Subject string
	Reply   string
	Data    []byte
	Headers map[string]string
}

// Subscription is an active NATS subscription.
type Subscription interface {
	Unsubscribe() error
}

// Client is a minimal NATS-like interface decoupled from any concrete library.
// Users can provide a wrapper around their NATS connection to satisfy this.
type Client interface {
	// Publish publishes a message to a subject with optional headers.
	Publish(subject string, data []byte, headers map[string]string) error
	// Request publishes a message and waits for the first reply.
	Request(ctx context.Context, subject string, data []byte, headers map[string]string) (*Msg, error)
	// Subscribe delivers every message published on subject to fn.
	Subscribe(subject string, fn func(*Msg)) (Subscription, error)
}

type listener struct {
	id fabric.ID
	fn fabric.ChannelListener
}

type handler struct {
	id fabric.ID
	fn fabric.ChannelHandler
}

type eventSub struct {
	sub       Subscription
	listeners []listener
}

type requestSub struct {
	sub      Subscription
	handlers []handler
}

// Channel implements fabric.LocalEndpoint over NATS.
//
// Events travel as JSON bodies on <ns>.<name>.<dir>.evt.<subject> and requests use
// NATS request/reply on <ns>.<name>.<dir>.req.<subject>, where dir is "bot" for traffic
// to the bot and "ext" for traffic from it. Name and subject are escaped into single
// tokens. One NATS subscription serves all
// listeners (or handlers) of a subject; the first handler answers a request.
type Channel struct {
	Client     Client
	Propagator fabric.HeaderPropagator // optional, for context propagation into headers

	name   string
	ns     string
	out    string
	in     string
	logger *slog.Logger

	mu       sync.Mutex
	next     fabric.ID
	events   map[string]*eventSub
	requests map[string]*requestSub
	closed   bool
}

// Ensure Channel implements the local endpoint contract.
var _ fabric.LocalEndpoint = (*Channel)(nil)

// Option configures a Channel.
type Option func(*Channel)

// WithNamespace replaces DefaultNamespace.
func WithNamespace(ns string) Option { return func(c *Channel) { c.ns = ns } }

// WithLogger logs dropped deliveries to l.
func WithLogger(l *slog.Logger) Option { return func(c *Channel) { c.logger = l } }

// WithPropagator injects tracing context into outgoing headers.
func WithPropagator(hp fabric.HeaderPropagator) Option { return func(c *Channel) { c.Propagator = hp } }

// AsBot makes the Channel play the bot's side: it emits and requests toward the
// program and listens to what the program sends.
func AsBot() Option { return func(c *Channel) { c.out, c.in = dirExt, dirBot } }

// New creates a Channel called name over the provided client.
func New(cl Client, name string, opts ...Option) *Channel {
	c := &Channel{
		Client:   cl,
		name:     name,
		ns:       DefaultNamespace,
		out:      dirBot,
		in:       dirExt,
		events:   make(map[string]*eventSub),
		requests: make(map[string]*requestSub),
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.logger == nil {
		c.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	return c
}

func (c *Channel) Name() string { return c.name }

func (c *Channel) subject(dir, kind, subject string) string {
	return c.ns + "." + token(c.name) + "." + dir + "." + kind + "." + token(subject)
}

func (c *Channel) Emit(ctx context.Context, subject string, data any) error {
	if err := c.ready(ctx, "emit"); err != nil {
		return err
	}

	if subject == "" {
		return fmt.Errorf("nats emit: %w", errors.Join(terr.ErrPublishFailed, errEmptySubject))
	}

	body, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("nats emit serialize: %w", errors.Join(terr.ErrSerializationFailed, err))
	}

	if err := c.Client.Publish(c.subject(c.out, kindEvent, subject), body, c.headers(ctx, nil)); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		return fmt.Errorf("nats emit publish: %w", errors.Join(terr.ErrPublishFailed, err))
	}

	return nil
}

// Request sends data and decodes the reply. A failure reply is returned as *fabric.Failure.
func (c *Channel) Request(ctx context.Context, subject string, data any) (any, error) {
	if err := c.ready(ctx, "request"); err != nil {
		return nil, err
	}

	if subject == "" {
		return nil, fmt.Errorf("nats request: %w", errors.Join(terr.ErrRequestFailed, errEmptySubject))
	}

	body, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("nats request serialize: %w", errors.Join(terr.ErrSerializationFailed, err))
	}

	reply, err := c.Client.Request(ctx, c.subject(c.out, kindRequest, subject), body, c.headers(ctx, nil))
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}

		return nil, fmt.Errorf("nats request %q: %w", subject, errors.Join(terr.ErrRequestFailed, err))
	}

	payload, err := decode(reply.Data)
	if err != nil {
		return nil, fmt.Errorf("nats request %q decode: %w", subject, errors.Join(terr.ErrSerializationFailed, err))
	}

	if reply.Headers[HeaderOutcome] == outcomeFailure {
		return nil, fabric.NewFailure(payload)
	}

	return payload, nil
}

func (c *Channel) AddEventListener(subject string, fn fabric.ChannelListener) (fabric.ID, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.open("add listener"); err != nil {
		return 0, err
	}

	if subject == "" {
		return 0, fmt.Errorf("nats add listener: %w", errors.Join(terr.ErrSubscribeFailed, errEmptySubject))
	}

	es, ok := c.events[subject]
	if !ok {
		sub, err := c.Client.Subscribe(c.subject(c.in, kindEvent, subject), c.onEvent(subject))
		if err != nil {
			return 0, fmt.Errorf("nats subscribe %q: %w", subject, errors.Join(terr.ErrSubscribeFailed, err))
		}

		es = &eventSub{sub: sub}
		c.events[subject] = es
	}

	c.next++
	es.listeners = append(es.listeners, listener{id: c.next, fn: fn})

	return c.next, nil
}

func (c *Channel) RemoveEventListener(subject string, id fabric.ID) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	es, ok := c.events[subject]
	if !ok {
		return nil
	}

	for i, l := range es.listeners {
		if l.id == id {
			es.listeners = append(es.listeners[:i:i], es.listeners[i+1:]...)
			break
		}
	}

	if len(es.listeners) > 0 {
		return nil
	}

	delete(c.events, subject)

	return unsubscribe(subject, es.sub)
}

func (c *Channel) AddRequestHandler(subject string, fn fabric.ChannelHandler) (fabric.ID, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.open("add handler"); err != nil {
		return 0, err
	}

	if subject == "" {
		return 0, fmt.Errorf("nats add handler: %w", errors.Join(terr.ErrSubscribeFailed, errEmptySubject))
	}

	rs, ok := c.requests[subject]
	if !ok {
		sub, err := c.Client.Subscribe(c.subject(c.in, kindRequest, subject), c.onRequest(subject))
		if err != nil {
			return 0, fmt.Errorf("nats subscribe %q: %w", subject, errors.Join(terr.ErrSubscribeFailed, err))
		}

		rs = &requestSub{sub: sub}
		c.requests[subject] = rs
	}

	c.next++
	rs.handlers = append(rs.handlers, handler{id: c.next, fn: fn})

	return c.next, nil
}

func (c *Channel) RemoveRequestHandler(subject string, id fabric.ID) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	rs, ok := c.requests[subject]
	if !ok {
		return nil
	}

	for i, h := range rs.handlers {
		if h.id == id {
			rs.handlers = append(rs.handlers[:i:i], rs.handlers[i+1:]...)
			break
		}
	}

	if len(rs.handlers) > 0 {
		return nil
	}

	delete(c.requests, subject)

	return unsubscribe(subject, rs.sub)
}

// Close drops every subscription of the Channel. The NATS connection itself is owned
// by whoever created the Client. Closing twice is a no-op.
func (c *Channel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}

	c.closed = true

	var errs []error

	for subject, es := range c.events {
		errs = append(errs, unsubscribe(subject, es.sub))
	}

	for subject, rs := range c.requests {
		errs = append(errs, unsubscribe(subject, rs.sub))
	}

	c.events = make(map[string]*eventSub)
	c.requests = make(map[string]*requestSub)

	return errors.Join(errs...)
}

func (c *Channel) onEvent(subject string) func(*Msg) {
	return func(m *Msg) {
		data, err := decode(m.Data)
		if err != nil {
			c.logger.Warn("nats channel: dropping undecodable event", "subject", subject, "err", err)
			return
		}

		c.mu.Lock()
		var ls []listener
		if es, ok := c.events[subject]; ok {
			ls = append(ls, es.listeners...)
		}
		c.mu.Unlock()

		for _, l := range ls {
			l.fn(context.Background(), data)
		}
	}
}

func (c *Channel) onRequest(subject string) func(*Msg) {
	return func(m *Msg) {
		if m.Reply == "" {
			c.logger.Warn("nats channel: dropping request without reply subject", "subject", subject)
			return
		}

		res, err := c.answer(subject, m.Data)

		outcome, payload := outcomeSuccess, res
		if err != nil {
			outcome, payload = outcomeFailure, failurePayload(err)
		}

		body, mErr := json.Marshal(payload)
		if mErr != nil {
			outcome = outcomeFailure
			body, _ = json.Marshal(map[string]any{"message": mErr.Error()})
		}

		headers := map[string]string{HeaderOutcome: outcome}
		if pErr := c.Client.Publish(m.Reply, body, headers); pErr != nil {
			c.logger.Warn("nats channel: reply not delivered", "subject", subject, "err", pErr)
		}
	}
}

func (c *Channel) answer(subject string, raw []byte) (any, error) {
	data, err := decode(raw)
	if err != nil {
		return nil, fmt.Errorf("decode request: %w", err)
	}

	c.mu.Lock()
	var h *handler
	if rs, ok := c.requests[subject]; ok && len(rs.handlers) > 0 {
		first := rs.handlers[0]
		h = &first
	}
	c.mu.Unlock()

	if h == nil {
		return nil, fmt.Errorf("nats request %q: %w", subject, terr.ErrHandlerNotFound)
	}

	return h.fn(context.Background(), data)
}

func (c *Channel) ready(ctx context.Context, label string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	return c.open(label)
}

// open must be called with c.mu held.
func (c *Channel) open(label string) error {
	if c.Client == nil {
		return fmt.Errorf("nats %s: %w", label, terr.ErrNotConnected)
	}

	if c.closed {
		return fmt.Errorf("nats %s: %w", label, terr.ErrClosed)
	}

	return nil
}

func (c *Channel) headers(ctx context.Context, base map[string]string) map[string]string {
	h := make(map[string]string, len(base)+2)
	for k, v := range base {
		h[k] = v
	}

	if c.Propagator != nil {
		c.Propagator.Inject(ctx, h)
	}

	return h
}

// helpers

var errEmptySubject = errors.New("empty subject")

// token escapes s for use as one dot-separated routing token. The separator, broker
// wildcards, whitespace, control bytes and '%' itself become %XX, so distinct names
// never share a token and never match as wildcards.
func token(s string) string {
	var sb strings.Builder

	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '.', c == '*', c == '#', c == '>', c == '%', c <= ' ', c == 0x7f:
			fmt.Fprintf(&sb, "%%%02X", c)
		default:
			sb.WriteByte(c)
		}
	}

	return sb.String()
}

func failurePayload(err error) any {
	if f, ok := fabric.AsFailure(err); ok {
		return f.Data
	}

	return map[string]any{"message": err.Error()}
}

func decode(b []byte) (any, error) {
	if len(b) == 0 {
		return nil, nil
	}

	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return nil, err
	}

	return v, nil
}

func unsubscribe(subject string, sub Subscription) error {
	if sub == nil {
		return nil
	}

	if err := sub.Unsubscribe(); err != nil {
		return fmt.Errorf("nats unsubscribe %q: %w", subject, err)
	}

	return nil
}
