package rabbitmq

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
	// DefaultExchange is the topic exchange shared by all pages.
	DefaultExchange = "pages"

	// HeaderSender names the page that emitted a message.
	HeaderSender = "sender"
	// HeaderOutcome tells the requester whether a reply is a result or a failure.
	HeaderOutcome = "Fb-Outcome"

	outcomeSuccess = "success"
	outcomeFailure = "failure"

	evtPrefix = "evt."
	reqPrefix = "req."
)

type PubMsg struct {
	Exchange      string
	RoutingKey    string
	Body          []byte
	Headers       map[string]string
	ReplyTo       string
	CorrelationID string
}

type Publisher interface {
	Publish(ctx context.Context, m PubMsg) error
}

// Delivery is an inbound AMQP message as seen by the adapter.
type Delivery struct {
	RoutingKey    string
	Body          []byte
	Headers       map[string]string
	ReplyTo       string
	CorrelationID string
}

// Consumer delivers every message routed with key to fn until cancel is called.
type Consumer interface {
	Consume(key string, fn func(Delivery)) (cancel func() error, err error)
}

type listener struct {
	id fabric.ID
	fn fabric.Listener
}

type handler struct {
	id fabric.ID
	fn fabric.Handler
}

type binding struct {
	cancel    func() error
	listeners []listener
	handlers  []handler
}

// HostBus implements fabric.HostBus for one page over a RabbitMQ topic exchange.
//
// Events for page P on subject S are routed with evt.P.S and requests with req.P.S,
// where P and S are escaped so that dots and wildcards stay inside their token.
// The sender header carries the emitting page. Requests are answered on their
// ReplyTo queue with the same correlation id.
type HostBus struct {
	Publisher  Publisher
	Consumer   Consumer
	Propagator fabric.HeaderPropagator // optional, for context propagation into headers

	name     string
	exchange string
	logger   *slog.Logger

	mu       sync.Mutex
	next     fabric.ID
	events   map[string]*binding
	requests map[string]*binding
	closed   bool
}

var _ fabric.HostBus = (*HostBus)(nil)

// Option configures a HostBus.
type Option func(*HostBus)

// WithExchange replaces DefaultExchange.
func WithExchange(name string) Option { return func(b *HostBus) { b.exchange = name } }

// WithLogger logs dropped deliveries to l.
func WithLogger(l *slog.Logger) Option { return func(b *HostBus) { b.logger = l } }

// WithPropagator injects tracing context into outgoing headers.
func WithPropagator(hp fabric.HeaderPropagator) Option {
	return func(b *HostBus) { b.Propagator = hp }
}

// New creates the HostBus of page name.
func New(name string, p Publisher, c Consumer, opts ...Option) *HostBus {
	b := &HostBus{
		Publisher: p,
		Consumer:  c,
		name:      name,
		exchange:  DefaultExchange,
		events:    make(map[string]*binding),
		requests:  make(map[string]*binding),
	}
	for _, opt := range opts {
		opt(b)
	}

	if b.logger == nil {
		b.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	return b
}

func (b *HostBus) Name() string { return b.name }

// EmitEvent publishes one message per receiver. Failures are joined; delivery to the
// other receivers is still attempted.
func (b *HostBus) EmitEvent(ctx context.Context, receivers []string, subject string, data any) error {
	if err := b.ready(ctx, "emit"); err != nil {
		return err
	}

	if subject == "" {
		return fmt.Errorf("rabbitmq emit: %w", errors.Join(terr.ErrPublishFailed, errEmptyName))
	}

	body, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("rabbitmq emit serialize: %w", errors.Join(terr.ErrSerializationFailed, err))
	}

	var errs []error

	for _, rcv := range receivers {
		if rcv == "" {
			errs = append(errs, fmt.Errorf("rabbitmq emit to %q: %w", rcv, errors.Join(terr.ErrPublishFailed, errEmptyName)))
			continue
		}

		msg := PubMsg{
			Exchange:   b.exchange,
			RoutingKey: evtPrefix + token(rcv) + "." + token(subject),
			Body:       body,
			Headers:    b.headers(ctx),
		}
		if err := b.Publisher.Publish(ctx, msg); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}

			errs = append(errs, fmt.Errorf("rabbitmq emit to %q: %w", rcv, errors.Join(terr.ErrPublishFailed, err)))
		}
	}

	return errors.Join(errs...)
}

func (b *HostBus) AddEventListener(subject string, fn fabric.Listener) (fabric.ID, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	bd, err := b.bind(b.events, evtPrefix, subject, b.onEvent)
	if err != nil {
		return 0, err
	}

	b.next++
	bd.listeners = append(bd.listeners, listener{id: b.next, fn: fn})

	return b.next, nil
}

func (b *HostBus) RemoveEventListener(subject string, id fabric.ID) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	bd, ok := b.events[subject]
	if !ok {
		return nil
	}

	for i, l := range bd.listeners {
		if l.id == id {
			bd.listeners = append(bd.listeners[:i:i], bd.listeners[i+1:]...)
			break
		}
	}

	if len(bd.listeners) > 0 {
		return nil
	}

	delete(b.events, subject)

	return cancel(subject, bd)
}

func (b *HostBus) AddRequestHandler(subject string, fn fabric.Handler) (fabric.ID, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	bd, err := b.bind(b.requests, reqPrefix, subject, b.onRequest)
	if err != nil {
		return 0, err
	}

	b.next++
	bd.handlers = append(bd.handlers, handler{id: b.next, fn: fn})

	return b.next, nil
}

func (b *HostBus) RemoveRequestHandler(subject string, id fabric.ID) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	bd, ok := b.requests[subject]
	if !ok {
		return nil
	}

	for i, h := range bd.handlers {
		if h.id == id {
			bd.handlers = append(bd.handlers[:i:i], bd.handlers[i+1:]...)
			break
		}
	}

	if len(bd.handlers) > 0 {
		return nil
	}

	delete(b.requests, subject)

	return cancel(subject, bd)
}

// Close cancels every consumer of the page. The AMQP connection is owned by whoever
// created the Publisher and Consumer. Closing twice is a no-op.
func (b *HostBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}

	b.closed = true

	var errs []error
	for subject, bd := range b.events {
		errs = append(errs, cancel(subject, bd))
	}

	for subject, bd := range b.requests {
		errs = append(errs, cancel(subject, bd))
	}

	b.events = make(map[string]*binding)
	b.requests = make(map[string]*binding)

	return errors.Join(errs...)
}

// bind must be called with b.mu held.
func (b *HostBus) bind(
	set map[string]*binding,
	prefix, subject string,
	deliver func(subject string) func(Delivery),
) (*binding, error) {
	if b.Consumer == nil {
		return nil, fmt.Errorf("rabbitmq bind %q: %w", subject, terr.ErrNotConnected)
	}

	if b.closed {
		return nil, fmt.Errorf("rabbitmq bind %q: %w", subject, terr.ErrClosed)
	}

	if bd, ok := set[subject]; ok {
		return bd, nil
	}

	if subject == "" || b.name == "" {
		return nil, fmt.Errorf("rabbitmq bind %q: %w", subject, errors.Join(terr.ErrSubscribeFailed, errEmptyName))
	}

	stop, err := b.Consumer.Consume(prefix+token(b.name)+"."+token(subject), deliver(subject))
	if err != nil {
		return nil, fmt.Errorf("rabbitmq bind %q: %w", subject, errors.Join(terr.ErrSubscribeFailed, err))
	}

	bd := &binding{cancel: stop}
	set[subject] = bd

	return bd, nil
}

func (b *HostBus) onEvent(subject string) func(Delivery) {
	return func(d Delivery) {
		data, err := decode(d.Body)
		if err != nil {
			b.logger.Warn("rabbitmq host bus: dropping undecodable event", "subject", subject, "err", err)
			return
		}

		b.mu.Lock()
		var ls []listener
		if bd, ok := b.events[subject]; ok {
			ls = append(ls, bd.listeners...)
		}
		b.mu.Unlock()

		for _, l := range ls {
			l.fn(context.Background(), d.Headers[HeaderSender], data)
		}
	}
}

func (b *HostBus) onRequest(subject string) func(Delivery) {
	return func(d Delivery) {
		if d.ReplyTo == "" {
			b.logger.Warn("rabbitmq host bus: dropping request without reply queue", "subject", subject)
			return
		}

		res, err := b.answer(subject, d)

		outcome, payload := outcomeSuccess, res
		if err != nil {
			outcome, payload = outcomeFailure, failurePayload(err)
		}

		body, mErr := json.Marshal(payload)
		if mErr != nil {
			outcome = outcomeFailure
			body, _ = json.Marshal(map[string]any{"message": mErr.Error()})
		}

		reply := PubMsg{
			RoutingKey:    d.ReplyTo,
			Body:          body,
			Headers:       map[string]string{HeaderOutcome: outcome, HeaderSender: b.name},
			CorrelationID: d.CorrelationID,
		}
		if pErr := b.Publisher.Publish(context.Background(), reply); pErr != nil {
			b.logger.Warn("rabbitmq host bus: reply not delivered", "subject", subject, "err", pErr)
		}
	}
}

// answer runs every handler of subject; the first non-nil result or error wins.
func (b *HostBus) answer(subject string, d Delivery) (any, error) {
	data, err := decode(d.Body)
	if err != nil {
		return nil, fmt.Errorf("decode request: %w", err)
	}

	b.mu.Lock()
	var hs []handler
	if bd, ok := b.requests[subject]; ok {
		hs = append(hs, bd.handlers...)
	}
	b.mu.Unlock()

	if len(hs) == 0 {
		return nil, fmt.Errorf("rabbitmq request %q: %w", subject, terr.ErrHandlerNotFound)
	}

	var (
		res     any
		resErr  error
		decided bool
	)

	for _, h := range hs {
		r, err := h.fn(context.Background(), d.Headers[HeaderSender], data)
		if decided || (r == nil && err == nil) {
			continue
		}

		res, resErr, decided = r, err, true
	}

	return res, resErr
}

func (b *HostBus) ready(ctx context.Context, label string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if b.Publisher == nil {
		return fmt.Errorf("rabbitmq %s: %w", label, terr.ErrNotConnected)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return fmt.Errorf("rabbitmq %s: %w", label, terr.ErrClosed)
	}

	return nil
}

func (b *HostBus) headers(ctx context.Context) map[string]string {
	h := map[string]string{HeaderSender: b.name}
	// Inject tracing context via configured propagator (keeps adapter decoupled)
	if b.Propagator != nil {
		b.Propagator.Inject(ctx, h)
	}

	return h
}

// helpers

var errEmptyName = errors.New("empty page or subject")

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

func decode(body []byte) (any, error) {
	if len(body) == 0 {
		return nil, nil
	}

	var v any
	if err := json.Unmarshal(body, &v); err != nil {
		return nil, err
	}

	return v, nil
}

func cancel(subject string, bd *binding) error {
	if bd.cancel == nil {
		return nil
	}

	if err := bd.cancel(); err != nil {
		return fmt.Errorf("rabbitmq unbind %q: %w", subject, err)
	}

	return nil
}
