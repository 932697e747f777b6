package rabbitmq

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	terr "github.com/next-trace/scg-transmitter/contract/errors"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Concrete AMQP connection-backed constructor with auto-reconnect.

const exchangeKind = "topic"

type Config struct {
	URL         string
	Exchange    string
	ConnTimeout time.Duration
	Logger      *slog.Logger
}

type consumer struct {
	key string
	fn  func(Delivery)
	tag string
}

// connection publishes and consumes over one AMQP channel, redialing with backoff
// and re-binding every consumer whenever the broker connection drops.
type connection struct {
	cfg    Config
	logger *slog.Logger

	mu        sync.RWMutex
	conn      *amqp.Connection
	ch        *amqp.Channel
	consumers map[int]*consumer
	next      int
	closed    chan struct{}
	ready     chan struct{} // closed once the first channel is ready
	readyOnce sync.Once
}

var (
	_ Publisher = (*connection)(nil)
	_ Consumer  = (*connection)(nil)
)

func newConnection(cfg Config) (*connection, func()) {
	c := &connection{
		cfg:       cfg,
		logger:    cfg.Logger,
		consumers: make(map[int]*consumer),
		closed:    make(chan struct{}),
		ready:     make(chan struct{}),
	}
	if c.logger == nil {
		c.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	go c.run()
	cleanup := func() { c.close() }

	return c, cleanup
}

func (c *connection) channel(ctx context.Context) (*amqp.Channel, error) {
	// Fast path: ensure channel available
	c.mu.RLock()
	ch := c.ch
	c.mu.RUnlock()

	if ch != nil {
		return ch, nil
	}

	// Wait for readiness or context cancellation
	select {
	case <-c.ready:
	case <-c.closed:
		return nil, fmt.Errorf("%w: rabbitmq connection closed", terr.ErrClosed)
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	c.mu.RLock()
	ch = c.ch
	c.mu.RUnlock()

	if ch == nil {
		return nil, fmt.Errorf("%w: rabbitmq not connected", terr.ErrNotConnected)
	}

	return ch, nil
}

func (c *connection) Publish(ctx context.Context, m PubMsg) error {
	ch, err := c.channel(ctx)
	if err != nil {
		return err
	}

	return publish(ctx, ch, m)
}

// Consume registers fn for key. The binding is re-established after every reconnect.
func (c *connection) Consume(key string, fn func(Delivery)) (func() error, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.next++
	id := c.next
	cs := &consumer{key: key, fn: fn, tag: fmt.Sprintf("transmitter-%d", id)}

	if c.ch != nil {
		if err := consume(c.ch, c.exchange(), cs); err != nil {
			return nil, err
		}
	}

	c.consumers[id] = cs

	return func() error {
		c.mu.Lock()
		defer c.mu.Unlock()

		if _, ok := c.consumers[id]; !ok {
			return nil
		}

		delete(c.consumers, id)

		if c.ch == nil {
			return nil
		}

		return c.ch.Cancel(cs.tag, false)
	}, nil
}

func (c *connection) exchange() string {
	if c.cfg.Exchange != "" {
		return c.cfg.Exchange
	}

	return DefaultExchange
}

func (c *connection) dial() (*amqp.Connection, *amqp.Channel, error) {
	conn, err := amqp.DialConfig(c.cfg.URL, amqp.Config{
		Locale:     "en_US",
		Properties: amqp.Table{"product": "scg-transmitter"},
		Dial:       amqp.DefaultDial(c.cfg.ConnTimeout),
	})
	if err != nil {
		return nil, nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, nil, err
	}

	if err := ch.ExchangeDeclare(c.exchange(), exchangeKind, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()

		return nil, nil, err
	}

	return conn, ch, nil
}

func (c *connection) run() {
	backoff := time.Second
	const maxBackoff = 30 * time.Second
	// #nosec G404 -- non-crypto RNG is acceptable for backoff jitter
	rng := rand.New(rand.NewSource(time.Now().UnixNano())) //nolint:gosec // non-crypto RNG is acceptable for backoff jitter

	for {
		select {
		case <-c.closed:
			return
		default:
		}

		conn, ch, err := c.dial()
		if err != nil {
			c.logger.Warn("rabbitmq dial failed", "err", err, "retry_in", backoff)
			// exponential backoff with jitter
			jitter := time.Duration(rng.Int63n(int64(backoff / 2)))
			sleep := backoff + jitter/2
			if sleep > maxBackoff {
				sleep = maxBackoff
			}

			t := time.NewTimer(sleep)
			select {
			case <-c.closed:
				t.Stop()
				return
			case <-t.C:
			}

			if backoff < maxBackoff {
				backoff = min(backoff*2, maxBackoff)
			}

			continue
		}

		// success
		backoff = time.Second

		c.mu.Lock()
		c.conn = conn
		c.ch = ch

		for _, cs := range c.consumers {
			if err := consume(ch, c.exchange(), cs); err != nil {
				c.logger.Error("rabbitmq rebind failed", "key", cs.key, "err", err)
			}
		}
		c.mu.Unlock()
		c.readyOnce.Do(func() { close(c.ready) })

		// Block on connection close notifications to trigger reconnect
		notify := conn.NotifyClose(make(chan *amqp.Error, 1))
		select {
		case <-c.closed:
			return
		case amqpErr := <-notify:
			c.logger.Warn("rabbitmq connection lost", "err", amqpErr)

			c.mu.Lock()
			c.ch = nil
			c.conn = nil
			c.mu.Unlock()

			_ = ch.Close()
			_ = conn.Close()
			// loop to reconnect
		}
	}
}

func (c *connection) close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	select {
	case <-c.closed:
		// already closed
		return
	default:
		close(c.closed)
	}

	if c.ch != nil {
		_ = c.ch.Close()
		c.ch = nil
	}

	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
}

// consume binds a private auto-delete queue to key and pumps its deliveries to cs.fn.
func consume(ch *amqp.Channel, exchange string, cs *consumer) error {
	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		return fmt.Errorf("declare queue for %q: %w", cs.key, err)
	}

	if err := ch.QueueBind(q.Name, cs.key, exchange, false, nil); err != nil {
		return fmt.Errorf("bind %q: %w", cs.key, err)
	}

	deliveries, err := ch.Consume(q.Name, cs.tag, true, true, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %q: %w", cs.key, err)
	}

	go func() {
		for d := range deliveries {
			cs.fn(fromAMQP(d))
		}
	}()

	return nil
}

func publish(ctx context.Context, ch *amqp.Channel, m PubMsg) error {
	var h amqp.Table
	if len(m.Headers) > 0 {
		h = amqp.Table{}
		for k, v := range m.Headers {
			h[k] = v
		}
	}

	return ch.PublishWithContext(
		ctx,
		m.Exchange,
		m.RoutingKey,
		false,
		false,
		amqp.Publishing{
			Headers:       h,
			ContentType:   "application/json",
			Body:          m.Body,
			ReplyTo:       m.ReplyTo,
			CorrelationId: m.CorrelationID,
		},
	)
}

func fromAMQP(d amqp.Delivery) Delivery {
	out := Delivery{
		RoutingKey:    d.RoutingKey,
		Body:          d.Body,
		ReplyTo:       d.ReplyTo,
		CorrelationID: d.CorrelationId,
	}

	if len(d.Headers) > 0 {
		out.Headers = make(map[string]string, len(d.Headers))
		for k, v := range d.Headers {
			if s, ok := v.(string); ok {
				out.Headers[k] = s
			}
		}
	}

	return out
}

// NewWithAMQPConn dials RabbitMQ with auto-reconnect, ensures the page exchange, and
// returns the HostBus of page name and a cleanup.
func NewWithAMQPConn(cfg Config, name string, opts ...Option) (*HostBus, func(), error) {
	if cfg.URL == "" {
		return nil, nil, fmt.Errorf("%w: rabbitmq url required", terr.ErrNotConnected)
	}

	conn, cleanup := newConnection(cfg)

	opts = append([]Option{WithExchange(conn.exchange()), WithLogger(conn.logger)}, opts...)

	return New(name, conn, conn, opts...), cleanup, nil
}
