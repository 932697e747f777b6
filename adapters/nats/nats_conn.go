package nats

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	terr "github.com/next-trace/scg-transmitter/contract/errors"
)

// Concrete NATS connection-backed Client and constructor.

type Config struct {
	URL           string
	Name          string
	Namespace     string
	ConnTimeout   time.Duration
	MaxReconnects int
}

type natsClient struct{ nc *nats.Conn }

var _ Client = natsClient{}

func (c natsClient) Publish(subject string, data []byte, headers map[string]string) error {
	if err := c.nc.PublishMsg(toNATS(subject, data, headers)); err != nil {
		return err
	}

	return c.nc.Flush()
}

func (c natsClient) Request(ctx context.Context, subject string, data []byte, headers map[string]string) (*Msg, error) {
	reply, err := c.nc.RequestMsgWithContext(ctx, toNATS(subject, data, headers))
	if err != nil {
		return nil, err
	}

	return fromNATS(reply), nil
}

func (c natsClient) Subscribe(subject string, fn func(*Msg)) (Subscription, error) {
	sub, err := c.nc.Subscribe(subject, func(m *nats.Msg) { fn(fromNATS(m)) })
	if err != nil {
		return nil, err
	}

	return sub, nil
}

func toNATS(subject string, data []byte, headers map[string]string) *nats.Msg {
	msg := &nats.Msg{Subject: subject, Data: data}

	if len(headers) > 0 {
		msg.Header = nats.Header{}
		for k, v := range headers {
			msg.Header.Add(k, v)
		}
	}

	return msg
}

func fromNATS(m *nats.Msg) *Msg {
	out := &Msg{Subject: m.Subject, Reply: m.Reply, Data: m.Data}

	if len(m.Header) > 0 {
		out.Headers = make(map[string]string, len(m.Header))
		for k := range m.Header {
			out.Headers[k] = m.Header.Get(k)
		}
	}

	return out
}

// NewWithNATS creates a real NATS connection and returns a Channel called name and a cleanup.
func NewWithNATS(cfg Config, name string, opts ...Option) (*Channel, func(), error) {
	if cfg.URL == "" {
		return nil, nil, fmt.Errorf("%w: nats url required", terr.ErrNotConnected)
	}

	nopts := []nats.Option{}
	if cfg.Name != "" {
		nopts = append(nopts, nats.Name(cfg.Name))
	}

	if cfg.ConnTimeout > 0 {
		nopts = append(nopts, nats.Timeout(cfg.ConnTimeout))
	}

	if cfg.MaxReconnects != 0 {
		nopts = append(nopts, nats.MaxReconnects(cfg.MaxReconnects))
	}

	nc, err := nats.Connect(cfg.URL, nopts...)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: nats connect: %w", terr.ErrNotConnected, err)
	}

	if cfg.Namespace != "" {
		opts = append([]Option{WithNamespace(cfg.Namespace)}, opts...)
	}

	ch := New(natsClient{nc: nc}, name, opts...)
	cleanup := func() {
		if nc != nil && !nc.IsClosed() {
			_ = nc.Drain() //nolint:errcheck // best-effort shutdown; cannot return error here
			nc.Close()
		}
	}

	return ch, cleanup, nil
}
