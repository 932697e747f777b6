package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/next-trace/scg-transmitter/adapters/kafka"
	"github.com/next-trace/scg-transmitter/adapters/nats"
	"github.com/next-trace/scg-transmitter/adapters/rabbitmq"
	"github.com/next-trace/scg-transmitter/internal/config"
	"github.com/next-trace/scg-transmitter/internal/metrics"
	"github.com/next-trace/scg-transmitter/router"
)

const shutdownTimeout = 5 * time.Second

// Daemon runs one Router between a NATS channel and a RabbitMQ page.
type Daemon struct {
	cfg    *config.Config
	logger *slog.Logger
	prom   *metrics.Prom

	router    *router.Router
	disposers []router.Disposer
	cleanups  []func()
	server    *http.Server
}

// New prepares a Daemon for cfg. Nothing is connected before Start.
func New(cfg *config.Config, logger *slog.Logger) *Daemon {
	return &Daemon{cfg: cfg, logger: logger, prom: metrics.NewProm()}
}

// Run starts the daemon, blocks until ctx is done and then shuts it down.
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.Start(); err != nil {
		return errors.Join(err, d.Stop(context.Background()))
	}

	<-ctx.Done()
	d.logger.Info("shutting down", "page", d.cfg.Page)

	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	return d.Stop(sctx)
}

// Start connects the fabrics, builds the Router and installs the configured forwardings.
func (d *Daemon) Start() error {
	channel, closeNATS, err := nats.NewWithNATS(nats.Config{
		URL:           d.cfg.NATS.URL,
		Name:          d.cfg.NATS.Name,
		Namespace:     d.cfg.NATS.Namespace,
		ConnTimeout:   d.cfg.NATS.ConnTimeout,
		MaxReconnects: d.cfg.NATS.MaxReconnects,
	}, router.ChannelName(d.cfg.Page), nats.WithLogger(d.logger.With("fabric", "nats")))
	if err != nil {
		return fmt.Errorf("connect channel: %w", err)
	}

	d.cleanups = append(d.cleanups, closeNATS)

	host, closeRabbit, err := rabbitmq.NewWithAMQPConn(rabbitmq.Config{
		URL:         d.cfg.RabbitMQ.URL,
		Exchange:    d.cfg.RabbitMQ.Exchange,
		ConnTimeout: d.cfg.RabbitMQ.ConnTimeout,
		Logger:      d.logger.With("fabric", "rabbitmq"),
	}, d.cfg.Page)
	if err != nil {
		return fmt.Errorf("connect host bus: %w", err)
	}

	d.cleanups = append(d.cleanups, func() {
		_ = host.Close()
		closeRabbit()
	})

	opts := []router.Option{router.WithChannel(channel), router.WithMetrics(d.prom)}

	if d.cfg.Kafka.Enabled {
		tap, closeKafka, err := d.kafkaTap()
		if err != nil {
			return fmt.Errorf("connect tap: %w", err)
		}

		d.cleanups = append(d.cleanups, closeKafka)
		opts = append(opts, router.WithTap(tap))
	}

	r, err := router.New(host, opts...)
	if err != nil {
		return err
	}

	d.router = r

	if d.disposers, err = Install(r, d.cfg.Forward); err != nil {
		return err
	}

	if d.cfg.Metrics.Enabled {
		d.serveMetrics()
	}

	d.logger.Info("transmitter started",
		"page", d.cfg.Page,
		"channel", channel.Name(),
		"forwardings", len(d.disposers),
		"tap", d.cfg.Kafka.Enabled,
	)

	return nil
}

func (d *Daemon) kafkaTap() (*kafka.Tap, func(), error) {
	acks, err := kafka.ParseAcks(d.cfg.Kafka.Acks)
	if err != nil {
		return nil, nil, err
	}

	codec, err := kafka.ParseCompression(d.cfg.Kafka.Compression)
	if err != nil {
		return nil, nil, err
	}

	return kafka.NewWithKgo(kafka.Config{
		Brokers:     d.cfg.Kafka.Brokers,
		Topic:       d.cfg.Kafka.Topic,
		ClientID:    d.cfg.Kafka.ClientID,
		Acks:        acks,
		Idempotent:  d.cfg.Kafka.Idempotent,
		Compression: codec,
	})
}

func (d *Daemon) serveMetrics() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", d.prom.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	d.server = &http.Server{
		Addr:              d.cfg.Metrics.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := d.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			d.logger.Warn("metrics server exited", "err", err)
		}
	}()
}

// Stop disposes forwardings, closes the Router and releases every connection.
func (d *Daemon) Stop(ctx context.Context) error {
	var errs []error

	if d.server != nil {
		if err := d.server.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("metrics server: %w", err))
		}
	}

	errs = append(errs, Dispose(d.disposers))
	d.disposers = nil

	if d.router != nil {
		errs = append(errs, d.router.Close())
	}

	for i := len(d.cleanups) - 1; i >= 0; i-- {
		d.cleanups[i]()
	}

	d.cleanups = nil

	return errors.Join(errs...)
}
