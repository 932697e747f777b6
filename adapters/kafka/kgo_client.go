package kafka

import (
	"context"
	"crypto/tls"
	"fmt"
	"strings"

	terr "github.com/next-trace/scg-transmitter/contract/errors"

	"github.com/twmb/franz-go/pkg/kgo"
)

// Concrete franz-go based constructor and writer wrapper.

type Config struct {
	Brokers     []string
	Topic       string
	TLS         *tls.Config
	Acks        kgo.Acks
	Idempotent  bool
	ClientID    string
	Compression kgo.CompressionCodec
}

type kgoWriter struct{ cl *kgo.Client }

func (w kgoWriter) Write(ctx context.Context, topic string, key, value []byte, headers map[string]string) error {
	rec := &kgo.Record{Topic: topic, Key: key, Value: value}
	if len(headers) > 0 {
		rec.Headers = make([]kgo.RecordHeader, 0, len(headers))
		for k, v := range headers {
			rec.Headers = append(rec.Headers, kgo.RecordHeader{Key: k, Value: []byte(v)})
		}
	}

	return w.cl.ProduceSync(ctx, rec).FirstErr()
}

// NewWithKgo builds a franz-go client based Tap. The returned cleanup should be called to close the client.
func NewWithKgo(cfg Config) (*Tap, func(), error) {
	if len(cfg.Brokers) == 0 {
		return nil, nil, fmt.Errorf("%w: kafka brokers required", terr.ErrNotConnected)
	}

	opts := []kgo.Opt{kgo.SeedBrokers(cfg.Brokers...), kgo.DefaultProduceTopic(topicOrDefault(cfg.Topic))}
	if cfg.ClientID != "" {
		opts = append(opts, kgo.ClientID(cfg.ClientID))
	}

	if cfg.TLS != nil {
		opts = append(opts, kgo.DialTLSConfig(cfg.TLS))
	}

	if cfg.Idempotent {
		opts = append(opts, kgo.RequiredAcks(kgo.AllISRAcks()))
	} else {
		opts = append(opts, kgo.DisableIdempotentWrite())
		if cfg.Acks != (kgo.Acks{}) {
			opts = append(opts, kgo.RequiredAcks(cfg.Acks))
		}
	}

	if cfg.Compression != (kgo.CompressionCodec{}) {
		opts = append(opts, kgo.ProducerBatchCompression(cfg.Compression))
	}

	cl, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: kafka client init: %w", terr.ErrNotConnected, err)
	}

	tap := New(kgoWriter{cl: cl}, cfg.Topic)
	cleanup := func() { cl.Close() }

	return tap, cleanup, nil
}

func topicOrDefault(topic string) string {
	if topic == "" {
		return DefaultTopic
	}

	return topic
}

// ParseAcks maps "all", "leader" or "none" to producer acks.
func ParseAcks(s string) (kgo.Acks, error) {
	switch strings.ToLower(s) {
	case "", "all":
		return kgo.AllISRAcks(), nil
	case "leader":
		return kgo.LeaderAck(), nil
	case "none":
		return kgo.NoAck(), nil
	default:
		return kgo.Acks{}, fmt.Errorf("kafka acks %q: want all, leader or none", s)
	}
}

// ParseCompression maps a codec name to a franz-go compression codec.
func ParseCompression(s string) (kgo.CompressionCodec, error) {
	switch strings.ToLower(s) {
	case "", "none":
		return kgo.NoCompression(), nil
	case "gzip":
		return kgo.GzipCompression(), nil
	case "snappy":
		return kgo.SnappyCompression(), nil
	case "lz4":
		return kgo.Lz4Compression(), nil
	case "zstd":
		return kgo.ZstdCompression(), nil
	default:
		return kgo.CompressionCodec{}, fmt.Errorf("kafka compression %q: unknown codec", s)
	}
}
