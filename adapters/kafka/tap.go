package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	terr "github.com/next-trace/scg-transmitter/contract/errors"
	"github.com/next-trace/scg-transmitter/contract/fabric"
)

// DefaultTopic receives every tapped emission when no topic is configured.
const DefaultTopic = "transmitter.emissions"

const (
	headerSender  = "sender"
	headerSubject = "subject"
)

// Writer is a minimal Kafka-like writer interface.
// Users can adapt segmentio/kafka-go or any other client to this.
type Writer interface {
	Write(ctx context.Context, topic string, key, value []byte, headers map[string]string) error
}

// Tap implements fabric.Tap by writing one record per routed emission.
// The record key is the subject so that emissions of one subject stay ordered.
type Tap struct {
	Writer     Writer
	Topic      string
	Propagator fabric.HeaderPropagator // optional, for context propagation into headers
}

var _ fabric.Tap = (*Tap)(nil)

// New creates a new Kafka tap with the provided writer.
func New(w Writer, topic string) *Tap {
	if topic == "" {
		topic = DefaultTopic
	}

	return &Tap{Writer: w, Topic: topic}
}

type record struct {
	Receivers []string `json:"receivers"`
	Subject   string   `json:"subject"`
	Data      any      `json:"data"`
}

func (t *Tap) Tap(ctx context.Context, env fabric.Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if t.Writer == nil {
		return fmt.Errorf("kafka tap: %w", terr.ErrNotConnected)
	}

	val, err := marshalJSON(record{Receivers: env.Receivers, Subject: env.Subject, Data: env.Data})
	if err != nil {
		return fmt.Errorf("kafka tap serialize: %w", errors.Join(terr.ErrSerializationFailed, err))
	}

	headers := map[string]string{headerSender: env.Sender, headerSubject: env.Subject}
	if t.Propagator != nil {
		t.Propagator.Inject(ctx, headers)
	}

	if err := t.Writer.Write(ctx, t.Topic, []byte(env.Subject), val, headers); err != nil {
		return wrapProduceErr(t.Topic, err)
	}

	return nil
}

// Ensure error wrapping parity for context errors similar to the other adapters.
func wrapProduceErr(topic string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	return fmt.Errorf("%w: kafka tap to %q: %w", terr.ErrPublishFailed, topic, err)
}

// marshal helper
func marshalJSON(v any) ([]byte, error) { return json.Marshal(v) }
