package rabbitmq_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/next-trace/scg-transmitter/adapters/rabbitmq"
	terr "github.com/next-trace/scg-transmitter/contract/errors"
	"github.com/next-trace/scg-transmitter/contract/fabric"
)

type fakePublisher struct {
	mu    sync.Mutex
	calls []rabbitmq.PubMsg
	err   error
}

func (f *fakePublisher) Publish(ctx context.Context, m rabbitmq.PubMsg) error {
	_ = ctx

	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls = append(f.calls, m)

	return f.err
}

func (f *fakePublisher) last() rabbitmq.PubMsg {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.calls[len(f.calls)-1]
}

type fakeConsumer struct {
	mu       sync.Mutex
	keys     map[string]func(rabbitmq.Delivery)
	canceled []string
	err      error
}

func newConsumer() *fakeConsumer {
	return &fakeConsumer{keys: map[string]func(rabbitmq.Delivery){}}
}

func (f *fakeConsumer) Consume(key string, fn func(rabbitmq.Delivery)) (func() error, error) {
	if f.err != nil {
		return nil, f.err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.keys[key] = fn

	return func() error {
		f.mu.Lock()
		defer f.mu.Unlock()

		delete(f.keys, key)
		f.canceled = append(f.canceled, key)

		return nil
	}, nil
}

func (f *fakeConsumer) deliver(t *testing.T, d rabbitmq.Delivery) {
	t.Helper()

	f.mu.Lock()
	fn, ok := f.keys[d.RoutingKey]
	f.mu.Unlock()

	if !ok {
		t.Fatalf("no consumer bound to %q", d.RoutingKey)
	}

	fn(d)
}

func (f *fakeConsumer) bound(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	_, ok := f.keys[key]

	return ok
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()

	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	return b
}

func TestRabbitMQ_EmitEvent_OneMessagePerReceiver(t *testing.T) {
	fp := &fakePublisher{}
	bus := rabbitmq.New("main", fp, newConsumer())

	if err := bus.EmitEvent(testContext(t), []string{"a", "b"}, "greet", map[string]any{"n": 1}); err != nil {
		t.Fatalf("emit: %v", err)
	}

	if len(fp.calls) != 2 {
		t.Fatalf("expected 2 calls, got %d", len(fp.calls))
	}

	for i, want := range []string{"evt.a.greet", "evt.b.greet"} {
		c := fp.calls[i]
		if c.RoutingKey != want || c.Exchange != rabbitmq.DefaultExchange {
			t.Fatalf("call %d: exchange=%s key=%s", i, c.Exchange, c.RoutingKey)
		}

		if c.Headers[rabbitmq.HeaderSender] != "main" {
			t.Fatalf("sender header missing: %+v", c.Headers)
		}
	}

	if string(fp.calls[0].Body) != `{"n":1}` {
		t.Fatalf("body=%s", fp.calls[0].Body)
	}
}

func TestRabbitMQ_ListenerReceivesSender(t *testing.T) {
	fc := newConsumer()
	bus := rabbitmq.New("main", &fakePublisher{}, fc)

	var gotSender string
	var gotData any
	if _, err := bus.AddEventListener("greet", func(_ context.Context, sender string, data any) {
		gotSender, gotData = sender, data
	}); err != nil {
		t.Fatalf("add listener: %v", err)
	}

	fc.deliver(t, rabbitmq.Delivery{
		RoutingKey: "evt.main.greet",
		Body:       mustJSON(t, "hi"),
		Headers:    map[string]string{rabbitmq.HeaderSender: "page"},
	})

	if gotSender != "page" || gotData != "hi" {
		t.Fatalf("sender=%q data=%v", gotSender, gotData)
	}
}

func TestRabbitMQ_OneConsumerPerSubject(t *testing.T) {
	fc := newConsumer()
	bus := rabbitmq.New("main", &fakePublisher{}, fc)

	var n int
	a, _ := bus.AddEventListener("e", func(context.Context, string, any) { n++ })
	b, _ := bus.AddEventListener("e", func(context.Context, string, any) { n++ })

	fc.deliver(t, rabbitmq.Delivery{RoutingKey: "evt.main.e"})

	if n != 2 {
		t.Fatalf("want both listeners called, got %d", n)
	}

	_ = bus.RemoveEventListener("e", a)
	if !fc.bound("evt.main.e") {
		t.Fatalf("consumer canceled too early")
	}

	_ = bus.RemoveEventListener("e", b)
	if fc.bound("evt.main.e") {
		t.Fatalf("consumer kept after last removal")
	}

	if err := bus.RemoveEventListener("e", b); err != nil {
		t.Fatalf("unknown removal should be a no-op: %v", err)
	}
}

func TestRabbitMQ_RequestReply(t *testing.T) {
	fp := &fakePublisher{}
	fc := newConsumer()
	bus := rabbitmq.New("main", fp, fc)

	_, _ = bus.AddRequestHandler("sum", func(context.Context, string, any) (any, error) { return nil, nil })
	_, _ = bus.AddRequestHandler("sum", func(_ context.Context, sender string, data any) (any, error) {
		return map[string]any{"from": sender, "got": data}, nil
	})
	_, _ = bus.AddRequestHandler("sum", func(context.Context, string, any) (any, error) { return "late", nil })

	fc.deliver(t, rabbitmq.Delivery{
		RoutingKey:    "req.main.sum",
		Body:          mustJSON(t, 3),
		Headers:       map[string]string{rabbitmq.HeaderSender: "page"},
		ReplyTo:       "amq.gen-reply",
		CorrelationID: "c-1",
	})

	reply := fp.last()
	if reply.RoutingKey != "amq.gen-reply" || reply.Exchange != "" || reply.CorrelationID != "c-1" {
		t.Fatalf("reply routing: %+v", reply)
	}

	if reply.Headers[rabbitmq.HeaderOutcome] != "success" {
		t.Fatalf("outcome=%q", reply.Headers[rabbitmq.HeaderOutcome])
	}

	if string(reply.Body) != `{"from":"page","got":3}` {
		t.Fatalf("body=%s", reply.Body)
	}
}

func TestRabbitMQ_RequestFailureReply(t *testing.T) {
	fp := &fakePublisher{}
	fc := newConsumer()
	bus := rabbitmq.New("main", fp, fc)

	_, _ = bus.AddRequestHandler("f", func(context.Context, string, any) (any, error) {
		return nil, fabric.NewFailure(map[string]any{"reason": "nope"})
	})
	_, _ = bus.AddRequestHandler("g", func(context.Context, string, any) (any, error) {
		return nil, errors.New("kaput")
	})

	fc.deliver(t, rabbitmq.Delivery{RoutingKey: "req.main.f", ReplyTo: "r"})

	if got := fp.last(); got.Headers[rabbitmq.HeaderOutcome] != "failure" || string(got.Body) != `{"reason":"nope"}` {
		t.Fatalf("reply=%+v body=%s", got.Headers, got.Body)
	}

	fc.deliver(t, rabbitmq.Delivery{RoutingKey: "req.main.g", ReplyTo: "r"})

	if got := fp.last(); string(got.Body) != `{"message":"kaput"}` {
		t.Fatalf("body=%s", got.Body)
	}

	// no reply queue, no reply
	before := len(fp.calls)
	fc.deliver(t, rabbitmq.Delivery{RoutingKey: "req.main.g"})

	if len(fp.calls) != before {
		t.Fatalf("replied without reply queue")
	}
}

func TestRabbitMQ_CloseCancelsConsumers(t *testing.T) {
	fc := newConsumer()
	bus := rabbitmq.New("main", &fakePublisher{}, fc)

	_, _ = bus.AddEventListener("e", func(context.Context, string, any) {})
	_, _ = bus.AddRequestHandler("r", func(context.Context, string, any) (any, error) { return nil, nil })

	if err := bus.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	if err := bus.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}

	if len(fc.canceled) != 2 {
		t.Fatalf("canceled=%v", fc.canceled)
	}

	if _, err := bus.AddEventListener("e", func(context.Context, string, any) {}); !errors.Is(err, terr.ErrClosed) {
		t.Fatalf("want ErrClosed, got %v", err)
	}

	if err := bus.EmitEvent(testContext(t), []string{"a"}, "e", nil); !errors.Is(err, terr.ErrClosed) {
		t.Fatalf("want ErrClosed, got %v", err)
	}
}

func TestRabbitMQ_NilPublisherAndConsumer(t *testing.T) {
	bus := rabbitmq.New("main", nil, nil)

	if err := bus.EmitEvent(testContext(t), []string{"a"}, "e", nil); !errors.Is(err, terr.ErrNotConnected) {
		t.Fatalf("emit: %v", err)
	}

	if _, err := bus.AddRequestHandler("r", func(context.Context, string, any) (any, error) { return nil, nil }); !errors.Is(err, terr.ErrNotConnected) {
		t.Fatalf("add handler: %v", err)
	}
}

func TestRabbitMQ_ErrorWrapping_And_ContextCancel(t *testing.T) {
	// publisher returns generic error -> should wrap, remaining receivers still attempted
	fp := &fakePublisher{err: errors.New("boom")}
	bus := rabbitmq.New("main", fp, newConsumer())

	err := bus.EmitEvent(testContext(t), []string{"a", "b"}, "e", nil)
	if !errors.Is(err, terr.ErrPublishFailed) {
		t.Fatalf("want ErrPublishFailed, got %v", err)
	}

	if len(fp.calls) != 2 {
		t.Fatalf("want 2 attempts, got %d", len(fp.calls))
	}

	// publisher returns context.Canceled -> propagate as-is
	bus2 := rabbitmq.New("main", &fakePublisher{err: context.Canceled}, newConsumer())

	err = bus2.EmitEvent(testContext(t), []string{"a"}, "e", nil)
	if !errors.Is(err, context.Canceled) || errors.Is(err, terr.ErrPublishFailed) {
		t.Fatalf("want bare context.Canceled, got %v", err)
	}

	fc := newConsumer()
	fc.err = errors.New("channel closed")
	bus3 := rabbitmq.New("main", &fakePublisher{}, fc)

	if _, err := bus3.AddEventListener("e", func(context.Context, string, any) {}); !errors.Is(err, terr.ErrSubscribeFailed) {
		t.Fatalf("want ErrSubscribeFailed, got %v", err)
	}
}

func TestRabbitMQ_ExchangeOption(t *testing.T) {
	fp := &fakePublisher{}
	bus := rabbitmq.New("main", fp, newConsumer(), rabbitmq.WithExchange("frames"))

	_ = bus.EmitEvent(testContext(t), []string{"a"}, "e", nil)

	if fp.last().Exchange != "frames" {
		t.Fatalf("exchange=%s", fp.last().Exchange)
	}
}

func TestRabbitMQ_PageAndSubjectStayInsideTheirToken(t *testing.T) {
	fp := &fakePublisher{}
	fc := newConsumer()
	page := rabbitmq.New("main", &fakePublisher{}, fc)

	var dotted, wild int
	_, _ = page.AddEventListener("x.y", func(context.Context, string, any) { dotted++ })
	_, _ = page.AddEventListener("#", func(context.Context, string, any) { wild++ })

	if !fc.bound("evt.main.x%2Ey") || !fc.bound("evt.main.%23") {
		t.Fatalf("bound=%v", fc.keys)
	}

	other := rabbitmq.New("other", fp, newConsumer())
	if err := other.EmitEvent(testContext(t), []string{"main.x"}, "y", nil); err != nil {
		t.Fatalf("emit: %v", err)
	}

	key := fp.last().RoutingKey
	if key != "evt.main%2Ex.y" {
		t.Fatalf("key=%s", key)
	}

	if fc.bound(key) {
		t.Fatalf("event for page main.x reached page main")
	}

	if dotted != 0 || wild != 0 {
		t.Fatalf("dotted=%d wild=%d", dotted, wild)
	}
}

func TestRabbitMQ_EmptyNamesRejected(t *testing.T) {
	fp := &fakePublisher{}
	bus := rabbitmq.New("main", fp, newConsumer())

	if err := bus.EmitEvent(testContext(t), []string{"a"}, "", nil); !errors.Is(err, terr.ErrPublishFailed) {
		t.Fatalf("emit empty subject: %v", err)
	}

	err := bus.EmitEvent(testContext(t), []string{"", "b"}, "e", nil)
	if !errors.Is(err, terr.ErrPublishFailed) {
		t.Fatalf("emit empty receiver: %v", err)
	}

	if len(fp.calls) != 1 || fp.calls[0].RoutingKey != "evt.b.e" {
		t.Fatalf("other receivers must still be reached: %+v", fp.calls)
	}

	if _, err := bus.AddEventListener("", func(context.Context, string, any) {}); !errors.Is(err, terr.ErrSubscribeFailed) {
		t.Fatalf("add listener: %v", err)
	}
}
