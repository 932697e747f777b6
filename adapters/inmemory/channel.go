package inmemory

import (
	"context"
	"fmt"
	"sync"

	terr "github.com/next-trace/scg-transmitter/contract/errors"
	"github.com/next-trace/scg-transmitter/contract/fabric"
)

// Message is one emission recorded by a Channel end.
type Message struct {
	Subject string
	Data    any
}

type channelListener struct {
	id fabric.ID
	fn fabric.ChannelListener
}

type channelHandler struct {
	id fabric.ID
	fn fabric.ChannelHandler
}

// Channel is one end of an in-process point-to-point channel.
// Emit on one end synchronously dispatches to the listeners of the other end, and
// Request on one end is answered by the first handler of the other end.
// Each end records what it emitted for tests and examples.
type Channel struct {
	name string
	peer *Channel

	mu        sync.Mutex
	next      fabric.ID
	listeners map[string][]channelListener
	handlers  map[string][]channelHandler
	emitted   []Message
	closed    bool
}

// Ensure Channel implements the local endpoint contract.
var _ fabric.LocalEndpoint = (*Channel)(nil)

// NewChannelPair creates two connected channel ends sharing name.
// ext is the end used by the program, bot is the end used by the bot.
func NewChannelPair(name string) (ext, bot *Channel) {
	ext = newChannel(name)
	bot = newChannel(name)
	ext.peer, bot.peer = bot, ext

	return ext, bot
}

func newChannel(name string) *Channel {
	return &Channel{
		name:      name,
		listeners: make(map[string][]channelListener),
		handlers:  make(map[string][]channelHandler),
	}
}

func (c *Channel) Name() string { return c.name }

// Peer returns the other end of the channel.
func (c *Channel) Peer() *Channel { return c.peer }

func (c *Channel) Emit(ctx context.Context, subject string, data any) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return fmt.Errorf("inmemory emit %q: %w", subject, terr.ErrClosed)
	}

	c.emitted = append(c.emitted, Message{Subject: subject, Data: data})
	c.mu.Unlock()

	c.peer.deliver(ctx, subject, data)

	return nil
}

func (c *Channel) deliver(ctx context.Context, subject string, data any) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}

	ls := append([]channelListener(nil), c.listeners[subject]...)
	c.mu.Unlock()

	for _, l := range ls {
		l.fn(ctx, data)
	}
}

func (c *Channel) Request(ctx context.Context, subject string, data any) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()

	if closed {
		return nil, fmt.Errorf("inmemory request %q: %w", subject, terr.ErrClosed)
	}

	return c.peer.answer(ctx, subject, data)
}

func (c *Channel) answer(ctx context.Context, subject string, data any) (any, error) {
	c.mu.Lock()
	hs := c.handlers[subject]
	closed := c.closed
	c.mu.Unlock()

	if closed || len(hs) == 0 {
		return nil, fmt.Errorf("inmemory request %q: %w", subject, terr.ErrHandlerNotFound)
	}

	return hs[0].fn(ctx, data)
}

func (c *Channel) AddEventListener(subject string, fn fabric.ChannelListener) (fabric.ID, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return 0, fmt.Errorf("inmemory add listener %q: %w", subject, terr.ErrClosed)
	}

	c.next++
	c.listeners[subject] = append(c.listeners[subject], channelListener{id: c.next, fn: fn})

	return c.next, nil
}

func (c *Channel) RemoveEventListener(subject string, id fabric.ID) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	ls := c.listeners[subject]
	for i, l := range ls {
		if l.id == id {
			c.listeners[subject] = append(ls[:i:i], ls[i+1:]...)
			break
		}
	}

	return nil
}

func (c *Channel) AddRequestHandler(subject string, fn fabric.ChannelHandler) (fabric.ID, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return 0, fmt.Errorf("inmemory add handler %q: %w", subject, terr.ErrClosed)
	}

	c.next++
	c.handlers[subject] = append(c.handlers[subject], channelHandler{id: c.next, fn: fn})

	return c.next, nil
}

func (c *Channel) RemoveRequestHandler(subject string, id fabric.ID) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	hs := c.handlers[subject]
	for i, h := range hs {
		if h.id == id {
			c.handlers[subject] = append(hs[:i:i], hs[i+1:]...)
			break
		}
	}

	return nil
}

// Close drops every registration of this end. Closing twice is a no-op.
func (c *Channel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.closed = true
	c.listeners = make(map[string][]channelListener)
	c.handlers = make(map[string][]channelHandler)

	return nil
}

// Closed reports whether Close was called on this end.
func (c *Channel) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.closed
}

// Emitted returns a copy of the messages emitted from this end.
func (c *Channel) Emitted() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()

	return append([]Message(nil), c.emitted...)
}

// ListenerCount returns the number of listeners registered on this end for subject.
func (c *Channel) ListenerCount(subject string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.listeners[subject])
}

// HandlerCount returns the number of handlers registered on this end for subject.
func (c *Channel) HandlerCount(subject string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.handlers[subject])
}
