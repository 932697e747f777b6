package inmemory

import (
	"context"
	"fmt"
	"sync"

	terr "github.com/next-trace/scg-transmitter/contract/errors"
	"github.com/next-trace/scg-transmitter/contract/fabric"
)

// Emission is one EmitEvent call recorded by a Page.
type Emission struct {
	Receivers []string
	Subject   string
	Data      any
}

// Hub is an in-process host bus connecting named pages.
type Hub struct {
	mu    sync.Mutex
	pages map[string]*Page
}

// NewHub creates an empty hub.
func NewHub() *Hub { return &Hub{pages: make(map[string]*Page)} }

// Page returns the page called name, creating it on first use.
func (h *Hub) Page(name string) *Page {
	h.mu.Lock()
	defer h.mu.Unlock()

	if p, ok := h.pages[name]; ok {
		return p
	}

	p := &Page{
		hub:       h,
		name:      name,
		listeners: make(map[string][]pageListener),
		handlers:  make(map[string][]pageHandler),
	}
	h.pages[name] = p

	return p
}

func (h *Hub) lookup(name string) (*Page, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	p, ok := h.pages[name]

	return p, ok
}

type pageListener struct {
	id fabric.ID
	fn fabric.Listener
}

type pageHandler struct {
	id fabric.ID
	fn fabric.Handler
}

// Page is one participant of a Hub. It implements the host bus contract.
type Page struct {
	hub  *Hub
	name string

	mu        sync.Mutex
	next      fabric.ID
	listeners map[string][]pageListener
	handlers  map[string][]pageHandler
	emitted   []Emission
}

// Ensure Page implements the host bus contract.
var _ fabric.HostBus = (*Page)(nil)

func (p *Page) Name() string { return p.name }

// EmitEvent delivers the event synchronously to every receiver page known to the hub,
// with this page as sender. Unknown receivers are skipped.
func (p *Page) EmitEvent(ctx context.Context, receivers []string, subject string, data any) error {
	p.mu.Lock()
	p.emitted = append(p.emitted, Emission{
		Receivers: append([]string(nil), receivers...),
		Subject:   subject,
		Data:      data,
	})
	p.mu.Unlock()

	for _, name := range receivers {
		if target, ok := p.hub.lookup(name); ok {
			target.deliver(ctx, p.name, subject, data)
		}
	}

	return nil
}

func (p *Page) deliver(ctx context.Context, sender, subject string, data any) {
	p.mu.Lock()
	ls := append([]pageListener(nil), p.listeners[subject]...)
	p.mu.Unlock()

	for _, l := range ls {
		l.fn(ctx, sender, data)
	}
}

// SendRequest asks receiver with this page as sender. Every handler the receiver has for
// subject is invoked; the first one returning a result or an error decides the answer.
func (p *Page) SendRequest(ctx context.Context, receiver, subject string, data any) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	target, ok := p.hub.lookup(receiver)
	if !ok {
		return nil, fmt.Errorf("inmemory request %q to %q: %w", subject, receiver, terr.ErrHandlerNotFound)
	}

	return target.answer(ctx, p.name, subject, data)
}

func (p *Page) answer(ctx context.Context, sender, subject string, data any) (any, error) {
	p.mu.Lock()
	hs := append([]pageHandler(nil), p.handlers[subject]...)
	p.mu.Unlock()

	if len(hs) == 0 {
		return nil, fmt.Errorf("inmemory request %q to %q: %w", subject, p.name, terr.ErrHandlerNotFound)
	}

	var (
		res     any
		err     error
		decided bool
	)

	for _, h := range hs {
		r, e := h.fn(ctx, sender, data)
		if !decided && (r != nil || e != nil) {
			res, err, decided = r, e, true
		}
	}

	return res, err
}

func (p *Page) AddEventListener(subject string, fn fabric.Listener) (fabric.ID, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.next++
	p.listeners[subject] = append(p.listeners[subject], pageListener{id: p.next, fn: fn})

	return p.next, nil
}

func (p *Page) RemoveEventListener(subject string, id fabric.ID) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	ls := p.listeners[subject]
	for i, l := range ls {
		if l.id == id {
			p.listeners[subject] = append(ls[:i:i], ls[i+1:]...)
			break
		}
	}

	return nil
}

func (p *Page) AddRequestHandler(subject string, fn fabric.Handler) (fabric.ID, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.next++
	p.handlers[subject] = append(p.handlers[subject], pageHandler{id: p.next, fn: fn})

	return p.next, nil
}

func (p *Page) RemoveRequestHandler(subject string, id fabric.ID) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	hs := p.handlers[subject]
	for i, h := range hs {
		if h.id == id {
			p.handlers[subject] = append(hs[:i:i], hs[i+1:]...)
			break
		}
	}

	return nil
}

// Emitted returns a copy of the emissions made by this page.
func (p *Page) Emitted() []Emission {
	p.mu.Lock()
	defer p.mu.Unlock()

	return append([]Emission(nil), p.emitted...)
}

// ListenerCount returns the number of listeners registered on this page for subject.
func (p *Page) ListenerCount(subject string) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return len(p.listeners[subject])
}

// HandlerCount returns the number of handlers registered on this page for subject.
func (p *Page) HandlerCount(subject string) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return len(p.handlers[subject])
}
