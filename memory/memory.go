package memory

import (
	"github.com/next-trace/scg-transmitter/adapters/inmemory"
	"github.com/next-trace/scg-transmitter/router"
)

// Fabric is a Router wired to in-memory fabrics, with both far ends exposed so that
// callers can play the bot and other pages.
type Fabric struct {
	Router *router.Router
	Hub    *inmemory.Hub
	Page   *inmemory.Page
	Bot    *inmemory.Channel
}

// New constructs a Router for page on a fresh hub and channel pair, and returns it
// along with a cleanup function that closes the router.
func New(page string, opts ...router.Option) (*Fabric, func(), error) {
	hub := inmemory.NewHub()
	host := hub.Page(page)
	ext, bot := inmemory.NewChannelPair(router.ChannelName(page))

	r, err := router.New(host, append(opts, router.WithChannel(ext))...)
	if err != nil {
		return nil, nil, err
	}

	cleanup := func() { _ = r.Close() }

	return &Fabric{Router: r, Hub: hub, Page: host, Bot: bot}, cleanup, nil
}
