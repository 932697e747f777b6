package fabric

import "context"

// Bot is the reserved endpoint identifier of the local channel endpoint.
// Every other endpoint identifier names a page on the host bus.
const Bot = "@bot"

// EndpointID is either Bot or a page name.
type EndpointID = string

// ID identifies one listener or handler registration on a fabric.
// IDs are only unique within the fabric (or router) that issued them.
type ID uint64

// Listener receives an event published on a subject.
// sender is Bot for events coming from the local endpoint and the page name otherwise.
type Listener func(ctx context.Context, sender string, data any)

// Handler answers a request sent on a subject. Returning a *Failure (or any error)
// fails the request for the caller.
type Handler func(ctx context.Context, sender string, data any) (any, error)

// IsBot reports whether id is the local endpoint sentinel.
func IsBot(id EndpointID) bool { return id == Bot }
