package fabric

import "context"

// ChannelListener receives events from the peer on the other side of a local channel.
// The sender is implicit: it is always the bot.
type ChannelListener func(ctx context.Context, data any)

// ChannelHandler answers requests from the peer on the other side of a local channel.
type ChannelHandler func(ctx context.Context, data any) (any, error)

// LocalEndpoint is the point-to-point channel between this program and the bot.
//
// Emit is fire-and-forget. Request suspends until the bot answers and fails with a
// *Failure when the bot's handler fails. At most one handler answers a request.
// Implementations must be safe for concurrent use.
type LocalEndpoint interface {
	Name() string

	Emit(ctx context.Context, subject string, data any) error
	Request(ctx context.Context, subject string, data any) (any, error)

	AddEventListener(subject string, fn ChannelListener) (ID, error)
	RemoveEventListener(subject string, id ID) error
	AddRequestHandler(subject string, fn ChannelHandler) (ID, error)
	RemoveRequestHandler(subject string, id ID) error

	Close() error
}
