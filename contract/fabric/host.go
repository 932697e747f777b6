package fabric

import "context"

// HostBus is the broadcast/request fabric shared by named pages.
//
// The host bus supplies the true sender of every event and request it delivers.
// It may invoke every handler registered for a subject when a request arrives.
// Implementations must be safe for concurrent use.
type HostBus interface {
	// Name is the identity of this program on the host bus.
	Name() string

	EmitEvent(ctx context.Context, receivers []string, subject string, data any) error

	AddEventListener(subject string, fn Listener) (ID, error)
	RemoveEventListener(subject string, id ID) error
	AddRequestHandler(subject string, fn Handler) (ID, error)
	RemoveRequestHandler(subject string, id ID) error
}
