package fabric

import "context"

// Envelope describes one event emission after it has been dispatched.
type Envelope struct {
	Sender    string   `json:"sender"`
	Receivers []string `json:"receivers"`
	Subject   string   `json:"subject"`
	Data      any      `json:"data,omitempty"`
}

// Tap observes routed events, e.g. to mirror them into an audit stream.
// Implementations must be safe for concurrent use.
type Tap interface {
	Tap(ctx context.Context, env Envelope) error
}
