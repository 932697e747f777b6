package fabric

import "context"

// HeaderPropagator abstracts injecting tracing context into message headers.
// Implementations may bridge to OpenTelemetry or any other propagation standard
// and must be safe for concurrent use.
type HeaderPropagator interface {
	Inject(ctx context.Context, headers map[string]string)
}
