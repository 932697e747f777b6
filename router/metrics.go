package router

// Fabric labels reported to Metrics.
const (
	FabricBot  = "bot"
	FabricHost = "host"
)

// Outcome and kind labels reported to Metrics.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomeInvalid = "invalid"

	KindEvent   = "event"
	KindRequest = "request"
)

// Metrics receives routing counters. Implementations must be safe for concurrent use.
type Metrics interface {
	EventEmitted(fabric string)
	RequestSent(outcome string)
	Forwarded(kind string)
	ForwardFailed(kind string)
}

type nopMetrics struct{}

func (nopMetrics) EventEmitted(string)  {}
func (nopMetrics) RequestSent(string)   {}
func (nopMetrics) Forwarded(string)     {}
func (nopMetrics) ForwardFailed(string) {}
