package metrics

import (
	"net/http"

	"github.com/next-trace/scg-transmitter/router"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "transmitter"

// Prom reports router activity on a private registry.
type Prom struct {
	reg *prometheus.Registry

	Events      *prometheus.CounterVec
	Requests    *prometheus.CounterVec
	Relays      *prometheus.CounterVec
	RelayErrors *prometheus.CounterVec
}

var _ router.Metrics = (*Prom)(nil)

// NewProm registers the router counters on a fresh registry.
func NewProm() *Prom {
	reg := prometheus.NewRegistry()
	p := &Prom{
		reg: reg,
		Events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "events_emitted_total", Help: "Events handed to a fabric",
		}, []string{"fabric"}),
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "requests_total", Help: "Requests sent to the bot by outcome",
		}, []string{"outcome"}),
		Relays: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "forwarded_total", Help: "Messages relayed by forwarding rules",
		}, []string{"kind"}),
		RelayErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "forward_errors_total", Help: "Relays that failed to deliver",
		}, []string{"kind"}),
	}
	reg.MustRegister(p.Events, p.Requests, p.Relays, p.RelayErrors)

	return p
}

// Handler serves the registry in the Prometheus exposition format.
func (p *Prom) Handler() http.Handler { return promhttp.HandlerFor(p.reg, promhttp.HandlerOpts{}) }

// Registry exposes the private registry, e.g. to add process collectors.
func (p *Prom) Registry() *prometheus.Registry { return p.reg }

// EventEmitted counts an event handed to fabric.
func (p *Prom) EventEmitted(fabric string) { p.Events.WithLabelValues(fabric).Inc() }

// RequestSent counts a request to the bot by outcome.
func (p *Prom) RequestSent(outcome string) { p.Requests.WithLabelValues(outcome).Inc() }

// Forwarded counts a successful relay of kind.
func (p *Prom) Forwarded(kind string) { p.Relays.WithLabelValues(kind).Inc() }

// ForwardFailed counts a relay of kind that could not be delivered.
func (p *Prom) ForwardFailed(kind string) { p.RelayErrors.WithLabelValues(kind).Inc() }
