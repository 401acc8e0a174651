package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusCollector implements the Collector interface using the four
// counters the admission controller is required to track.
type PrometheusCollector struct {
	connectionsTotal prometheus.Counter
	acceptedTotal    prometheus.Counter
	rejectedTotal    prometheus.Counter
	relayErrorsTotal prometheus.Counter
}

// NewPrometheusCollector creates a new PrometheusCollector with all metrics
// registered against reg.
func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	c := &PrometheusCollector{
		connectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "burngate_connections_total",
			Help: "Total number of SMTP connections admitted past the per-IP limiter.",
		}),
		acceptedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "burngate_accepted_total",
			Help: "Total number of recipients accepted by a completed relay.",
		}),
		rejectedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "burngate_rejected_total",
			Help: "Total number of recipients rejected during RCPT handling.",
		}),
		relayErrorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "burngate_relay_errors_total",
			Help: "Total number of transactions that failed during backend relay.",
		}),
	}

	reg.MustRegister(
		c.connectionsTotal,
		c.acceptedTotal,
		c.rejectedTotal,
		c.relayErrorsTotal,
	)

	return c
}

// ConnectionAccepted increments the connections counter.
func (c *PrometheusCollector) ConnectionAccepted() {
	c.connectionsTotal.Inc()
}

// MailAccepted increments the accepted counter by count.
func (c *PrometheusCollector) MailAccepted(count int) {
	c.acceptedTotal.Add(float64(count))
}

// MailRejected increments the rejected counter.
func (c *PrometheusCollector) MailRejected() {
	c.rejectedTotal.Inc()
}

// RelayError increments the relay_errors counter.
func (c *PrometheusCollector) RelayError() {
	c.relayErrorsTotal.Inc()
}
