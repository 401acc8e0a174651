// Package metrics provides interfaces and implementations for collecting
// admission gateway metrics: the four counters named in the concurrency
// model (accepted, rejected, connections, relay_errors).
package metrics

import "context"

// Collector defines the interface for recording gateway metrics.
type Collector interface {
	// ConnectionAccepted increments the connections counter.
	ConnectionAccepted()

	// MailAccepted increments the accepted counter by n recipients.
	MailAccepted(n int)

	// MailRejected increments the rejected counter.
	MailRejected()

	// RelayError increments the relay_errors counter.
	RelayError()
}

// Server defines the interface for a metrics HTTP server.
type Server interface {
	// Start begins serving metrics. It blocks until the context is canceled
	// or an error occurs.
	Start(ctx context.Context) error

	// Shutdown gracefully stops the metrics server.
	Shutdown(ctx context.Context) error
}
