package metrics

// NoopCollector is a no-op implementation of the Collector interface.
type NoopCollector struct{}

// ConnectionAccepted is a no-op.
func (n *NoopCollector) ConnectionAccepted() {}

// MailAccepted is a no-op.
func (n *NoopCollector) MailAccepted(count int) {}

// MailRejected is a no-op.
func (n *NoopCollector) MailRejected() {}

// RelayError is a no-op.
func (n *NoopCollector) RelayError() {}
