package metrics

import "time"

// Sink records delivery pipeline metrics. All methods are
// fire-and-forget: implementations must not block or propagate errors.
type Sink interface {
	// Poller metrics
	PollStarted()
	PollCompleted(duration time.Duration, dueCount int, err error)

	// Delivery metrics
	DeliveryStarted()
	DeliveryCompleted(outcome string, duration time.Duration)

	// Cleanup metrics
	CleanupCompleted(filesRemoved int, recordsDeleted int64)
}

// Outcome constants for DeliveryCompleted.
const (
	OutcomeSent    = "sent"
	OutcomeFailed  = "failed"
	OutcomeSkipped = "skipped"
)

// NoopSink is used when metrics are disabled, avoiding nil checks.
type NoopSink struct{}

func NewNoopSink() *NoopSink {
	return &NoopSink{}
}

func (n *NoopSink) PollStarted()                                                  {}
func (n *NoopSink) PollCompleted(duration time.Duration, dueCount int, err error) {}
func (n *NoopSink) DeliveryStarted()                                              {}
func (n *NoopSink) DeliveryCompleted(outcome string, duration time.Duration)      {}
func (n *NoopSink) CleanupCompleted(filesRemoved int, recordsDeleted int64)       {}
