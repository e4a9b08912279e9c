// Package sink defines the boundary between the replication engine
// and whatever application consumes delivered records. A terminal UI
// or business-logic layer is explicitly out of scope (spec
// Non-goals), so this package only provides the minimal interface and
// two reference implementations. Grounded on cafeds/node.py's
// _deliver, generalized from a single hardcoded log line into a
// pluggable interface.
package sink

import (
	"log/slog"

	"ordercluster/internal/wire"
)

// Sink receives every ORDER record in delivery order, exactly once.
type Sink interface {
	Deliver(o wire.Order)
}

// LogSink delivers by writing a structured log line, the direct
// analogue of cafeds/node.py's _deliver.
type LogSink struct{}

func (LogSink) Deliver(o wire.Order) {
	slog.Info("delivered order",
		"seq", o.Seq,
		"epoch", o.Epoch,
		"payload_id", o.PayloadID,
		"submitter_id", o.SubmitterID,
	)
}

// ChannelSink delivers by forwarding onto a channel, for a consumer
// that wants to range over delivered records itself (e.g. the
// integration tests, or an embedding application).
type ChannelSink struct {
	ch chan wire.Order
}

// NewChannelSink builds a ChannelSink with the given buffer size.
func NewChannelSink(buffer int) *ChannelSink {
	return &ChannelSink{ch: make(chan wire.Order, buffer)}
}

func (c *ChannelSink) Deliver(o wire.Order) {
	c.ch <- o
}

// C returns the channel delivered records are sent to.
func (c *ChannelSink) C() <-chan wire.Order {
	return c.ch
}
