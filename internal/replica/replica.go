// Package replica is the Follower-side delivery pipeline (§4, §5): it
// tracks the next expected sequence number, buffers out-of-order
// ORDER records, detects gaps and throttles RESEND_REQUEST, appends
// each in-order record to the WAL, and forwards it to an application
// sink. Grounded on cafeds/node.py's _process_order/_deliver, which
// appends to the WAL on every delivery, not just on the Leader's own
// submit path.
package replica

import (
	"log/slog"
	"sync"
	"time"

	"ordercluster/internal/metrics"
	"ordercluster/internal/sink"
	"ordercluster/internal/wal"
	"ordercluster/internal/wire"
)

// Pipeline owns one peer's delivery state. Every method takes the
// Pipeline's own mutex, so it is safe to call Deliver from several
// goroutines (the stream client's read loop, the Leader's stream
// handlers and its local Submit path).
type Pipeline struct {
	sink sink.Sink
	log  *wal.Log

	resendThrottle time.Duration
	sendResend     func(fromSeq uint64)

	mu           sync.Mutex
	expectedSeq  uint64
	delivered    map[uint64]struct{}
	buffer       map[uint64]wire.Order
	history      map[uint64]wire.Order
	lastResendAt time.Time
}

// NewPipeline builds a Pipeline expecting seq 1 first. sendResend is
// called (at most once per resendThrottle) whenever a gap is observed;
// it is expected to send a RESEND_REQUEST to the bound Leader. log may
// be nil (WAL disabled); when non-nil, every in-order delivery is
// durably appended before it reaches sink.
func NewPipeline(s sink.Sink, log *wal.Log, resendThrottle time.Duration, sendResend func(fromSeq uint64)) *Pipeline {
	return &Pipeline{
		sink:           s,
		log:            log,
		resendThrottle: resendThrottle,
		sendResend:     sendResend,
		expectedSeq:    1,
		delivered:      make(map[uint64]struct{}),
		buffer:         make(map[uint64]wire.Order),
		history:        make(map[uint64]wire.Order),
	}
}

// SetWAL swaps the WAL this pipeline appends to, passing nil to
// disable appends entirely. A peer disables it while it holds the
// Leader role — the Sequencer already durably appends there before
// broadcasting, and appending the same (epoch, seq) record twice
// would violate the WAL's own monotonic-seq replay invariant — and
// re-enables it on demotion back to Follower.
func (p *Pipeline) SetWAL(log *wal.Log) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.log = log
}

// Reset drops any buffered out-of-order records without disturbing
// delivery progress (expectedSeq, delivered, history are untouched).
// Used when a peer abandons its current Leader binding — e.g. on an
// epoch jump observed with no preceding COORDINATOR — and must
// rediscover before trusting further ORDER records against it.
func (p *Pipeline) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.buffer = make(map[uint64]wire.Order)
	metrics.OutOfOrderBufferSize.Set(0)
}

// ExpectedSeq returns the next sequence number this pipeline expects.
func (p *Pipeline) ExpectedSeq() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.expectedSeq
}

// ResumeAt forces the expected sequence upward, marking every skipped
// sequence number as delivered. Used at startup so a peer continues
// right after the highest sequence number replayed from its WAL.
func (p *Pipeline) ResumeAt(seq uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if seq > p.expectedSeq {
		for s := p.expectedSeq; s < seq; s++ {
			p.delivered[s] = struct{}{}
		}
		p.expectedSeq = seq
	}
}

// Deliver processes one ORDER record: duplicate/stale records are
// dropped, in-order records are delivered immediately and flush any
// now-contiguous buffered records, and records ahead of expectedSeq
// are buffered while a throttled RESEND_REQUEST is raised.
func (p *Pipeline) Deliver(o wire.Order) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.history[o.Seq] = o

	if _, dup := p.delivered[o.Seq]; dup || o.Seq < p.expectedSeq {
		p.delivered[o.Seq] = struct{}{}
		return
	}

	if o.Seq > p.expectedSeq {
		p.buffer[o.Seq] = o
		metrics.OutOfOrderBufferSize.Set(float64(len(p.buffer)))
		p.maybeRequestResend()
		return
	}

	p.deliverLocked(o)
	for {
		next, ok := p.buffer[p.expectedSeq]
		if !ok {
			break
		}
		delete(p.buffer, p.expectedSeq)
		metrics.OutOfOrderBufferSize.Set(float64(len(p.buffer)))
		if _, dup := p.delivered[next.Seq]; dup {
			p.expectedSeq++
			continue
		}
		p.deliverLocked(next)
	}
}

func (p *Pipeline) deliverLocked(o wire.Order) {
	if p.log != nil {
		rec := wal.Record{
			Epoch: o.Epoch, Seq: o.Seq, PayloadID: o.PayloadID,
			SubmitterID: o.SubmitterID, SubmitTimestamp: o.SubmitTimestamp, Body: o.Body,
		}
		if err := p.log.Append(rec); err != nil {
			slog.Error("failed to append delivered order to wal", "seq", o.Seq, "error", err)
		}
	}
	p.sink.Deliver(o)
	p.delivered[o.Seq] = struct{}{}
	p.expectedSeq = o.Seq + 1
	metrics.DeliveredTotal.Inc()
	metrics.ExpectedSeq.Set(float64(p.expectedSeq))
}

func (p *Pipeline) maybeRequestResend() {
	now := time.Now()
	if now.Sub(p.lastResendAt) < p.resendThrottle {
		return
	}
	p.lastResendAt = now
	fromSeq := p.expectedSeq
	metrics.ResendRequestsSent.Inc()
	go p.sendResend(fromSeq)
}

// History returns a copy of every record this pipeline has seen, keyed
// by seq (records still buffered out of order included) — used when
// this peer is promoted to Leader and must be able to service
// RESEND_REQUEST from its own followers using what it already
// observed as a Follower.
func (p *Pipeline) History() map[uint64]wire.Order {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[uint64]wire.Order, len(p.history))
	for k, v := range p.history {
		out[k] = v
	}
	return out
}
