// Package sequencer is the Leader-side total-order assignment path
// (§4, §5): it turns each NEW_ORDER into a durable, globally
// sequenced ORDER, broadcasts it to every connected Follower, and
// services RESEND_REQUEST by replaying from its in-memory history.
// Grounded on cafeds/node.py's on_msg handler inside _start_tcp_leader.
package sequencer

import (
	"sync"

	"ordercluster/internal/metrics"
	"ordercluster/internal/wal"
	"ordercluster/internal/wire"
)

// Broadcaster is the subset of the stream server a Sequencer needs.
type Broadcaster interface {
	Broadcast(t wire.Type, body any)
}

// Sequencer assigns sequence numbers under the current epoch and
// keeps a full in-memory history for resend service and leader
// handover. It is safe for concurrent calls.
type Sequencer struct {
	epoch uint64
	log   *wal.Log
	bus   Broadcaster

	mu        sync.Mutex
	lastSeq   uint64
	seenByID  map[string]struct{}
	history   map[uint64]wire.Order
}

// New builds a Sequencer at the given epoch, seeded from lastSeq
// (e.g. the last sequence this peer has delivered, so a newly
// promoted Leader continues numbering right after its own history).
func New(epoch, lastSeq uint64, log *wal.Log, bus Broadcaster) *Sequencer {
	return &Sequencer{
		epoch:    epoch,
		log:      log,
		bus:      bus,
		lastSeq:  lastSeq,
		seenByID: make(map[string]struct{}),
		history:  make(map[uint64]wire.Order),
	}
}

// Seed loads prior history (e.g. replayed from the WAL at startup, or
// delivered by this peer while it was a Follower before promotion) so
// resend and dedup work across a restart or handover. lastSeq advances
// to the highest seeded sequence number.
func (s *Sequencer) Seed(records []wire.Order) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, o := range records {
		s.history[o.Seq] = o
		s.seenByID[o.PayloadID] = struct{}{}
		if o.Seq > s.lastSeq {
			s.lastSeq = o.Seq
		}
	}
}

// Submit assigns the next sequence number to no, persists it to the
// WAL, broadcasts it to every connected Follower, and returns the
// resulting Order. A NEW_ORDER whose payload_id has already been
// sequenced is dropped and Submit returns ok=false.
func (s *Sequencer) Submit(no wire.NewOrder) (order wire.Order, ok bool, err error) {
	s.mu.Lock()
	if no.PayloadID != "" {
		if _, dup := s.seenByID[no.PayloadID]; dup {
			s.mu.Unlock()
			metrics.DuplicatePayloadsDropped.Inc()
			return wire.Order{}, false, nil
		}
	}

	s.lastSeq++
	seq := s.lastSeq
	order = wire.Order{
		Epoch:           s.epoch,
		Seq:             seq,
		PayloadID:       no.PayloadID,
		SubmitterID:     no.SubmitterID,
		SubmitTimestamp: no.SubmitTimestamp,
		Body:            no.Body,
	}
	s.history[seq] = order
	if no.PayloadID != "" {
		s.seenByID[no.PayloadID] = struct{}{}
	}

	if s.log != nil {
		rec := wal.Record{
			Seq:             seq,
			Epoch:           s.epoch,
			PayloadID:       order.PayloadID,
			SubmitterID:     order.SubmitterID,
			SubmitTimestamp: order.SubmitTimestamp,
			Body:            order.Body,
		}
		if err := s.log.Append(rec); err != nil {
			s.mu.Unlock()
			return wire.Order{}, false, err
		}
	}

	metrics.SequencedTotal.Inc()
	metrics.Epoch.Set(float64(s.epoch))
	s.bus.Broadcast(wire.TypeOrder, order)
	s.mu.Unlock()
	return order, true, nil
}

// Resend replays every history entry from fromSeq through the current
// high-water mark to send, the per-connection unicast callback.
func (s *Sequencer) Resend(fromSeq uint64, send func(wire.Order)) {
	s.mu.Lock()
	hi := s.lastSeq
	if fromSeq > hi {
		s.mu.Unlock()
		return
	}
	records := make([]wire.Order, 0, hi-fromSeq+1)
	for seq := fromSeq; seq <= hi; seq++ {
		if o, ok := s.history[seq]; ok {
			records = append(records, o)
		}
	}
	s.mu.Unlock()

	for _, o := range records {
		send(o)
	}
}

// LastSeq returns the highest sequence number assigned so far.
func (s *Sequencer) LastSeq() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeq
}

// Epoch returns the epoch this Sequencer assigns sequence numbers
// under.
func (s *Sequencer) Epoch() uint64 {
	return s.epoch
}
