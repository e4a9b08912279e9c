// Package election implements the Bully leader-election state machine
// (§5, §9). It owns phase and timer bookkeeping only; sending
// datagrams and acting on the outcome (promoting/demoting, touching
// the stream transport) stays with the caller, per §9's explicit
// {Stable, Campaigning, AwaitingCoronation, Leader} phase split.
// Grounded on cafeds/node.py's _bully_election/_promote_to_leader/
// _demote_to_follower, restated as callback-driven transitions instead
// of one long threaded method.
package election

import (
	"context"
	"time"
)

// Phase is this peer's position in the Bully protocol.
type Phase int

const (
	Stable Phase = iota
	Campaigning
	AwaitingCoronation
	Leader
)

func (p Phase) String() string {
	switch p {
	case Stable:
		return "stable"
	case Campaigning:
		return "campaigning"
	case AwaitingCoronation:
		return "awaiting_coronation"
	case Leader:
		return "leader"
	default:
		return "unknown"
	}
}

// LeaderInfo describes the peer currently believed to be Leader.
type LeaderInfo struct {
	LeaderID       uint64
	LeaderIP       string
	StreamEndpoint string
	Epoch          uint64
	LastSeq        uint64
}

// IsBetterLeader reports whether new should replace cur as the
// believed Leader. Grounded on cafeds/node.py's _is_better_leader:
// higher epoch wins; at equal epoch, higher id wins; at equal id,
// prefer a non-loopback address; otherwise prefer the larger last_seq.
func IsBetterLeader(cur *LeaderInfo, new LeaderInfo) bool {
	if cur == nil {
		return true
	}
	if new.Epoch != cur.Epoch {
		return new.Epoch > cur.Epoch
	}
	if new.LeaderID != cur.LeaderID {
		return new.LeaderID > cur.LeaderID
	}
	curLoopback := isLoopback(cur.LeaderIP)
	newLoopback := isLoopback(new.LeaderIP)
	if curLoopback && !newLoopback {
		return true
	}
	if !curLoopback && newLoopback {
		return false
	}
	return new.LastSeq > cur.LastSeq
}

func isLoopback(ip string) bool {
	return len(ip) >= 4 && ip[:4] == "127."
}

// ShouldStepDown reports whether a Leader at (selfEpoch, selfID)
// must yield to a COORDINATOR announcing (candidateEpoch, candidateID).
func ShouldStepDown(selfEpoch, selfID, candidateEpoch, candidateID uint64) bool {
	if candidateID == selfID {
		return false
	}
	if candidateEpoch > selfEpoch {
		return true
	}
	return candidateEpoch == selfEpoch && candidateID > selfID
}

// ShouldAnswerAndCounter reports whether a peer receiving an ELECTION
// from candidateID must both ANSWER it and start its own campaign —
// true whenever the receiver outranks the candidate.
func ShouldAnswerAndCounter(selfID, candidateID uint64) bool {
	return selfID > candidateID
}

// Outcome is the result of one Campaign round.
type Outcome int

const (
	// BecameLeader: no higher peer answered within the timeout.
	BecameLeader Outcome = iota
	// Adopted: a COORDINATOR arrived naming another peer as Leader.
	Adopted
	// Retry: an ANSWER arrived but no COORDINATOR followed in time;
	// the caller should retry the whole election after a backoff.
	Retry
)

// Result is what Campaign reports once a round finishes.
type Result struct {
	Outcome Outcome
	Epoch   uint64
	Leader  LeaderInfo // valid only when Outcome == Adopted
}

// Machine tracks the phase and the two timeout signals (ANSWER,
// COORDINATOR) for one election round. It does not self-schedule
// retries; the caller decides whether/when to Campaign again.
type Machine struct {
	selfID             uint64
	answerTimeout      time.Duration
	coordinatorTimeout time.Duration

	answerCh chan struct{}
	coordCh  chan Result

	phase Phase
}

// NewMachine builds an election state machine for selfID.
func NewMachine(selfID uint64, answerTimeout, coordinatorTimeout time.Duration) *Machine {
	return &Machine{
		selfID:             selfID,
		answerTimeout:      answerTimeout,
		coordinatorTimeout: coordinatorTimeout,
		phase:              Stable,
	}
}

// Phase returns the machine's current phase.
func (m *Machine) Phase() Phase { return m.phase }

// Campaign runs one election round to completion (blocking) and
// returns its outcome. It is meant to be called from its own
// goroutine. sendElection is invoked once per peer id in higherPeers
// with the proposed epoch (currentEpoch+1); it should have already
// happened for zero peers to still report BecameLeader immediately
// (no higher peer known means this node is the highest).
//
// NoteAnswer and NoteCoordinator feed this same round via the
// channels Campaign creates; calling them before Campaign starts, or
// after it returns, is a silent no-op.
func (m *Machine) Campaign(ctx context.Context, currentEpoch uint64, higherPeers []uint64, sendElection func(peerID, epoch uint64)) Result {
	proposedEpoch := currentEpoch + 1

	m.phase = Campaigning
	m.answerCh = make(chan struct{}, 1)
	m.coordCh = make(chan Result, 1)
	defer func() {
		m.answerCh = nil
		m.coordCh = nil
	}()

	for _, pid := range higherPeers {
		sendElection(pid, proposedEpoch)
	}

	if len(higherPeers) == 0 {
		m.phase = Leader
		return Result{Outcome: BecameLeader, Epoch: proposedEpoch}
	}

	select {
	case <-ctx.Done():
		m.phase = Stable
		return Result{Outcome: Retry, Epoch: currentEpoch}
	case <-time.After(m.answerTimeout):
		m.phase = Leader
		return Result{Outcome: BecameLeader, Epoch: proposedEpoch}
	case <-m.answerCh:
	}

	m.phase = AwaitingCoronation
	select {
	case <-ctx.Done():
		m.phase = Stable
		return Result{Outcome: Retry, Epoch: currentEpoch}
	case <-time.After(m.coordinatorTimeout):
		m.phase = Stable
		return Result{Outcome: Retry, Epoch: currentEpoch}
	case res := <-m.coordCh:
		return res
	}
}

// NoteAnswer records an ANSWER for the in-flight Campaign round.
func (m *Machine) NoteAnswer() {
	ch := m.answerCh
	if ch == nil {
		return
	}
	select {
	case ch <- struct{}{}:
	default:
	}
}

// NoteCoordinator records a COORDINATOR for the in-flight Campaign
// round, naming leader as the announced Leader at epoch.
func (m *Machine) NoteCoordinator(leader LeaderInfo, epoch uint64) {
	ch := m.coordCh
	if ch == nil {
		return
	}
	res := Result{Outcome: Adopted, Epoch: epoch, Leader: leader}
	select {
	case ch <- res:
	default:
	}
}

// MarkLeader forces the phase to Leader outside of a Campaign round —
// used when this peer promotes itself without contest (first peer up,
// or on resuming leadership after a failed handoff).
func (m *Machine) MarkLeader() { m.phase = Leader }

// MarkStable forces the phase back to Stable, e.g. after demotion.
func (m *Machine) MarkStable() { m.phase = Stable }
