package peer

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"ordercluster/internal/election"
	"ordercluster/internal/metrics"
	"ordercluster/internal/netutil"
	"ordercluster/internal/stream"
	"ordercluster/internal/wire"

	"github.com/google/uuid"
)

const discoveryLoopInterval = 500 * time.Millisecond

// followerDiscoveryLoop is the Follower's periodic maintenance: it
// watches for a Leader timeout, asks for a Leader if it doesn't have
// one, connects the stream client once a Leader is known, and prunes
// stale registry entries. Grounded on cafeds/node.py's
// _follower_discovery_loop.
func (p *Peer) followerDiscoveryLoop(ctx context.Context) {
	defer p.wg.Done()
	targets := netutil.DiscoveryTargets(p.cfg.Network.SingleHost)
	ticker := time.NewTicker(discoveryLoopInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		p.registry.Prune(p.cfg.Timing.PeerExpiry())

		p.mu.RLock()
		hasLeader := p.leader != nil
		p.mu.RUnlock()

		if !hasLeader {
			who := wire.WhoIsLeader{SenderID: p.id, SenderStreamEndpoint: p.streamEndpoint()}
			p.nodeBus.Broadcast(wire.TypeWhoIsLeader, who, targets, p.cfg.Network.DiscoveryPort)
		} else {
			p.streamMu.Lock()
			if p.streamClient == nil {
				p.connectToLeaderLocked()
			}
			p.streamMu.Unlock()
		}

		if p.tracker.TimedOut() {
			metrics.LeaderTimeouts.Inc()
			p.tracker.Reset()
			p.mu.Lock()
			p.leader = nil
			p.mu.Unlock()
			p.streamMu.Lock()
			p.resetStreamClientLocked()
			p.streamMu.Unlock()
			p.startElection("leader heartbeat timed out")
		}
	}
}

// connectToLeaderLocked dials the bound Leader's stream endpoint.
// Caller must hold streamMu.
func (p *Peer) connectToLeaderLocked() {
	p.mu.RLock()
	leader := p.leader
	p.mu.RUnlock()
	if leader == nil || leader.StreamEndpoint == "" {
		return
	}
	c, err := stream.Connect(leader.StreamEndpoint, p.cfg.Timing.StreamDialTimeout())
	if err != nil {
		slog.Warn("failed to connect to leader stream", "endpoint", leader.StreamEndpoint, "error", err)
		return
	}
	c.OnMessage = p.handleStreamClientMessage
	c.OnDisconnect = func() {
		p.streamMu.Lock()
		if p.streamClient == c {
			p.streamClient = nil
		}
		p.streamMu.Unlock()
	}
	p.streamClient = c
	slog.Info("connected to leader stream", "endpoint", leader.StreamEndpoint)

	// Catch up on anything missed while unbound or between leaders:
	// cafeds/node.py's _ensure_tcp_connected sends this the moment the
	// socket connects, rather than waiting for a gap to show up in an
	// ORDER that may never arrive in a quiet cluster. Sent directly on
	// c, not through requestResend, which takes streamMu itself and the
	// caller of this method already holds it.
	fromSeq := p.pipeline.ExpectedSeq()
	if err := c.Send(wire.TypeResendRequest, wire.ResendRequest{FromSeq: fromSeq}); err != nil {
		slog.Warn("failed to send initial resend request", "from_seq", fromSeq, "error", err)
	}
}

// resetStreamClientLocked drops any existing stream client connection
// so the next discovery tick reconnects to whatever Leader is now
// bound. Caller must hold streamMu.
func (p *Peer) resetStreamClientLocked() {
	if p.streamClient != nil {
		p.streamClient.Close()
		p.streamClient = nil
	}
}

// handleStreamClientMessage is the Follower's inbound stream handler:
// every ORDER record is epoch-checked before it refreshes the leader
// timeout tracker and reaches the delivery pipeline. Grounded on
// §4.8 steps 1-2 / invariant E1 and the §9 OQ1 policy-(b) decision
// (discard-and-rediscover) recorded in DESIGN.md.
func (p *Peer) handleStreamClientMessage(env wire.Envelope) {
	if env.Type != wire.TypeOrder {
		return
	}
	var o wire.Order
	if err := env.Unmarshal(&o); err != nil {
		return
	}

	p.mu.RLock()
	currentEpoch := p.epoch
	p.mu.RUnlock()

	switch {
	case o.Epoch < currentEpoch:
		// Stale record from an epoch this peer has already moved past.
		return
	case o.Epoch > currentEpoch:
		// Epoch jump with no COORDINATOR seen for it yet: abandon the
		// current binding rather than reconcile the buffer against an
		// epoch nothing has confirmed, and let followerDiscoveryLoop
		// rediscover the Leader from scratch.
		p.pipeline.Reset()
		p.mu.Lock()
		p.leader = nil
		p.mu.Unlock()
		p.streamMu.Lock()
		p.resetStreamClientLocked()
		p.streamMu.Unlock()
		return
	}

	p.tracker.Touch()
	p.pipeline.Deliver(o)
}

// requestResend sends a RESEND_REQUEST to the bound Leader over the
// stream client, the callback plumbed into the replica Pipeline.
func (p *Peer) requestResend(fromSeq uint64) {
	p.streamMu.Lock()
	c := p.streamClient
	p.streamMu.Unlock()
	if c == nil {
		return
	}
	if err := c.Send(wire.TypeResendRequest, wire.ResendRequest{FromSeq: fromSeq}); err != nil {
		slog.Warn("failed to send resend request", "from_seq", fromSeq, "error", err)
	}
}

// startElection launches one Bully campaign in its own goroutine,
// guarded against overlap by electionInFlight, and acts on the
// outcome once the round completes. Grounded on cafeds/node.py's
// _bully_election.
func (p *Peer) startElection(reason string) {
	if !atomic.CompareAndSwapInt32(&p.electionInFlight, 0, 1) {
		return
	}

	p.mu.RLock()
	currentEpoch := p.epoch
	p.mu.RUnlock()
	higher := p.registry.HigherIDs()

	metrics.ElectionsStarted.Inc()
	slog.Info("starting election", "reason", reason, "higher_peers", higher)

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer atomic.StoreInt32(&p.electionInFlight, 0)

		ctx, cancel := context.WithTimeout(context.Background(), p.cfg.Timing.CoordinatorTimeout()+p.cfg.Timing.ElectionAnswerTimeout()+discoveryLoopInterval)
		defer cancel()

		res := p.elector.Campaign(ctx, currentEpoch, higher, func(peerID, epoch uint64) {
			info, ok := p.registry.Lookup(peerID)
			if !ok {
				return
			}
			p.nodeBus.Send(wire.TypeElection, wire.Election{CandidateID: p.id, Epoch: epoch}, info.IP, p.cfg.Network.NodeUDPBase+int(peerID))
		})

		switch res.Outcome {
		case election.BecameLeader:
			if err := p.becomeLeader(res.Epoch); err != nil {
				slog.Error("failed to become leader after election", "error", err)
			}
		case election.Adopted:
			p.mu.Lock()
			wasLeader := p.role == RoleLeader
			p.mu.Unlock()
			if wasLeader {
				p.demoteToFollower(res.Leader)
			} else {
				p.mu.Lock()
				p.leader = &res.Leader
				p.epoch = maxU64(p.epoch, res.Epoch)
				p.mu.Unlock()
				p.streamMu.Lock()
				p.resetStreamClientLocked()
				p.streamMu.Unlock()
			}
			p.tracker.Touch()
		case election.Retry:
			slog.Info("election round inconclusive, will retry on next timeout")
		}
	}()
}

// Submit proposes a new application payload to the cluster. If this
// peer is Leader, it is sequenced locally; otherwise it is forwarded
// to the bound Leader as a NEW_ORDER. A fresh payload_id is minted on
// every call, so two Submit calls with the same body are two distinct
// payloads; the Sequencer drops only a NEW_ORDER whose payload_id it
// has already sequenced.
func (p *Peer) Submit(body []byte) error {
	no := wire.NewOrder{
		PayloadID:       uuid.NewString(),
		SubmitterID:     p.id,
		SubmitTimestamp: time.Now().UnixMilli(),
		Body:            body,
	}

	if p.Role() == RoleLeader {
		order, ok, err := p.seq.Submit(no)
		if err != nil {
			return fmt.Errorf("submit order: %w", err)
		}
		if ok {
			p.pipeline.Deliver(order)
		}
		return nil
	}

	p.streamMu.Lock()
	c := p.streamClient
	p.streamMu.Unlock()
	if c == nil {
		return fmt.Errorf("no connection to leader")
	}
	return c.Send(wire.TypeNewOrder, no)
}
