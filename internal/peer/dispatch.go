package peer

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"time"

	"ordercluster/internal/datagram"
	"ordercluster/internal/election"
	"ordercluster/internal/wire"
)

const busPollInterval = 250 * time.Millisecond

// nodeBusLoop handles every datagram addressed to this peer's fixed
// node port: ELECTION/ANSWER/COORDINATOR, I_AM_LEADER/LEADER_ALIVE,
// and ID_CHECK. Grounded on cafeds/node.py's _udp_node_listener.
func (p *Peer) nodeBusLoop() {
	defer p.wg.Done()
	for {
		select {
		case <-p.stopCh:
			return
		default:
		}
		if err := p.nodeBus.SetReadDeadline(busPollInterval); err != nil {
			return
		}
		rcv, err := p.nodeBus.Receive()
		if err != nil {
			if datagram.IsMalformed(err) {
				continue
			}
			continue
		}
		p.handleNodeMessage(rcv)
	}
}

// discBusLoop is only run while this peer holds the discovery port,
// i.e. while it is Leader: it answers WHO_IS_LEADER queries. It exits
// once ctx (this leadership term's role context) is cancelled, or once
// the discovery socket itself is closed out from under it on
// demotion. Grounded on cafeds/node.py's _udp_disc_listener.
func (p *Peer) discBusLoop(ctx context.Context, bus *datagram.Bus) {
	defer p.wg.Done()
	for {
		select {
		case <-p.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}
		if err := bus.SetReadDeadline(busPollInterval); err != nil {
			return
		}
		rcv, err := bus.Receive()
		if err != nil {
			if datagram.IsMalformed(err) {
				continue
			}
			if isTimeoutErr(err) {
				continue
			}
			return
		}
		if rcv.Envelope.Type != wire.TypeWhoIsLeader {
			continue
		}
		var body wire.WhoIsLeader
		if err := rcv.Envelope.Unmarshal(&body); err != nil {
			continue
		}
		p.registry.Register(body.SenderID, rcv.SourceIP, portFromEndpoint(body.SenderStreamEndpoint))

		p.mu.RLock()
		reply := wire.IAmLeader{
			LeaderID: p.id, LeaderIP: rcv.SourceIP,
			LeaderStreamEndpoint: p.streamEndpoint(), Epoch: p.epoch, LastSeq: p.seq.LastSeq(),
		}
		p.mu.RUnlock()
		_ = bus.Send(wire.TypeIAmLeader, reply, rcv.SourceIP, rcv.SourcePort)
	}
}

func isTimeoutErr(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func (p *Peer) handleNodeMessage(rcv datagram.Received) {
	p.registerSenderFromEnvelope(rcv)

	switch rcv.Envelope.Type {
	case wire.TypeIAmLeader:
		p.handleIAmLeader(rcv)
	case wire.TypeLeaderAlive:
		p.handleLeaderAlive(rcv)
	case wire.TypeElection:
		p.handleElectionMsg(rcv)
	case wire.TypeAnswer:
		p.elector.NoteAnswer()
	case wire.TypeCoordinator:
		p.handleCoordinator(rcv)
	case wire.TypeIDCheck:
		p.handleIDCheck(rcv)
	}
}

// registerSenderFromEnvelope learns a peer's id from any message that
// carries one, the same "register from any traffic" behavior
// node.py's _udp_node_listener applies before type-specific handling.
func (p *Peer) registerSenderFromEnvelope(rcv datagram.Received) {
	switch rcv.Envelope.Type {
	case wire.TypeElection:
		var b wire.Election
		if rcv.Envelope.Unmarshal(&b) == nil {
			p.registry.Register(b.CandidateID, rcv.SourceIP, 0)
		}
	case wire.TypeAnswer:
		var b wire.Answer
		if rcv.Envelope.Unmarshal(&b) == nil {
			p.registry.Register(b.ResponderID, rcv.SourceIP, 0)
		}
	case wire.TypeCoordinator:
		var b wire.Coordinator
		if rcv.Envelope.Unmarshal(&b) == nil {
			p.registry.Register(b.LeaderID, rcv.SourceIP, portFromEndpoint(b.LeaderStreamEndpoint))
		}
	case wire.TypeIAmLeader:
		var b wire.IAmLeader
		if rcv.Envelope.Unmarshal(&b) == nil {
			p.registry.Register(b.LeaderID, rcv.SourceIP, portFromEndpoint(b.LeaderStreamEndpoint))
		}
	case wire.TypeLeaderAlive:
		var b wire.LeaderAlive
		if rcv.Envelope.Unmarshal(&b) == nil {
			p.registry.Register(b.LeaderID, rcv.SourceIP, 0)
		}
	}
}

func (p *Peer) handleIAmLeader(rcv datagram.Received) {
	if p.Role() != RoleFollower {
		return
	}
	var body wire.IAmLeader
	if err := rcv.Envelope.Unmarshal(&body); err != nil {
		return
	}
	candidate := election.LeaderInfo{
		LeaderID: body.LeaderID, LeaderIP: rcv.SourceIP,
		StreamEndpoint: body.LeaderStreamEndpoint, Epoch: body.Epoch, LastSeq: body.LastSeq,
	}

	p.mu.Lock()
	if !election.IsBetterLeader(p.leader, candidate) {
		p.mu.Unlock()
		return
	}
	changed := p.leader == nil || p.leader.LeaderID != candidate.LeaderID
	p.leader = &candidate
	p.epoch = maxU64(p.epoch, candidate.Epoch)
	p.mu.Unlock()

	p.tracker.Touch()
	if changed {
		p.streamMu.Lock()
		p.resetStreamClientLocked()
		p.streamMu.Unlock()
		slog.Info("leader discovered", "leader_id", candidate.LeaderID, "epoch", candidate.Epoch)
	}
}

func (p *Peer) handleLeaderAlive(rcv datagram.Received) {
	if p.Role() != RoleFollower {
		return
	}
	var body wire.LeaderAlive
	if err := rcv.Envelope.Unmarshal(&body); err != nil {
		return
	}

	p.mu.Lock()
	if p.leader != nil && (body.LeaderID == p.leader.LeaderID || body.Epoch > p.leader.Epoch) {
		p.leader.Epoch = maxU64(p.leader.Epoch, body.Epoch)
		p.leader.LastSeq = maxU64(p.leader.LastSeq, body.LastSeq)
		p.leader.LeaderIP = rcv.SourceIP
		p.epoch = maxU64(p.epoch, body.Epoch)
		p.tracker.Touch()
	}
	p.mu.Unlock()

	for _, g := range body.Peers {
		p.registry.Register(g.ID, g.IP, g.TCPPort)
	}
}

func (p *Peer) handleElectionMsg(rcv datagram.Received) {
	var body wire.Election
	if err := rcv.Envelope.Unmarshal(&body); err != nil {
		return
	}
	if !election.ShouldAnswerAndCounter(p.id, body.CandidateID) {
		return
	}
	p.mu.RLock()
	epoch := maxU64(p.epoch, body.Epoch)
	p.mu.RUnlock()
	_ = p.nodeBus.Send(wire.TypeAnswer, wire.Answer{ResponderID: p.id, Epoch: epoch}, rcv.SourceIP, rcv.SourcePort)
	p.startElection("received ELECTION from lower node")
}

func (p *Peer) handleCoordinator(rcv datagram.Received) {
	var body wire.Coordinator
	if err := rcv.Envelope.Unmarshal(&body); err != nil {
		return
	}
	candidate := election.LeaderInfo{
		LeaderID: body.LeaderID, LeaderIP: rcv.SourceIP,
		StreamEndpoint: body.LeaderStreamEndpoint, Epoch: body.Epoch,
	}
	p.elector.NoteCoordinator(candidate, body.Epoch)

	p.mu.Lock()
	selfEpoch, selfID := p.epoch, p.id
	isLeader := p.role == RoleLeader
	p.mu.Unlock()

	if isLeader && election.ShouldStepDown(selfEpoch, selfID, body.Epoch, body.LeaderID) {
		slog.Info("stepping down", "new_leader_id", body.LeaderID, "epoch", body.Epoch)
		p.demoteToFollower(candidate)
		return
	}

	if p.Role() == RoleFollower {
		p.mu.Lock()
		changed := p.leader == nil || p.leader.LeaderID != body.LeaderID
		p.leader = &candidate
		p.epoch = maxU64(p.epoch, body.Epoch)
		p.mu.Unlock()
		if changed {
			p.streamMu.Lock()
			p.resetStreamClientLocked()
			p.streamMu.Unlock()
		}
		p.tracker.Touch()
	}
}

func (p *Peer) handleIDCheck(rcv datagram.Received) {
	var body wire.IDCheck
	if err := rcv.Envelope.Unmarshal(&body); err != nil {
		return
	}
	if body.NodeID != p.id {
		return
	}
	_ = p.nodeBus.Send(wire.TypeIDTaken, wire.IDTaken{NodeID: p.id, Token: body.Token}, rcv.SourceIP, rcv.SourcePort)
}

func maxU64(a, b uint64) uint64 {
	if a > b {
		return a
	}
	return b
}
