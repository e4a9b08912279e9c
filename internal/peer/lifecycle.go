package peer

import (
	"context"
	"fmt"
	"log/slog"

	"ordercluster/internal/datagram"
	"ordercluster/internal/discovery"
	"ordercluster/internal/election"
	"ordercluster/internal/metrics"
	"ordercluster/internal/netutil"
)

// Run starts the peer: it opens the node-local UDP socket, probes for
// a duplicate node id, optionally probes for an already-running
// Leader, then starts every background loop appropriate to its
// starting role. It blocks until ctx is done, then shuts everything
// down and returns.
func (p *Peer) Run(ctx context.Context) error {
	targets := netutil.DiscoveryTargets(p.cfg.Network.SingleHost)
	nodePort := p.cfg.Network.NodeUDPBase + int(p.id)

	nodeBus, err := datagram.Open(nodePort)
	if err != nil {
		return fmt.Errorf("open node udp socket: %w", err)
	}
	p.nodeBus = nodeBus

	idCheck, err := discovery.ProbeIDAvailable(p.nodeBus, p.id, targets, nodePort, p.cfg.Timing.IDCheckWindow())
	if err != nil {
		return fmt.Errorf("probe node id: %w", err)
	}
	if !idCheck.Available {
		return fmt.Errorf("node id %d is already in use on this network", p.id)
	}

	p.mu.Lock()
	startRole := p.role
	p.mu.Unlock()

	if startRole == RoleLeader {
		existing, err := discovery.ProbeExistingLeader(p.nodeBus, p.id, p.streamEndpoint(), targets, p.cfg.Network.DiscoveryPort, p.cfg.Timing.ExistingLeaderWindow())
		if err != nil {
			return fmt.Errorf("probe existing leader: %w", err)
		}
		if existing.Found {
			slog.Warn("another leader is already active, starting as follower instead",
				"existing_leader_id", existing.Leader.LeaderID)
			p.mu.Lock()
			p.role = RoleFollower
			p.leader = &election.LeaderInfo{
				LeaderID: existing.Leader.LeaderID, Epoch: existing.Leader.Epoch,
				LastSeq: existing.Leader.LastSeq, StreamEndpoint: existing.Leader.LeaderStreamEndpoint,
			}
			p.epoch = max(p.epoch, existing.Leader.Epoch)
			p.mu.Unlock()
			startRole = RoleFollower
		}
	}

	p.wg.Add(1)
	go p.nodeBusLoop()

	if startRole == RoleLeader {
		// A peer starting fresh in the Leader role (no WAL history, no
		// election) still needs epoch >= 1; epoch 0 is reserved for
		// "no leader has ever been chosen."
		startEpoch := p.epoch
		if startEpoch == 0 {
			startEpoch = 1
		}
		if err := p.becomeLeader(startEpoch); err != nil {
			return fmt.Errorf("start as leader: %w", err)
		}
	} else {
		metrics.Role.Set(0)
		roleCtx := p.beginRole()
		p.wg.Add(1)
		go p.followerDiscoveryLoop(roleCtx)
	}

	slog.Info("peer running", "id", p.id, "role", startRole)

	<-ctx.Done()
	return p.shutdown()
}

func (p *Peer) shutdown() error {
	p.roleMu.Lock()
	if p.roleCancel != nil {
		p.roleCancel()
	}
	p.roleMu.Unlock()

	close(p.stopCh)
	p.wg.Wait()

	if p.nodeBus != nil {
		p.nodeBus.Close()
	}
	p.streamMu.Lock()
	if p.discBus != nil {
		p.discBus.Close()
	}
	if p.streamServer != nil {
		p.streamServer.Close()
	}
	if p.streamClient != nil {
		p.streamClient.Close()
	}
	p.streamMu.Unlock()

	slog.Info("peer stopped", "id", p.id)
	return p.Close()
}
