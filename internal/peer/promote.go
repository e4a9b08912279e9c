package peer

import (
	"fmt"
	"log/slog"

	"ordercluster/internal/datagram"
	"ordercluster/internal/detector"
	"ordercluster/internal/election"
	"ordercluster/internal/metrics"
	"ordercluster/internal/sequencer"
	"ordercluster/internal/stream"
	"ordercluster/internal/wire"
)

// becomeLeader promotes this peer: it opens the discovery listener
// and the stream server, builds a Sequencer seeded with the history
// this peer has delivered (records still buffered out of order are
// left out), and starts the heartbeat broadcast.
// Grounded on cafeds/node.py's _promote_to_leader.
func (p *Peer) becomeLeader(epoch uint64) error {
	roleCtx := p.beginRole()

	p.streamMu.Lock()
	if p.streamClient != nil {
		p.streamClient.Close()
		p.streamClient = nil
	}
	p.streamMu.Unlock()

	discBus, err := datagram.Open(p.cfg.Network.DiscoveryPort)
	if err != nil {
		return fmt.Errorf("open discovery udp socket: %w", err)
	}
	p.streamMu.Lock()
	p.discBus = discBus
	p.streamMu.Unlock()

	srv, err := stream.Listen(p.tcpPort)
	if err != nil {
		discBus.Close()
		return fmt.Errorf("listen stream :%d: %w", p.tcpPort, err)
	}
	p.streamMu.Lock()
	p.streamServer = srv
	p.streamMu.Unlock()
	srv.OnMessage = p.handleStreamServerMessage
	srv.OnDisconnect = func(c *stream.Conn) {
		metrics.ConnectedFollowers.Set(float64(len(srv.Clients())))
	}

	p.mu.Lock()
	// next_seq continues from the last record this peer actually
	// delivered, not the highest one it ever observed: a follower
	// promoted while holding a gap must not mint an order above its
	// own undelivered buffer, or that buffered record can never be
	// delivered locally (there is no leader left to resend it to).
	lastSeq := p.pipeline.ExpectedSeq() - 1
	var seed []wire.Order
	for _, o := range p.pendingHistory {
		if o.Seq <= lastSeq {
			seed = append(seed, o)
		}
	}
	for _, o := range p.pipeline.History() {
		// Seed.lastSeq tracks the highest seeded record, so anything
		// still sitting in the out-of-order buffer must be excluded
		// here too, or it would push lastSeq right back past the gap.
		if o.Seq <= lastSeq {
			seed = append(seed, o)
		}
	}
	p.seq = sequencer.New(epoch, lastSeq, p.walLog, srv)
	p.seq.Seed(seed)
	// The Sequencer now owns WAL durability for every record it mints;
	// the pipeline must stop appending or a locally-delivered order
	// would be written twice under the same (epoch, seq).
	p.pipeline.SetWAL(nil)
	p.role = RoleLeader
	p.epoch = epoch
	p.leader = &election.LeaderInfo{LeaderID: p.id, LeaderIP: "", StreamEndpoint: p.streamEndpoint(), Epoch: epoch, LastSeq: lastSeq}
	p.mu.Unlock()

	p.elector.MarkLeader()
	metrics.Role.Set(1)
	metrics.Epoch.Set(float64(epoch))
	p.tracker.Reset()

	p.wg.Add(1)
	go p.discBusLoop(roleCtx, discBus)

	hb := &detector.Heartbeater{
		Interval:   p.cfg.Timing.HeartbeatInterval(),
		Redundancy: p.cfg.Timing.HeartbeatRedundancy,
		Send: func() {
			known := p.registry.Snapshot()
			gossip := make([]wire.PeerGossip, 0, len(known))
			for _, peer := range known {
				gossip = append(gossip, wire.PeerGossip{ID: peer.ID, IP: peer.IP, TCPPort: peer.TCPPort})
			}
			p.mu.RLock()
			msg := wire.LeaderAlive{LeaderID: p.id, Epoch: p.epoch, LastSeq: p.seq.LastSeq(), Peers: gossip}
			p.mu.RUnlock()
			p.sendToKnownPeers(wire.TypeLeaderAlive, msg)
		},
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		hb.Run(roleCtx)
	}()

	p.broadcastCoordinator(epoch)
	slog.Info("promoted to leader", "id", p.id, "epoch", epoch)
	return nil
}

// sendToKnownPeers unicasts a record to every peer id in the registry
// at its node-specific port (NodeUDPBase+id). There is no single port
// every peer listens on regardless of id, so the leader's own
// heartbeat/coordinator gossip reaches followers this way; a peer not
// yet in the registry instead learns of this Leader via its own
// periodic WHO_IS_LEADER probe against the discovery port.
func (p *Peer) sendToKnownPeers(t wire.Type, body any) {
	for _, known := range p.registry.Snapshot() {
		_ = p.nodeBus.Send(t, body, known.IP, p.cfg.Network.NodeUDPBase+int(known.ID))
	}
}

func (p *Peer) broadcastCoordinator(epoch uint64) {
	msg := wire.Coordinator{LeaderID: p.id, Epoch: epoch, LeaderStreamEndpoint: p.streamEndpoint()}
	p.sendToKnownPeers(wire.TypeCoordinator, msg)
	metrics.ElectionsWon.Inc()
}

// demoteToFollower retires this peer's leadership: it stops the
// heartbeat and discovery listener, closes the stream server, and
// adopts leader as the newly announced Leader. Grounded on
// cafeds/node.py's _demote_to_follower.
func (p *Peer) demoteToFollower(leader election.LeaderInfo) {
	roleCtx := p.beginRole()

	p.mu.Lock()
	p.role = RoleFollower
	p.leader = &leader
	p.epoch = maxU64(p.epoch, leader.Epoch)
	p.mu.Unlock()

	p.elector.MarkStable()
	metrics.Role.Set(0)
	p.tracker.Touch()
	// Back on the receiving end of ORDER broadcasts: resume appending
	// every delivered record to this peer's own WAL.
	p.pipeline.SetWAL(p.walLog)

	p.streamMu.Lock()
	if p.streamServer != nil {
		p.streamServer.Close()
		p.streamServer = nil
	}
	if p.discBus != nil {
		p.discBus.Close()
		p.discBus = nil
	}
	p.resetStreamClientLocked()
	p.streamMu.Unlock()

	p.wg.Add(1)
	go p.followerDiscoveryLoop(roleCtx)
}

// handleStreamServerMessage is the Leader's inbound stream handler:
// NEW_ORDER is sequenced and broadcast, RESEND_REQUEST is serviced
// from the Sequencer's history. Grounded on cafeds/node.py's on_msg
// handler inside _start_tcp_leader.
func (p *Peer) handleStreamServerMessage(conn *stream.Conn, env wire.Envelope) {
	switch env.Type {
	case wire.TypeNewOrder:
		var body wire.NewOrder
		if err := env.Unmarshal(&body); err != nil {
			return
		}
		order, ok, err := p.seq.Submit(body)
		if err != nil {
			slog.Error("failed to sequence order", "error", err)
			return
		}
		if ok {
			p.pipeline.Deliver(order)
		}
	case wire.TypeResendRequest:
		var body wire.ResendRequest
		if err := env.Unmarshal(&body); err != nil {
			return
		}
		p.seq.Resend(body.FromSeq, func(o wire.Order) {
			_ = conn.Send(wire.TypeOrder, o)
		})
	}
}
