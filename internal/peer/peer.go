// Package peer is the top-level orchestrator tying the datagram bus,
// stream transport, Bully election, sequencer, replica pipeline, and
// WAL into one running cluster member. Grounded on cafeds/node.py's
// Node class: one coarse lock guards all shared mutable state, with a
// small set of long-lived goroutines standing in for node.py's
// daemon threads.
package peer

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"ordercluster/internal/config/properties"
	"ordercluster/internal/datagram"
	"ordercluster/internal/detector"
	"ordercluster/internal/discovery"
	"ordercluster/internal/election"
	"ordercluster/internal/netutil"
	"ordercluster/internal/replica"
	"ordercluster/internal/sequencer"
	"ordercluster/internal/sink"
	"ordercluster/internal/stream"
	"ordercluster/internal/wal"
	"ordercluster/internal/wire"
)

// Role is this peer's position in the cluster.
type Role int

const (
	RoleFollower Role = iota
	RoleLeader
)

func (r Role) String() string {
	if r == RoleLeader {
		return "leader"
	}
	return "follower"
}

// Peer is one running cluster member. Exported methods are safe for
// concurrent use; Run must only be called once.
type Peer struct {
	id      uint64
	tcpPort int
	cfg     *properties.Config

	mu     sync.RWMutex
	role   Role
	epoch  uint64
	leader *election.LeaderInfo

	registry *discovery.Registry
	tracker  *detector.Tracker
	elector  *election.Machine

	nodeBus *datagram.Bus
	discBus *datagram.Bus

	streamServer *stream.Server
	streamClient *stream.Client
	streamMu     sync.Mutex

	seq      *sequencer.Sequencer
	pipeline *replica.Pipeline
	walLog   *wal.Log
	sink     sink.Sink

	electionInFlight int32
	lastResendSendAt time.Time
	pendingHistory   []wire.Order

	roleMu     sync.Mutex
	roleCancel context.CancelFunc

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// beginRole cancels whatever role-scoped goroutine context was active
// (if any) and returns a fresh one, so promotion and demotion can
// retire the previous role's long-lived loop without tearing down the
// whole Peer. Grounded on the start/stop pairing around
// cafeds/node.py's _promote_to_leader / _demote_to_follower.
func (p *Peer) beginRole() context.Context {
	p.roleMu.Lock()
	defer p.roleMu.Unlock()
	if p.roleCancel != nil {
		p.roleCancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	p.roleCancel = cancel
	return ctx
}

// Options configures a new Peer.
type Options struct {
	ID      uint64
	Role    Role
	TCPPort int
	WALDir  string
	Sink    sink.Sink
}

// New builds a Peer from cfg and opts, replaying its WAL to recover
// prior history before accepting any network traffic.
func New(cfg *properties.Config, opts Options) (*Peer, error) {
	if opts.Sink == nil {
		opts.Sink = sink.LogSink{}
	}

	var walLog *wal.Log
	var replayed []wal.Record
	if cfg.WAL.Enabled {
		var err error
		walLog, replayed, err = wal.Open(opts.WALDir, opts.ID)
		if err != nil {
			return nil, fmt.Errorf("open wal: %w", err)
		}
	}

	var startEpoch, startSeq uint64
	history := make([]wire.Order, 0, len(replayed))
	for _, r := range replayed {
		if r.Epoch > startEpoch {
			startEpoch = r.Epoch
		}
		if r.Seq > startSeq {
			startSeq = r.Seq
		}
		history = append(history, wire.Order{
			Epoch: r.Epoch, Seq: r.Seq, PayloadID: r.PayloadID,
			SubmitterID: r.SubmitterID, SubmitTimestamp: r.SubmitTimestamp, Body: r.Body,
		})
	}

	p := &Peer{
		id:       opts.ID,
		tcpPort:  opts.TCPPort,
		cfg:      cfg,
		role:     opts.Role,
		epoch:    startEpoch,
		registry: discovery.NewRegistry(opts.ID),
		tracker:  detector.NewTracker(cfg.Timing.LeaderTimeout()),
		elector:  election.NewMachine(opts.ID, cfg.Timing.ElectionAnswerTimeout(), cfg.Timing.CoordinatorTimeout()),
		walLog:   walLog,
		sink:     opts.Sink,
		stopCh:   make(chan struct{}),
	}
	p.pipeline = replica.NewPipeline(opts.Sink, walLog, cfg.Timing.ResendThrottle(), p.requestResend)
	if startSeq > 0 {
		p.pipeline.ResumeAt(startSeq + 1)
	}
	for _, o := range history {
		p.seedHistory(o)
	}

	return p, nil
}

func (p *Peer) seedHistory(o wire.Order) {
	// Handed to Sequencer.Seed only once a Sequencer exists (built
	// lazily on every promotion); stash it for that moment.
	p.pendingHistory = append(p.pendingHistory, o)
}

// ID returns this peer's node id.
func (p *Peer) ID() uint64 { return p.id }

// Role returns this peer's current role.
func (p *Peer) Role() Role {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.role
}

// Epoch returns this peer's current epoch.
func (p *Peer) Epoch() uint64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.epoch
}

// streamEndpoint is the ip:port this peer advertises as where it can
// be reached over the stream transport once it is (or becomes) Leader.
func (p *Peer) streamEndpoint() string {
	ip := netutil.PrimaryIP()
	if p.cfg.Network.SingleHost {
		ip = "127.0.0.1"
	}
	return net.JoinHostPort(ip, strconv.Itoa(p.tcpPort))
}

func portFromEndpoint(endpoint string) int {
	_, portStr, err := net.SplitHostPort(endpoint)
	if err != nil {
		return 0
	}
	port, _ := strconv.Atoi(portStr)
	return port
}

// Close releases the WAL opened by New (the sockets Run opens are
// closed by Run itself on shutdown); safe to call even if Run was
// never started.
func (p *Peer) Close() error {
	if p.walLog != nil {
		return p.walLog.Close()
	}
	return nil
}
