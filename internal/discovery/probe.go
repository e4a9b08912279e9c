package discovery

import (
	"errors"
	"net"
	"time"

	"github.com/google/uuid"

	"ordercluster/internal/datagram"
	"ordercluster/internal/wire"
)

// IDCheckResult is the outcome of ProbeIDAvailable.
type IDCheckResult struct {
	Available bool
}

// ProbeIDAvailable broadcasts ID_CHECK for selfID on the node port and
// listens window for a matching ID_TAKEN reply. A reply means another
// live peer already holds selfID, so the caller should refuse to
// start (cafeds/node.py's _check_id_available).
func ProbeIDAvailable(bus *datagram.Bus, selfID uint64, targets []string, port int, window time.Duration) (IDCheckResult, error) {
	token := uuid.NewString()
	bus.Broadcast(wire.TypeIDCheck, wire.IDCheck{NodeID: selfID, Token: token}, targets, port)

	deadline := time.Now().Add(window)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return IDCheckResult{Available: true}, nil
		}
		if err := bus.SetReadDeadline(remaining); err != nil {
			return IDCheckResult{}, err
		}
		rcv, err := bus.Receive()
		if err != nil {
			if isTimeout(err) {
				return IDCheckResult{Available: true}, nil
			}
			if datagram.IsMalformed(err) {
				continue
			}
			return IDCheckResult{}, err
		}
		if rcv.Envelope.Type != wire.TypeIDTaken {
			continue
		}
		var body wire.IDTaken
		if err := rcv.Envelope.Unmarshal(&body); err != nil {
			continue
		}
		if body.NodeID == selfID && body.Token == token {
			return IDCheckResult{Available: false}, nil
		}
	}
}

// ExistingLeader is what ProbeExistingLeader found, if anything.
type ExistingLeader struct {
	Found  bool
	Leader wire.IAmLeader
}

// ProbeExistingLeader broadcasts WHO_IS_LEADER on discoveryPort and
// listens window for the first I_AM_LEADER reply. Used by a peer
// starting in the Leader role to detect a split-brain restart
// (cafeds/node.py's _check_existing_leader).
func ProbeExistingLeader(bus *datagram.Bus, selfID uint64, selfStreamEndpoint string, targets []string, discoveryPort int, window time.Duration) (ExistingLeader, error) {
	bus.Broadcast(wire.TypeWhoIsLeader, wire.WhoIsLeader{SenderID: selfID, SenderStreamEndpoint: selfStreamEndpoint}, targets, discoveryPort)

	deadline := time.Now().Add(window)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return ExistingLeader{Found: false}, nil
		}
		if err := bus.SetReadDeadline(remaining); err != nil {
			return ExistingLeader{}, err
		}
		rcv, err := bus.Receive()
		if err != nil {
			if isTimeout(err) {
				return ExistingLeader{Found: false}, nil
			}
			if datagram.IsMalformed(err) {
				continue
			}
			return ExistingLeader{}, err
		}
		if rcv.Envelope.Type != wire.TypeIAmLeader {
			continue
		}
		var body wire.IAmLeader
		if err := rcv.Envelope.Unmarshal(&body); err != nil {
			continue
		}
		return ExistingLeader{Found: true, Leader: body}, nil
	}
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
