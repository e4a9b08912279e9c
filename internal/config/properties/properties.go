// Package properties is the strongly-typed shape of a peer's cluster
// configuration, unmarshaled from YAML. Grounded on
// pulsardb/internal/configuration/properties's Config/app/transport/
// raft split, generalized to the fields a Bully/sequencer cluster
// actually needs (ports, timeouts, WAL location) in place of Raft's.
package properties

import "time"

// Config is the full cluster-wide configuration shared by every peer.
// Per-peer identity (node id, role, bind ports) is supplied on the
// command line, not here, since it necessarily differs per process.
type Config struct {
	App     AppProperties     `yaml:"app"`
	Network NetworkProperties `yaml:"network"`
	Timing  TimingProperties  `yaml:"timing"`
	WAL     WALProperties     `yaml:"wal"`
	Metrics MetricsProperties `yaml:"metrics"`
}

type AppProperties struct {
	Profile  string `yaml:"profile"`
	LogLevel string `yaml:"log-level"`
}

// NetworkProperties mirrors cafeds/config.py's networking constants.
type NetworkProperties struct {
	DiscoveryPort int  `yaml:"discovery-port"`
	NodeUDPBase   int  `yaml:"node-udp-base"`
	SingleHost    bool `yaml:"single-host"`
}

// TimingProperties mirrors cafeds/config.py's timing constants. Every
// *Ms field is in milliseconds in YAML (HeartbeatRedundancy is a plain
// count of copies per interval), the same convention
// pulsardb/internal/configuration uses for its tick/batch intervals;
// the *Duration methods below do the conversion.
type TimingProperties struct {
	DiscoveryIntervalMs     int64 `yaml:"discovery-interval-ms"`
	HeartbeatIntervalMs     int64 `yaml:"heartbeat-interval-ms"`
	HeartbeatRedundancy     int   `yaml:"heartbeat-redundancy"`
	LeaderTimeoutMs         int64 `yaml:"leader-timeout-ms"`
	ElectionAnswerTimeoutMs int64 `yaml:"election-answer-timeout-ms"`
	CoordinatorTimeoutMs    int64 `yaml:"coordinator-timeout-ms"`
	PeerExpiryMs            int64 `yaml:"peer-expiry-ms"`
	ResendThrottleMs        int64 `yaml:"resend-throttle-ms"`
	IDCheckWindowMs         int64 `yaml:"id-check-window-ms"`
	ExistingLeaderWindowMs  int64 `yaml:"existing-leader-window-ms"`
	StreamDialTimeoutMs     int64 `yaml:"stream-dial-timeout-ms"`
}

func (t TimingProperties) DiscoveryInterval() time.Duration {
	return time.Duration(t.DiscoveryIntervalMs) * time.Millisecond
}
func (t TimingProperties) HeartbeatInterval() time.Duration {
	return time.Duration(t.HeartbeatIntervalMs) * time.Millisecond
}
func (t TimingProperties) LeaderTimeout() time.Duration {
	return time.Duration(t.LeaderTimeoutMs) * time.Millisecond
}
func (t TimingProperties) ElectionAnswerTimeout() time.Duration {
	return time.Duration(t.ElectionAnswerTimeoutMs) * time.Millisecond
}
func (t TimingProperties) CoordinatorTimeout() time.Duration {
	return time.Duration(t.CoordinatorTimeoutMs) * time.Millisecond
}
func (t TimingProperties) PeerExpiry() time.Duration {
	return time.Duration(t.PeerExpiryMs) * time.Millisecond
}
func (t TimingProperties) ResendThrottle() time.Duration {
	return time.Duration(t.ResendThrottleMs) * time.Millisecond
}
func (t TimingProperties) IDCheckWindow() time.Duration {
	return time.Duration(t.IDCheckWindowMs) * time.Millisecond
}
func (t TimingProperties) ExistingLeaderWindow() time.Duration {
	return time.Duration(t.ExistingLeaderWindowMs) * time.Millisecond
}
func (t TimingProperties) StreamDialTimeout() time.Duration {
	return time.Duration(t.StreamDialTimeoutMs) * time.Millisecond
}

type WALProperties struct {
	Enabled bool   `yaml:"enabled"`
	Dir     string `yaml:"dir"`
}

type MetricsProperties struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}
