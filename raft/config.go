package raft

import (
	"fmt"
	"io/ioutil"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Node    NodeConfig    `yaml:"node"`
	Cluster ClusterConfig `yaml:"cluster"`
	Timing  TimingConfig  `yaml:"timing"`
}

type NodeConfig struct {
	ID      uint32 `yaml:"id"`
	Address string `yaml:"address"`
	DataDir string `yaml:"data_dir"`
}

type ClusterConfig struct {
	Peers []PeerConfig `yaml:"peers"`
}

type PeerConfig struct {
	ID      uint32 `yaml:"id"`
	Address string `yaml:"address"`
}

// TimingConfig carries the knobs spec.md §6 calls out: election timeout
// range, heartbeat interval, and apply-channel capacity, plus the outbound
// RPC timeout and the snapshot-trigger threshold used by the upper-layer
// wiring in cmd/raftnode.
type TimingConfig struct {
	ElectionTimeoutMinMS int `yaml:"election_timeout_min_ms"`
	ElectionTimeoutMaxMS int `yaml:"election_timeout_max_ms"`
	HeartbeatIntervalMS  int `yaml:"heartbeat_interval_ms"`
	RPCTimeoutMS         int `yaml:"rpc_timeout_ms"`
	ApplyChanCapacity    int `yaml:"apply_chan_capacity"`
	SnapshotThreshold    int `yaml:"snapshot_threshold"`
}

const (
	defaultElectionTimeoutMinMS = 300
	defaultElectionTimeoutMaxMS = 500
	defaultHeartbeatIntervalMS  = 100
	defaultRPCTimeoutMS         = 100
	defaultApplyChanCapacity    = 256
	defaultSnapshotThreshold    = 100
)

// withDefaults fills in zero-valued timing fields so a config file can
// omit the section entirely and still satisfy H << T_min (spec.md §4.3).
func (t TimingConfig) withDefaults() TimingConfig {
	if t.ElectionTimeoutMinMS == 0 {
		t.ElectionTimeoutMinMS = defaultElectionTimeoutMinMS
	}
	if t.ElectionTimeoutMaxMS == 0 {
		t.ElectionTimeoutMaxMS = defaultElectionTimeoutMaxMS
	}
	if t.HeartbeatIntervalMS == 0 {
		t.HeartbeatIntervalMS = defaultHeartbeatIntervalMS
	}
	if t.RPCTimeoutMS == 0 {
		t.RPCTimeoutMS = defaultRPCTimeoutMS
	}
	if t.ApplyChanCapacity == 0 {
		t.ApplyChanCapacity = defaultApplyChanCapacity
	}
	if t.SnapshotThreshold == 0 {
		t.SnapshotThreshold = defaultSnapshotThreshold
	}
	return t
}

func (t TimingConfig) electionTimeoutMin() time.Duration {
	return time.Duration(t.ElectionTimeoutMinMS) * time.Millisecond
}

func (t TimingConfig) electionTimeoutMax() time.Duration {
	return time.Duration(t.ElectionTimeoutMaxMS) * time.Millisecond
}

func (t TimingConfig) heartbeatInterval() time.Duration {
	return time.Duration(t.HeartbeatIntervalMS) * time.Millisecond
}

func (t TimingConfig) rpcTimeout() time.Duration {
	return time.Duration(t.RPCTimeoutMS) * time.Millisecond
}

// RPCTimeout exposes rpcTimeout to callers outside the package (cmd/raftnode
// wiring up the outbound HTTP client).
func (t TimingConfig) RPCTimeout() time.Duration {
	return t.rpcTimeout()
}

func LoadConfig(path string) (*Config, error) {
	data, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.Timing = config.Timing.withDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

func (c *Config) Validate() error {
	if c.Node.ID == 0 {
		return fmt.Errorf("node.id must be greater than 0")
	}

	if c.Node.Address == "" {
		return fmt.Errorf("node.address is required")
	}

	if c.Node.DataDir == "" {
		return fmt.Errorf("node.data_dir is required")
	}

	if len(c.Cluster.Peers) == 0 {
		return fmt.Errorf("cluster.peers must contain at least one peer")
	}

	found := false
	for _, peer := range c.Cluster.Peers {
		// 0 is the reserved "no one" ID throughout raft.Node — votedFor
		// uses it to mean "haven't voted this term" (see election.go's
		// HandleRequestVote), so a real peer claiming it would be
		// indistinguishable from an empty vote and must be rejected here,
		// before it ever reaches NewNode.
		if peer.ID == 0 {
			return fmt.Errorf("cluster.peers: peer ID 0 is reserved (raft.Node treats votedFor=0 as \"no vote\")")
		}
		if peer.ID == c.Node.ID {
			found = true
			if peer.Address != c.Node.Address {
				return fmt.Errorf("node address mismatch: node.address=%s but peer address=%s",
					c.Node.Address, peer.Address)
			}
		}
	}

	if !found {
		return fmt.Errorf("node.id=%d not found in cluster.peers", c.Node.ID)
	}

	uniqueIDs := make(map[uint32]bool)
	for _, peer := range c.Cluster.Peers {
		if uniqueIDs[peer.ID] {
			return fmt.Errorf("duplicate peer ID: %d", peer.ID)
		}
		uniqueIDs[peer.ID] = true
	}

	if c.Timing.ElectionTimeoutMinMS >= c.Timing.ElectionTimeoutMaxMS {
		return fmt.Errorf("timing.election_timeout_min_ms must be less than election_timeout_max_ms")
	}

	return nil
}

func (c *Config) GetPeers() map[uint32]string {
	var res = make(map[uint32]string, len(c.Cluster.Peers))
	for _, peer := range c.Cluster.Peers {
		res[peer.ID] = peer.Address
	}
	return res
}

func (c *Config) GetPeerIDs() []uint32 {
	ids := make([]uint32, len(c.Cluster.Peers))
	for i, peer := range c.Cluster.Peers {
		ids[i] = peer.ID
	}
	return ids
}
