package config

import (
	"fmt"
	"time"

	"github.com/multiformats/go-multiaddr"
)

// Config is the immutable network configuration handed to the manager.
// Values arrive already parsed from whatever front end owns the CLI; nothing
// in here reads flags or environment on its own.
type Config struct {
	// Node configuration
	Network  string `json:"network"`
	DataDir  string `json:"data_dir"`
	LogLevel string `json:"log_level"`

	// Transport
	ListenAddr    string `json:"listen_addr"`
	DiscoveryPort int    `json:"discovery_port"`

	// Bootstrap source: "none", "default", a comma-delimited record list,
	// or a path to a file holding one record per line.
	Bootstrap string `json:"bootstrap"`

	// Fork identifier scoped into every gossip topic name.
	Fork string `json:"fork"`

	// Attestation subnets this node subscribes to (ids < 64).
	Subnets []uint8 `json:"subnets"`

	MaxPeers int `json:"max_peers"`

	Gossip  GossipConfig  `json:"gossip"`
	ReqResp ReqRespConfig `json:"reqresp"`
	Metrics MetricsConfig `json:"metrics"`
}

// GossipConfig tunes the mesh overlay. Degree bounds and the announcement
// fan-out are deployment parameters, not protocol constants.
type GossipConfig struct {
	MeshDegree int `json:"mesh_degree"`
	MeshLow    int `json:"mesh_low"`
	MeshHigh   int `json:"mesh_high"`

	// Fraction of non-mesh subscribers that receive message-id announcements.
	GossipFactor float64 `json:"gossip_factor"`

	HeartbeatInterval  time.Duration `json:"heartbeat_interval"`
	SeenTTL            time.Duration `json:"seen_ttl"`
	SeenCacheSize      int           `json:"seen_cache_size"`
	ValidationDeadline time.Duration `json:"validation_deadline"`
	MaxMessageSize     int           `json:"max_message_size"`

	// Peers whose score falls below GraylistThreshold are pruned from every
	// mesh; below DisconnectThreshold the manager drops the connection.
	GraylistThreshold   float64 `json:"graylist_threshold"`
	DisconnectThreshold float64 `json:"disconnect_threshold"`

	// Outbound publish budget.
	PublishRate  float64 `json:"publish_rate"`
	PublishBurst int     `json:"publish_burst"`
}

// ReqRespConfig bounds the request/response domain.
type ReqRespConfig struct {
	MaxChunkBytes    int           `json:"max_chunk_bytes"`
	MaxResponseBytes int           `json:"max_response_bytes"`
	MaxRequestBlocks uint64        `json:"max_request_blocks"`
	StreamTimeout    time.Duration `json:"stream_timeout"`
}

type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr"`
}

// DiscoveryConfig derives the discovery tunables from the top-level config.
type DiscoveryConfig struct {
	Port         int
	QueryTimeout time.Duration
	Parallelism  int
	MaxHops      int
	BucketSize   int
	RecordTTL    time.Duration
	BookSize     int
}

// Default returns the devnet configuration.
func Default() *Config {
	return &Config{
		Network:       "devnet",
		DataDir:       "./data",
		LogLevel:      "info",
		ListenAddr:    "/ip4/0.0.0.0/tcp/9000",
		DiscoveryPort: 9000,
		Bootstrap:     "default",
		Fork:          "devnet0",
		MaxPeers:      50,
		Gossip: GossipConfig{
			MeshDegree:          8,
			MeshLow:             6,
			MeshHigh:            12,
			GossipFactor:        0.25,
			HeartbeatInterval:   700 * time.Millisecond,
			SeenTTL:             2 * time.Minute,
			SeenCacheSize:       8192,
			ValidationDeadline:  500 * time.Millisecond,
			MaxMessageSize:      1 << 20,
			GraylistThreshold:   -40,
			DisconnectThreshold: -80,
			PublishRate:         100,
			PublishBurst:        200,
		},
		ReqResp: ReqRespConfig{
			MaxChunkBytes:    1 << 20,
			MaxResponseBytes: 16 << 20,
			MaxRequestBlocks: 64,
			StreamTimeout:    10 * time.Second,
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Addr:    "127.0.0.1:9090",
		},
	}
}

// Discovery returns the discovery tunables for this config.
func (c *Config) Discovery() DiscoveryConfig {
	return DiscoveryConfig{
		Port:         c.DiscoveryPort,
		QueryTimeout: 2 * time.Second,
		Parallelism:  3,
		MaxHops:      16,
		BucketSize:   16,
		RecordTTL:    24 * time.Hour,
		BookSize:     4096,
	}
}

// Validate fails closed: a config that cannot produce a fully working network
// stack is rejected before anything is started.
func (c *Config) Validate() error {
	if _, err := multiaddr.NewMultiaddr(c.ListenAddr); err != nil {
		return fmt.Errorf("invalid listen address %q: %w", c.ListenAddr, err)
	}
	if c.DiscoveryPort <= 0 || c.DiscoveryPort > 65535 {
		return fmt.Errorf("invalid discovery port %d", c.DiscoveryPort)
	}
	if c.Network == "" {
		return fmt.Errorf("network name must not be empty")
	}
	if c.Fork == "" {
		return fmt.Errorf("fork identifier must not be empty")
	}
	if c.MaxPeers <= 0 {
		return fmt.Errorf("max peers must be positive, got %d", c.MaxPeers)
	}
	for _, id := range c.Subnets {
		if id >= 64 {
			return fmt.Errorf("subnet id %d out of range [0, 64)", id)
		}
	}

	g := c.Gossip
	if g.MeshLow <= 0 || g.MeshDegree < g.MeshLow || g.MeshHigh < g.MeshDegree {
		return fmt.Errorf("mesh bounds must satisfy 0 < low <= degree <= high, got %d/%d/%d",
			g.MeshLow, g.MeshDegree, g.MeshHigh)
	}
	if g.GossipFactor < 0 || g.GossipFactor > 1 {
		return fmt.Errorf("gossip factor must be in [0, 1], got %f", g.GossipFactor)
	}
	if g.HeartbeatInterval <= 0 || g.SeenTTL <= 0 || g.ValidationDeadline <= 0 {
		return fmt.Errorf("gossip intervals must be positive")
	}
	if g.SeenCacheSize <= 0 || g.MaxMessageSize <= 0 {
		return fmt.Errorf("gossip cache and message size limits must be positive")
	}
	if g.DisconnectThreshold > g.GraylistThreshold {
		return fmt.Errorf("disconnect threshold %f must not exceed graylist threshold %f",
			g.DisconnectThreshold, g.GraylistThreshold)
	}

	r := c.ReqResp
	if r.MaxChunkBytes <= 0 || r.MaxResponseBytes <= 0 || r.MaxRequestBlocks == 0 {
		return fmt.Errorf("reqresp budgets must be positive")
	}
	if r.MaxChunkBytes > r.MaxResponseBytes {
		return fmt.Errorf("per-chunk budget %d exceeds response budget %d",
			r.MaxChunkBytes, r.MaxResponseBytes)
	}
	if r.StreamTimeout <= 0 {
		return fmt.Errorf("reqresp stream timeout must be positive")
	}

	if c.Metrics.Enabled && c.Metrics.Addr == "" {
		return fmt.Errorf("metrics enabled without a listen address")
	}
	return nil
}
