package common

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-yaml"
)

// --------------------------------------------------------------------------
// Consensus timing
// --------------------------------------------------------------------------

// Consensus timing is derived from the expected round trip time between two
// nodes. The factors follow the usual RAFT guidance: heartbeats every RTT,
// elections only after ten quiet RTTs.
const (
	ElectionRTTFactor  = 10
	HeartbeatRTTFactor = 1
)

// TickInterval returns the consensus tick duration for this configuration.
func (c *ServerConfig) TickInterval() time.Duration {
	return time.Duration(c.RTTMillisecond) * time.Millisecond
}

// --------------------------------------------------------------------------
// Sub-configurations
// --------------------------------------------------------------------------

// GossipConfig tunes the membership layer.
type GossipConfig struct {
	IntervalMillis   uint64 // base gossip interval, jittered per round
	FanOut           int    // peers contacted per round
	SuspectAfter     int    // missed direct heartbeats before Alive -> Suspect
	DeadAfterMillis  uint64 // time in Suspect without refutation before Dead
	TombstoneSeconds uint64 // how long Dead records are retained
}

// StorageConfig tunes the versioned storage engine.
type StorageConfig struct {
	RetentionVersions int    // newest versions kept per key, latest included
	GCIntervalMillis  uint64 // interval between compaction runs
}

// PolicyConfig gates the optional advisory policy module. The module only
// ever reads point-in-time snapshots and acts through the public client API.
type PolicyConfig struct {
	Enabled        bool
	IntervalSecond int64
	KeyPrefix      string
}

// TransportConfig carries socket level tuning shared by client and server.
type TransportConfig struct {
	TCPNoDelay      bool
	ReadBufferSize  int
	WriteBufferSize int
	TCPKeepAliveSec int
	TCPLingerSec    int
}

// --------------------------------------------------------------------------
// Server configuration
// --------------------------------------------------------------------------

// ServerConfig holds all configuration parameters for one node.
type ServerConfig struct {
	// Identity and addressing
	NodeName      string // stable name, hashed into the on-disk identity file
	BindAddr      string // address the node RPC listener binds to
	AdvertiseAddr string // address other nodes use to reach this node
	Seeds         []string

	// Keyspace layout
	PartitionCount    int
	ReplicationFactor int

	// Consensus parameters
	RTTMillisecond uint64
	LogRetention   uint64 // applied entries kept before log compaction

	// Durable state
	DataDir string

	// Request handling
	TimeoutSecond int64

	// Sub-systems
	Gossip    GossipConfig
	Storage   StorageConfig
	Policy    PolicyConfig
	Transport TransportConfig

	// Admin HTTP surface, empty disables it
	AdminEndpoint string

	// Logging
	LogLevel string
}

// DefaultServerConfig returns a configuration suitable for a local cluster.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		BindAddr:          "0.0.0.0:7900",
		PartitionCount:    16,
		ReplicationFactor: 3,
		RTTMillisecond:    100,
		LogRetention:      4096,
		DataDir:           "data",
		TimeoutSecond:     5,
		Gossip: GossipConfig{
			IntervalMillis:   500,
			FanOut:           3,
			SuspectAfter:     3,
			DeadAfterMillis:  5000,
			TombstoneSeconds: 60,
		},
		Storage: StorageConfig{
			RetentionVersions: 8,
			GCIntervalMillis:  100,
		},
		Transport: TransportConfig{
			TCPNoDelay:      true,
			ReadBufferSize:  512 * 1024,
			WriteBufferSize: 512 * 1024,
			TCPKeepAliveSec: 30,
			TCPLingerSec:    0,
		},
		LogLevel: "info",
	}
}

// String returns a formatted string representation of the configuration.
func (c *ServerConfig) String() string {
	var sb strings.Builder

	addSection := func(title string) {
		sb.WriteString("\n")
		sb.WriteString(fmt.Sprintf("%s\n", strings.ToUpper(title)))
	}
	addField := func(name, value string) {
		sb.WriteString(fmt.Sprintf("  %-22s: %s\n", name, value))
	}

	addSection("Node")
	addField("Name", c.NodeName)
	addField("Bind Address", c.BindAddr)
	addField("Advertise Address", c.AdvertiseAddr)
	addField("Data Directory", c.DataDir)
	addField("Seeds", strings.Join(c.Seeds, ", "))

	addSection("Keyspace")
	addField("Partitions", strconv.Itoa(c.PartitionCount))
	addField("Replication Factor", strconv.Itoa(c.ReplicationFactor))

	addSection("Consensus")
	addField("Round Trip Time", fmt.Sprintf("%d ms", c.RTTMillisecond))
	addField("Heartbeat Interval", fmt.Sprintf("%d ms", c.RTTMillisecond*HeartbeatRTTFactor))
	addField("Election Timeout", fmt.Sprintf(">= %d ms", c.RTTMillisecond*ElectionRTTFactor))
	addField("Log Retention", strconv.FormatUint(c.LogRetention, 10))

	addSection("Gossip")
	addField("Interval", fmt.Sprintf("%d ms", c.Gossip.IntervalMillis))
	addField("Fan-Out", strconv.Itoa(c.Gossip.FanOut))
	addField("Suspect After", fmt.Sprintf("%d missed heartbeats", c.Gossip.SuspectAfter))
	addField("Dead After", fmt.Sprintf("%d ms suspect", c.Gossip.DeadAfterMillis))
	addField("Tombstone Retention", fmt.Sprintf("%d sec", c.Gossip.TombstoneSeconds))

	addSection("Requests")
	addField("Timeout", fmt.Sprintf("%d sec", c.TimeoutSecond))

	if c.AdminEndpoint != "" {
		addSection("Admin")
		addField("Endpoint", c.AdminEndpoint)
	}

	if c.Policy.Enabled {
		addSection("Policy Module")
		addField("Interval", fmt.Sprintf("%d sec", c.Policy.IntervalSecond))
		addField("Key Prefix", c.Policy.KeyPrefix)
	}

	addSection("Logging")
	addField("Log Level", c.LogLevel)

	return sb.String()
}

// --------------------------------------------------------------------------
// Client configuration
// --------------------------------------------------------------------------

// ClientConfig holds configuration for the coordinator-facing client.
type ClientConfig struct {
	Endpoints              []string
	TimeoutSecond          int
	MaxAttempts            int
	ConnectionsPerEndpoint int
	Transport              TransportConfig
}

// String returns a formatted string representation of the client configuration.
func (c *ClientConfig) String() string {
	var sb strings.Builder

	addSection := func(title string) {
		sb.WriteString("\n")
		sb.WriteString(fmt.Sprintf("%s\n", strings.ToUpper(title)))
	}
	addField := func(name, value string) {
		sb.WriteString(fmt.Sprintf("  %-22s: %s\n", name, value))
	}

	addSection("Client Configuration")
	addField("Timeout", fmt.Sprintf("%d sec", c.TimeoutSecond))
	addField("Max Attempts", strconv.Itoa(c.MaxAttempts))
	addField("Connections Per Endpoint", strconv.Itoa(max(1, c.ConnectionsPerEndpoint)))

	addSection("Endpoints")
	for i, endpoint := range c.Endpoints {
		addField(strconv.Itoa(i), endpoint)
	}

	return sb.String()
}

// --------------------------------------------------------------------------
// Cluster topology file
// --------------------------------------------------------------------------

// Topology is the optional static cluster description loaded from YAML.
// Seeds are contacted on boot to join gossip; the keyspace parameters must
// agree across all nodes of one cluster.
type Topology struct {
	Seeds             []string `yaml:"seeds"`
	Partitions        int      `yaml:"partitions"`
	ReplicationFactor int      `yaml:"replication_factor"`
}

// LoadTopology reads and validates a topology file.
func LoadTopology(path string) (*Topology, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read topology file: %w", err)
	}
	var t Topology
	if err := yaml.Unmarshal(raw, &t); err != nil {
		return nil, fmt.Errorf("failed to parse topology file: %w", err)
	}
	if t.Partitions < 0 {
		return nil, fmt.Errorf("invalid partition count %d", t.Partitions)
	}
	if t.ReplicationFactor < 0 {
		return nil, fmt.Errorf("invalid replication factor %d", t.ReplicationFactor)
	}
	return &t, nil
}

// Apply overlays the topology values onto a server configuration.
func (t *Topology) Apply(c *ServerConfig) {
	if len(t.Seeds) > 0 {
		c.Seeds = append(c.Seeds, t.Seeds...)
	}
	if t.Partitions > 0 {
		c.PartitionCount = t.Partitions
	}
	if t.ReplicationFactor > 0 {
		c.ReplicationFactor = t.ReplicationFactor
	}
}
