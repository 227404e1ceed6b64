package serve

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	cmdUtil "github.com/keva-db/keva/cmd/util"
	"github.com/keva-db/keva/lib/policy"
	"github.com/keva-db/keva/rpc/client"
	"github.com/keva-db/keva/rpc/common"
	"github.com/keva-db/keva/rpc/server"
	"github.com/keva-db/keva/rpc/transport/tcp"
)

var (
	serveCmdConfig = common.DefaultServerConfig()
	ServeCmd       = &cobra.Command{
		Use:     "serve",
		Short:   "Start a keva node",
		Long:    `Start a keva node with the specified configuration. The configuration can be set via command line flags or environment variables. The format of the environment variables is KEVA_<flag> (e.g. KEVA_BIND=0.0.0.0:7900)`,
		PreRunE: processConfig,
		RunE:    run,
	}
)

func init() {
	// initialize viper
	cobra.OnInitialize(initConfig)

	// add flags
	key := "node-name"
	ServeCmd.PersistentFlags().String(key, "", cmdUtil.WrapString("Human readable name of this node. The stable node identity is generated on first start and persisted in the data directory"))

	key = "bind"
	ServeCmd.PersistentFlags().String(key, "0.0.0.0:7900", cmdUtil.WrapString("The address the node listener binds to"))

	key = "advertise"
	ServeCmd.PersistentFlags().String(key, "", cmdUtil.WrapString("The address other nodes use to reach this node. Defaults to the bind address"))

	key = "seeds"
	ServeCmd.PersistentFlags().String(key, "", cmdUtil.WrapString("Comma-separated list of seed node addresses contacted on boot to join the cluster. Leave empty to bootstrap a new cluster"))

	key = "topology"
	ServeCmd.PersistentFlags().String(key, "", cmdUtil.WrapString("Optional path to a YAML topology file carrying seeds and keyspace parameters. Values from the file overlay the flags"))

	key = "partitions"
	ServeCmd.PersistentFlags().Int(key, 16, cmdUtil.WrapString("Number of partitions the keyspace is split into. Must agree across all nodes of one cluster"))

	key = "replication-factor"
	ServeCmd.PersistentFlags().Int(key, 3, cmdUtil.WrapString("Number of replicas per partition. Must agree across all nodes of one cluster"))

	key = "rtt-millisecond"
	ServeCmd.PersistentFlags().Int(key, 100, cmdUtil.WrapString("Average round trip time in milliseconds between two nodes. The consensus heartbeat interval (1x) and election timeout (10x) are derived from this value"))

	key = "log-retention"
	ServeCmd.PersistentFlags().Int(key, 4096, cmdUtil.WrapString("Number of applied log entries kept per partition before the log is compacted behind a storage checkpoint"))

	key = "data-dir"
	ServeCmd.PersistentFlags().String(key, "data", cmdUtil.WrapString("Directory for the node identity, consensus logs and checkpoints"))

	key = "timeout"
	ServeCmd.PersistentFlags().Int64(key, 5, cmdUtil.WrapString("Request timeout in seconds"))

	key = "admin-endpoint"
	ServeCmd.PersistentFlags().String(key, "", cmdUtil.WrapString("Address of the read-only admin HTTP surface (metrics, membership, partitions). Empty disables it"))

	key = "gossip-interval"
	ServeCmd.PersistentFlags().Int(key, 500, cmdUtil.WrapString("Base gossip interval in milliseconds, jittered per round"))

	key = "gossip-fanout"
	ServeCmd.PersistentFlags().Int(key, 3, cmdUtil.WrapString("Number of peers contacted per gossip round"))

	key = "gossip-suspect-after"
	ServeCmd.PersistentFlags().Int(key, 3, cmdUtil.WrapString("Missed direct heartbeats before a peer is suspected"))

	key = "gossip-dead-after"
	ServeCmd.PersistentFlags().Int(key, 5000, cmdUtil.WrapString("Milliseconds a peer may stay suspected without refutation before it is declared dead"))

	key = "gossip-tombstone"
	ServeCmd.PersistentFlags().Int(key, 60, cmdUtil.WrapString("Seconds a dead peer's record is retained before it is forgotten"))

	key = "storage-retention-versions"
	ServeCmd.PersistentFlags().Int(key, 8, cmdUtil.WrapString("Number of newest versions kept per key, the latest included"))

	key = "storage-gc-interval"
	ServeCmd.PersistentFlags().Int(key, 100, cmdUtil.WrapString("Milliseconds between storage compaction runs"))

	key = "policy-enabled"
	ServeCmd.PersistentFlags().Bool(key, false, cmdUtil.WrapString("Enable the advisory policy module. It only reads storage snapshots and acts through the public client API"))

	key = "policy-interval"
	ServeCmd.PersistentFlags().Int64(key, 60, cmdUtil.WrapString("Seconds between advisory scan rounds"))

	key = "policy-prefix"
	ServeCmd.PersistentFlags().String(key, "policy/", cmdUtil.WrapString("Key prefix the advisory module observes"))

	key = "log-level"
	ServeCmd.PersistentFlags().String(key, "info", cmdUtil.WrapString("LogLevel is the level at which logs will be output (debug, info, warn, error)"))
}

// processConfig reads the configuration from the command line flags and
// environment variables and converts them to the server configuration
func processConfig(cmd *cobra.Command, _ []string) error {
	// bind the flags to viper
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	serveCmdConfig.NodeName = viper.GetString("node-name")
	serveCmdConfig.BindAddr = viper.GetString("bind")
	serveCmdConfig.AdvertiseAddr = viper.GetString("advertise")
	serveCmdConfig.PartitionCount = viper.GetInt("partitions")
	serveCmdConfig.ReplicationFactor = viper.GetInt("replication-factor")
	serveCmdConfig.RTTMillisecond = viper.GetUint64("rtt-millisecond")
	serveCmdConfig.LogRetention = viper.GetUint64("log-retention")
	serveCmdConfig.DataDir = viper.GetString("data-dir")
	serveCmdConfig.TimeoutSecond = viper.GetInt64("timeout")
	serveCmdConfig.AdminEndpoint = viper.GetString("admin-endpoint")
	serveCmdConfig.LogLevel = viper.GetString("log-level")

	serveCmdConfig.Gossip = common.GossipConfig{
		IntervalMillis:   viper.GetUint64("gossip-interval"),
		FanOut:           viper.GetInt("gossip-fanout"),
		SuspectAfter:     viper.GetInt("gossip-suspect-after"),
		DeadAfterMillis:  viper.GetUint64("gossip-dead-after"),
		TombstoneSeconds: viper.GetUint64("gossip-tombstone"),
	}
	serveCmdConfig.Storage = common.StorageConfig{
		RetentionVersions: viper.GetInt("storage-retention-versions"),
		GCIntervalMillis:  viper.GetUint64("storage-gc-interval"),
	}
	serveCmdConfig.Policy = common.PolicyConfig{
		Enabled:        viper.GetBool("policy-enabled"),
		IntervalSecond: viper.GetInt64("policy-interval"),
		KeyPrefix:      viper.GetString("policy-prefix"),
	}

	if seeds := viper.GetString("seeds"); seeds != "" {
		serveCmdConfig.Seeds = strings.Split(seeds, ",")
	}

	// the topology file overlays flags and env
	if path := viper.GetString("topology"); path != "" {
		topology, err := common.LoadTopology(path)
		if err != nil {
			return err
		}
		topology.Apply(&serveCmdConfig)
	}

	if serveCmdConfig.PartitionCount <= 0 {
		return fmt.Errorf("partition count must be positive")
	}
	if serveCmdConfig.ReplicationFactor <= 0 {
		return fmt.Errorf("replication factor must be positive")
	}

	return nil
}

// run starts the keva node and blocks until a termination signal
func run(_ *cobra.Command, _ []string) error {

	// parse the serializer
	ser, err := cmdUtil.GetSerializer()
	if err != nil {
		return err
	}

	srv := server.NewRPCServer(
		serveCmdConfig,
		tcp.NewTCPServerTransport(),
		tcp.NewTCPClientTransport(),
		ser,
	)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve() }()

	// the advisor acts through the public client API against this node
	var advisor *policy.Advisor
	if serveCmdConfig.Policy.Enabled {
		selfAddr := serveCmdConfig.AdvertiseAddr
		if selfAddr == "" {
			selfAddr = serveCmdConfig.BindAddr
		}
		cl, err := client.New(common.ClientConfig{
			Endpoints:     []string{selfAddr},
			TimeoutSecond: int(serveCmdConfig.TimeoutSecond),
			MaxAttempts:   5,
			Transport:     serveCmdConfig.Transport,
		}, tcp.NewTCPClientTransport(), ser)
		if err != nil {
			return err
		}
		defer cl.Close()

		advisor = policy.NewAdvisor(serveCmdConfig.Policy, srv.Snapshots, cl, nil)
		advisor.Start()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		fmt.Printf("received %s, shutting down\n", sig)
		if advisor != nil {
			advisor.Stop()
		}
		if err := srv.Close(); err != nil {
			return err
		}
		return <-errCh
	}
}

// initConfig reads in serveCmdConfig file and ENV variables if set.
func initConfig() {
	// load env files
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	// initialize viper
	viper.SetEnvPrefix("keva")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv() // read in environment variables that match
}
