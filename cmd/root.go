package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/keva-db/keva/cmd/cluster"
	"github.com/keva-db/keva/cmd/kv"
	"github.com/keva-db/keva/cmd/serve"
	"github.com/keva-db/keva/cmd/util"
)

const (
	Version = "0.3.1"
)

var (

	// RootCmd represents the base command when called without any subcommands
	RootCmd = &cobra.Command{
		Use:   "keva",
		Short: "decentralized replicated key-value database",
		Long: fmt.Sprintf(`keva (v%s)

A decentralized, partitioned key-value database written in Go.
Nodes discover each other via gossip, agree on a partition map and
replicate every partition with RAFT-style consensus.`, Version),
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of keva",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("keva v%s\n", Version)
		},
	}
)

func init() {
	// Add Commands
	RootCmd.AddCommand(serve.ServeCmd)
	RootCmd.AddCommand(kv.KeyValueCommands)
	RootCmd.AddCommand(cluster.ClusterCommands)
	RootCmd.AddCommand(versionCmd)

	// Add Flags
	key := "serializer"
	RootCmd.PersistentFlags().String(key, "binary", util.WrapString("serializer to use (json, binary)"))
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the RootCmd.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
