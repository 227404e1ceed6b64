package kv

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/keva-db/keva/rpc/client"
)

// commandContext derives the request deadline from the configured timeout.
func commandContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(),
		time.Duration(viper.GetInt("timeout"))*time.Second)
}

var (
	putCmd = &cobra.Command{
		Use:   "put [key] [value]",
		Short: "Stores the value for a key",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := commandContext()
			defer cancel()

			if err := kvClient.Put(ctx, args[0], []byte(args[1])); err != nil {
				return err
			}
			fmt.Println("put successfully")
			return nil
		},
	}

	getCmd = &cobra.Command{
		Use:   "get [key]",
		Short: "Retrieves the value for a key",
		Long:  "Retrieves the value for a key. The default read is linearizable; --stale serves the read from any replica's applied state, which is faster but may miss the newest committed writes.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := commandContext()
			defer cancel()

			var opts []client.ReadOption
			if stale, _ := cmd.Flags().GetBool("stale"); stale {
				opts = append(opts, client.WithBoundedStale())
			}

			value, found, err := kvClient.Get(ctx, args[0], opts...)
			if err != nil {
				return err
			}
			if !found {
				fmt.Println("key not found")
				os.Exit(1)
			}
			fmt.Println(string(value))
			return nil
		},
	}

	delCmd = &cobra.Command{
		Use:   "del [key]",
		Short: "Deletes a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := commandContext()
			defer cancel()

			if err := kvClient.Delete(ctx, args[0]); err != nil {
				return err
			}
			fmt.Println("deleted successfully")
			return nil
		},
	}
)

func init() {
	getCmd.Flags().Bool("stale", false, "serve the read from any replica's applied state")
}
