package kv

import (
	"context"
	"encoding/csv"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	gometrics "github.com/rcrowley/go-metrics"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/keva-db/keva/cmd/util"
	"github.com/keva-db/keva/rpc/client"
)

var (
	perfTestCmd = &cobra.Command{
		Use:     "perf",
		Short:   "Performance testing tool for keva clusters",
		RunE:    runPerf,
		PreRunE: processPerfConfig,
	}
	perfKeyPrefix    = "__perf"
	perfValueSizeKB  = 1
	perfNumThreads   = 10
	perfKeySpread    = 100
	perfOpsPerThread = 1000
	perfSkip         = make([]string, 0)
)

func init() {
	// add flags
	key := "skip"
	perfTestCmd.Flags().String(key, "", util.WrapString("Benchmarks to skip (comma separated - e.g. put,get)"))
	key = "threads"
	perfTestCmd.Flags().Int(key, 10, util.WrapString("Number of threads to use for the benchmark"))
	key = "ops"
	perfTestCmd.Flags().Int(key, 1000, util.WrapString("Number of operations per thread and benchmark"))
	key = "value-size"
	perfTestCmd.Flags().Int(key, 1, util.WrapString("Size of the values written by the benchmark (in KB)"))
	key = "keys"
	perfTestCmd.Flags().Int(key, 100, util.WrapString("How many different keys to use for the tests"))
	key = "csv"
	perfTestCmd.Flags().String(key, "", util.WrapString("Optional path to save benchmark results as CSV"))
}

func processPerfConfig(cmd *cobra.Command, _ []string) error {
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	perfValueSizeKB = viper.GetInt("value-size")
	perfKeySpread = viper.GetInt("keys")
	perfNumThreads = viper.GetInt("threads")
	perfOpsPerThread = viper.GetInt("ops")
	if skip := viper.GetString("skip"); skip != "" {
		perfSkip = strings.Split(skip, ",")
	}

	return nil
}

func shouldSkip(name string) bool {
	for _, s := range perfSkip {
		if strings.TrimSpace(s) == name {
			return true
		}
	}
	return false
}

// perfKey spreads the benchmark load over perfKeySpread keys
func perfKey(name string, i int) string {
	return fmt.Sprintf("%s-%s-%d", perfKeyPrefix, name, i%perfKeySpread)
}

// runBenchmark drives one operation through all threads and records every
// call in a timer histogram.
func runBenchmark(name string, registry gometrics.Registry, op func(i int) error) gometrics.Timer {
	timer := gometrics.NewRegisteredTimer(name, registry)

	var wg sync.WaitGroup
	for t := 0; t < perfNumThreads; t++ {
		wg.Add(1)
		go func(thread int) {
			defer wg.Done()
			for i := 0; i < perfOpsPerThread; i++ {
				start := time.Now()
				if err := op(thread*perfOpsPerThread + i); err != nil {
					log.Printf("(%s) - operation failed: %v", name, err)
					continue
				}
				timer.UpdateSince(start)
			}
		}(t)
	}
	wg.Wait()

	return timer
}

func printTimer(name string, timer gometrics.Timer) {
	ps := timer.Percentiles([]float64{0.5, 0.95, 0.99})
	fmt.Printf("%-12s %8d ops %12.2f ops/sec   p50 %8s   p95 %8s   p99 %8s\n",
		name,
		timer.Count(),
		timer.RateMean(),
		time.Duration(ps[0]).Round(time.Microsecond),
		time.Duration(ps[1]).Round(time.Microsecond),
		time.Duration(ps[2]).Round(time.Microsecond),
	)
}

func runPerf(_ *cobra.Command, _ []string) error {

	fmt.Println("Performance testing tool for keva clusters")

	// Print configuration
	fmt.Println()
	fmt.Println("Configuration:")
	fmt.Println(util.GetClientConfig().String())
	fmt.Printf("Threads: %d, Ops/Thread: %d, Keys: %d, Value Size: %d KB\n",
		perfNumThreads, perfOpsPerThread, perfKeySpread, perfValueSizeKB)
	fmt.Println()

	fmt.Println("starting tests...")

	ctx := context.Background()
	registry := gometrics.NewRegistry()
	value := make([]byte, perfValueSizeKB*1024)
	timers := make(map[string]gometrics.Timer)

	if !shouldSkip("put") {
		timer := runBenchmark("put", registry, func(i int) error {
			return kvClient.Put(ctx, perfKey("put", i), value)
		})
		timers["put"] = timer
		printTimer("put", timer)
	}

	if !shouldSkip("get") {
		// pre-populate so every read hits an existing key
		for i := 0; i < perfKeySpread; i++ {
			if err := kvClient.Put(ctx, perfKey("get", i), value); err != nil {
				log.Printf("(get) - error preparing key: %v", err)
			}
		}
		timer := runBenchmark("get", registry, func(i int) error {
			_, _, err := kvClient.Get(ctx, perfKey("get", i))
			return err
		})
		timers["get"] = timer
		printTimer("get", timer)
	}

	if !shouldSkip("get-stale") {
		timer := runBenchmark("get-stale", registry, func(i int) error {
			_, _, err := kvClient.Get(ctx, perfKey("get", i), client.WithBoundedStale())
			return err
		})
		timers["get-stale"] = timer
		printTimer("get-stale", timer)
	}

	if !shouldSkip("delete") {
		timer := runBenchmark("delete", registry, func(i int) error {
			return kvClient.Delete(ctx, perfKey("put", i))
		})
		timers["delete"] = timer
		printTimer("delete", timer)
	}

	// cleanup the keys used for the read benchmarks
	for i := 0; i < perfKeySpread; i++ {
		_ = kvClient.Delete(ctx, perfKey("get", i))
	}

	if path := viper.GetString("csv"); path != "" {
		return writeCSV(path, timers)
	}
	return nil
}

func writeCSV(path string, timers map[string]gometrics.Timer) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create csv file: %w", err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	defer w.Flush()

	if err := w.Write([]string{"benchmark", "count", "ops_per_sec", "p50_ns", "p95_ns", "p99_ns"}); err != nil {
		return err
	}
	for name, timer := range timers {
		ps := timer.Percentiles([]float64{0.5, 0.95, 0.99})
		record := []string{
			name,
			fmt.Sprintf("%d", timer.Count()),
			fmt.Sprintf("%.2f", timer.RateMean()),
			fmt.Sprintf("%.0f", ps[0]),
			fmt.Sprintf("%.0f", ps[1]),
			fmt.Sprintf("%.0f", ps[2]),
		}
		if err := w.Write(record); err != nil {
			return err
		}
	}

	fmt.Printf("results saved to %s\n", path)
	return nil
}
