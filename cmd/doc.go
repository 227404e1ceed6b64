// Package cmd implements the command-line interface for the keva
// distributed key-value database. It provides a hierarchical command
// structure with operations for running a node and interacting with a
// cluster as a client.
//
// The package is organized into several subpackages:
//
//   - kv: Commands for key-value operations (put, get, del, perf)
//   - cluster: Commands for inspecting cluster membership and partitions
//   - serve: Commands for starting and configuring a keva node
//   - util: Shared utilities for command-line processing and configuration (internal use)
//
// See keva -help for a list of all commands.
package cmd
