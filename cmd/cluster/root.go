package cluster

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/keva-db/keva/cmd/util"
)

var (
	// ClusterCommands represents the cluster command group
	ClusterCommands = &cobra.Command{
		Use:   "cluster",
		Short: "Inspect cluster membership and partitions",
		Long:  "Inspect cluster membership and partitions via a node's admin endpoint. The admin endpoint must be enabled on the contacted node (see keva serve --admin-endpoint).",
	}

	membersCmd = &cobra.Command{
		Use:   "members",
		Short: "List the cluster members as seen by the contacted node",
		RunE:  runMembers,
	}

	partitionsCmd = &cobra.Command{
		Use:   "partitions",
		Short: "Show the partition map and local consensus state of the contacted node",
		RunE:  runPartitions,
	}
)

func init() {
	cobra.OnInitialize(util.InitClientConfig)

	key := "admin"
	ClusterCommands.PersistentFlags().String(key, "localhost:7901", util.WrapString("The admin endpoint of the node to query"))

	ClusterCommands.AddCommand(membersCmd)
	ClusterCommands.AddCommand(partitionsCmd)
}

// fetch queries one admin route and decodes the JSON response.
func fetch(cmd *cobra.Command, path string, out interface{}) error {
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}
	if err := viper.BindPFlags(cmd.Parent().PersistentFlags()); err != nil {
		return err
	}

	endpoint := viper.GetString("admin")
	if !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
		endpoint = "http://" + endpoint
	}

	httpClient := &http.Client{Timeout: 5 * time.Second}
	resp, err := httpClient.Get(endpoint + path)
	if err != nil {
		return fmt.Errorf("failed to reach admin endpoint: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("admin endpoint returned %s", resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

type memberView struct {
	ID          string `json:"id"`
	Addr        string `json:"addr"`
	Status      string `json:"status"`
	Incarnation uint64 `json:"incarnation"`
}

type membersResponse struct {
	Version uint64       `json:"version"`
	Members []memberView `json:"members"`
}

func runMembers(cmd *cobra.Command, _ []string) error {
	var resp membersResponse
	if err := fetch(cmd, "/cluster/members", &resp); err != nil {
		return err
	}

	fmt.Printf("membership view (version %d)\n\n", resp.Version)
	fmt.Printf("%-38s %-22s %-8s %s\n", "ID", "ADDRESS", "STATUS", "INCARNATION")
	for _, m := range resp.Members {
		fmt.Printf("%-38s %-22s %-8s %d\n", m.ID, m.Addr, m.Status, m.Incarnation)
	}
	return nil
}

type partitionView struct {
	Partition uint32   `json:"partition"`
	Replicas  []string `json:"replicas"`
	Role      string   `json:"role,omitempty"`
	Term      uint64   `json:"term,omitempty"`
	Leader    string   `json:"leader,omitempty"`
	Applied   uint64   `json:"applied,omitempty"`
}

type partitionsResponse struct {
	Generation uint64          `json:"generation"`
	Partitions []partitionView `json:"partitions"`
}

func runPartitions(cmd *cobra.Command, _ []string) error {
	var resp partitionsResponse
	if err := fetch(cmd, "/cluster/partitions", &resp); err != nil {
		return err
	}

	fmt.Printf("partition map (generation %d)\n\n", resp.Generation)
	fmt.Printf("%-10s %-10s %-6s %-10s %s\n", "PARTITION", "ROLE", "TERM", "APPLIED", "REPLICAS")
	for _, p := range resp.Partitions {
		role := p.Role
		if role == "" {
			role = "-"
		}
		fmt.Printf("%-10d %-10s %-6d %-10d %s\n", p.Partition, role, p.Term, p.Applied, strings.Join(p.Replicas, ", "))
	}
	return nil
}
