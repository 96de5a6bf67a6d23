package main

import (
	"github.com/spf13/cobra"

	"github.com/cuemby/partkeeper/pkg/config"
)

var bootstrapCmd = &cobra.Command{
	Use:   "bootstrap",
	Short: "Bootstrap a new partkeeper ensemble with this node as its first member",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfigWithFlags(cmd)
		if err != nil {
			return err
		}
		return runNode(cfg, true)
	},
}

func init() {
	addNodeFlags(bootstrapCmd)
}

func addNodeFlags(cmd *cobra.Command) {
	cmd.Flags().String("node-id", "", "Unique node ID")
	cmd.Flags().String("bind-addr", "127.0.0.1:7946", "Address for raft communication")
	cmd.Flags().String("rpc-addr", "127.0.0.1:7947", "Address for ensemble grpc RPC")
	cmd.Flags().String("member-addr", "127.0.0.1:7948", "Address this node registers as a cluster member")
	cmd.Flags().String("data-dir", "./data", "Data directory")
	cmd.Flags().Int("segments", 128, "Fixed segment-space size")
	cmd.Flags().Bool("spare-leader", false, "Exclude the leader from rebalance candidates")
	cmd.Flags().String("metrics-addr", ":9090", "Address to serve /metrics on")
}

func loadConfigWithFlags(cmd *cobra.Command) (config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return cfg, err
	}

	if v, _ := cmd.Flags().GetString("node-id"); v != "" {
		cfg.NodeID = v
	}
	if v, _ := cmd.Flags().GetString("bind-addr"); v != "" {
		cfg.BindAddr = v
	}
	if v, _ := cmd.Flags().GetString("rpc-addr"); v != "" {
		cfg.RPCAddr = v
	}
	if v, _ := cmd.Flags().GetString("member-addr"); v != "" {
		cfg.MemberAddr = v
	}
	if v, _ := cmd.Flags().GetString("data-dir"); v != "" {
		cfg.DataDir = v
	}
	if cmd.Flags().Changed("segments") {
		cfg.Segments, _ = cmd.Flags().GetInt("segments")
	}
	if cmd.Flags().Changed("spare-leader") {
		cfg.SpareLeader, _ = cmd.Flags().GetBool("spare-leader")
	}
	if v, _ := cmd.Flags().GetString("metrics-addr"); v != "" {
		cfg.MetricsAddr = v
	}
	if f := cmd.Flags().Lookup("connection-string"); f != nil && f.Value.String() != "" {
		cfg.ConnectionString = f.Value.String()
	}
	return cfg, nil
}
