package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/partkeeper/pkg/rpc"
)

var joinCmd = &cobra.Command{
	Use:   "join",
	Short: "Join an existing partkeeper ensemble",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfigWithFlags(cmd)
		if err != nil {
			return err
		}
		if cfg.ConnectionString == "" {
			return fmt.Errorf("join: --connection-string is required")
		}
		token, _ := cmd.Flags().GetString("join-token")
		if token != "" {
			seedAddr, _ := cmd.Flags().GetString("seed-addr")
			if seedAddr == "" {
				return fmt.Errorf("join: --seed-addr is required when --join-token is set")
			}
			if err := validateJoinToken(seedAddr, token); err != nil {
				return err
			}
		}
		return runNode(cfg, false)
	},
}

func init() {
	addNodeFlags(joinCmd)
	joinCmd.Flags().String("connection-string", "", "RPC address of an existing ensemble member")
	joinCmd.Flags().String("join-token", "", "Join token minted by the leader via 'coordinator token create'")
	joinCmd.Flags().String("seed-addr", "", "Member RPC address of the cluster leader to validate --join-token against")
}

// validateJoinToken dials seedAddr's Cluster service and checks token
// before this node attempts to join the ensemble, per spec.md's
// supplemented join-token feature.
func validateJoinToken(seedAddr, token string) error {
	client, closeFn, err := dialCluster(seedAddr)
	if err != nil {
		return fmt.Errorf("join: failed to dial seed %s: %w", seedAddr, err)
	}
	defer closeFn()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp, err := client.ValidateJoinToken(ctx, &rpc.ClusterValidateJoinTokenRequest{Token: token})
	if err != nil {
		return fmt.Errorf("join: failed to validate join token: %w", err)
	}
	if !resp.Valid {
		return fmt.Errorf("join: join token rejected by seed %s", seedAddr)
	}
	return nil
}
