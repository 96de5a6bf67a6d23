package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/partkeeper/pkg/rpc"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Report leadership and membership for a running coordinator",
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, _ := cmd.Flags().GetString("addr")
		client, closeFn, err := dialCluster(addr)
		if err != nil {
			return fmt.Errorf("status: %w", err)
		}
		defer closeFn()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		leadership, err := client.QueryLeadership(ctx, &rpc.ClusterQueryLeadershipRequest{})
		if err != nil {
			return fmt.Errorf("status: %w", err)
		}
		membership, err := client.QueryMembership(ctx, &rpc.ClusterQueryMembershipRequest{})
		if err != nil {
			return fmt.Errorf("status: %w", err)
		}

		if leadership.HaveLeader {
			fmt.Printf("leader: %s\n", leadership.Leader)
		} else {
			fmt.Println("leader: none")
		}
		fmt.Printf("members: %d\n", len(membership.Members))
		for _, m := range membership.Members {
			fmt.Printf("  %s\n", m)
		}
		return nil
	},
}

func init() {
	statusCmd.Flags().String("addr", "127.0.0.1:7948", "Member RPC address of the coordinator to query")
}
