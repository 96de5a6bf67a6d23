package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/partkeeper/pkg/rpc"
)

var membersCmd = &cobra.Command{
	Use:   "members",
	Short: "List the members visible to a running coordinator",
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, _ := cmd.Flags().GetString("addr")
		client, closeFn, err := dialCluster(addr)
		if err != nil {
			return fmt.Errorf("members: %w", err)
		}
		defer closeFn()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		resp, err := client.QueryMembership(ctx, &rpc.ClusterQueryMembershipRequest{})
		if err != nil {
			return fmt.Errorf("members: %w", err)
		}
		for _, m := range resp.Members {
			fmt.Println(m)
		}
		return nil
	},
}

func init() {
	membersCmd.Flags().String("addr", "127.0.0.1:7948", "Member RPC address of the coordinator to query")
}
