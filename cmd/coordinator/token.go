package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/partkeeper/pkg/rpc"
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Manage join tokens minted by the cluster leader",
}

var tokenCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Mint a join token from a running leader for a new node to join with",
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, _ := cmd.Flags().GetString("addr")
		client, closeFn, err := dialCluster(addr)
		if err != nil {
			return fmt.Errorf("token create: %w", err)
		}
		defer closeFn()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		resp, err := client.GenerateJoinToken(ctx, &rpc.ClusterGenerateJoinTokenRequest{})
		if err != nil {
			return fmt.Errorf("token create: %w", err)
		}
		if resp.Err != "" {
			return fmt.Errorf("token create: %s", resp.Err)
		}
		fmt.Println(resp.Token)
		return nil
	},
}

func init() {
	tokenCreateCmd.Flags().String("addr", "127.0.0.1:7948", "Member RPC address of the cluster leader")
	tokenCmd.AddCommand(tokenCreateCmd)
}
