package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/partkeeper/pkg/rpc"
)

var partitionCmd = &cobra.Command{
	Use:   "partition",
	Short: "Inspect and mutate partition assignments on a running coordinator",
}

var partitionCreateCmd = &cobra.Command{
	Use:   "create <key>",
	Short: "Create a partition at the given required size, or report its existing assignment",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, _ := cmd.Flags().GetString("addr")
		size, _ := cmd.Flags().GetInt("size")
		client, closeFn, err := dialCluster(addr)
		if err != nil {
			return fmt.Errorf("partition create: %w", err)
		}
		defer closeFn()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		resp, err := client.QueryPartition(ctx, &rpc.ClusterQueryPartitionRequest{
			Key: []byte(args[0]), HasSize: true, Size: int32(size),
		})
		if err != nil {
			return fmt.Errorf("partition create: %w", err)
		}
		printPartitionInfo(resp)
		return nil
	},
}

var partitionGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Look up a partition's current assignment",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, _ := cmd.Flags().GetString("addr")
		client, closeFn, err := dialCluster(addr)
		if err != nil {
			return fmt.Errorf("partition get: %w", err)
		}
		defer closeFn()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		resp, err := client.QueryPartition(ctx, &rpc.ClusterQueryPartitionRequest{Key: []byte(args[0])})
		if err != nil {
			return fmt.Errorf("partition get: %w", err)
		}
		printPartitionInfo(resp)
		return nil
	},
}

var partitionResizeCmd = &cobra.Command{
	Use:   "resize <key>",
	Short: "Resize an existing partition's required replica count",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, _ := cmd.Flags().GetString("addr")
		size, _ := cmd.Flags().GetInt("size")
		client, closeFn, err := dialCluster(addr)
		if err != nil {
			return fmt.Errorf("partition resize: %w", err)
		}
		defer closeFn()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := client.ResizePartition(ctx, &rpc.ClusterResizePartitionRequest{
			Key: []byte(args[0]), Required: int32(size),
		}); err != nil {
			return fmt.Errorf("partition resize: %w", err)
		}
		fmt.Printf("requested resize of %s to %d\n", args[0], size)
		return nil
	},
}

var partitionRemoveCmd = &cobra.Command{
	Use:   "remove <key>",
	Short: "Remove a partition outright",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, _ := cmd.Flags().GetString("addr")
		client, closeFn, err := dialCluster(addr)
		if err != nil {
			return fmt.Errorf("partition remove: %w", err)
		}
		defer closeFn()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := client.RemovePartition(ctx, &rpc.ClusterRemovePartitionRequest{Key: []byte(args[0])}); err != nil {
			return fmt.Errorf("partition remove: %w", err)
		}
		fmt.Printf("requested removal of %s\n", args[0])
		return nil
	},
}

var partitionListCmd = &cobra.Command{
	Use:   "list",
	Short: "List every partition known to a running coordinator",
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, _ := cmd.Flags().GetString("addr")
		client, closeFn, err := dialCluster(addr)
		if err != nil {
			return fmt.Errorf("partition list: %w", err)
		}
		defer closeFn()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		resp, err := client.ListPartitions(ctx, &rpc.ClusterListPartitionsRequest{})
		if err != nil {
			return fmt.Errorf("partition list: %w", err)
		}
		for _, p := range resp.Partitions {
			fmt.Printf("%s required=%d members=%v\n", string(p.Key), p.Required, p.Members)
		}
		return nil
	},
}

func printPartitionInfo(resp *rpc.ClusterQueryPartitionResponse) {
	if !resp.Found {
		fmt.Println("not found")
		return
	}
	fmt.Printf("zk_path=%s required=%d members=%v\n", resp.ZKPath, resp.Required, resp.Members)
}

func init() {
	for _, cmd := range []*cobra.Command{partitionCreateCmd, partitionGetCmd, partitionResizeCmd, partitionRemoveCmd, partitionListCmd} {
		cmd.Flags().String("addr", "127.0.0.1:7948", "Member RPC address of the coordinator to query")
	}
	partitionCreateCmd.Flags().Int("size", 1, "Required replica count to create the partition with")
	partitionResizeCmd.Flags().Int("size", 1, "New required replica count")

	partitionCmd.AddCommand(partitionCreateCmd, partitionGetCmd, partitionResizeCmd, partitionRemoveCmd, partitionListCmd)
}
