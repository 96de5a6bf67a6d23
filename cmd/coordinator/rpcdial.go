package main

import "github.com/cuemby/partkeeper/pkg/rpc"

// dialCluster opens a grpc connection to a coordinator's member-RPC
// address and wraps it as a ClusterClient, shared by every CLI subcommand
// that queries or mutates a running coordinator's Cluster FSM.
func dialCluster(addr string) (*rpc.ClusterClient, func(), error) {
	conn, err := rpc.Dial(addr)
	if err != nil {
		return nil, nil, err
	}
	return rpc.NewClusterClient(conn), func() { _ = conn.Close() }, nil
}
