package main

import (
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/cuemby/partkeeper/pkg/address"
	"github.com/cuemby/partkeeper/pkg/cluster"
	"github.com/cuemby/partkeeper/pkg/config"
	"github.com/cuemby/partkeeper/pkg/log"
	"github.com/cuemby/partkeeper/pkg/membership"
	"github.com/cuemby/partkeeper/pkg/metrics"
	"github.com/cuemby/partkeeper/pkg/partition"
	"github.com/cuemby/partkeeper/pkg/rpc"
	"github.com/cuemby/partkeeper/pkg/zk"
	"github.com/cuemby/partkeeper/pkg/zk/store"
)

// runNode wires the ensemble, Partition Manager, Cluster FSM and
// Membership Monitor together and blocks until the process receives a
// termination signal. bootstrap selects whether this process forms a new
// ensemble or joins cfg.ConnectionString's existing one.
func runNode(cfg config.Config, bootstrap bool) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	logger := log.WithComponent("coordinator")

	self, err := address.Parse(cfg.MemberAddr)
	if err != nil {
		return err
	}

	ensemble, err := store.New(store.Config{
		NodeID:   cfg.NodeID,
		DataDir:  cfg.DataDir,
		RaftAddr: cfg.BindAddr,
		RPCAddr:  cfg.RPCAddr,
	})
	if err != nil {
		return err
	}
	defer ensemble.Close()

	if bootstrap {
		if err := ensemble.Bootstrap(); err != nil {
			return err
		}
		logger.Info().Str("node_id", cfg.NodeID).Msg("bootstrapped new ensemble")
	} else {
		if err := ensemble.Join(cfg.ConnectionString); err != nil {
			return err
		}
		logger.Info().Str("node_id", cfg.NodeID).Str("seed", cfg.ConnectionString).Msg("joined existing ensemble")
	}

	resolver := address.Resolver(address.NoopResolver)
	if len(cfg.DataCenterMap) > 0 {
		resolver = address.StaticResolver(cfg.DataCenterMap)
	}

	dial := func(a address.Address) (*rpc.MemberClient, func(), error) {
		conn, err := rpc.Dial(a.String())
		if err != nil {
			return nil, nil, err
		}
		return rpc.NewMemberClient(conn), func() { _ = conn.Close() }, nil
	}
	clusterDial := func(a address.Address) (*rpc.ClusterClient, func(), error) {
		conn, err := rpc.Dial(a.String())
		if err != nil {
			return nil, nil, err
		}
		return rpc.NewClusterClient(conn), func() { _ = conn.Close() }, nil
	}

	partitionMgr := partition.New(self, cfg.Segments, dial)
	fsm := cluster.New(cluster.Config{
		Self:        self,
		Segments:    cfg.Segments,
		SpareLeader: cfg.SpareLeader,
		Resolver:    resolver,
		Dial:        clusterDial,
	}, partitionMgr)
	if err := serveMemberRPC(cfg.MemberAddr, partitionMgr, fsm); err != nil {
		return err
	}
	monitor := membership.New(self, fsm)

	var client zk.Client = ensemble
	partitionMgr.Start(client)
	monitor.Start(client)

	collector := cluster.NewMetricsCollector(fsm)
	collector.Start()

	go serveMetrics(cfg.MetricsAddr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info().Msg("shutting down")
	collector.Stop()
	monitor.Close()
	partitionMgr.Close()
	fsm.Close()
	return nil
}

// serveMemberRPC starts the grpc server that answers peer
// PartitionOnboard/PartitionDropoff/QueryPartition RPCs addressed to this
// member's own registered address, alongside the Cluster FSM's own
// service for follower-to-leader forwarding and CLI queries.
func serveMemberRPC(addr string, partitionSrv *partition.Manager, clusterSrv *cluster.FSM) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	server := rpc.NewServer()
	rpc.RegisterMemberServer(server, partitionSrv)
	rpc.RegisterClusterServer(server, clusterSrv)
	go func() {
		if err := server.Serve(lis); err != nil {
			log.WithComponent("member-rpc").Warn().Err(err).Msg("member rpc server stopped")
		}
	}()
	return nil
}

func serveMetrics(addr string) {
	if addr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	_ = http.ListenAndServe(addr, mux)
}
