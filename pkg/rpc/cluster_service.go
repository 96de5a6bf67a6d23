package rpc

import (
	"context"

	"google.golang.org/grpc"
)

// ClusterResizePartitionRequest/Response, ClusterRemovePartitionRequest/Response
// and ClusterQueryPartitionRequest/Response are the wire shape of a
// follower forwarding a write or a create-if-absent query to the leader's
// Cluster FSM (spec.md §4.3's Follower handling table).

type ClusterResizePartitionRequest struct {
	Key      []byte
	Required int32
}

type ClusterResizePartitionResponse struct{}

type ClusterRemovePartitionRequest struct {
	Key []byte
}

type ClusterRemovePartitionResponse struct{}

// ClusterQueryPartitionRequest carries QueryPartition's optional size as a
// presence flag plus value, since the JSON codec has no native "maybe"
// representation for a zero-valued int.
type ClusterQueryPartitionRequest struct {
	Key     []byte
	Tag     string
	HasSize bool
	Size    int32
	Props   []byte
}

type ClusterQueryPartitionResponse struct {
	Key      []byte
	Members  []string
	ZKPath   string
	Tag      string
	Found    bool
	Required int32
}

type ClusterQueryLeadershipRequest struct{}

type ClusterQueryLeadershipResponse struct {
	Leader     string
	HaveLeader bool
}

type ClusterQueryMembershipRequest struct{}

type ClusterQueryMembershipResponse struct {
	Members []string
}

type ClusterPartitionSummary struct {
	Key      []byte
	Members  []string
	Required int32
}

type ClusterListPartitionsRequest struct{}

type ClusterListPartitionsResponse struct {
	Partitions []ClusterPartitionSummary
}

// ClusterGenerateJoinTokenRequest/Response and ClusterValidateJoinTokenRequest/Response
// back cluster.FSM.GenerateJoinToken/ValidateJoinToken: the leader mints a
// token out of band for an operator to hand to a joining node, which
// validates it against the leader before attempting to join the ensemble.
type ClusterGenerateJoinTokenRequest struct{}

type ClusterGenerateJoinTokenResponse struct {
	Token string
	Err   string
}

type ClusterValidateJoinTokenRequest struct {
	Token string
}

type ClusterValidateJoinTokenResponse struct {
	Valid bool
}

// ClusterServer is implemented by pkg/cluster's FSM.
type ClusterServer interface {
	ResizePartition(ctx context.Context, req *ClusterResizePartitionRequest) (*ClusterResizePartitionResponse, error)
	RemovePartition(ctx context.Context, req *ClusterRemovePartitionRequest) (*ClusterRemovePartitionResponse, error)
	QueryPartition(ctx context.Context, req *ClusterQueryPartitionRequest) (*ClusterQueryPartitionResponse, error)
	QueryLeadership(ctx context.Context, req *ClusterQueryLeadershipRequest) (*ClusterQueryLeadershipResponse, error)
	QueryMembership(ctx context.Context, req *ClusterQueryMembershipRequest) (*ClusterQueryMembershipResponse, error)
	ListPartitions(ctx context.Context, req *ClusterListPartitionsRequest) (*ClusterListPartitionsResponse, error)
	GenerateJoinToken(ctx context.Context, req *ClusterGenerateJoinTokenRequest) (*ClusterGenerateJoinTokenResponse, error)
	ValidateJoinToken(ctx context.Context, req *ClusterValidateJoinTokenRequest) (*ClusterValidateJoinTokenResponse, error)
}

const clusterServiceName = "partkeeper.Cluster"

var ClusterServiceDesc = grpc.ServiceDesc{
	ServiceName: clusterServiceName,
	HandlerType: (*ClusterServer)(nil),
	Methods: []grpc.MethodDesc{
		unaryClusterMethod("ResizePartition", func(s ClusterServer, ctx context.Context, req *ClusterResizePartitionRequest) (interface{}, error) {
			return s.ResizePartition(ctx, req)
		}),
		unaryClusterMethod("RemovePartition", func(s ClusterServer, ctx context.Context, req *ClusterRemovePartitionRequest) (interface{}, error) {
			return s.RemovePartition(ctx, req)
		}),
		unaryClusterMethod("QueryPartition", func(s ClusterServer, ctx context.Context, req *ClusterQueryPartitionRequest) (interface{}, error) {
			return s.QueryPartition(ctx, req)
		}),
		unaryClusterMethod("QueryLeadership", func(s ClusterServer, ctx context.Context, req *ClusterQueryLeadershipRequest) (interface{}, error) {
			return s.QueryLeadership(ctx, req)
		}),
		unaryClusterMethod("QueryMembership", func(s ClusterServer, ctx context.Context, req *ClusterQueryMembershipRequest) (interface{}, error) {
			return s.QueryMembership(ctx, req)
		}),
		unaryClusterMethod("ListPartitions", func(s ClusterServer, ctx context.Context, req *ClusterListPartitionsRequest) (interface{}, error) {
			return s.ListPartitions(ctx, req)
		}),
		unaryClusterMethod("GenerateJoinToken", func(s ClusterServer, ctx context.Context, req *ClusterGenerateJoinTokenRequest) (interface{}, error) {
			return s.GenerateJoinToken(ctx, req)
		}),
		unaryClusterMethod("ValidateJoinToken", func(s ClusterServer, ctx context.Context, req *ClusterValidateJoinTokenRequest) (interface{}, error) {
			return s.ValidateJoinToken(ctx, req)
		}),
	},
	Metadata: "partkeeper/cluster.proto",
}

func unaryClusterMethod[Req any](name string, fn func(srv ClusterServer, ctx context.Context, req Req) (interface{}, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			var req Req
			if err := dec(&req); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return fn(srv.(ClusterServer), ctx, req)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + clusterServiceName + "/" + name}
			handler := func(ctx context.Context, req interface{}) (interface{}, error) {
				return fn(srv.(ClusterServer), ctx, req.(Req))
			}
			return interceptor(ctx, req, info, handler)
		},
	}
}

func RegisterClusterServer(s *grpc.Server, srv ClusterServer) {
	s.RegisterService(&ClusterServiceDesc, srv)
}

type ClusterClient struct {
	cc *grpc.ClientConn
}

func NewClusterClient(cc *grpc.ClientConn) *ClusterClient {
	return &ClusterClient{cc: cc}
}

func (c *ClusterClient) ResizePartition(ctx context.Context, req *ClusterResizePartitionRequest) (*ClusterResizePartitionResponse, error) {
	resp := new(ClusterResizePartitionResponse)
	if err := c.cc.Invoke(ctx, "/"+clusterServiceName+"/ResizePartition", req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *ClusterClient) RemovePartition(ctx context.Context, req *ClusterRemovePartitionRequest) (*ClusterRemovePartitionResponse, error) {
	resp := new(ClusterRemovePartitionResponse)
	if err := c.cc.Invoke(ctx, "/"+clusterServiceName+"/RemovePartition", req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *ClusterClient) QueryPartition(ctx context.Context, req *ClusterQueryPartitionRequest) (*ClusterQueryPartitionResponse, error) {
	resp := new(ClusterQueryPartitionResponse)
	if err := c.cc.Invoke(ctx, "/"+clusterServiceName+"/QueryPartition", req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *ClusterClient) QueryLeadership(ctx context.Context, req *ClusterQueryLeadershipRequest) (*ClusterQueryLeadershipResponse, error) {
	resp := new(ClusterQueryLeadershipResponse)
	if err := c.cc.Invoke(ctx, "/"+clusterServiceName+"/QueryLeadership", req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *ClusterClient) QueryMembership(ctx context.Context, req *ClusterQueryMembershipRequest) (*ClusterQueryMembershipResponse, error) {
	resp := new(ClusterQueryMembershipResponse)
	if err := c.cc.Invoke(ctx, "/"+clusterServiceName+"/QueryMembership", req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *ClusterClient) ListPartitions(ctx context.Context, req *ClusterListPartitionsRequest) (*ClusterListPartitionsResponse, error) {
	resp := new(ClusterListPartitionsResponse)
	if err := c.cc.Invoke(ctx, "/"+clusterServiceName+"/ListPartitions", req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *ClusterClient) GenerateJoinToken(ctx context.Context, req *ClusterGenerateJoinTokenRequest) (*ClusterGenerateJoinTokenResponse, error) {
	resp := new(ClusterGenerateJoinTokenResponse)
	if err := c.cc.Invoke(ctx, "/"+clusterServiceName+"/GenerateJoinToken", req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *ClusterClient) ValidateJoinToken(ctx context.Context, req *ClusterValidateJoinTokenRequest) (*ClusterValidateJoinTokenResponse, error) {
	resp := new(ClusterValidateJoinTokenResponse)
	if err := c.cc.Invoke(ctx, "/"+clusterServiceName+"/ValidateJoinToken", req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}
