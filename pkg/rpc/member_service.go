package rpc

import (
	"context"

	"google.golang.org/grpc"
)

// PartitionOnboardRequest/Response and friends are the wire shape of the
// Partition Manager's peer-to-peer messages (spec.md §2: "Partition Manager
// → peer Partition Managers addressed by member address").

type PartitionOnboardRequest struct {
	Key    []byte
	ZKPath string
}

type PartitionOnboardResponse struct{}

type PartitionDropoffRequest struct {
	Key    []byte
	ZKPath string
}

type PartitionDropoffResponse struct{}

type QueryPartitionRequest struct {
	Key  []byte
	Tag  string
	From string // address to reply to; servers reply in-band for the simple RPC case
}

type QueryPartitionResponse struct {
	Key     []byte
	Members []string
	ZKPath  string
	Tag     string
	Found   bool
}

// MemberServer is implemented by pkg/partition's Manager.
type MemberServer interface {
	PartitionOnboard(ctx context.Context, req *PartitionOnboardRequest) (*PartitionOnboardResponse, error)
	PartitionDropoff(ctx context.Context, req *PartitionDropoffRequest) (*PartitionDropoffResponse, error)
	QueryPartition(ctx context.Context, req *QueryPartitionRequest) (*QueryPartitionResponse, error)
}

const memberServiceName = "partkeeper.Member"

var MemberServiceDesc = grpc.ServiceDesc{
	ServiceName: memberServiceName,
	HandlerType: (*MemberServer)(nil),
	Methods: []grpc.MethodDesc{
		unaryMethod("PartitionOnboard", func(s MemberServer, ctx context.Context, req *PartitionOnboardRequest) (interface{}, error) {
			return s.PartitionOnboard(ctx, req)
		}),
		unaryMethod("PartitionDropoff", func(s MemberServer, ctx context.Context, req *PartitionDropoffRequest) (interface{}, error) {
			return s.PartitionDropoff(ctx, req)
		}),
		unaryMethod("QueryPartition", func(s MemberServer, ctx context.Context, req *QueryPartitionRequest) (interface{}, error) {
			return s.QueryPartition(ctx, req)
		}),
	},
	Metadata: "partkeeper/member.proto",
}

// unaryMethod builds a grpc.MethodDesc from a typed handler function,
// avoiding the interceptor/reflection boilerplate repeated per method in
// ensemble_service.go — both styles are kept in the tree deliberately,
// matching the generated-code shape for the first service and a terser
// hand-written shape for the second.
func unaryMethod[Req any](name string, fn func(srv MemberServer, ctx context.Context, req Req) (interface{}, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			var req Req
			if err := dec(&req); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return fn(srv.(MemberServer), ctx, req)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + memberServiceName + "/" + name}
			handler := func(ctx context.Context, req interface{}) (interface{}, error) {
				return fn(srv.(MemberServer), ctx, req.(Req))
			}
			return interceptor(ctx, req, info, handler)
		},
	}
}

func RegisterMemberServer(s *grpc.Server, srv MemberServer) {
	s.RegisterService(&MemberServiceDesc, srv)
}

type MemberClient struct {
	cc *grpc.ClientConn
}

func NewMemberClient(cc *grpc.ClientConn) *MemberClient {
	return &MemberClient{cc: cc}
}

func (c *MemberClient) PartitionOnboard(ctx context.Context, req *PartitionOnboardRequest) (*PartitionOnboardResponse, error) {
	resp := new(PartitionOnboardResponse)
	if err := c.cc.Invoke(ctx, "/"+memberServiceName+"/PartitionOnboard", req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *MemberClient) PartitionDropoff(ctx context.Context, req *PartitionDropoffRequest) (*PartitionDropoffResponse, error) {
	resp := new(PartitionDropoffResponse)
	if err := c.cc.Invoke(ctx, "/"+memberServiceName+"/PartitionDropoff", req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *MemberClient) QueryPartition(ctx context.Context, req *QueryPartitionRequest) (*QueryPartitionResponse, error) {
	resp := new(QueryPartitionResponse)
	if err := c.cc.Invoke(ctx, "/"+memberServiceName+"/QueryPartition", req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}
