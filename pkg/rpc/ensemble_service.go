package rpc

import (
	"context"

	"google.golang.org/grpc"
)

// EnsembleApplyRequest carries a raft command (already JSON-encoded by the
// caller's FSM) to be applied on the raft leader.
type EnsembleApplyRequest struct {
	CommandJSON []byte
}

// EnsembleApplyResponse mirrors store.applyResult's wire shape.
type EnsembleApplyResponse struct {
	Err          string
	CreatedPath  string
	RemovedPaths []string
}

// EnsembleAddVoterRequest asks the raft leader to admit a new voting member.
type EnsembleAddVoterRequest struct {
	NodeID  string
	Address string
}

type EnsembleAddVoterResponse struct {
	Err string
}

// EnsembleServer is implemented by store.Ensemble.
type EnsembleServer interface {
	Apply(ctx context.Context, req *EnsembleApplyRequest) (*EnsembleApplyResponse, error)
	AddVoter(ctx context.Context, req *EnsembleAddVoterRequest) (*EnsembleAddVoterResponse, error)
}

const ensembleServiceName = "partkeeper.Ensemble"

// EnsembleServiceDesc is the hand-written analogue of what protoc-gen-go-grpc
// would emit from an Ensemble service definition.
var EnsembleServiceDesc = grpc.ServiceDesc{
	ServiceName: ensembleServiceName,
	HandlerType: (*EnsembleServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Apply",
			Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
				req := new(EnsembleApplyRequest)
				if err := dec(req); err != nil {
					return nil, err
				}
				if interceptor == nil {
					return srv.(EnsembleServer).Apply(ctx, req)
				}
				info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ensembleServiceName + "/Apply"}
				handler := func(ctx context.Context, req interface{}) (interface{}, error) {
					return srv.(EnsembleServer).Apply(ctx, req.(*EnsembleApplyRequest))
				}
				return interceptor(ctx, req, info, handler)
			},
		},
		{
			MethodName: "AddVoter",
			Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
				req := new(EnsembleAddVoterRequest)
				if err := dec(req); err != nil {
					return nil, err
				}
				if interceptor == nil {
					return srv.(EnsembleServer).AddVoter(ctx, req)
				}
				info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ensembleServiceName + "/AddVoter"}
				handler := func(ctx context.Context, req interface{}) (interface{}, error) {
					return srv.(EnsembleServer).AddVoter(ctx, req.(*EnsembleAddVoterRequest))
				}
				return interceptor(ctx, req, info, handler)
			},
		},
	},
	Metadata: "partkeeper/ensemble.proto",
}

// RegisterEnsembleServer registers srv against s the way generated code
// would.
func RegisterEnsembleServer(s *grpc.Server, srv EnsembleServer) {
	s.RegisterService(&EnsembleServiceDesc, srv)
}

// EnsembleClient is the hand-written stub analogue of a generated client.
type EnsembleClient struct {
	cc *grpc.ClientConn
}

func NewEnsembleClient(cc *grpc.ClientConn) *EnsembleClient {
	return &EnsembleClient{cc: cc}
}

func (c *EnsembleClient) Apply(ctx context.Context, req *EnsembleApplyRequest) (*EnsembleApplyResponse, error) {
	resp := new(EnsembleApplyResponse)
	if err := c.cc.Invoke(ctx, "/"+ensembleServiceName+"/Apply", req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *EnsembleClient) AddVoter(ctx context.Context, req *EnsembleAddVoterRequest) (*EnsembleAddVoterResponse, error) {
	resp := new(EnsembleAddVoterResponse)
	if err := c.cc.Invoke(ctx, "/"+ensembleServiceName+"/AddVoter", req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}
