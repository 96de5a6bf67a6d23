package rpc

import (
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Dial opens a connection to a partkeeper peer at addr, defaulting every
// call on the connection to the JSON codec registered in codec.go.
func Dial(addr string) (*grpc.ClientConn, error) {
	return grpc.NewClient(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(codecName)),
		grpc.WithConnectParams(grpc.ConnectParams{MinConnectTimeout: 5 * time.Second}),
	)
}

// NewServer returns a grpc.Server ready to have Ensemble and Member
// services registered on it. Codec selection is automatic: the server
// picks whichever registered codec matches the content-subtype the client
// sent, which Dial always sets to "json".
func NewServer() *grpc.Server {
	return grpc.NewServer()
}
