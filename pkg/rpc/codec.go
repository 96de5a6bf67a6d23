// Package rpc wires partkeeper's inter-process messaging onto
// google.golang.org/grpc without generated protobuf stubs: no .proto
// sources were retrievable for this spec, so rather than hand-encode the
// protobuf wire format (too easy to get subtly wrong without a compiler to
// check it against), this package registers a plain JSON grpc.Codec and
// hand-writes the grpc.ServiceDesc/client-stub plumbing protoc would
// otherwise generate. The transport, streaming, deadlines and connection
// management are all genuine grpc-go; only the wire encoding differs from a
// typical generated client.
package rpc

import (
	"encoding/json"

	"google.golang.org/grpc/encoding"
)

const codecName = "json"

type jsonCodec struct{}

func (jsonCodec) Marshal(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v interface{}) error {
	return json.Unmarshal(data, v)
}

func (jsonCodec) Name() string {
	return codecName
}

func init() {
	encoding.RegisterCodec(jsonCodec{})
}
