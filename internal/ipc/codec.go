package ipc

import (
	"encoding/json"

	"google.golang.org/grpc/encoding"
)

// codecName is the gRPC content-subtype this codec registers under.
// Every call made through controlServiceClient sets
// grpc.CallContentSubtype(codecName) so the server picks this codec
// instead of failing to find a "proto" one — nothing in this service
// is a generated protobuf message.
const codecName = "json"

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// jsonCodec is a minimal encoding.Codec backed by the standard
// encoding/json package, standing in for the protoc-generated codec a
// normal gRPC service would use. It is registered globally by Name()
// the same way the proto codec registers itself.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

func (jsonCodec) Name() string { return codecName }
