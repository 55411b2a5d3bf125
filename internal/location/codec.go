package location

import (
	"encoding/json"

	"google.golang.org/grpc"
)

// codecName is sent as the content-subtype, i.e. application/grpc+json.
const codecName = "json"

// jsonCodec lets the stream carry plain Go structs without generated
// protobuf types.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                       { return codecName }

// ServerOption forces the JSON codec on a grpc.Server.
func ServerOption() grpc.ServerOption {
	return grpc.ForceServerCodec(jsonCodec{})
}

// CallOption forces the JSON codec on a client call.
func CallOption() grpc.CallOption {
	return grpc.ForceCodec(jsonCodec{})
}
