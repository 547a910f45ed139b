package controlplane

import (
	"encoding/json"
	"fmt"

	"google.golang.org/grpc/encoding"
)

// jsonCodecName is the gRPC content-subtype this client negotiates.
// The watcher side is expected to register the same codec under this
// name — the proxy never depends on protoc-generated message types,
// only on grpc-go's pluggable encoding.Codec interface.
const jsonCodecName = "koriproxyjson"

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// jsonCodec implements encoding.Codec (formerly encoding.CodecV2's
// predecessor interface) using encoding/json instead of protobuf wire
// encoding, so the control-plane messages in this package can stay
// plain Go structs.
type jsonCodec struct{}

func (jsonCodec) Name() string { return jsonCodecName }

func (jsonCodec) Marshal(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("controlplane: marshaling %T: %w", v, err)
	}
	return b, nil
}

func (jsonCodec) Unmarshal(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("controlplane: unmarshaling into %T: %w", v, err)
	}
	return nil
}
