package codec

import "google.golang.org/protobuf/proto"

// Protobuf serializes proto.Message metadata values. Flavors with schema'd
// metadata (e.g. tile conditional-request state shared across services) can
// keep one .proto definition instead of ad-hoc JSON.
type Protobuf[T proto.Message] struct {
	new func() T // constructor for a concrete message, e.g. func() *pb.TileMeta { return &pb.TileMeta{} }
}

func NewProtobuf[T proto.Message](ctor func() T) Protobuf[T] {
	return Protobuf[T]{new: ctor}
}

func (c Protobuf[T]) Encode(v T) ([]byte, error) {
	return proto.Marshal(v)
}
func (c Protobuf[T]) Decode(b []byte) (T, error) {
	m := c.new()
	err := proto.Unmarshal(b, m)
	return m, err
}
