// Package codec provides pluggable (de)serialization for the hot layer and
// for flavor-specific metadata blobs. The engine itself never interprets the
// bytes; it only needs Encode(Decode(b)) to round-trip.
package codec

// Codec encodes/decodes values V to []byte for storage.
type Codec[V any] interface {
	Encode(V) ([]byte, error)
	Decode([]byte) (V, error)
}
