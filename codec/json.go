package codec

import "encoding/json"

// JSON is the debug-friendly codec; entries are readable in sqlite shells and
// redis-cli at the cost of size.
type JSON[V any] struct{}

func (JSON[V]) Encode(v V) ([]byte, error) { return json.Marshal(v) }
func (JSON[V]) Decode(b []byte) (V, error) {
	var v V
	err := json.Unmarshal(b, &v)
	return v, err
}
