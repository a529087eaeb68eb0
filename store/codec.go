package store

import (
	"reflect"

	"github.com/fxamacker/cbor/v2"

	"github.com/bringyour/meshsync/protocol"
)

// core deterministic encoding, so the same node always produces the same payload
var encMode cbor.EncMode

// field values decode into the same shapes json produces (map[string]any, []any, float64)
var decMode cbor.DecMode

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("store: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("store: CBOR decoder initialization failed: " + err.Error())
	}
}

type nodePayload struct {
	Fields map[string]any     `cbor:"1,keyasint"`
	States map[string]float64 `cbor:"2,keyasint"`
}

func encodeNode(node *protocol.Node) ([]byte, error) {
	return encMode.Marshal(&nodePayload{
		Fields: node.Fields,
		States: node.States,
	})
}

func decodeNode(soul string, payload []byte) (*protocol.Node, error) {
	var p nodePayload
	if err := decMode.Unmarshal(payload, &p); err != nil {
		return nil, err
	}
	node := protocol.NewNode(soul)
	for field, value := range p.Fields {
		node.Fields[field] = normalize(value)
	}
	for field, state := range p.States {
		node.States[field] = state
	}
	return node, nil
}

// integers come back from cbor as int64/uint64 when the writer stored them that way.
// graph values follow json, where every number is a float64
func normalize(value any) any {
	switch v := value.(type) {
	case int64:
		return float64(v)
	case uint64:
		return float64(v)
	case map[string]any:
		for key, child := range v {
			v[key] = normalize(child)
		}
		return v
	case []any:
		for i, child := range v {
			v[i] = normalize(child)
		}
		return v
	default:
		return value
	}
}
