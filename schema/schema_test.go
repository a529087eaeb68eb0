package schema

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/go-playground/assert/v2"
	"github.com/google/go-cmp/cmp"
)

const testSchema = `
collections:
  t:
    fields:
      a: {type: string, required: true}
      b: {type: number, required: true}
  chat:
    collections:
      message:
        fields:
          content: {type: string, required: true}
          read: {type: boolean, default: false}
`

func testRegistry(t *testing.T) *Registry {
	registry, err := Load([]byte(testSchema))
	assert.Equal(t, err, nil)
	return registry
}

func TestPlatform(t *testing.T) {
	registry := Platform()
	for _, path := range []string{
		"chat.message",
		"chat.room",
		"store.product",
		"store.order",
		"restaurant.table",
		"restaurant.reservation",
		"tenant.profile",
	} {
		resolution := registry.Resolve(path)
		assert.Equal(t, resolution.Kind, ResolvedToNode)
		assert.NotEqual(t, len(resolution.Node.Fields), 0)
	}

	status := registry.Resolve("store.order").Node.Fields["status"]
	assert.Equal(t, status.Default, "pending")
	stock := registry.Resolve("store.product").Node.Fields["stock"]
	// yaml integers are held as json numbers
	assert.Equal(t, stock.Default, 0.0)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "schema.yaml")
	assert.Equal(t, os.WriteFile(path, []byte(testSchema), 0o600), nil)
	registry, err := LoadFile(path)
	assert.Equal(t, err, nil)
	assert.Equal(t, registry.Resolve("t").Kind, ResolvedToNode)

	_, err = LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.NotEqual(t, err, nil)
}

func TestLoadInvalid(t *testing.T) {
	_, err := Load([]byte(`
collections:
  x:
    fields:
      a: {type: text}
      b: {type: number, enum: [one]}
      c: {type: boolean, default: maybe}
      d: {type: string, values: string}
`))
	assert.NotEqual(t, err, nil)
	message := err.Error()
	assert.Equal(t, strings.Contains(message, "x.a: unknown type"), true)
	assert.Equal(t, strings.Contains(message, "x.b: enum only applies to string"), true)
	assert.Equal(t, strings.Contains(message, "x.c: default"), true)
	assert.Equal(t, strings.Contains(message, "x.d: values only apply"), true)

	_, err = Load([]byte("collections: ["))
	assert.NotEqual(t, err, nil)
}

func TestSplitPath(t *testing.T) {
	assert.Equal(t, SplitPath("chat.message"), []string{"chat", "message"})
	assert.Equal(t, SplitPath(".chat..message."), []string{"chat", "message"})
	assert.Equal(t, SplitPath(""), []string{})
}

func TestResolve(t *testing.T) {
	registry := testRegistry(t)

	resolution := registry.Resolve("chat.message")
	assert.Equal(t, resolution.Kind, ResolvedToNode)
	assert.Equal(t, resolution.IsFallback(), false)
	assert.Equal(t, resolution.Resolved, []string{"chat", "message"})
	assert.Equal(t, resolution.Remaining, []string{})

	// a typo resolves to the nearest ancestor, tagged
	resolution = registry.Resolve("chat.mesage")
	assert.Equal(t, resolution.Kind, ResolvedToAncestorFallback)
	assert.Equal(t, resolution.Node, registry.Resolve("chat").Node)
	assert.Equal(t, resolution.Resolved, []string{"chat"})
	assert.Equal(t, resolution.Remaining, []string{"mesage"})

	// instance keys past the terminal node
	resolution = registry.Resolve("chat.message.room42.01J0000000000000000000000")
	assert.Equal(t, resolution.IsFallback(), true)
	assert.Equal(t, resolution.Node, registry.Resolve("chat.message").Node)

	resolution = registry.Resolve("")
	assert.Equal(t, resolution.Node, registry.Root())
	assert.Equal(t, resolution.Kind, ResolvedToNode)
}

func TestDecodeStrict(t *testing.T) {
	registry := testRegistry(t)

	record, err := registry.DecodeStrict("t", map[string]any{"a": "x", "b": 1})
	assert.Equal(t, err, nil)
	if diff := cmp.Diff(map[string]any{"a": "x", "b": 1.0}, record.Fields); diff != "" {
		t.Fatalf("fields mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, record.Soul, "")

	_, err = registry.DecodeStrict("t", map[string]any{"a": "x", "b": 1, "c": 2})
	var validationErr *ValidationError
	assert.Equal(t, errors.As(err, &validationErr), true)
	assert.Equal(t, validationErr.Mode, ModeStrict)
	assert.Equal(t, validationErr.Path, "t")
	assert.Equal(t, validationErr.Issues(), []*FieldError{{Field: "c", Reason: "unknown field"}})

	_, err = registry.DecodeStrict("t", map[string]any{"a": "x"})
	assert.Equal(t, errors.As(err, &validationErr), true)
	assert.Equal(t, validationErr.Issues(), []*FieldError{{Field: "b", Reason: "is required"}})

	// all issues are reported together
	_, err = registry.DecodeStrict("t", map[string]any{"a": 1.0, "z": true})
	assert.Equal(t, errors.As(err, &validationErr), true)
	assert.Equal(t, len(validationErr.Issues()), 3)

	// defaults apply to absent optional fields
	record, err = registry.DecodeStrict("chat.message", map[string]any{"content": "hi"})
	assert.Equal(t, err, nil)
	assert.Equal(t, record.Fields["read"], false)
}

func TestDecodeLenient(t *testing.T) {
	registry := testRegistry(t)

	record, err := registry.Decode("t", map[string]any{"b": 2.0})
	assert.Equal(t, err, nil)
	if diff := cmp.Diff(map[string]any{"b": 2.0}, record.Fields); diff != "" {
		t.Fatalf("fields mismatch (-want +got):\n%s", diff)
	}

	// unknown fields are dropped, no defaults
	record, err = registry.Decode("chat.message", map[string]any{
		"content": "hi",
		"extra":   "x",
		"_":       map[string]any{"#": "s1"},
	})
	assert.Equal(t, err, nil)
	assert.Equal(t, record.Soul, "s1")
	if diff := cmp.Diff(map[string]any{"content": "hi"}, record.Fields); diff != "" {
		t.Fatalf("fields mismatch (-want +got):\n%s", diff)
	}

	_, err = registry.Decode("t", "not an object")
	var validationErr *ValidationError
	assert.Equal(t, errors.As(err, &validationErr), true)
	assert.Equal(t, validationErr.Mode, ModeLenient)

	_, err = registry.Decode("t", map[string]any{"b": "many"})
	assert.Equal(t, errors.As(err, &validationErr), true)
}

func TestDecodeFallthrough(t *testing.T) {
	registry := testRegistry(t)

	record, resolution, err := registry.DecodeWithResolution("chat.message.room42.x", map[string]any{"content": "hi"}, ModeLenient)
	assert.Equal(t, err, nil)
	assert.Equal(t, resolution.IsFallback(), true)
	assert.Equal(t, record.Fields["content"], "hi")
}

func TestEnvelope(t *testing.T) {
	registry := testRegistry(t)

	record, err := registry.DecodeStrict("chat.message", map[string]any{
		"content":    "hi",
		"created_by": "u1",
		"timestamp":  1000,
	})
	assert.Equal(t, err, nil)
	assert.Equal(t, record.CreatedBy(), "u1")
	assert.Equal(t, record.Timestamp(), 1000.0)

	_, err = registry.DecodeStrict("chat.message", map[string]any{
		"content":    "hi",
		"created_by": 7,
	})
	assert.NotEqual(t, err, nil)
}

func TestCoerce(t *testing.T) {
	registry := Platform()

	record, err := registry.Decode("store.product", map[string]any{
		"price":      "12.50",
		"stock":      3.0,
		"active":     "false",
		"attributes": map[string]string{"size": "L"},
		"variants":   []any{map[string]any{"color": "red", "extra": 1.0}},
	})
	assert.Equal(t, err, nil)
	assert.Equal(t, record.Fields["price"], 12.5)
	assert.Equal(t, record.Fields["stock"], 3.0)
	assert.Equal(t, record.Fields["active"], false)
	assert.Equal(t, record.Fields["attributes"], map[string]any{"size": "L"})

	_, err = registry.Decode("store.product", map[string]any{"stock": 1.5})
	assert.NotEqual(t, err, nil)

	_, err = registry.Decode("store.order", map[string]any{"status": "lost"})
	assert.NotEqual(t, err, nil)

	_, err = registry.Decode("store.product", map[string]any{"attributes": map[string]any{"nested": map[string]any{}}})
	assert.NotEqual(t, err, nil)

	// only the words true and false are booleans
	for _, value := range []string{"1", "0", "t", "F", "TRUE", "yes"} {
		_, err = registry.Decode("chat.message", map[string]any{"read": value})
		assert.NotEqual(t, err, nil)
	}
	record, err = registry.Decode("chat.message", map[string]any{"read": "true", "delivered": "false"})
	assert.Equal(t, err, nil)
	assert.Equal(t, record.Fields["read"], true)
	assert.Equal(t, record.Fields["delivered"], false)
}

func TestCoerceGoValues(t *testing.T) {
	registry := Platform()

	type quantity int16

	record, err := registry.DecodeStrict("store.order", map[string]any{
		"customer_name": "ana",
		"items": []map[string]any{
			{"name": "tea", "qty": quantity(2), "price": float32(1.5)},
			{"name": "cake", "qty": uint8(1), "price": 4},
		},
		"total": int64(7),
	})
	assert.Equal(t, err, nil)
	assert.Equal(t, record.Fields["total"], 7.0)
	assert.Equal(t, record.Fields["items"], []any{
		map[string]any{"name": "tea", "qty": 2.0, "price": 1.5},
		map[string]any{"name": "cake", "qty": 1.0, "price": 4.0},
	})

	record, err = registry.Decode("store.product", map[string]any{
		"attributes": map[string]int8{"size": 3},
		"variants":   []map[string]string{{"color": "red"}},
		"stock":      uint16(9),
	})
	assert.Equal(t, err, nil)
	assert.Equal(t, record.Fields["attributes"], map[string]any{"size": 3.0})
	assert.Equal(t, record.Fields["variants"], []any{map[string]any{"color": "red"}})
	assert.Equal(t, record.Fields["stock"], 9.0)

	// open map values stay primitive
	_, err = registry.Decode("store.product", map[string]any{
		"attributes": map[string]any{"sizes": []float64{1, 2}},
	})
	assert.NotEqual(t, err, nil)
}

func TestRecordJson(t *testing.T) {
	record := &Record{
		Soul:   "s1",
		Fields: map[string]any{"content": "hi"},
	}
	b, err := record.MarshalJSON()
	assert.Equal(t, err, nil)
	assert.Equal(t, string(b), `{"_":{"#":"s1"},"content":"hi"}`)
	// marshal does not touch the fields
	assert.Equal(t, len(record.Fields), 1)
}
