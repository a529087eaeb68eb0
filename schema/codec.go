package schema

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

type Mode int

const (
	// any subset of fields, no defaults
	ModeLenient Mode = iota
	// unknown fields rejected, required fields enforced, defaults applied
	ModeStrict
)

func (self Mode) String() string {
	switch self {
	case ModeLenient:
		return "lenient"
	case ModeStrict:
		return "strict"
	default:
		return fmt.Sprintf("unknown(%d)", int(self))
	}
}

type FieldError struct {
	Field  string
	Reason string
}

func (self *FieldError) Error() string {
	return fmt.Sprintf("%s: %s", self.Field, self.Reason)
}

type ValidationError struct {
	Path string
	Mode Mode
	// each issue is a *FieldError
	Err *multierror.Error
}

func (self *ValidationError) Error() string {
	return fmt.Sprintf("Invalid %s record at %s: %s", self.Mode, self.Path, self.Err)
}

func (self *ValidationError) Unwrap() error {
	return self.Err
}

func (self *ValidationError) Issues() []*FieldError {
	issues := []*FieldError{}
	for _, err := range self.Err.WrappedErrors() {
		if fieldErr, ok := err.(*FieldError); ok {
			issues = append(issues, fieldErr)
		}
	}
	return issues
}

func joinIssues(errs []error) string {
	parts := make([]string, len(errs))
	for i, err := range errs {
		parts[i] = err.Error()
	}
	return strings.Join(parts, "; ")
}

// a decoded record. `Soul` is the graph identity, or empty for a record that was never stored.
type Record struct {
	Soul   string
	Fields map[string]any
}

func (self *Record) CreatedBy() string {
	createdBy, _ := self.Fields[CreatedByField].(string)
	return createdBy
}

// ms since epoch
func (self *Record) Timestamp() float64 {
	timestamp, _ := self.Fields[TimestampField].(float64)
	return timestamp
}

func (self *Record) String(field string) string {
	value, _ := self.Fields[field].(string)
	return value
}

// the fields with the identity meta attached, the way subscribers see the record
func (self *Record) MarshalJSON() ([]byte, error) {
	obj := maps.Clone(self.Fields)
	if obj == nil {
		obj = map[string]any{}
	}
	if self.Soul != "" {
		obj[MetaField] = map[string]any{"#": self.Soul}
	}
	return json.Marshal(obj)
}

func (self *Registry) Decode(path string, raw any) (*Record, error) {
	record, _, err := self.DecodeWithResolution(path, raw, ModeLenient)
	return record, err
}

func (self *Registry) DecodeStrict(path string, raw any) (*Record, error) {
	record, _, err := self.DecodeWithResolution(path, raw, ModeStrict)
	return record, err
}

func (self *Registry) DecodeWithResolution(path string, raw any, mode Mode) (*Record, *Resolution, error) {
	resolution := self.Resolve(path)
	record, err := decode(resolution.Node, path, raw, mode)
	return record, resolution, err
}

func decode(node *Node, path string, raw any, mode Mode) (*Record, error) {
	var result *multierror.Error
	fail := func(field string, reason string, args ...any) {
		result = multierror.Append(result, &FieldError{
			Field:  field,
			Reason: fmt.Sprintf(reason, args...),
		})
	}
	finish := func(record *Record) (*Record, error) {
		if result == nil {
			return record, nil
		}
		result.ErrorFormat = joinIssues
		return nil, &ValidationError{
			Path: path,
			Mode: mode,
			Err:  result,
		}
	}

	obj, ok := normalizeValue(raw).(map[string]any)
	if !ok {
		fail(MetaField, "record must be an object, got %T", raw)
		return finish(nil)
	}

	record := &Record{
		Fields: map[string]any{},
	}

	names := maps.Keys(obj)
	slices.Sort(names)
	for _, name := range names {
		value := obj[name]
		if name == MetaField {
			soul, ok := metaSoul(value)
			if !ok {
				fail(name, "must be an identity object with a string \"#\"")
				continue
			}
			record.Soul = soul
			continue
		}
		field, ok := node.field(name)
		if !ok {
			if mode == ModeStrict {
				fail(name, "unknown field")
			}
			continue
		}
		if value == nil {
			if mode == ModeStrict && field.Required {
				fail(name, "is required")
				continue
			}
			record.Fields[name] = nil
			continue
		}
		coerced, err := coerce(field, value)
		if err != nil {
			fail(name, "%s", err)
			continue
		}
		record.Fields[name] = coerced
	}

	if mode == ModeStrict {
		fieldNames := maps.Keys(node.Fields)
		slices.Sort(fieldNames)
		for _, name := range fieldNames {
			field := node.Fields[name]
			if _, ok := obj[name]; ok {
				continue
			}
			if field.Default != nil {
				record.Fields[name] = field.Default
			} else if field.Required {
				fail(name, "is required")
			}
		}
	}

	return finish(record)
}

func metaSoul(value any) (string, bool) {
	meta, ok := value.(map[string]any)
	if !ok {
		return "", false
	}
	soul, ok := meta["#"].(string)
	if !ok || soul == "" {
		return "", false
	}
	return soul, true
}

// go-native values as json would produce them
// numbers become float64, slices []any and string-keyed maps map[string]any, recursively
func normalizeValue(value any) any {
	switch v := value.(type) {
	case nil, string, bool, float64, []any, map[string]any:
		return value
	case json.Number:
		if f, err := v.Float64(); err == nil {
			return f
		}
		return v.String()
	}

	rv := reflect.ValueOf(value)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(rv.Int())
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return float64(rv.Uint())
	case reflect.Float32, reflect.Float64:
		return rv.Float()
	case reflect.String:
		return rv.String()
	case reflect.Bool:
		return rv.Bool()
	case reflect.Slice, reflect.Array:
		values := make([]any, rv.Len())
		for i := 0; i < rv.Len(); i += 1 {
			values[i] = normalizeValue(rv.Index(i).Interface())
		}
		return values
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return value
		}
		values := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			values[iter.Key().String()] = normalizeValue(iter.Value().Interface())
		}
		return values
	case reflect.Pointer, reflect.Interface:
		if rv.IsNil() {
			return nil
		}
		return normalizeValue(rv.Elem().Interface())
	default:
		return value
	}
}

func coerce(field *Field, value any) (any, error) {
	value = normalizeValue(value)
	switch field.Type {
	case TypeString:
		s, ok := value.(string)
		if !ok {
			return nil, fmt.Errorf("expected string, got %T", value)
		}
		if len(field.Enum) != 0 && !slices.Contains(field.Enum, s) {
			return nil, fmt.Errorf("%q is not one of %s", s, strings.Join(field.Enum, ", "))
		}
		return s, nil
	case TypeNumber:
		return coerceNumber(value)
	case TypeInteger:
		f, err := coerceNumber(value)
		if err != nil {
			return nil, err
		}
		if f != math.Trunc(f) {
			return nil, fmt.Errorf("expected integer, got %v", f)
		}
		return f, nil
	case TypeBoolean:
		switch v := value.(type) {
		case bool:
			return v, nil
		case string:
			switch v {
			case "true":
				return true, nil
			case "false":
				return false, nil
			default:
				return nil, fmt.Errorf("expected boolean, got %q", v)
			}
		default:
			return nil, fmt.Errorf("expected boolean, got %T", value)
		}
	case TypeMap:
		m, ok := value.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("expected map, got %T", value)
		}
		values := make(map[string]any, len(m))
		for key, elem := range m {
			coerced, err := coerceElem(field.Values, elem)
			if err != nil {
				return nil, fmt.Errorf("[%s] %w", key, err)
			}
			values[key] = coerced
		}
		return values, nil
	case TypeList:
		list, ok := value.([]any)
		if !ok {
			return nil, fmt.Errorf("expected list, got %T", value)
		}
		values := make([]any, len(list))
		for i, elem := range list {
			coerced, err := coerceElem(field.Values, elem)
			if err != nil {
				return nil, fmt.Errorf("[%d] %w", i, err)
			}
			values[i] = coerced
		}
		return values, nil
	default:
		return nil, fmt.Errorf("unknown type %q", field.Type)
	}
}

// an untyped element may be any primitive or null
func coerceElem(elemType FieldType, value any) (any, error) {
	value = normalizeValue(value)
	if elemType == "" {
		switch value.(type) {
		case nil, string, float64, bool:
			return value, nil
		default:
			return nil, fmt.Errorf("expected primitive, got %T", value)
		}
	}
	if value == nil {
		return nil, nil
	}
	if elemType == TypeMap {
		return coerce(&Field{Type: TypeMap}, value)
	}
	return coerce(&Field{Type: elemType}, value)
}

func coerceNumber(value any) (float64, error) {
	switch v := value.(type) {
	case float64:
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return 0, fmt.Errorf("expected finite number, got %v", v)
		}
		return v, nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			return 0, fmt.Errorf("expected number, got %q", v)
		}
		return f, nil
	default:
		return 0, fmt.Errorf("expected number, got %T", value)
	}
}
