// Package schema describes every synced collection and validates records against it.
//
// A registry is a tree of nodes. A node has the fields of the records stored at it,
// and named sub-collections. A logical path like "chat.message" walks the tree
// from the root, one segment per level.
package schema

import (
	_ "embed"
	"fmt"
	"os"
	"strings"

	"github.com/hashicorp/go-multierror"
	"gopkg.in/yaml.v3"
)

const Separator = "."

// the audit envelope every record carries
const (
	CreatedByField = "created_by"
	TimestampField = "timestamp"
	MetaField      = "_"
)

type FieldType string

const (
	TypeString  FieldType = "string"
	TypeNumber  FieldType = "number"
	TypeInteger FieldType = "integer"
	TypeBoolean FieldType = "boolean"
	// open map of string keys to primitive values
	TypeMap FieldType = "map"
	TypeList FieldType = "list"
)

func (self FieldType) IsPrimitive() bool {
	switch self {
	case TypeString, TypeNumber, TypeInteger, TypeBoolean:
		return true
	default:
		return false
	}
}

type Field struct {
	Type     FieldType `yaml:"type"`
	Required bool      `yaml:"required,omitempty"`
	Default  any       `yaml:"default,omitempty"`
	Enum     []string  `yaml:"enum,omitempty"`
	// element type for `map` and `list`
	Values FieldType `yaml:"values,omitempty"`
}

type Node struct {
	Fields      map[string]*Field `yaml:"fields,omitempty"`
	Collections map[string]*Node  `yaml:"collections,omitempty"`
}

var envelopeFields = map[string]*Field{
	CreatedByField: {Type: TypeString},
	TimestampField: {Type: TypeNumber},
}

// the field definition for `name`, including the audit envelope
// schema fields take precedence over the envelope
func (self *Node) field(name string) (*Field, bool) {
	if field, ok := self.Fields[name]; ok {
		return field, true
	}
	field, ok := envelopeFields[name]
	return field, ok
}

type Registry struct {
	root *Node
}

//go:embed platform.yaml
var platformYaml []byte

// the collections of the multi-tenant platform
func Platform() *Registry {
	registry, err := Load(platformYaml)
	if err != nil {
		panic(err)
	}
	return registry
}

func LoadFile(path string) (*Registry, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Load(b)
}

func Load(b []byte) (*Registry, error) {
	root := &Node{}
	if err := yaml.Unmarshal(b, root); err != nil {
		return nil, fmt.Errorf("Could not parse schema: %w", err)
	}
	return NewRegistry(root)
}

func NewRegistry(root *Node) (*Registry, error) {
	if err := check(root, nil).ErrorOrNil(); err != nil {
		return nil, err
	}
	return &Registry{
		root: root,
	}, nil
}

func (self *Registry) Root() *Node {
	return self.root
}

func check(node *Node, path []string) *multierror.Error {
	var result *multierror.Error
	for name, field := range node.Fields {
		fieldPath := strings.Join(append(append([]string{}, path...), name), Separator)
		if field == nil {
			result = multierror.Append(result, fmt.Errorf("%s: missing definition", fieldPath))
			continue
		}
		switch field.Type {
		case TypeString, TypeNumber, TypeInteger, TypeBoolean:
			if field.Values != "" {
				result = multierror.Append(result, fmt.Errorf("%s: values only apply to map and list", fieldPath))
			}
		case TypeMap:
			if field.Values != "" && !field.Values.IsPrimitive() {
				result = multierror.Append(result, fmt.Errorf("%s: map values must be primitive", fieldPath))
			}
		case TypeList:
			if field.Values != "" && !field.Values.IsPrimitive() && field.Values != TypeMap {
				result = multierror.Append(result, fmt.Errorf("%s: list values must be primitive or map", fieldPath))
			}
		default:
			result = multierror.Append(result, fmt.Errorf("%s: unknown type %q", fieldPath, field.Type))
			continue
		}
		if len(field.Enum) != 0 && field.Type != TypeString {
			result = multierror.Append(result, fmt.Errorf("%s: enum only applies to string", fieldPath))
		}
		if field.Default != nil {
			value, err := coerce(field, field.Default)
			if err != nil {
				result = multierror.Append(result, fmt.Errorf("%s: default %w", fieldPath, err))
			} else {
				field.Default = value
			}
		}
	}
	for name, child := range node.Collections {
		childPath := append(append([]string{}, path...), name)
		if child == nil {
			// an empty yaml mapping
			node.Collections[name] = &Node{}
			continue
		}
		result = multierror.Append(result, check(child, childPath).WrappedErrors()...)
	}
	return result
}

// the segments of a logical path. Empty segments are dropped.
func SplitPath(path string) []string {
	segments := []string{}
	for _, segment := range strings.Split(path, Separator) {
		if segment != "" {
			segments = append(segments, segment)
		}
	}
	return segments
}

type ResolutionKind int

const (
	ResolvedToNode ResolutionKind = iota
	// a segment did not name a sub-collection,
	// so the last resolved node stands for the rest of the path
	ResolvedToAncestorFallback
)

func (self ResolutionKind) String() string {
	switch self {
	case ResolvedToNode:
		return "node"
	case ResolvedToAncestorFallback:
		return "ancestor_fallback"
	default:
		return fmt.Sprintf("unknown(%d)", int(self))
	}
}

type Resolution struct {
	Path      string
	Kind      ResolutionKind
	Node      *Node
	Resolved  []string
	Remaining []string
}

func (self *Resolution) IsFallback() bool {
	return self.Kind == ResolvedToAncestorFallback
}

func (self *Registry) Resolve(path string) *Resolution {
	segments := SplitPath(path)
	node := self.root
	for i, segment := range segments {
		child, ok := node.Collections[segment]
		if !ok {
			return &Resolution{
				Path:      path,
				Kind:      ResolvedToAncestorFallback,
				Node:      node,
				Resolved:  segments[:i],
				Remaining: segments[i:],
			}
		}
		node = child
	}
	return &Resolution{
		Path:      path,
		Kind:      ResolvedToNode,
		Node:      node,
		Resolved:  segments,
		Remaining: []string{},
	}
}
