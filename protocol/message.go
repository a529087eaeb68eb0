package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/oklog/ulid/v2"
	"golang.org/x/exp/maps"
)

// graph wire format
// a node is `{"_": {"#": soul, ">": {field: state}}, field: value, ...}`
// a link is `{"#": soul}`
// a message is `{"#": id, "@": ack, "put": {soul: node}, "get": {"#": soul}}`

const SoulKey = "#"
const MetaKey = "_"
const StateKey = ">"

var ErrMalformedMessage = errors.New("Malformed message.")

func NewMessageId() string {
	return ulid.Make().String()
}

func NewSoul() string {
	return ulid.Make().String()
}

// comparable by value
func Link(soul string) map[string]any {
	return map[string]any{
		SoulKey: soul,
	}
}

// returns the soul if `value` is exactly a link
func LinkSoul(value any) (string, bool) {
	switch v := value.(type) {
	case map[string]any:
		if len(v) != 1 {
			return "", false
		}
		soul, ok := v[SoulKey].(string)
		if !ok || soul == "" {
			return "", false
		}
		return soul, true
	default:
		return "", false
	}
}

type Node struct {
	Soul   string
	Fields map[string]any
	// HAM state per field
	States map[string]float64
}

func NewNode(soul string) *Node {
	return &Node{
		Soul:   soul,
		Fields: map[string]any{},
		States: map[string]float64{},
	}
}

// field values are treated as immutable so a shallow copy is enough
func (self *Node) Clone() *Node {
	return &Node{
		Soul:   self.Soul,
		Fields: maps.Clone(self.Fields),
		States: maps.Clone(self.States),
	}
}

// the node fields with the identity meta attached, as seen by subscribers
func (self *Node) Data() map[string]any {
	data := maps.Clone(self.Fields)
	if data == nil {
		data = map[string]any{}
	}
	data[MetaKey] = Link(self.Soul)
	return data
}

// a node that only carries `fields`, for outbound puts
func (self *Node) Slice(fields []string) *Node {
	slice := NewNode(self.Soul)
	for _, field := range fields {
		if value, ok := self.Fields[field]; ok {
			slice.Fields[field] = value
			slice.States[field] = self.States[field]
		}
	}
	return slice
}

func (self *Node) MarshalJSON() ([]byte, error) {
	obj := make(map[string]any, len(self.Fields)+1)
	for field, value := range self.Fields {
		obj[field] = value
	}
	states := self.States
	if states == nil {
		states = map[string]float64{}
	}
	obj[MetaKey] = map[string]any{
		SoulKey:  self.Soul,
		StateKey: states,
	}
	return json.Marshal(obj)
}

func (self *Node) UnmarshalJSON(b []byte) error {
	obj := map[string]any{}
	if err := json.Unmarshal(b, &obj); err != nil {
		return err
	}
	self.Fields = map[string]any{}
	self.States = map[string]float64{}
	self.Soul = ""
	for field, value := range obj {
		if field == MetaKey {
			meta, ok := value.(map[string]any)
			if !ok {
				return fmt.Errorf("%w Node meta must be an object.", ErrMalformedMessage)
			}
			if soul, ok := meta[SoulKey].(string); ok {
				self.Soul = soul
			}
			if states, ok := meta[StateKey].(map[string]any); ok {
				for stateField, state := range states {
					if s, ok := state.(float64); ok {
						self.States[stateField] = s
					}
				}
			}
			continue
		}
		self.Fields[field] = value
	}
	return nil
}

type Get struct {
	Soul  string `json:"#"`
	Field string `json:".,omitempty"`
}

type Message struct {
	Id  string           `json:"#"`
	Ack string           `json:"@,omitempty"`
	Put map[string]*Node `json:"put,omitempty"`
	Get *Get             `json:"get,omitempty"`
	Err string           `json:"err,omitempty"`
}

func NewPutMessage(nodes ...*Node) *Message {
	put := map[string]*Node{}
	for _, node := range nodes {
		put[node.Soul] = node
	}
	return &Message{
		Id:  NewMessageId(),
		Put: put,
	}
}

func NewGetMessage(soul string) *Message {
	return &Message{
		Id: NewMessageId(),
		Get: &Get{
			Soul: soul,
		},
	}
}

// fills node souls from the put keys and checks the message has a purpose
func (self *Message) Validate() error {
	if self.Id == "" {
		return fmt.Errorf("%w Missing id.", ErrMalformedMessage)
	}
	if self.Put == nil && self.Get == nil && self.Ack == "" {
		return fmt.Errorf("%w Message %s has no put, get, or ack.", ErrMalformedMessage, self.Id)
	}
	for soul, node := range self.Put {
		if soul == "" {
			return fmt.Errorf("%w Empty soul in put %s.", ErrMalformedMessage, self.Id)
		}
		if node == nil {
			return fmt.Errorf("%w Null node %s in put %s.", ErrMalformedMessage, soul, self.Id)
		}
		if node.Soul == "" {
			node.Soul = soul
		} else if node.Soul != soul {
			return fmt.Errorf("%w Node soul %s does not match key %s.", ErrMalformedMessage, node.Soul, soul)
		}
	}
	if self.Get != nil && self.Get.Soul == "" {
		return fmt.Errorf("%w Empty get soul in %s.", ErrMalformedMessage, self.Id)
	}
	return nil
}
