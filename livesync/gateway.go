package livesync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang/glog"

	"github.com/bringyour/meshsync/graph"
	"github.com/bringyour/meshsync/protocol"
	"github.com/bringyour/meshsync/schema"
)

// writes and one-shot reads of schema-validated records

var ErrNotFound = graph.ErrNotFound
var ErrPathFallthrough = errors.New("Path does not resolve to a schema node.")
var ErrMissingId = errors.New("Missing record id.")

type GatewaySettings struct {
	// reject paths that only resolve by falling back to an ancestor
	ExactPaths bool
	// bound on fetching a record that is not known locally
	ReadTimeout time.Duration
	// written as `created_by`
	Identity string
}

func DefaultGatewaySettings() *GatewaySettings {
	return &GatewaySettings{
		ExactPaths:  false,
		ReadTimeout: 10 * time.Second,
	}
}

type Gateway struct {
	graph    *graph.Graph
	registry *schema.Registry
	settings *GatewaySettings
	now      func() time.Time
}

func NewGatewayWithDefaults(g *graph.Graph, registry *schema.Registry) *Gateway {
	return NewGateway(g, registry, DefaultGatewaySettings())
}

func NewGateway(g *graph.Graph, registry *schema.Registry, settings *GatewaySettings) *Gateway {
	return &Gateway{
		graph:    g,
		registry: registry,
		settings: settings,
		now:      time.Now,
	}
}

func (self *Gateway) checkPath(path string) error {
	resolution := self.registry.Resolve(path)
	if !resolution.IsFallback() {
		return nil
	}
	if self.settings.ExactPaths {
		return fmt.Errorf("%w %s (unresolved %v)", ErrPathFallthrough, path, resolution.Remaining)
	}
	glog.V(1).Infof("[gateway]%s resolves by fallback, unresolved %v\n", path, resolution.Remaining)
	return nil
}

// validates `payload` strictly, fills the envelope, and appends it as a new record.
// returns the record with its store-assigned soul
func (self *Gateway) Create(path string, keys []string, payload map[string]any) (*schema.Record, error) {
	if err := self.checkPath(path); err != nil {
		return nil, err
	}
	record, err := self.registry.DecodeStrict(path, payload)
	if err != nil {
		return nil, err
	}

	fields := record.Fields
	if _, ok := fields[schema.CreatedByField]; !ok && self.settings.Identity != "" {
		fields[schema.CreatedByField] = self.settings.Identity
	}
	if _, ok := fields[schema.TimestampField]; !ok {
		fields[schema.TimestampField] = float64(self.now().UnixMilli())
	}

	key := StorageKey(path, keys...)
	soul := self.graph.Set(key, fields)
	glog.V(1).Infof("[gateway]create %s/%s\n", key, soul)
	return &schema.Record{
		Soul:   soul,
		Fields: fields,
	}, nil
}

// merges the valid fields of `partial` into the record `id`. Other fields are left unchanged.
// an `id` that was never written is created from `partial` alone, like any graph put,
// so required fields are only enforced by Create
func (self *Gateway) Update(path string, keys []string, id string, partial map[string]any) error {
	if id == "" {
		return ErrMissingId
	}
	if err := self.checkPath(path); err != nil {
		return err
	}
	record, err := self.registry.Decode(path, partial)
	if err != nil {
		return err
	}
	if len(record.Fields) == 0 {
		return nil
	}

	key := StorageKey(path, keys...)
	self.graph.PutChild(key, id, record.Fields)
	glog.V(1).Infof("[gateway]update %s/%s\n", key, id)
	return nil
}

// tombstones the record `id`
func (self *Gateway) Delete(path string, keys []string, id string) error {
	if id == "" {
		return ErrMissingId
	}
	if err := self.checkPath(path); err != nil {
		return err
	}

	key := StorageKey(path, keys...)
	self.graph.Delete(key, id)
	glog.V(1).Infof("[gateway]delete %s/%s\n", key, id)
	return nil
}

// the current record `id`, or nil when it was deleted.
// ErrNotFound when the record was never written
func (self *Gateway) Read(ctx context.Context, path string, keys []string, id string) (*schema.Record, error) {
	if id == "" {
		return nil, ErrMissingId
	}
	if err := self.checkPath(path); err != nil {
		return nil, err
	}

	if 0 < self.settings.ReadTimeout {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, self.settings.ReadTimeout)
		defer cancel()
	}

	parent, err := self.graph.Fetch(ctx, StorageKey(path, keys...))
	if err != nil {
		return nil, err
	}
	value, ok := parent.Fields[id]
	if !ok {
		return nil, ErrNotFound
	}
	if value == nil {
		return nil, nil
	}
	childSoul, ok := protocol.LinkSoul(value)
	if !ok {
		return self.registry.Decode(path, value)
	}
	child, err := self.graph.Fetch(ctx, childSoul)
	if err != nil {
		return nil, err
	}
	return self.registry.Decode(path, child.Data())
}
