// Package livesync reads and writes schema-validated records on a replicated graph.
//
// Records of a logical path live under a storage key: the path segments followed by
// caller instance keys. Each record is a child of that key, linked under its own soul.
package livesync

import (
	"context"

	"github.com/bringyour/meshsync/graph"
	"github.com/bringyour/meshsync/schema"
)

// the graph and registry bound together for one application
type Client struct {
	graph    *graph.Graph
	registry *schema.Registry
	gateway  *Gateway
}

func NewWithDefaults(g *graph.Graph, registry *schema.Registry) *Client {
	return New(g, registry, DefaultGatewaySettings())
}

func New(g *graph.Graph, registry *schema.Registry, settings *GatewaySettings) *Client {
	return &Client{
		graph:    g,
		registry: registry,
		gateway:  NewGateway(g, registry, settings),
	}
}

func (self *Client) Graph() *graph.Graph {
	return self.graph
}

func (self *Client) Registry() *schema.Registry {
	return self.registry
}

func (self *Client) Create(path string, keys []string, payload map[string]any) (*schema.Record, error) {
	return self.gateway.Create(path, keys, payload)
}

func (self *Client) Update(path string, keys []string, id string, partial map[string]any) error {
	return self.gateway.Update(path, keys, id, partial)
}

func (self *Client) Delete(path string, keys []string, id string) error {
	return self.gateway.Delete(path, keys, id)
}

func (self *Client) Read(ctx context.Context, path string, keys []string, id string) (*schema.Record, error) {
	return self.gateway.Read(ctx, path, keys, id)
}

// a started collection. The caller closes it.
func (self *Client) Subscribe(path string, keys ...string) (*Collection, error) {
	if err := self.gateway.checkPath(path); err != nil {
		return nil, err
	}
	collection := NewCollection(self.graph, self.registry, path, keys...)
	if err := collection.Start(); err != nil {
		return nil, err
	}
	return collection, nil
}
