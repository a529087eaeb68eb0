// Package relay bridges browsers to the replication mesh over websockets.
//
// A relay holds one graph. Every connected browser sits behind the relay,
// which joins the graph as a single hub peer: whatever the graph emits is written
// to every open connection, and whatever a connection sends is merged into the graph.
package relay

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"

	"github.com/bringyour/meshsync/graph"
	"github.com/bringyour/meshsync/protocol"
)

const RelayPeerId = "relay"

type RelaySettings struct {
	// the single upgrade path
	Path             string
	SendBufferSize   int
	PingTimeout      time.Duration
	WriteTimeout     time.Duration
	HandshakeTimeout time.Duration
	// max inbound message size in bytes
	ReadLimit int64
}

func DefaultRelaySettings() *RelaySettings {
	return &RelaySettings{
		Path:             "/gun",
		SendBufferSize:   64,
		PingTimeout:      15 * time.Second,
		WriteTimeout:     5 * time.Second,
		HandshakeTimeout: 5 * time.Second,
		ReadLimit:        4 * 1024 * 1024,
	}
}

type Relay struct {
	ctx    context.Context
	cancel context.CancelFunc

	graph    *graph.Graph
	settings *RelaySettings
	metrics  *Metrics

	upgrader    *websocket.Upgrader
	connections *ConnectionSet
}

func NewRelayWithDefaults(ctx context.Context, g *graph.Graph) *Relay {
	return NewRelay(ctx, g, DefaultRelaySettings(), NewMetrics())
}

func NewRelay(ctx context.Context, g *graph.Graph, settings *RelaySettings, metrics *Metrics) *Relay {
	cancelCtx, cancel := context.WithCancel(ctx)
	relay := &Relay{
		ctx:      cancelCtx,
		cancel:   cancel,
		graph:    g,
		settings: settings,
		metrics:  metrics,
		upgrader: &websocket.Upgrader{
			HandshakeTimeout: settings.HandshakeTimeout,
			// tenant storefronts are served from many origins
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		connections: NewConnectionSet(),
	}
	g.AddPeer(relay)
	return relay
}

func (self *Relay) Connections() *ConnectionSet {
	return self.connections
}

func (self *Relay) Metrics() *Metrics {
	return self.metrics
}

// graph.HubPeer

func (self *Relay) Id() string {
	return RelayPeerId
}

func (self *Relay) IsHub() bool {
	return true
}

// writes `message` to every open connection
func (self *Relay) Send(message *protocol.Message) error {
	self.broadcast(message)
	return nil
}

func (self *Relay) broadcast(message *protocol.Message) {
	// serialized at most once per frame kind
	frames := map[protocol.FrameKind]*frame{}
	frameFor := func(kind protocol.FrameKind) *frame {
		if f, ok := frames[kind]; ok {
			return f
		}
		b, err := protocol.Encode(kind, message)
		if err != nil {
			glog.Infof("[relay]encode %s %s error = %s\n", kind, message.Id, err)
			frames[kind] = nil
			return nil
		}
		f := &frame{
			messageType: wsMessageType(kind),
			b:           b,
		}
		frames[kind] = f
		return f
	}

	for _, connection := range self.connections.List() {
		graph.HandleError(func() {
			f := frameFor(connection.Kind())
			if f == nil {
				return
			}
			if err := connection.enqueue(f); err != nil {
				glog.V(1).Infof("[relay]%s-> %s error = %s\n", connection.Id(), message.Id, err)
			}
		})
	}
}

// the upgrade endpoint, or a liveness response
func (self *Relay) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == self.settings.Path && isUpgrade(r) {
		ws, err := self.upgrader.Upgrade(w, r, nil)
		if err != nil {
			// the upgrader already wrote the error response
			glog.Infof("[relay]upgrade %s error = %s\n", r.RemoteAddr, err)
			return
		}
		if 0 < self.settings.ReadLimit {
			ws.SetReadLimit(self.settings.ReadLimit)
		}
		connection := self.Accept(ws)
		glog.V(1).Infof("[relay]upgrade %s as %s\n", r.RemoteAddr, connection.Id())
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok\n"))
}

func isUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket")
}

// adds an established connection to the connection set and starts its loops
func (self *Relay) Accept(conn Conn) *Connection {
	connection := newConnection(self.ctx, self, conn)
	self.connections.Add(connection)
	self.metrics.Connections.Inc()
	go connection.runWrite()
	go connection.runRead()
	return connection
}

func (self *Relay) Close() {
	self.cancel()
	self.graph.RemovePeer(self)
	for _, connection := range self.connections.List() {
		connection.Close()
	}
}
