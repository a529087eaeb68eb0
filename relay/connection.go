package relay

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
	"golang.org/x/exp/maps"

	"github.com/bringyour/meshsync/graph"
	"github.com/bringyour/meshsync/protocol"
)

var ErrConnectionClosed = errors.New("Connection closed.")

// the part of `*websocket.Conn` a relay connection uses
type Conn interface {
	ReadMessage() (messageType int, b []byte, err error)
	WriteMessage(messageType int, b []byte) error
	WriteControl(messageType int, b []byte, deadline time.Time) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

type frame struct {
	messageType int
	b           []byte
}

func wsMessageType(kind protocol.FrameKind) int {
	switch kind {
	case protocol.FrameKindProto:
		return websocket.BinaryMessage
	default:
		return websocket.TextMessage
	}
}

// one upgraded websocket
// reads run on one goroutine and writes on another, fed by a bounded send queue
type Connection struct {
	ctx    context.Context
	cancel context.CancelFunc

	id    string
	relay *Relay
	conn  Conn

	// frames are written back in the kind last received
	kind atomic.Int32

	send      chan *frame
	closeOnce sync.Once
}

func newConnection(ctx context.Context, relay *Relay, conn Conn) *Connection {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &Connection{
		ctx:    cancelCtx,
		cancel: cancel,
		id:     protocol.NewMessageId(),
		relay:  relay,
		conn:   conn,
		send:   make(chan *frame, relay.settings.SendBufferSize),
	}
}

func (self *Connection) Id() string {
	return self.id
}

func (self *Connection) Kind() protocol.FrameKind {
	return protocol.FrameKind(self.kind.Load())
}

func (self *Connection) Done() <-chan struct{} {
	return self.ctx.Done()
}

// queues a frame for the write goroutine without blocking the broadcast
// a connection whose queue is full cannot keep up and is closed
func (self *Connection) enqueue(f *frame) error {
	select {
	case <-self.ctx.Done():
		return ErrConnectionClosed
	case self.send <- f:
		return nil
	default:
		self.relay.metrics.WriteErrors.Inc()
		glog.Infof("[relay]%s-> send queue full\n", self.id)
		self.Close()
		return ErrConnectionClosed
	}
}

func (self *Connection) runWrite() {
	defer self.Close()

	for {
		select {
		case <-self.ctx.Done():
			return
		case f := <-self.send:
			self.conn.SetWriteDeadline(time.Now().Add(self.relay.settings.WriteTimeout))
			if err := self.conn.WriteMessage(f.messageType, f.b); err != nil {
				// note that for websocket a deadline timeout cannot be recovered
				if self.ctx.Err() == nil {
					// not a write interrupted by close
					self.relay.metrics.WriteErrors.Inc()
					glog.Infof("[relay]%s-> error = %s\n", self.id, err)
				}
				return
			}
			self.relay.metrics.Outbound.Inc()
			glog.V(2).Infof("[relay]%s->\n", self.id)
		case <-time.After(self.relay.settings.PingTimeout):
			deadline := time.Now().Add(self.relay.settings.WriteTimeout)
			if err := self.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				glog.V(1).Infof("[relay]ping %s-> error = %s\n", self.id, err)
				return
			}
		}
	}
}

func (self *Connection) runRead() {
	defer self.Close()

	for {
		select {
		case <-self.ctx.Done():
			return
		default:
		}

		messageType, b, err := self.conn.ReadMessage()
		if err != nil {
			glog.V(1).Infof("[relay]%s<- closed = %s\n", self.id, err)
			return
		}

		var kind protocol.FrameKind
		switch messageType {
		case websocket.TextMessage:
			kind = protocol.FrameKindJson
		case websocket.BinaryMessage:
			kind = protocol.FrameKindProto
		default:
			glog.V(2).Infof("[relay]other=%d %s<-\n", messageType, self.id)
			continue
		}
		if len(b) == 0 {
			// ping
			glog.V(2).Infof("[relay]ping %s<-\n", self.id)
			continue
		}

		message, err := protocol.Decode(kind, b)
		if err != nil {
			self.relay.metrics.Malformed.Inc()
			glog.Infof("[relay]%s<- drop malformed = %s\n", self.id, err)
			continue
		}
		self.kind.Store(int32(kind))
		self.relay.metrics.Inbound.Inc()
		glog.V(2).Infof("[relay]%s<- %s\n", self.id, message.Id)
		if !self.relay.graph.Receive(message, self.relay) {
			return
		}
	}
}

// idempotent
// removes the connection from the relay's connection set
func (self *Connection) Close() {
	self.closeOnce.Do(func() {
		self.cancel()
		graph.HandleError(func() {
			self.conn.Close()
		})
		if self.relay.connections.Remove(self.id) {
			self.relay.metrics.Connections.Dec()
			glog.V(1).Infof("[relay]remove %s\n", self.id)
		}
	})
}

// connections by id
type ConnectionSet struct {
	stateLock   sync.Mutex
	connections map[string]*Connection
}

func NewConnectionSet() *ConnectionSet {
	return &ConnectionSet{
		connections: map[string]*Connection{},
	}
}

func (self *ConnectionSet) Add(connection *Connection) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.connections[connection.Id()] = connection
}

// returns true only for the call that removed the connection
func (self *ConnectionSet) Remove(connectionId string) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if _, ok := self.connections[connectionId]; !ok {
		return false
	}
	delete(self.connections, connectionId)
	return true
}

func (self *ConnectionSet) Contains(connectionId string) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	_, ok := self.connections[connectionId]
	return ok
}

func (self *ConnectionSet) Len() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return len(self.connections)
}

func (self *ConnectionSet) List() []*Connection {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return maps.Values(self.connections)
}
