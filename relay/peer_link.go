package relay

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"

	"github.com/bringyour/meshsync/graph"
	"github.com/bringyour/meshsync/protocol"
)

var ErrNotConnected = errors.New("Peer link not connected.")

type PeerLinkSettings struct {
	FrameKind        protocol.FrameKind
	HandshakeTimeout time.Duration
	ReconnectTimeout time.Duration
	PingTimeout      time.Duration
	WriteTimeout     time.Duration
	ReadTimeout      time.Duration
	SendBufferSize   int
	Header           http.Header
}

func DefaultPeerLinkSettings() *PeerLinkSettings {
	return &PeerLinkSettings{
		FrameKind:        protocol.FrameKindProto,
		HandshakeTimeout: 5 * time.Second,
		ReconnectTimeout: 5 * time.Second,
		PingTimeout:      5 * time.Second,
		WriteTimeout:     5 * time.Second,
		// longer than the remote relay ping interval
		ReadTimeout:    45 * time.Second,
		SendBufferSize: 64,
	}
}

// waits out the rest of `timeout` since the last connect attempt
type Reconnect struct {
	start   time.Time
	timeout time.Duration
}

func NewReconnect(timeout time.Duration) *Reconnect {
	return &Reconnect{
		start:   time.Now(),
		timeout: timeout,
	}
}

func (self *Reconnect) After() <-chan time.Time {
	remaining := self.timeout - time.Since(self.start)
	if remaining < 0 {
		remaining = 0
	}
	return time.After(remaining)
}

// a graph peer that is another relay, reached over a websocket this side dials
// the link keeps reconnecting until closed, and is a graph peer only while connected
type PeerLink struct {
	ctx    context.Context
	cancel context.CancelFunc

	graph    *graph.Graph
	url      string
	settings *PeerLinkSettings

	stateLock sync.Mutex
	// nil while disconnected
	send chan []byte
	// closed on each connect
	connectNotify chan struct{}
}

func NewPeerLinkWithDefaults(ctx context.Context, g *graph.Graph, url string) *PeerLink {
	return NewPeerLink(ctx, g, url, DefaultPeerLinkSettings())
}

func NewPeerLink(ctx context.Context, g *graph.Graph, url string, settings *PeerLinkSettings) *PeerLink {
	cancelCtx, cancel := context.WithCancel(ctx)
	link := &PeerLink{
		ctx:           cancelCtx,
		cancel:        cancel,
		graph:         g,
		url:           url,
		settings:      settings,
		connectNotify: make(chan struct{}),
	}
	go link.run()
	return link
}

func (self *PeerLink) Id() string {
	return fmt.Sprintf("link:%s", self.url)
}

func (self *PeerLink) Send(message *protocol.Message) error {
	b, err := protocol.Encode(self.settings.FrameKind, message)
	if err != nil {
		return err
	}

	self.stateLock.Lock()
	send := self.send
	self.stateLock.Unlock()
	if send == nil {
		return ErrNotConnected
	}

	// never blocks the graph. A full queue drops the message.
	select {
	case <-self.ctx.Done():
		return ErrNotConnected
	case send <- b:
		return nil
	default:
		return fmt.Errorf("Peer link %s send queue full.", self.url)
	}
}

func (self *PeerLink) IsConnected() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.send != nil
}

// blocks until the link is connected
func (self *PeerLink) WaitForConnect(ctx context.Context) error {
	self.stateLock.Lock()
	connected := self.send != nil
	connectNotify := self.connectNotify
	self.stateLock.Unlock()
	if connected {
		return nil
	}

	select {
	case <-connectNotify:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-self.ctx.Done():
		return self.ctx.Err()
	}
}

func (self *PeerLink) run() {
	defer self.cancel()

	dialer := &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: self.settings.HandshakeTimeout,
	}

	for {
		reconnect := NewReconnect(self.settings.ReconnectTimeout)
		ws, _, err := dialer.DialContext(self.ctx, self.url, self.settings.Header)
		if err != nil {
			glog.Infof("[link]connect %s error = %s\n", self.url, err)
			select {
			case <-self.ctx.Done():
				return
			case <-reconnect.After():
				continue
			}
		}

		c := func() {
			defer ws.Close()

			handleCtx, handleCancel := context.WithCancel(self.ctx)
			defer handleCancel()

			send := make(chan []byte, self.settings.SendBufferSize)
			func() {
				self.stateLock.Lock()
				defer self.stateLock.Unlock()
				self.send = send
				close(self.connectNotify)
			}()
			self.graph.AddPeer(self)
			glog.Infof("[link]connected %s\n", self.url)

			defer func() {
				func() {
					self.stateLock.Lock()
					defer self.stateLock.Unlock()
					self.send = nil
					self.connectNotify = make(chan struct{})
					// note `send` is not closed. Senders may still hold it.
				}()
				self.graph.RemovePeer(self)
			}()

			dataType := wsMessageType(self.settings.FrameKind)

			go func() {
				defer handleCancel()

				for {
					select {
					case <-handleCtx.Done():
						return
					case b := <-send:
						ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
						if err := ws.WriteMessage(dataType, b); err != nil {
							// note that for websocket a deadline timeout cannot be recovered
							glog.Infof("[link]%s-> error = %s\n", self.url, err)
							return
						}
						glog.V(2).Infof("[link]%s->\n", self.url)
					case <-time.After(self.settings.PingTimeout):
						ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
						if err := ws.WriteMessage(dataType, make([]byte, 0)); err != nil {
							return
						}
					}
				}
			}()

			go func() {
				defer handleCancel()

				ws.SetPingHandler(func(data string) error {
					ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
					return ws.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(self.settings.WriteTimeout))
				})

				for {
					select {
					case <-handleCtx.Done():
						return
					default:
					}

					ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
					messageType, b, err := ws.ReadMessage()
					if err != nil {
						glog.Infof("[link]%s<- error = %s\n", self.url, err)
						return
					}

					var kind protocol.FrameKind
					switch messageType {
					case websocket.TextMessage:
						kind = protocol.FrameKindJson
					case websocket.BinaryMessage:
						kind = protocol.FrameKindProto
					default:
						glog.V(2).Infof("[link]other=%d %s<-\n", messageType, self.url)
						continue
					}
					if len(b) == 0 {
						// ping
						continue
					}

					message, err := protocol.Decode(kind, b)
					if err != nil {
						glog.Infof("[link]%s<- drop malformed = %s\n", self.url, err)
						continue
					}
					glog.V(2).Infof("[link]%s<- %s\n", self.url, message.Id)
					if !self.graph.Receive(message, self) {
						return
					}
				}
			}()

			select {
			case <-handleCtx.Done():
			}
		}
		reconnect = NewReconnect(self.settings.ReconnectTimeout)
		if glog.V(2) {
			graph.Trace(fmt.Sprintf("[link]connect run %s", self.url), c)
		} else {
			c()
		}
		select {
		case <-self.ctx.Done():
			return
		case <-reconnect.After():
		}
	}
}

func (self *PeerLink) Close() {
	self.cancel()
}
