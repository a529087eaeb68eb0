package graph

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/bringyour/meshsync/protocol"
)

// the replicated graph
// every participant in the mesh (relay or client) holds one graph.
// local writes are merged immediately and emitted to peers as puts.
// messages from peers are queued and merged by a single goroutine,
// and subscriber callbacks run in order on a single dispatch goroutine

var ErrNotFound = errors.New("Not found.")
var ErrNoPeers = errors.New("No peers.")

// `changed` are the fields that changed, or all fields on attach
type NodeFunction func(node *protocol.Node, changed []string)

// `value` is the child node data for a link, nil for a tombstone, or the raw field value
type ChildFunction func(childKey string, value any)

type Peer interface {
	Id() string
	Send(message *protocol.Message) error
}

// a peer that stands for many endpoints, e.g. a relay's connection set.
// puts received from a hub are also sent back to it,
// since the other endpoints behind it have not seen them
type HubPeer interface {
	Peer
	IsHub() bool
}

func isHub(peer Peer) bool {
	if hubPeer, ok := peer.(HubPeer); ok {
		return hubPeer.IsHub()
	}
	return false
}

type Journal interface {
	Load(ctx context.Context) ([]*protocol.Node, error)
	Save(ctx context.Context, nodes []*protocol.Node) error
	Close() error
}

type GraphSettings struct {
	InboundBufferSize int
	// message ids already seen
	DedupCacheSize int
	// forwarded get ids to the peer that asked
	RouteCacheSize int
	JournalTimeout time.Duration
}

func DefaultGraphSettings() *GraphSettings {
	return &GraphSettings{
		InboundBufferSize: 64,
		DedupCacheSize:    16 * 1024,
		RouteCacheSize:    4 * 1024,
		JournalTimeout:    5 * time.Second,
	}
}

type inboundMessage struct {
	message *protocol.Message
	from    Peer
}

type Graph struct {
	ctx    context.Context
	cancel context.CancelFunc

	settings *GraphSettings
	journal  Journal
	clock    *Clock

	// saves happen in the order the state changed
	journalLock sync.Mutex

	stateLock sync.Mutex
	nodes     map[string]*protocol.Node
	listeners map[string]*CallbackList[NodeFunction]
	peers     map[string]Peer
	// get message id -> signal
	acks map[string]chan struct{}

	dedup  *lru.Cache[string, struct{}]
	routes *lru.Cache[string, string]

	inbound chan *inboundMessage

	dispatchLock   sync.Mutex
	dispatchQueue  []func()
	dispatchSignal chan struct{}
}

func NewGraphWithDefaults(ctx context.Context) *Graph {
	graph, err := NewGraph(ctx, nil, DefaultGraphSettings())
	if err != nil {
		// without a journal there is nothing to load
		panic(err)
	}
	return graph
}

func NewGraph(ctx context.Context, journal Journal, settings *GraphSettings) (*Graph, error) {
	dedup, err := lru.New[string, struct{}](settings.DedupCacheSize)
	if err != nil {
		return nil, err
	}
	routes, err := lru.New[string, string](settings.RouteCacheSize)
	if err != nil {
		return nil, err
	}

	nodes := map[string]*protocol.Node{}
	if journal != nil {
		loadCtx, loadCancel := context.WithTimeout(ctx, settings.JournalTimeout)
		defer loadCancel()
		loadedNodes, err := journal.Load(loadCtx)
		if err != nil {
			return nil, fmt.Errorf("Could not load journal: %w", err)
		}
		for _, node := range loadedNodes {
			nodes[node.Soul] = node
		}
		glog.Infof("[graph]loaded %d nodes\n", len(nodes))
	}

	cancelCtx, cancel := context.WithCancel(ctx)
	graph := &Graph{
		ctx:            cancelCtx,
		cancel:         cancel,
		settings:       settings,
		journal:        journal,
		clock:          NewClock(),
		nodes:          nodes,
		listeners:      map[string]*CallbackList[NodeFunction]{},
		peers:          map[string]Peer{},
		acks:           map[string]chan struct{}{},
		dedup:          dedup,
		routes:         routes,
		inbound:        make(chan *inboundMessage, settings.InboundBufferSize),
		dispatchSignal: make(chan struct{}, 1),
	}
	go graph.run()
	go graph.dispatch()
	return graph, nil
}

func (self *Graph) Ctx() context.Context {
	return self.ctx
}

func (self *Graph) Close() {
	self.cancel()
	if self.journal != nil {
		if err := self.journal.Close(); err != nil {
			glog.Infof("[graph]journal close error = %s\n", err)
		}
	}
}

// a copy of the node
func (self *Graph) Node(soul string) (*protocol.Node, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	node, ok := self.nodes[soul]
	if !ok {
		return nil, false
	}
	return node.Clone(), true
}

func (self *Graph) NodeCount() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return len(self.nodes)
}

// merges `fields` into the node at `soul`
func (self *Graph) Put(soul string, fields map[string]any) {
	state := self.clock.State()
	self.write(stateNode(soul, fields, state))
}

// appends a new child node with a fresh soul under `soul`
// the child is linked from the parent under its own soul
func (self *Graph) Set(soul string, fields map[string]any) string {
	childSoul := protocol.NewSoul()
	state := self.clock.State()
	self.write(
		stateNode(childSoul, fields, state),
		stateNode(soul, map[string]any{childSoul: protocol.Link(childSoul)}, state),
	)
	return childSoul
}

// merges `fields` into the child linked from `soul` under `key`
// when there is no link yet, the child soul is `key`
func (self *Graph) PutChild(soul string, key string, fields map[string]any) string {
	var childSoul string
	var linked bool
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		if node, ok := self.nodes[soul]; ok {
			childSoul, linked = protocol.LinkSoul(node.Fields[key])
		}
	}()

	state := self.clock.State()
	if linked {
		self.write(stateNode(childSoul, fields, state))
	} else {
		childSoul = key
		self.write(
			stateNode(childSoul, fields, state),
			stateNode(soul, map[string]any{key: protocol.Link(childSoul)}, state),
		)
	}
	return childSoul
}

// tombstones the child under `key`. The child node itself is left in place.
func (self *Graph) Delete(soul string, key string) {
	self.Put(soul, map[string]any{key: nil})
}

func stateNode(soul string, fields map[string]any, state float64) *protocol.Node {
	node := protocol.NewNode(soul)
	for field, value := range fields {
		node.Fields[field] = value
		node.States[field] = state
	}
	return node
}

func (self *Graph) write(nodes ...*protocol.Node) {
	message := protocol.NewPutMessage(nodes...)
	self.dedup.Add(message.Id, struct{}{})
	self.apply(message.Put)
	self.broadcast(message, nil, false)
}

// merges the put into local state, persists changed nodes, and queues notifications
func (self *Graph) apply(put map[string]*protocol.Node) {
	changedNodes := []*protocol.Node{}
	save := false

	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		type notification struct {
			node      *protocol.Node
			changed   []string
			callbacks []NodeFunction
		}
		notifications := []*notification{}

		for soul, incoming := range put {
			current, ok := self.nodes[soul]
			if !ok {
				current = protocol.NewNode(soul)
			}
			changed := []string{}
			for field, value := range incoming.Fields {
				currentValue, present := current.Fields[field]
				if Wins(incoming.States[field], value, current.States[field], currentValue, present) {
					current.Fields[field] = value
					current.States[field] = incoming.States[field]
					changed = append(changed, field)
				}
			}
			if len(changed) == 0 {
				continue
			}
			slices.Sort(changed)
			self.nodes[soul] = current

			node := current.Clone()
			changedNodes = append(changedNodes, node)
			if listeners, ok := self.listeners[soul]; ok {
				notifications = append(notifications, &notification{
					node:      node,
					changed:   changed,
					callbacks: listeners.Get(),
				})
			}
		}

		// queue while holding the state lock so notifications keep state order
		fns := []func(){}
		for _, n := range notifications {
			for _, callback := range n.callbacks {
				fns = append(fns, func() {
					callback(n.node, n.changed)
				})
			}
		}
		self.enqueue(fns...)

		if self.journal != nil && 0 < len(changedNodes) {
			// taken before the state lock is released, so a later change cannot save first
			self.journalLock.Lock()
			save = true
		}
	}()

	if save {
		defer self.journalLock.Unlock()
		saveCtx, saveCancel := context.WithTimeout(self.ctx, self.settings.JournalTimeout)
		defer saveCancel()
		if err := self.journal.Save(saveCtx, changedNodes); err != nil {
			glog.Infof("[graph]journal save error = %s\n", err)
		}
	}
}

// fires `callback` with the current node on attach, if known, and after every change
// when the node is not known, peers are asked for it
func (self *Graph) On(soul string, callback NodeFunction) func() {
	var callbackId int
	var listeners *CallbackList[NodeFunction]
	known := false
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		var ok bool
		listeners, ok = self.listeners[soul]
		if !ok {
			listeners = NewCallbackList[NodeFunction]()
			self.listeners[soul] = listeners
		}
		callbackId = listeners.Add(callback)

		if current, ok := self.nodes[soul]; ok {
			known = true
			node := current.Clone()
			changed := maps.Keys(node.Fields)
			slices.Sort(changed)
			self.enqueue(func() {
				callback(node, changed)
			})
		}
	}()

	if !known {
		self.request(soul)
	}

	return func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		listeners.Remove(callbackId)
		if listeners.Len() == 0 && self.listeners[soul] == listeners {
			delete(self.listeners, soul)
		}
	}
}

// asks peers for `soul` without waiting
func (self *Graph) request(soul string) {
	message := protocol.NewGetMessage(soul)
	self.dedup.Add(message.Id, struct{}{})
	self.broadcast(message, nil, false)
}

// the local node, or the node as answered by a peer
func (self *Graph) Fetch(ctx context.Context, soul string) (*protocol.Node, error) {
	if node, ok := self.Node(soul); ok {
		return node, nil
	}
	if err := self.Sync(ctx, soul); err != nil {
		return nil, fmt.Errorf("%w (%w)", ErrNotFound, err)
	}
	if node, ok := self.Node(soul); ok {
		return node, nil
	}
	return nil, ErrNotFound
}

// asks peers for `soul` and waits for the first answer, which is merged like any put.
// since peers handle messages in order, an answer also means earlier writes to that peer were applied
func (self *Graph) Sync(ctx context.Context, soul string) error {
	message := protocol.NewGetMessage(soul)
	ack := make(chan struct{})
	hasPeers := false
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		hasPeers = 0 < len(self.peers)
		if hasPeers {
			self.acks[message.Id] = ack
		}
	}()
	if !hasPeers {
		return ErrNoPeers
	}
	defer func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		delete(self.acks, message.Id)
	}()

	self.dedup.Add(message.Id, struct{}{})
	self.broadcast(message, nil, false)

	select {
	case <-ack:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-self.ctx.Done():
		return self.ctx.Err()
	}
}

func (self *Graph) AddPeer(peer Peer) {
	souls := []string{}
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		self.peers[peer.Id()] = peer
		souls = maps.Keys(self.listeners)
	}()
	glog.V(1).Infof("[graph]add peer %s\n", peer.Id())

	// catch up live subscriptions from the new peer
	slices.Sort(souls)
	for _, soul := range souls {
		message := protocol.NewGetMessage(soul)
		self.dedup.Add(message.Id, struct{}{})
		self.send(peer, message)
	}
}

func (self *Graph) RemovePeer(peer Peer) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if self.peers[peer.Id()] == peer {
		delete(self.peers, peer.Id())
		glog.V(1).Infof("[graph]remove peer %s\n", peer.Id())
	}
}

func (self *Graph) PeerCount() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return len(self.peers)
}

// queues a message from `from`. `from` may be nil for messages injected without an origin.
func (self *Graph) Receive(message *protocol.Message, from Peer) bool {
	select {
	case <-self.ctx.Done():
		return false
	case self.inbound <- &inboundMessage{
		message: message,
		from:    from,
	}:
		return true
	}
}

func (self *Graph) run() {
	for {
		select {
		case <-self.ctx.Done():
			return
		case inbound := <-self.inbound:
			HandleError(func() {
				self.receive(inbound.message, inbound.from)
			})
		}
	}
}

func (self *Graph) receive(message *protocol.Message, from Peer) {
	if seen, _ := self.dedup.ContainsOrAdd(message.Id, struct{}{}); seen {
		glog.V(2).Infof("[graph]dup %s\n", message.Id)
		return
	}

	if message.Put != nil {
		self.apply(message.Put)
		if message.Ack == "" {
			self.broadcast(message, from, true)
		}
	}

	if message.Ack != "" {
		func() {
			self.stateLock.Lock()
			defer self.stateLock.Unlock()
			if ack, ok := self.acks[message.Ack]; ok {
				close(ack)
				delete(self.acks, message.Ack)
			}
		}()
		if originId, ok := self.routes.Get(message.Ack); ok {
			self.routes.Remove(message.Ack)
			self.sendTo(originId, message)
		}
	}

	if message.Get != nil {
		self.answer(message, from)
	}
}

func (self *Graph) answer(message *protocol.Message, from Peer) {
	get := message.Get
	if node, ok := self.Node(get.Soul); ok {
		if get.Field != "" {
			node = node.Slice([]string{get.Field})
		}
		reply := &protocol.Message{
			Id:  protocol.NewMessageId(),
			Ack: message.Id,
			Put: map[string]*protocol.Node{
				node.Soul: node,
			},
		}
		self.dedup.Add(reply.Id, struct{}{})
		self.reply(from, reply)
		return
	}

	forwarded := self.broadcast(message, from, false)
	if forwarded == 0 {
		// nobody else to ask
		reply := &protocol.Message{
			Id:  protocol.NewMessageId(),
			Ack: message.Id,
		}
		self.dedup.Add(reply.Id, struct{}{})
		self.reply(from, reply)
	} else if from != nil {
		self.routes.Add(message.Id, from.Id())
	}
}

func (self *Graph) reply(to Peer, message *protocol.Message) {
	if to == nil {
		self.broadcast(message, nil, false)
	} else {
		self.send(to, message)
	}
}

func (self *Graph) sendTo(peerId string, message *protocol.Message) {
	self.stateLock.Lock()
	peer, ok := self.peers[peerId]
	self.stateLock.Unlock()
	if ok {
		self.send(peer, message)
	}
}

// sends to every peer except `exclude`. When `reflect` is set, hubs get their own messages back.
// returns the number of peers sent to
func (self *Graph) broadcast(message *protocol.Message, exclude Peer, reflect bool) int {
	var peers []Peer
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		peers = maps.Values(self.peers)
	}()

	n := 0
	for _, peer := range peers {
		if exclude != nil && peer.Id() == exclude.Id() && !(reflect && isHub(peer)) {
			continue
		}
		self.send(peer, message)
		n += 1
	}
	return n
}

func (self *Graph) send(peer Peer, message *protocol.Message) {
	HandleError(func() {
		if err := peer.Send(message); err != nil {
			glog.Infof("[graph]send %s->%s error = %s\n", message.Id, peer.Id(), err)
		} else {
			glog.V(2).Infof("[graph]send %s->%s\n", message.Id, peer.Id())
		}
	})
}

func (self *Graph) enqueue(fns ...func()) {
	if len(fns) == 0 {
		return
	}
	func() {
		self.dispatchLock.Lock()
		defer self.dispatchLock.Unlock()
		self.dispatchQueue = append(self.dispatchQueue, fns...)
	}()
	select {
	case self.dispatchSignal <- struct{}{}:
	default:
	}
}

func (self *Graph) dispatch() {
	for {
		select {
		case <-self.ctx.Done():
			return
		case <-self.dispatchSignal:
		}

		for {
			var fns []func()
			func() {
				self.dispatchLock.Lock()
				defer self.dispatchLock.Unlock()
				fns = self.dispatchQueue
				self.dispatchQueue = nil
			}()
			if len(fns) == 0 {
				break
			}
			for _, fn := range fns {
				HandleError(fn)
			}
		}
	}
}

// blocks until the dispatch queue drains,
// including notifications queued by callbacks while draining
func (self *Graph) Flush(ctx context.Context) error {
	done := make(chan struct{})
	var marker func()
	marker = func() {
		self.dispatchLock.Lock()
		empty := len(self.dispatchQueue) == 0
		self.dispatchLock.Unlock()
		if empty {
			close(done)
		} else {
			self.enqueue(marker)
		}
	}
	self.enqueue(marker)
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-self.ctx.Done():
		return self.ctx.Err()
	}
}
