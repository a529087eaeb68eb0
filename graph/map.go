package graph

import (
	"sync"

	"github.com/bringyour/meshsync/protocol"
)

// fires `callback` for every existing and future child of `soul`
// links are followed, so the callback also fires when a linked child node changes
func (self *Graph) Map(soul string, callback ChildFunction) func() {
	subscription := &mapSubscription{
		graph:    self,
		callback: callback,
		children: map[string]*childSubscription{},
	}
	unsubscribe := self.On(soul, subscription.parentChanged)
	subscription.setParentUnsubscribe(unsubscribe)
	return subscription.close
}

type childSubscription struct {
	soul        string
	unsubscribe func()
}

type mapSubscription struct {
	graph    *Graph
	callback ChildFunction

	stateLock         sync.Mutex
	closed            bool
	parentUnsubscribe func()
	children          map[string]*childSubscription
}

func (self *mapSubscription) setParentUnsubscribe(unsubscribe func()) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if self.closed {
		unsubscribe()
		return
	}
	self.parentUnsubscribe = unsubscribe
}

// runs on the dispatch goroutine
func (self *mapSubscription) parentChanged(node *protocol.Node, changed []string) {
	type delivery struct {
		childKey string
		value    any
	}
	deliveries := []*delivery{}

	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		if self.closed {
			return
		}

		for _, childKey := range changed {
			value := node.Fields[childKey]
			child, subscribed := self.children[childKey]

			if childSoul, ok := protocol.LinkSoul(value); ok {
				if subscribed && child.soul == childSoul {
					// the child listener already tracks this link
					continue
				}
				if subscribed {
					child.unsubscribe()
				}
				// the child listener delivers the child data on attach
				self.children[childKey] = &childSubscription{
					soul:        childSoul,
					unsubscribe: self.graph.On(childSoul, self.childChanged(childKey)),
				}
				continue
			}

			if subscribed {
				child.unsubscribe()
				delete(self.children, childKey)
			}
			deliveries = append(deliveries, &delivery{
				childKey: childKey,
				value:    value,
			})
		}
	}()

	for _, d := range deliveries {
		self.callback(d.childKey, d.value)
	}
}

func (self *mapSubscription) childChanged(childKey string) NodeFunction {
	return func(node *protocol.Node, changed []string) {
		deliver := func() bool {
			self.stateLock.Lock()
			defer self.stateLock.Unlock()
			if self.closed {
				return false
			}
			// the link may have moved since this notification was queued
			child, ok := self.children[childKey]
			return ok && child.soul == node.Soul
		}()
		if deliver {
			self.callback(childKey, node.Data())
		}
	}
}

func (self *mapSubscription) close() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.closed {
		return
	}
	self.closed = true
	if self.parentUnsubscribe != nil {
		self.parentUnsubscribe()
	}
	for _, child := range self.children {
		child.unsubscribe()
	}
	clear(self.children)
}
