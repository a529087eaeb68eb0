package livesync

import (
	"errors"
	"fmt"
	"sync"

	"github.com/golang/glog"
	"golang.org/x/exp/slices"

	"github.com/bringyour/meshsync/graph"
	"github.com/bringyour/meshsync/schema"
)

// a live, ordered view of the records under one storage key

var ErrCollectionState = errors.New("Invalid collection state.")

type CollectionState int

const (
	CollectionIdle CollectionState = iota
	CollectionSubscribed
	CollectionUnsubscribed
)

func (self CollectionState) String() string {
	switch self {
	case CollectionIdle:
		return "idle"
	case CollectionSubscribed:
		return "subscribed"
	case CollectionUnsubscribed:
		return "unsubscribed"
	default:
		return fmt.Sprintf("unknown(%d)", int(self))
	}
}

// a stored child that could not be decoded. The child is skipped.
type SubscriptionDecodeError struct {
	Key      string
	ChildKey string
	Err      error
}

func (self *SubscriptionDecodeError) Error() string {
	return fmt.Sprintf("Could not decode %s/%s: %s", self.Key, self.ChildKey, self.Err)
}

func (self *SubscriptionDecodeError) Unwrap() error {
	return self.Err
}

// `records` must not be modified
type SnapshotFunction func(records []*schema.Record)

type ErrorFunction func(err *SubscriptionDecodeError)

type Collection struct {
	graph    *graph.Graph
	registry *schema.Registry
	path     string
	key      string

	stateLock   sync.Mutex
	state       CollectionState
	unsubscribe func()
	// child key -> record
	records map[string]*schema.Record
	// child keys in arrival order
	order    []string
	snapshot []*schema.Record

	snapshotCallbacks *graph.CallbackList[SnapshotFunction]
	errorCallbacks    *graph.CallbackList[ErrorFunction]
}

func NewCollection(g *graph.Graph, registry *schema.Registry, path string, keys ...string) *Collection {
	return &Collection{
		graph:             g,
		registry:          registry,
		path:              path,
		key:               StorageKey(path, keys...),
		state:             CollectionIdle,
		records:           map[string]*schema.Record{},
		order:             []string{},
		snapshot:          []*schema.Record{},
		snapshotCallbacks: graph.NewCallbackList[SnapshotFunction](),
		errorCallbacks:    graph.NewCallbackList[ErrorFunction](),
	}
}

func (self *Collection) Key() string {
	return self.key
}

func (self *Collection) State() CollectionState {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.state
}

func (self *Collection) Start() error {
	self.stateLock.Lock()
	if self.state != CollectionIdle {
		state := self.state
		self.stateLock.Unlock()
		return fmt.Errorf("%w Cannot start a %s collection.", ErrCollectionState, state)
	}
	self.state = CollectionSubscribed
	self.stateLock.Unlock()

	// deliveries run on the graph dispatch goroutine, never inline
	unsubscribe := self.graph.Map(self.key, self.childChanged)

	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if self.state != CollectionSubscribed {
		// closed while attaching
		unsubscribe()
		return nil
	}
	self.unsubscribe = unsubscribe
	glog.V(1).Infof("[collection]start %s\n", self.key)
	return nil
}

// detaches from the graph. No snapshots are published after close.
func (self *Collection) Close() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if self.state == CollectionUnsubscribed {
		return
	}
	self.state = CollectionUnsubscribed
	if self.unsubscribe != nil {
		self.unsubscribe()
		self.unsubscribe = nil
	}
	glog.V(1).Infof("[collection]close %s\n", self.key)
}

func (self *Collection) AddSnapshotCallback(callback SnapshotFunction) func() {
	callbackId := self.snapshotCallbacks.Add(callback)
	return func() {
		self.snapshotCallbacks.Remove(callbackId)
	}
}

func (self *Collection) AddErrorCallback(callback ErrorFunction) func() {
	callbackId := self.errorCallbacks.Add(callback)
	return func() {
		self.errorCallbacks.Remove(callbackId)
	}
}

// the latest published records, in arrival order
func (self *Collection) Snapshot() []*schema.Record {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.snapshot
}

func (self *Collection) childChanged(childKey string, value any) {
	var snapshot []*schema.Record
	var decodeErr *SubscriptionDecodeError

	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		if self.state != CollectionSubscribed {
			return
		}

		if value == nil {
			if _, ok := self.records[childKey]; !ok {
				return
			}
			delete(self.records, childKey)
			if i := slices.Index(self.order, childKey); 0 <= i {
				self.order = slices.Delete(slices.Clone(self.order), i, i+1)
			}
		} else {
			record, err := self.registry.Decode(self.path+schema.Separator+childKey, value)
			if err != nil {
				decodeErr = &SubscriptionDecodeError{
					Key:      self.key,
					ChildKey: childKey,
					Err:      err,
				}
				return
			}
			if record.Soul == "" {
				record.Soul = childKey
			}
			if _, ok := self.records[childKey]; !ok {
				self.order = append(self.order, childKey)
			}
			self.records[childKey] = record
		}

		snapshot = make([]*schema.Record, 0, len(self.order))
		for _, key := range self.order {
			snapshot = append(snapshot, self.records[key])
		}
		self.snapshot = snapshot
	}()

	if decodeErr != nil {
		glog.Infof("[collection]%s\n", decodeErr)
		for _, callback := range self.errorCallbacks.Get() {
			graph.HandleError(func() {
				callback(decodeErr)
			})
		}
	}
	if snapshot != nil {
		for _, callback := range self.snapshotCallbacks.Get() {
			graph.HandleError(func() {
				callback(snapshot)
			})
		}
	}
}
