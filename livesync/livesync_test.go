package livesync

import (
	"context"
	"errors"
	"flag"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
	gojwt "github.com/golang-jwt/jwt/v5"

	"github.com/bringyour/meshsync/graph"
	"github.com/bringyour/meshsync/protocol"
	"github.com/bringyour/meshsync/schema"
)

func init() {
	initGlog()
}

func initGlog() {
	flag.Set("logtostderr", "true")
	flag.Set("stderrthreshold", "INFO")
	flag.Set("v", "0")
}

func flush(t *testing.T, g *graph.Graph) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	assert.Equal(t, g.Flush(ctx), nil)
}

// records every published snapshot
type snapshots struct {
	stateLock sync.Mutex
	published [][]*schema.Record
	errs      []*SubscriptionDecodeError
}

func watch(collection *Collection) *snapshots {
	s := &snapshots{}
	collection.AddSnapshotCallback(func(records []*schema.Record) {
		s.stateLock.Lock()
		defer s.stateLock.Unlock()
		s.published = append(s.published, records)
	})
	collection.AddErrorCallback(func(err *SubscriptionDecodeError) {
		s.stateLock.Lock()
		defer s.stateLock.Unlock()
		s.errs = append(s.errs, err)
	})
	return s
}

func (self *snapshots) Count() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return len(self.published)
}

func (self *snapshots) Errors() []*SubscriptionDecodeError {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return append([]*SubscriptionDecodeError{}, self.errs...)
}

func contents(records []*schema.Record) []string {
	out := []string{}
	for _, record := range records {
		out = append(out, record.String("content"))
	}
	return out
}

func testClient(t *testing.T, ctx context.Context) (*graph.Graph, *Client) {
	g := graph.NewGraphWithDefaults(ctx)
	settings := DefaultGatewaySettings()
	settings.Identity = "u1"
	return g, New(g, schema.Platform(), settings)
}

func message(content string) map[string]any {
	return map[string]any{
		"content":   content,
		"sender_id": "u1",
	}
}

func TestStorageKey(t *testing.T) {
	assert.Equal(t, StorageKey("chat.message", "room42"), "chat.message.room42")
	assert.Equal(t, StorageKey("chat.message", "room42"), StorageKey("chat.message", "room42"))
	assert.Equal(t, StorageKey("chat.message"), "chat.message")
	assert.Equal(t, StorageKey("a", "k1", "k2"), "a.k1.k2")
	assert.NotEqual(t, StorageKey("a", "k1", "k2"), StorageKey("a", "k2", "k1"))
	assert.Equal(t, SplitPath("store.product"), []string{"store", "product"})
}

func TestIdentityFromJwt(t *testing.T) {
	sign := func(claims gojwt.MapClaims) string {
		jwt, err := gojwt.NewWithClaims(gojwt.SigningMethodHS256, claims).SignedString([]byte("test"))
		assert.Equal(t, err, nil)
		return jwt
	}

	identity, err := IdentityFromJwt(sign(gojwt.MapClaims{"user_id": "u1", "sub": "s1"}))
	assert.Equal(t, err, nil)
	assert.Equal(t, identity, "u1")

	identity, err = IdentityFromJwt(sign(gojwt.MapClaims{"sub": "s1"}))
	assert.Equal(t, err, nil)
	assert.Equal(t, identity, "s1")

	_, err = IdentityFromJwt(sign(gojwt.MapClaims{"network_name": "n"}))
	assert.Equal(t, errors.Is(err, ErrNoIdentity), true)

	_, err = IdentityFromJwt("not a jwt")
	assert.NotEqual(t, err, nil)
}

func TestEndToEnd(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	g, client := testClient(t, ctx)
	defer g.Close()

	collection, err := client.Subscribe("chat.message", "room42")
	assert.Equal(t, err, nil)
	defer collection.Close()
	assert.Equal(t, collection.State(), CollectionSubscribed)
	watched := watch(collection)

	record, err := client.Create("chat.message", []string{"room42"}, map[string]any{
		"content":     "hi",
		"sender_id":   "u1",
		"sender_name": "Alice",
		"timestamp":   1000,
		"read":        false,
		"delivered":   false,
	})
	assert.Equal(t, err, nil)
	assert.NotEqual(t, record.Soul, "")
	flush(t, g)

	records := collection.Snapshot()
	assert.Equal(t, len(records), 1)
	assert.Equal(t, records[0].Fields["content"], "hi")
	assert.Equal(t, records[0].Soul, record.Soul)
	assert.Equal(t, records[0].CreatedBy(), "u1")
	assert.Equal(t, records[0].Timestamp(), 1000.0)
	assert.Equal(t, watched.Count(), 1)
	assert.Equal(t, len(watched.Errors()), 0)
}

func TestCreateValidation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	g, client := testClient(t, ctx)
	defer g.Close()

	_, err := client.Create("chat.message", []string{"room42"}, map[string]any{"content": "hi", "extra": 1})
	var validationErr *schema.ValidationError
	assert.Equal(t, errors.As(err, &validationErr), true)
	// nothing was written
	assert.Equal(t, g.NodeCount(), 0)

	// defaults and the envelope are filled in
	record, err := client.Create("chat.message", []string{"room42"}, message("hi"))
	assert.Equal(t, err, nil)
	assert.Equal(t, record.Fields["read"], false)
	assert.Equal(t, record.CreatedBy(), "u1")
	assert.Equal(t, 0 < record.Timestamp(), true)
}

func TestExactPaths(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	g := graph.NewGraphWithDefaults(ctx)
	defer g.Close()

	settings := DefaultGatewaySettings()
	settings.ExactPaths = true
	client := New(g, schema.Platform(), settings)

	_, err := client.Create("chat.mesage", []string{"room42"}, message("hi"))
	assert.Equal(t, errors.Is(err, ErrPathFallthrough), true)
	_, err = client.Subscribe("chat.mesage", "room42")
	assert.Equal(t, errors.Is(err, ErrPathFallthrough), true)

	// by default a fallback path validates against the ancestor
	client = NewWithDefaults(g, schema.Platform())
	_, err = client.Create("chat.mesage", []string{"room42"}, message("hi"))
	var validationErr *schema.ValidationError
	assert.Equal(t, errors.As(err, &validationErr), true)
}

func TestCollectionReplaceAndDelete(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	g, client := testClient(t, ctx)
	defer g.Close()
	keys := []string{"room42"}

	a, err := client.Create("chat.message", keys, message("a"))
	assert.Equal(t, err, nil)
	b, err := client.Create("chat.message", keys, message("b"))
	assert.Equal(t, err, nil)

	collection, err := client.Subscribe("chat.message", keys...)
	assert.Equal(t, err, nil)
	defer collection.Close()
	flush(t, g)
	assert.Equal(t, len(collection.Snapshot()), 2)

	// a second notification for a known identity replaces it in place
	assert.Equal(t, client.Update("chat.message", keys, a.Soul, map[string]any{"content": "a2"}), nil)
	flush(t, g)
	records := collection.Snapshot()
	assert.Equal(t, len(records), 2)
	byContent := map[string]string{}
	for _, record := range records {
		byContent[record.Soul] = record.String("content")
	}
	assert.Equal(t, byContent, map[string]string{a.Soul: "a2", b.Soul: "b"})

	before := collection.Snapshot()
	assert.Equal(t, client.Delete("chat.message", keys, a.Soul), nil)
	flush(t, g)
	records = collection.Snapshot()
	assert.Equal(t, contents(records), []string{"b"})
	// published snapshots are not modified later
	assert.Equal(t, len(before), 2)

	// a deleted record reads as nil, a record never written is not found
	record, err := client.Read(ctx, "chat.message", keys, a.Soul)
	assert.Equal(t, err, nil)
	assert.Equal(t, record == nil, true)
	_, err = client.Read(ctx, "chat.message", keys, "never")
	assert.Equal(t, errors.Is(err, ErrNotFound), true)
	record, err = client.Read(ctx, "chat.message", keys, b.Soul)
	assert.Equal(t, err, nil)
	assert.Equal(t, record.String("content"), "b")
	assert.Equal(t, record.Soul, b.Soul)
}

func TestUpdateUnknownId(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	g, client := testClient(t, ctx)
	defer g.Close()
	keys := []string{"room42"}

	collection, err := client.Subscribe("chat.message", keys...)
	assert.Equal(t, err, nil)
	defer collection.Close()

	// nothing valid to write leaves the id unknown
	assert.Equal(t, client.Update("chat.message", keys, "walkin", map[string]any{"extra": 1}), nil)
	_, err = client.Read(ctx, "chat.message", keys, "walkin")
	assert.Equal(t, errors.Is(err, ErrNotFound), true)

	// otherwise the record is created with just the partial fields
	assert.Equal(t, client.Update("chat.message", keys, "walkin", map[string]any{"content": "hi"}), nil)
	record, err := client.Read(ctx, "chat.message", keys, "walkin")
	assert.Equal(t, err, nil)
	assert.Equal(t, record.Soul, "walkin")
	assert.Equal(t, record.Fields, map[string]any{"content": "hi"})

	flush(t, g)
	records := collection.Snapshot()
	assert.Equal(t, len(records), 1)
	assert.Equal(t, records[0].Soul, "walkin")
	assert.Equal(t, records[0].String("sender_id"), "")
}

func TestCollectionOrder(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	g, client := testClient(t, ctx)
	defer g.Close()
	keys := []string{"room7"}

	collection, err := client.Subscribe("chat.message", keys...)
	assert.Equal(t, err, nil)
	defer collection.Close()

	first, err := client.Create("chat.message", keys, message("1"))
	assert.Equal(t, err, nil)
	flush(t, g)
	_, err = client.Create("chat.message", keys, message("2"))
	assert.Equal(t, err, nil)
	flush(t, g)
	assert.Equal(t, client.Update("chat.message", keys, first.Soul, map[string]any{"read": true}), nil)
	flush(t, g)

	// the updated record keeps its arrival position
	records := collection.Snapshot()
	assert.Equal(t, contents(records), []string{"1", "2"})
	assert.Equal(t, records[0].Fields["read"], true)
}

func TestCollectionLifecycle(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	g, client := testClient(t, ctx)
	defer g.Close()

	collection := NewCollection(g, client.Registry(), "chat.message", "room42")
	assert.Equal(t, collection.State(), CollectionIdle)
	assert.Equal(t, collection.Key(), "chat.message.room42")
	assert.Equal(t, collection.Start(), nil)
	assert.Equal(t, errors.Is(collection.Start(), ErrCollectionState), true)
	watched := watch(collection)

	collection.Close()
	collection.Close()
	assert.Equal(t, collection.State(), CollectionUnsubscribed)
	assert.Equal(t, errors.Is(collection.Start(), ErrCollectionState), true)

	// nothing is processed after close
	_, err := client.Create("chat.message", []string{"room42"}, message("late"))
	assert.Equal(t, err, nil)
	flush(t, g)
	assert.Equal(t, watched.Count(), 0)
	assert.Equal(t, len(collection.Snapshot()), 0)
}

func TestCollectionDecodeError(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	g, client := testClient(t, ctx)
	defer g.Close()
	key := StorageKey("chat.message", "room42")

	collection, err := client.Subscribe("chat.message", "room42")
	assert.Equal(t, err, nil)
	defer collection.Close()
	watched := watch(collection)

	// written around the gateway
	g.PutChild(key, "bad", map[string]any{"content": 5.0})
	g.Put(key, map[string]any{"raw": "not a record"})
	flush(t, g)

	errs := watched.Errors()
	assert.Equal(t, len(errs), 2)
	for _, err := range errs {
		var validationErr *schema.ValidationError
		assert.Equal(t, errors.As(err, &validationErr), true)
	}
	assert.Equal(t, len(collection.Snapshot()), 0)

	// the subscription continues
	_, err = client.Create("chat.message", []string{"room42"}, message("ok"))
	assert.Equal(t, err, nil)
	flush(t, g)
	assert.Equal(t, contents(collection.Snapshot()), []string{"ok"})
}

// delivers to `target` as if received from `back`
type pipePeer struct {
	id     string
	target *graph.Graph
	back   graph.Peer
}

func (self *pipePeer) Id() string {
	return self.id
}

func (self *pipePeer) Send(message *protocol.Message) error {
	self.target.Receive(message, self.back)
	return nil
}

func TestReadFromPeer(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a, clientA := testClient(t, ctx)
	defer a.Close()
	b, clientB := testClient(t, ctx)
	defer b.Close()

	record, err := clientA.Create("chat.message", []string{"room42"}, message("hi"))
	assert.Equal(t, err, nil)

	aToB := &pipePeer{id: "b", target: b}
	bToA := &pipePeer{id: "a", target: a}
	aToB.back = bToA
	bToA.back = aToB
	a.AddPeer(aToB)
	b.AddPeer(bToA)

	readCtx, readCancel := context.WithTimeout(ctx, 5*time.Second)
	defer readCancel()
	read, err := clientB.Read(readCtx, "chat.message", []string{"room42"}, record.Soul)
	assert.Equal(t, err, nil)
	assert.Equal(t, read.String("content"), "hi")
	assert.Equal(t, read.Soul, record.Soul)
}
