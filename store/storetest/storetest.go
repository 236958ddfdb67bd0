// Package storetest contains the conformance suite every store.Client
// implementation runs.
package storetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ggoodman/geotracker-go/store"
)

// Publications used by the suite.
const (
	collThings  = "Things"
	pubAll      = "AllThings"
	pubByBucket = "ThingsByBucket"
)

// ClientFactory creates a new, disconnected client attached to the backend
// instance the surrounding BackendFactory call prepared.
type ClientFactory func(t *testing.T) store.Client

// BackendFactory prepares an isolated backend instance that serves pubs and
// returns a factory for clients sharing it.
type BackendFactory func(t *testing.T, pubs store.Publications) ClientFactory

// Publications returns the publication set the suite subscribes to.
func Publications() store.Publications {
	return store.Publications{
		pubAll:      store.All(collThings),
		pubByBucket: store.ByField(collThings, "bucket"),
	}
}

// RunClientTests runs the complete store.Client test suite against factory.
func RunClientTests(t *testing.T, factory BackendFactory) {
	t.Run("Connection_ConnectEmitsConnected", func(t *testing.T) { testConnectEmitsConnected(t, factory) })
	t.Run("Connection_RPCWhileDisconnected", func(t *testing.T) { testRPCWhileDisconnected(t, factory) })
	t.Run("Connection_DisconnectDropsSubscriptions", func(t *testing.T) { testDisconnectDropsSubscriptions(t, factory) })

	t.Run("Subscribe_SnapshotCachedOnReturn", func(t *testing.T) { testSnapshotCachedOnReturn(t, factory) })
	t.Run("Subscribe_LiveAddFromOtherClient", func(t *testing.T) { testLiveAddFromOtherClient(t, factory) })
	t.Run("Subscribe_ParameterFilter", func(t *testing.T) { testParameterFilter(t, factory) })
	t.Run("Subscribe_UnknownPublicationRejected", func(t *testing.T) { testUnknownPublication(t, factory) })
	t.Run("Subscribe_UnsubscribeEvicts", func(t *testing.T) { testUnsubscribeEvicts(t, factory) })

	t.Run("Update_PartialPreservesFields", func(t *testing.T) { testPartialUpdate(t, factory) })
	t.Run("Update_NoMatch", func(t *testing.T) { testUpdateNoMatch(t, factory) })
}

func connected(t *testing.T, newClient ClientFactory) store.Client {
	t.Helper()
	c := newClient(t)
	t.Cleanup(func() { _ = c.Close() })
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	waitFor(t, c, func(ev store.Event) bool {
		_, ok := ev.(store.Connected)
		return ok
	})
	return c
}

// waitFor drains c.Events until pred matches, failing after a timeout.
func waitFor(t *testing.T, c store.Client, pred func(store.Event) bool) store.Event {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-c.Events():
			if !ok {
				t.Fatal("event stream closed")
			}
			if pred(ev) {
				return ev
			}
		case <-deadline:
			t.Fatal("timeout waiting for event")
			return nil
		}
	}
}

func addedID(id string) func(store.Event) bool {
	return func(ev store.Event) bool {
		a, ok := ev.(store.DocumentAdded)
		return ok && a.ID == id
	}
}

func testConnectEmitsConnected(t *testing.T, factory BackendFactory) {
	newClient := factory(t, Publications())
	c := connected(t, newClient)
	if !c.IsConnected() {
		t.Fatal("expected IsConnected after Connect")
	}
	// Connecting again is harmless.
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("second connect: %v", err)
	}
}

func testRPCWhileDisconnected(t *testing.T, factory BackendFactory) {
	newClient := factory(t, Publications())
	c := newClient(t)
	t.Cleanup(func() { _ = c.Close() })
	ctx := context.Background()

	if c.IsConnected() {
		t.Fatal("new client must start disconnected")
	}
	if err := c.Subscribe(ctx, pubAll); !errors.Is(err, store.ErrNotConnected) {
		t.Fatalf("subscribe: expected ErrNotConnected, got %v", err)
	}
	if _, err := c.Insert(ctx, collThings, store.Fields{"a": 1}); !errors.Is(err, store.ErrNotConnected) {
		t.Fatalf("insert: expected ErrNotConnected, got %v", err)
	}
	if _, err := c.Update(ctx, collThings, store.Filter{}, store.Update{Set: store.Fields{"a": 2}}); !errors.Is(err, store.ErrNotConnected) {
		t.Fatalf("update: expected ErrNotConnected, got %v", err)
	}
	if err := c.Unsubscribe(ctx, pubAll); err != nil {
		t.Fatalf("unsubscribe must work offline: %v", err)
	}
}

func testDisconnectDropsSubscriptions(t *testing.T, factory BackendFactory) {
	newClient := factory(t, Publications())
	c := connected(t, newClient)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	id, err := c.Insert(ctx, collThings, store.Fields{"bucket": "a"})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := c.Subscribe(ctx, pubAll); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	waitFor(t, c, addedID(id))

	if err := c.Disconnect(ctx); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	waitFor(t, c, func(ev store.Event) bool { _, ok := ev.(store.Disconnected); return ok })
	if c.IsConnected() {
		t.Fatal("expected disconnected")
	}
	if docs := c.FindAll(collThings, store.Filter{}); len(docs) != 0 {
		t.Fatalf("expected empty cache after disconnect, got %d docs", len(docs))
	}

	if err := c.Connect(ctx); err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	ev := waitFor(t, c, func(ev store.Event) bool { _, ok := ev.(store.Connected); return ok })
	if ev.(store.Connected).Resumed {
		t.Fatal("subscriptions are not resumed")
	}
	if docs := c.FindAll(collThings, store.Filter{}); len(docs) != 0 {
		t.Fatalf("expected empty cache before re-subscribing, got %d docs", len(docs))
	}

	if err := c.Subscribe(ctx, pubAll); err != nil {
		t.Fatalf("re-subscribe: %v", err)
	}
	if _, ok := c.GetDocument(collThings, id); !ok {
		t.Fatal("expected document back after re-subscribing")
	}
}

func testSnapshotCachedOnReturn(t *testing.T, factory BackendFactory) {
	newClient := factory(t, Publications())
	writer := connected(t, newClient)
	reader := connected(t, newClient)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	id1, err := writer.Insert(ctx, collThings, store.Fields{"bucket": "a", "n": 1})
	if err != nil {
		t.Fatalf("insert 1: %v", err)
	}
	id2, err := writer.Insert(ctx, collThings, store.Fields{"bucket": "b", "n": 2})
	if err != nil {
		t.Fatalf("insert 2: %v", err)
	}
	if id1 == "" || id2 == "" || id1 == id2 {
		t.Fatalf("expected distinct non-empty ids, got %q %q", id1, id2)
	}

	if err := reader.Subscribe(ctx, pubAll); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if docs := reader.FindAll(collThings, store.Filter{}); len(docs) != 2 {
		t.Fatalf("expected 2 cached documents on return, got %d", len(docs))
	}
	d, ok := reader.FindOne(collThings, store.Filter{"bucket": "b"})
	if !ok || d.ID != id2 {
		t.Fatalf("FindOne: got %v %v", d, ok)
	}
	if n, ok := d.Float("n"); !ok || n != 2 {
		t.Fatalf("expected numeric field 2, got %v %v", n, ok)
	}
	waitFor(t, reader, addedID(id1))
}

func testLiveAddFromOtherClient(t *testing.T, factory BackendFactory) {
	newClient := factory(t, Publications())
	writer := connected(t, newClient)
	reader := connected(t, newClient)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := reader.Subscribe(ctx, pubAll); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	id, err := writer.Insert(ctx, collThings, store.Fields{"bucket": "a", "label": "x"})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	ev := waitFor(t, reader, addedID(id)).(store.DocumentAdded)
	if ev.Collection != collThings || ev.Fields["label"] != "x" {
		t.Fatalf("unexpected added event %#v", ev)
	}
}

func testParameterFilter(t *testing.T, factory BackendFactory) {
	newClient := factory(t, Publications())
	writer := connected(t, newClient)
	reader := connected(t, newClient)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := reader.Subscribe(ctx, pubByBucket, "a"); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	other, err := writer.Insert(ctx, collThings, store.Fields{"bucket": "b"})
	if err != nil {
		t.Fatalf("insert b: %v", err)
	}
	mine, err := writer.Insert(ctx, collThings, store.Fields{"bucket": "a"})
	if err != nil {
		t.Fatalf("insert a: %v", err)
	}

	waitFor(t, reader, func(ev store.Event) bool {
		if a, ok := ev.(store.DocumentAdded); ok {
			if a.ID == other {
				t.Fatalf("received document outside the subscription filter")
			}
			return a.ID == mine
		}
		return false
	})
	if _, ok := reader.GetDocument(collThings, other); ok {
		t.Fatal("filtered-out document must not be cached")
	}
}

func testUnknownPublication(t *testing.T, factory BackendFactory) {
	newClient := factory(t, Publications())
	c := connected(t, newClient)
	err := c.Subscribe(context.Background(), "NoSuchPublication")
	if !errors.Is(err, &store.Error{Code: store.CodeNotFound}) {
		t.Fatalf("expected not-found rejection, got %v", err)
	}
}

func testUnsubscribeEvicts(t *testing.T, factory BackendFactory) {
	newClient := factory(t, Publications())
	c := connected(t, newClient)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	id, err := c.Insert(ctx, collThings, store.Fields{"bucket": "a"})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := c.Subscribe(ctx, pubAll); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	waitFor(t, c, addedID(id))

	if err := c.Unsubscribe(ctx, pubAll); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}
	waitFor(t, c, func(ev store.Event) bool {
		r, ok := ev.(store.DocumentRemoved)
		return ok && r.ID == id
	})
	if _, ok := c.GetDocument(collThings, id); ok {
		t.Fatal("expected document evicted")
	}
}

func testPartialUpdate(t *testing.T, factory BackendFactory) {
	newClient := factory(t, Publications())
	writer := connected(t, newClient)
	reader := connected(t, newClient)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	id, err := writer.Insert(ctx, collThings, store.Fields{"title": "Hike", "owner": "u1", "active": true})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := reader.Subscribe(ctx, pubAll); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	waitFor(t, reader, addedID(id))

	n, err := writer.Update(ctx, collThings, store.Filter{store.FieldID: id}, store.Update{Set: store.Fields{"active": false}})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 match, got %d", n)
	}

	ev := waitFor(t, reader, func(ev store.Event) bool {
		c, ok := ev.(store.DocumentChanged)
		return ok && c.ID == id
	}).(store.DocumentChanged)
	if len(ev.Fields) != 1 || ev.Fields["active"] != false {
		t.Fatalf("expected only active in the change, got %v", ev.Fields)
	}

	d, ok := reader.GetDocument(collThings, id)
	if !ok {
		t.Fatal("expected document cached")
	}
	if title, _ := d.String("title"); title != "Hike" {
		t.Fatalf("expected title preserved, got %q", title)
	}
	if owner, _ := d.String("owner"); owner != "u1" {
		t.Fatalf("expected owner preserved, got %q", owner)
	}
	if active, ok := d.Bool("active"); !ok || active {
		t.Fatalf("expected active=false, got %v %v", active, ok)
	}
}

func testUpdateNoMatch(t *testing.T, factory BackendFactory) {
	newClient := factory(t, Publications())
	c := connected(t, newClient)
	n, err := c.Update(context.Background(), collThings, store.Filter{store.FieldID: "does-not-exist"}, store.Update{Set: store.Fields{"a": 1}})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected 0 matches, got %d", n)
	}
}
