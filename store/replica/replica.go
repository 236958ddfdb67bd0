// Package replica implements the client-side half of a store.Client that is
// independent of the backend: the local document cache, which subscription
// brought each document in, and the ordered notification stream derived from
// applying backend changes to that cache.
//
// Backends feed it two kinds of input: subscription snapshots (Subscribe +
// Seed) and full-document changes observed on their change feed (Apply). The
// replica works out whether each change is an add, a change or a removal as
// seen through the current set of subscriptions.
package replica

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/ggoodman/geotracker-go/internal/queue"
	"github.com/ggoodman/geotracker-go/store"
)

// Op is the kind of a backend change.
type Op int

const (
	// OpUpsert carries the full document after an insert or update.
	OpUpsert Op = iota
	// OpDelete reports that the document no longer exists.
	OpDelete
)

// Change is one document-level change observed on a backend change feed.
type Change struct {
	Op         Op
	Collection string
	ID         string
	// Fields is the complete document after the change (OpUpsert only).
	Fields store.Fields
}

// Replica is safe for concurrent use.
type Replica struct {
	log *slog.Logger

	mu   sync.RWMutex
	subs map[string]*subscription
	docs map[string]map[string]*entry // collection -> id -> entry

	events *queue.Queue[store.Event]
}

type subscription struct {
	name       string
	collection string
	filter     store.Filter
}

type entry struct {
	fields store.Fields
	owners map[string]struct{}
}

// New creates an empty replica. Close must be called to release its
// notification goroutine.
func New(log *slog.Logger) *Replica {
	if log == nil {
		log = slog.Default()
	}
	return &Replica{
		log:    log,
		subs:   make(map[string]*subscription),
		docs:   make(map[string]map[string]*entry),
		events: queue.New[store.Event](),
	}
}

// Events returns the ordered notification stream.
func (r *Replica) Events() <-chan store.Event { return r.events.C() }

// Emit queues a connection lifecycle event behind any pending document
// notifications.
func (r *Replica) Emit(ev store.Event) {
	r.mu.Lock()
	r.events.Push(ev)
	r.mu.Unlock()
}

// Close stops the notification stream.
func (r *Replica) Close() { r.events.Close() }

// Subscribe registers a subscription. Live changes start applying to it
// immediately; its snapshot arrives through Seed. An existing subscription
// with the same name is removed first.
func (r *Replica) Subscribe(name, collection string, filter store.Filter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.subs[name]; ok {
		r.removeLocked(name)
	}
	r.subs[name] = &subscription{name: name, collection: collection, filter: filter}
}

// Seed merges a subscription's initial snapshot. Documents already cached
// keep their current fields, since a live change that raced the snapshot
// read is at least as new. Snapshot documents that no longer match the
// subscription filter are ignored.
func (r *Replica) Seed(name string, docs []store.Document) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub, ok := r.subs[name]
	if !ok {
		return
	}
	for _, d := range docs {
		if d.Collection == "" {
			d.Collection = sub.collection
		}
		if d.Collection != sub.collection || !sub.filter.Match(d) {
			continue
		}
		coll := r.collectionLocked(d.Collection)
		if e, ok := coll[d.ID]; ok {
			e.owners[name] = struct{}{}
			continue
		}
		coll[d.ID] = &entry{fields: d.Fields.Clone(), owners: map[string]struct{}{name: {}}}
		r.events.Push(store.DocumentAdded{Collection: d.Collection, ID: d.ID, Fields: d.Fields.Clone()})
	}
}

// Unsubscribe removes a subscription and any documents only it covered. It
// reports whether the subscription existed.
func (r *Replica) Unsubscribe(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.subs[name]; !ok {
		return false
	}
	r.removeLocked(name)
	return true
}

// Subscribed reports whether a subscription with that name is registered.
func (r *Replica) Subscribed(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.subs[name]
	return ok
}

// Subscriptions returns the registered subscription names, sorted.
func (r *Replica) Subscriptions() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.subs))
	for n := range r.subs {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Reset drops every subscription and cached document without emitting
// removals. Backends call it when the connection is lost.
func (r *Replica) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subs = make(map[string]*subscription)
	r.docs = make(map[string]map[string]*entry)
}

// Apply folds one backend change into the cache and emits the resulting
// notification, if any.
func (r *Replica) Apply(c Change) {
	r.mu.Lock()
	defer r.mu.Unlock()

	coll := r.docs[c.Collection]
	existing := coll[c.ID]

	if c.Op == OpDelete {
		if existing != nil {
			delete(coll, c.ID)
			r.events.Push(store.DocumentRemoved{Collection: c.Collection, ID: c.ID})
		}
		return
	}

	doc := store.Document{Collection: c.Collection, ID: c.ID, Fields: c.Fields}
	owners := make(map[string]struct{})
	for name, sub := range r.subs {
		if sub.collection == c.Collection && sub.filter.Match(doc) {
			owners[name] = struct{}{}
		}
	}

	switch {
	case existing == nil && len(owners) == 0:
		return
	case existing == nil:
		r.collectionLocked(c.Collection)[c.ID] = &entry{fields: c.Fields.Clone(), owners: owners}
		r.events.Push(store.DocumentAdded{Collection: c.Collection, ID: c.ID, Fields: c.Fields.Clone()})
	case len(owners) == 0:
		delete(coll, c.ID)
		r.events.Push(store.DocumentRemoved{Collection: c.Collection, ID: c.ID})
	default:
		changed, cleared := store.Diff(existing.fields, c.Fields)
		existing.fields = c.Fields.Clone()
		existing.owners = owners
		if len(changed) == 0 && len(cleared) == 0 {
			return
		}
		r.events.Push(store.DocumentChanged{Collection: c.Collection, ID: c.ID, Fields: changed, Cleared: cleared})
	}
}

// FindOne returns the first cached document, by id order, matching filter.
func (r *Replica) FindOne(collection string, filter store.Filter) (store.Document, bool) {
	docs := r.FindAll(collection, filter)
	if len(docs) == 0 {
		return store.Document{}, false
	}
	return docs[0], true
}

// FindAll returns copies of every cached document matching filter, sorted by id.
func (r *Replica) FindAll(collection string, filter store.Filter) []store.Document {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []store.Document
	for id, e := range r.docs[collection] {
		d := store.Document{Collection: collection, ID: id, Fields: e.fields}
		if filter.Match(d) {
			d.Fields = e.fields.Clone()
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// GetDocument returns a copy of one cached document.
func (r *Replica) GetDocument(collection, id string) (store.Document, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.docs[collection][id]
	if !ok {
		return store.Document{}, false
	}
	return store.Document{Collection: collection, ID: id, Fields: e.fields.Clone()}, true
}

func (r *Replica) collectionLocked(name string) map[string]*entry {
	coll, ok := r.docs[name]
	if !ok {
		coll = make(map[string]*entry)
		r.docs[name] = coll
	}
	return coll
}

func (r *Replica) removeLocked(name string) {
	sub := r.subs[name]
	delete(r.subs, name)
	coll := r.docs[sub.collection]
	ids := make([]string, 0)
	for id, e := range coll {
		if _, ok := e.owners[name]; !ok {
			continue
		}
		delete(e.owners, name)
		if len(e.owners) == 0 {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	for _, id := range ids {
		delete(coll, id)
		r.events.Push(store.DocumentRemoved{Collection: sub.collection, ID: id})
	}
	r.log.Debug("replica: subscription removed", slog.String("name", name), slog.Int("evicted", len(ids)))
}
