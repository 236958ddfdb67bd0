package memory

import (
	"context"
	"crypto/rand"
	"errors"
	"io"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/ggoodman/geotracker-go/store"
	"github.com/ggoodman/geotracker-go/store/replica"
	"github.com/oklog/ulid/v2"
)

// Op identifies an RPC for rejection injection.
type Op string

const (
	OpSubscribe Op = "subscribe"
	OpInsert    Op = "insert"
	OpUpdate    Op = "update"
)

// ErrConnectionLost is carried by the Disconnected event produced by Drop.
var ErrConnectionLost = errors.New("memory: connection lost")

// Server holds the authoritative collections and fans changes out to every
// connected Client.
type Server struct {
	pubs store.Publications
	log  *slog.Logger

	mu          sync.Mutex
	collections map[string]map[string]store.Fields
	clients     map[*Client]struct{}
	rejects     []reject
	entropy     io.Reader
}

type reject struct {
	op     Op
	target string // publication name or collection; empty matches any
	err    *store.Error
}

// Option customizes a Server or the Clients it creates.
type Option func(*Server)

// WithLogger overrides the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.log = l
		}
	}
}

// NewServer creates an empty server serving pubs.
func NewServer(pubs store.Publications, opts ...Option) *Server {
	s := &Server{
		pubs:        pubs,
		log:         slog.Default(),
		collections: make(map[string]map[string]store.Fields),
		clients:     make(map[*Client]struct{}),
		entropy:     ulid.Monotonic(rand.Reader, 0),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Reject makes the next matching RPC fail with err. target is the
// publication name for OpSubscribe and the collection otherwise; an empty
// target matches any.
func (s *Server) Reject(op Op, target string, err *store.Error) {
	if err == nil {
		err = &store.Error{Code: store.CodeInternal, Reason: "Internal server error"}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rejects = append(s.rejects, reject{op: op, target: target, err: err})
}

// Documents returns the server-side contents of a collection, sorted by id.
func (s *Server) Documents(collection string) []store.Document {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]store.Document, 0, len(s.collections[collection]))
	for id, f := range s.collections[collection] {
		out = append(out, store.Document{Collection: collection, ID: id, Fields: f.Clone()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// NewClient creates a disconnected client attached to s.
func (s *Server) NewClient() *Client {
	return &Client{srv: s, log: s.log, replica: replica.New(s.log)}
}

func (s *Server) takeRejectLocked(op Op, target string) error {
	for i, r := range s.rejects {
		if r.op == op && (r.target == "" || r.target == target) {
			s.rejects = append(s.rejects[:i], s.rejects[i+1:]...)
			return r.err
		}
	}
	return nil
}

func (s *Server) attach(c *Client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients[c] = struct{}{}
}

func (s *Server) detach(c *Client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.clients, c)
}

func (s *Server) attached(c *Client) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.clients[c]
	return ok
}

func (s *Server) subscribe(c *Client, name string, params []any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.clients[c]; !ok {
		return store.ErrNotConnected
	}
	if err := s.takeRejectLocked(OpSubscribe, name); err != nil {
		return err
	}
	coll, filter, err := s.pubs.Resolve(name, params)
	if err != nil {
		return err
	}
	ids := make([]string, 0, len(s.collections[coll]))
	for id := range s.collections[coll] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	snapshot := make([]store.Document, 0, len(ids))
	for _, id := range ids {
		d := store.Document{Collection: coll, ID: id, Fields: s.collections[coll][id]}
		if filter.Match(d) {
			d.Fields = d.Fields.Clone()
			snapshot = append(snapshot, d)
		}
	}
	// Registration and seeding happen under the server lock so no write can
	// slip between the snapshot and the live feed.
	c.replica.Subscribe(name, coll, filter)
	c.replica.Seed(name, snapshot)
	return nil
}

func (s *Server) insert(c *Client, collection string, fields store.Fields) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.clients[c]; !ok {
		return "", store.ErrNotConnected
	}
	if err := s.takeRejectLocked(OpInsert, collection); err != nil {
		return "", err
	}
	id := ulid.MustNew(ulid.Now(), s.entropy).String()
	coll, ok := s.collections[collection]
	if !ok {
		coll = make(map[string]store.Fields)
		s.collections[collection] = coll
	}
	coll[id] = fields.Clone()
	s.fanOutLocked(replica.Change{Op: replica.OpUpsert, Collection: collection, ID: id, Fields: coll[id]})
	return id, nil
}

func (s *Server) update(c *Client, collection string, selector store.Filter, u store.Update) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.clients[c]; !ok {
		return 0, store.ErrNotConnected
	}
	if err := s.takeRejectLocked(OpUpdate, collection); err != nil {
		return 0, err
	}
	ids := make([]string, 0)
	for id, f := range s.collections[collection] {
		if selector.Match(store.Document{Collection: collection, ID: id, Fields: f}) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	for _, id := range ids {
		f := s.collections[collection][id]
		changed, cleared := u.Apply(f)
		if len(changed) == 0 && len(cleared) == 0 {
			continue
		}
		s.fanOutLocked(replica.Change{Op: replica.OpUpsert, Collection: collection, ID: id, Fields: f})
	}
	return len(ids), nil
}

func (s *Server) fanOutLocked(ch replica.Change) {
	for c := range s.clients {
		c.replica.Apply(ch)
	}
}

// Client is a store.Client attached to an in-process Server.
type Client struct {
	srv     *Server
	log     *slog.Logger
	replica *replica.Replica

	mu     sync.Mutex // serializes connect/disconnect
	closed atomic.Bool
}

// Connect implements store.Client.
func (c *Client) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.closed.Load() {
		return store.ErrClosed
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.srv.attached(c) {
		return nil
	}
	c.srv.attach(c)
	c.replica.Emit(store.Connected{})
	c.log.Debug("memory: client connected")
	return nil
}

// Disconnect implements store.Client.
func (c *Client) Disconnect(ctx context.Context) error {
	c.drop(nil)
	return nil
}

// Drop simulates losing the connection: the client detaches, its
// subscriptions and cache are discarded and a Disconnected event carrying
// ErrConnectionLost is emitted.
func (c *Client) Drop() {
	c.drop(ErrConnectionLost)
}

func (c *Client) drop(cause error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.srv.attached(c) {
		return
	}
	c.srv.detach(c)
	c.replica.Reset()
	c.replica.Emit(store.Disconnected{Err: cause})
	c.log.Debug("memory: client disconnected", slog.Any("cause", cause))
}

// IsConnected implements store.Client.
func (c *Client) IsConnected() bool { return c.srv.attached(c) }

// Reconnect implements store.Client.
func (c *Client) Reconnect(ctx context.Context) error {
	c.drop(nil)
	return c.Connect(ctx)
}

// Subscribe implements store.Client.
func (c *Client) Subscribe(ctx context.Context, name string, params ...any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.srv.subscribe(c, name, params)
}

// Unsubscribe implements store.Client.
func (c *Client) Unsubscribe(ctx context.Context, name string) error {
	c.replica.Unsubscribe(name)
	return nil
}

// Subscribed reports whether the named subscription is active.
func (c *Client) Subscribed(name string) bool { return c.replica.Subscribed(name) }

// Insert implements store.Client.
func (c *Client) Insert(ctx context.Context, collection string, fields store.Fields) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return c.srv.insert(c, collection, fields)
}

// Update implements store.Client.
func (c *Client) Update(ctx context.Context, collection string, selector store.Filter, u store.Update) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return c.srv.update(c, collection, selector, u)
}

// FindOne implements store.Client.
func (c *Client) FindOne(collection string, filter store.Filter) (store.Document, bool) {
	return c.replica.FindOne(collection, filter)
}

// FindAll implements store.Client.
func (c *Client) FindAll(collection string, filter store.Filter) []store.Document {
	return c.replica.FindAll(collection, filter)
}

// GetDocument implements store.Client.
func (c *Client) GetDocument(collection, id string) (store.Document, bool) {
	return c.replica.GetDocument(collection, id)
}

// Events implements store.Client.
func (c *Client) Events() <-chan store.Event { return c.replica.Events() }

// Close implements store.Client.
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.drop(nil)
	c.replica.Close()
	return nil
}

var _ store.Client = (*Client)(nil)
