package redisstore

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ggoodman/geotracker-go/store"
	"github.com/ggoodman/geotracker-go/store/replica"
	"github.com/joeshaw/envdecode"
	"github.com/oklog/ulid/v2"
	"github.com/redis/go-redis/v9"
)

// ErrConnectionLost is carried by the Disconnected event emitted when the
// change feed had to be re-established and changes may have been missed.
var ErrConnectionLost = errors.New("redisstore: change feed interrupted")

// Config for the Redis-backed store. Defaults can be loaded via envdecode.
type Config struct {
	// Addr like "localhost:6379". ENV: REDIS_ADDR
	Addr string `env:"REDIS_ADDR,default=localhost:6379"`
	// KeyPrefix for all keys. ENV: GEOTRACKER_REDIS_PREFIX
	KeyPrefix string `env:"GEOTRACKER_REDIS_PREFIX,default=geotracker:"`
}

// Option customizes a Client.
type Option func(*Client)

// WithLogger overrides the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.log = l
		}
	}
}

// Client is a store.Client over Redis. Documents live as JSON values in one
// hash per collection; every write is announced on a pub/sub channel that all
// clients sharing the key prefix listen on.
type Client struct {
	rdb       *redis.Client
	keyPrefix string
	pubs      store.Publications
	log       *slog.Logger
	replica   *replica.Replica

	entropyMu sync.Mutex
	entropy   io.Reader

	mu        sync.Mutex // serializes connect/disconnect
	connected atomic.Bool
	closed    atomic.Bool
	ps        *redis.PubSub
	done      chan struct{}
}

// New creates a disconnected client. The server is pinged once so that
// misconfiguration surfaces early.
func New(cfg Config, pubs store.Publications, opts ...Option) (*Client, error) {
	addr := cfg.Addr
	if addr == "" {
		addr = "localhost:6379"
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "geotracker:"
	}
	c := &Client{
		rdb:       rdb,
		keyPrefix: prefix,
		pubs:      pubs,
		log:       slog.Default(),
		entropy:   ulid.Monotonic(rand.Reader, 0),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.replica = replica.New(c.log)
	return c, nil
}

// NewFromEnv builds a Client using envdecode to populate Config.
func NewFromEnv(pubs store.Publications, opts ...Option) (*Client, error) {
	var cfg Config
	_ = envdecode.Decode(&cfg)
	return New(cfg, pubs, opts...)
}

// --- Key helpers ---

func (c *Client) docsKey(collection string) string { return c.keyPrefix + "docs:" + collection }
func (c *Client) changesKey() string               { return c.keyPrefix + "changes" }

// change is the payload published for every write.
type change struct {
	Op         string       `json:"op"`
	Collection string       `json:"coll"`
	ID         string       `json:"id"`
	Fields     store.Fields `json:"fields,omitempty"`
}

const (
	opUpsert = "upsert"
	opDelete = "delete"
)

// --- Connection ---

// Connect implements store.Client.
func (c *Client) Connect(ctx context.Context) error {
	if c.closed.Load() {
		return store.ErrClosed
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connected.Load() {
		return nil
	}
	ps := c.rdb.Subscribe(ctx, c.changesKey())
	// Wait for the subscription confirmation so no write issued after
	// Connect returns can be missed.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return fmt.Errorf("redis subscribe: %w", err)
	}
	c.ps = ps
	c.done = make(chan struct{})
	c.connected.Store(true)
	c.replica.Emit(store.Connected{})
	go c.listen(ps.ChannelWithSubscriptions(), c.done)
	c.log.Debug("redisstore: connected", slog.String("prefix", c.keyPrefix))
	return nil
}

func (c *Client) listen(ch <-chan interface{}, done chan struct{}) {
	defer close(done)
	for msg := range ch {
		switch m := msg.(type) {
		case *redis.Subscription:
			// The pub/sub connection was re-established; anything published
			// in between is lost, so the cache can no longer be trusted.
			if m.Kind != "subscribe" {
				continue
			}
			c.log.Warn("redisstore: change feed re-established, resetting replica")
			c.replica.Reset()
			c.replica.Emit(store.Disconnected{Err: ErrConnectionLost})
			c.replica.Emit(store.Connected{})
		case *redis.Message:
			var chg change
			if err := json.Unmarshal([]byte(m.Payload), &chg); err != nil {
				c.log.Warn("redisstore: discarding malformed change", slog.String("err", err.Error()))
				continue
			}
			op := replica.OpUpsert
			if chg.Op == opDelete {
				op = replica.OpDelete
			}
			c.replica.Apply(replica.Change{Op: op, Collection: chg.Collection, ID: chg.ID, Fields: chg.Fields})
		}
	}
}

// Disconnect implements store.Client.
func (c *Client) Disconnect(ctx context.Context) error {
	c.disconnect(nil)
	return nil
}

func (c *Client) disconnect(cause error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected.Load() {
		return
	}
	c.connected.Store(false)
	_ = c.ps.Close()
	<-c.done
	c.ps = nil
	c.replica.Reset()
	c.replica.Emit(store.Disconnected{Err: cause})
	c.log.Debug("redisstore: disconnected")
}

// IsConnected implements store.Client.
func (c *Client) IsConnected() bool { return c.connected.Load() }

// Reconnect implements store.Client.
func (c *Client) Reconnect(ctx context.Context) error {
	c.disconnect(nil)
	return c.Connect(ctx)
}

// --- Subscriptions ---

// Subscribe implements store.Client.
func (c *Client) Subscribe(ctx context.Context, name string, params ...any) error {
	if !c.connected.Load() {
		return store.ErrNotConnected
	}
	coll, filter, err := c.pubs.Resolve(name, params)
	if err != nil {
		return err
	}
	// Register first so live changes racing the snapshot read are kept.
	c.replica.Subscribe(name, coll, filter)
	docs, err := c.scan(ctx, coll, filter)
	if err != nil {
		c.replica.Unsubscribe(name)
		return err
	}
	c.replica.Seed(name, docs)
	return nil
}

// Unsubscribe implements store.Client.
func (c *Client) Unsubscribe(ctx context.Context, name string) error {
	c.replica.Unsubscribe(name)
	return nil
}

func (c *Client) scan(ctx context.Context, collection string, filter store.Filter) ([]store.Document, error) {
	if id, ok := filter[store.FieldID].(string); ok {
		raw, err := c.rdb.HGet(ctx, c.docsKey(collection), id).Result()
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		d, ok := c.decode(collection, id, raw)
		if !ok || !filter.Match(d) {
			return nil, nil
		}
		return []store.Document{d}, nil
	}
	all, err := c.rdb.HGetAll(ctx, c.docsKey(collection)).Result()
	if err != nil {
		return nil, err
	}
	return c.matching(collection, all, filter), nil
}

func (c *Client) matching(collection string, raw map[string]string, filter store.Filter) []store.Document {
	out := make([]store.Document, 0, len(raw))
	for id, v := range raw {
		d, ok := c.decode(collection, id, v)
		if ok && filter.Match(d) {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (c *Client) decode(collection, id, raw string) (store.Document, bool) {
	var f store.Fields
	if err := json.Unmarshal([]byte(raw), &f); err != nil {
		c.log.Warn("redisstore: skipping malformed document",
			slog.String("collection", collection), slog.String("id", id), slog.String("err", err.Error()))
		return store.Document{}, false
	}
	return store.Document{Collection: collection, ID: id, Fields: f}, true
}

// --- Writes ---

// Insert implements store.Client.
func (c *Client) Insert(ctx context.Context, collection string, fields store.Fields) (string, error) {
	if !c.connected.Load() {
		return "", store.ErrNotConnected
	}
	c.entropyMu.Lock()
	id := ulid.MustNew(ulid.Now(), c.entropy).String()
	c.entropyMu.Unlock()

	body, err := json.Marshal(fields)
	if err != nil {
		return "", &store.Error{Code: store.CodeBadRequest, Reason: "Invalid document", Details: err.Error()}
	}
	msg, err := json.Marshal(change{Op: opUpsert, Collection: collection, ID: id, Fields: fields})
	if err != nil {
		return "", err
	}
	_, err = c.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, c.docsKey(collection), id, body)
		p.Publish(ctx, c.changesKey(), msg)
		return nil
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

const maxUpdateRetries = 8

// Update implements store.Client. The read-modify-write runs under WATCH so
// concurrent updates to the same collection never lose fields.
func (c *Client) Update(ctx context.Context, collection string, selector store.Filter, u store.Update) (int, error) {
	if !c.connected.Load() {
		return 0, store.ErrNotConnected
	}
	key := c.docsKey(collection)
	var matched int
	txf := func(tx *redis.Tx) error {
		var docs []store.Document
		if id, ok := selector[store.FieldID].(string); ok {
			raw, err := tx.HGet(ctx, key, id).Result()
			if err != nil && !errors.Is(err, redis.Nil) {
				return err
			}
			if err == nil {
				docs = c.matching(collection, map[string]string{id: raw}, selector)
			}
		} else {
			all, err := tx.HGetAll(ctx, key).Result()
			if err != nil {
				return err
			}
			docs = c.matching(collection, all, selector)
		}
		matched = len(docs)

		type write struct {
			id   string
			body []byte
			msg  []byte
		}
		writes := make([]write, 0, len(docs))
		for _, d := range docs {
			changed, cleared := u.Apply(d.Fields)
			if len(changed) == 0 && len(cleared) == 0 {
				continue
			}
			body, err := json.Marshal(d.Fields)
			if err != nil {
				return &store.Error{Code: store.CodeBadRequest, Reason: "Invalid update", Details: err.Error()}
			}
			msg, err := json.Marshal(change{Op: opUpsert, Collection: collection, ID: d.ID, Fields: d.Fields})
			if err != nil {
				return err
			}
			writes = append(writes, write{id: d.ID, body: body, msg: msg})
		}
		if len(writes) == 0 {
			return nil
		}
		_, err := tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			for _, w := range writes {
				p.HSet(ctx, key, w.id, w.body)
				p.Publish(ctx, c.changesKey(), w.msg)
			}
			return nil
		})
		return err
	}

	for i := 0; i < maxUpdateRetries; i++ {
		err := c.rdb.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return 0, err
		}
		return matched, nil
	}
	return 0, &store.Error{Code: store.CodeConflict, Reason: "Concurrent modification", Details: collection}
}

// --- Reads ---

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
	c.disconnect(nil)
	c.replica.Close()
	return c.rdb.Close()
}

var _ store.Client = (*Client)(nil)
