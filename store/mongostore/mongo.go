package mongostore

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ggoodman/geotracker-go/store"
	"github.com/ggoodman/geotracker-go/store/replica"
	"github.com/joeshaw/envdecode"
	"github.com/oklog/ulid/v2"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Config for the MongoDB-backed store. Defaults can be loaded via envdecode.
type Config struct {
	// URI of the deployment. It must be a replica set or sharded cluster
	// because live updates are read from a change stream. ENV: MONGO_URI
	URI string `env:"MONGO_URI,default=mongodb://localhost:27017"`
	// Database holding the collections. ENV: MONGO_DB_NAME
	Database string `env:"MONGO_DB_NAME,default=geotracker"`
	// Timeout bounds server selection and the initial ping. ENV: MONGO_TIMEOUT
	Timeout time.Duration `env:"MONGO_TIMEOUT,default=10s"`
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

// WithIndex asks Connect to ensure an ascending index on collection.field.
func WithIndex(collection, field string) Option {
	return func(c *Client) {
		c.indexes = append(c.indexes, index{collection: collection, field: field})
	}
}

type index struct {
	collection string
	field      string
}

// Client is a store.Client over MongoDB. Snapshots come from Find and live
// changes from a database-wide change stream opened on Connect.
type Client struct {
	cfg     Config
	pubs    store.Publications
	log     *slog.Logger
	replica *replica.Replica
	indexes []index

	entropyMu sync.Mutex
	entropy   io.Reader

	mu        sync.Mutex // serializes connect/disconnect
	connected atomic.Bool
	closed    atomic.Bool
	mc        *mongo.Client
	db        *mongo.Database
	cancel    context.CancelFunc
	done      chan struct{}
}

// New creates a disconnected client.
func New(cfg Config, pubs store.Publications, opts ...Option) *Client {
	if cfg.URI == "" {
		cfg.URI = "mongodb://localhost:27017"
	}
	if cfg.Database == "" {
		cfg.Database = "geotracker"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	c := &Client{
		cfg:     cfg,
		pubs:    pubs,
		log:     slog.Default(),
		entropy: ulid.Monotonic(rand.Reader, 0),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.replica = replica.New(c.log)
	return c
}

// NewFromEnv builds a Client using envdecode to populate Config.
func NewFromEnv(pubs store.Publications, opts ...Option) *Client {
	var cfg Config
	_ = envdecode.Decode(&cfg)
	return New(cfg, pubs, opts...)
}

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

	clientOptions := options.Client().ApplyURI(c.cfg.URI).SetServerSelectionTimeout(c.cfg.Timeout)
	mc, err := mongo.Connect(ctx, clientOptions)
	if err != nil {
		return fmt.Errorf("mongo connect: %w", err)
	}
	pingCtx, cancelPing := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancelPing()
	if err := mc.Ping(pingCtx, nil); err != nil {
		_ = mc.Disconnect(context.Background())
		return fmt.Errorf("mongo ping: %w", err)
	}
	db := mc.Database(c.cfg.Database)

	for _, ix := range c.indexes {
		if _, err := db.Collection(ix.collection).Indexes().CreateOne(ctx, mongo.IndexModel{Keys: bson.M{ix.field: 1}}); err != nil {
			c.log.Warn("mongostore: create index failed",
				slog.String("collection", ix.collection), slog.String("field", ix.field), slog.String("err", err.Error()))
		}
	}

	// The stream is opened before Connect returns so every write acknowledged
	// afterwards is observed.
	streamOpts := options.ChangeStream().SetFullDocument(options.UpdateLookup)
	cs, err := db.Watch(ctx, mongo.Pipeline{}, streamOpts)
	if err != nil {
		_ = mc.Disconnect(context.Background())
		return fmt.Errorf("mongo watch: %w", err)
	}

	watchCtx, cancel := context.WithCancel(context.Background())
	c.mc, c.db, c.cancel = mc, db, cancel
	c.done = make(chan struct{})
	c.connected.Store(true)
	c.replica.Emit(store.Connected{})
	go c.watch(watchCtx, cs, c.done)
	c.log.Debug("mongostore: connected", slog.String("db", c.cfg.Database))
	return nil
}

// streamEvent is the subset of a change event the replica needs.
type streamEvent struct {
	OperationType string `bson:"operationType"`
	NS            struct {
		Coll string `bson:"coll"`
	} `bson:"ns"`
	DocumentKey struct {
		ID any `bson:"_id"`
	} `bson:"documentKey"`
	FullDocument bson.M `bson:"fullDocument"`
}

func (c *Client) watch(ctx context.Context, cs *mongo.ChangeStream, done chan struct{}) {
	defer close(done)
	defer cs.Close(context.Background())

	for cs.Next(ctx) {
		var ev streamEvent
		if err := cs.Decode(&ev); err != nil {
			c.log.Warn("mongostore: discarding undecodable change", slog.String("err", err.Error()))
			continue
		}
		id, ok := ev.DocumentKey.ID.(string)
		if !ok {
			continue
		}
		switch ev.OperationType {
		case "insert", "update", "replace":
			if ev.FullDocument == nil {
				// Deleted before the lookup ran; the delete event follows.
				continue
			}
			c.replica.Apply(replica.Change{Op: replica.OpUpsert, Collection: ev.NS.Coll, ID: id, Fields: fromBSON(ev.FullDocument)})
		case "delete":
			c.replica.Apply(replica.Change{Op: replica.OpDelete, Collection: ev.NS.Coll, ID: id})
		}
	}
	if ctx.Err() != nil {
		return
	}
	err := cs.Err()
	if err == nil {
		err = errors.New("mongostore: change stream closed")
	}
	c.log.Warn("mongostore: change stream failed", slog.String("err", err.Error()))
	go c.disconnect(err)
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
	c.cancel()
	<-c.done
	_ = c.mc.Disconnect(context.Background())
	c.mc, c.db = nil, nil
	c.replica.Reset()
	c.replica.Emit(store.Disconnected{Err: cause})
	c.log.Debug("mongostore: disconnected")
}

// IsConnected implements store.Client.
func (c *Client) IsConnected() bool { return c.connected.Load() }

// Reconnect implements store.Client.
func (c *Client) Reconnect(ctx context.Context) error {
	c.disconnect(nil)
	return c.Connect(ctx)
}

func (c *Client) database() (*mongo.Database, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected.Load() {
		return nil, store.ErrNotConnected
	}
	return c.db, nil
}

// --- Subscriptions ---

// Subscribe implements store.Client.
func (c *Client) Subscribe(ctx context.Context, name string, params ...any) error {
	db, err := c.database()
	if err != nil {
		return err
	}
	coll, filter, err := c.pubs.Resolve(name, params)
	if err != nil {
		return err
	}
	c.replica.Subscribe(name, coll, filter)
	docs, err := c.find(ctx, db, coll, filter)
	if err != nil {
		c.replica.Unsubscribe(name)
		return translate(err)
	}
	c.replica.Seed(name, docs)
	return nil
}

// Unsubscribe implements store.Client.
func (c *Client) Unsubscribe(ctx context.Context, name string) error {
	c.replica.Unsubscribe(name)
	return nil
}

func (c *Client) find(ctx context.Context, db *mongo.Database, collection string, filter store.Filter) ([]store.Document, error) {
	cursor, err := db.Collection(collection).Find(ctx, toBSON(filter), options.Find().SetSort(bson.M{"_id": 1}))
	if err != nil {
		return nil, err
	}
	var raw []bson.M
	if err := cursor.All(ctx, &raw); err != nil {
		return nil, err
	}
	out := make([]store.Document, 0, len(raw))
	for _, m := range raw {
		id, ok := m["_id"].(string)
		if !ok {
			continue
		}
		out = append(out, store.Document{Collection: collection, ID: id, Fields: fromBSON(m)})
	}
	return out, nil
}

// --- Writes ---

// Insert implements store.Client.
func (c *Client) Insert(ctx context.Context, collection string, fields store.Fields) (string, error) {
	db, err := c.database()
	if err != nil {
		return "", err
	}
	c.entropyMu.Lock()
	id := ulid.MustNew(ulid.Now(), c.entropy).String()
	c.entropyMu.Unlock()

	doc := toBSON(fields)
	doc["_id"] = id
	if _, err := db.Collection(collection).InsertOne(ctx, doc); err != nil {
		return "", translate(err)
	}
	return id, nil
}

// Update implements store.Client.
func (c *Client) Update(ctx context.Context, collection string, selector store.Filter, u store.Update) (int, error) {
	db, err := c.database()
	if err != nil {
		return 0, err
	}
	update := bson.M{}
	if len(u.Set) > 0 {
		update["$set"] = toBSON(u.Set)
	}
	if len(u.Unset) > 0 {
		unset := bson.M{}
		for _, k := range u.Unset {
			unset[k] = ""
		}
		update["$unset"] = unset
	}
	if len(update) == 0 {
		return 0, &store.Error{Code: store.CodeBadRequest, Reason: "Empty update"}
	}
	res, err := db.Collection(collection).UpdateMany(ctx, toBSON(selector), update)
	if err != nil {
		return 0, translate(err)
	}
	return int(res.MatchedCount), nil
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
	return nil
}

// DropDatabase removes the configured database. Intended for tests.
func (c *Client) DropDatabase(ctx context.Context) error {
	db, err := c.database()
	if err != nil {
		return err
	}
	return db.Drop(ctx)
}

// --- Conversion ---

func toBSON(f map[string]any) bson.M {
	out := make(bson.M, len(f))
	for k, v := range f {
		out[k] = v
	}
	return out
}

// fromBSON strips _id and narrows driver-specific scalar types.
func fromBSON(m bson.M) store.Fields {
	out := make(store.Fields, len(m))
	for k, v := range m {
		if k == "_id" {
			continue
		}
		switch x := v.(type) {
		case int32:
			out[k] = int64(x)
		case primitive.DateTime:
			out[k] = int64(x)
		default:
			out[k] = v
		}
	}
	return out
}

// translate maps server-side rejections to *store.Error; everything else is
// treated as a connectivity failure and returned unchanged.
func translate(err error) error {
	switch {
	case mongo.IsDuplicateKeyError(err):
		return &store.Error{Code: store.CodeConflict, Reason: "Duplicate key", Details: err.Error()}
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded), mongo.IsNetworkError(err), mongo.IsTimeout(err):
		return err
	}
	var se mongo.ServerError
	if errors.As(err, &se) {
		if se.HasErrorCode(13) { // Unauthorized
			return &store.Error{Code: store.CodeForbidden, Reason: "Access denied", Details: err.Error()}
		}
		return &store.Error{Code: store.CodeInternal, Reason: "Server error", Details: err.Error()}
	}
	return err
}

var _ store.Client = (*Client)(nil)
