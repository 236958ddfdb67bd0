package store

import (
	"context"
)

// Client is the contract the session core needs from a replicated document
// store. One Client instance is owned by the caller and handed to whatever
// needs it; there is no process-wide default instance.
//
// RPC methods (Subscribe, Insert, Update) block until the store has
// acknowledged the operation or ctx ends. They return ErrNotConnected while
// the client is disconnected and a *Error when the store rejects the call.
//
// Change notifications and connection lifecycle events are delivered on the
// channel returned by Events, one at a time and in the order the replica
// observed them. Delivery is decoupled from RPC completion so that a consumer
// which issues RPCs from another goroutine can never deadlock the stream.
type Client interface {
	// Connect establishes the connection. A Connected event is emitted once
	// the client is ready to accept RPCs.
	Connect(ctx context.Context) error
	// Disconnect closes the connection. Subscriptions and the local cache
	// are dropped and a Disconnected event is emitted.
	Disconnect(ctx context.Context) error
	// IsConnected reports whether RPCs can currently be issued.
	IsConnected() bool
	// Reconnect drops any existing connection and connects again.
	Reconnect(ctx context.Context) error

	// Subscribe starts the named publication and returns once its initial
	// snapshot is present in the local cache. Subscribing again to the same
	// name replaces the previous subscription.
	Subscribe(ctx context.Context, name string, params ...any) error
	// Unsubscribe stops the named publication. Documents no other
	// subscription covers are removed from the cache. Unsubscribing works
	// while disconnected and is a no-op for unknown names.
	Unsubscribe(ctx context.Context, name string) error

	// Insert creates a document and returns its store-assigned id.
	Insert(ctx context.Context, collection string, fields Fields) (id string, err error)
	// Update applies a partial update to every document matching selector
	// and returns how many matched.
	Update(ctx context.Context, collection string, selector Filter, update Update) (matched int, err error)

	// FindOne, FindAll and GetDocument read the local cache synchronously.
	FindOne(collection string, filter Filter) (Document, bool)
	FindAll(collection string, filter Filter) []Document
	GetDocument(collection, id string) (Document, bool)

	// Events returns the notification stream. It is closed by Close.
	Events() <-chan Event

	// Close disconnects and releases all resources.
	Close() error
}
