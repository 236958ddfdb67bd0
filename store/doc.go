// Package store defines the client side of a replicated document store with
// named publications, in the style of a DDP/minimongo client: the caller
// subscribes to publications, the store pushes an initial snapshot plus live
// added/changed/removed notifications into a local cache, and writes go out
// as insert/update RPCs.
//
// Layers
//
//	Client       -> contract consumed by the session core (tracker package)
//	Publications -> named, parameterised views of one collection
//	replica      -> backend-agnostic local cache + ordered notification queue
//
// Implementations
//
//	memory      : in-process server and clients, used by tests and demos
//	redisstore  : Redis hashes for documents, Pub/Sub for the change feed
//	mongostore  : MongoDB collections, change streams for the change feed
//
// Every implementation runs the storetest conformance suite.
//
// Semantics shared by all implementations:
//   - Writes are last-writer-wins; there is no conflict resolution.
//   - Subscriptions do not survive a connection loss. After a Disconnected
//     event the cache is empty and the caller re-subscribes what it needs
//     once Connected arrives.
//   - Documents are maps of JSON-compatible values. Numbers may surface as
//     any Go numeric type depending on the backend; use the typed accessors
//     on Document rather than type-asserting directly.
package store
