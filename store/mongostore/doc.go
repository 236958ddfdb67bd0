// Package mongostore provides a MongoDB-backed store.Client. Each collection
// maps to a MongoDB collection of the same name; document ids are ULID
// strings stored in _id.
//
// Live updates are read from a database-wide change stream with full
// document lookup, so the deployment must be a replica set (a single-node
// replica set is enough for development).
package mongostore
