// Package redisstore provides a Redis-backed store.Client so that several
// geotracker processes can share sessions, users and location fixes.
//
// Layout
//
//	<prefix>docs:<collection>   hash of document id -> JSON fields
//	<prefix>changes             pub/sub channel carrying every write
//
// Subscriptions are evaluated client side: a subscribe reads the collection
// hash for the snapshot and then follows the change channel. If the pub/sub
// connection drops and is re-established, the client reports a Disconnected
// event followed by Connected so callers re-establish their subscriptions.
package redisstore
