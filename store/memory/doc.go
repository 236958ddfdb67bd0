// Package memory provides an in-process replicated document store: a Server
// holding the authoritative collections and any number of store.Client
// implementations attached to it. It is the reference implementation used by
// tests and single-process demos.
//
// Characteristics
//
//	Durability        : none (RAM only)
//	Horizontal scale  : no (process local)
//	Document ids      : ULIDs, monotonic per server
//	Event delivery    : ordered per client, unbounded buffering
//	Fault injection   : Server.Reject (next RPC fails), Client.Drop (connection loss)
//
// Example:
//
//	srv := memory.NewServer(tracker.Publications())
//	c := srv.NewClient()
//	_ = c.Connect(ctx)
//
// For multi-process setups use redisstore or mongostore.
package memory
