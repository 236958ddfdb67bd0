package store

// Event is a notification delivered on Client.Events. The concrete types
// below are the complete set.
type Event interface {
	storeEvent()
}

// DocumentAdded reports a document entering the local cache.
type DocumentAdded struct {
	Collection string
	ID         string
	Fields     Fields
}

// DocumentChanged reports changed field values and removed fields of a
// cached document. Fields holds only what changed.
type DocumentChanged struct {
	Collection string
	ID         string
	Fields     Fields
	Cleared    []string
}

// DocumentRemoved reports a document leaving the local cache.
type DocumentRemoved struct {
	Collection string
	ID         string
}

// Connected is emitted when the client becomes ready for RPCs. Resumed is
// true when the store kept the previous connection's subscriptions; none of
// the implementations in this repository resume.
type Connected struct {
	Resumed bool
}

// Disconnected is emitted when the connection goes away. Err is nil for a
// requested disconnect.
type Disconnected struct {
	Err error
}

// ConnectionError reports a transport problem that did not (yet) drop the
// connection.
type ConnectionError struct {
	Err error
}

func (DocumentAdded) storeEvent()   {}
func (DocumentChanged) storeEvent() {}
func (DocumentRemoved) storeEvent() {}
func (Connected) storeEvent()       {}
func (Disconnected) storeEvent()    {}
func (ConnectionError) storeEvent() {}
