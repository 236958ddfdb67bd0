// Package tracker coordinates a device's participation in a shared location
// session.
//
// A Tracker owns the session state machine
//
//	NoSession -> Owner | Member | Viewer -> NoSession
//
// and performs, in order, the store calls each transition requires. It also
// routes local fixes to the store (Owner and Member publish), routes remote
// location documents to the marker aggregator (Owner and Viewer receive) and,
// after every reconnect, bootstraps the user document and re-issues an
// Owner's location subscription exactly once.
//
// Everything a presentation layer needs to react to is delivered as a typed
// Event on the channel returned by Events; the current state can be read at
// any time with State.
//
// Usage:
//
//	srv := memory.NewServer(tracker.Publications())
//	tr := tracker.New(srv.NewClient(), userID, tracker.WithDisplayName("Ana"))
//	go tr.Run(ctx)
//	if err := tr.Connect(ctx); err != nil { ... }
//	if err := tr.StartSession(ctx, "Hike"); err != nil { ... }
package tracker
