package tracker

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ggoodman/geotracker-go/internal/geo"
	"github.com/ggoodman/geotracker-go/store"
)

// OnLocationFix publishes a local fix to the current session. Fixes are
// dropped without error unless the role is Owner or Member with a recorded
// session id, and once the session is known to have ended. Publishing is
// serialized with transitions, so a fix never lands in a session the device
// has already left.
func (t *Tracker) OnLocationFix(ctx context.Context, fix Fix) error {
	const op = "publish"
	if err := t.acquire(ctx); err != nil {
		return err
	}
	defer t.release()

	st := t.State()
	if !st.Role.CanPublish() || st.SessionID == "" {
		t.log.DebugContext(t.logCtx(ctx, op, ""), "tracker: fix dropped, not publishing")
		return nil
	}
	if !geo.Valid(geo.Point{Lat: fix.Lat, Lon: fix.Lon}) {
		return t.fail(ctx, op, KindInvalidArgument, fmt.Errorf("coordinate %v,%v out of range", fix.Lat, fix.Lon))
	}
	if t.sessionEnded(st.SessionID) {
		t.log.DebugContext(t.logCtx(ctx, op, ""), "tracker: fix dropped, session ended")
		return nil
	}
	if err := t.requireConnection(ctx, op); err != nil {
		return err
	}
	id, err := t.client.Insert(ctx, CollGPSData, fix.fields(st.SessionID, t.userID))
	if err != nil {
		return t.storeFailure(ctx, op, KindWriteRejected, err)
	}
	t.log.DebugContext(t.logCtx(ctx, op, ""), "tracker: fix published", slog.String("doc_id", id))
	return nil
}

// sessionEnded reports whether the cached Sessions document for id is
// inactive. An uncached session is treated as active.
func (t *Tracker) sessionEnded(id string) bool {
	d, ok := t.client.GetDocument(CollSessions, id)
	if !ok {
		return false
	}
	active, ok := d.Bool(fieldActive)
	return ok && !active
}

// handle processes one store notification. It never waits on a store RPC;
// work that needs one runs on its own goroutine.
func (t *Tracker) handle(ev store.Event) {
	switch e := ev.(type) {
	case store.DocumentAdded:
		if e.Collection == CollGPSData {
			t.route(t.State(), store.Document{Collection: e.Collection, ID: e.ID, Fields: e.Fields})
			return
		}
		t.onDocument(e.Collection, e.ID)
	case store.DocumentChanged:
		// Location events are append-only; only additions are routed.
		t.onDocument(e.Collection, e.ID)
		if e.Collection == CollSessions {
			t.onSessionChanged(e)
		}
	case store.DocumentRemoved:
		if e.Collection == CollSessions {
			t.emit(SessionListChanged{})
		}
	case store.Connected:
		t.onConnected(e)
	case store.Disconnected:
		t.onDisconnected(e)
	case store.ConnectionError:
		t.log.Warn("tracker: store connection error", slog.String("err", e.Err.Error()))
		t.emit(UserMessage{Text: "Connection problem: " + e.Err.Error(), Transient: true})
	}
}

func (t *Tracker) onDocument(collection, id string) {
	switch collection {
	case CollSessions:
		t.emit(SessionListChanged{})
	case CollUsers:
		d, ok := t.client.GetDocument(CollUsers, id)
		if !ok {
			return
		}
		if userID, ok := d.String(fieldUser); ok {
			t.rename(userID)
		}
	}
}

// onSessionChanged tells a Member that the owner ended its session.
func (t *Tracker) onSessionChanged(e store.DocumentChanged) {
	active, ok := e.Fields[fieldActive].(bool)
	if !ok || active {
		return
	}
	st := t.State()
	if st.Role != Member || st.SessionID != e.ID {
		return
	}
	t.log.InfoContext(t.logCtx(context.Background(), "", ""), "tracker: session closed by owner")
	t.emit(SessionClosed{Title: st.Title})
}

// route delivers one location document to the markers when st allows it.
func (t *Tracker) route(st State, d store.Document) {
	if !st.Role.CanReceive() || st.SessionID == "" {
		return
	}
	if sid, _ := d.String(fieldSessionID); sid != st.SessionID {
		return
	}
	s, err := sampleFromDoc(d)
	if err != nil {
		e := &Error{Kind: KindMalformedDocument, Op: "route", Err: err}
		t.log.Warn("tracker: discarding location", slog.String("err", e.Error()))
		return
	}

	t.routeMu.Lock()
	defer t.routeMu.Unlock()
	if m, ok := t.agg.Apply(st.SessionID, s); ok {
		t.emit(MarkerUpdated{Marker: m})
	}
}

// replay routes every cached location of st's session. The aggregator
// ignores events it has already seen.
func (t *Tracker) replay(st State) {
	for _, d := range t.client.FindAll(CollGPSData, store.Filter{fieldSessionID: st.SessionID}) {
		t.route(st, d)
	}
}

func (t *Tracker) rename(userID string) {
	t.routeMu.Lock()
	defer t.routeMu.Unlock()
	if m, ok := t.agg.Rename(userID); ok {
		t.emit(MarkerUpdated{Marker: m})
	}
}
