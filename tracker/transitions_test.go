package tracker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ggoodman/geotracker-go/store"
	"github.com/ggoodman/geotracker-go/store/memory"
)

func TestTransitions_IllegalFromIdle(t *testing.T) {
	ctx := context.Background()

	srv := newServer()
	rc := newRecordingClient(srv)
	d := newDevice(t, rc, "A")

	for name, call := range map[string]func() error{
		"leave": func() error { return d.tr.LeaveSession(ctx) },
		"end":   func() error { return d.tr.EndSession(ctx) },
	} {
		if err := call(); !IsKind(err, KindIllegalTransition) {
			t.Fatalf("%s: expected illegal transition, got %v", name, err)
		}
	}
	if d.tr.State() != (State{}) {
		t.Fatalf("state must be untouched, got %+v", d.tr.State())
	}
	if rc.count(PubSessionLocations) != 0 {
		t.Fatal("no subscription may be attempted")
	}
}

func TestTransitions_IllegalFromEachRole(t *testing.T) {
	ctx := context.Background()
	srv := newServer()
	owner := newDevice(t, srv.NewClient(), "A")
	if err := owner.tr.StartSession(ctx, "Live"); err != nil {
		t.Fatalf("start: %v", err)
	}
	viewerSrc := newDevice(t, srv.NewClient(), "C")
	if err := viewerSrc.tr.StartSession(ctx, "Old"); err != nil {
		t.Fatalf("start old: %v", err)
	}
	if err := viewerSrc.tr.EndSession(ctx); err != nil {
		t.Fatalf("end old: %v", err)
	}

	cases := []struct {
		name    string
		enter   func(d *device) error
		illegal map[string]func(d *device) error
	}{
		{
			name:  "owner",
			enter: func(d *device) error { return d.tr.StartSession(ctx, "Mine") },
			illegal: map[string]func(d *device) error{
				"start": func(d *device) error { return d.tr.StartSession(ctx, "Other") },
				"join":  func(d *device) error { return d.tr.JoinSession(ctx, "Live") },
				"view":  func(d *device) error { return d.tr.ViewSession(ctx, "Old") },
				"leave": func(d *device) error { return d.tr.LeaveSession(ctx) },
			},
		},
		{
			name:  "member",
			enter: func(d *device) error { return d.tr.JoinSession(ctx, "Live") },
			illegal: map[string]func(d *device) error{
				"start": func(d *device) error { return d.tr.StartSession(ctx, "Other") },
				"join":  func(d *device) error { return d.tr.JoinSession(ctx, "Live") },
				"view":  func(d *device) error { return d.tr.ViewSession(ctx, "Old") },
				"end":   func(d *device) error { return d.tr.EndSession(ctx) },
			},
		},
		{
			name:  "viewer",
			enter: func(d *device) error { return d.tr.ViewSession(ctx, "Old") },
			illegal: map[string]func(d *device) error{
				"start": func(d *device) error { return d.tr.StartSession(ctx, "Other") },
				"join":  func(d *device) error { return d.tr.JoinSession(ctx, "Live") },
				"view":  func(d *device) error { return d.tr.ViewSession(ctx, "Old") },
				"end":   func(d *device) error { return d.tr.EndSession(ctx) },
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rc := newRecordingClient(srv)
			d := newDevice(t, rc, "B")
			if err := tc.enter(d); err != nil {
				t.Fatalf("enter: %v", err)
			}
			before := d.tr.State()
			subs := rc.count(PubSessionLocations)
			sessions := len(srv.Documents(CollSessions))

			for op, call := range tc.illegal {
				if err := call(d); !IsKind(err, KindIllegalTransition) {
					t.Fatalf("%s: expected illegal transition, got %v", op, err)
				}
			}
			if d.tr.State() != before {
				t.Fatalf("state changed: %+v -> %+v", before, d.tr.State())
			}
			if rc.count(PubSessionLocations) != subs || !rc.Subscribed(PubSessionLocations) {
				t.Fatal("subscriptions must be untouched")
			}
			if len(srv.Documents(CollSessions)) != sessions {
				t.Fatal("no session may be created")
			}
		})
	}
}

func TestStart_InsertFailureStaysIdle(t *testing.T) {
	srv := newServer()
	rc := newRecordingClient(srv)
	d := newDevice(t, rc, "A")
	ctx := ctxT(t)

	srv.Reject(memory.OpInsert, CollSessions, &store.Error{Code: store.CodeForbidden, Reason: "denied"})
	err := d.tr.StartSession(ctx, "Hike")
	if !IsKind(err, KindWriteRejected) {
		t.Fatalf("expected write rejected, got %v", err)
	}
	if !errors.Is(err, &store.Error{Code: store.CodeForbidden}) {
		t.Fatalf("expected store error wrapped, got %v", err)
	}
	if d.tr.CurrentRole() != NoSession {
		t.Fatal("expected to stay idle")
	}
	if rc.count(PubSessionLocations) != 0 {
		t.Fatal("no subscription may be attempted after a failed insert")
	}
	if msg := d.waitFor(isUserMessage).(UserMessage); msg.Transient {
		t.Fatal("rejections are blocking messages")
	}
}

func TestStart_SubscribeFailureFreesTitle(t *testing.T) {
	srv := newServer()
	d := newDevice(t, srv.NewClient(), "A")
	ctx := ctxT(t)

	srv.Reject(memory.OpSubscribe, PubSessionLocations, &store.Error{Code: store.CodeForbidden, Reason: "denied"})
	if err := d.tr.StartSession(ctx, "Hike"); !IsKind(err, KindSubscriptionRejected) {
		t.Fatalf("expected subscription rejected, got %v", err)
	}
	if d.tr.CurrentRole() != NoSession {
		t.Fatal("expected to stay idle")
	}
	docs := srv.Documents(CollSessions)
	if len(docs) != 1 {
		t.Fatalf("expected the created session document, got %d", len(docs))
	}
	if active, _ := docs[0].Bool(fieldActive); active {
		t.Fatal("an abandoned session must be deactivated")
	}

	if err := d.tr.StartSession(ctx, "Hike"); err != nil {
		t.Fatalf("retry with the same title: %v", err)
	}
	if st := d.tr.State(); st.Role != Owner || st.SessionID == docs[0].ID {
		t.Fatalf("expected owner of a new session, got %+v", st)
	}
}

func TestStart_TitleValidation(t *testing.T) {
	srv := newServer()
	a := newDevice(t, srv.NewClient(), "A")
	b := newDevice(t, srv.NewClient(), "B")
	ctx := ctxT(t)

	t.Run("empty", func(t *testing.T) {
		err := a.tr.StartSession(ctx, "   ")
		if !IsKind(err, KindInvalidArgument) || !errors.Is(err, ErrEmptyTitle) {
			t.Fatalf("expected empty title rejection, got %v", err)
		}
	})

	t.Run("duplicate active title", func(t *testing.T) {
		if err := a.tr.StartSession(ctx, "Hike"); err != nil {
			t.Fatalf("start: %v", err)
		}
		err := b.tr.StartSession(ctx, "Hike")
		if !IsKind(err, KindWriteRejected) || !errors.Is(err, ErrDuplicateTitle) {
			t.Fatalf("expected duplicate title rejection, got %v", err)
		}
		if b.tr.CurrentRole() != NoSession {
			t.Fatal("expected to stay idle")
		}
	})

	t.Run("title of ended session is reusable", func(t *testing.T) {
		if err := a.tr.EndSession(ctx); err != nil {
			t.Fatalf("end: %v", err)
		}
		if err := b.tr.StartSession(ctx, "Hike"); err != nil {
			t.Fatalf("expected reuse after end, got %v", err)
		}
	})
}

func TestJoin_Failures(t *testing.T) {
	srv := newServer()
	a := newDevice(t, srv.NewClient(), "A")
	b := newDevice(t, srv.NewClient(), "B")
	ctx := ctxT(t)

	if err := b.tr.JoinSession(ctx, "Nope"); !IsKind(err, KindSessionNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if b.tr.CurrentRole() != NoSession {
		t.Fatal("expected to stay idle")
	}

	if err := a.tr.StartSession(ctx, "Hike"); err != nil {
		t.Fatalf("start: %v", err)
	}
	srv.Reject(memory.OpSubscribe, PubSessionLocations, &store.Error{Code: store.CodeForbidden, Reason: "denied"})
	if err := b.tr.JoinSession(ctx, "Hike"); !IsKind(err, KindSubscriptionRejected) {
		t.Fatalf("expected subscription rejected, got %v", err)
	}
	if st := b.tr.State(); st != (State{}) {
		t.Fatalf("expected idle after rejected subscription, got %+v", st)
	}

	// The rejection applied once; joining again works.
	if err := b.tr.JoinSession(ctx, "Hike"); err != nil {
		t.Fatalf("join: %v", err)
	}
}

func TestEnd_WriteFailureKeepsOwner(t *testing.T) {
	srv := newServer()
	rc := newRecordingClient(srv)
	d := newDevice(t, rc, "A")
	ctx := ctxT(t)

	if err := d.tr.StartSession(ctx, "Hike"); err != nil {
		t.Fatalf("start: %v", err)
	}
	before := d.tr.State()

	srv.Reject(memory.OpUpdate, CollSessions, &store.Error{Code: store.CodeForbidden, Reason: "denied"})
	if err := d.tr.EndSession(ctx); !IsKind(err, KindWriteRejected) {
		t.Fatalf("expected write rejected, got %v", err)
	}
	if d.tr.State() != before {
		t.Fatalf("expected unchanged owner state, got %+v", d.tr.State())
	}
	if !rc.Subscribed(PubSessionLocations) {
		t.Fatal("subscription must be kept")
	}
	if active, _ := srv.Documents(CollSessions)[0].Bool(fieldActive); !active {
		t.Fatal("session must still be active")
	}

	// A later attempt succeeds.
	if err := d.tr.EndSession(ctx); err != nil {
		t.Fatalf("end: %v", err)
	}
	if rc.Subscribed(PubSessionLocations) {
		t.Fatal("expected unsubscribed after end")
	}
}

func TestTransitions_QueueBehindInFlight(t *testing.T) {
	srv := newServer()
	owner := newDevice(t, srv.NewClient(), "A")
	gc := newGatedClient(srv)
	d := newDevice(t, gc, "B")
	ctx := ctxT(t)

	if err := owner.tr.StartSession(ctx, "Hike"); err != nil {
		t.Fatalf("start: %v", err)
	}

	gc.arm()
	joinErr := make(chan error, 1)
	go func() { joinErr <- d.tr.JoinSession(ctx, "Hike") }()
	<-gc.entered

	// A caller that gives up while waiting leaves everything untouched.
	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	if err := d.tr.LeaveSession(short); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline while queued, got %v", err)
	}
	if d.tr.CurrentRole() != NoSession {
		t.Fatal("in-flight join must not have switched state yet")
	}

	leaveErr := make(chan error, 1)
	go func() { leaveErr <- d.tr.LeaveSession(ctx) }()
	select {
	case err := <-leaveErr:
		t.Fatalf("leave must queue behind the join, returned %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	close(gc.release)
	if err := <-joinErr; err != nil {
		t.Fatalf("join: %v", err)
	}
	if err := <-leaveErr; err != nil {
		t.Fatalf("queued leave: %v", err)
	}
	if d.tr.CurrentRole() != NoSession {
		t.Fatalf("expected idle after queued leave, got %s", d.tr.CurrentRole())
	}
}

func TestTransitions_StoreUnavailableTriggersReconnect(t *testing.T) {
	srv := newServer()
	d := newDevice(t, srv.NewClient(), "A")
	ctx := ctxT(t)

	if err := d.tr.Disconnect(ctx); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	err := d.tr.StartSession(ctx, "Hike")
	if !IsKind(err, KindStoreUnavailable) || !errors.Is(err, store.ErrNotConnected) {
		t.Fatalf("expected store unavailable, got %v", err)
	}
	if msg := d.waitFor(isUserMessage).(UserMessage); !msg.Transient {
		t.Fatal("connectivity failures are transient messages")
	}
	if d.tr.CurrentRole() != NoSession {
		t.Fatal("expected to stay idle")
	}

	if err := d.tr.Ready(ctx); err != nil {
		t.Fatalf("expected background reconnect, got %v", err)
	}
	if !d.client.IsConnected() {
		t.Fatal("expected connected")
	}
	if err := d.tr.StartSession(ctx, "Hike"); err != nil {
		t.Fatalf("start after reconnect: %v", err)
	}
}

func TestView_OnlyEndedSessions(t *testing.T) {
	srv := newServer()
	a := newDevice(t, srv.NewClient(), "A", WithDisplayName("Alice"))
	v := newDevice(t, srv.NewClient(), "V")
	ctx := ctxT(t)

	if err := a.tr.StartSession(ctx, "Old"); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := a.tr.OnLocationFix(ctx, Fix{Lat: 10, Lon: 20, Time: time.Now()}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := a.tr.EndSession(ctx); err != nil {
		t.Fatalf("end: %v", err)
	}
	if err := a.tr.StartSession(ctx, "Live"); err != nil {
		t.Fatalf("start live: %v", err)
	}

	err := v.tr.ViewSession(ctx, "Live")
	if !IsKind(err, KindInvalidArgument) || !errors.Is(err, ErrSessionActive) {
		t.Fatalf("expected active session rejection, got %v", err)
	}
	if err := v.tr.ViewSession(ctx, "Missing"); !IsKind(err, KindSessionNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	if err := v.tr.ViewSession(ctx, "Old"); err != nil {
		t.Fatalf("view: %v", err)
	}
	if v.tr.CurrentRole() != Viewer || v.tr.CurrentSessionTitle() != "Old" {
		t.Fatalf("unexpected state %+v", v.tr.State())
	}
	m := v.waitFor(markerFor("A")).(MarkerUpdated)
	if m.Marker.Lat != 10 || m.Marker.DisplayName != "Alice" {
		t.Fatalf("unexpected replayed marker %+v", m.Marker)
	}

	if err := v.tr.LeaveSession(ctx); err != nil {
		t.Fatalf("leave: %v", err)
	}
	v.waitFor(func(ev Event) bool { _, ok := ev.(MarkersCleared); return ok })
	if len(v.tr.Markers()) != 0 || len(v.tr.Aggregator().History()) != 0 {
		t.Fatal("markers and history must be cleared on leave")
	}
	if d := srv.Documents(CollSessions); len(d) != 2 {
		t.Fatalf("leave must not touch session documents, got %d", len(d))
	}
}

// Only Owner and Member publish; idle and Viewer fixes are dropped without
// error. An always-true guard would let a Viewer write into an ended session.
func TestOnLocationFix_PublishRightsFollowRole(t *testing.T) {
	srv := newServer()
	a := newDevice(t, srv.NewClient(), "A")
	b := newDevice(t, srv.NewClient(), "B")
	ctx := ctxT(t)
	fix := Fix{Lat: 1, Lon: 1}

	count := func() int { return len(srv.Documents(CollGPSData)) }

	if err := a.tr.OnLocationFix(ctx, fix); err != nil || count() != 0 {
		t.Fatalf("idle fix must be dropped, err=%v count=%d", err, count())
	}

	if err := a.tr.StartSession(ctx, "Hike"); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := a.tr.OnLocationFix(ctx, fix); err != nil || count() != 1 {
		t.Fatalf("owner must publish, err=%v count=%d", err, count())
	}
	if err := b.tr.JoinSession(ctx, "Hike"); err != nil {
		t.Fatalf("join: %v", err)
	}
	if err := b.tr.OnLocationFix(ctx, fix); err != nil || count() != 2 {
		t.Fatalf("member must publish, err=%v count=%d", err, count())
	}
	if err := b.tr.LeaveSession(ctx); err != nil {
		t.Fatalf("leave: %v", err)
	}
	if err := a.tr.EndSession(ctx); err != nil {
		t.Fatalf("end: %v", err)
	}
	if err := b.tr.ViewSession(ctx, "Hike"); err != nil {
		t.Fatalf("view: %v", err)
	}
	if err := b.tr.OnLocationFix(ctx, fix); err != nil || count() != 2 {
		t.Fatalf("viewer must not publish, err=%v count=%d", err, count())
	}

	for _, d := range srv.Documents(CollGPSData) {
		if sid, _ := d.String(fieldSessionID); sid == "" {
			t.Fatal("published fixes carry the session id")
		}
	}
}

func TestOnLocationFix_DroppedAfterSessionClosed(t *testing.T) {
	srv := newServer()
	a := newDevice(t, srv.NewClient(), "A")
	b := newDevice(t, srv.NewClient(), "B")
	ctx := ctxT(t)

	if err := a.tr.StartSession(ctx, "Hike"); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := b.tr.JoinSession(ctx, "Hike"); err != nil {
		t.Fatalf("join: %v", err)
	}
	if err := a.tr.EndSession(ctx); err != nil {
		t.Fatalf("end: %v", err)
	}
	b.waitFor(func(ev Event) bool { _, ok := ev.(SessionClosed); return ok })

	if err := b.tr.OnLocationFix(ctx, Fix{Lat: 1, Lon: 1}); err != nil {
		t.Fatalf("fix after close: %v", err)
	}
	if n := len(srv.Documents(CollGPSData)); n != 0 {
		t.Fatalf("ended session must stay read-only, got %d location documents", n)
	}
	if b.tr.CurrentRole() != Member {
		t.Fatal("dropping a fix must not change the role")
	}
}

// A fix issued while a transition is in flight is evaluated against the
// state that transition leaves behind.
func TestOnLocationFix_WaitsForInFlightTransition(t *testing.T) {
	srv := newServer()
	gc := newGatedClient(srv)
	d := newDevice(t, gc, "A")
	ctx := ctxT(t)

	gc.arm()
	startErr := make(chan error, 1)
	go func() { startErr <- d.tr.StartSession(ctx, "Hike") }()
	<-gc.entered

	fixErr := make(chan error, 1)
	go func() { fixErr <- d.tr.OnLocationFix(ctx, Fix{Lat: 1, Lon: 2}) }()
	select {
	case err := <-fixErr:
		t.Fatalf("fix must wait for the in-flight start, returned %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	close(gc.release)
	if err := <-startErr; err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := <-fixErr; err != nil {
		t.Fatalf("fix: %v", err)
	}
	docs := srv.Documents(CollGPSData)
	if len(docs) != 1 {
		t.Fatalf("expected the fix published into the new session, got %d documents", len(docs))
	}
	if sid, _ := docs[0].String(fieldSessionID); sid != d.tr.State().SessionID {
		t.Fatalf("fix carries session %q, want %q", sid, d.tr.State().SessionID)
	}
}

func TestOnLocationFix_InvalidCoordinate(t *testing.T) {
	srv := newServer()
	a := newDevice(t, srv.NewClient(), "A")
	ctx := ctxT(t)
	if err := a.tr.StartSession(ctx, "Hike"); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := a.tr.OnLocationFix(ctx, Fix{Lat: 100, Lon: 0}); !IsKind(err, KindInvalidArgument) {
		t.Fatalf("expected invalid argument, got %v", err)
	}
}

func TestRouter_MalformedLocationDiscarded(t *testing.T) {
	srv := newServer()
	a := newDevice(t, srv.NewClient(), "A")
	writer := srv.NewClient()
	defer writer.Close()
	ctx := ctxT(t)

	if err := a.tr.StartSession(ctx, "Hike"); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := writer.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	sid := a.tr.State().SessionID
	if _, err := writer.Insert(ctx, CollGPSData, store.Fields{fieldSessionID: sid, fieldLat: 1.0}); err != nil {
		t.Fatalf("insert malformed: %v", err)
	}
	if _, err := writer.Insert(ctx, CollGPSData, store.Fields{fieldSessionID: sid, fieldUserID: "W", fieldLat: 1.0, fieldLong: 2.0}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	a.waitFor(markerFor("W"))
	if a.tr.Aggregator().Len() != 1 {
		t.Fatalf("expected only the well-formed location, got %d markers", a.tr.Aggregator().Len())
	}
}
