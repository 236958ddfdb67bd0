package tracker

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ggoodman/geotracker-go/store"
)

// StartSession creates a session titled title owned by this device and
// becomes its Owner. Allowed from NoSession only. If the insert fails the
// device stays idle and nothing is subscribed.
func (t *Tracker) StartSession(ctx context.Context, title string) error {
	const op = "start"
	title = strings.TrimSpace(title)
	if title == "" {
		return t.fail(ctx, op, KindInvalidArgument, ErrEmptyTitle)
	}
	if err := t.acquire(ctx); err != nil {
		return err
	}
	defer t.release()

	if err := t.requireRole(ctx, op, NoSession); err != nil {
		return err
	}
	if err := t.requireConnection(ctx, op); err != nil {
		return err
	}
	if _, ok := t.client.FindOne(CollSessions, store.Filter{fieldTitle: title, fieldActive: true}); ok {
		return t.fail(ctx, op, KindWriteRejected, fmt.Errorf("%q: %w", title, ErrDuplicateTitle))
	}

	id, err := t.client.Insert(ctx, CollSessions, store.Fields{
		fieldTitle:  title,
		fieldOwner:  t.userID,
		fieldActive: true,
	})
	if err != nil {
		return t.storeFailure(ctx, op, KindWriteRejected, err)
	}
	if err := t.enter(ctx, op, State{Role: Owner, SessionID: id, Title: title}); err != nil {
		t.abandon(ctx, op, id)
		return err
	}
	return nil
}

// abandon deactivates a session created by a start that could not be
// completed, so its title is free again. Failures are only logged.
func (t *Tracker) abandon(ctx context.Context, op, id string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	_, err := t.client.Update(ctx, CollSessions,
		store.Filter{store.FieldID: id},
		store.Update{Set: store.Fields{fieldActive: false}})
	if err != nil {
		t.log.WarnContext(t.logCtx(ctx, op, ""), "tracker: could not deactivate abandoned session", slog.String("id", id), slog.String("err", err.Error()))
		return
	}
	t.log.InfoContext(t.logCtx(ctx, op, ""), "tracker: abandoned session deactivated", slog.String("id", id))
}

// JoinSession joins the active session titled title. If this device owns
// it, the Owner role is restored; otherwise the device becomes a Member.
// Either way the session's locations are subscribed exactly once.
func (t *Tracker) JoinSession(ctx context.Context, title string) error {
	const op = "join"
	title = strings.TrimSpace(title)
	if title == "" {
		return t.fail(ctx, op, KindInvalidArgument, ErrEmptyTitle)
	}
	if err := t.acquire(ctx); err != nil {
		return err
	}
	defer t.release()

	if err := t.requireRole(ctx, op, NoSession); err != nil {
		return err
	}
	if err := t.requireConnection(ctx, op); err != nil {
		return err
	}
	d, ok := t.client.FindOne(CollSessions, store.Filter{fieldTitle: title, fieldActive: true})
	if !ok {
		return t.fail(ctx, op, KindSessionNotFound, fmt.Errorf("no active session %q", title))
	}
	info, err := sessionFromDoc(d)
	if err != nil {
		return t.fail(ctx, op, KindMalformedDocument, err)
	}

	role := Member
	if info.Owner == t.userID {
		role = Owner
	}
	return t.enter(ctx, op, State{Role: role, SessionID: info.ID, Title: info.Title})
}

// ViewSession replays the ended session titled title read-only.
func (t *Tracker) ViewSession(ctx context.Context, title string) error {
	const op = "view"
	title = strings.TrimSpace(title)
	if title == "" {
		return t.fail(ctx, op, KindInvalidArgument, ErrEmptyTitle)
	}
	if err := t.acquire(ctx); err != nil {
		return err
	}
	defer t.release()

	if err := t.requireRole(ctx, op, NoSession); err != nil {
		return err
	}
	if err := t.requireConnection(ctx, op); err != nil {
		return err
	}
	d, ok := t.client.FindOne(CollSessions, store.Filter{fieldTitle: title, fieldActive: false})
	if !ok {
		if _, active := t.client.FindOne(CollSessions, store.Filter{fieldTitle: title, fieldActive: true}); active {
			return t.fail(ctx, op, KindInvalidArgument, fmt.Errorf("%q: %w", title, ErrSessionActive))
		}
		return t.fail(ctx, op, KindSessionNotFound, fmt.Errorf("no ended session %q", title))
	}
	info, err := sessionFromDoc(d)
	if err != nil {
		return t.fail(ctx, op, KindMalformedDocument, err)
	}
	return t.enter(ctx, op, State{Role: Viewer, SessionID: info.ID, Title: info.Title})
}

// LeaveSession leaves the current session as Member or Viewer. The Sessions
// document is never touched. Leaving works while disconnected.
func (t *Tracker) LeaveSession(ctx context.Context) error {
	const op = "leave"
	if err := t.acquire(ctx); err != nil {
		return err
	}
	defer t.release()

	if err := t.requireRole(ctx, op, Member, Viewer); err != nil {
		return err
	}
	t.exit(ctx, op)
	return nil
}

// EndSession deactivates the session this device owns and returns to
// NoSession. If the update fails the device remains Owner with the same
// session id and title.
func (t *Tracker) EndSession(ctx context.Context) error {
	const op = "end"
	if err := t.acquire(ctx); err != nil {
		return err
	}
	defer t.release()

	if err := t.requireRole(ctx, op, Owner); err != nil {
		return err
	}
	if err := t.requireConnection(ctx, op); err != nil {
		return err
	}
	st := t.State()
	n, err := t.client.Update(ctx, CollSessions,
		store.Filter{store.FieldID: st.SessionID},
		store.Update{Set: store.Fields{fieldActive: false}})
	if err != nil {
		return t.storeFailure(ctx, op, KindWriteRejected, err)
	}
	if n == 0 {
		return t.fail(ctx, op, KindSessionNotFound, fmt.Errorf("session %s no longer exists", st.SessionID))
	}
	t.exit(ctx, op)
	return nil
}

func (t *Tracker) requireRole(ctx context.Context, op string, allowed ...Role) error {
	cur := t.CurrentRole()
	for _, r := range allowed {
		if cur == r {
			return nil
		}
	}
	return t.fail(ctx, op, KindIllegalTransition, fmt.Errorf("not allowed as %s", cur))
}

// enter subscribes to next's locations and, once the subscription is ready,
// switches to next. Must hold the transition slot.
func (t *Tracker) enter(ctx context.Context, op string, next State) error {
	if err := t.subscribeLocations(ctx, next.SessionID); err != nil {
		return t.storeFailure(ctx, op, KindSubscriptionRejected, err)
	}

	t.routeMu.Lock()
	t.agg.Begin(next.SessionID)
	t.routeMu.Unlock()
	t.setState(next)
	t.emit(RoleChanged{State: next})
	t.log.InfoContext(t.logCtx(ctx, op, next.Title), "tracker: entered session")

	// Snapshot documents may have been delivered before the state switched.
	t.replay(next)
	return nil
}

// exit drops the location subscription and returns to NoSession. Must hold
// the transition slot.
func (t *Tracker) exit(ctx context.Context, op string) {
	if err := t.client.Unsubscribe(ctx, PubSessionLocations); err != nil {
		t.log.WarnContext(t.logCtx(ctx, op, ""), "tracker: unsubscribe failed", slog.String("err", err.Error()))
	}
	t.log.InfoContext(t.logCtx(ctx, op, ""), "tracker: left session")
	next := State{}
	t.setState(next)

	t.routeMu.Lock()
	if t.agg.Reset() {
		t.emit(MarkersCleared{})
	}
	t.routeMu.Unlock()
	t.emit(RoleChanged{State: next})
}

func (t *Tracker) subscribeLocations(ctx context.Context, sessionID string) error {
	return t.client.Subscribe(ctx, PubSessionLocations, sessionID)
}
