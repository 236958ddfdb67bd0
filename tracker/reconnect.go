package tracker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/ggoodman/geotracker-go/store"
)

func (t *Tracker) onConnected(e store.Connected) {
	if t.ctx.Err() != nil {
		return
	}
	t.log.Info("tracker: store connected", slog.Bool("resumed", e.Resumed))
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		t.finishBoot(t.restore(t.ctx))
	}()
}

func (t *Tracker) onDisconnected(e store.Disconnected) {
	t.bootMu.Lock()
	t.bootDone = false
	t.bootErr = nil
	t.bootMu.Unlock()

	if e.Err == nil {
		t.log.Info("tracker: store disconnected")
		return
	}
	t.log.Warn("tracker: store connection lost", slog.String("err", e.Err.Error()))
	t.emit(UserMessage{Text: "Connection lost, reconnecting", Transient: true})
	t.triggerReconnect()
}

func (t *Tracker) finishBoot(err error) {
	t.bootMu.Lock()
	defer t.bootMu.Unlock()
	t.bootDone = true
	t.bootErr = err
	close(t.bootWait)
	t.bootWait = make(chan struct{})
}

// restore runs after every (re)connect, serialized with transitions: the
// user and session list are bootstrapped, then an Owner re-issues its
// location subscription exactly once. Members and Viewers are not
// re-subscribed. The Owner subscription is attempted even when the
// bootstrap fails. A failure keeps the current state.
func (t *Tracker) restore(ctx context.Context) error {
	if err := t.acquire(ctx); err != nil {
		return err
	}
	defer t.release()

	bootErr := t.bootstrap(ctx)

	st := t.State()
	if st.Role != Owner || !t.client.IsConnected() {
		return bootErr
	}
	const op = "resubscribe"
	if err := t.subscribeLocations(ctx, st.SessionID); err != nil {
		return errors.Join(bootErr, t.storeFailure(ctx, op, KindSubscriptionRejected, err))
	}
	t.log.InfoContext(t.logCtx(ctx, op, st.Title), "tracker: owner subscription restored")
	t.replay(st)
	return bootErr
}

// bootstrap subscribes the shared publications and makes sure the User
// document exists and carries the configured display name. Every
// publication is attempted; the User document is only looked up once the
// Users publication is ready, so a failed subscription never leads to a
// duplicate insert.
func (t *Tracker) bootstrap(ctx context.Context) error {
	const op = "bootstrap"
	var errs []error
	usersReady := false
	for _, pub := range []string{PubUsers, PubSessionsList} {
		if err := t.client.Subscribe(ctx, pub); err != nil {
			errs = append(errs, t.storeFailure(ctx, op, KindSubscriptionRejected, err))
			if !store.IsRejection(err) {
				// The connection is gone; the next Connected restarts the bootstrap.
				return errors.Join(errs...)
			}
			continue
		}
		if pub == PubUsers {
			usersReady = true
		}
	}
	if usersReady {
		if err := t.ensureUser(ctx); err != nil {
			errs = append(errs, t.storeFailure(ctx, op, KindWriteRejected, err))
		}
	}
	return errors.Join(errs...)
}

// ensureUser finds or creates the User document. The document id is
// remembered so later bootstraps never insert a duplicate, even when the
// insert's own notification has not reached the cache yet.
func (t *Tracker) ensureUser(ctx context.Context) error {
	t.userMu.Lock()
	defer t.userMu.Unlock()

	var cur store.Document
	var found bool
	if t.userDocID != "" {
		cur, found = t.client.GetDocument(CollUsers, t.userDocID)
		if !found {
			// Not in the cache yet; the name is reconciled next time.
			return nil
		}
	} else {
		cur, found = t.client.FindOne(CollUsers, store.Filter{fieldUser: t.userID})
	}

	if !found {
		fields := store.Fields{fieldUser: t.userID}
		if t.displayName != "" {
			fields[fieldName] = t.displayName
		}
		id, err := t.client.Insert(ctx, CollUsers, fields)
		if err != nil {
			return err
		}
		t.userDocID = id
		t.log.Info("tracker: user created", slog.String("user_id", t.userID), slog.String("doc_id", id))
		return nil
	}

	t.userDocID = cur.ID
	if name, _ := cur.String(fieldName); t.displayName != "" && name != t.displayName {
		return t.writeNameLocked(ctx)
	}
	return nil
}

func (t *Tracker) writeNameLocked(ctx context.Context) error {
	_, err := t.client.Update(ctx, CollUsers,
		store.Filter{store.FieldID: t.userDocID},
		store.Update{Set: store.Fields{fieldName: t.displayName}})
	return err
}

// SetDisplayName changes the name shown on this device's marker. It is
// remembered for future connections and written to the User document when
// connected.
func (t *Tracker) SetDisplayName(ctx context.Context, name string) error {
	const op = "rename"
	t.userMu.Lock()
	t.displayName = name
	docID := t.userDocID
	t.userMu.Unlock()

	if err := t.requireConnection(ctx, op); err != nil {
		return err
	}
	if docID == "" {
		// Bootstrap has not run yet and will write the name.
		return nil
	}

	t.userMu.Lock()
	err := t.writeNameLocked(ctx)
	t.userMu.Unlock()
	if err != nil {
		return t.storeFailure(ctx, op, KindWriteRejected, err)
	}
	t.log.Info("tracker: display name updated", slog.String("name", name))
	return nil
}

// DisplayName returns the configured display name.
func (t *Tracker) DisplayName() string {
	t.userMu.Lock()
	defer t.userMu.Unlock()
	return t.displayName
}

// triggerReconnect starts a background reconnect loop unless one is already
// running. Attempts back off exponentially up to the configured maximum.
func (t *Tracker) triggerReconnect() {
	if t.ctx.Err() != nil || !t.reconnecting.CompareAndSwap(false, true) {
		return
	}
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		defer t.reconnecting.Store(false)

		delay := t.minBackoff
		for attempt := 1; ; attempt++ {
			if t.client.IsConnected() {
				return
			}
			err := t.client.Reconnect(t.ctx)
			if err == nil {
				t.log.Info("tracker: reconnected", slog.Int("attempt", attempt))
				return
			}
			if errors.Is(err, store.ErrClosed) {
				return
			}
			t.log.Warn("tracker: reconnect failed", slog.Int("attempt", attempt), slog.Duration("retry_in", delay), slog.String("err", err.Error()))
			select {
			case <-t.ctx.Done():
				return
			case <-time.After(delay):
			}
			delay *= 2
			if delay > t.maxBackoff {
				delay = t.maxBackoff
			}
		}
	}()
}
