package tracker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ggoodman/geotracker-go/internal/logctx"
	"github.com/ggoodman/geotracker-go/internal/queue"
	"github.com/ggoodman/geotracker-go/markers"
	"github.com/ggoodman/geotracker-go/store"
)

// Option configures a Tracker.
type Option func(*Tracker)

// WithLogger overrides the logger.
func WithLogger(l *slog.Logger) Option {
	return func(t *Tracker) {
		if l != nil {
			t.log = l
		}
	}
}

// WithDisplayName sets the display name written to the User document on
// bootstrap.
func WithDisplayName(name string) Option {
	return func(t *Tracker) { t.displayName = name }
}

// WithReconnectBackoff bounds the delay between background reconnect
// attempts.
func WithReconnectBackoff(min, max time.Duration) Option {
	return func(t *Tracker) {
		if min > 0 {
			t.minBackoff = min
		}
		if max >= t.minBackoff {
			t.maxBackoff = max
		}
	}
}

// WithMarkerOptions passes options to the marker aggregator.
func WithMarkerOptions(opts ...markers.Option) Option {
	return func(t *Tracker) { t.markerOpts = append(t.markerOpts, opts...) }
}

// Tracker coordinates the device's role in a shared session against a
// replicated store. It owns the session state, routes local and remote
// location events and restores subscriptions after a reconnect.
//
// Transitions (StartSession, JoinSession, LeaveSession, EndSession,
// ViewSession) are serialized: a call made while another is in flight waits
// for it, or until its own context ends. State, Markers and friends may be
// called from any goroutine.
type Tracker struct {
	client     store.Client
	userID     string
	log        *slog.Logger
	agg        *markers.Aggregator
	markerOpts []markers.Option
	events     *queue.Queue[Event]
	minBackoff time.Duration
	maxBackoff time.Duration

	state   atomic.Pointer[State]
	sem     chan struct{} // transition slot
	routeMu sync.Mutex    // aggregator mutations and their events

	userMu      sync.Mutex
	displayName string
	userDocID   string

	bootMu   sync.Mutex
	bootDone bool // a bootstrap finished on the current connection
	bootErr  error
	bootWait chan struct{}

	reconnecting atomic.Bool
	ctx          context.Context
	cancel       context.CancelFunc
	wg           sync.WaitGroup
	closeOnce    sync.Once
}

// New creates a tracker for userID on top of client. The caller owns client
// and its lifecycle; Run must be started to process store notifications.
func New(client store.Client, userID string, opts ...Option) *Tracker {
	ctx, cancel := context.WithCancel(context.Background())
	t := &Tracker{
		client:     client,
		userID:     userID,
		log:        slog.Default(),
		events:     queue.New[Event](),
		minBackoff: time.Second,
		maxBackoff: 30 * time.Second,
		sem:        make(chan struct{}, 1),
		bootWait:   make(chan struct{}),
		ctx:        ctx,
		cancel:     cancel,
	}
	for _, opt := range opts {
		opt(t)
	}
	t.agg = markers.New(markers.NameResolverFunc(t.lookupName), append([]markers.Option{markers.WithLogger(t.log)}, t.markerOpts...)...)
	t.state.Store(&State{})
	return t
}

// Run processes store notifications one at a time until ctx ends, the
// tracker is closed or the store's event stream closes.
func (t *Tracker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.ctx.Done():
			return nil
		case ev, ok := <-t.client.Events():
			if !ok {
				return nil
			}
			t.handle(ev)
		}
	}
}

// Close stops background work and closes the event stream. The store client
// is not closed.
func (t *Tracker) Close() error {
	t.closeOnce.Do(func() {
		t.cancel()
		t.wg.Wait()
		t.events.Close()
	})
	return nil
}

// Connect connects the store client and waits until the tracker has
// bootstrapped its user and session list on the connection.
func (t *Tracker) Connect(ctx context.Context) error {
	t.bootMu.Lock()
	wait, done, bootErr := t.bootWait, t.bootDone, t.bootErr
	t.bootMu.Unlock()

	was := t.client.IsConnected()
	if err := t.client.Connect(ctx); err != nil {
		return &Error{Kind: KindStoreUnavailable, Op: "connect", Err: err}
	}
	if was && done {
		return bootErr
	}
	return t.awaitBoot(ctx, wait)
}

// Ready waits until a bootstrap has finished on the current connection and
// returns its result.
func (t *Tracker) Ready(ctx context.Context) error {
	t.bootMu.Lock()
	wait, done, bootErr := t.bootWait, t.bootDone, t.bootErr
	t.bootMu.Unlock()
	if done {
		return bootErr
	}
	return t.awaitBoot(ctx, wait)
}

func (t *Tracker) awaitBoot(ctx context.Context, wait <-chan struct{}) error {
	select {
	case <-wait:
		t.bootMu.Lock()
		defer t.bootMu.Unlock()
		return t.bootErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Disconnect disconnects the store client. Session state is kept.
func (t *Tracker) Disconnect(ctx context.Context) error {
	t.bootMu.Lock()
	t.bootDone = false
	t.bootErr = nil
	t.bootMu.Unlock()
	return t.client.Disconnect(ctx)
}

// Events returns the tracker's event stream. It is closed by Close.
func (t *Tracker) Events() <-chan Event { return t.events.C() }

// UserID returns the local user id.
func (t *Tracker) UserID() string { return t.userID }

// State returns the current state snapshot.
func (t *Tracker) State() State { return *t.state.Load() }

// CurrentRole returns the current role.
func (t *Tracker) CurrentRole() Role { return t.State().Role }

// CurrentSessionTitle returns the current session title, or "".
func (t *Tracker) CurrentSessionTitle() string { return t.State().Title }

// Markers returns a snapshot of the remote participants' markers.
func (t *Tracker) Markers() []markers.Marker { return t.agg.Markers() }

// Aggregator exposes the marker aggregator for read access (history,
// bounds, track lengths).
func (t *Tracker) Aggregator() *markers.Aggregator { return t.agg }

// Sessions lists the cached sessions with the given activity, sorted by
// title. Documents that cannot be interpreted are skipped.
func (t *Tracker) Sessions(active bool) []SessionInfo {
	docs := t.client.FindAll(CollSessions, store.Filter{fieldActive: active})
	out := make([]SessionInfo, 0, len(docs))
	for _, d := range docs {
		s, err := sessionFromDoc(d)
		if err != nil {
			t.log.Warn("tracker: skipping malformed session", slog.String("id", d.ID), slog.String("err", err.Error()))
			continue
		}
		out = append(out, s)
	}
	sortSessions(out)
	return out
}

func (t *Tracker) setState(s State) {
	t.state.Store(&s)
}

func (t *Tracker) emit(ev Event) { t.events.Push(ev) }

// logCtx decorates ctx with the current session for structured logging.
func (t *Tracker) logCtx(ctx context.Context, op, arg string) context.Context {
	st := t.State()
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{
		UserID:    t.userID,
		Role:      st.Role.String(),
		SessionID: st.SessionID,
		Title:     st.Title,
	})
	if op != "" {
		ctx = logctx.WithTransitionData(ctx, &logctx.TransitionData{Op: op, Arg: arg})
	}
	return ctx
}

// acquire takes the transition slot, waiting behind an in-flight transition.
func (t *Tracker) acquire(ctx context.Context) error {
	select {
	case t.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-t.ctx.Done():
		return context.Canceled
	}
}

func (t *Tracker) release() { <-t.sem }

// fail builds the error for a failed operation, reports it to the user and,
// for connectivity failures, starts a background reconnect.
func (t *Tracker) fail(ctx context.Context, op string, kind Kind, err error) error {
	e := &Error{Kind: kind, Op: op, Err: err}
	if kind == KindStoreUnavailable {
		t.triggerReconnect()
	}
	level := slog.LevelWarn
	if !kind.transient() {
		level = slog.LevelError
	}
	t.log.Log(t.logCtx(ctx, op, ""), level, "tracker: operation failed", slog.String("kind", kind.String()), slog.String("err", e.Error()))
	t.emit(UserMessage{Text: e.Error(), Transient: kind.transient()})
	return e
}

// storeFailure classifies an error returned by a store RPC. Context errors
// are returned as is.
func (t *Tracker) storeFailure(ctx context.Context, op string, rejected Kind, err error) error {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	case store.IsRejection(err):
		return t.fail(ctx, op, rejected, err)
	default:
		return t.fail(ctx, op, KindStoreUnavailable, err)
	}
}

// requireConnection fails with KindStoreUnavailable while disconnected.
func (t *Tracker) requireConnection(ctx context.Context, op string) error {
	if t.client.IsConnected() {
		return nil
	}
	return t.fail(ctx, op, KindStoreUnavailable, store.ErrNotConnected)
}

// lookupName resolves a display name from the cached Users collection.
func (t *Tracker) lookupName(userID string) (string, bool) {
	d, ok := t.client.FindOne(CollUsers, store.Filter{fieldUser: userID})
	if !ok {
		return "", false
	}
	return d.String(fieldName)
}
