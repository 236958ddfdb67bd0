// Package markers aggregates remote location events into one marker per
// participant, plus an optional cumulative point history for heatmap-style
// rendering.
//
// An Aggregator is scoped to one session at a time: Begin starts a session
// and clears previous state, Reset clears it. Samples tagged with another
// session id are ignored, so late deliveries after a leave never resurrect
// markers.
package markers

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/ggoodman/geotracker-go/internal/geo"
)

// Sample is one remote location event.
type Sample struct {
	EventID string
	UserID  string
	Lat     float64
	Lon     float64
	Time    time.Time
}

// Marker is the latest known position of one participant.
type Marker struct {
	UserID      string
	DisplayName string
	Lat         float64
	Lon         float64
	Time        time.Time
}

// Point is one entry of the cumulative history.
type Point struct {
	UserID string
	Lat    float64
	Lon    float64
	Time   time.Time
}

// NameResolver looks up a user's display name. A miss is not an error; the
// aggregator falls back to the user id.
type NameResolver interface {
	DisplayName(userID string) (string, bool)
}

// NameResolverFunc adapts a function to NameResolver.
type NameResolverFunc func(userID string) (string, bool)

// DisplayName implements NameResolver.
func (f NameResolverFunc) DisplayName(userID string) (string, bool) { return f(userID) }

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithLogger overrides the logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *Aggregator) {
		if l != nil {
			a.log = l
		}
	}
}

// WithoutHistory disables the cumulative point history.
func WithoutHistory() Option {
	return func(a *Aggregator) { a.history = false }
}

// Aggregator is safe for concurrent use. Readers always observe a state in
// which every applied sample is either fully reflected or not at all.
type Aggregator struct {
	names   NameResolver
	log     *slog.Logger
	history bool

	mu      sync.RWMutex
	session string
	seen    map[string]struct{}
	markers map[string]Marker
	points  []Point
}

// New creates an idle aggregator. names may be nil, in which case markers
// are labelled with the raw user id.
func New(names NameResolver, opts ...Option) *Aggregator {
	a := &Aggregator{
		names:   names,
		log:     slog.Default(),
		history: true,
		seen:    make(map[string]struct{}),
		markers: make(map[string]Marker),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Begin scopes the aggregator to sessionID, discarding previous state.
func (a *Aggregator) Begin(sessionID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.clearLocked()
	a.session = sessionID
}

// Reset discards all state and leaves the aggregator idle. It reports
// whether there was any marker or history to discard.
func (a *Aggregator) Reset() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	had := len(a.markers) > 0 || len(a.points) > 0
	a.clearLocked()
	a.session = ""
	return had
}

func (a *Aggregator) clearLocked() {
	a.seen = make(map[string]struct{})
	a.markers = make(map[string]Marker)
	a.points = nil
}

// Session returns the session the aggregator is scoped to, or "".
func (a *Aggregator) Session() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.session
}

// Apply folds one sample into the aggregate. It returns the resulting
// marker and true when the marker was created or moved. Redelivered event
// ids, samples for another session and samples older than the user's
// current marker return false.
func (a *Aggregator) Apply(sessionID string, s Sample) (Marker, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.session == "" || sessionID != a.session {
		return Marker{}, false
	}
	if s.EventID != "" {
		if _, dup := a.seen[s.EventID]; dup {
			return Marker{}, false
		}
		a.seen[s.EventID] = struct{}{}
	}
	if a.history {
		a.points = append(a.points, Point{UserID: s.UserID, Lat: s.Lat, Lon: s.Lon, Time: s.Time})
	}

	if cur, ok := a.markers[s.UserID]; ok && s.Time.Before(cur.Time) {
		a.log.Debug("markers: out-of-order sample kept in history only",
			slog.String("user_id", s.UserID), slog.String("event_id", s.EventID))
		return Marker{}, false
	}
	m := Marker{
		UserID:      s.UserID,
		DisplayName: a.resolve(s.UserID),
		Lat:         s.Lat,
		Lon:         s.Lon,
		Time:        s.Time,
	}
	a.markers[s.UserID] = m
	return m, true
}

// Rename re-resolves the display name of userID. It returns the updated
// marker and true when the user has a marker whose label changed.
func (a *Aggregator) Rename(userID string) (Marker, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	m, ok := a.markers[userID]
	if !ok {
		return Marker{}, false
	}
	name := a.resolve(userID)
	if name == m.DisplayName {
		return Marker{}, false
	}
	m.DisplayName = name
	a.markers[userID] = m
	return m, true
}

func (a *Aggregator) resolve(userID string) string {
	if a.names == nil {
		return userID
	}
	if name, ok := a.names.DisplayName(userID); ok && name != "" {
		return name
	}
	return userID
}

// Markers returns a snapshot of all markers sorted by user id.
func (a *Aggregator) Markers() []Marker {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]Marker, 0, len(a.markers))
	for _, m := range a.markers {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// Marker returns the marker for one user.
func (a *Aggregator) Marker(userID string) (Marker, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	m, ok := a.markers[userID]
	return m, ok
}

// Len returns the number of markers.
func (a *Aggregator) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.markers)
}

// History returns a copy of the point history in arrival order.
func (a *Aggregator) History() []Point {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return append([]Point(nil), a.points...)
}

// Bounds returns the bounding box of the history.
func (a *Aggregator) Bounds() geo.Bounds {
	a.mu.RLock()
	defer a.mu.RUnlock()
	var b geo.Bounds
	for _, p := range a.points {
		b.Extend(geo.Point{Lat: p.Lat, Lon: p.Lon})
	}
	return b
}

// TrackLength returns the great-circle length in meters of userID's history,
// in timestamp order.
func (a *Aggregator) TrackLength(userID string) float64 {
	a.mu.RLock()
	var own []Point
	for _, p := range a.points {
		if p.UserID == userID {
			own = append(own, p)
		}
	}
	a.mu.RUnlock()

	sort.SliceStable(own, func(i, j int) bool { return own[i].Time.Before(own[j].Time) })
	pts := make([]geo.Point, len(own))
	for i, p := range own {
		pts[i] = geo.Point{Lat: p.Lat, Lon: p.Lon}
	}
	return geo.PathLength(pts)
}
