package feed

import (
	"time"

	"github.com/ggoodman/geotracker-go/markers"
	"github.com/ggoodman/geotracker-go/tracker"
)

// Message types.
const (
	TypeSnapshot       = "snapshot"
	TypeRole           = "role"
	TypeMarker         = "marker"
	TypeMarkersCleared = "markers_cleared"
	TypeSessionClosed  = "session_closed"
	TypeSessions       = "sessions_changed"
	TypeMessage        = "message"
)

// Message is the JSON frame sent to feed clients.
type Message struct {
	Type      string   `json:"type"`
	State     *State   `json:"state,omitempty"`
	Marker    *Marker  `json:"marker,omitempty"`
	Markers   []Marker `json:"markers,omitempty"`
	Title     string   `json:"title,omitempty"`
	Text      string   `json:"text,omitempty"`
	Transient bool     `json:"transient,omitempty"`
}

// State mirrors tracker.State.
type State struct {
	Role      string `json:"role"`
	SessionID string `json:"session_id,omitempty"`
	Title     string `json:"title,omitempty"`
}

// Marker mirrors markers.Marker.
type Marker struct {
	UserID      string  `json:"user_id"`
	DisplayName string  `json:"name"`
	Lat         float64 `json:"lat"`
	Lon         float64 `json:"lon"`
	Time        int64   `json:"time,omitempty"` // unix ms
}

func fromState(s tracker.State) *State {
	return &State{Role: s.Role.String(), SessionID: s.SessionID, Title: s.Title}
}

func fromMarker(m markers.Marker) Marker {
	out := Marker{UserID: m.UserID, DisplayName: m.DisplayName, Lat: m.Lat, Lon: m.Lon}
	if !m.Time.IsZero() {
		out.Time = m.Time.UnixMilli()
	}
	return out
}

// Encode converts a tracker event into a feed message.
func Encode(ev tracker.Event) (Message, bool) {
	switch e := ev.(type) {
	case tracker.RoleChanged:
		return Message{Type: TypeRole, State: fromState(e.State)}, true
	case tracker.MarkerUpdated:
		m := fromMarker(e.Marker)
		return Message{Type: TypeMarker, Marker: &m}, true
	case tracker.MarkersCleared:
		return Message{Type: TypeMarkersCleared}, true
	case tracker.SessionClosed:
		return Message{Type: TypeSessionClosed, Title: e.Title}, true
	case tracker.SessionListChanged:
		return Message{Type: TypeSessions}, true
	case tracker.UserMessage:
		return Message{Type: TypeMessage, Text: e.Text, Transient: e.Transient}, true
	default:
		return Message{}, false
	}
}

func snapshot(s tracker.State, ms []markers.Marker) Message {
	out := Message{Type: TypeSnapshot, State: fromState(s), Markers: make([]Marker, 0, len(ms))}
	for _, m := range ms {
		out.Markers = append(out.Markers, fromMarker(m))
	}
	return out
}

// MarkerTime converts a wire timestamp back to time.Time.
func (m Marker) MarkerTime() time.Time {
	if m.Time == 0 {
		return time.Time{}
	}
	return time.UnixMilli(m.Time)
}
