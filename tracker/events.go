package tracker

import "github.com/ggoodman/geotracker-go/markers"

// Event is delivered on the channel returned by Tracker.Events. It is one of
// RoleChanged, MarkerUpdated, MarkersCleared, SessionClosed,
// SessionListChanged or UserMessage.
type Event interface {
	trackerEvent()
}

// RoleChanged reports the new state after a successful transition.
type RoleChanged struct {
	State State
}

// MarkerUpdated reports that a participant's marker was created, moved or
// relabelled.
type MarkerUpdated struct {
	Marker markers.Marker
}

// MarkersCleared reports that all markers were discarded on leave or end.
type MarkersCleared struct{}

// SessionClosed reports that the owner ended the session this device is a
// member of. The role is left unchanged; the caller decides when to leave.
type SessionClosed struct {
	Title string
}

// SessionListChanged reports that the cached session list changed.
type SessionListChanged struct{}

// UserMessage is an advisory for the user. Transient messages may be shown
// briefly; the others should be acknowledged.
type UserMessage struct {
	Text      string
	Transient bool
}

func (RoleChanged) trackerEvent()        {}
func (MarkerUpdated) trackerEvent()      {}
func (MarkersCleared) trackerEvent()     {}
func (SessionClosed) trackerEvent()      {}
func (SessionListChanged) trackerEvent() {}
func (UserMessage) trackerEvent()        {}
