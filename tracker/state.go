package tracker

// Role is the part this device plays in the current session.
type Role int

const (
	// NoSession means the device is idle.
	NoSession Role = iota
	// Owner created the session; it publishes and receives locations and is
	// the only role allowed to end the session.
	Owner
	// Member joined someone else's active session; it publishes but does
	// not receive.
	Member
	// Viewer replays an ended session read-only.
	Viewer
)

func (r Role) String() string {
	switch r {
	case NoSession:
		return "NoSession"
	case Owner:
		return "Owner"
	case Member:
		return "Member"
	case Viewer:
		return "Viewer"
	default:
		return "Unknown"
	}
}

// CanPublish reports whether local fixes are sent to the store.
func (r Role) CanPublish() bool { return r == Owner || r == Member }

// CanReceive reports whether remote location events reach the markers.
func (r Role) CanReceive() bool { return r == Owner || r == Viewer }

// State is an immutable snapshot of the session state. A new value is
// swapped in atomically on every transition, so readers on any goroutine
// always see a consistent triple.
type State struct {
	Role      Role
	SessionID string
	Title     string
}

// InSession reports whether the device currently has a session.
func (s State) InSession() bool { return s.Role != NoSession }
