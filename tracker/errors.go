package tracker

import (
	"errors"
	"fmt"
)

// Kind classifies tracker failures.
type Kind int

const (
	// KindStoreUnavailable means the store could not be reached. A
	// background reconnect has been started.
	KindStoreUnavailable Kind = iota + 1
	// KindSubscriptionRejected means the store refused a subscription.
	KindSubscriptionRejected
	// KindWriteRejected means the store refused an insert or update.
	KindWriteRejected
	// KindMalformedDocument means a store document could not be interpreted.
	KindMalformedDocument
	// KindIllegalTransition means the operation is not allowed in the
	// current role. Nothing was changed.
	KindIllegalTransition
	// KindSessionNotFound means no session with the requested title and
	// activity exists in the local cache.
	KindSessionNotFound
	// KindInvalidArgument means the caller passed an unusable value.
	KindInvalidArgument
)

func (k Kind) String() string {
	switch k {
	case KindStoreUnavailable:
		return "store unavailable"
	case KindSubscriptionRejected:
		return "subscription rejected"
	case KindWriteRejected:
		return "write rejected"
	case KindMalformedDocument:
		return "malformed document"
	case KindIllegalTransition:
		return "illegal transition"
	case KindSessionNotFound:
		return "session not found"
	case KindInvalidArgument:
		return "invalid argument"
	default:
		return "unknown"
	}
}

// transient reports whether failures of this kind are advisory only.
func (k Kind) transient() bool {
	switch k {
	case KindSubscriptionRejected, KindWriteRejected:
		return false
	default:
		return true
	}
}

var (
	// ErrDuplicateTitle is wrapped when an active session already uses the title.
	ErrDuplicateTitle = errors.New("an active session with this title already exists")
	// ErrSessionActive is wrapped when viewing a session that has not ended.
	ErrSessionActive = errors.New("session is still active")
	// ErrEmptyTitle is wrapped when a session title is blank.
	ErrEmptyTitle = errors.New("session title is empty")
)

// Error is returned by every tracker operation that fails.
type Error struct {
	Kind Kind
	Op   string // "start", "join", "leave", "end", "view", "publish", ...
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error with the same Kind, so callers can write
// errors.Is(err, &tracker.Error{Kind: tracker.KindWriteRejected}).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// IsKind reports whether err is a tracker *Error of kind k.
func IsKind(err error, k Kind) bool {
	var te *Error
	return errors.As(err, &te) && te.Kind == k
}
