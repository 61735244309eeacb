package engine

import (
	"time"

	"github.com/sundayezeilo/shorty/internal/link"
)

// Op names an operation kind. At most one attempt per kind is in flight.
type Op uint8

const (
	OpCreate Op = iota
	OpRefresh
	OpDelete
	OpLogin

	opCount
)

func (o Op) String() string {
	switch o {
	case OpCreate:
		return "create"
	case OpRefresh:
		return "refresh"
	case OpDelete:
		return "delete"
	case OpLogin:
		return "login"
	default:
		return "unknown"
	}
}

// Status is the lifecycle of one operation kind: Idle → Submitting → Succeeded|Failed.
type Status uint8

const (
	Idle Status = iota
	Submitting
	Succeeded
	Failed
)

func (s Status) String() string {
	switch s {
	case Idle:
		return "idle"
	case Submitting:
		return "submitting"
	case Succeeded:
		return "succeeded"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// OpState is the observable status of an operation kind. Err is set only when Failed.
type OpState struct {
	Status Status
	Err    error
}

// SessionView is the part of the session a front end may show.
type SessionView struct {
	Authenticated bool
	UserID        string
	ExpiresAt     *time.Time
}

// LinkView is a record with its presentation-derived fields.
type LinkView struct {
	link.Record

	Expired      bool
	CreatedLabel string
	ExpiresLabel string
}

// NeverLabel is shown for links without an expiry.
const NeverLabel = "Never"

func newLinkView(r link.Record, now time.Time) LinkView {
	v := LinkView{
		Record:       r,
		Expired:      r.IsExpired(now),
		CreatedLabel: link.FormatDate(r.CreatedAt),
		ExpiresLabel: NeverLabel,
	}
	if r.ExpiresAt != nil {
		v.ExpiresLabel = link.FormatDate(*r.ExpiresAt)
	}
	return v
}

// State is a consistent snapshot of everything a front end renders.
type State struct {
	Session SessionView
	Links   []LinkView
	Ops     [opCount]OpState

	// Stale is set when the last refresh failed and Links may be out of date.
	Stale bool
	// Loaded is set once a refresh has succeeded for the current session.
	Loaded bool

	// ShortURL is the server-returned short link of the last successful create.
	ShortURL string
	Draft    string
}

// Op returns the state of one operation kind.
func (s State) Op(o Op) OpState {
	if o >= opCount {
		return OpState{}
	}
	return s.Ops[o]
}
