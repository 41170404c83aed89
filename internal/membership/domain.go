// internal/membership/domain.go
package membership

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
)

var ErrMemberNotFound = errors.New("member not found")

// Standing is the only fact about a member the lending core consumes.
type Standing string

const (
	StandingActive    Standing = "active"
	StandingSuspended Standing = "suspended"
)

// Member is a library user as seen by the lending core. It is owned by the
// identity subsystem and read-only here.
type Member struct {
	ID       uuid.UUID `json:"id"`
	Standing Standing  `json:"standing"`
}

// Active reports whether the member may borrow at all.
func (m Member) Active() bool {
	return m.Standing == StandingActive
}

// StandingFromStatus maps an identity-side account status onto a Standing.
// Only approved (or already active) accounts are in good standing; pending,
// rejected and anything unrecognised are treated as suspended.
func StandingFromStatus(status string) Standing {
	switch strings.ToUpper(strings.TrimSpace(status)) {
	case "APPROVED", "ACTIVE":
		return StandingActive
	default:
		return StandingSuspended
	}
}

// Directory looks members up by id.
type Directory interface {
	GetMember(ctx context.Context, id uuid.UUID) (Member, error)
}
