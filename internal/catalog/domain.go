// internal/catalog/domain.go
package catalog

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrTitleNotFound    = errors.New("title not found")
	ErrTitleExists      = errors.New("title already exists")
	ErrInvalidCopyCount = errors.New("invalid copy count: need 0 <= available <= total")
)

// Title is a catalogued work and its copy counts.
// Invariant: 0 <= AvailableCopies <= TotalCopies.
type Title struct {
	ID              uuid.UUID `json:"id"`
	TotalCopies     int       `json:"total_copies"`
	AvailableCopies int       `json:"available_copies"`
}

// Validate checks the copy-count invariant.
func (t Title) Validate() error {
	if t.TotalCopies < 0 || t.AvailableCopies < 0 || t.AvailableCopies > t.TotalCopies {
		return ErrInvalidCopyCount
	}
	return nil
}

// Availability is a point-in-time view of a title's copies.
type Availability struct {
	Total     int `json:"total"`
	Available int `json:"available"`
}

// Reservation is handed out when a copy was taken from the available pool.
type Reservation struct {
	TitleID    uuid.UUID `json:"title_id"`
	Remaining  int       `json:"remaining"`
	ReservedAt time.Time `json:"reserved_at"`
}
