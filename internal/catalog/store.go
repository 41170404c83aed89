// internal/catalog/store.go
package catalog

import (
	"context"

	"github.com/google/uuid"
)

// InventoryStore is the durable record of each title's copy counts and the
// single source of truth for whether a title can be borrowed right now.
type InventoryStore interface {
	// GetAvailability fails with ErrTitleNotFound for unknown titles.
	GetAvailability(ctx context.Context, titleID uuid.UUID) (Availability, error)
	// TryReserveCopy checks available > 0 and decrements it as one indivisible
	// step. ok is false when no copy is left; that is not an error.
	TryReserveCopy(ctx context.Context, titleID uuid.UUID) (res Reservation, ok bool, err error)
	// ReleaseCopy increments available, clamped at total.
	ReleaseCopy(ctx context.Context, titleID uuid.UUID) error

	CreateTitle(ctx context.Context, title Title) error
	ListTitles(ctx context.Context) ([]Title, error)
}
