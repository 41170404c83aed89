// internal/catalog/memory.go
package catalog

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-process InventoryStore. Its atomicity is a mutex, so it
// only holds within a single process; shared deployments use the Postgres or
// Mongo stores.
type MemoryStore struct {
	mu     sync.Mutex
	titles map[uuid.UUID]*Title
	now    func() time.Time
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		titles: make(map[uuid.UUID]*Title),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryStore) CreateTitle(_ context.Context, title Title) error {
	if err := title.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.titles[title.ID]; exists {
		return ErrTitleExists
	}
	t := title
	s.titles[title.ID] = &t
	return nil
}

func (s *MemoryStore) GetAvailability(_ context.Context, titleID uuid.UUID) (Availability, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.titles[titleID]
	if !ok {
		return Availability{}, ErrTitleNotFound
	}
	return Availability{Total: t.TotalCopies, Available: t.AvailableCopies}, nil
}

func (s *MemoryStore) TryReserveCopy(_ context.Context, titleID uuid.UUID) (Reservation, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.titles[titleID]
	if !ok {
		return Reservation{}, false, ErrTitleNotFound
	}
	if t.AvailableCopies <= 0 {
		return Reservation{}, false, nil
	}
	t.AvailableCopies--
	return Reservation{TitleID: titleID, Remaining: t.AvailableCopies, ReservedAt: s.now()}, true, nil
}

func (s *MemoryStore) ReleaseCopy(_ context.Context, titleID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.titles[titleID]
	if !ok {
		return ErrTitleNotFound
	}
	if t.AvailableCopies < t.TotalCopies {
		t.AvailableCopies++
	}
	return nil
}

// ListTitles returns a snapshot ordered by ID.
func (s *MemoryStore) ListTitles(_ context.Context) ([]Title, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	titles := make([]Title, 0, len(s.titles))
	for _, t := range s.titles {
		titles = append(titles, *t)
	}
	sort.Slice(titles, func(i, j int) bool {
		return titles[i].ID.String() < titles[j].ID.String()
	})
	return titles, nil
}
