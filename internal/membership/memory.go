// internal/membership/memory.go
package membership

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// MemoryDirectory is a Directory held in process memory.
type MemoryDirectory struct {
	mu      sync.RWMutex
	members map[uuid.UUID]Member
}

func NewMemoryDirectory(members ...Member) *MemoryDirectory {
	d := &MemoryDirectory{members: make(map[uuid.UUID]Member, len(members))}
	for _, m := range members {
		d.members[m.ID] = m
	}
	return d
}

// Put inserts or replaces a member.
func (d *MemoryDirectory) Put(m Member) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.members[m.ID] = m
}

func (d *MemoryDirectory) GetMember(_ context.Context, id uuid.UUID) (Member, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	m, ok := d.members[id]
	if !ok {
		return Member{}, ErrMemberNotFound
	}
	return m, nil
}
