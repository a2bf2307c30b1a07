package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ruteri/tee-enclave-rpc/interfaces"
)

// MemoryRegistry is an append-only in-memory entity registry, used by tests
// and by endpoints that serve a static set of entities.
type MemoryRegistry struct {
	mu      sync.RWMutex
	ordered []interfaces.EntityID
	byID    map[interfaces.EntityID]interfaces.EntityDescriptor
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{byID: make(map[interfaces.EntityID]interfaces.EntityDescriptor)}
}

// Register adds desc. Entries are write-once: registering a known id returns
// ErrAlreadyRegistered. A zero id is derived from the public key.
func (m *MemoryRegistry) Register(desc interfaces.EntityDescriptor) (interfaces.EntityID, error) {
	if desc.ID == (interfaces.EntityID{}) {
		if len(desc.PublicKey) == 0 {
			return interfaces.EntityID{}, errors.New("descriptor has neither id nor public key")
		}
		desc.ID = interfaces.EntityIDFromPublicKey(desc.PublicKey)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.byID[desc.ID]; exists {
		return desc.ID, fmt.Errorf("%w: %s", interfaces.ErrAlreadyRegistered, desc.ID)
	}
	m.byID[desc.ID] = desc.Copy()
	m.ordered = append(m.ordered, desc.ID)
	return desc.ID, nil
}

func (m *MemoryRegistry) Entity(ctx context.Context, id interfaces.EntityID) (interfaces.EntityDescriptor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	desc, ok := m.byID[id]
	if !ok {
		return interfaces.EntityDescriptor{}, fmt.Errorf("%w: entity %s", interfaces.ErrNotFound, id)
	}
	return desc.Copy(), nil
}

func (m *MemoryRegistry) Entities(ctx context.Context, cursor uint64, limit int) (interfaces.EntityPage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	count := uint64(len(m.ordered))
	end := min(count, cursor+uint64(max(limit, 1)))

	page := interfaces.EntityPage{Next: max(cursor, end), Done: end >= count}
	for i := cursor; i < end; i++ {
		page.Descriptors = append(page.Descriptors, m.byID[m.ordered[i]].Copy())
	}
	return page, nil
}

// Len returns the number of registered entities.
func (m *MemoryRegistry) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.ordered)
}
