package escrow

import (
	"fmt"
	"sort"
	"sync"
)

// Store persists ledger state. Implementations must apply each write
// atomically: either the whole record (plus counter and party indexes) is
// visible afterwards or none of it is.
type Store interface {
	// ProjectCount returns the number of projects ever created, which is also
	// the highest assigned project id.
	ProjectCount() (uint64, error)
	// ProjectGet returns a copy of the stored project.
	ProjectGet(id uint64) (*Project, bool, error)
	// ProjectInsert stores a brand new project whose id must equal
	// ProjectCount()+1 and advances the counter.
	ProjectInsert(p *Project) error
	// ProjectUpdate replaces an existing project record.
	ProjectUpdate(p *Project) error
	// ProjectsByParty lists the ids of projects naming addr as client or
	// freelancer, ascending.
	ProjectsByParty(addr [20]byte) ([]uint64, error)
}

// MemStore is an in-memory arena keyed by project id. Slot i holds project
// i+1, so the counter is simply the arena length.
type MemStore struct {
	mu       sync.RWMutex
	projects []*Project
	parties  map[[20]byte][]uint64
}

// NewMemStore returns an empty arena store.
func NewMemStore() *MemStore {
	return &MemStore{parties: make(map[[20]byte][]uint64)}
}

func (s *MemStore) ProjectCount() (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return uint64(len(s.projects)), nil
}

func (s *MemStore) ProjectGet(id uint64) (*Project, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if id == 0 || id > uint64(len(s.projects)) {
		return nil, false, nil
	}
	return s.projects[id-1].Clone(), true, nil
}

func (s *MemStore) ProjectInsert(p *Project) error {
	sanitized, err := SanitizeProject(p)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	next := uint64(len(s.projects)) + 1
	if sanitized.ID != next {
		return fmt.Errorf("escrow: memstore insert id %d, expected %d", sanitized.ID, next)
	}
	s.projects = append(s.projects, sanitized)
	s.indexParty(sanitized.Client, sanitized.ID)
	if sanitized.Freelancer != sanitized.Client {
		s.indexParty(sanitized.Freelancer, sanitized.ID)
	}
	return nil
}

func (s *MemStore) ProjectUpdate(p *Project) error {
	sanitized, err := SanitizeProject(p)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if sanitized.ID > uint64(len(s.projects)) {
		return fmt.Errorf("escrow: memstore update of unknown project %d", sanitized.ID)
	}
	existing := s.projects[sanitized.ID-1]
	if existing.Client != sanitized.Client || existing.Freelancer != sanitized.Freelancer || len(existing.Milestones) != len(sanitized.Milestones) {
		return fmt.Errorf("escrow: memstore update would change immutable fields of project %d", sanitized.ID)
	}
	s.projects[sanitized.ID-1] = sanitized
	return nil
}

func (s *MemStore) ProjectsByParty(addr [20]byte) ([]uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := append([]uint64(nil), s.parties[addr]...)
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (s *MemStore) indexParty(addr [20]byte, id uint64) {
	s.parties[addr] = append(s.parties[addr], id)
}
