package state

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
	"sync"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"

	"escrowchain/native/escrow"
	"escrowchain/storage"
)

var (
	escrowProjectPrefix = []byte("escrow/project/")
	escrowPartyPrefix   = []byte("escrow/party/")
	escrowCountKey      = []byte("escrow/project-count")
)

func escrowProjectKey(id uint64) []byte {
	buf := make([]byte, len(escrowProjectPrefix)+8)
	copy(buf, escrowProjectPrefix)
	binary.BigEndian.PutUint64(buf[len(escrowProjectPrefix):], id)
	return ethcrypto.Keccak256(buf)
}

func escrowPartyKey(addr [20]byte) []byte {
	buf := make([]byte, len(escrowPartyPrefix)+len(addr))
	copy(buf, escrowPartyPrefix)
	copy(buf[len(escrowPartyPrefix):], addr[:])
	return ethcrypto.Keccak256(buf)
}

type storedMilestone struct {
	Amount *big.Int
	Status uint8
}

type storedProject struct {
	ID            uint64
	Client        [20]byte
	Freelancer    [20]byte
	Milestones    []storedMilestone
	TotalFunded   *big.Int
	TotalReleased *big.Int
}

func newStoredProject(p *escrow.Project) *storedProject {
	stored := &storedProject{
		ID:            p.ID,
		Client:        p.Client,
		Freelancer:    p.Freelancer,
		Milestones:    make([]storedMilestone, len(p.Milestones)),
		TotalFunded:   new(big.Int).Set(p.TotalFunded),
		TotalReleased: new(big.Int).Set(p.TotalReleased),
	}
	for i, m := range p.Milestones {
		stored.Milestones[i] = storedMilestone{Amount: new(big.Int).Set(m.Amount), Status: uint8(m.Status)}
	}
	return stored
}

func (s *storedProject) toProject() (*escrow.Project, error) {
	project := &escrow.Project{
		ID:            s.ID,
		Client:        s.Client,
		Freelancer:    s.Freelancer,
		Milestones:    make([]*escrow.Milestone, len(s.Milestones)),
		TotalFunded:   s.TotalFunded,
		TotalReleased: s.TotalReleased,
	}
	for i, m := range s.Milestones {
		project.Milestones[i] = &escrow.Milestone{Amount: m.Amount, Status: escrow.MilestoneStatus(m.Status)}
	}
	return escrow.SanitizeProject(project)
}

// EscrowStore persists ledger projects in a key-value database. Records are
// RLP encoded and addressed by keccak256 hashed keys; every insert or update
// lands in a single atomic batch.
type EscrowStore struct {
	mu sync.Mutex
	db storage.Database
}

// NewEscrowStore wraps db. The caller retains ownership of db.
func NewEscrowStore(db storage.Database) *EscrowStore {
	return &EscrowStore{db: db}
}

func (s *EscrowStore) ProjectCount() (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count()
}

func (s *EscrowStore) count() (uint64, error) {
	data, err := s.db.Get(escrowCountKey)
	if errors.Is(err, storage.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	var count uint64
	if err := rlp.DecodeBytes(data, &count); err != nil {
		return 0, fmt.Errorf("state: decode project count: %w", err)
	}
	return count, nil
}

func (s *EscrowStore) ProjectGet(id uint64) (*escrow.Project, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.get(id)
}

func (s *EscrowStore) get(id uint64) (*escrow.Project, bool, error) {
	if id == 0 {
		return nil, false, nil
	}
	data, err := s.db.Get(escrowProjectKey(id))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	stored := new(storedProject)
	if err := rlp.DecodeBytes(data, stored); err != nil {
		return nil, false, fmt.Errorf("state: decode project %d: %w", id, err)
	}
	if stored.ID != id {
		return nil, false, fmt.Errorf("state: project %d record carries id %d", id, stored.ID)
	}
	project, err := stored.toProject()
	if err != nil {
		return nil, false, err
	}
	return project, true, nil
}

func (s *EscrowStore) ProjectInsert(p *escrow.Project) error {
	sanitized, err := escrow.SanitizeProject(p)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	count, err := s.count()
	if err != nil {
		return err
	}
	if sanitized.ID != count+1 {
		return fmt.Errorf("state: insert project %d, expected id %d", sanitized.ID, count+1)
	}
	record, err := rlp.EncodeToBytes(newStoredProject(sanitized))
	if err != nil {
		return err
	}
	counter, err := rlp.EncodeToBytes(sanitized.ID)
	if err != nil {
		return err
	}
	batch := s.db.NewBatch()
	batch.Put(escrowProjectKey(sanitized.ID), record)
	batch.Put(escrowCountKey, counter)
	parties := [][20]byte{sanitized.Client}
	if sanitized.Freelancer != sanitized.Client {
		parties = append(parties, sanitized.Freelancer)
	}
	for _, party := range parties {
		ids, err := s.partyIDs(party)
		if err != nil {
			return err
		}
		encoded, err := rlp.EncodeToBytes(append(ids, sanitized.ID))
		if err != nil {
			return err
		}
		batch.Put(escrowPartyKey(party), encoded)
	}
	return s.db.Write(batch)
}

func (s *EscrowStore) ProjectUpdate(p *escrow.Project) error {
	sanitized, err := escrow.SanitizeProject(p)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok, err := s.get(sanitized.ID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("state: update of unknown project %d", sanitized.ID)
	}
	if existing.Client != sanitized.Client || existing.Freelancer != sanitized.Freelancer || len(existing.Milestones) != len(sanitized.Milestones) {
		return fmt.Errorf("state: update would change immutable fields of project %d", sanitized.ID)
	}
	record, err := rlp.EncodeToBytes(newStoredProject(sanitized))
	if err != nil {
		return err
	}
	batch := s.db.NewBatch()
	batch.Put(escrowProjectKey(sanitized.ID), record)
	return s.db.Write(batch)
}

func (s *EscrowStore) ProjectsByParty(addr [20]byte) ([]uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.partyIDs(addr)
}

func (s *EscrowStore) partyIDs(addr [20]byte) ([]uint64, error) {
	data, err := s.db.Get(escrowPartyKey(addr))
	if errors.Is(err, storage.ErrNotFound) {
		return []uint64{}, nil
	}
	if err != nil {
		return nil, err
	}
	var ids []uint64
	if err := rlp.DecodeBytes(data, &ids); err != nil {
		return nil, fmt.Errorf("state: decode party index: %w", err)
	}
	return ids, nil
}

var _ escrow.Store = (*EscrowStore)(nil)
