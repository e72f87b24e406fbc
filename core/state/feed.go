package state

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/rlp"

	"escrowchain/storage"
)

var feedHeadKey = []byte("events/feed-head")

type storedFeedHead struct {
	Sequence uint64
	Hash     []byte
}

// FeedCheckpoint keeps the event feed head in the node database.
type FeedCheckpoint struct {
	db storage.Database
}

func NewFeedCheckpoint(db storage.Database) *FeedCheckpoint {
	return &FeedCheckpoint{db: db}
}

// LoadFeedHead returns the last emitted sequence and chain hash, or zeros for
// a fresh database.
func (c *FeedCheckpoint) LoadFeedHead() (uint64, [32]byte, error) {
	var hash [32]byte
	data, err := c.db.Get(feedHeadKey)
	if errors.Is(err, storage.ErrNotFound) {
		return 0, hash, nil
	}
	if err != nil {
		return 0, hash, err
	}
	var stored storedFeedHead
	if err := rlp.DecodeBytes(data, &stored); err != nil {
		return 0, hash, fmt.Errorf("state: decode feed head: %w", err)
	}
	if len(stored.Hash) != len(hash) {
		return 0, hash, fmt.Errorf("state: feed head hash has %d bytes", len(stored.Hash))
	}
	copy(hash[:], stored.Hash)
	return stored.Sequence, hash, nil
}

func (c *FeedCheckpoint) SaveFeedHead(seq uint64, hash [32]byte) error {
	encoded, err := rlp.EncodeToBytes(&storedFeedHead{Sequence: seq, Hash: hash[:]})
	if err != nil {
		return err
	}
	return c.db.Put(feedHeadKey, encoded)
}
