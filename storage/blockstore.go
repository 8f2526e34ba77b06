// Package storage persists signed blocks and serves the read-only range
// queries behind block sync: lookups by slot, by root, and bounded slot
// ranges.
package storage

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os"

	"github.com/dgraph-io/badger/v3"

	"github.com/syjn99/ream/types"
)

// ErrNotFound is returned for slots and roots with no stored block.
var ErrNotFound = errors.New("storage: block not found")

// Key layout: blocks by root under "b:", a slot-to-root index under "s:"
// (big-endian slot so iteration order is slot order), and the head slot under
// "head".
var (
	prefixBlock = []byte("b:")
	prefixSlot  = []byte("s:")
	keyHead     = []byte("head")
)

// BlockStore is a badger-backed block archive.
type BlockStore struct {
	db *badger.DB
}

// Open opens (creating if needed) the block store under dataDir.
func Open(dataDir string) (*BlockStore, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}
	opts := badger.DefaultOptions(dataDir).
		WithLogger(nil).
		WithNumVersionsToKeep(1)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open block store: %w", err)
	}
	return &BlockStore{db: db}, nil
}

// OpenInMemory opens an ephemeral store, used in tests.
func OpenInMemory() (*BlockStore, error) {
	db, err := badger.Open(badger.DefaultOptions("").WithInMemory(true).WithLogger(nil))
	if err != nil {
		return nil, err
	}
	return &BlockStore{db: db}, nil
}

// Close releases the database.
func (s *BlockStore) Close() error { return s.db.Close() }

// Put stores one block, indexes its slot, and advances the head if the block
// is past it.
func (s *BlockStore) Put(block *types.SignedBlock) error {
	root, err := block.Block.HashRoot()
	if err != nil {
		return err
	}
	enc, err := types.Marshal(block)
	if err != nil {
		return fmt.Errorf("encode block: %w", err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(blockKey(root), enc); err != nil {
			return err
		}
		if err := txn.Set(slotKey(block.Block.Slot), root[:]); err != nil {
			return err
		}
		head, err := headSlot(txn)
		if err != nil {
			return err
		}
		if block.Block.Slot > head {
			return txn.Set(keyHead, encodeSlot(block.Block.Slot))
		}
		return nil
	})
}

// ByRoot returns the block with the given hash root.
func (s *BlockStore) ByRoot(root types.Root) (*types.SignedBlock, error) {
	var block *types.SignedBlock
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		block, err = readBlock(txn, blockKey(root))
		return err
	})
	return block, err
}

// BySlot returns the block stored at the given slot.
func (s *BlockStore) BySlot(slot types.Slot) (*types.SignedBlock, error) {
	var block *types.SignedBlock
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(slotKey(slot))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			var root types.Root
			if len(val) != len(root) {
				return fmt.Errorf("storage: corrupt slot index for slot %d", slot)
			}
			copy(root[:], val)
			block, err = readBlock(txn, blockKey(root))
			return err
		})
	})
	return block, err
}

// Range returns up to count blocks starting at start, in slot order. Empty
// slots are skipped, not errors.
func (s *BlockStore) Range(start types.Slot, count uint64) ([]types.SignedBlock, error) {
	var blocks []types.SignedBlock
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefixSlot
		it := txn.NewIterator(opts)
		defer it.Close()

		end := uint64(start) + count
		for it.Seek(slotKey(start)); it.Valid(); it.Next() {
			item := it.Item()
			slot := decodeSlotKey(item.Key())
			if uint64(slot) >= end {
				break
			}
			err := item.Value(func(val []byte) error {
				var root types.Root
				if len(val) != len(root) {
					return fmt.Errorf("storage: corrupt slot index for slot %d", slot)
				}
				copy(root[:], val)
				block, err := readBlock(txn, blockKey(root))
				if err != nil {
					return err
				}
				blocks = append(blocks, *block)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	return blocks, err
}

// HeadSlot returns the highest stored slot, zero when empty.
func (s *BlockStore) HeadSlot() types.Slot {
	var head types.Slot
	_ = s.db.View(func(txn *badger.Txn) error {
		var err error
		head, err = headSlot(txn)
		return err
	})
	return head
}

// Import stores a downloaded batch.
func (s *BlockStore) Import(_ context.Context, blocks []types.SignedBlock) error {
	for i := range blocks {
		if err := s.Put(&blocks[i]); err != nil {
			return err
		}
	}
	return nil
}

func readBlock(txn *badger.Txn, key []byte) (*types.SignedBlock, error) {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var block types.SignedBlock
	err = item.Value(func(val []byte) error {
		return types.Unmarshal(val, &block)
	})
	if err != nil {
		return nil, err
	}
	return &block, nil
}

func headSlot(txn *badger.Txn) (types.Slot, error) {
	item, err := txn.Get(keyHead)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	var head types.Slot
	err = item.Value(func(val []byte) error {
		if len(val) != 8 {
			return fmt.Errorf("storage: corrupt head marker")
		}
		head = types.Slot(binary.BigEndian.Uint64(val))
		return nil
	})
	return head, err
}

func blockKey(root types.Root) []byte {
	return append(append([]byte(nil), prefixBlock...), root[:]...)
}

func slotKey(slot types.Slot) []byte {
	return append(append([]byte(nil), prefixSlot...), encodeSlot(slot)...)
}

func encodeSlot(slot types.Slot) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(slot))
	return buf
}

func decodeSlotKey(key []byte) types.Slot {
	return types.Slot(binary.BigEndian.Uint64(key[len(prefixSlot):]))
}
