package badger

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	badgerdb "github.com/dgraph-io/badger/v3"
	"github.com/ipfs/go-cid"
	"go.uber.org/zap"

	"github.com/Lexa-Bard/Ceramic/pkg/blockstore"
)

// Key prefixes for namespacing
const (
	keyPrefixBlock       = "block:"
	keyPrefixPin         = "pin:"
	keySchemaVersion     = "metadata:schema_version"
	currentSchemaVersion = "v1"
)

// BadgerBlockStore is a durable CID-keyed block store backed by Badger.
// Puts are idempotent by CID. Stream pins are tracked under a separate key
// prefix so the garbage-collect loop can release them.
type BadgerBlockStore struct {
	db       *badgerdb.DB
	logger   *zap.Logger
	gcCancel context.CancelFunc
	gcWg     sync.WaitGroup
	mu       sync.RWMutex
	closed   bool
}

// NewBadgerBlockStore opens a block store at the given path with SyncWrites
// enabled and starts a background value-log GC goroutine.
func NewBadgerBlockStore(dataPath string, logger *zap.Logger) (*BadgerBlockStore, error) {
	absPath, err := filepath.Abs(dataPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve absolute path: %w", err)
	}

	opts := badgerdb.DefaultOptions(absPath)
	opts.Logger = &badgerLoggerAdapter{logger: logger}
	opts.SyncWrites = true
	opts.CompactL0OnClose = true
	opts.NumVersionsToKeep = 1

	db, err := badgerdb.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger database at %s: %w", absPath, err)
	}

	bs := &BadgerBlockStore{
		db:     db,
		logger: logger,
	}

	if err := bs.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	bs.gcCancel = cancel
	bs.gcWg.Add(1)
	go bs.runGC(ctx)

	logger.Sugar().Infow("Badger block store initialized", "path", absPath)

	return bs, nil
}

func (b *BadgerBlockStore) initSchema() error {
	return b.db.Update(func(txn *badgerdb.Txn) error {
		item, err := txn.Get([]byte(keySchemaVersion))
		if err == badgerdb.ErrKeyNotFound {
			return txn.Set([]byte(keySchemaVersion), []byte(currentSchemaVersion))
		}
		if err != nil {
			return fmt.Errorf("failed to read schema version: %w", err)
		}

		var existingVersion string
		err = item.Value(func(val []byte) error {
			existingVersion = string(val)
			return nil
		})
		if err != nil {
			return fmt.Errorf("failed to read schema version value: %w", err)
		}

		if existingVersion != currentSchemaVersion {
			return fmt.Errorf("unsupported schema version: %s (expected: %s)", existingVersion, currentSchemaVersion)
		}

		return nil
	})
}

func (b *BadgerBlockStore) runGC(ctx context.Context) {
	defer b.gcWg.Done()

	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			err := b.db.RunValueLogGC(0.5)
			if err != nil && err != badgerdb.ErrNoRewrite {
				b.logger.Sugar().Warnw("Badger GC error", "error", err)
			}
		case <-ctx.Done():
			return
		}
	}
}

// Put stores a block under its CID. Re-putting an existing CID is a no-op.
func (b *BadgerBlockStore) Put(_ context.Context, block blockstore.Block) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return fmt.Errorf("block store is closed")
	}

	key := blockKey(block.Cid)
	return b.db.Update(func(txn *badgerdb.Txn) error {
		if _, err := txn.Get(key); err == nil {
			return nil
		} else if err != badgerdb.ErrKeyNotFound {
			return err
		}
		return txn.Set(key, block.Data)
	})
}

// Get returns the block for a CID, or nil if absent.
func (b *BadgerBlockStore) Get(_ context.Context, c cid.Cid) (*blockstore.Block, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return nil, fmt.Errorf("block store is closed")
	}

	var data []byte
	err := b.db.View(func(txn *badgerdb.Txn) error {
		item, err := txn.Get(blockKey(c))
		if err == badgerdb.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			data = append([]byte{}, val...)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load block %s: %w", c, err)
	}
	if data == nil {
		return nil, nil
	}
	return &blockstore.Block{Cid: c, Data: data}, nil
}

// StoreRecord canonically encodes the record and stores it under its CID.
func (b *BadgerBlockStore) StoreRecord(ctx context.Context, record interface{}) (cid.Cid, error) {
	c, data, err := blockstore.EncodeRecord(record)
	if err != nil {
		return cid.Undef, err
	}
	return c, b.Put(ctx, blockstore.Block{Cid: c, Data: data})
}

// PublishAnchorCommit stores the commit block and records a pin entry tying
// it to the stream.
func (b *BadgerBlockStore) PublishAnchorCommit(ctx context.Context, commit *blockstore.AnchorCommit, streamID string) (cid.Cid, error) {
	c, data, err := blockstore.EncodeAnchorCommit(commit)
	if err != nil {
		return cid.Undef, err
	}
	if err := b.Put(ctx, blockstore.Block{Cid: c, Data: data}); err != nil {
		return cid.Undef, err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return cid.Undef, fmt.Errorf("block store is closed")
	}

	key := fmt.Sprintf("%s%s:%s", keyPrefixPin, streamID, c)
	err = b.db.Update(func(txn *badgerdb.Txn) error {
		return txn.Set([]byte(key), nil)
	})
	if err != nil {
		return cid.Undef, fmt.Errorf("failed to pin anchor commit for stream %s: %w", streamID, err)
	}
	return c, nil
}

// UnpinStream removes every pin entry recorded for a stream.
func (b *BadgerBlockStore) UnpinStream(_ context.Context, streamID string) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return fmt.Errorf("block store is closed")
	}

	prefix := []byte(fmt.Sprintf("%s%s:", keyPrefixPin, streamID))
	return b.db.Update(func(txn *badgerdb.Txn) error {
		opts := badgerdb.DefaultIteratorOptions
		opts.Prefix = prefix
		opts.PrefetchValues = false

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			key := it.Item().KeyCopy(nil)
			if err := txn.Delete(key); err != nil {
				return err
			}
		}
		return nil
	})
}

// Close shuts the store down. Idempotent.
func (b *BadgerBlockStore) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true

	b.gcCancel()
	b.gcWg.Wait()

	return b.db.Close()
}

func blockKey(c cid.Cid) []byte {
	return []byte(keyPrefixBlock + c.String())
}

var _ blockstore.IBlockStore = (*BadgerBlockStore)(nil)
var _ blockstore.IPinningService = (*BadgerBlockStore)(nil)
