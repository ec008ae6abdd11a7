package expressify

import (
	"errors"
	"fmt"
	"log"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
)

// Storage persists rebuilt function blobs across runs.
type Storage interface {
	SaveState(key string, blob []byte) error
	LoadState(key string) ([]byte, bool, error)
	DeleteState(key string) error
	// ListKeysPrefix returns all keys in the store that begin with the given prefix, sorted.
	ListKeysPrefix(prefix string) ([]string, error)
	Clear() error
	Close()
}

// KeyPrefixStorage namespaces all keys of s under prefix. Listed keys are returned without the prefix.
func KeyPrefixStorage(s Storage, prefix string) Storage {
	if prefix == "" {
		return s
	}
	return &prefixStorage{store: s, prefix: prefix + ";"}
}

type prefixStorage struct {
	store  Storage
	prefix string
}

func (p *prefixStorage) SaveState(key string, blob []byte) error {
	return p.store.SaveState(p.prefix+key, blob)
}

func (p *prefixStorage) LoadState(key string) ([]byte, bool, error) {
	return p.store.LoadState(p.prefix + key)
}

func (p *prefixStorage) DeleteState(key string) error {
	return p.store.DeleteState(p.prefix + key)
}

func (p *prefixStorage) ListKeysPrefix(prefix string) ([]string, error) {
	keys, err := p.store.ListKeysPrefix(p.prefix + prefix)
	if err != nil {
		return nil, err
	}
	for i, k := range keys {
		keys[i] = strings.TrimPrefix(k, p.prefix)
	}
	return keys, nil
}

func (p *prefixStorage) Clear() error {
	keys, err := p.ListKeysPrefix("")
	if err != nil {
		return err
	}
	for _, key := range keys {
		if err := p.DeleteState(key); err != nil {
			return err
		}
	}
	return nil
}

func (p *prefixStorage) Close() {
	p.store.Close()
}

type memStorage struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemStorage returns a Storage that lives for the process only.
func NewMemStorage() Storage {
	return &memStorage{data: make(map[string][]byte)}
}

func (m *memStorage) SaveState(key string, blob []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.data[key] = slices.Clone(blob)
	return nil
}

func (m *memStorage) LoadState(key string) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	blob, ok := m.data[key]
	if !ok {
		return nil, false, nil
	}
	return slices.Clone(blob), true, nil
}

func (m *memStorage) DeleteState(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.data, key)
	return nil
}

func (m *memStorage) ListKeysPrefix(prefix string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var keys []string
	for k := range m.data {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	slices.Sort(keys)
	return keys, nil
}

func (m *memStorage) Clear() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	clear(m.data)
	return nil
}

func (m *memStorage) Close() {}

const debugStorage = false

// maxStoredBlobSize bounds a single cached function. Rebuilt functions are source sized so this is never
// approached in practice.
const maxStoredBlobSize = 64 << 20

type badgerStorage struct {
	db        *badger.DB
	temporary string
}

// NewBadgerStorage opens a persistent Badger store at path. Content remains on disk after Close.
func NewBadgerStorage(path string, maxMemMB int) (Storage, error) {
	return openBadgerStorage(path, maxMemMB, false)
}

// NewTempBadgerStorage opens a Badger store at path that is removed on Close.
func NewTempBadgerStorage(path string, maxMemMB int) (Storage, error) {
	return openBadgerStorage(path, maxMemMB, true)
}

func openBadgerStorage(path string, maxMemMB int, temporary bool) (Storage, error) {
	if err := os.MkdirAll(path, 0755); err != nil {
		return nil, fmt.Errorf("create storage dir failed: %w", err)
	}

	clamp := func(val, lo, high int64) int64 {
		return min(max(val, lo), high)
	}
	memTableSize := clamp(int64(maxMemMB/4), 4, 64) << 20
	opts := badger.DefaultOptions(path).
		WithDetectConflicts(false).    // single writer per key, last write wins
		WithCompression(options.None). // blobs arrive compressed by the cache codec
		WithNumMemtables(2).
		WithMemTableSize(memTableSize).
		WithBaseTableSize(memTableSize).
		WithBlockCacheSize(0).
		WithIndexCacheSize(clamp(int64(maxMemMB/4), 8, 64) << 20).
		WithValueLogFileSize(64 << 20)
	if !debugStorage {
		opts = opts.WithLoggingLevel(badger.ERROR).WithMetricsEnabled(false)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open storage db failed: %w", err)
	}
	bs := &badgerStorage{db: db}
	if temporary {
		bs.temporary = path
	} else {
		go bs.collectGarbage()
	}
	return bs, nil
}

func (b *badgerStorage) collectGarbage() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for range ticker.C {
		if b.db.IsClosed() {
			return
		}
		for b.db.RunValueLogGC(0.5) == nil {
		}
		if debugStorage {
			log.Printf("storage gc complete: %s", b.db.BlockCacheMetrics())
		}
	}
}

func (b *badgerStorage) SaveState(key string, blob []byte) error {
	if len(blob) > maxStoredBlobSize {
		return fmt.Errorf("blob for %s too large: %d bytes", key, len(blob))
	}
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), blob)
	})
}

func (b *badgerStorage) LoadState(key string) ([]byte, bool, error) {
	var blob []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		blob, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, false, nil
	} else if err != nil {
		return nil, false, err
	}
	return blob, true, nil
}

func (b *badgerStorage) DeleteState(key string) error {
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
}

func (b *badgerStorage) ListKeysPrefix(prefix string) ([]string, error) {
	var keys []string
	err := b.db.View(func(txn *badger.Txn) error {
		itOpts := badger.DefaultIteratorOptions
		itOpts.PrefetchValues = false
		itOpts.Prefix = []byte(prefix)
		it := txn.NewIterator(itOpts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			keys = append(keys, string(it.Item().Key()))
		}
		return nil
	})
	return keys, err
}

func (b *badgerStorage) Clear() error {
	return b.db.DropAll()
}

func (b *badgerStorage) Close() {
	_ = b.db.Close()
	if b.temporary != "" {
		_ = os.RemoveAll(b.temporary)
	}
}
