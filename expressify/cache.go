package expressify

import (
	"bytes"
	"fmt"
	"log"
	"sync"
	"sync/atomic"

	"github.com/vmihailenco/msgpack/v5"
)

// TransformCache memoizes rebuilt functions by fingerprint. Entries are published only once a transform has
// fully succeeded, and the first published entry for a fingerprint wins so every caller observes the same
// pointer. An optional Storage carries entries across runs.
type TransformCache struct {
	entries sync.Map // fingerprint -> *RebuiltFunction
	size    atomic.Int64
	store   Storage
	codec   Codec
}

// NewTransformCache creates a cache backed by store, which may be nil for a process-only cache.
func NewTransformCache(store Storage, codec Codec) *TransformCache {
	return &TransformCache{store: store, codec: codec}
}

// Get returns the entry published for fingerprint, loading it from storage when not yet in memory.
func (c *TransformCache) Get(fingerprint string) (*RebuiltFunction, bool) {
	if rf, ok := c.entries.Load(fingerprint); ok {
		return rf.(*RebuiltFunction), true
	} else if c.store == nil {
		return nil, false
	}

	blob, found, err := c.store.LoadState(fingerprint)
	if err != nil {
		log.Printf("%sTransform cache load failed for %s: %v", ErrorLogPrefix, fingerprint, err)
		return nil, false
	} else if !found {
		return nil, false
	}
	rf, err := decodeRebuiltFunction(blob)
	if err != nil {
		log.Printf("%sDiscarding corrupt transform cache entry %s: %v", ErrorLogPrefix, fingerprint, err)
		_ = c.store.DeleteState(fingerprint)
		return nil, false
	}
	return c.publishMemory(fingerprint, rf), true
}

// Publish stores rf unless another entry was published for fingerprint first, returning the retained entry.
func (c *TransformCache) Publish(fingerprint string, rf *RebuiltFunction) *RebuiltFunction {
	retained := c.publishMemory(fingerprint, rf)
	if retained == rf && c.store != nil {
		if blob, err := encodeRebuiltFunction(rf, c.codec); err != nil {
			log.Printf("%sTransform cache encode failed for %s: %v", ErrorLogPrefix, rf.Target.ShortIdent(), err)
		} else if err := c.store.SaveState(fingerprint, blob); err != nil {
			log.Printf("%sTransform cache save failed for %s: %v", ErrorLogPrefix, rf.Target.ShortIdent(), err)
		}
	}
	return retained
}

func (c *TransformCache) publishMemory(fingerprint string, rf *RebuiltFunction) *RebuiltFunction {
	actual, loaded := c.entries.LoadOrStore(fingerprint, rf)
	if !loaded {
		c.size.Add(1)
	}
	return actual.(*RebuiltFunction)
}

// Len returns the number of entries held in memory.
func (c *TransformCache) Len() int {
	return int(c.size.Load())
}

// Close releases the backing storage.
func (c *TransformCache) Close() {
	if c.store != nil {
		c.store.Close()
	}
}

func encodeRebuiltFunction(rf *RebuiltFunction, codec Codec) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.GetEncoder()
	defer msgpack.PutEncoder(enc)
	enc.Reset(&buf)
	if err := enc.Encode(rf); err != nil {
		return nil, err
	}
	return codec.Compress(buf.Bytes()), nil
}

func decodeRebuiltFunction(blob []byte) (*RebuiltFunction, error) {
	data, err := Decompress(blob)
	if err != nil {
		return nil, err
	}
	var rf RebuiltFunction
	if err := msgpack.Unmarshal(data, &rf); err != nil {
		return nil, err
	} else if rf.Fingerprint == "" || rf.IdentPrefix == "" {
		return nil, fmt.Errorf("%w: incomplete entry", errCorruptBlob)
	}
	return &rf, nil
}
