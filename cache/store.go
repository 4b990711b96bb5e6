// Package cache stores fetched resource bytes in a write-through pair of
// an in-memory index and a durable record store. The memory index mirrors
// durable storage and can be rebuilt from it at startup.
package cache

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type Config struct {
	// Records is the durable storage collaborator.
	Records RecordStore
	// Advisory capacity hints. Nothing is evicted when they are exceeded;
	// Statistics logs a warning instead.
	MemoryCapacityBytes int64
	DiskCapacityBytes   int64
	// Logger to use. The global zerolog logger is used if nil.
	Logger *zerolog.Logger
}

// Statistics is best-effort usage accounting exposed for diagnostics.
type Statistics struct {
	MemoryBytesUsed int64 `json:"memoryBytesUsed"`
	DiskBytesUsed   int64 `json:"diskBytesUsed"`
}

// Store holds at most one Resource per URL key. All mutation of the memory
// index goes through the single mutex; durable writes happen inside Put so
// that every successful store updated both layers (write-through).
type Store struct {
	mu       sync.RWMutex
	index    map[string]Resource
	memBytes int64

	records RecordStore
	memCap  int64
	diskCap int64
	log     zerolog.Logger
}

func NewStore(config Config) *Store {
	logger := log.Logger
	if config.Logger != nil {
		logger = *config.Logger
	}
	return &Store{
		index:   make(map[string]Resource),
		records: config.Records,
		memCap:  config.MemoryCapacityBytes,
		diskCap: config.DiskCapacityBytes,
		log:     logger,
	}
}

// Warm rebuilds the memory index from durable storage. A corrupt or
// unreadable record is skipped individually; the remaining records load.
// It returns the number of records restored.
func (s *Store) Warm() (int, error) {
	keys, err := s.records.ListRecords()
	if err != nil {
		return 0, err
	}
	restored := 0
	for _, key := range keys {
		b, err := s.records.ReadRecord(key)
		if err != nil {
			s.log.Warn().Err(err).Str("key", key).Msg("Skipping unreadable cache record")
			continue
		}
		resource, err := decodeResource(b)
		if err != nil {
			s.log.Warn().Err(err).Str("key", key).Msg("Skipping corrupt cache record")
			continue
		}
		s.setIndexed(resource)
		restored++
	}
	s.log.Debug().Int("restored", restored).Int("total", len(keys)).Msg("Cache index warmed from durable storage")
	return restored, nil
}

// Lookup returns the cached resource for the key. On a memory miss it falls
// back to durable storage and populates the index as a side effect. A read
// or decode failure counts as a miss for that key only.
func (s *Store) Lookup(key string) (Resource, bool) {
	s.mu.RLock()
	resource, ok := s.index[key]
	s.mu.RUnlock()
	if ok {
		return resource, true
	}

	b, err := s.records.ReadRecord(key)
	if err == ErrRecordNotFound {
		return Resource{}, false
	}
	if err != nil {
		s.log.Warn().Err(err).Str("key", key).Msg("Could not read cache record")
		return Resource{}, false
	}
	resource, err = decodeResource(b)
	if err != nil {
		s.log.Warn().Err(err).Str("key", key).Msg("Could not decode cache record")
		return Resource{}, false
	}
	s.setIndexed(resource)
	return resource, true
}

// Put stores a new resource under the key, stamped with the current time.
// The memory write always succeeds; a durable write failure is logged and
// the entry remains usable in-process for the rest of the run.
func (s *Store) Put(key string, payload []byte, mimeType string) Resource {
	resource := Resource{
		Key:      key,
		Payload:  payload,
		MimeType: mimeType,
		StoredAt: time.Now().UTC(),
	}
	s.setIndexed(resource)

	b, err := encodeResource(resource)
	if err != nil {
		s.log.Error().Err(err).Str("key", key).Msg("Could not encode cache record")
		return resource
	}
	if err := s.records.WriteRecord(key, b); err != nil {
		s.log.Error().Err(err).Str("key", key).Msg("Could not write cache record to durable storage")
	}
	return resource
}

// Clear empties the memory index and removes all durable records. It takes
// no lock across the durable delete, so a Put racing a Clear may leave the
// cache non-empty again immediately afterwards.
func (s *Store) Clear() {
	s.mu.Lock()
	s.index = make(map[string]Resource)
	s.memBytes = 0
	s.mu.Unlock()

	if err := s.records.DeleteAll(); err != nil {
		s.log.Error().Err(err).Msg("Could not clear durable storage")
	}
}

// Statistics reports best-effort memory and disk usage.
func (s *Store) Statistics() Statistics {
	s.mu.RLock()
	memBytes := s.memBytes
	s.mu.RUnlock()

	diskBytes, err := s.records.DiskUsage()
	if err != nil {
		s.log.Warn().Err(err).Msg("Could not read disk usage")
	}

	if s.memCap > 0 && memBytes > s.memCap {
		s.log.Warn().Int64("used", memBytes).Int64("capacity", s.memCap).Msg("Memory cache above advisory capacity")
	}
	if s.diskCap > 0 && diskBytes > s.diskCap {
		s.log.Warn().Int64("used", diskBytes).Int64("capacity", s.diskCap).Msg("Disk cache above advisory capacity")
	}
	return Statistics{
		MemoryBytesUsed: memBytes,
		DiskBytesUsed:   diskBytes,
	}
}

// Len returns the number of entries in the memory index.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.index)
}

func (s *Store) setIndexed(resource Resource) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if previous, ok := s.index[resource.Key]; ok {
		s.memBytes -= previous.Size()
	}
	s.index[resource.Key] = resource
	s.memBytes += resource.Size()
}
