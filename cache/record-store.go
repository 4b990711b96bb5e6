package cache

import (
	"database/sql"
	"errors"
	"sync"

	_ "github.com/glebarez/go-sqlite"
)

// ErrRecordNotFound is returned by ReadRecord when no record exists for a key.
var ErrRecordNotFound = errors.New("record not found")

// RecordStore is the durable storage collaborator: one opaque record per
// cache key. A corrupt record is the reader's problem (it is skipped),
// not the store's.
//
// Implementations must be thread-safe!
type RecordStore interface {
	// WriteRecord stores the record bytes under the given key,
	// replacing any previous record.
	WriteRecord(key string, b []byte) error
	// ReadRecord returns the record bytes for the given key,
	// or ErrRecordNotFound.
	ReadRecord(key string) ([]byte, error)
	// ListRecords returns all stored keys.
	ListRecords() ([]string, error)
	// DeleteAll removes every record, leaving an empty namespace behind.
	DeleteAll() error
	// DiskUsage returns a best-effort byte count of the stored records.
	DiskUsage() (int64, error)
}

type SQLiteRecordStore struct {
	db         *sql.DB
	writeMutex *sync.Mutex
}

// NewSQLiteRecordStore opens (or creates) the record database at the given
// filename. Use "file::memory:?cache=shared" for an in-memory database.
func NewSQLiteRecordStore(filename string) (*SQLiteRecordStore, error) {
	db, err := sql.Open("sqlite", filename)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec("CREATE TABLE IF NOT EXISTS resources (key TEXT PRIMARY KEY, bytes BLOB)"); err != nil {
		return nil, err
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, err
	}
	return &SQLiteRecordStore{
		db:         db,
		writeMutex: &sync.Mutex{},
	}, nil
}

func (s *SQLiteRecordStore) WriteRecord(key string, b []byte) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err := s.db.Exec("INSERT OR REPLACE INTO resources (key, bytes) VALUES (?, ?)", key, b)
	return err
}

func (s *SQLiteRecordStore) ReadRecord(key string) ([]byte, error) {
	var b []byte
	err := s.db.QueryRow("SELECT bytes FROM resources WHERE key = ?", key).Scan(&b)
	if err == sql.ErrNoRows {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, err
	}
	return b, nil
}

func (s *SQLiteRecordStore) ListRecords() ([]string, error) {
	rows, err := s.db.Query("SELECT key FROM resources")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	keys := make([]string, 0)
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return keys, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

func (s *SQLiteRecordStore) DeleteAll() error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err := s.db.Exec("DELETE FROM resources")
	return err
}

func (s *SQLiteRecordStore) DiskUsage() (int64, error) {
	var used int64
	err := s.db.QueryRow("SELECT COALESCE(SUM(LENGTH(bytes)), 0) FROM resources").Scan(&used)
	return used, err
}

func (s *SQLiteRecordStore) Close() error {
	return s.db.Close()
}

type memoryRecord struct {
	bytes []byte
}

// MemoryRecordStore keeps records in a map. It backs tests and the
// "memory" provider of the CLI.
type MemoryRecordStore struct {
	mutex   *sync.RWMutex
	records map[string]memoryRecord
}

func NewMemoryRecordStore() *MemoryRecordStore {
	return &MemoryRecordStore{
		mutex:   &sync.RWMutex{},
		records: make(map[string]memoryRecord),
	}
}

func (m *MemoryRecordStore) WriteRecord(key string, b []byte) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	stored := make([]byte, len(b))
	copy(stored, b)
	m.records[key] = memoryRecord{bytes: stored}
	return nil
}

func (m *MemoryRecordStore) ReadRecord(key string) ([]byte, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	record, ok := m.records[key]
	if !ok {
		return nil, ErrRecordNotFound
	}
	return record.bytes, nil
}

func (m *MemoryRecordStore) ListRecords() ([]string, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	keys := make([]string, 0, len(m.records))
	for key := range m.records {
		keys = append(keys, key)
	}
	return keys, nil
}

func (m *MemoryRecordStore) DeleteAll() error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.records = make(map[string]memoryRecord)
	return nil
}

func (m *MemoryRecordStore) DiskUsage() (int64, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	var used int64
	for _, record := range m.records {
		used += int64(len(record.bytes))
	}
	return used, nil
}
