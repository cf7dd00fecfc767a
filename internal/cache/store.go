package cache

import (
	"container/list"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/causewaylabs/causeway/internal/core/domain"
	"github.com/causewaylabs/causeway/internal/core/port"
)

const entrySuffix = ".parquet"

var keyPattern = regexp.MustCompile(`^[a-f0-9]{16,}$`)

// Options configures a cache store. Zero ceilings disable the respective
// limit; MaxAge zero disables expiry.
type Options struct {
	Dir        string
	MaxEntries int
	MaxBytes   int64
	MaxAge     time.Duration
	Logger     *slog.Logger
}

// Store is a directory of parquet files, one per cached result, with an
// in-memory LRU index over their footers. Entries are published by writing
// to a temp file and renaming, so a reader never sees a partial file; a
// concurrent reader of a just-evicted entry finishes on the old inode.
type Store struct {
	dir    string
	maxN   int
	maxB   int64
	maxAge time.Duration
	logger *slog.Logger

	mu      sync.Mutex
	entries map[domain.CacheKey]*indexEntry
	lru     *list.List // of domain.CacheKey; front is most recently used
	bytes   int64
}

type indexEntry struct {
	version uint64
	size    int64
	created time.Time
	elem    *list.Element
}

// EntryInfo is the index view of one cached entry.
type EntryInfo struct {
	Key           domain.CacheKey `json:"key"`
	SchemaVersion uint64          `json:"schema_version"`
	CreatedAt     time.Time       `json:"created_at"`
	SizeBytes     int64           `json:"size_bytes"`
}

// Open scans dir, rebuilds the index from entry footers, and enforces the
// configured ceilings. Unreadable entries and leftover temp files from
// interrupted writes are removed.
func Open(opts Options) (*Store, error) {
	if opts.Dir == "" {
		return nil, fmt.Errorf("cache dir is required")
	}
	if err := os.MkdirAll(opts.Dir, 0755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Store{
		dir:     opts.Dir,
		maxN:    opts.MaxEntries,
		maxB:    opts.MaxBytes,
		maxAge:  opts.MaxAge,
		logger:  logger,
		entries: make(map[domain.CacheKey]*indexEntry),
		lru:     list.New(),
	}
	if err := s.scan(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.evictLocked()
	s.mu.Unlock()
	return s, nil
}

func (s *Store) scan() error {
	dirents, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("scan cache dir: %w", err)
	}

	type found struct {
		key   domain.CacheKey
		meta  entryMeta
		mtime time.Time
	}
	var entries []found

	for _, de := range dirents {
		name := de.Name()
		if de.IsDir() {
			continue
		}
		if strings.HasSuffix(name, ".tmp") {
			_ = os.Remove(filepath.Join(s.dir, name))
			continue
		}
		if !strings.HasSuffix(name, entrySuffix) {
			continue
		}
		key := domain.CacheKey(strings.TrimSuffix(name, entrySuffix))
		if !keyPattern.MatchString(string(key)) {
			continue
		}

		path := filepath.Join(s.dir, name)
		meta, err := readMeta(path)
		if err != nil || meta.key != key {
			s.logger.Warn("removing unreadable cache entry", "file", name, "error", err)
			_ = os.Remove(path)
			continue
		}
		info, err := de.Info()
		if err != nil {
			continue
		}
		entries = append(entries, found{key: key, meta: meta, mtime: info.ModTime()})
	}

	// Oldest first so the most recently written end up at the LRU front.
	sort.Slice(entries, func(i, j int) bool { return entries[i].mtime.Before(entries[j].mtime) })
	for _, e := range entries {
		s.entries[e.key] = &indexEntry{
			version: e.meta.schemaVersion,
			size:    e.meta.sizeBytes,
			created: e.meta.createdAt,
			elem:    s.lru.PushFront(e.key),
		}
		s.bytes += e.meta.sizeBytes
	}

	s.logger.Info("cache index rebuilt", "entries", len(s.entries), "bytes", s.bytes)
	return nil
}

// Get returns the cached entry for key, if present and fresh. Expired and
// unreadable entries are evicted and reported as misses.
func (s *Store) Get(_ context.Context, key domain.CacheKey) (*port.CacheEntry, bool) {
	s.mu.Lock()
	ie, ok := s.entries[key]
	if !ok {
		s.mu.Unlock()
		return nil, false
	}
	if s.maxAge > 0 && time.Since(ie.created) > s.maxAge {
		s.removeLocked(key, "expired")
		s.mu.Unlock()
		return nil, false
	}
	s.lru.MoveToFront(ie.elem)
	s.mu.Unlock()

	entry, err := readEntry(s.path(key))
	if err != nil {
		s.logger.Warn("evicting unreadable cache entry", "key", shortKey(key), "error", err)
		s.mu.Lock()
		s.removeLocked(key, "unreadable")
		s.mu.Unlock()
		return nil, false
	}
	return entry, true
}

// Put stores an entry, replacing any previous entry for the same key.
// Concurrent writers for one key race benignly; the last rename wins.
func (s *Store) Put(_ context.Context, entry *port.CacheEntry) error {
	if !keyPattern.MatchString(string(entry.Key)) {
		return fmt.Errorf("invalid cache key %q", entry.Key)
	}

	tmp, err := os.CreateTemp(s.dir, "put-*.tmp")
	if err != nil {
		return fmt.Errorf("create cache temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := writeEntry(tmp, entry); err != nil {
		tmp.Close()
		return fmt.Errorf("encode cache entry: %w", err)
	}
	st, err := tmp.Stat()
	if err != nil {
		tmp.Close()
		return err
	}
	size := st.Size()
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), s.path(entry.Key)); err != nil {
		return fmt.Errorf("publish cache entry: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.entries[entry.Key]; ok {
		s.bytes -= old.size
		s.lru.Remove(old.elem)
	}
	s.entries[entry.Key] = &indexEntry{
		version: entry.SchemaVersion,
		size:    size,
		created: entry.CreatedAt,
		elem:    s.lru.PushFront(entry.Key),
	}
	s.bytes += size
	s.evictLocked()
	return nil
}

// DropBelow evicts entries written against schema versions older than min.
func (s *Store) DropBelow(min uint64) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	var victims []domain.CacheKey
	for key, ie := range s.entries {
		if ie.version < min {
			victims = append(victims, key)
		}
	}
	for _, key := range victims {
		s.removeLocked(key, "schema version out of tolerance")
	}
	return len(victims)
}

// Clear removes every entry.
func (s *Store) Clear() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(s.entries)
	for key := range s.entries {
		s.removeLocked(key, "cleared")
	}
	return n, nil
}

// Entries lists the index newest-used first.
func (s *Store) Entries() []EntryInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]EntryInfo, 0, len(s.entries))
	for e := s.lru.Front(); e != nil; e = e.Next() {
		key := e.Value.(domain.CacheKey)
		ie := s.entries[key]
		out = append(out, EntryInfo{
			Key:           key,
			SchemaVersion: ie.version,
			CreatedAt:     ie.created,
			SizeBytes:     ie.size,
		})
	}
	return out
}

// Stats reports current occupancy.
func (s *Store) Stats() port.CacheStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return port.CacheStats{Entries: len(s.entries), SizeBytes: s.bytes}
}

func (s *Store) Close() error { return nil }

// Dir returns the directory entries are stored in.
func (s *Store) Dir() string { return s.dir }

// EntryFile is the on-disk location of key's parquet file under dir.
func EntryFile(dir string, key domain.CacheKey) string {
	return filepath.Join(dir, string(key)+entrySuffix)
}

func (s *Store) path(key domain.CacheKey) string {
	return EntryFile(s.dir, key)
}

func (s *Store) evictLocked() {
	for (s.maxN > 0 && len(s.entries) > s.maxN) || (s.maxB > 0 && s.bytes > s.maxB) {
		back := s.lru.Back()
		if back == nil {
			return
		}
		s.removeLocked(back.Value.(domain.CacheKey), "evicted")
	}
}

func (s *Store) removeLocked(key domain.CacheKey, why string) {
	ie, ok := s.entries[key]
	if !ok {
		return
	}
	s.lru.Remove(ie.elem)
	delete(s.entries, key)
	s.bytes -= ie.size
	if err := os.Remove(s.path(key)); err != nil && !os.IsNotExist(err) {
		s.logger.Warn("remove cache entry", "key", shortKey(key), "error", err)
		return
	}
	s.logger.Debug("cache entry removed", "key", shortKey(key), "reason", why)
}

func shortKey(key domain.CacheKey) string {
	if len(key) > 12 {
		return string(key[:12])
	}
	return string(key)
}
