package port

import (
	"context"
	"time"

	"github.com/causewaylabs/causeway/internal/core/domain"
)

// CacheEntry is a stored result set plus the metadata needed to judge
// freshness without decoding rows.
type CacheEntry struct {
	Key           domain.CacheKey
	SchemaVersion uint64
	NormalizedSQL string
	CreatedAt     time.Time
	RowCount      int
	Truncated     bool
	Columns       []ResultColumn
	Rows          [][]any
	SizeBytes     int64
}

// ResultCache stores executed result sets keyed by fingerprint. Get reports
// a miss, never an error, for absent, expired, or unreadable entries.
type ResultCache interface {
	Get(ctx context.Context, key domain.CacheKey) (*CacheEntry, bool)
	Put(ctx context.Context, entry *CacheEntry) error

	// DropBelow evicts every entry written against a schema version older
	// than min and reports how many were removed.
	DropBelow(min uint64) int

	Close() error
}

// CacheStats is a point-in-time view of cache occupancy.
type CacheStats struct {
	Entries   int   `json:"entries"`
	SizeBytes int64 `json:"size_bytes"`
}
