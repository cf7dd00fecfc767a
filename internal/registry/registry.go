package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/causewaylabs/causeway/internal/core/domain"
	"github.com/causewaylabs/causeway/internal/core/port"
)

const defaultKeep = 8

// Registry is the single source of truth for the published schema snapshot.
// Versions increase monotonically and only when the schema content actually
// changes, so a restart never invalidates cached results for an unchanged
// schema. A bounded history of previous snapshots is retained for staleness
// tolerance checks.
type Registry struct {
	path   string
	keep   int
	logger *slog.Logger

	mu      sync.RWMutex
	history []*domain.SchemaSnapshot // newest first; history[0] is current
}

// New returns a registry persisting to path (empty disables persistence)
// and retaining keep snapshots (0 means the default of 8).
func New(path string, keep int, logger *slog.Logger) *Registry {
	if keep <= 0 {
		keep = defaultKeep
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{path: path, keep: keep, logger: logger}
}

type persistedState struct {
	Snapshots []*domain.SchemaSnapshot `json:"snapshots"`
}

// Load restores persisted snapshots. A missing file is a fresh start, not
// an error.
func (r *Registry) Load() error {
	if r.path == "" {
		return nil
	}
	data, err := os.ReadFile(r.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read registry file: %w", err)
	}

	var state persistedState
	if err := json.Unmarshal(data, &state); err != nil {
		return fmt.Errorf("decode registry file: %w", err)
	}
	if len(state.Snapshots) == 0 {
		return nil
	}

	r.mu.Lock()
	r.history = state.Snapshots
	r.mu.Unlock()

	cur := state.Snapshots[0]
	r.logger.Info("schema registry restored",
		"version", cur.Version,
		"tables", len(cur.Tables),
		"captured_at", cur.CapturedAt,
	)
	return nil
}

// Publish installs a snapshot built from introspected tables. When the
// content hash matches the current snapshot the version is unchanged and
// the existing snapshot is returned with changed=false.
func (r *Registry) Publish(tables []domain.Table, capturedAt time.Time) (*domain.SchemaSnapshot, bool) {
	snap := domain.NewSchemaSnapshot(tables, capturedAt)

	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.history) > 0 && r.history[0].ContentHash == snap.ContentHash {
		return r.history[0], false
	}

	snap.Version = 1
	if len(r.history) > 0 {
		snap.Version = r.history[0].Version + 1
	}

	r.history = append([]*domain.SchemaSnapshot{&snap}, r.history...)
	if len(r.history) > r.keep {
		r.history = r.history[:r.keep]
	}
	r.persistLocked()

	r.logger.Info("schema snapshot published",
		"version", snap.Version,
		"tables", len(snap.Tables),
		"content_hash", snap.ContentHash[:12],
	)
	return &snap, true
}

// Current returns the published snapshot, or nil before the first publish.
func (r *Registry) Current() *domain.SchemaSnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.history) == 0 {
		return nil
	}
	return r.history[0]
}

// Recent returns retained snapshots newest first, current included.
func (r *Registry) Recent() []*domain.SchemaSnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*domain.SchemaSnapshot, len(r.history))
	copy(out, r.history)
	return out
}

// Refresh introspects the database and publishes the result.
func (r *Registry) Refresh(ctx context.Context, src port.SchemaIntrospector, schemas []string) (*domain.SchemaSnapshot, bool, error) {
	tables, err := src.Introspect(ctx, schemas)
	if err != nil {
		return nil, false, fmt.Errorf("introspect schema: %w", err)
	}
	snap, changed := r.Publish(tables, time.Now().UTC())
	return snap, changed, nil
}

// RefreshEvery re-introspects on a fixed interval until ctx is cancelled.
// Refresh failures are logged and the previous snapshot stays published.
// onChange, if non-nil, runs after each publish that bumped the version.
func (r *Registry) RefreshEvery(ctx context.Context, interval time.Duration, src port.SchemaIntrospector, schemas []string, onChange func(*domain.SchemaSnapshot)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap, changed, err := r.Refresh(ctx, src, schemas)
			if err != nil {
				r.logger.Error("scheduled schema refresh failed", "error", err)
				continue
			}
			if changed && onChange != nil {
				onChange(snap)
			}
		}
	}
}

// persistLocked writes the retained snapshots to disk. Write failures are
// logged; the in-memory state is authoritative either way.
func (r *Registry) persistLocked() {
	if r.path == "" {
		return
	}
	data, err := json.MarshalIndent(persistedState{Snapshots: r.history}, "", "  ")
	if err != nil {
		r.logger.Error("encode registry state", "error", err)
		return
	}

	tmp := r.path + ".tmp"
	if err := os.MkdirAll(filepath.Dir(r.path), 0755); err != nil {
		r.logger.Error("create registry dir", "error", err)
		return
	}
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		r.logger.Error("write registry state", "error", err)
		return
	}
	if err := os.Rename(tmp, r.path); err != nil {
		r.logger.Error("publish registry state", "error", err)
	}
}
