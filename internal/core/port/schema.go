package port

import (
	"context"

	"github.com/causewaylabs/causeway/internal/core/domain"
)

// SchemaSource supplies the published schema snapshot. Current returns nil
// when no snapshot has ever been captured. Recent returns the retained
// snapshots newest first, Current included.
type SchemaSource interface {
	Current() *domain.SchemaSnapshot
	Recent() []*domain.SchemaSnapshot
}

// SchemaIntrospector reads table and column definitions from the database.
type SchemaIntrospector interface {
	Introspect(ctx context.Context, schemas []string) ([]domain.Table, error)
}
