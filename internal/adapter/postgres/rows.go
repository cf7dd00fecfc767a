package postgres

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/causewaylabs/causeway/internal/core/port"
)

// collectRows drains rows into ordered columns and values. limit is the row
// ceiling; the one extra row the wrapper asked for marks truncation and is
// dropped.
func collectRows(rows pgx.Rows, limit int) ([]port.ResultColumn, [][]any, bool, error) {
	defer rows.Close()

	fields := rows.FieldDescriptions()
	typeMap := rows.Conn().TypeMap()
	cols := make([]port.ResultColumn, len(fields))
	for i, fd := range fields {
		name := "unknown"
		if typ, ok := typeMap.TypeForOID(fd.DataTypeOID); ok {
			name = typ.Name
		}
		cols[i] = port.ResultColumn{Name: fd.Name, TypeName: name}
	}

	var out [][]any
	truncated := false
	for rows.Next() {
		if len(out) == limit {
			truncated = true
			break
		}
		vals, err := rows.Values()
		if err != nil {
			return nil, nil, false, fmt.Errorf("reading row values: %w", err)
		}
		row := make([]any, len(vals))
		for i, v := range vals {
			row[i] = normalizeValue(v)
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, false, fmt.Errorf("iterating rows: %w", err)
	}
	return cols, out, truncated, nil
}

// normalizeValue collapses driver values onto the small set of cell types
// the rest of the pipeline handles: nil, bool, int64, float64, string, and
// time.Time. Numerics keep their exact decimal form as text; anything else
// becomes its canonical text or JSON rendering.
func normalizeValue(v any) any {
	switch t := v.(type) {
	case nil, bool, int64, float64, string, time.Time:
		return t
	case int16:
		return int64(t)
	case int32:
		return int64(t)
	case float32:
		return float64(t)
	case []byte:
		return `\x` + hex.EncodeToString(t)
	case [16]byte:
		return uuid.UUID(t).String()
	case pgtype.Numeric:
		if dv, err := t.Value(); err == nil {
			if s, ok := dv.(string); ok {
				return s
			}
		}
		return fmt.Sprintf("%v", v)
	}
	if s, ok := v.(fmt.Stringer); ok {
		return s.String()
	}
	if b, err := json.Marshal(v); err == nil {
		return string(b)
	}
	return fmt.Sprintf("%v", v)
}
