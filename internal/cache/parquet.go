package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/parquet-go/parquet-go"

	"github.com/causewaylabs/causeway/internal/core/domain"
	"github.com/causewaylabs/causeway/internal/core/port"
)

// Footer key/value metadata. Everything needed to judge an entry's
// freshness is in the footer, so index rebuilds never scan row data.
const (
	metaKey           = "causeway:key"
	metaSchemaVersion = "causeway:schema_version"
	metaCreatedAt     = "causeway:created_at"
	metaNormalizedSQL = "causeway:normalized_sql"
	metaRowCount      = "causeway:row_count"
	metaTruncated     = "causeway:truncated"
	metaColumns       = "causeway:columns"
)

var errCorruptEntry = errors.New("corrupt cache entry")

// colKind is the canonical physical encoding of a result column. Postgres
// type names collapse onto four kinds; everything non-numeric rides as
// UTF8 text (timestamps in RFC 3339, numerics as their exact decimal form).
type colKind int

const (
	kindString colKind = iota
	kindBool
	kindInt
	kindFloat
)

func columnKind(typeName string) colKind {
	switch strings.ToLower(typeName) {
	case "bool", "boolean":
		return kindBool
	case "int2", "int4", "int8", "smallint", "integer", "bigint", "oid":
		return kindInt
	case "float4", "float8", "real", "double precision":
		return kindFloat
	default:
		return kindString
	}
}

func (k colKind) node() parquet.Node {
	switch k {
	case kindBool:
		return parquet.Leaf(parquet.BooleanType)
	case kindInt:
		return parquet.Int(64)
	case kindFloat:
		return parquet.Leaf(parquet.DoubleType)
	default:
		return parquet.String()
	}
}

func resultSchema(cols []port.ResultColumn) (*parquet.Schema, error) {
	if len(cols) == 0 {
		return nil, fmt.Errorf("result has no columns")
	}
	group := parquet.Group{}
	for _, c := range cols {
		if c.Name == "" {
			return nil, fmt.Errorf("result has an unnamed column")
		}
		if _, dup := group[c.Name]; dup {
			return nil, fmt.Errorf("duplicate column name %q", c.Name)
		}
		group[c.Name] = parquet.Optional(columnKind(c.TypeName).node())
	}
	return parquet.NewSchema("result", group), nil
}

// encodeCell converts one result value to its parquet representation.
// A nil second return means SQL NULL. A cell that does not fit its
// column's kind is an error, not a silent null.
func encodeCell(kind colKind, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch kind {
	case kindBool:
		if b, ok := v.(bool); ok {
			return b, nil
		}
	case kindInt:
		switch n := v.(type) {
		case int64:
			return n, nil
		case int32:
			return int64(n), nil
		case int16:
			return int64(n), nil
		case int:
			return int64(n), nil
		}
	case kindFloat:
		switch n := v.(type) {
		case float64:
			return n, nil
		case float32:
			return float64(n), nil
		}
	case kindString:
		switch s := v.(type) {
		case string:
			return s, nil
		case []byte:
			return string(s), nil
		case time.Time:
			return s.UTC().Format(time.RFC3339Nano), nil
		}
	}
	return nil, fmt.Errorf("value %T does not fit column kind", v)
}

// decodeCell normalizes what the parquet reader hands back.
func decodeCell(kind colKind, v any) any {
	if v == nil {
		return nil
	}
	switch n := v.(type) {
	case []byte:
		return string(n)
	case int32:
		return int64(n)
	case int:
		return int64(n)
	case float32:
		return float64(n)
	}
	return v
}

// writeEntry encodes a full entry (rows plus footer metadata) to w.
func writeEntry(w io.Writer, e *port.CacheEntry) error {
	schema, err := resultSchema(e.Columns)
	if err != nil {
		return err
	}
	colsJSON, err := json.Marshal(e.Columns)
	if err != nil {
		return fmt.Errorf("encode column metadata: %w", err)
	}

	kinds := make([]colKind, len(e.Columns))
	for i, c := range e.Columns {
		kinds[i] = columnKind(c.TypeName)
	}

	pw := parquet.NewGenericWriter[map[string]any](w, schema,
		parquet.KeyValueMetadata(metaKey, string(e.Key)),
		parquet.KeyValueMetadata(metaSchemaVersion, strconv.FormatUint(e.SchemaVersion, 10)),
		parquet.KeyValueMetadata(metaCreatedAt, e.CreatedAt.UTC().Format(time.RFC3339Nano)),
		parquet.KeyValueMetadata(metaNormalizedSQL, e.NormalizedSQL),
		parquet.KeyValueMetadata(metaRowCount, strconv.Itoa(len(e.Rows))),
		parquet.KeyValueMetadata(metaTruncated, strconv.FormatBool(e.Truncated)),
		parquet.KeyValueMetadata(metaColumns, string(colsJSON)),
	)

	records := make([]map[string]any, 0, len(e.Rows))
	for ri, row := range e.Rows {
		if len(row) != len(e.Columns) {
			return fmt.Errorf("row %d has %d values for %d columns", ri, len(row), len(e.Columns))
		}
		rec := make(map[string]any, len(row))
		for ci, v := range row {
			cell, err := encodeCell(kinds[ci], v)
			if err != nil {
				return fmt.Errorf("row %d column %q: %w", ri, e.Columns[ci].Name, err)
			}
			if cell != nil {
				rec[e.Columns[ci].Name] = cell
			}
		}
		records = append(records, rec)
	}

	if len(records) > 0 {
		if _, err := pw.Write(records); err != nil {
			return fmt.Errorf("write parquet rows: %w", err)
		}
	}
	if err := pw.Close(); err != nil {
		return fmt.Errorf("close parquet writer: %w", err)
	}
	return nil
}

// entryMeta is what the footer alone can tell about an entry.
type entryMeta struct {
	key           domain.CacheKey
	schemaVersion uint64
	createdAt     time.Time
	normalizedSQL string
	rowCount      int
	truncated     bool
	columns       []port.ResultColumn
	sizeBytes     int64
}

func footerMeta(pf *parquet.File) map[string]string {
	kv := pf.Metadata().KeyValueMetadata
	meta := make(map[string]string, len(kv))
	for _, e := range kv {
		meta[e.Key] = e.Value
	}
	return meta
}

// readMeta opens an entry file and decodes its footer without touching rows.
func readMeta(path string) (entryMeta, error) {
	f, err := os.Open(path)
	if err != nil {
		return entryMeta{}, err
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return entryMeta{}, err
	}
	pf, err := parquet.OpenFile(f, st.Size())
	if err != nil {
		return entryMeta{}, fmt.Errorf("%w: %v", errCorruptEntry, err)
	}
	return parseMeta(pf, st.Size())
}

func parseMeta(pf *parquet.File, size int64) (entryMeta, error) {
	meta := footerMeta(pf)

	version, err := strconv.ParseUint(meta[metaSchemaVersion], 10, 64)
	if err != nil {
		return entryMeta{}, fmt.Errorf("%w: bad schema version", errCorruptEntry)
	}
	createdAt, err := time.Parse(time.RFC3339Nano, meta[metaCreatedAt])
	if err != nil {
		return entryMeta{}, fmt.Errorf("%w: bad creation time", errCorruptEntry)
	}
	rowCount, err := strconv.Atoi(meta[metaRowCount])
	if err != nil || int64(rowCount) != pf.NumRows() {
		return entryMeta{}, fmt.Errorf("%w: row count mismatch", errCorruptEntry)
	}
	var cols []port.ResultColumn
	if err := json.Unmarshal([]byte(meta[metaColumns]), &cols); err != nil || len(cols) == 0 {
		return entryMeta{}, fmt.Errorf("%w: bad column metadata", errCorruptEntry)
	}

	return entryMeta{
		key:           domain.CacheKey(meta[metaKey]),
		schemaVersion: version,
		createdAt:     createdAt,
		normalizedSQL: meta[metaNormalizedSQL],
		rowCount:      rowCount,
		truncated:     meta[metaTruncated] == "true",
		columns:       cols,
		sizeBytes:     size,
	}, nil
}

// readEntry decodes a complete entry, rows included. Row order and column
// order are restored exactly as written.
func readEntry(path string) (*port.CacheEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return nil, err
	}
	pf, err := parquet.OpenFile(f, st.Size())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errCorruptEntry, err)
	}
	meta, err := parseMeta(pf, st.Size())
	if err != nil {
		return nil, err
	}

	kinds := make([]colKind, len(meta.columns))
	for i, c := range meta.columns {
		kinds[i] = columnKind(c.TypeName)
	}

	rows := make([][]any, 0, meta.rowCount)
	if meta.rowCount > 0 {
		pr := parquet.NewGenericReader[map[string]any](f)
		defer pr.Close()

		for {
			batch := make([]map[string]any, 256)
			for i := range batch {
				batch[i] = make(map[string]any, len(meta.columns))
			}
			n, err := pr.Read(batch)
			for _, rec := range batch[:n] {
				row := make([]any, len(meta.columns))
				for ci, c := range meta.columns {
					row[ci] = decodeCell(kinds[ci], rec[c.Name])
				}
				rows = append(rows, row)
			}
			if err != nil {
				if errors.Is(err, io.EOF) {
					break
				}
				return nil, fmt.Errorf("%w: %v", errCorruptEntry, err)
			}
			if n == 0 {
				break
			}
		}
	}
	if len(rows) != meta.rowCount {
		return nil, fmt.Errorf("%w: decoded %d rows, footer says %d", errCorruptEntry, len(rows), meta.rowCount)
	}

	return &port.CacheEntry{
		Key:           meta.key,
		SchemaVersion: meta.schemaVersion,
		NormalizedSQL: meta.normalizedSQL,
		CreatedAt:     meta.createdAt,
		RowCount:      meta.rowCount,
		Truncated:     meta.truncated,
		Columns:       meta.columns,
		Rows:          rows,
		SizeBytes:     meta.sizeBytes,
	}, nil
}
