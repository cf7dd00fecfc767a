package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Column describes one column of a relation visible to guarded queries.
type Column struct {
	Name     string `json:"name"`
	DataType string `json:"data_type"`
	Nullable bool   `json:"nullable"`
}

// Table describes one relation visible to guarded queries.
type Table struct {
	Schema  string   `json:"schema,omitempty"`
	Name    string   `json:"name"`
	Columns []Column `json:"columns"`
}

// QualifiedName returns schema.name, or just name when no schema is set.
func (t Table) QualifiedName() string {
	if t.Schema == "" {
		return t.Name
	}
	return t.Schema + "." + t.Name
}

// Column finds a column by name, case-insensitively.
func (t Table) Column(name string) (Column, bool) {
	for _, c := range t.Columns {
		if strings.EqualFold(c.Name, name) {
			return c, true
		}
	}
	return Column{}, false
}

// SchemaSnapshot is an immutable view of the queryable schema at one point
// in time. Version increases monotonically across publications and changes
// only when ContentHash changes, so two snapshots with the same hash
// describe the same schema.
type SchemaSnapshot struct {
	Version     uint64    `json:"version"`
	ContentHash string    `json:"content_hash"`
	CapturedAt  time.Time `json:"captured_at"`
	Tables      []Table   `json:"tables"`
}

// NewSchemaSnapshot builds an unversioned snapshot from introspected tables
// and computes its content hash. Version assignment happens at publication.
func NewSchemaSnapshot(tables []Table, capturedAt time.Time) SchemaSnapshot {
	return SchemaSnapshot{
		ContentHash: HashTables(tables),
		CapturedAt:  capturedAt,
		Tables:      tables,
	}
}

// Resolve finds a table by name, case-insensitively. When schema is empty
// any schema matches; an unqualified name matching relations in several
// schemas resolves to none (callers must qualify).
func (s *SchemaSnapshot) Resolve(schema, name string) (Table, bool) {
	var found Table
	matches := 0
	for _, t := range s.Tables {
		if !strings.EqualFold(t.Name, name) {
			continue
		}
		if schema != "" && !strings.EqualFold(t.Schema, schema) {
			continue
		}
		found = t
		matches++
	}
	if matches != 1 {
		return Table{}, false
	}
	return found, true
}

// TableNames returns the qualified names of every table in the snapshot.
func (s *SchemaSnapshot) TableNames() []string {
	names := make([]string, 0, len(s.Tables))
	for _, t := range s.Tables {
		names = append(names, t.QualifiedName())
	}
	return names
}

// HashTables computes the canonical content hash of a table set. The hash
// is independent of table order and column case lives in the hash as-is,
// so a pure rename is a schema change.
func HashTables(tables []Table) string {
	sorted := make([]Table, len(tables))
	copy(sorted, tables)
	sort.Slice(sorted, func(i, j int) bool {
		return strings.ToLower(sorted[i].QualifiedName()) < strings.ToLower(sorted[j].QualifiedName())
	})

	h := sha256.New()
	for _, t := range sorted {
		fmt.Fprintf(h, "table\x00%s\x00%s\n", t.Schema, t.Name)
		for _, c := range t.Columns {
			fmt.Fprintf(h, "col\x00%s\x00%s\x00%t\n", c.Name, c.DataType, c.Nullable)
		}
	}
	return hex.EncodeToString(h.Sum(nil))
}
