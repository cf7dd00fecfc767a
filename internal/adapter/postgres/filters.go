package postgres

import (
	"fmt"
	"strings"
)

// schemaFilter returns a SQL WHERE clause fragment and args for filtering by
// schema. paramOffset is the starting $N parameter index (1-based). When
// schemas is empty, it excludes system schemas (pg_catalog, information_schema).
func schemaFilter(schemas []string, column string, paramOffset int) (clause string, args []any) {
	if len(schemas) == 0 {
		return fmt.Sprintf("%s NOT IN ('pg_catalog', 'information_schema')", column), nil
	}
	placeholders := make([]string, len(schemas))
	args = make([]any, len(schemas))
	for i, s := range schemas {
		placeholders[i] = fmt.Sprintf("$%d", paramOffset+i)
		args[i] = s
	}
	return fmt.Sprintf("%s IN (%s)", column, strings.Join(placeholders, ", ")), args
}
