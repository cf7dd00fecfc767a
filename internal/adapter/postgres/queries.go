package postgres

// queryListTables has one %s placeholder for the schema filter clause.
const queryListTables = `
	SELECT t.table_schema, t.table_name
	FROM information_schema.tables t
	WHERE %s
		AND t.table_type IN ('BASE TABLE', 'VIEW')
	ORDER BY t.table_schema, t.table_name`

// queryColumns returns columns in ordinal order. $1 = schema, $2 = table.
const queryColumns = `
	SELECT c.column_name, c.data_type, c.is_nullable = 'YES'
	FROM information_schema.columns c
	WHERE c.table_schema = $1 AND c.table_name = $2
	ORDER BY c.ordinal_position`
