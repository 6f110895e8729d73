package connector

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLookup(t *testing.T) {
	cases := map[string]string{
		"":               "generic",
		"duckdb":         "duckdb",
		"PostgreSQL":     "postgres",
		"pg":             "postgres",
		" sf ":           "snowflake",
		"bq":             "bigquery",
		"databricks_sql": "databricks",
	}
	for in, want := range cases {
		t.Run(in, func(t *testing.T) {
			c, ok := Lookup(in)
			require.True(t, ok)
			assert.Equal(t, want, c.TargetType())
		})
	}

	c, ok := Lookup("oracle")
	assert.False(t, ok)
	assert.Equal(t, "generic", c.TargetType())
	assert.Contains(t, Types(), "postgresql")
}

func TestCategorize(t *testing.T) {
	cases := []struct {
		target string
		tool   string
		want   Category
	}{
		{"generic", "query", CategoryQuery},
		{"generic", "tables", CategoryList},
		{"generic", "drop_everything", CategoryUnknown},
		{"postgres", "pg_exec", CategoryQuery},
		{"postgres", "schema", CategorySchema},
		{"postgres", "list_schemas", CategoryList},
		{"duckdb", "sql", CategoryQuery},
		{"bigquery", "execute_sql", CategoryQuery},
		{"bigquery", "query", CategoryQuery},
		{"bigquery", "list_dataset_ids", CategoryList},
		{"snowflake", "list_warehouses", CategoryList},
		{"databricks", "desc", CategorySchema},
		{"databricks", "statement", CategoryQuery},
	}
	for _, tc := range cases {
		t.Run(tc.target+"/"+tc.tool, func(t *testing.T) {
			c, _ := Lookup(tc.target)
			assert.Equal(t, tc.want, c.Categorize(tc.tool))
		})
	}
}

func TestExtractSQL(t *testing.T) {
	pg := Postgres()

	sql, ok := pg.ExtractSQL("query", map[string]any{"sql": "SELECT 1"}, nil)
	require.True(t, ok)
	assert.Equal(t, "SELECT 1", sql)

	sql, ok = pg.ExtractSQL("execute", map[string]any{"command": "VACUUM"}, nil)
	require.True(t, ok)
	assert.Equal(t, "VACUUM", sql)

	// Unknown tools still surface SQL under the common keys.
	sql, ok = pg.ExtractSQL("mystery", map[string]any{"statement": "DROP TABLE x"}, nil)
	require.True(t, ok)
	assert.Equal(t, "DROP TABLE x", sql)

	// "command" is only a SQL key for query tools.
	_, ok = pg.ExtractSQL("mystery", map[string]any{"command": "rm -rf /"}, nil)
	assert.False(t, ok)

	_, ok = pg.ExtractSQL("query", map[string]any{"sql": "   "}, nil)
	assert.False(t, ok)

	result := json.RawMessage(`{"structuredContent":{"sql":"SELECT 2"}}`)
	sql, ok = pg.ExtractSQL("query", map[string]any{}, result)
	require.True(t, ok)
	assert.Equal(t, "SELECT 2", sql)
}

func TestEvidence(t *testing.T) {
	t.Run("postgres schema", func(t *testing.T) {
		ev := Postgres().Evidence("describe_table", map[string]any{"table_name": "users", "schema": "public"})
		assert.Equal(t, "users", ev["table"])
		assert.Equal(t, "public", ev["schema_name"])
	})

	t.Run("postgres params", func(t *testing.T) {
		ev := Postgres().Evidence("query", map[string]any{"sql": "SELECT $1", "params": []any{1}})
		assert.Equal(t, "SELECT $1", ev["sql"])
		assert.Equal(t, []any{1}, ev["params"])
	})

	t.Run("bigquery list", func(t *testing.T) {
		ev := BigQuery().Evidence("list_table_ids", map[string]any{"project_id": "p", "dataset_id": "d"})
		assert.Equal(t, "tables", ev["list_type"])
		assert.Equal(t, "p", ev["project_id"])
		assert.Equal(t, "d", ev["dataset_id"])

		ev = BigQuery().Evidence("list_dataset_ids", map[string]any{"project": "p"})
		assert.Equal(t, "datasets", ev["list_type"])
	})

	t.Run("databricks catalog", func(t *testing.T) {
		ev := Databricks().Evidence("describe_table", map[string]any{"catalog": "main", "name": "t"})
		assert.Equal(t, "main", ev["catalog_name"])
		assert.Equal(t, "t", ev["table"])

		ev = Databricks().Evidence("list_catalogs", nil)
		assert.Equal(t, "catalogs", ev["list_type"])
	})

	t.Run("snowflake list default", func(t *testing.T) {
		ev := Snowflake().Evidence("show_tables", map[string]any{})
		assert.Equal(t, "tables", ev["list_type"])
	})
}
