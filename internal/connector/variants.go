package connector

var (
	tableField  = field{name: "table", keys: []string{"table", "table_name", "tableName", "name"}, categories: []Category{CategorySchema}}
	schemaField = field{name: "schema_name", keys: []string{"schema", "schema_name", "schemaName"}, categories: []Category{CategorySchema}}
)

// Generic serves targets without a dedicated connector.
func Generic() Connector {
	return &table{
		targetType: "generic",
		categories: map[string]Category{
			"query":    CategoryQuery,
			"execute":  CategoryQuery,
			"run":      CategoryQuery,
			"describe": CategorySchema,
			"schema":   CategorySchema,
			"list":     CategoryList,
			"tables":   CategoryList,
		},
		fields: []field{
			{name: "table", keys: []string{"table", "table_name", "tableName"}, categories: []Category{CategoryQuery, CategorySchema, CategoryList, CategoryUnknown}},
		},
	}
}

func DuckDB() Connector {
	return &table{
		targetType: "duckdb",
		categories: map[string]Category{
			"query":           CategoryQuery,
			"execute":         CategoryQuery,
			"run_query":       CategoryQuery,
			"duckdb_query":    CategoryQuery,
			"read_query":      CategoryQuery,
			"describe":        CategorySchema,
			"describe_table":  CategorySchema,
			"get_schema":      CategorySchema,
			"table_schema":    CategorySchema,
			"duckdb_describe": CategorySchema,
			"list_tables":     CategoryList,
			"show_tables":     CategoryList,
			"tables":          CategoryList,
			"list_databases":  CategoryList,
			"databases":       CategoryList,
		},
		aliases: map[string]string{
			"exec":   "execute",
			"sql":    "query",
			"run":    "execute",
			"desc":   "describe",
			"schema": "describe_table",
		},
		querySQL:  []string{"query", "sql", "statement", "command"},
		fields:    []field{tableField},
		listTypes: []listType{{"database", "databases"}},
	}
}

func Postgres() Connector {
	return &table{
		targetType: "postgres",
		categories: map[string]Category{
			"query":          CategoryQuery,
			"execute":        CategoryQuery,
			"run_query":      CategoryQuery,
			"pg_query":       CategoryQuery,
			"postgres_query": CategoryQuery,
			"read_query":     CategoryQuery,
			"write_query":    CategoryQuery,
			"describe":       CategorySchema,
			"describe_table": CategorySchema,
			"get_schema":     CategorySchema,
			"table_schema":   CategorySchema,
			"pg_describe":    CategorySchema,
			"get_table_info": CategorySchema,
			"list_tables":    CategoryList,
			"show_tables":    CategoryList,
			"tables":         CategoryList,
			"list_schemas":   CategoryList,
			"schemas":        CategoryList,
			"list_databases": CategoryList,
			"databases":      CategoryList,
		},
		aliases: map[string]string{
			"exec":    "execute",
			"sql":     "query",
			"run":     "execute",
			"desc":    "describe",
			"schema":  "describe_table",
			"pg_exec": "execute",
		},
		querySQL: []string{"query", "sql", "statement", "command"},
		fields: []field{
			tableField,
			schemaField,
			{name: "params", keys: []string{"params", "parameters", "args", "values"}, categories: []Category{CategoryQuery}},
		},
		listTypes: []listType{{"database", "databases"}, {"schema", "schemas"}},
	}
}

func Snowflake() Connector {
	return &table{
		targetType: "snowflake",
		categories: map[string]Category{
			"query":           CategoryQuery,
			"execute":         CategoryQuery,
			"run_query":       CategoryQuery,
			"snowflake_query": CategoryQuery,
			"read_query":      CategoryQuery,
			"write_query":     CategoryQuery,
			"describe":        CategorySchema,
			"describe_table":  CategorySchema,
			"get_schema":      CategorySchema,
			"table_schema":    CategorySchema,
			"list_tables":     CategoryList,
			"show_tables":     CategoryList,
			"tables":          CategoryList,
			"list_schemas":    CategoryList,
			"schemas":         CategoryList,
			"list_databases":  CategoryList,
			"databases":       CategoryList,
			"list_warehouses": CategoryList,
			"warehouses":      CategoryList,
		},
		aliases: map[string]string{
			"sql":  "query",
			"exec": "execute",
			"run":  "execute",
			"desc": "describe",
		},
		querySQL:  []string{"sql", "query", "statement", "command"},
		fields:    []field{tableField, schemaField},
		listTypes: []listType{{"database", "databases"}, {"schema", "schemas"}, {"warehouse", "warehouses"}},
	}
}

func BigQuery() Connector {
	scoped := []Category{CategorySchema, CategoryList}
	return &table{
		targetType: "bigquery",
		categories: map[string]Category{
			"execute_sql":      CategoryQuery,
			"get_table_info":   CategorySchema,
			"list_table_ids":   CategoryList,
			"get_dataset_info": CategorySchema,
			"list_dataset_ids": CategoryList,
			"execute":          CategoryQuery,
			"run_query":        CategoryQuery,
			"bq_query":         CategoryQuery,
			"bigquery_query":   CategoryQuery,
			"jobs_query":       CategoryQuery,
			"describe_table":   CategorySchema,
			"get_schema":       CategorySchema,
			"table_schema":     CategorySchema,
			"list_tables":      CategoryList,
			"tables":           CategoryList,
			"list_datasets":    CategoryList,
			"datasets":         CategoryList,
			"list_projects":    CategoryList,
			"projects":         CategoryList,
		},
		aliases: map[string]string{
			"sql":   "execute_sql",
			"exec":  "execute_sql",
			"run":   "execute_sql",
			"query": "execute_sql",
		},
		querySQL: []string{"sql", "query", "statement"},
		fields: []field{
			{name: "project_id", keys: []string{"project", "project_id", "projectId"}, categories: scoped},
			{name: "dataset_id", keys: []string{"dataset", "dataset_id", "datasetId"}, categories: scoped},
			{name: "table", keys: []string{"table", "table_name", "tableId", "table_id"}, categories: []Category{CategorySchema}},
		},
		// list_table_ids carries both words; tables win.
		listTypes: []listType{{"table", "tables"}, {"dataset", "datasets"}, {"project", "projects"}},
	}
}

func Databricks() Connector {
	return &table{
		targetType: "databricks",
		categories: map[string]Category{
			"query":            CategoryQuery,
			"execute":          CategoryQuery,
			"run_query":        CategoryQuery,
			"databricks_query": CategoryQuery,
			"statement":        CategoryQuery,
			"describe_table":   CategorySchema,
			"get_schema":       CategorySchema,
			"table_schema":     CategorySchema,
			"list_tables":      CategoryList,
			"tables":           CategoryList,
			"list_schemas":     CategoryList,
			"schemas":          CategoryList,
			"list_catalogs":    CategoryList,
			"catalogs":         CategoryList,
		},
		aliases: map[string]string{
			"sql":  "query",
			"exec": "execute",
			"run":  "execute",
			"desc": "describe_table",
		},
		querySQL: []string{"sql", "query", "statement"},
		fields: []field{
			tableField,
			schemaField,
			{name: "catalog_name", keys: []string{"catalog", "catalog_name", "catalogName"}, categories: []Category{CategorySchema}},
		},
		listTypes: []listType{{"catalog", "catalogs"}, {"schema", "schemas"}},
	}
}
