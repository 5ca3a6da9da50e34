package reconcile

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"brickkit/internal/domain"
)

func TestBuildCreateTable_Managed(t *testing.T) {
	r := domain.NewTable("orders", domain.TableSpec{})
	r.Comment = "order facts"
	spec := &domain.TableSpec{
		Columns: []domain.Column{
			{Name: "id", Type: "BIGINT"},
			{Name: "region", Type: "STRING", Comment: "ISO region"},
		},
		PartitionBy: []string{"region"},
	}
	stmt, err := BuildCreateTable("c.s.orders", r, spec)
	require.NoError(t, err)
	assert.Equal(t,
		"CREATE TABLE c.s.orders (id BIGINT, region STRING COMMENT 'ISO region') PARTITIONED BY (region) COMMENT 'order facts'",
		stmt)
}

func TestBuildCreateTable_External(t *testing.T) {
	r := domain.NewTable("raw", domain.TableSpec{})
	spec := &domain.TableSpec{
		TableType:  domain.TableExternal,
		Columns:    []domain.Column{{Name: "id", Type: "BIGINT"}},
		SourcePath: "s3://lake/raw",
		FileFormat: "parquet",
	}
	stmt, err := BuildCreateTable("c.s.raw", r, spec)
	require.NoError(t, err)
	assert.Equal(t, "CREATE TABLE c.s.raw (id BIGINT) USING parquet LOCATION 's3://lake/raw'", stmt)
}

func TestBuildCreateTable_View(t *testing.T) {
	r := domain.NewTable("v", domain.TableSpec{})
	spec := &domain.TableSpec{ViewQuery: "SELECT 1"}
	stmt, err := BuildCreateTable("c.s.v", r, spec)
	require.NoError(t, err)
	assert.Equal(t, "CREATE OR REPLACE VIEW c.s.v AS SELECT 1", stmt)
}

func TestBuildCreateTable_NoColumns(t *testing.T) {
	r := domain.NewTable("t", domain.TableSpec{})
	_, err := BuildCreateTable("c.s.t", r, &domain.TableSpec{})
	require.Error(t, err)
}

func TestBuildCreateFunction(t *testing.T) {
	stmt, err := BuildCreateFunction("c.s.f", &domain.FunctionSpec{
		Parameters: []domain.FunctionParameter{{Name: "region", Type: "STRING"}},
		ReturnType: "BOOLEAN",
		Definition: "region = 'emea'",
	})
	require.NoError(t, err)
	assert.Equal(t, "CREATE OR REPLACE FUNCTION c.s.f(region STRING) RETURNS BOOLEAN RETURN region = 'emea'", stmt)
}

func TestBuildRowFilterStatements(t *testing.T) {
	assert.Equal(t, "ALTER TABLE c.s.t SET ROW FILTER c.s.f ON (region, dept)",
		BuildSetRowFilter("c.s.t", "c.s.f", []string{"region", "dept"}))
	assert.Equal(t, "ALTER TABLE c.s.t DROP ROW FILTER", BuildDropRowFilter("c.s.t"))
}

func TestBuildColumnMaskStatements(t *testing.T) {
	assert.Equal(t, "ALTER TABLE c.s.t ALTER COLUMN email SET MASK c.s.m",
		BuildSetColumnMask("c.s.t", "email", "c.s.m", nil))
	assert.Equal(t, "ALTER TABLE c.s.t ALTER COLUMN email SET MASK c.s.m USING COLUMNS (role)",
		BuildSetColumnMask("c.s.t", "email", "c.s.m", []string{"role"}))
	assert.Equal(t, "ALTER TABLE c.s.t ALTER COLUMN email DROP MASK", BuildDropColumnMask("c.s.t", "email"))
}

func TestSQLQuoteEscapes(t *testing.T) {
	r := domain.NewTable("t", domain.TableSpec{})
	r.Comment = "it's quoted"
	stmt, err := BuildCreateTable("c.s.t", r, &domain.TableSpec{Columns: []domain.Column{{Name: "id", Type: "BIGINT"}}})
	require.NoError(t, err)
	assert.Contains(t, stmt, "COMMENT 'it''s quoted'")
}
