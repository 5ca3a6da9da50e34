package declarative

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"brickkit/internal/domain"
)

func TestMain(m *testing.M) {
	domain.SetEnvironment(domain.EnvDev)
	os.Exit(m.Run())
}

const sampleGovernance = `
apiVersion: brickkit/v1

storage_credentials:
  - name: lake
    provider: AWS
    role_arn: arn:aws:iam::1:role/lake

external_locations:
  - name: raw_zone
    url: s3://lake/raw
    credential: lake

catalogs:
  - name: analytics
    owner: { type: GROUP, name: data_owners }
    isolation_mode: ISOLATED
    workspace_bindings:
      - workspace_id: "123"
    grants:
      - principal: { type: GROUP, name: readers }
        privileges: [USE_CATALOG]
    schemas:
      - name: reports
        tables:
          - name: orders
            columns:
              - { name: id, type: BIGINT }
              - { name: region, type: STRING }
            row_filter:
              function: analytics_dev.reports.region_filter
              input_columns: [region]
        functions:
          - name: region_filter
            is_row_filter: true
            parameters: [{ name: region, type: STRING }]
            return_type: BOOLEAN
            definition: region = current_region()
        volumes:
          - name: raw
            volume_type: EXTERNAL
            storage_location: s3://lake/raw/analytics
`

func TestLoad_BuildsGraph(t *testing.T) {
	roots, err := Load([]byte(sampleGovernance))
	require.NoError(t, err)
	require.Len(t, roots, 3)

	var catalog *domain.Resource
	for _, r := range roots {
		if r.Type == domain.TypeCatalog {
			catalog = r
		}
	}
	require.NotNil(t, catalog)
	assert.Equal(t, "analytics_dev", catalog.ResolvedName())
	assert.Equal(t, domain.IsolationIsolated, catalog.IsolationMode)
	require.Len(t, catalog.WorkspaceBindings, 1)
	assert.Equal(t, domain.BindingReadWrite, catalog.WorkspaceBindings[0].BindingType)
	require.Len(t, catalog.Grants, 1)

	schemas := catalog.Children()
	require.Len(t, schemas, 1)
	children := schemas[0].Children()
	require.Len(t, children, 3)

	var table *domain.Resource
	for _, c := range children {
		if c.Type == domain.TypeTable {
			table = c
		}
	}
	require.NotNil(t, table)
	spec := table.Spec.(*domain.TableSpec)
	require.NotNil(t, spec.RowFilter)
	assert.Equal(t, []string{"region"}, spec.RowFilter.InputColumns)
}

func TestLoad_RejectsUnknownKeys(t *testing.T) {
	_, err := Load([]byte("catalogs:\n  - name: c\n    frobnicate: 1\n"))
	require.Error(t, err)
}

func TestLoad_RejectsBadVersion(t *testing.T) {
	_, err := Load([]byte("apiVersion: duck/v1\n"))
	require.Error(t, err)
}

func TestLoad_RejectsInvalidGrant(t *testing.T) {
	doc := `
catalogs:
  - name: c
    schemas:
      - name: s
        volumes:
          - name: v
            grants:
              - principal: { type: USER, name: alice }
                privileges: [SELECT]
`
	_, err := Load([]byte(doc))
	require.Error(t, err, "SELECT is not valid on volumes")
}

func TestLoad_ReferenceCatalog(t *testing.T) {
	roots, err := Load([]byte("catalogs:\n  - name: dabs_cat\n    reference: true\n"))
	require.NoError(t, err)
	require.Len(t, roots, 1)
	assert.True(t, roots[0].IsReference)
	assert.Equal(t, "dabs_cat", roots[0].ResolvedName())
}

func TestLoadDirectory_WithConvention(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "governance.yaml"), []byte(sampleGovernance), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "convention.yaml"), []byte(
		"version: \"1.0\"\nconvention: org\ntags:\n  managed_by: brickkit\n"), 0o600))

	roots, conv, err := LoadDirectory(dir)
	require.NoError(t, err)
	require.NotNil(t, conv)
	require.Len(t, roots, 3)
	for _, r := range roots {
		assert.True(t, r.HasTag("managed_by", "brickkit"), "%s should carry the default tag", r.FQN())
	}
}
