package memory

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"brickkit/internal/backend"
	"brickkit/internal/domain"
)

func TestMain(m *testing.M) {
	domain.SetEnvironment(domain.EnvDev)
	os.Exit(m.Run())
}

func TestCreateGetDelete(t *testing.T) {
	b := New()
	ctx := context.Background()

	_, err := b.CreateResource(ctx, domain.TypeCatalog, domain.Params{"name": "analytics_dev", "comment": "main"})
	require.NoError(t, err)

	info, err := b.GetResource(ctx, domain.TypeCatalog, "analytics_dev")
	require.NoError(t, err)
	assert.Equal(t, "main", info.Comment)

	// Duplicate create conflicts.
	_, err = b.CreateResource(ctx, domain.TypeCatalog, domain.Params{"name": "analytics_dev"})
	assert.Equal(t, backend.CodeConflict, backend.CodeOf(err))

	require.NoError(t, b.DeleteResource(ctx, domain.TypeCatalog, "analytics_dev"))
	_, err = b.GetResource(ctx, domain.TypeCatalog, "analytics_dev")
	assert.True(t, backend.IsNotFound(err))
}

func TestChildFQNFromParent(t *testing.T) {
	b := New()
	ctx := context.Background()
	_, err := b.CreateResource(ctx, domain.TypeCatalog, domain.Params{"name": "c"})
	require.NoError(t, err)
	_, err = b.CreateResource(ctx, domain.TypeSchema, domain.Params{"name": "s", "parent": "c"})
	require.NoError(t, err)

	info, err := b.GetResource(ctx, domain.TypeSchema, "c.s")
	require.NoError(t, err)
	assert.Equal(t, "s", info.Name)

	children, err := b.ListResources(ctx, domain.TypeSchema, "c")
	require.NoError(t, err)
	require.Len(t, children, 1)
}

func TestGrants_AddThenRemove_Idempotent(t *testing.T) {
	b := New()
	ctx := context.Background()
	_, err := b.CreateResource(ctx, domain.TypeSchema, domain.Params{"name": "s"})
	require.NoError(t, err)

	sel := backend.GrantRecord{Principal: "alice", Privilege: "SELECT"}
	require.NoError(t, b.UpdateGrants(ctx, domain.TypeSchema, "s", backend.GrantsUpdate{Add: []backend.GrantRecord{sel}}))
	// Re-granting is a no-op, not an error.
	require.NoError(t, b.UpdateGrants(ctx, domain.TypeSchema, "s", backend.GrantsUpdate{Add: []backend.GrantRecord{sel}}))

	grants, err := b.GetGrants(ctx, domain.TypeSchema, "s")
	require.NoError(t, err)
	assert.Len(t, grants, 1)

	require.NoError(t, b.UpdateGrants(ctx, domain.TypeSchema, "s", backend.GrantsUpdate{Remove: []backend.GrantRecord{sel}}))
	grants, err = b.GetGrants(ctx, domain.TypeSchema, "s")
	require.NoError(t, err)
	assert.Empty(t, grants)
}

func TestIsolationRequiresBindings(t *testing.T) {
	b := New()
	ctx := context.Background()
	_, err := b.CreateResource(ctx, domain.TypeCatalog, domain.Params{"name": "c"})
	require.NoError(t, err)

	err = b.SetIsolationMode(ctx, domain.TypeCatalog, "c", string(domain.IsolationIsolated))
	assert.Equal(t, backend.CodeConflict, backend.CodeOf(err))

	require.NoError(t, b.UpdateWorkspaceBindings(ctx, domain.TypeCatalog, "c", backend.BindingsUpdate{
		Add: []backend.BindingRecord{{WorkspaceID: "123", BindingType: string(domain.BindingReadWrite)}},
	}))
	require.NoError(t, b.SetIsolationMode(ctx, domain.TypeCatalog, "c", string(domain.IsolationIsolated)))

	// Removing the last binding while isolated conflicts.
	err = b.UpdateWorkspaceBindings(ctx, domain.TypeCatalog, "c", backend.BindingsUpdate{
		Remove: []backend.BindingRecord{{WorkspaceID: "123", BindingType: string(domain.BindingReadWrite)}},
	})
	assert.Equal(t, backend.CodeConflict, backend.CodeOf(err))
}

func TestPolicyQuota(t *testing.T) {
	b := New()
	ctx := context.Background()
	for i := 0; i < maxPoliciesPerContainer; i++ {
		require.NoError(t, b.CreatePolicy(ctx, "c.s", backend.PolicyInfo{Name: string(rune('a' + i)), PolicyType: "row_filter"}))
	}
	err := b.CreatePolicy(ctx, "c.s", backend.PolicyInfo{Name: "overflow", PolicyType: "row_filter"})
	assert.Equal(t, backend.CodeConflict, backend.CodeOf(err))
}

func TestSQL_CreateTableAndDescribe(t *testing.T) {
	b := New()
	ctx := context.Background()

	_, err := b.Execute(ctx, "CREATE TABLE c.s.orders (id BIGINT, amount DECIMAL(10,2)) PARTITIONED BY (id) COMMENT 'orders'")
	require.NoError(t, err)

	info, err := b.GetResource(ctx, domain.TypeTable, "c.s.orders")
	require.NoError(t, err)
	require.Len(t, info.Columns, 2)
	assert.Equal(t, "DECIMAL(10,2)", info.Columns[1].Type)
	assert.Equal(t, "orders", info.Comment)
	assert.Equal(t, "id", info.Properties["partition_by"])
}

func TestSQL_RowFilterAndMaskLifecycle(t *testing.T) {
	b := New()
	ctx := context.Background()
	_, err := b.Execute(ctx, "CREATE TABLE c.s.t (id BIGINT, email STRING)")
	require.NoError(t, err)

	_, err = b.Execute(ctx, "ALTER TABLE c.s.t SET ROW FILTER c.s.f ON (id)")
	require.NoError(t, err)
	_, err = b.Execute(ctx, "ALTER TABLE c.s.t ALTER COLUMN email SET MASK c.s.mask_email")
	require.NoError(t, err)

	ext, err := b.DescribeTableExtended(ctx, "c.s.t")
	require.NoError(t, err)
	assert.Equal(t, "c.s.f", ext.RowFilter)
	assert.Equal(t, "c.s.mask_email", ext.ColumnMasks["email"])

	_, err = b.Execute(ctx, "ALTER TABLE c.s.t DROP ROW FILTER")
	require.NoError(t, err)
	_, err = b.Execute(ctx, "ALTER TABLE c.s.t ALTER COLUMN email DROP MASK")
	require.NoError(t, err)

	ext, err = b.DescribeTableExtended(ctx, "c.s.t")
	require.NoError(t, err)
	assert.Empty(t, ext.RowFilter)
	assert.Empty(t, ext.ColumnMasks)
}

func TestSQL_CreateFunctionAndDescribe(t *testing.T) {
	b := New()
	ctx := context.Background()
	_, err := b.Execute(ctx, "CREATE OR REPLACE FUNCTION c.s.pii_filter(region STRING) RETURNS BOOLEAN RETURN region = 'emea'")
	require.NoError(t, err)

	detail, err := b.DescribeFunction(ctx, "c.s.pii_filter")
	require.NoError(t, err)
	assert.Equal(t, "BOOLEAN", detail.ReturnType)
	require.Len(t, detail.Parameters, 1)
	assert.Equal(t, "region", detail.Parameters[0].Name)
	assert.Contains(t, detail.Body, "emea")
}

func TestSQL_UnrecognizedStatement(t *testing.T) {
	b := New()
	_, err := b.Execute(context.Background(), "GRANT SELECT ON foo TO bar")
	var sqlErr *domain.SQLError
	require.ErrorAs(t, err, &sqlErr)
	assert.Equal(t, "42601", sqlErr.State)
}
