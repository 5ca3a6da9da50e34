package reconcile

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"brickkit/internal/backend"
	"brickkit/internal/backend/memory"
	"brickkit/internal/convention"
	"brickkit/internal/domain"
)

func TestMain(m *testing.M) {
	domain.SetEnvironment(domain.EnvDev)
	os.Exit(m.Run())
}

func newTestReconciler(t *testing.T, mem *memory.Backend, opts Options) *Reconciler {
	t.Helper()
	opts.Sequential = true
	return New(mem, mem, opts, nil)
}

func orgConvention() *convention.Convention {
	return &convention.Convention{
		ConventionName: "org_standards",
		DefaultTags: []convention.TagDefault{
			{Key: "managed_by", Value: "brickkit"},
		},
		RequiredTags: []convention.RequiredTag{
			{Key: "data_owner", AppliesTo: []domain.ResourceType{domain.TypeTable}},
		},
	}
}

// S1: create catalog with suffix and apply defaults.
func TestScenario_CreateCatalogWithSuffixAndDefaults(t *testing.T) {
	mem := memory.New()
	ctx := context.Background()

	catalog := domain.NewCatalog("analytics")
	owner := domain.NewGroup("data_owners")
	catalog.Owner = &owner
	require.NoError(t, orgConvention().ApplyTo(catalog))

	rc := newTestReconciler(t, mem, Options{})
	report, err := rc.Reconcile(ctx, catalog)
	require.NoError(t, err)
	assert.Equal(t, 0, report.ExitStatus())

	info, err := mem.GetResource(ctx, domain.TypeCatalog, "analytics_dev")
	require.NoError(t, err)
	assert.Equal(t, "data_owners_dev", info.Owner)

	tags, err := mem.ListTags(ctx, domain.TypeCatalog, "analytics_dev")
	require.NoError(t, err)
	require.Len(t, tags, 1)
	assert.Equal(t, backend.TagRecord{Key: "managed_by", Value: "brickkit"}, tags[0])

	// Diff after: empty.
	diff, err := rc.exec.Diff(ctx, catalog)
	require.NoError(t, err)
	assert.True(t, diff.Empty())
}

// S2: convention violation surfaces before any backend call.
func TestScenario_ConventionViolationBlocksRun(t *testing.T) {
	mem := memory.New()
	catalog := domain.NewCatalog("analytics")
	owner := domain.NewUser("alice")
	catalog.Owner = &owner

	conv := &convention.Convention{
		ConventionName: "strict",
		Rules: []convention.RuleSpec{
			{Rule: "catalog_must_have_sp_owner", Mode: convention.ModeEnforced},
		},
	}
	require.NoError(t, conv.ApplyTo(catalog))

	rc := newTestReconciler(t, mem, Options{})
	_, err := rc.Reconcile(context.Background(), catalog)
	require.Error(t, err)

	var ve *domain.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "catalog_must_have_sp_owner", ve.Rule)

	// No backend call was made.
	_, err = mem.GetResource(context.Background(), domain.TypeCatalog, "analytics_dev")
	assert.True(t, backend.IsNotFound(err))
}

// S3: grant add precedes revoke; here only adds are needed.
func TestScenario_GrantAddPrecedesRevoke(t *testing.T) {
	mem := memory.New()
	ctx := context.Background()

	_, err := mem.CreateResource(ctx, domain.TypeSchema, domain.Params{"name": "s"})
	require.NoError(t, err)
	require.NoError(t, mem.UpdateGrants(ctx, domain.TypeSchema, "s", backend.GrantsUpdate{
		Add: []backend.GrantRecord{{Principal: "alice", Privilege: "SELECT"}},
	}))

	schema := domain.NewSchema("s")
	require.NoError(t, schema.Grant(domain.NewUser("alice"), domain.PrivSelect, domain.PrivModify))
	require.NoError(t, schema.Grant(domain.NewUser("bob"), domain.PrivSelect))

	rc := newTestReconciler(t, mem, Options{AllowUserGrants: true})
	report, err := rc.Reconcile(ctx, schema)
	require.NoError(t, err)
	require.Len(t, report.Results, 1)

	// Exactly two adds, no removes.
	res := report.Results[0]
	assert.Equal(t, OpUpdate, res.Operation)
	require.Len(t, res.ChangesApplied, 2)
	for _, c := range res.ChangesApplied {
		assert.Equal(t, ActionAdd, c.Action)
	}

	grants, err := mem.GetGrants(ctx, domain.TypeSchema, "s")
	require.NoError(t, err)
	assert.ElementsMatch(t, []backend.GrantRecord{
		{Principal: "alice", Privilege: "MODIFY"},
		{Principal: "alice", Privilege: "SELECT"},
		{Principal: "bob", Privilege: "SELECT"},
	}, grants)

	diff, err := rc.exec.Diff(ctx, schema)
	require.NoError(t, err)
	assert.True(t, diff.Empty())
}

func seedTable(t *testing.T, mem *memory.Backend) {
	t.Helper()
	ctx := context.Background()
	_, err := mem.CreateResource(ctx, domain.TypeCatalog, domain.Params{"name": "c_dev"})
	require.NoError(t, err)
	_, err = mem.CreateResource(ctx, domain.TypeSchema, domain.Params{"name": "s", "parent": "c_dev"})
	require.NoError(t, err)
	_, err = mem.CreateResource(ctx, domain.TypeTable, domain.Params{
		"name": "t", "parent": "c_dev.s", "table_type": "MANAGED",
		"columns": []domain.Params{{"name": "id", "type": "BIGINT"}},
	})
	require.NoError(t, err)
}

func declaredTableTree(t *testing.T) (*domain.Resource, *domain.Resource) {
	t.Helper()
	catalog := domain.NewCatalog("c")
	schema := domain.NewSchema("s")
	table := domain.NewTable("t", domain.TableSpec{Columns: []domain.Column{{Name: "id", Type: "BIGINT"}}})
	require.NoError(t, domain.AttachChild(catalog, schema))
	require.NoError(t, domain.AttachChild(schema, table))
	return catalog, table
}

// S4: drift detection on a tag, then apply, then compliant.
func TestScenario_TagDriftDetectApplyRedetect(t *testing.T) {
	mem := memory.New()
	ctx := context.Background()
	seedTable(t, mem)
	require.NoError(t, mem.SetTag(ctx, domain.TypeTable, "c_dev.s.t", backend.TagRecord{Key: "pii", Value: "true"}))

	catalog, table := declaredTableTree(t)
	table.AddTag("pii", "false")

	rc := newTestReconciler(t, mem, Options{})
	drift, err := rc.DetectDrift(ctx, []*domain.Resource{catalog})
	require.NoError(t, err)
	require.Len(t, drift.Drifted, 1)
	assert.Equal(t, "c_dev.s.t", drift.Drifted[0].ResourceName)
	assert.Equal(t, SeverityCritical, drift.Drifted[0].Severity)

	report, err := rc.Reconcile(ctx, catalog)
	require.NoError(t, err)
	assert.Equal(t, 0, report.ExitStatus())

	tags, err := mem.ListTags(ctx, domain.TypeTable, "c_dev.s.t")
	require.NoError(t, err)
	assert.Contains(t, tags, backend.TagRecord{Key: "pii", Value: "false"})

	drift, err = rc.DetectDrift(ctx, []*domain.Resource{catalog})
	require.NoError(t, err)
	assert.Empty(t, drift.Drifted)
	assert.Empty(t, drift.Missing)
	assert.Contains(t, drift.Compliant, "c_dev.s.t")
}

// S5: ABAC policy materialization — function first, then policy, then no-op.
func TestScenario_ABACPolicyMaterialization(t *testing.T) {
	mem := memory.New()
	ctx := context.Background()

	catalog := domain.NewCatalog("prod")
	schema := domain.NewSchema("customers")
	table := domain.NewTable("profiles", domain.TableSpec{Columns: []domain.Column{{Name: "id", Type: "BIGINT"}}})
	table.AddTag("pii", "true")
	fn := domain.NewFunction("pii_row_filter", domain.FunctionSpec{
		Definition:  "is_account_group_member('trusted')",
		ReturnType:  "BOOLEAN",
		IsRowFilter: true,
	})
	require.NoError(t, domain.AttachChild(catalog, schema))
	require.NoError(t, domain.AttachChild(schema, table))
	require.NoError(t, domain.AttachChild(schema, fn))

	conv := &convention.Convention{
		ConventionName: "pii_protection",
		ABACPolicies: []domain.ABACPolicy{{
			Name:            "hide_pii_rows",
			PolicyType:      domain.ABACRowFilter,
			FunctionRef:     "prod_dev.customers.pii_row_filter",
			MatchConditions: []domain.MatchCondition{{TagKey: "pii", TagValue: "true"}},
		}},
	}
	require.NoError(t, conv.ApplyTo(catalog))
	require.Len(t, schema.ABACPolicies, 1, "template materializes onto the matching schema")

	rc := newTestReconciler(t, mem, Options{})
	report, err := rc.Reconcile(ctx, catalog)
	require.NoError(t, err)
	assert.Equal(t, 0, report.ExitStatus())

	// (a) the function exists.
	_, err = mem.DescribeFunction(ctx, "prod_dev.customers.pii_row_filter")
	require.NoError(t, err)

	// (b) the policy exists on the schema.
	policies, err := mem.ListPolicies(ctx, "prod_dev.customers")
	require.NoError(t, err)
	require.Len(t, policies, 1)
	assert.Equal(t, "hide_pii_rows", policies[0].Name)
	assert.Equal(t, "prod_dev.customers.pii_row_filter", policies[0].FunctionRef)

	// (c) second reconcile is a no-op.
	report, err = rc.Reconcile(ctx, catalog)
	require.NoError(t, err)
	for _, res := range report.Results {
		assert.Equal(t, OpSkip, res.Operation, "%s should be compliant", res.ResourceName)
	}
}

// S6: time-bounded access expires.
func TestScenario_TimeBoundGrantExpires(t *testing.T) {
	mem := memory.New()
	ctx := context.Background()

	_, err := mem.CreateResource(ctx, domain.TypeSchema, domain.Params{"name": "s"})
	require.NoError(t, err)

	bob := domain.NewUser("bob")
	req, err := domain.SubmitAccessRequest(bob, domain.TypeSchema, "s", []domain.Privilege{domain.PrivUseSchema}, "temp access", time.Hour)
	require.NoError(t, err)
	grantedAt := time.Now().Add(-2 * time.Hour)
	grant, err := req.Approve(domain.NewUser("carol"), grantedAt)
	require.NoError(t, err)

	schema := domain.NewSchema("s")
	schema.TimeBoundGrants = []domain.TimeBoundGrant{*grant}

	// Before expiry the grant is declared and applied.
	restore := timeNow
	timeNow = func() time.Time { return grantedAt.Add(30 * time.Minute) }
	rc := newTestReconciler(t, mem, Options{AllowUserGrants: true})
	_, err = rc.Reconcile(ctx, schema)
	require.NoError(t, err)
	grants, err := mem.GetGrants(ctx, domain.TypeSchema, "s")
	require.NoError(t, err)
	require.Len(t, grants, 1)

	// After expiry the reconciler revokes and the request transitions.
	timeNow = restore
	rc2 := newTestReconciler(t, mem, Options{AllowUserGrants: true})
	rc2.RegisterAccessRequests([]*domain.AccessRequest{req})
	_, err = rc2.Reconcile(ctx, schema)
	require.NoError(t, err)

	grants, err = mem.GetGrants(ctx, domain.TypeSchema, "s")
	require.NoError(t, err)
	assert.Empty(t, grants)
	assert.Equal(t, domain.RequestExpired, req.Status)
}

// S7: dry-run makes no mutations.
func TestScenario_DryRunMutatesNothing(t *testing.T) {
	mem := memory.New()
	ctx := context.Background()

	catalog := domain.NewCatalog("analytics")
	schema := domain.NewSchema("reports")
	require.NoError(t, domain.AttachChild(catalog, schema))

	rc := newTestReconciler(t, mem, Options{DryRun: true})
	report, err := rc.Reconcile(ctx, catalog)
	require.NoError(t, err)
	for _, res := range report.Results {
		assert.Equal(t, OpDryRun, res.Operation)
		assert.True(t, res.Success)
	}

	_, err = mem.GetResource(ctx, domain.TypeCatalog, "analytics_dev")
	assert.True(t, backend.IsNotFound(err), "dry-run must not create anything")
	assert.Empty(t, mem.Statements())
}

// Property 4: reconcile twice, second run is all no-ops.
func TestReconcile_Idempotent(t *testing.T) {
	mem := memory.New()
	ctx := context.Background()

	catalog := domain.NewCatalog("c")
	schema := domain.NewSchema("s")
	table := domain.NewTable("t", domain.TableSpec{
		Columns:   []domain.Column{{Name: "id", Type: "BIGINT"}, {Name: "region", Type: "STRING"}},
		RowFilter: &domain.RowFilterSpec{FunctionName: "c_dev.s.region_filter", InputColumns: []string{"region"}},
		ColumnMasks: []domain.ColumnMaskSpec{
			{ColumnName: "region", FunctionName: "c_dev.s.mask_region"},
		},
	})
	filterFn := domain.NewFunction("region_filter", domain.FunctionSpec{
		Definition: "region = 'emea'", ReturnType: "BOOLEAN", IsRowFilter: true,
	})
	maskFn := domain.NewFunction("mask_region", domain.FunctionSpec{
		Definition: "'***'", ReturnType: "STRING", IsColumnMask: true,
	})
	require.NoError(t, domain.AttachChild(catalog, schema))
	require.NoError(t, domain.AttachChild(schema, table))
	require.NoError(t, domain.AttachChild(schema, filterFn))
	require.NoError(t, domain.AttachChild(schema, maskFn))
	require.NoError(t, schema.Grant(domain.NewGroup("readers"), domain.PrivUseSchema))

	rc := newTestReconciler(t, mem, Options{})
	first, err := rc.Reconcile(ctx, catalog)
	require.NoError(t, err)
	assert.Equal(t, 0, first.ExitStatus())

	ext, err := mem.DescribeTableExtended(ctx, "c_dev.s.t")
	require.NoError(t, err)
	assert.Equal(t, "c_dev.s.region_filter", ext.RowFilter)
	assert.Equal(t, "c_dev.s.mask_region", ext.ColumnMasks["region"])

	second, err := rc.Reconcile(ctx, catalog)
	require.NoError(t, err)
	for _, res := range second.Results {
		assert.Equal(t, OpSkip, res.Operation, "%s drifted on second run", res.ResourceName)
		assert.Empty(t, res.ChangesApplied)
	}
}

// Property 5: changes applied equals the diff the differ computed.
func TestReconcile_AppliedMatchesPlanned(t *testing.T) {
	mem := memory.New()
	ctx := context.Background()
	seedTable(t, mem)

	catalog, table := declaredTableTree(t)
	table.AddTag("team", "quant")
	table.Comment = "orders"

	rc := newTestReconciler(t, mem, Options{})
	planned, err := rc.exec.Diff(ctx, table)
	require.NoError(t, err)
	require.False(t, planned.Empty())

	rc2 := newTestReconciler(t, mem, Options{})
	report, err := rc2.Reconcile(ctx, catalog)
	require.NoError(t, err)

	var applied []Change
	for _, res := range report.Results {
		if res.ResourceName == "c_dev.s.t" {
			applied = append(applied, res.ChangesApplied...)
		}
	}
	assert.ElementsMatch(t, planned.Changes, applied)
}

func TestReconcile_CancellationMarksNotAttempted(t *testing.T) {
	mem := memory.New()
	catalog := domain.NewCatalog("c")
	require.NoError(t, domain.AttachChild(catalog, domain.NewSchema("s")))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rc := newTestReconciler(t, mem, Options{})
	report, err := rc.Reconcile(ctx, catalog)
	require.NoError(t, err)
	require.Len(t, report.Results, 2)
	for _, res := range report.Results {
		assert.Equal(t, OpNotAttempted, res.Operation)
	}
}

func TestReconcile_ContinueOnError(t *testing.T) {
	mem := memory.New()
	ctx := context.Background()

	catalog := domain.NewCatalog("c")
	// A reference schema that does not exist: reported, not created.
	missing := domain.NewReference(domain.TypeSchema, "external_schema")
	require.NoError(t, domain.AttachChild(catalog, missing))
	require.NoError(t, domain.AttachChild(catalog, domain.NewSchema("s")))

	rc := newTestReconciler(t, mem, Options{ContinueOnError: true})
	report, err := rc.Reconcile(ctx, catalog)
	require.NoError(t, err)

	_, err = mem.GetResource(ctx, domain.TypeSchema, "c_dev.s")
	require.NoError(t, err, "sibling still reconciled")
	assert.GreaterOrEqual(t, len(report.Results), 3)
}

func TestReconcile_AbortStopsSubtree(t *testing.T) {
	mem := memory.New()
	mem.FailWith = backend.Errorf(backend.CodePermissionDenied, "nope")
	ctx := context.Background()

	catalog := domain.NewCatalog("c")
	require.NoError(t, domain.AttachChild(catalog, domain.NewSchema("s")))

	rc := newTestReconciler(t, mem, Options{MaxRetries: 1})
	report, err := rc.Reconcile(ctx, catalog)
	require.NoError(t, err)
	assert.Equal(t, 2, report.ExitStatus())

	require.Len(t, report.Results, 2)
	assert.Equal(t, OpError, report.Results[0].Operation)
	assert.Equal(t, OpNotAttempted, report.Results[1].Operation)
}

func TestDeployAll_IndependentRoots(t *testing.T) {
	mem := memory.New()
	ctx := context.Background()

	cred := domain.NewStorageCredential("lake", domain.StorageCredentialSpec{
		Provider: domain.CredentialAWS, RoleARN: "arn:aws:iam::1:role/lake",
	})
	catalog := domain.NewCatalog("analytics")

	rc := New(mem, mem, Options{Concurrency: 4}, nil)
	report, err := rc.DeployAll(ctx, []*domain.Resource{cred, catalog})
	require.NoError(t, err)
	assert.Equal(t, 0, report.ExitStatus())

	_, err = mem.GetResource(ctx, domain.TypeStorageCredential, "lake_dev")
	require.NoError(t, err)
	_, err = mem.GetResource(ctx, domain.TypeCatalog, "analytics_dev")
	require.NoError(t, err)
}

func TestDetectDrift_UnmanagedReportedNotMutated(t *testing.T) {
	mem := memory.New()
	ctx := context.Background()
	seedTable(t, mem)
	// An extra table nobody declared.
	_, err := mem.CreateResource(ctx, domain.TypeTable, domain.Params{
		"name": "rogue", "parent": "c_dev.s", "table_type": "MANAGED",
	})
	require.NoError(t, err)

	catalog, _ := declaredTableTree(t)
	rc := newTestReconciler(t, mem, Options{})
	drift, err := rc.DetectDrift(ctx, []*domain.Resource{catalog})
	require.NoError(t, err)

	require.Len(t, drift.Unmanaged, 1)
	assert.Equal(t, "c_dev.s.rogue", drift.Unmanaged[0].ResourceName)

	// Default run leaves it alone.
	_, err = rc.Reconcile(ctx, catalog)
	require.NoError(t, err)
	_, err = mem.GetResource(ctx, domain.TypeTable, "c_dev.s.rogue")
	require.NoError(t, err)

	// DeleteUnmanaged without the opt-in is a no-op.
	report := rc.DeleteUnmanaged(ctx, drift.Unmanaged)
	assert.Empty(t, report.Results)

	// With the opt-in it removes the rogue table.
	rc2 := newTestReconciler(t, mem, Options{DeleteUnmanaged: true})
	report = rc2.DeleteUnmanaged(ctx, drift.Unmanaged)
	require.Len(t, report.Results, 1)
	assert.True(t, report.Results[0].Success)
	_, err = mem.GetResource(ctx, domain.TypeTable, "c_dev.s.rogue")
	assert.True(t, backend.IsNotFound(err))
}

func TestValidate_RowFilterConflictWithPolicy(t *testing.T) {
	catalog := domain.NewCatalog("c")
	schema := domain.NewSchema("s")
	table := domain.NewTable("t", domain.TableSpec{
		Columns:   []domain.Column{{Name: "id", Type: "BIGINT"}},
		RowFilter: &domain.RowFilterSpec{FunctionName: "c_dev.s.f", InputColumns: []string{"id"}},
	})
	table.AddTag("pii", "true")
	require.NoError(t, domain.AttachChild(catalog, schema))
	require.NoError(t, domain.AttachChild(schema, table))
	schema.ABACPolicies = []domain.ABACPolicy{{
		Name:            "hide_pii",
		PolicyType:      domain.ABACRowFilter,
		FunctionRef:     "c_dev.s.f",
		MatchConditions: []domain.MatchCondition{{TagKey: "pii", TagValue: "true"}},
	}}

	rc := newTestReconciler(t, memory.New(), Options{})
	errs, _ := rc.Validate(catalog)
	require.NotEmpty(t, errs)
	var ve *domain.ValidationError
	require.ErrorAs(t, errs[0], &ve)
	assert.Equal(t, "single_row_filter", ve.Rule)
}

func TestValidate_UserGrantAdvisory(t *testing.T) {
	schema := domain.NewSchema("s")
	require.NoError(t, schema.Grant(domain.NewUser("alice"), domain.PrivUseSchema))

	rc := newTestReconciler(t, memory.New(), Options{})
	errs, advisories := rc.Validate(schema)
	assert.Empty(t, errs)
	require.Len(t, advisories, 1)
	assert.Contains(t, advisories[0], "alice")

	rc2 := newTestReconciler(t, memory.New(), Options{AllowUserGrants: true})
	_, advisories = rc2.Validate(schema)
	assert.Empty(t, advisories)
}

func TestReconcile_IsolationAfterBindings(t *testing.T) {
	mem := memory.New()
	ctx := context.Background()

	catalog := domain.NewCatalog("c")
	catalog.IsolationMode = domain.IsolationIsolated
	catalog.WorkspaceBindings = []domain.WorkspaceBinding{
		{WorkspaceID: "123", BindingType: domain.BindingReadWrite},
	}

	rc := newTestReconciler(t, mem, Options{})
	report, err := rc.Reconcile(ctx, catalog)
	require.NoError(t, err)
	// The memory backend rejects ISOLATED before bindings exist, so success
	// proves the ordering.
	assert.Equal(t, 0, report.ExitStatus())

	info, err := mem.GetResource(ctx, domain.TypeCatalog, "c_dev")
	require.NoError(t, err)
	assert.Equal(t, string(domain.IsolationIsolated), info.IsolationMode)
}

func TestReconcile_RetriesTransientErrors(t *testing.T) {
	mem := memory.New()
	ctx := context.Background()

	// The backend fails every call with a transient error: each call is
	// retried (MaxRetries 1), still fails, and the run records an error.
	catalog := domain.NewCatalog("c")
	mem.FailWith = backend.Errorf(backend.CodeUnavailable, "502")

	rc := newTestReconciler(t, mem, Options{MaxRetries: 1})
	report, err := rc.Reconcile(ctx, catalog)
	require.NoError(t, err)
	assert.Equal(t, 2, report.ExitStatus())
	require.Len(t, report.Results, 1)
	assert.Equal(t, OpError, report.Results[0].Operation)
}
