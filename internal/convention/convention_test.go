package convention

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"brickkit/internal/domain"
)

func TestMain(m *testing.M) {
	domain.SetEnvironment(domain.EnvDev)
	os.Exit(m.Run())
}

func testConvention() *Convention {
	owner := domain.NewServicePrincipal("platform_spn")
	return &Convention{
		ConventionName: "finance_standards",
		DefaultTags: []TagDefault{
			{Key: "managed_by", Value: "brickkit"},
			{Key: "compliance", Value: "sox", AppliesTo: []domain.ResourceType{domain.TypeCatalog, domain.TypeSchema}},
		},
		RequiredTags: []RequiredTag{
			{Key: "data_owner", AppliesTo: []domain.ResourceType{domain.TypeTable}},
		},
		DefaultOwnerFallback: &owner,
	}
}

func buildTree(t *testing.T) (*domain.Resource, *domain.Resource, *domain.Resource) {
	t.Helper()
	catalog := domain.NewCatalog("analytics")
	schema := domain.NewSchema("reports")
	table := domain.NewTable("orders", domain.TableSpec{})
	require.NoError(t, domain.AttachChild(catalog, schema))
	require.NoError(t, domain.AttachChild(schema, table))
	return catalog, schema, table
}

func TestConvention_ApplyTo_Defaults(t *testing.T) {
	catalog, schema, table := buildTree(t)
	c := testConvention()
	require.NoError(t, c.ApplyTo(catalog))

	assert.True(t, catalog.HasTag("managed_by", "brickkit"))
	assert.True(t, schema.HasTag("compliance", "sox"))
	// compliance is scoped to catalog/schema; the table inherits it but does
	// not declare it.
	for _, tag := range table.Tags {
		assert.NotEqual(t, "compliance", tag.Key)
	}

	require.NotNil(t, catalog.Owner)
	assert.Equal(t, "platform_spn_dev", catalog.Owner.ResolvedName())
}

func TestConvention_ApplyTo_PreservesExistingTags(t *testing.T) {
	catalog, _, _ := buildTree(t)
	catalog.AddTag("managed_by", "terraform")
	require.NoError(t, testConvention().ApplyTo(catalog))
	assert.True(t, catalog.HasTag("managed_by", "terraform"))
}

func TestConvention_ApplyTo_Idempotent(t *testing.T) {
	catalog, _, _ := buildTree(t)
	c := testConvention()
	require.NoError(t, c.ApplyTo(catalog))
	before := append([]domain.Tag(nil), catalog.Tags...)
	require.NoError(t, c.ApplyTo(catalog))
	assert.Equal(t, before, catalog.Tags)
}

func TestConvention_AttachChild_AutoApplies(t *testing.T) {
	catalog, schema, _ := buildTree(t)
	require.NoError(t, testConvention().ApplyTo(catalog))

	volume := domain.NewVolume("raw", domain.VolumeSpec{})
	require.NoError(t, domain.AttachChild(schema, volume))
	assert.True(t, volume.HasTag("managed_by", "brickkit"))
	assert.NotNil(t, volume.Convention())
}

func TestConvention_Validate_RequiredTags(t *testing.T) {
	catalog, _, table := buildTree(t)
	c := testConvention()
	require.NoError(t, c.ApplyTo(catalog))

	violations := c.Validate(catalog)
	require.Len(t, violations, 1)
	assert.Equal(t, "require_tags", violations[0].Rule)
	assert.Contains(t, violations[0].Detail, "data_owner")
	assert.Equal(t, ModeEnforced, violations[0].Severity)

	table.AddTag("data_owner", "quant")
	assert.Empty(t, c.Validate(catalog))
}

func TestConvention_Validate_Stable(t *testing.T) {
	catalog, _, _ := buildTree(t)
	c := testConvention()
	require.NoError(t, c.ApplyTo(catalog))
	first := c.Validate(catalog)
	second := c.Validate(catalog)
	assert.Equal(t, first, second)
}

func TestConvention_Validate_CatalogSPOwnerRule(t *testing.T) {
	catalog, _, _ := buildTree(t)
	owner := domain.NewUser("alice")
	catalog.Owner = &owner

	c := &Convention{
		ConventionName: "strict",
		Rules: []RuleSpec{
			{Rule: "catalog_must_have_sp_owner", Mode: ModeEnforced},
		},
	}
	violations := c.Validate(catalog)
	require.NotEmpty(t, violations)
	assert.Equal(t, "catalog_must_have_sp_owner", violations[0].Rule)

	errs := Errors(violations)
	require.NotEmpty(t, errs)
	assert.IsType(t, &domain.ValidationError{}, errs[0])
}

func TestConvention_Validate_AdvisoryMode(t *testing.T) {
	catalog, _, _ := buildTree(t)
	owner := domain.NewUser("alice")
	catalog.Owner = &owner

	c := &Convention{
		ConventionName: "lenient",
		Rules: []RuleSpec{
			{Rule: "owner_must_be_sp_or_group", Mode: ModeAdvisory},
		},
	}
	violations := c.Validate(catalog)
	require.NotEmpty(t, violations)
	assert.Equal(t, ModeAdvisory, violations[0].Severity)
	assert.Empty(t, Errors(violations), "advisory violations are not errors")
}

func TestConvention_TagOverridesPerEnvironment(t *testing.T) {
	c := &Convention{
		ConventionName: "env_aware",
		DefaultTags: []TagDefault{
			{Key: "environment", Value: "non_prod", PerEnvValue: map[domain.Environment]string{domain.EnvPrd: "production"}},
		},
	}
	assert.Equal(t, "non_prod", c.DefaultTags[0].ValueFor(domain.EnvDev))
	assert.Equal(t, "production", c.DefaultTags[0].ValueFor(domain.EnvPrd))
}

func TestRulesRegistry_CustomRule(t *testing.T) {
	reg := NewRulesRegistry()
	require.NoError(t, reg.Register(RuleDefinition{
		RuleName: "comment_required",
		Check: func(r *domain.Resource, _ *Convention, _ RuleSpec) []Violation {
			if r.Comment == "" {
				return []Violation{{Rule: "comment_required", Resource: r.FQN(), Detail: "missing comment"}}
			}
			return nil
		},
	}))
	assert.True(t, reg.Has("comment_required"))
	assert.Contains(t, reg.List(), "comment_required")

	catalog := domain.NewCatalog("c")
	c := (&Convention{
		ConventionName: "custom",
		Rules:          []RuleSpec{{Rule: "comment_required", Mode: ModeEnforced}},
	}).WithRegistry(reg)
	assert.Len(t, c.Validate(catalog), 1)
}
