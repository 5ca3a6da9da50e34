package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestABACPolicy_Validate(t *testing.T) {
	p := ABACPolicy{
		Name:        "hide_pii_rows",
		PolicyType:  ABACRowFilter,
		FunctionRef: "prod.governance.pii_row_filter",
		MatchConditions: []MatchCondition{
			{TagKey: "pii", TagValue: "true"},
		},
	}
	require.NoError(t, p.Validate())

	p.TargetColumn = "email"
	require.Error(t, p.Validate(), "row filters cannot name a column")

	mask := ABACPolicy{
		Name:        "mask_email",
		PolicyType:  ABACColumnMask,
		FunctionRef: "prod.governance.mask",
	}
	require.Error(t, mask.Validate(), "masks require a target column")
	mask.TargetColumn = "email"
	require.NoError(t, mask.Validate())
}

func TestABACPolicy_TooManyConditions(t *testing.T) {
	p := ABACPolicy{
		Name:        "p",
		PolicyType:  ABACRowFilter,
		FunctionRef: "f",
		MatchConditions: []MatchCondition{
			{TagKey: "a"}, {TagKey: "b"}, {TagKey: "c"}, {TagKey: "d"},
		},
	}
	require.Error(t, p.Validate())
}

func TestABACPolicy_Matches(t *testing.T) {
	schema := NewSchema("customers")
	table := NewTable("profiles", TableSpec{})
	require.NoError(t, AttachChild(NewCatalog("prod"), schema))
	require.NoError(t, AttachChild(schema, table))
	table.AddTag("pii", "true")

	p := ABACPolicy{
		Name:            "hide_pii_rows",
		PolicyType:      ABACRowFilter,
		FunctionRef:     "f",
		MatchConditions: []MatchCondition{{TagKey: "pii", TagValue: "true"}},
	}
	assert.True(t, p.Matches(table))
	assert.False(t, p.Matches(schema))

	// Key-only condition matches any value.
	anyVal := ABACPolicy{
		Name:            "tagged",
		PolicyType:      ABACRowFilter,
		FunctionRef:     "f",
		MatchConditions: []MatchCondition{{TagKey: "pii"}},
	}
	assert.True(t, anyVal.Matches(table))
}
