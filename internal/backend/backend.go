// Package backend defines the two interfaces the engine drives: the catalog
// control-plane client and the SQL executor. The engine depends on these
// interfaces only and is decoupled from any concrete SDK or warehouse.
package backend

import (
	"context"

	"brickkit/internal/domain"
)

// ResourceInfo is the normalized record a CatalogClient returns for any
// securable. Type-specific scalar fields live in Properties under the same
// keys CreateParams produces; backend-only fields (ids, timestamps) are not
// part of the record and never diffed.
type ResourceInfo struct {
	Type          domain.ResourceType
	Name          string // leaf name
	FullName      string // FQN
	Owner         string
	Comment       string
	Properties    map[string]string
	Columns       []domain.Column
	IsolationMode string
}

// GrantRecord is one (principal, privilege) pair as the backend reports it.
type GrantRecord struct {
	Principal string
	Privilege string
}

// GrantsUpdate applies grant changes; additions are applied before removals.
type GrantsUpdate struct {
	Add    []GrantRecord
	Remove []GrantRecord
}

// TagRecord is a tag assignment as the backend reports it.
type TagRecord struct {
	Key   string
	Value string
}

// BindingRecord is a workspace binding as the backend reports it.
type BindingRecord struct {
	WorkspaceID string
	BindingType string
}

// BindingsUpdate applies workspace binding changes.
type BindingsUpdate struct {
	Add    []BindingRecord
	Remove []BindingRecord
}

// PolicyInfo is an ABAC policy as the backend reports it, keyed by container
// FQN plus policy name.
type PolicyInfo struct {
	Name             string
	PolicyType       string // row_filter or column_mask
	FunctionRef      string
	TargetPrincipals []string
	ExceptPrincipals []string
	MatchConditions  []domain.MatchCondition
	TargetColumn     string
	Comment          string
}

// PermissionRecord is an object-level ACL entry on a compute-adjacent asset
// (space, vector endpoint).
type PermissionRecord struct {
	Principal       string
	PermissionLevel string
}

// CatalogClient is the control-plane interface. Operations are uniform over
// the resource type: the engine dispatches on domain.ResourceType at the
// executor boundary, so the client needs no per-type method families.
//
// Every operation returns a structured record or a *Error. Implementations
// must be safe for concurrent use by the engine's workers.
type CatalogClient interface {
	// GetResource fetches a securable by FQN. Absence is reported as a
	// *Error with CodeNotFound.
	GetResource(ctx context.Context, t domain.ResourceType, fqn string) (*ResourceInfo, error)
	CreateResource(ctx context.Context, t domain.ResourceType, params domain.Params) (*ResourceInfo, error)
	UpdateResource(ctx context.Context, t domain.ResourceType, fqn string, params domain.Params) (*ResourceInfo, error)
	DeleteResource(ctx context.Context, t domain.ResourceType, fqn string) error
	// ListResources lists children of a container (catalogs of the
	// metastore when parentFQN is empty).
	ListResources(ctx context.Context, t domain.ResourceType, parentFQN string) ([]ResourceInfo, error)

	SetOwner(ctx context.Context, t domain.ResourceType, fqn, owner string) error

	GetGrants(ctx context.Context, t domain.ResourceType, fqn string) ([]GrantRecord, error)
	UpdateGrants(ctx context.Context, t domain.ResourceType, fqn string, update GrantsUpdate) error

	ListTags(ctx context.Context, t domain.ResourceType, fqn string) ([]TagRecord, error)
	SetTag(ctx context.Context, t domain.ResourceType, fqn string, tag TagRecord) error
	RemoveTag(ctx context.Context, t domain.ResourceType, fqn, key string) error

	SetIsolationMode(ctx context.Context, t domain.ResourceType, fqn, mode string) error
	GetWorkspaceBindings(ctx context.Context, t domain.ResourceType, fqn string) ([]BindingRecord, error)
	UpdateWorkspaceBindings(ctx context.Context, t domain.ResourceType, fqn string, update BindingsUpdate) error

	ListPolicies(ctx context.Context, containerFQN string) ([]PolicyInfo, error)
	CreatePolicy(ctx context.Context, containerFQN string, policy PolicyInfo) error
	UpdatePolicy(ctx context.Context, containerFQN string, policy PolicyInfo) error
	DeletePolicy(ctx context.Context, containerFQN, name string) error

	GetPermissions(ctx context.Context, t domain.ResourceType, fqn string) ([]PermissionRecord, error)
	SetPermissions(ctx context.Context, t domain.ResourceType, fqn string, perms []PermissionRecord) error
}

// Rows is a minimal SQL result set.
type Rows struct {
	Columns []string
	Rows    [][]string
}

// TableExtended carries the table state only SQL exposes: row filter and
// column mask references plus free-form properties.
type TableExtended struct {
	RowFilter   string            // FQN of the filter function, empty when none
	ColumnMasks map[string]string // column name -> mask function FQN
	Properties  map[string]string
}

// FunctionDetail carries the function state only SQL exposes.
type FunctionDetail struct {
	Language   string
	ReturnType string
	Parameters []domain.FunctionParameter
	Body       string
}

// SQLExecutor is the warehouse interface. It is used where the control plane
// has no fit-for-purpose operation: table DDL, function bodies, ABAC policy
// SQL, row filters, and column masks.
type SQLExecutor interface {
	Execute(ctx context.Context, sql string) (*Rows, error)
	DescribeTableExtended(ctx context.Context, fqn string) (*TableExtended, error)
	DescribeFunction(ctx context.Context, fqn string) (*FunctionDetail, error)
}
