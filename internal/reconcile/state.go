// Package reconcile implements the engine core: observed-state reading,
// declared-vs-observed diffing, drift classification, and ordered idempotent
// application of changes through the catalog and SQL backends.
package reconcile

import (
	"brickkit/internal/backend"
	"brickkit/internal/domain"
)

// StateRecord is the normalized observed state of one resource. Backend-only
// fields (internal ids, timestamps) are deliberately absent; they are never
// compared.
type StateRecord struct {
	// Exists is false when the backend reported not-found. Absence is not
	// an error at this level.
	Exists bool

	// Partial marks a record whose read was degraded by permission errors;
	// the differ must not treat its missing fields as absent.
	Partial bool

	Type     domain.ResourceType
	Name     string
	FullName string
	Owner    string
	Comment  string

	Tags       map[string]string
	Grants     []backend.GrantRecord
	Properties map[string]string
	Columns    []domain.Column

	// SQL-sourced fields for tables.
	RowFilter   string
	ColumnMasks map[string]string

	// Container-level state.
	Policies      []backend.PolicyInfo
	IsolationMode string
	Bindings      []backend.BindingRecord
}

// GrantSet converts the record's grants into a (principal, privilege) set.
func (s *StateRecord) GrantSet() map[backend.GrantRecord]bool {
	set := make(map[backend.GrantRecord]bool, len(s.Grants))
	for _, g := range s.Grants {
		set[g] = true
	}
	return set
}
