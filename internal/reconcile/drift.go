package reconcile

import (
	"strings"
	"time"

	"brickkit/internal/domain"
)

// Severity classifies how much a drift entry matters.
type Severity string

// Drift severities.
const (
	SeverityCritical Severity = "critical"
	SeverityWarning  Severity = "warning"
	SeverityInfo     Severity = "info"
)

// DriftEntry is one drifted resource with its classified changes.
type DriftEntry struct {
	ResourceType domain.ResourceType
	ResourceName string
	Severity     Severity
	Changes      []Change
}

// UnmanagedEntry is an observed resource with no declaration. Unmanaged
// resources are reported, never mutated, unless the caller opts in.
type UnmanagedEntry struct {
	ResourceType domain.ResourceType
	ResourceName string
}

// DriftReport is the engine's classification of a full detection pass.
type DriftReport struct {
	Timestamp   time.Time
	Environment domain.Environment
	Drifted     []DriftEntry
	Missing     []DriftEntry
	Unmanaged   []UnmanagedEntry
	Compliant   []string // FQNs
}

// HasDrift reports whether anything is out of line.
func (r *DriftReport) HasDrift() bool {
	return len(r.Drifted) > 0 || len(r.Missing) > 0
}

// securitySensitiveTags are tag keys whose drift is critical rather than
// informational. The set is fixed; conventions do not change it.
var securitySensitiveTags = map[string]bool{
	"pii":            true,
	"classification": true,
	"sensitivity":    true,
}

// ClassifyChange maps one field-level change to a severity:
// security-impactful fields (grants, row filters, column masks, isolation,
// owner on tier-1 models) are critical; required-tag and policy gaps are
// warnings; comments and plain tags are informational.
func ClassifyChange(r *domain.Resource, c Change) Severity {
	field := c.FieldPath
	switch {
	case strings.HasPrefix(field, "grants."),
		field == "row_filter",
		strings.HasPrefix(field, "column_masks."),
		field == "isolation_mode",
		strings.HasPrefix(field, "workspace_bindings."):
		return SeverityCritical
	case strings.HasPrefix(field, "abac_policies."):
		// A missing convention-mandated policy is a warning; removing an
		// extra one is informational.
		if c.Action == ActionAdd {
			return SeverityWarning
		}
		return SeverityInfo
	case field == "owner":
		if spec, ok := r.Spec.(*domain.ModelSpec); ok && spec.Tier == domain.ModelTier1 {
			return SeverityCritical
		}
		return SeverityWarning
	case strings.HasPrefix(field, "tags."):
		key := strings.TrimPrefix(field, "tags.")
		if securitySensitiveTags[key] {
			return SeverityCritical
		}
		if isRequiredTag(r, key) {
			return SeverityWarning
		}
		return SeverityInfo
	case field == "comment":
		return SeverityInfo
	default:
		return SeverityInfo
	}
}

func isRequiredTag(r *domain.Resource, key string) bool {
	c, ok := conventionOf(r)
	if !ok {
		return false
	}
	for _, req := range c.RequiredTags {
		if req.Key == key && requiredAppliesTo(req, r.Type) {
			return true
		}
	}
	return false
}

// classifyDiff reduces a diff to the highest severity among its changes.
func classifyDiff(r *domain.Resource, d *Diff) Severity {
	severity := SeverityInfo
	for _, c := range d.Changes {
		switch ClassifyChange(r, c) {
		case SeverityCritical:
			return SeverityCritical
		case SeverityWarning:
			severity = SeverityWarning
		}
	}
	return severity
}
