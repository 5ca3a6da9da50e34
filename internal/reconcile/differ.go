package reconcile

import (
	"fmt"
	"sort"
	"time"

	"brickkit/internal/backend"
	"brickkit/internal/convention"
	"brickkit/internal/domain"
)

// timeNow is swapped by tests exercising time-bounded grants.
var timeNow = time.Now

// ChangeAction is the kind of a single field-level change.
type ChangeAction string

// Change actions.
const (
	ActionAdd    ChangeAction = "add"
	ActionRemove ChangeAction = "remove"
	ActionModify ChangeAction = "modify"
)

// Change is one field-level difference between declared and observed state.
type Change struct {
	FieldPath string
	Declared  string
	Observed  string
	Action    ChangeAction
}

// Diff is the full field-level comparison for one resource. Empty Changes
// with Missing false means compliant.
type Diff struct {
	ResourceType domain.ResourceType
	ResourceName string // FQN
	// Missing is set when the resource is declared but observed absent.
	Missing bool
	// Partial is carried over from the state record: the observed read was
	// degraded and absent fields must not be treated as drift.
	Partial bool
	Changes []Change
}

// Empty reports whether the diff calls for no work.
func (d *Diff) Empty() bool { return !d.Missing && len(d.Changes) == 0 }

// HasChange reports whether a change exists whose field path has the prefix.
func (d *Diff) HasChange(prefix string) bool {
	for _, c := range d.Changes {
		if c.FieldPath == prefix || (len(c.FieldPath) > len(prefix) && c.FieldPath[:len(prefix)+1] == prefix+".") {
			return true
		}
	}
	return false
}

// ComputeDiff compares a declared resource to its observed record. The
// convention attached to the resource contributes required tags: one the
// resource does not declare takes its observed value when the backend has
// it. A required tag missing from both declared and observed state produces
// no change, since there is no value to apply.
func ComputeDiff(r *domain.Resource, observed *StateRecord) *Diff {
	d := &Diff{
		ResourceType: r.Type,
		ResourceName: r.FQN(),
	}
	if observed == nil || !observed.Exists {
		d.Missing = !r.IsReference
		// A reference to an absent resource is surfaced as a missing
		// dependency rather than a create.
		if r.IsReference {
			d.Changes = append(d.Changes, Change{
				FieldPath: "reference",
				Declared:  r.FQN(),
				Observed:  "",
				Action:    ActionAdd,
			})
		}
		return d
	}
	d.Partial = observed.Partial

	diffScalar(d, "owner", declaredOwner(r), observed.Owner)
	diffScalar(d, "comment", r.Comment, observed.Comment)
	diffTags(d, r, observed)
	diffGrants(d, r, observed)
	diffIsolation(d, r, observed)
	diffBindings(d, r, observed)
	diffTypeSpecific(d, r, observed)
	diffPolicies(d, r, observed)

	sort.SliceStable(d.Changes, func(i, j int) bool {
		return d.Changes[i].FieldPath < d.Changes[j].FieldPath
	})
	return d
}

// conventionOf recovers the typed convention from the domain-level
// reference, when one is attached.
func conventionOf(r *domain.Resource) (*convention.Convention, bool) {
	c, ok := r.Convention().(*convention.Convention)
	return c, ok && c != nil
}

func declaredOwner(r *domain.Resource) string {
	if owner := r.EffectiveOwner(); owner != nil {
		return owner.ResolvedName()
	}
	return ""
}

func diffScalar(d *Diff, field, declared, observed string) {
	if declared == "" && d.Partial {
		return
	}
	if declared == "" && observed == "" {
		return
	}
	if declared == "" {
		// The engine does not erase fields it does not declare.
		return
	}
	if declared != observed {
		d.Changes = append(d.Changes, Change{FieldPath: field, Declared: declared, Observed: observed, Action: ActionModify})
	}
}

// diffTags compares the declared effective tag set (convention defaults are
// already applied; an undeclared required tag counts as declared with its
// observed value) against observed tags.
func diffTags(d *Diff, r *domain.Resource, observed *StateRecord) {
	declared := map[string]string{}
	for _, t := range r.EffectiveTags() {
		declared[t.Key] = t.Value
	}
	// Required tag keys are declared obligations even when the user forgot
	// them. An observed value meets the obligation and is kept; a key absent
	// from both sides has no value to fill in and yields no change here (the
	// convention validator rejects the tree earlier when enforced).
	if c, ok := r.Convention().(*convention.Convention); ok && c != nil {
		for _, req := range c.RequiredTags {
			if !requiredAppliesTo(req, r.Type) {
				continue
			}
			if _, have := declared[req.Key]; !have {
				if v, inObserved := observed.Tags[req.Key]; inObserved {
					// Keep the observed value; the obligation is met.
					declared[req.Key] = v
				}
			}
		}
	}

	keys := map[string]bool{}
	for k := range declared {
		keys[k] = true
	}
	for k := range observed.Tags {
		keys[k] = true
	}
	sorted := make([]string, 0, len(keys))
	for k := range keys {
		sorted = append(sorted, k)
	}
	sort.Strings(sorted)

	for _, k := range sorted {
		dv, dOK := declared[k]
		ov, oOK := observed.Tags[k]
		field := "tags." + k
		switch {
		case dOK && !oOK:
			d.Changes = append(d.Changes, Change{FieldPath: field, Declared: dv, Action: ActionAdd})
		case !dOK && oOK:
			d.Changes = append(d.Changes, Change{FieldPath: field, Observed: ov, Action: ActionRemove})
		case dv != ov:
			d.Changes = append(d.Changes, Change{FieldPath: field, Declared: dv, Observed: ov, Action: ActionModify})
		}
	}
}

func requiredAppliesTo(req convention.RequiredTag, t domain.ResourceType) bool {
	if len(req.AppliesTo) == 0 {
		return true
	}
	for _, s := range req.AppliesTo {
		if s == t {
			return true
		}
	}
	return false
}

// diffGrants compares grant sets pairwise on (resolved principal,
// privilege). Additions sort before removals so application order preserves
// the add-then-revoke guarantee.
func diffGrants(d *Diff, r *domain.Resource, observed *StateRecord) {
	declared := map[backend.GrantRecord]bool{}
	for _, g := range r.EffectiveGrants() {
		principal := g.Principal.ResolvedName()
		for _, p := range g.Privileges {
			declared[backend.GrantRecord{Principal: principal, Privilege: string(p)}] = true
		}
	}
	// Unexpired time-bound grants count as declared; expired ones drop out
	// of the declared set, so the pass below revokes them.
	now := timeNow()
	for _, tbg := range r.TimeBoundGrants {
		if tbg.Expired(now) {
			continue
		}
		principal := tbg.Principal.ResolvedName()
		for _, p := range tbg.Privileges {
			declared[backend.GrantRecord{Principal: principal, Privilege: string(p)}] = true
		}
	}
	observedSet := observed.GrantSet()

	var adds, removes []backend.GrantRecord
	for g := range declared {
		if !observedSet[g] {
			adds = append(adds, g)
		}
	}
	for g := range observedSet {
		if !declared[g] {
			removes = append(removes, g)
		}
	}
	sortGrantRecords(adds)
	sortGrantRecords(removes)

	for _, g := range adds {
		d.Changes = append(d.Changes, Change{
			FieldPath: fmt.Sprintf("grants.%s.%s", g.Principal, g.Privilege),
			Declared:  g.Privilege,
			Action:    ActionAdd,
		})
	}
	for _, g := range removes {
		d.Changes = append(d.Changes, Change{
			FieldPath: fmt.Sprintf("grants.%s.%s", g.Principal, g.Privilege),
			Observed:  g.Privilege,
			Action:    ActionRemove,
		})
	}
}

func sortGrantRecords(grants []backend.GrantRecord) {
	sort.Slice(grants, func(i, j int) bool {
		if grants[i].Principal != grants[j].Principal {
			return grants[i].Principal < grants[j].Principal
		}
		return grants[i].Privilege < grants[j].Privilege
	})
}

func diffIsolation(d *Diff, r *domain.Resource, observed *StateRecord) {
	if r.IsolationMode == domain.IsolationUnset {
		return
	}
	if string(r.IsolationMode) != observed.IsolationMode {
		d.Changes = append(d.Changes, Change{
			FieldPath: "isolation_mode",
			Declared:  string(r.IsolationMode),
			Observed:  observed.IsolationMode,
			Action:    ActionModify,
		})
	}
}

func diffBindings(d *Diff, r *domain.Resource, observed *StateRecord) {
	if len(r.WorkspaceBindings) == 0 && len(observed.Bindings) == 0 {
		return
	}
	declared := map[string]string{}
	for _, b := range r.WorkspaceBindings {
		declared[b.WorkspaceID] = string(b.BindingType)
	}
	observedMap := map[string]string{}
	for _, b := range observed.Bindings {
		observedMap[b.WorkspaceID] = b.BindingType
	}
	// Bindings are only managed when declared; an empty declaration leaves
	// observed bindings alone unless isolation is also declared OPEN.
	if len(declared) == 0 && r.IsolationMode != domain.IsolationOpen {
		return
	}

	ids := map[string]bool{}
	for id := range declared {
		ids[id] = true
	}
	for id := range observedMap {
		ids[id] = true
	}
	sorted := make([]string, 0, len(ids))
	for id := range ids {
		sorted = append(sorted, id)
	}
	sort.Strings(sorted)

	for _, id := range sorted {
		dv, dOK := declared[id]
		ov, oOK := observedMap[id]
		field := "workspace_bindings." + id
		switch {
		case dOK && !oOK:
			d.Changes = append(d.Changes, Change{FieldPath: field, Declared: dv, Action: ActionAdd})
		case !dOK && oOK:
			d.Changes = append(d.Changes, Change{FieldPath: field, Observed: ov, Action: ActionRemove})
		case dv != ov:
			d.Changes = append(d.Changes, Change{FieldPath: field, Declared: dv, Observed: ov, Action: ActionModify})
		}
	}
}

// diffTypeSpecific compares the scalar create-params fields and, for tables,
// the SQL-sourced row filter and column masks.
func diffTypeSpecific(d *Diff, r *domain.Resource, observed *StateRecord) {
	if spec, ok := r.Spec.(*domain.TableSpec); ok {
		declaredFilter := ""
		if spec.RowFilter != nil {
			declaredFilter = spec.RowFilter.FunctionName
		}
		if declaredFilter != observed.RowFilter {
			action := ActionModify
			switch {
			case declaredFilter == "":
				action = ActionRemove
			case observed.RowFilter == "":
				action = ActionAdd
			}
			d.Changes = append(d.Changes, Change{
				FieldPath: "row_filter",
				Declared:  declaredFilter,
				Observed:  observed.RowFilter,
				Action:    action,
			})
		}

		declaredMasks := map[string]string{}
		for _, m := range spec.ColumnMasks {
			declaredMasks[m.ColumnName] = m.FunctionName
		}
		cols := map[string]bool{}
		for c := range declaredMasks {
			cols[c] = true
		}
		for c := range observed.ColumnMasks {
			cols[c] = true
		}
		sorted := make([]string, 0, len(cols))
		for c := range cols {
			sorted = append(sorted, c)
		}
		sort.Strings(sorted)
		for _, col := range sorted {
			dv, dOK := declaredMasks[col]
			ov, oOK := observed.ColumnMasks[col]
			field := "column_masks." + col
			switch {
			case dOK && !oOK:
				d.Changes = append(d.Changes, Change{FieldPath: field, Declared: dv, Action: ActionAdd})
			case !dOK && oOK:
				d.Changes = append(d.Changes, Change{FieldPath: field, Observed: ov, Action: ActionRemove})
			case dv != ov:
				d.Changes = append(d.Changes, Change{FieldPath: field, Declared: dv, Observed: ov, Action: ActionModify})
			}
		}
	}

	params, err := r.CreateParams()
	if err != nil {
		return // references: metadata-only governance
	}
	skip := map[string]bool{
		"name": true, "parent": true, "owner": true, "comment": true,
		"columns": true, "storage_location": true,
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		if !skip[k] {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		declared := paramScalar(params[k])
		if declared == "" {
			continue
		}
		observedVal := observed.Properties[k]
		if declared != observedVal {
			d.Changes = append(d.Changes, Change{
				FieldPath: "properties." + k,
				Declared:  declared,
				Observed:  observedVal,
				Action:    ActionModify,
			})
		}
	}
}

func diffPolicies(d *Diff, r *domain.Resource, observed *StateRecord) {
	if len(r.ABACPolicies) == 0 && len(observed.Policies) == 0 {
		return
	}
	declared := map[string]domain.ABACPolicy{}
	for _, p := range r.ABACPolicies {
		declared[p.Name] = p
	}
	observedMap := map[string]backend.PolicyInfo{}
	for _, p := range observed.Policies {
		observedMap[p.Name] = p
	}

	names := map[string]bool{}
	for n := range declared {
		names[n] = true
	}
	for n := range observedMap {
		names[n] = true
	}
	sorted := make([]string, 0, len(names))
	for n := range names {
		sorted = append(sorted, n)
	}
	sort.Strings(sorted)

	for _, name := range sorted {
		dp, dOK := declared[name]
		op, oOK := observedMap[name]
		field := "abac_policies." + name
		switch {
		case dOK && !oOK:
			d.Changes = append(d.Changes, Change{FieldPath: field, Declared: dp.FunctionRef, Action: ActionAdd})
		case !dOK && oOK:
			d.Changes = append(d.Changes, Change{FieldPath: field, Observed: op.FunctionRef, Action: ActionRemove})
		default:
			if !policyEqual(dp, op) {
				// Replacement is expressed as remove + add in one run.
				d.Changes = append(d.Changes,
					Change{FieldPath: field, Observed: op.FunctionRef, Action: ActionRemove},
					Change{FieldPath: field, Declared: dp.FunctionRef, Action: ActionAdd},
				)
			}
		}
	}
}

func policyEqual(declared domain.ABACPolicy, observed backend.PolicyInfo) bool {
	if string(declared.PolicyType) != observed.PolicyType ||
		declared.FunctionRef != observed.FunctionRef ||
		declared.TargetColumn != observed.TargetColumn {
		return false
	}
	if len(declared.MatchConditions) != len(observed.MatchConditions) {
		return false
	}
	for i, c := range declared.MatchConditions {
		if observed.MatchConditions[i] != c {
			return false
		}
	}
	return true
}

func paramScalar(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case bool:
		if val {
			return "true"
		}
		return "false"
	case int:
		return fmt.Sprintf("%d", val)
	default:
		return ""
	}
}
