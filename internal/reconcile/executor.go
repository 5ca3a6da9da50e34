package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"brickkit/internal/backend"
	"brickkit/internal/domain"
)

// Executor applies diffs for a single resource. One executor serves every
// resource type: the SDK-vs-SQL strategy is a switch on the resource type at
// this boundary (tables and functions are created and dropped through SQL,
// everything else through the control plane).
type Executor struct {
	client backend.CatalogClient
	sql    backend.SQLExecutor
	reader *Reader
	logger *slog.Logger

	maxRetries int
	sdkTimeout time.Duration
	sqlTimeout time.Duration
	dryRun     bool
}

// NewExecutor builds an executor over the backends.
func NewExecutor(client backend.CatalogClient, sql backend.SQLExecutor, reader *Reader, logger *slog.Logger, maxRetries int, dryRun bool) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		client:     client,
		sql:        sql,
		reader:     reader,
		logger:     logger,
		maxRetries: maxRetries,
		sdkTimeout: DefaultSDKTimeout,
		sqlTimeout: DefaultSQLTimeout,
		dryRun:     dryRun,
	}
}

// ReadState delegates to the state reader.
func (e *Executor) ReadState(ctx context.Context, r *domain.Resource) (*StateRecord, error) {
	return e.reader.Read(ctx, r.Type, r.FQN())
}

// Exists reports whether the resource is observed in the backend.
func (e *Executor) Exists(ctx context.Context, r *domain.Resource) (bool, error) {
	record, err := e.ReadState(ctx, r)
	if err != nil {
		return false, err
	}
	return record != nil && record.Exists, nil
}

// Diff composes the reader and the differ.
func (e *Executor) Diff(ctx context.Context, r *domain.Resource) (*Diff, error) {
	record, err := e.ReadState(ctx, r)
	if err != nil && (record == nil || !record.Partial) {
		return nil, err
	}
	return ComputeDiff(r, record), nil
}

// Reconcile brings one resource to its declared state: create when absent,
// then apply the field-level changes the differ reports. Idempotent — a
// second call with unchanged declarations finds an empty diff.
func (e *Executor) Reconcile(ctx context.Context, r *domain.Resource) *ReconcileResult {
	start := time.Now()
	result := &ReconcileResult{ResourceName: r.FQN()}
	defer func() { result.DurationMS = time.Since(start).Milliseconds() }()

	diff, err := e.Diff(ctx, r)
	if err != nil {
		result.Errors = append(result.Errors, err.Error())
		return result
	}
	if diff.Empty() {
		return result
	}

	if e.dryRun {
		if diff.Missing {
			result.ChangesSkipped = append(result.ChangesSkipped, Change{
				FieldPath: "resource", Declared: r.FQN(), Action: ActionAdd,
			})
		}
		result.ChangesSkipped = append(result.ChangesSkipped, diff.Changes...)
		for _, c := range result.ChangesSkipped {
			e.logger.Info("dry-run planned change",
				"resource", r.FQN(), "field", c.FieldPath, "action", string(c.Action))
		}
		return result
	}

	if diff.Missing {
		if err := e.Create(ctx, r); err != nil {
			result.Errors = append(result.Errors, err.Error())
			return result
		}
		result.ChangesApplied = append(result.ChangesApplied, Change{
			FieldPath: "resource", Declared: r.FQN(), Action: ActionAdd,
		})
		// The base create covers metadata only; re-diff to pick up tags,
		// grants, bindings, and policies still to apply.
		e.reader.Invalidate(r.Type, r.FQN())
		diff, err = e.Diff(ctx, r)
		if err != nil {
			result.Errors = append(result.Errors, err.Error())
			return result
		}
	}

	e.applyChanges(ctx, r, diff, result)
	e.reader.Invalidate(r.Type, r.FQN())
	return result
}

// Create creates the resource. References cannot be created; the caller
// surfaces their absence as missing dependencies instead.
func (e *Executor) Create(ctx context.Context, r *domain.Resource) error {
	if r.IsReference {
		return domain.ErrValidation("%s %q is a reference and cannot be created", r.Type, r.Name)
	}
	fqn := r.FQN()

	switch spec := r.Spec.(type) {
	case *domain.TableSpec:
		stmt, err := BuildCreateTable(fqn, r, spec)
		if err != nil {
			return err
		}
		if err := e.execSQL(ctx, stmt); err != nil {
			return err
		}
		return e.postCreateMetadata(ctx, r)
	case *domain.FunctionSpec:
		stmt, err := BuildCreateFunction(fqn, spec)
		if err != nil {
			return err
		}
		if err := e.execSQL(ctx, stmt); err != nil {
			return err
		}
		return e.postCreateMetadata(ctx, r)
	default:
		params, err := r.CreateParams()
		if err != nil {
			return err
		}
		return e.sdk(ctx, func(c context.Context) error {
			_, err := e.client.CreateResource(c, r.Type, params)
			return err
		})
	}
}

// postCreateMetadata sets owner on SQL-created resources; the control plane
// owns that field even for tables and functions.
func (e *Executor) postCreateMetadata(ctx context.Context, r *domain.Resource) error {
	owner := r.EffectiveOwner()
	if owner == nil {
		return nil
	}
	return e.sdk(ctx, func(c context.Context) error {
		return e.client.SetOwner(c, r.Type, r.FQN(), owner.ResolvedName())
	})
}

// Update applies only the fields present in diff.
func (e *Executor) Update(ctx context.Context, r *domain.Resource, diff *Diff) *ReconcileResult {
	result := &ReconcileResult{ResourceName: r.FQN()}
	e.applyChanges(ctx, r, diff, result)
	e.reader.Invalidate(r.Type, r.FQN())
	return result
}

// Delete removes the resource. References are never deleted.
func (e *Executor) Delete(ctx context.Context, r *domain.Resource) error {
	if r.IsReference {
		return domain.ErrValidation("%s %q is a reference and cannot be deleted", r.Type, r.Name)
	}
	fqn := r.FQN()
	defer e.reader.Invalidate(r.Type, fqn)

	switch r.Type {
	case domain.TypeTable:
		return e.execSQL(ctx, BuildDropTable(fqn))
	case domain.TypeFunction:
		return e.execSQL(ctx, BuildDropFunction(fqn))
	default:
		return e.sdk(ctx, func(c context.Context) error {
			return e.client.DeleteResource(c, r.Type, fqn)
		})
	}
}

// applyChanges executes a diff's changes in phase order: metadata, workspace
// bindings and isolation, tags, grants (additive before subtractive), then
// row filters and column masks.
func (e *Executor) applyChanges(ctx context.Context, r *domain.Resource, diff *Diff, result *ReconcileResult) {
	fqn := r.FQN()

	apply := func(changes []Change, err error) {
		if err != nil {
			result.Errors = append(result.Errors, err.Error())
			result.ChangesSkipped = append(result.ChangesSkipped, changes...)
			return
		}
		result.ChangesApplied = append(result.ChangesApplied, changes...)
	}

	// 1. Metadata: owner, comment, scalar properties.
	var metaFields []string
	var metaChanges []Change
	ownerChange := false
	for _, c := range diff.Changes {
		switch {
		case c.FieldPath == "owner":
			ownerChange = true
			metaChanges = append(metaChanges, c)
		case c.FieldPath == "comment" || strings.HasPrefix(c.FieldPath, "properties."):
			metaFields = append(metaFields, strings.TrimPrefix(c.FieldPath, "properties."))
			metaChanges = append(metaChanges, c)
		}
	}
	if ownerChange {
		owner := r.EffectiveOwner()
		err := e.sdk(ctx, func(c context.Context) error {
			return e.client.SetOwner(c, r.Type, fqn, owner.ResolvedName())
		})
		apply(changesFor(metaChanges, "owner"), err)
	}
	if len(metaFields) > 0 {
		params := r.UpdateParams(metaFields)
		err := e.sdk(ctx, func(c context.Context) error {
			_, err := e.client.UpdateResource(c, r.Type, fqn, params)
			return err
		})
		apply(changesExcept(metaChanges, "owner"), err)
	}

	// 2. Workspace bindings and isolation. Bindings are applied before
	// setting ISOLATED; reverting to OPEN precedes binding removal.
	e.applyBindings(ctx, r, diff, result)

	// 3. Tags.
	for _, c := range diff.Changes {
		if !strings.HasPrefix(c.FieldPath, "tags.") {
			continue
		}
		key := strings.TrimPrefix(c.FieldPath, "tags.")
		var err error
		if c.Action == ActionRemove {
			err = e.sdk(ctx, func(cc context.Context) error {
				return e.client.RemoveTag(cc, r.Type, fqn, key)
			})
		} else {
			err = e.sdk(ctx, func(cc context.Context) error {
				return e.client.SetTag(cc, r.Type, fqn, backend.TagRecord{Key: key, Value: c.Declared})
			})
		}
		apply([]Change{c}, err)
	}

	// 4. Grants: one additive call, then one subtractive call, so a grant
	// held before and after the run is never transiently absent.
	e.applyGrants(ctx, r, diff, result)

	// 5. Row filter and column masks. ABAC policies are deliberately NOT
	// applied here: the reconciler runs a dedicated policy phase once every
	// function in the tree exists, so a policy never references a function
	// the backend has not seen.
	e.applyPolicies(ctx, r, diff, result)
}

// ReconcilePolicies applies only the ABAC policy changes for a container.
// The reconciler calls this in a late phase, after every resource (and in
// particular every policy function) has been reconciled.
func (e *Executor) ReconcilePolicies(ctx context.Context, r *domain.Resource) *ReconcileResult {
	result := &ReconcileResult{ResourceName: r.FQN()}
	diff, err := e.Diff(ctx, r)
	if err != nil {
		result.Errors = append(result.Errors, err.Error())
		return result
	}
	e.applyABACPolicies(ctx, r, diff, result)
	if len(result.ChangesApplied) > 0 {
		e.reader.Invalidate(r.Type, r.FQN())
	}
	return result
}

func (e *Executor) applyBindings(ctx context.Context, r *domain.Resource, diff *Diff, result *ReconcileResult) {
	fqn := r.FQN()
	var adds, removes []backend.BindingRecord
	var bindingChanges []Change
	for _, c := range diff.Changes {
		if !strings.HasPrefix(c.FieldPath, "workspace_bindings.") {
			continue
		}
		bindingChanges = append(bindingChanges, c)
		id := strings.TrimPrefix(c.FieldPath, "workspace_bindings.")
		switch c.Action {
		case ActionRemove:
			removes = append(removes, backend.BindingRecord{WorkspaceID: id, BindingType: c.Observed})
		default:
			adds = append(adds, backend.BindingRecord{WorkspaceID: id, BindingType: c.Declared})
		}
	}

	isolationChange := false
	for _, c := range diff.Changes {
		if c.FieldPath == "isolation_mode" {
			isolationChange = true
		}
	}

	fail := func(err error) {
		result.Errors = append(result.Errors, err.Error())
		result.ChangesSkipped = append(result.ChangesSkipped, bindingChanges...)
	}

	if len(adds) > 0 {
		if err := e.sdk(ctx, func(c context.Context) error {
			return e.client.UpdateWorkspaceBindings(c, r.Type, fqn, backend.BindingsUpdate{Add: adds})
		}); err != nil {
			fail(err)
			return
		}
	}

	if isolationChange {
		if err := e.sdk(ctx, func(c context.Context) error {
			return e.client.SetIsolationMode(c, r.Type, fqn, string(r.IsolationMode))
		}); err != nil {
			result.Errors = append(result.Errors, err.Error())
			return
		}
		result.ChangesApplied = append(result.ChangesApplied, Change{
			FieldPath: "isolation_mode",
			Declared:  string(r.IsolationMode),
			Action:    ActionModify,
		})
	}

	if len(removes) > 0 {
		if err := e.sdk(ctx, func(c context.Context) error {
			return e.client.UpdateWorkspaceBindings(c, r.Type, fqn, backend.BindingsUpdate{Remove: removes})
		}); err != nil {
			fail(err)
			return
		}
	}
	result.ChangesApplied = append(result.ChangesApplied, bindingChanges...)
}

func (e *Executor) applyGrants(ctx context.Context, r *domain.Resource, diff *Diff, result *ReconcileResult) {
	fqn := r.FQN()
	var adds, removes []backend.GrantRecord
	var addChanges, removeChanges []Change
	for _, c := range diff.Changes {
		if !strings.HasPrefix(c.FieldPath, "grants.") {
			continue
		}
		rest := strings.TrimPrefix(c.FieldPath, "grants.")
		i := strings.LastIndex(rest, ".")
		if i < 0 {
			continue
		}
		record := backend.GrantRecord{Principal: rest[:i], Privilege: rest[i+1:]}
		if c.Action == ActionRemove {
			removes = append(removes, record)
			removeChanges = append(removeChanges, c)
		} else {
			adds = append(adds, record)
			addChanges = append(addChanges, c)
		}
	}

	if len(adds) > 0 {
		err := e.sdk(ctx, func(c context.Context) error {
			return e.client.UpdateGrants(c, r.Type, fqn, backend.GrantsUpdate{Add: adds})
		})
		if err != nil {
			// A missing principal fails that resource's grants, not the run.
			result.Errors = append(result.Errors, fmt.Sprintf("grant on %s: %v", fqn, err))
			result.ChangesSkipped = append(result.ChangesSkipped, addChanges...)
		} else {
			result.ChangesApplied = append(result.ChangesApplied, addChanges...)
		}
	}
	if len(removes) > 0 {
		err := e.sdk(ctx, func(c context.Context) error {
			return e.client.UpdateGrants(c, r.Type, fqn, backend.GrantsUpdate{Remove: removes})
		})
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("revoke on %s: %v", fqn, err))
			result.ChangesSkipped = append(result.ChangesSkipped, removeChanges...)
		} else {
			result.ChangesApplied = append(result.ChangesApplied, removeChanges...)
		}
	}
}

func (e *Executor) applyPolicies(ctx context.Context, r *domain.Resource, diff *Diff, result *ReconcileResult) {
	fqn := r.FQN()

	apply := func(c Change, err error) {
		if err != nil {
			result.Errors = append(result.Errors, err.Error())
			result.ChangesSkipped = append(result.ChangesSkipped, c)
			return
		}
		result.ChangesApplied = append(result.ChangesApplied, c)
	}

	spec, _ := r.Spec.(*domain.TableSpec)

	for _, c := range diff.Changes {
		switch {
		case c.FieldPath == "row_filter":
			var stmt string
			if c.Action == ActionRemove {
				stmt = BuildDropRowFilter(fqn)
			} else {
				if spec == nil || spec.RowFilter == nil {
					continue
				}
				stmt = BuildSetRowFilter(fqn, spec.RowFilter.FunctionName, spec.RowFilter.InputColumns)
			}
			apply(c, e.execSQL(ctx, stmt))

		case strings.HasPrefix(c.FieldPath, "column_masks."):
			col := strings.TrimPrefix(c.FieldPath, "column_masks.")
			var stmt string
			if c.Action == ActionRemove {
				stmt = BuildDropColumnMask(fqn, col)
			} else {
				var mask *domain.ColumnMaskSpec
				if spec != nil {
					for i := range spec.ColumnMasks {
						if spec.ColumnMasks[i].ColumnName == col {
							mask = &spec.ColumnMasks[i]
						}
					}
				}
				if mask == nil {
					continue
				}
				stmt = BuildSetColumnMask(fqn, col, mask.FunctionName, mask.ExtraColumns)
			}
			apply(c, e.execSQL(ctx, stmt))

		}
	}
}

// applyABACPolicies executes the abac_policies changes of a diff.
// Replacements arrive as remove + add on the same name; the remove runs
// first so the create never conflicts.
func (e *Executor) applyABACPolicies(ctx context.Context, r *domain.Resource, diff *Diff, result *ReconcileResult) {
	fqn := r.FQN()

	apply := func(c Change, err error) {
		if err != nil {
			result.Errors = append(result.Errors, err.Error())
			result.ChangesSkipped = append(result.ChangesSkipped, c)
			return
		}
		result.ChangesApplied = append(result.ChangesApplied, c)
	}

	for _, c := range diff.Changes {
		if !strings.HasPrefix(c.FieldPath, "abac_policies.") {
			continue
		}
		name := strings.TrimPrefix(c.FieldPath, "abac_policies.")
		if c.Action == ActionRemove {
			apply(c, e.sdk(ctx, func(cc context.Context) error {
				return e.client.DeletePolicy(cc, fqn, name)
			}))
			continue
		}
		var declared *domain.ABACPolicy
		for i := range r.ABACPolicies {
			if r.ABACPolicies[i].Name == name {
				declared = &r.ABACPolicies[i]
			}
		}
		if declared == nil {
			continue
		}
		apply(c, e.sdk(ctx, func(cc context.Context) error {
			return e.client.CreatePolicy(cc, fqn, policyInfoFrom(*declared))
		}))
	}
}

func policyInfoFrom(p domain.ABACPolicy) backend.PolicyInfo {
	info := backend.PolicyInfo{
		Name:            p.Name,
		PolicyType:      string(p.PolicyType),
		FunctionRef:     p.FunctionRef,
		MatchConditions: append([]domain.MatchCondition(nil), p.MatchConditions...),
		TargetColumn:    p.TargetColumn,
		Comment:         p.Comment,
	}
	for _, principal := range p.TargetPrincipals {
		info.TargetPrincipals = append(info.TargetPrincipals, principal.ResolvedName())
	}
	for _, principal := range p.ExceptPrincipals {
		info.ExceptPrincipals = append(info.ExceptPrincipals, principal.ResolvedName())
	}
	sort.Strings(info.TargetPrincipals)
	sort.Strings(info.ExceptPrincipals)
	return info
}

// sdk wraps a control-plane mutation with timeout and retry.
func (e *Executor) sdk(ctx context.Context, fn func(context.Context) error) error {
	return withRetry(ctx, e.maxRetries, func(ctx context.Context) error {
		callCtx, cancel := context.WithTimeout(ctx, e.sdkTimeout)
		defer cancel()
		return fn(callCtx)
	})
}

// execSQL wraps a warehouse statement with timeout and retry.
func (e *Executor) execSQL(ctx context.Context, stmt string) error {
	return withRetry(ctx, e.maxRetries, func(ctx context.Context) error {
		callCtx, cancel := context.WithTimeout(ctx, e.sqlTimeout)
		defer cancel()
		_, err := e.sql.Execute(callCtx, stmt)
		return err
	})
}

func changesFor(changes []Change, field string) []Change {
	var out []Change
	for _, c := range changes {
		if c.FieldPath == field {
			out = append(out, c)
		}
	}
	return out
}

func changesExcept(changes []Change, field string) []Change {
	var out []Change
	for _, c := range changes {
		if c.FieldPath != field {
			out = append(out, c)
		}
	}
	return out
}
