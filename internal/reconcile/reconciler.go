package reconcile

import (
	"context"
	"log/slog"
	"runtime"
	"sort"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"

	"brickkit/internal/backend"
	"brickkit/internal/convention"
	"brickkit/internal/domain"
)

// Options configure a reconciliation run.
type Options struct {
	DryRun          bool
	ContinueOnError bool
	MaxRetries      int
	// DeleteUnmanaged opts into removing observed resources that have no
	// declaration. Off by default: unmanaged state is reported, not touched.
	DeleteUnmanaged bool
	// AllowUserGrants silences the advisory for grants to individual users.
	AllowUserGrants bool
	// Sequential forces single-worker execution for deterministic output.
	Sequential  bool
	Concurrency int
}

func (o Options) withDefaults() Options {
	if o.MaxRetries == 0 {
		o.MaxRetries = 3
	}
	if o.Concurrency <= 0 {
		o.Concurrency = runtime.NumCPU()
		if o.Concurrency > 8 {
			o.Concurrency = 8
		}
	}
	if o.Sequential {
		o.Concurrency = 1
	}
	return o
}

// Reconciler drives full runs: validation, ordered application, drift
// detection, and batch deployment over independent subtrees.
type Reconciler struct {
	client backend.CatalogClient
	sql    backend.SQLExecutor
	reader *Reader
	exec   *Executor
	logger *slog.Logger
	opts   Options

	// accessRequests, when registered, are swept each run so approvals
	// that have expired transition to expired alongside the grant revoke.
	accessRequests []*domain.AccessRequest
}

// New builds a reconciler over the two backends.
func New(client backend.CatalogClient, sql backend.SQLExecutor, opts Options, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	opts = opts.withDefaults()
	reader := NewReader(client, sql, logger)
	reader.maxRetries = opts.MaxRetries
	return &Reconciler{
		client: client,
		sql:    sql,
		reader: reader,
		exec:   NewExecutor(client, sql, reader, logger, opts.MaxRetries, opts.DryRun),
		logger: logger,
		opts:   opts,
	}
}

// Reader exposes the run's observed-state reader.
func (rc *Reconciler) Reader() *Reader { return rc.reader }

// RegisterAccessRequests attaches the access-request ledger swept during
// reconciliation.
func (rc *Reconciler) RegisterAccessRequests(reqs []*domain.AccessRequest) {
	rc.accessRequests = reqs
}

// Validate checks a declared tree before any backend call: structural
// invariants, isolation coupling, privilege/type fit, the double-row-filter
// rule, and the convention's enforced rules. Advisory findings are returned
// separately and never block.
func (rc *Reconciler) Validate(root *domain.Resource) (errs []error, advisories []string) {
	if err := root.CheckTree(); err != nil {
		return []error{err}, nil
	}

	_ = root.Walk(func(n *domain.Resource) error {
		if err := n.ValidateIsolation(); err != nil {
			errs = append(errs, err)
		}

		for _, g := range n.Grants {
			for _, p := range g.Privileges {
				if !domain.PrivilegeValidFor(p, n.Type) {
					errs = append(errs, domain.ErrValidation(
						"%s: privilege %s is not valid on %s", n.FQN(), p, n.Type))
				}
			}
			if g.Principal.Type == domain.PrincipalUser && !rc.opts.AllowUserGrants {
				advisories = append(advisories,
					"grant to individual user "+g.Principal.ResolvedName()+" on "+n.FQN())
			}
		}

		for _, p := range n.ABACPolicies {
			if err := p.Validate(); err != nil {
				errs = append(errs, err)
			}
		}

		// A table with a direct row filter must not also be covered by a
		// matching row-filter policy: at most one filter resolves per
		// table per user.
		if spec, ok := n.Spec.(*domain.TableSpec); ok && spec.RowFilter != nil {
			for a := n.Parent(); a != nil; a = a.Parent() {
				for _, p := range a.ABACPolicies {
					if p.PolicyType == domain.ABACRowFilter && p.Matches(n) {
						errs = append(errs, &domain.ValidationError{
							Rule:     "single_row_filter",
							Resource: n.FQN(),
							Message:  "table declares a row filter and matches policy " + p.Name,
						})
					}
				}
			}
		}
		return nil
	})

	if c, ok := conventionOf(root); ok {
		violations := c.Validate(root)
		errs = append(errs, convention.Errors(violations)...)
		for _, v := range violations {
			if v.Severity == convention.ModeAdvisory {
				advisories = append(advisories, v.Rule+": "+v.Resource+": "+v.Detail)
			}
		}
	}
	return errs, advisories
}

// orderedNodes flattens a tree into apply order: by dependency layer, then
// FQN for determinism.
func orderedNodes(root *domain.Resource) []*domain.Resource {
	var nodes []*domain.Resource
	_ = root.Walk(func(n *domain.Resource) error {
		nodes = append(nodes, n)
		return nil
	})
	sort.SliceStable(nodes, func(i, j int) bool {
		li, lj := nodes[i].Type.Layer(), nodes[j].Type.Layer()
		if li != lj {
			return li < lj
		}
		// Functions feeding policies (row filters, masks) come before
		// sibling functions that do not.
		if nodes[i].Type == domain.TypeFunction && nodes[j].Type == domain.TypeFunction {
			pi, pj := policyFunction(nodes[i]), policyFunction(nodes[j])
			if pi != pj {
				return pi
			}
		}
		return nodes[i].FQN() < nodes[j].FQN()
	})
	return nodes
}

func policyFunction(r *domain.Resource) bool {
	spec, ok := r.Spec.(*domain.FunctionSpec)
	return ok && (spec.IsRowFilter || spec.IsColumnMask)
}

// Reconcile brings one declared subtree to its declared state. Validation
// errors abort before any backend call. Workers honor cancellation between
// resources; in-flight backend calls run to completion.
func (rc *Reconciler) Reconcile(ctx context.Context, root *domain.Resource) (*RunReport, error) {
	if errs, advisories := rc.Validate(root); len(errs) > 0 {
		return nil, errs[0]
	} else {
		for _, a := range advisories {
			rc.logger.Warn("advisory", "detail", a)
		}
	}

	rc.sweepExpiredRequests()

	report := &RunReport{}
	nodes := orderedNodes(root)
	for i, n := range nodes {
		if ctx.Err() != nil {
			for _, rest := range nodes[i:] {
				report.Results = append(report.Results, ExecutionResult{
					Operation:    OpNotAttempted,
					ResourceType: rest.Type,
					ResourceName: rest.FQN(),
					Message:      "run cancelled",
				})
			}
			break
		}
		res := rc.exec.Reconcile(ctx, n)
		report.Results = append(report.Results, toExecutionResult(n, res, rc.opts.DryRun))
		if res.Failed() && !rc.opts.ContinueOnError {
			for _, rest := range nodes[i+1:] {
				report.Results = append(report.Results, ExecutionResult{
					Operation:    OpNotAttempted,
					ResourceType: rest.Type,
					ResourceName: rest.FQN(),
					Message:      "aborted after " + n.FQN(),
				})
			}
			return report, nil
		}
	}

	// Policy phase: ABAC policies are applied only after every resource in
	// the tree — including the functions they reference — exists. Dry-run
	// already reported these as planned changes above.
	if !rc.opts.DryRun {
		for _, n := range nodes {
			if ctx.Err() != nil {
				break
			}
			if len(n.ABACPolicies) == 0 && !containerType(n.Type) {
				continue
			}
			res := rc.exec.ReconcilePolicies(ctx, n)
			if len(res.ChangesApplied) == 0 && !res.Failed() {
				continue
			}
			out := ExecutionResult{
				Success:        !res.Failed(),
				Operation:      OpUpdate,
				ResourceType:   n.Type,
				ResourceName:   res.ResourceName,
				ChangesApplied: res.ChangesApplied,
				Errors:         res.Errors,
				DurationMS:     res.DurationMS,
			}
			if res.Failed() {
				out.Operation = OpError
			}
			report.Results = append(report.Results, out)
			if res.Failed() && !rc.opts.ContinueOnError {
				break
			}
		}
	}
	return report, nil
}

func containerType(t domain.ResourceType) bool {
	return t == domain.TypeCatalog || t == domain.TypeSchema
}

// DeployAll reconciles independent roots concurrently. Each subtree stays
// strictly ordered internally; the pool is bounded by Options.Concurrency.
func (rc *Reconciler) DeployAll(ctx context.Context, roots []*domain.Resource) (*RunReport, error) {
	for _, root := range roots {
		if errs, _ := rc.Validate(root); len(errs) > 0 {
			return nil, errs[0]
		}
	}

	reports := make([]*RunReport, len(roots))
	g, groupCtx := errgroup.WithContext(ctx)
	g.SetLimit(rc.opts.Concurrency)
	for i, root := range roots {
		g.Go(func() error {
			report, err := rc.Reconcile(groupCtx, root)
			if err != nil {
				return err
			}
			reports[i] = report
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	merged := &RunReport{}
	for _, r := range reports {
		if r != nil {
			merged.Results = append(merged.Results, r.Results...)
		}
	}
	return merged, nil
}

// DetectDrift computes the drift report for declared roots without applying
// anything. Observed-but-undeclared children of declared containers are
// reported as unmanaged.
func (rc *Reconciler) DetectDrift(ctx context.Context, roots []*domain.Resource) (*DriftReport, error) {
	report := &DriftReport{
		Timestamp:   time.Now().UTC(),
		Environment: domain.CurrentEnvironment(),
	}

	declaredFQNs := map[string]bool{}
	for _, root := range roots {
		_ = root.Walk(func(n *domain.Resource) error {
			declaredFQNs[n.FQN()] = true
			return nil
		})
	}

	for _, root := range roots {
		var walkErr error
		_ = root.Walk(func(n *domain.Resource) error {
			if ctx.Err() != nil {
				walkErr = ctx.Err()
				return walkErr
			}
			diff, err := rc.exec.Diff(ctx, n)
			if err != nil {
				walkErr = err
				return err
			}
			switch {
			case diff.Missing:
				report.Missing = append(report.Missing, DriftEntry{
					ResourceType: n.Type,
					ResourceName: n.FQN(),
					Severity:     SeverityCritical,
				})
			case !diff.Empty():
				report.Drifted = append(report.Drifted, DriftEntry{
					ResourceType: n.Type,
					ResourceName: n.FQN(),
					Severity:     classifyDiff(n, diff),
					Changes:      diff.Changes,
				})
			default:
				report.Compliant = append(report.Compliant, n.FQN())
			}

			// Unmanaged discovery under declared containers.
			for _, childType := range childTypesOf(n.Type) {
				children, err := rc.reader.ReadChildren(ctx, childType, n.FQN())
				if err != nil {
					continue // discovery is best-effort
				}
				for _, c := range children {
					if !declaredFQNs[c.FullName] {
						report.Unmanaged = append(report.Unmanaged, UnmanagedEntry{
							ResourceType: childType,
							ResourceName: c.FullName,
						})
					}
				}
			}
			return nil
		})
		if walkErr != nil {
			return report, walkErr
		}
	}
	return report, nil
}

// DeleteUnmanaged removes unmanaged resources discovered by DetectDrift.
// Only runs when the caller opted in; deletions go leaf types first.
func (rc *Reconciler) DeleteUnmanaged(ctx context.Context, entries []UnmanagedEntry) *RunReport {
	report := &RunReport{}
	if !rc.opts.DeleteUnmanaged {
		return report
	}
	sorted := append([]UnmanagedEntry(nil), entries...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].ResourceType.Layer() > sorted[j].ResourceType.Layer()
	})
	for _, entry := range sorted {
		res := ExecutionResult{
			Operation:    OpDelete,
			ResourceType: entry.ResourceType,
			ResourceName: entry.ResourceName,
		}
		if rc.opts.DryRun {
			res.Operation = OpDryRun
			res.Success = true
		} else {
			err := rc.exec.sdk(ctx, func(c context.Context) error {
				return rc.client.DeleteResource(c, entry.ResourceType, entry.ResourceName)
			})
			if err != nil {
				res.Operation = OpError
				res.Errors = append(res.Errors, err.Error())
			} else {
				res.Success = true
				rc.reader.Invalidate(entry.ResourceType, entry.ResourceName)
			}
		}
		report.Results = append(report.Results, res)
	}
	return report
}

// DeleteSubtree removes a declared subtree leaf-to-root. Deletion is never
// implicit; the caller invokes this explicitly. References are skipped.
func (rc *Reconciler) DeleteSubtree(ctx context.Context, root *domain.Resource) *RunReport {
	report := &RunReport{}
	nodes := orderedNodes(root)
	for i := len(nodes) - 1; i >= 0; i-- {
		n := nodes[i]
		if n.IsReference {
			report.Results = append(report.Results, ExecutionResult{
				Success:      true,
				Operation:    OpSkip,
				ResourceType: n.Type,
				ResourceName: n.FQN(),
				Message:      "reference resources are never deleted",
			})
			continue
		}
		res := ExecutionResult{
			Operation:    OpDelete,
			ResourceType: n.Type,
			ResourceName: n.FQN(),
		}
		if rc.opts.DryRun {
			res.Operation = OpDryRun
			res.Success = true
		} else if err := rc.exec.Delete(ctx, n); err != nil {
			if backend.IsNotFound(err) {
				res.Operation = OpSkip
				res.Success = true
				res.Message = "already absent"
			} else {
				res.Operation = OpError
				res.Errors = append(res.Errors, err.Error())
			}
		} else {
			res.Success = true
		}
		report.Results = append(report.Results, res)
		if !res.Success && !rc.opts.ContinueOnError {
			break
		}
	}
	return report
}

func (rc *Reconciler) sweepExpiredRequests() {
	expired := domain.RevokeExpired(rc.accessRequests, time.Now())
	for _, req := range expired {
		rc.logger.Info("access request expired",
			"request", req.ID, "principal", req.Requester.ResolvedName(), "resource", req.Resource)
	}
}

func childTypesOf(t domain.ResourceType) []domain.ResourceType {
	switch t {
	case domain.TypeMetastore:
		return []domain.ResourceType{domain.TypeCatalog}
	case domain.TypeCatalog:
		return []domain.ResourceType{domain.TypeSchema}
	case domain.TypeSchema:
		return []domain.ResourceType{
			domain.TypeTable, domain.TypeVolume, domain.TypeFunction,
		}
	default:
		return nil
	}
}

func toExecutionResult(r *domain.Resource, res *ReconcileResult, dryRun bool) ExecutionResult {
	out := ExecutionResult{
		ResourceType:   r.Type,
		ResourceName:   res.ResourceName,
		ChangesApplied: res.ChangesApplied,
		Errors:         res.Errors,
		DurationMS:     res.DurationMS,
	}
	switch {
	case res.Failed():
		out.Operation = OpError
	case dryRun:
		out.Operation = OpDryRun
		out.Success = true
		out.ChangesApplied = nil
		out.Message = planMessage(res.ChangesSkipped)
	case len(res.ChangesApplied) == 0:
		out.Operation = OpSkip
		out.Success = true
		out.Message = "compliant"
	case hasResourceAdd(res.ChangesApplied):
		out.Operation = OpCreate
		out.Success = true
	default:
		out.Operation = OpUpdate
		out.Success = true
	}
	return out
}

func hasResourceAdd(changes []Change) bool {
	for _, c := range changes {
		if c.FieldPath == "resource" && c.Action == ActionAdd {
			return true
		}
	}
	return false
}

func planMessage(changes []Change) string {
	if len(changes) == 0 {
		return "no changes"
	}
	return "planned changes: " + strconv.Itoa(len(changes))
}
