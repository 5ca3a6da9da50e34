// Package memory provides an in-memory implementation of the backend
// interfaces. It backs the engine's tests and the CLI's offline mode, and
// doubles as the reference for how a real client is expected to behave:
// structured errors, not-found as absence, idempotent grant updates.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"brickkit/internal/backend"
	"brickkit/internal/domain"
)

type resourceKey struct {
	Type domain.ResourceType
	FQN  string
}

// Backend is an in-memory CatalogClient and SQLExecutor. All methods are
// safe for concurrent use.
type Backend struct {
	mu sync.RWMutex

	resources   map[resourceKey]*backend.ResourceInfo
	grants      map[resourceKey][]backend.GrantRecord
	tags        map[resourceKey][]backend.TagRecord
	bindings    map[resourceKey][]backend.BindingRecord
	permissions map[resourceKey][]backend.PermissionRecord
	policies    map[string]map[string]backend.PolicyInfo // container FQN -> name -> policy
	tableExt    map[string]*backend.TableExtended        // table FQN
	functions   map[string]*backend.FunctionDetail       // function FQN

	// Statements records every SQL statement executed, for tests.
	statements []string

	// FailWith, when set, is returned verbatim by every call. Tests use it
	// to exercise the retry and error paths.
	FailWith error
}

var (
	_ backend.CatalogClient = (*Backend)(nil)
	_ backend.SQLExecutor   = (*Backend)(nil)
)

// New returns an empty in-memory backend.
func New() *Backend {
	return &Backend{
		resources:   map[resourceKey]*backend.ResourceInfo{},
		grants:      map[resourceKey][]backend.GrantRecord{},
		tags:        map[resourceKey][]backend.TagRecord{},
		bindings:    map[resourceKey][]backend.BindingRecord{},
		permissions: map[resourceKey][]backend.PermissionRecord{},
		policies:    map[string]map[string]backend.PolicyInfo{},
		tableExt:    map[string]*backend.TableExtended{},
		functions:   map[string]*backend.FunctionDetail{},
	}
}

// Statements returns the SQL statements executed so far.
func (b *Backend) Statements() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]string(nil), b.statements...)
}

func (b *Backend) failing() error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.FailWith
}

// === CatalogClient ===

// GetResource fetches a securable by FQN.
func (b *Backend) GetResource(_ context.Context, t domain.ResourceType, fqn string) (*backend.ResourceInfo, error) {
	if err := b.failing(); err != nil {
		return nil, err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	info, ok := b.resources[resourceKey{t, fqn}]
	if !ok {
		return nil, backend.Errorf(backend.CodeNotFound, "%s %s not found", t, fqn)
	}
	copied := *info
	return &copied, nil
}

// CreateResource creates a securable from create params.
func (b *Backend) CreateResource(_ context.Context, t domain.ResourceType, params domain.Params) (*backend.ResourceInfo, error) {
	if err := b.failing(); err != nil {
		return nil, err
	}
	name, _ := params["name"].(string)
	if name == "" {
		return nil, backend.Errorf(backend.CodeInvalid, "create %s: name is required", t)
	}
	fqn := name
	if parent, _ := params["parent"].(string); parent != "" && !t.TopLevel() {
		fqn = parent + "." + name
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	key := resourceKey{t, fqn}
	if _, exists := b.resources[key]; exists {
		return nil, backend.Errorf(backend.CodeConflict, "%s %s already exists", t, fqn)
	}
	info := infoFromParams(t, name, fqn, params)
	b.resources[key] = info
	copied := *info
	return &copied, nil
}

// UpdateResource applies update params to an existing securable.
func (b *Backend) UpdateResource(_ context.Context, t domain.ResourceType, fqn string, params domain.Params) (*backend.ResourceInfo, error) {
	if err := b.failing(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	info, ok := b.resources[resourceKey{t, fqn}]
	if !ok {
		return nil, backend.Errorf(backend.CodeNotFound, "%s %s not found", t, fqn)
	}
	applyParams(info, params)
	copied := *info
	return &copied, nil
}

// DeleteResource removes a securable and its attached state.
func (b *Backend) DeleteResource(_ context.Context, t domain.ResourceType, fqn string) error {
	if err := b.failing(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	key := resourceKey{t, fqn}
	if _, ok := b.resources[key]; !ok {
		return backend.Errorf(backend.CodeNotFound, "%s %s not found", t, fqn)
	}
	delete(b.resources, key)
	delete(b.grants, key)
	delete(b.tags, key)
	delete(b.bindings, key)
	delete(b.permissions, key)
	if t == domain.TypeTable {
		delete(b.tableExt, fqn)
	}
	if t == domain.TypeFunction {
		delete(b.functions, fqn)
	}
	return nil
}

// ListResources lists securables of type t under parentFQN.
func (b *Backend) ListResources(_ context.Context, t domain.ResourceType, parentFQN string) ([]backend.ResourceInfo, error) {
	if err := b.failing(); err != nil {
		return nil, err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []backend.ResourceInfo
	for key, info := range b.resources {
		if key.Type != t {
			continue
		}
		if parentFQN != "" {
			prefix := parentFQN + "."
			if !strings.HasPrefix(key.FQN, prefix) || strings.Contains(strings.TrimPrefix(key.FQN, prefix), ".") {
				continue
			}
		} else if strings.Contains(key.FQN, ".") {
			continue
		}
		out = append(out, *info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FullName < out[j].FullName })
	return out, nil
}

// SetOwner updates the owner field.
func (b *Backend) SetOwner(_ context.Context, t domain.ResourceType, fqn, owner string) error {
	if err := b.failing(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	info, ok := b.resources[resourceKey{t, fqn}]
	if !ok {
		return backend.Errorf(backend.CodeNotFound, "%s %s not found", t, fqn)
	}
	info.Owner = owner
	return nil
}

// GetGrants returns the grants on a securable.
func (b *Backend) GetGrants(_ context.Context, t domain.ResourceType, fqn string) ([]backend.GrantRecord, error) {
	if err := b.failing(); err != nil {
		return nil, err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]backend.GrantRecord(nil), b.grants[resourceKey{t, fqn}]...), nil
}

// UpdateGrants applies additions before removals. Granting an existing pair
// is a no-op; revoking a missing pair is a no-op.
func (b *Backend) UpdateGrants(_ context.Context, t domain.ResourceType, fqn string, update backend.GrantsUpdate) error {
	if err := b.failing(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	key := resourceKey{t, fqn}
	if _, ok := b.resources[key]; !ok {
		return backend.Errorf(backend.CodeNotFound, "%s %s not found", t, fqn)
	}
	existing := map[backend.GrantRecord]bool{}
	for _, g := range b.grants[key] {
		existing[g] = true
	}
	for _, g := range update.Add {
		existing[g] = true
	}
	for _, g := range update.Remove {
		delete(existing, g)
	}
	out := make([]backend.GrantRecord, 0, len(existing))
	for g := range existing {
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Principal != out[j].Principal {
			return out[i].Principal < out[j].Principal
		}
		return out[i].Privilege < out[j].Privilege
	})
	b.grants[key] = out
	return nil
}

// ListTags returns the tags on a securable.
func (b *Backend) ListTags(_ context.Context, t domain.ResourceType, fqn string) ([]backend.TagRecord, error) {
	if err := b.failing(); err != nil {
		return nil, err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]backend.TagRecord(nil), b.tags[resourceKey{t, fqn}]...), nil
}

// SetTag sets or replaces a tag by key.
func (b *Backend) SetTag(_ context.Context, t domain.ResourceType, fqn string, tag backend.TagRecord) error {
	if err := b.failing(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	key := resourceKey{t, fqn}
	if _, ok := b.resources[key]; !ok {
		return backend.Errorf(backend.CodeNotFound, "%s %s not found", t, fqn)
	}
	tags := b.tags[key]
	for i := range tags {
		if tags[i].Key == tag.Key {
			tags[i].Value = tag.Value
			return nil
		}
	}
	b.tags[key] = append(tags, tag)
	return nil
}

// RemoveTag removes a tag by key. Missing keys are a no-op.
func (b *Backend) RemoveTag(_ context.Context, t domain.ResourceType, fqn, tagKey string) error {
	if err := b.failing(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	key := resourceKey{t, fqn}
	tags := b.tags[key]
	out := tags[:0]
	for _, tg := range tags {
		if tg.Key != tagKey {
			out = append(out, tg)
		}
	}
	b.tags[key] = out
	return nil
}

// SetIsolationMode updates the isolation mode. Setting ISOLATED without
// bindings is a conflict, mirroring the control plane's coupling rule.
func (b *Backend) SetIsolationMode(_ context.Context, t domain.ResourceType, fqn, mode string) error {
	if err := b.failing(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	key := resourceKey{t, fqn}
	info, ok := b.resources[key]
	if !ok {
		return backend.Errorf(backend.CodeNotFound, "%s %s not found", t, fqn)
	}
	if mode == string(domain.IsolationIsolated) && len(b.bindings[key]) == 0 {
		return backend.Errorf(backend.CodeConflict, "%s %s: cannot isolate without workspace bindings", t, fqn)
	}
	info.IsolationMode = mode
	return nil
}

// GetWorkspaceBindings returns the workspace bindings of a container.
func (b *Backend) GetWorkspaceBindings(_ context.Context, t domain.ResourceType, fqn string) ([]backend.BindingRecord, error) {
	if err := b.failing(); err != nil {
		return nil, err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]backend.BindingRecord(nil), b.bindings[resourceKey{t, fqn}]...), nil
}

// UpdateWorkspaceBindings applies binding changes. Removing a binding while
// the container is ISOLATED and it is the last one is a conflict.
func (b *Backend) UpdateWorkspaceBindings(_ context.Context, t domain.ResourceType, fqn string, update backend.BindingsUpdate) error {
	if err := b.failing(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	key := resourceKey{t, fqn}
	info, ok := b.resources[key]
	if !ok {
		return backend.Errorf(backend.CodeNotFound, "%s %s not found", t, fqn)
	}
	existing := map[string]backend.BindingRecord{}
	for _, bd := range b.bindings[key] {
		existing[bd.WorkspaceID] = bd
	}
	for _, bd := range update.Add {
		existing[bd.WorkspaceID] = bd
	}
	for _, bd := range update.Remove {
		delete(existing, bd.WorkspaceID)
	}
	if len(existing) == 0 && info.IsolationMode == string(domain.IsolationIsolated) {
		return backend.Errorf(backend.CodeConflict, "%s %s: cannot remove all bindings while ISOLATED", t, fqn)
	}
	out := make([]backend.BindingRecord, 0, len(existing))
	for _, bd := range existing {
		out = append(out, bd)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WorkspaceID < out[j].WorkspaceID })
	b.bindings[key] = out
	return nil
}

// maxPoliciesPerContainer mirrors the control plane's policy quota.
const maxPoliciesPerContainer = 10

// ListPolicies returns the ABAC policies on a container.
func (b *Backend) ListPolicies(_ context.Context, containerFQN string) ([]backend.PolicyInfo, error) {
	if err := b.failing(); err != nil {
		return nil, err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []backend.PolicyInfo
	for _, p := range b.policies[containerFQN] {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// CreatePolicy adds a policy to a container.
func (b *Backend) CreatePolicy(_ context.Context, containerFQN string, policy backend.PolicyInfo) error {
	if err := b.failing(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	byName := b.policies[containerFQN]
	if byName == nil {
		byName = map[string]backend.PolicyInfo{}
		b.policies[containerFQN] = byName
	}
	if _, exists := byName[policy.Name]; exists {
		return backend.Errorf(backend.CodeConflict, "policy %s already exists on %s", policy.Name, containerFQN)
	}
	if len(byName) >= maxPoliciesPerContainer {
		return backend.Errorf(backend.CodeConflict, "more than %d policies per container on %s", maxPoliciesPerContainer, containerFQN)
	}
	byName[policy.Name] = policy
	return nil
}

// UpdatePolicy replaces a policy by name.
func (b *Backend) UpdatePolicy(_ context.Context, containerFQN string, policy backend.PolicyInfo) error {
	if err := b.failing(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	byName := b.policies[containerFQN]
	if _, exists := byName[policy.Name]; !exists {
		return backend.Errorf(backend.CodeNotFound, "policy %s not found on %s", policy.Name, containerFQN)
	}
	byName[policy.Name] = policy
	return nil
}

// DeletePolicy removes a policy by name.
func (b *Backend) DeletePolicy(_ context.Context, containerFQN, name string) error {
	if err := b.failing(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	byName := b.policies[containerFQN]
	if _, exists := byName[name]; !exists {
		return backend.Errorf(backend.CodeNotFound, "policy %s not found on %s", name, containerFQN)
	}
	delete(byName, name)
	return nil
}

// GetPermissions returns object-level ACLs.
func (b *Backend) GetPermissions(_ context.Context, t domain.ResourceType, fqn string) ([]backend.PermissionRecord, error) {
	if err := b.failing(); err != nil {
		return nil, err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]backend.PermissionRecord(nil), b.permissions[resourceKey{t, fqn}]...), nil
}

// SetPermissions replaces object-level ACLs.
func (b *Backend) SetPermissions(_ context.Context, t domain.ResourceType, fqn string, perms []backend.PermissionRecord) error {
	if err := b.failing(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.permissions[resourceKey{t, fqn}] = append([]backend.PermissionRecord(nil), perms...)
	return nil
}

// === helpers ===

func infoFromParams(t domain.ResourceType, name, fqn string, params domain.Params) *backend.ResourceInfo {
	info := &backend.ResourceInfo{
		Type:       t,
		Name:       name,
		FullName:   fqn,
		Properties: map[string]string{},
	}
	applyParams(info, params)
	return info
}

func applyParams(info *backend.ResourceInfo, params domain.Params) {
	for k, v := range params {
		switch k {
		case "name", "parent":
			// identity fields, fixed at creation
		case "comment":
			info.Comment, _ = v.(string)
		case "owner":
			info.Owner, _ = v.(string)
		case "columns":
			if cols, ok := v.([]domain.Params); ok {
				info.Columns = info.Columns[:0]
				for _, c := range cols {
					name, _ := c["name"].(string)
					typ, _ := c["type"].(string)
					comment, _ := c["comment"].(string)
					info.Columns = append(info.Columns, domain.Column{Name: name, Type: typ, Comment: comment})
				}
			}
		default:
			info.Properties[k] = paramString(v)
		}
	}
}

func paramString(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case bool:
		return fmt.Sprintf("%t", val)
	case int:
		return fmt.Sprintf("%d", val)
	case []string:
		return strings.Join(val, ",")
	case map[string]string:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			parts = append(parts, k+"="+val[k])
		}
		return strings.Join(parts, ",")
	default:
		return fmt.Sprintf("%v", val)
	}
}
