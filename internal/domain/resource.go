package domain

import (
	"sort"
	"strings"
)

// ResourceType identifies the type of governed object.
type ResourceType string

// Resource types.
const (
	TypeMetastore         ResourceType = "METASTORE"
	TypeCatalog           ResourceType = "CATALOG"
	TypeSchema            ResourceType = "SCHEMA"
	TypeTable             ResourceType = "TABLE"
	TypeVolume            ResourceType = "VOLUME"
	TypeFunction          ResourceType = "FUNCTION"
	TypeModel             ResourceType = "MODEL"
	TypeSpace             ResourceType = "SPACE"
	TypeVectorEndpoint    ResourceType = "VECTOR_ENDPOINT"
	TypeVectorIndex       ResourceType = "VECTOR_INDEX"
	TypeStorageCredential ResourceType = "STORAGE_CREDENTIAL"
	TypeExternalLocation  ResourceType = "EXTERNAL_LOCATION"
	TypeConnection        ResourceType = "CONNECTION"
)

// AllResourceTypes lists every resource type in dependency order.
var AllResourceTypes = []ResourceType{
	TypeStorageCredential, TypeExternalLocation, TypeConnection,
	TypeMetastore, TypeCatalog, TypeSchema,
	TypeFunction,
	TypeTable, TypeVolume, TypeModel, TypeSpace, TypeVectorEndpoint,
	TypeVectorIndex,
}

// ParseResourceType converts a string (any case) into a ResourceType.
func ParseResourceType(s string) (ResourceType, bool) {
	t := ResourceType(strings.ToUpper(strings.TrimSpace(s)))
	return t, t.Valid()
}

// Valid reports whether t is a known resource type.
func (t ResourceType) Valid() bool {
	switch t {
	case TypeMetastore, TypeCatalog, TypeSchema, TypeTable, TypeVolume,
		TypeFunction, TypeModel, TypeSpace, TypeVectorEndpoint,
		TypeVectorIndex, TypeStorageCredential, TypeExternalLocation,
		TypeConnection:
		return true
	}
	return false
}

// String returns the canonical uppercase name.
func (t ResourceType) String() string { return string(t) }

// Layer returns the dependency layer for apply ordering. Layer 0 has no
// dependencies; higher layers depend on lower ones. Deletes run in reverse.
func (t ResourceType) Layer() int {
	switch t {
	case TypeStorageCredential:
		return 0
	case TypeExternalLocation, TypeConnection:
		return 1
	case TypeMetastore, TypeCatalog:
		return 2
	case TypeSchema:
		return 3
	case TypeFunction:
		return 4
	case TypeTable, TypeVolume, TypeModel, TypeSpace, TypeVectorEndpoint:
		return 5
	case TypeVectorIndex:
		return 6
	default:
		return 99
	}
}

// MaxLayer is the highest resource dependency layer.
const MaxLayer = 6

// childTypes maps container types to the resource types they may contain.
var childTypes = map[ResourceType][]ResourceType{
	TypeMetastore: {TypeCatalog},
	TypeCatalog:   {TypeSchema},
	TypeSchema: {
		TypeTable, TypeVolume, TypeFunction, TypeModel, TypeSpace,
		TypeVectorEndpoint, TypeVectorIndex,
	},
}

// ChildAllowed reports whether child may be attached under t.
func (t ResourceType) ChildAllowed(child ResourceType) bool {
	for _, c := range childTypes[t] {
		if c == child {
			return true
		}
	}
	return false
}

// TopLevel reports whether resources of type t live outside the
// metastore→catalog→schema hierarchy.
func (t ResourceType) TopLevel() bool {
	switch t {
	case TypeMetastore, TypeStorageCredential, TypeExternalLocation, TypeConnection:
		return true
	}
	return false
}

// suffixedByDefault reports whether names of this type carry the environment
// suffix. Children of a catalog do not — the catalog name already carries it.
func (t ResourceType) suffixedByDefault() bool {
	switch t {
	case TypeCatalog, TypeStorageCredential, TypeExternalLocation, TypeConnection:
		return true
	}
	return false
}

// Tag is a key-value pair used for metadata and attribute-based access
// control.
type Tag struct {
	Key   string
	Value string
}

// ConventionRef is the hook through which a convention attaches itself to a
// resource tree. AttachChild re-applies the parent's convention to new
// children through this interface; the convention package provides the
// implementation.
type ConventionRef interface {
	ApplyTo(r *Resource) error
}

// Resource is a governed object: a container, data asset, or infrastructure
// descriptor. Declared fields are set at construction; tree linkage and
// effective views are managed through methods. Raw declarations are never
// mutated by inheritance — effective views are computed on demand and
// memoized.
type Resource struct {
	Name    string
	Type    ResourceType
	Owner   *Principal
	Comment string
	Tags    []Tag
	Grants  []Grant

	// TimeBoundGrants expire; the reconciler revokes them once
	// now >= ExpiresAt.
	TimeBoundGrants []TimeBoundGrant

	// IsolationMode may only transition to Isolated after workspace
	// bindings are applied.
	IsolationMode     IsolationMode
	WorkspaceBindings []WorkspaceBinding

	// StorageLocation is inherited from the nearest ancestor when unset.
	StorageLocation string

	// ABACPolicies are tag-driven policies declared on this container.
	// Conventions materialize their policy templates here; the reconciler
	// creates them through the policies API or SQL.
	ABACPolicies []ABACPolicy

	AddEnvironmentSuffix bool
	EnvironmentMapping   map[Environment]string

	// IsReference marks an externally-managed resource: governed (tags,
	// grants, policies) but never created or dropped by the engine.
	IsReference bool

	// Spec holds the type-specific declaration; nil for plain containers.
	Spec ResourceSpec

	parent     *Resource
	children   []*Resource
	convention ConventionRef
	memo       *effectiveMemo
}

type effectiveMemo struct {
	owner    *Principal
	tags     []Tag
	grants   []Grant
	location string
	haveOwn  bool
	haveTags bool
	haveGr   bool
	haveLoc  bool
}

func newResource(name string, t ResourceType) *Resource {
	return &Resource{
		Name:                 name,
		Type:                 t,
		AddEnvironmentSuffix: t.suffixedByDefault(),
	}
}

// NewMetastore returns a metastore container.
func NewMetastore(name string) *Resource { return newResource(name, TypeMetastore) }

// NewCatalog returns a catalog container. Catalog names carry the environment
// suffix by default.
func NewCatalog(name string) *Resource { return newResource(name, TypeCatalog) }

// NewSchema returns a schema container. Schema names carry no suffix — the
// parent catalog name already does.
func NewSchema(name string) *Resource { return newResource(name, TypeSchema) }

// NewTable returns a table with its column and policy declaration.
func NewTable(name string, spec TableSpec) *Resource {
	r := newResource(name, TypeTable)
	r.Spec = &spec
	return r
}

// NewVolume returns a managed or external volume.
func NewVolume(name string, spec VolumeSpec) *Resource {
	r := newResource(name, TypeVolume)
	r.Spec = &spec
	return r
}

// NewFunction returns a scalar or table function.
func NewFunction(name string, spec FunctionSpec) *Resource {
	r := newResource(name, TypeFunction)
	r.Spec = &spec
	return r
}

// NewModel returns a registered model descriptor.
func NewModel(name string, spec ModelSpec) *Resource {
	r := newResource(name, TypeModel)
	r.Spec = &spec
	return r
}

// NewSpace returns a conversational-analytics space.
func NewSpace(name string, spec SpaceSpec) *Resource {
	r := newResource(name, TypeSpace)
	r.Spec = &spec
	return r
}

// NewVectorEndpoint returns a vector-search endpoint.
func NewVectorEndpoint(name string, spec VectorEndpointSpec) *Resource {
	r := newResource(name, TypeVectorEndpoint)
	r.Spec = &spec
	return r
}

// NewVectorIndex returns a vector-search index.
func NewVectorIndex(name string, spec VectorIndexSpec) *Resource {
	r := newResource(name, TypeVectorIndex)
	r.Spec = &spec
	return r
}

// NewStorageCredential returns a storage credential descriptor.
func NewStorageCredential(name string, spec StorageCredentialSpec) *Resource {
	r := newResource(name, TypeStorageCredential)
	r.Spec = &spec
	return r
}

// NewExternalLocation returns an external location descriptor.
func NewExternalLocation(name string, spec ExternalLocationSpec) *Resource {
	r := newResource(name, TypeExternalLocation)
	r.Spec = &spec
	return r
}

// NewConnection returns an external connection descriptor.
func NewConnection(name string, spec ConnectionSpec) *Resource {
	r := newResource(name, TypeConnection)
	r.Spec = &spec
	return r
}

// NewReference returns a reference variant: a lightweight descriptor for an
// externally-managed resource. References are governed but never created or
// dropped, and their names are never suffixed.
func NewReference(t ResourceType, name string) *Resource {
	r := newResource(name, t)
	r.IsReference = true
	r.AddEnvironmentSuffix = false
	return r
}

// ResolvedNameIn resolves the resource name for env: an explicit mapping
// wins, then the environment suffix when enabled, else the raw name.
func (r *Resource) ResolvedNameIn(env Environment) string {
	if name, ok := r.EnvironmentMapping[env]; ok {
		return name
	}
	if !r.AddEnvironmentSuffix {
		return r.Name
	}
	return r.Name + "_" + env.Suffix()
}

// ResolvedName resolves the resource name for the current environment.
func (r *Resource) ResolvedName() string {
	return r.ResolvedNameIn(CurrentEnvironment())
}

// Parent returns the parent resource, or nil for roots.
func (r *Resource) Parent() *Resource { return r.parent }

// Children returns the attached children in attachment order.
func (r *Resource) Children() []*Resource {
	out := make([]*Resource, len(r.children))
	copy(out, r.children)
	return out
}

// Convention returns the convention attached to this resource, if any.
func (r *Resource) Convention() ConventionRef { return r.convention }

// SetConvention attaches a convention reference. AttachChild copies the
// reference to new children; the convention contents are shared, not copied.
func (r *Resource) SetConvention(c ConventionRef) { r.convention = c }

// AttachChild links child under parent, enforcing the container hierarchy:
// the child type must be a valid child of the parent type, the child must not
// already have a parent, and the attachment must not create a cycle or a
// duplicate sibling name. The parent's convention, if any, is applied to the
// child immediately so subsequent reads see merged values.
func AttachChild(parent, child *Resource) error {
	if parent == nil || child == nil {
		return ErrValidation("attach: parent and child are required")
	}
	if !parent.Type.ChildAllowed(child.Type) {
		return ErrValidation("%s cannot contain %s", parent.Type, child.Type)
	}
	if child.parent != nil {
		return ErrValidation("%s %q already has a parent", child.Type, child.Name)
	}
	for a := parent; a != nil; a = a.parent {
		if a == child {
			return ErrInvariant("attach: cycle through %s %q", child.Type, child.Name)
		}
	}
	for _, sibling := range parent.children {
		if sibling.Type == child.Type && sibling.Name == child.Name {
			return ErrValidation("%s %q already exists in %s %q",
				child.Type, child.Name, parent.Type, parent.Name)
		}
	}

	child.parent = parent
	parent.children = append(parent.children, child)
	child.invalidate()

	if parent.convention != nil {
		child.convention = parent.convention
		if err := parent.convention.ApplyTo(child); err != nil {
			return err
		}
	}
	return nil
}

// FQN returns the fully qualified dotted name: resolved ancestor names below
// the metastore, then the resource's own resolved name. Top-level
// infrastructure resources have a single-segment FQN.
func (r *Resource) FQN() string {
	var parts []string
	for a := r; a != nil; a = a.parent {
		if a.Type == TypeMetastore {
			break
		}
		parts = append(parts, a.ResolvedName())
	}
	for i, j := 0, len(parts)-1; i < j; i, j = i+1, j-1 {
		parts[i], parts[j] = parts[j], parts[i]
	}
	return strings.Join(parts, ".")
}

// EffectiveOwner returns the resource's owner, or the nearest ancestor's.
func (r *Resource) EffectiveOwner() *Principal {
	m := r.ensureMemo()
	if m.haveOwn {
		return m.owner
	}
	for a := r; a != nil; a = a.parent {
		if a.Owner != nil {
			m.owner = a.Owner
			break
		}
	}
	m.haveOwn = true
	return m.owner
}

// EffectiveLocation returns the resource's storage location, or the nearest
// ancestor's.
func (r *Resource) EffectiveLocation() string {
	m := r.ensureMemo()
	if m.haveLoc {
		return m.location
	}
	for a := r; a != nil; a = a.parent {
		if a.StorageLocation != "" {
			m.location = a.StorageLocation
			break
		}
	}
	m.haveLoc = true
	return m.location
}

// EffectiveTags returns the union of ancestor tags with child tags overriding
// on identical keys, sorted by key.
func (r *Resource) EffectiveTags() []Tag {
	m := r.ensureMemo()
	if m.haveTags {
		return append([]Tag(nil), m.tags...)
	}

	merged := map[string]string{}
	var chain []*Resource
	for a := r; a != nil; a = a.parent {
		chain = append(chain, a)
	}
	// Root first so nearer ancestors (and finally the resource itself)
	// override on identical keys.
	for i := len(chain) - 1; i >= 0; i-- {
		for _, t := range chain[i].Tags {
			merged[t.Key] = t.Value
		}
	}

	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	tags := make([]Tag, 0, len(keys))
	for _, k := range keys {
		tags = append(tags, Tag{Key: k, Value: merged[k]})
	}
	m.tags = tags
	m.haveTags = true
	return append([]Tag(nil), tags...)
}

// HasTag reports whether the effective tag set contains key (and, when value
// is non-empty, that exact value).
func (r *Resource) HasTag(key, value string) bool {
	for _, t := range r.EffectiveTags() {
		if t.Key == key && (value == "" || t.Value == value) {
			return true
		}
	}
	return false
}

// AddTag appends a declared tag, replacing an existing declaration for the
// same key.
func (r *Resource) AddTag(key, value string) {
	for i, t := range r.Tags {
		if t.Key == key {
			r.Tags[i].Value = value
			r.invalidateSubtree()
			return
		}
	}
	r.Tags = append(r.Tags, Tag{Key: key, Value: value})
	r.invalidateSubtree()
}

// Walk visits r and every descendant depth-first. fn returning an error stops
// the walk.
func (r *Resource) Walk(fn func(*Resource) error) error {
	if err := fn(r); err != nil {
		return err
	}
	for _, c := range r.children {
		if err := c.Walk(fn); err != nil {
			return err
		}
	}
	return nil
}

// CheckTree verifies structural invariants over the subtree rooted at r:
// valid parent/child typing and FQN uniqueness. Violations are internal bugs
// and reported as InvariantViolationError.
func (r *Resource) CheckTree() error {
	seen := map[string]ResourceType{}
	return r.Walk(func(n *Resource) error {
		if n.parent != nil && !n.parent.Type.ChildAllowed(n.Type) {
			return ErrInvariant("%s %q attached under %s", n.Type, n.Name, n.parent.Type)
		}
		fqn := n.FQN()
		if fqn == "" {
			return ErrInvariant("%s %q has empty FQN", n.Type, n.Name)
		}
		if prior, ok := seen[fqn]; ok && prior == n.Type {
			return ErrInvariant("duplicate FQN %q", fqn)
		}
		seen[fqn] = n.Type
		return nil
	})
}

func (r *Resource) ensureMemo() *effectiveMemo {
	if r.memo == nil {
		r.memo = &effectiveMemo{}
	}
	return r.memo
}

func (r *Resource) invalidate() { r.memo = nil }

func (r *Resource) invalidateSubtree() {
	_ = r.Walk(func(n *Resource) error {
		n.invalidate()
		return nil
	})
}
