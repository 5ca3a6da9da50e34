// Package convention layers organizational defaults, required-field
// validation, naming rules, and policy templates onto resource trees.
//
// A Convention is a first-class value, not global state: it is attached to a
// root resource, and attachment copies the reference, not the contents. New
// children added under a conventioned root inherit it automatically.
package convention

import (
	"brickkit/internal/domain"
)

// TagDefault is a tag applied to matching resources when absent.
type TagDefault struct {
	Key   string
	Value string
	// PerEnvValue overrides Value for specific environments.
	PerEnvValue map[domain.Environment]string
	// AppliesTo limits the default to specific resource types; empty means
	// all types.
	AppliesTo []domain.ResourceType
}

// ValueFor returns the tag value for env.
func (d TagDefault) ValueFor(env domain.Environment) string {
	if v, ok := d.PerEnvValue[env]; ok {
		return v
	}
	return d.Value
}

// RequiredTag is a tag that must be present after defaults are applied.
type RequiredTag struct {
	Key           string
	AllowedValues []string
	AppliesTo     []domain.ResourceType
	ErrorMessage  string
}

// appliesTo reports whether a scope list covers resource type t.
func appliesTo(scope []domain.ResourceType, t domain.ResourceType) bool {
	if len(scope) == 0 {
		return true
	}
	for _, s := range scope {
		if s == t {
			return true
		}
	}
	return false
}

// Convention bundles governance rules that propagate through the hierarchy.
type Convention struct {
	ConventionName string
	DefaultTags    []TagDefault
	RequiredTags   []RequiredTag
	Naming         *NameGenerator
	// DefaultOwner supplies owners per resource type; the TypeMetastore
	// key doubles as nothing special — the "default" fallback is
	// DefaultOwnerFallback.
	DefaultOwner         map[domain.ResourceType]domain.Principal
	DefaultOwnerFallback *domain.Principal
	Rules                []RuleSpec
	ABACPolicies         []domain.ABACPolicy
	registry             *RulesRegistry
}

var _ domain.ConventionRef = (*Convention)(nil)

// Name returns the convention identifier.
func (c *Convention) Name() string { return c.ConventionName }

// Registry returns the rules registry the convention validates with,
// defaulting to the shared built-in registry.
func (c *Convention) Registry() *RulesRegistry {
	if c.registry != nil {
		return c.registry
	}
	return DefaultRegistry()
}

// WithRegistry sets a custom rules registry (for caller-registered rules).
func (c *Convention) WithRegistry(r *RulesRegistry) *Convention {
	c.registry = r
	return c
}

// ownerFor returns the convention's owner for resource type t, if any.
func (c *Convention) ownerFor(t domain.ResourceType) *domain.Principal {
	if p, ok := c.DefaultOwner[t]; ok {
		return &p
	}
	return c.DefaultOwnerFallback
}

// defaultTagsFor returns the convention's default tags for resource type t
// in env, in declaration order.
func (c *Convention) defaultTagsFor(t domain.ResourceType, env domain.Environment) []domain.Tag {
	var tags []domain.Tag
	for _, d := range c.DefaultTags {
		if !appliesTo(d.AppliesTo, t) {
			continue
		}
		// Override-only defaults have no value outside their environments.
		if v := d.ValueFor(env); v != "" {
			tags = append(tags, domain.Tag{Key: d.Key, Value: v})
		}
	}
	return tags
}

// ApplyTo fills defaults on r and every descendant, then attaches the
// convention reference so future AttachChild calls auto-apply it. Existing
// tags and owners are never overwritten; applying twice is a no-op.
func (c *Convention) ApplyTo(r *domain.Resource) error {
	env := domain.CurrentEnvironment()
	return r.Walk(func(n *domain.Resource) error {
		n.SetConvention(c)

		existing := map[string]bool{}
		for _, t := range n.Tags {
			existing[t.Key] = true
		}
		for _, d := range c.defaultTagsFor(n.Type, env) {
			if !existing[d.Key] {
				n.AddTag(d.Key, d.Value)
			}
		}

		if n.Owner == nil {
			n.Owner = c.ownerFor(n.Type)
		}

		if n.Type == domain.TypeSchema {
			c.materializePolicies(n)
		}
		return nil
	})
}

// Validate checks r and every descendant against the convention's required
// tags and rules. Enforced violations carry ModeEnforced severity; advisory
// ones ModeAdvisory. The result is deterministic for a given tree.
func (c *Convention) Validate(r *domain.Resource) []Violation {
	var out []Violation
	reg := c.Registry()

	_ = r.Walk(func(n *domain.Resource) error {
		out = append(out, c.validateRequiredTags(n)...)

		for _, spec := range c.Rules {
			if len(spec.AppliesTo) > 0 && !appliesTo(spec.AppliesTo, n.Type) {
				continue
			}
			def, err := reg.Get(spec.Rule)
			if err != nil {
				out = append(out, Violation{
					Rule:     spec.Rule,
					Resource: n.FQN(),
					Detail:   err.Error(),
					Severity: ModeEnforced,
				})
				continue
			}
			for _, v := range def.Check(n, c, spec) {
				v.Severity = spec.Mode
				out = append(out, v)
			}
		}
		return nil
	})
	return out
}

// materializePolicies copies the convention's ABAC templates onto a schema
// when at least one descendant table matches the template's conditions (or
// the template has no conditions). The platform enforces per-table matching
// at query time; the engine only manages the container-level policy.
func (c *Convention) materializePolicies(schema *domain.Resource) {
	for _, tpl := range c.ABACPolicies {
		exists := false
		for _, p := range schema.ABACPolicies {
			if p.Name == tpl.Name {
				exists = true
				break
			}
		}
		if exists {
			continue
		}
		if len(tpl.MatchConditions) > 0 && !subtreeMatches(schema, tpl) {
			continue
		}
		schema.ABACPolicies = append(schema.ABACPolicies, tpl)
	}
}

func subtreeMatches(schema *domain.Resource, policy domain.ABACPolicy) bool {
	matched := false
	_ = schema.Walk(func(n *domain.Resource) error {
		if n.Type == domain.TypeTable && policy.Matches(n) {
			matched = true
		}
		return nil
	})
	return matched
}

// validateRequiredTags checks the required-tag list against the resource's
// effective tags (defaults applied plus inherited).
func (c *Convention) validateRequiredTags(n *domain.Resource) []Violation {
	var out []Violation
	effective := map[string]string{}
	for _, t := range n.EffectiveTags() {
		effective[t.Key] = t.Value
	}
	for _, req := range c.RequiredTags {
		if !appliesTo(req.AppliesTo, n.Type) {
			continue
		}
		val, ok := effective[req.Key]
		if !ok {
			detail := req.ErrorMessage
			if detail == "" {
				detail = "missing required tag: " + req.Key
			}
			out = append(out, Violation{
				Rule:     "require_tags",
				Resource: n.FQN(),
				Detail:   detail,
				Severity: ModeEnforced,
			})
			continue
		}
		if len(req.AllowedValues) > 0 {
			allowed := false
			for _, a := range req.AllowedValues {
				if a == val {
					allowed = true
					break
				}
			}
			if !allowed {
				out = append(out, Violation{
					Rule:     "require_tags",
					Resource: n.FQN(),
					Detail:   "tag " + req.Key + " has invalid value " + val,
					Severity: ModeEnforced,
				})
			}
		}
	}
	return out
}

// Errors filters violations to the enforced ones, converting them to
// domain.ValidationError values for the reconciler boundary.
func Errors(violations []Violation) []error {
	var errs []error
	for _, v := range violations {
		if v.Severity != ModeEnforced {
			continue
		}
		errs = append(errs, &domain.ValidationError{
			Rule:     v.Rule,
			Resource: v.Resource,
			Message:  v.Detail,
		})
	}
	return errs
}
