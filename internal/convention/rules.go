package convention

import (
	"fmt"
	"regexp"
	"sort"
	"sync"

	"brickkit/internal/domain"
)

// RuleMode selects whether a rule's violations are errors or warnings.
type RuleMode string

// Rule modes.
const (
	ModeEnforced RuleMode = "enforced"
	ModeAdvisory RuleMode = "advisory"
)

// RuleSpec configures one rule instance inside a convention.
type RuleSpec struct {
	Rule      string
	Mode      RuleMode
	Tags      []string // require_tags
	Pattern   string   // naming_pattern override
	AppliesTo []domain.ResourceType
}

// Violation is a single rule failure.
type Violation struct {
	Rule     string
	Resource string // FQN
	Detail   string
	Severity RuleMode
}

// RuleFunc checks one resource and returns violations (Severity is filled in
// by the caller from the RuleSpec's mode).
type RuleFunc func(r *domain.Resource, c *Convention, spec RuleSpec) []Violation

// RuleDefinition couples a rule name with its check.
type RuleDefinition struct {
	RuleName    string
	Description string
	Check       RuleFunc
}

// RulesRegistry holds named rule definitions. Custom rules may be registered
// by callers; built-ins are installed by DefaultRegistry.
type RulesRegistry struct {
	mu    sync.RWMutex
	rules map[string]RuleDefinition
}

// NewRulesRegistry returns an empty registry.
func NewRulesRegistry() *RulesRegistry {
	return &RulesRegistry{rules: map[string]RuleDefinition{}}
}

// Register adds or replaces a rule definition.
func (reg *RulesRegistry) Register(def RuleDefinition) error {
	if def.RuleName == "" {
		return domain.ErrValidation("rule name is required")
	}
	if def.Check == nil {
		return domain.ErrValidation("rule %q has no check function", def.RuleName)
	}
	reg.mu.Lock()
	reg.rules[def.RuleName] = def
	reg.mu.Unlock()
	return nil
}

// Get returns the definition for name.
func (reg *RulesRegistry) Get(name string) (RuleDefinition, error) {
	reg.mu.RLock()
	def, ok := reg.rules[name]
	reg.mu.RUnlock()
	if !ok {
		return RuleDefinition{}, domain.ErrValidation("unknown rule %q", name)
	}
	return def, nil
}

// Has reports whether name is registered.
func (reg *RulesRegistry) Has(name string) bool {
	reg.mu.RLock()
	_, ok := reg.rules[name]
	reg.mu.RUnlock()
	return ok
}

// List returns registered rule names, sorted.
func (reg *RulesRegistry) List() []string {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	names := make([]string, 0, len(reg.rules))
	for n := range reg.rules {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

var (
	defaultRegistryOnce sync.Once
	defaultRegistry     *RulesRegistry
)

// DefaultRegistry returns the shared registry with the built-in rules.
func DefaultRegistry() *RulesRegistry {
	defaultRegistryOnce.Do(func() {
		defaultRegistry = NewRulesRegistry()
		for _, def := range builtinRules() {
			_ = defaultRegistry.Register(def)
		}
	})
	return defaultRegistry
}

func builtinRules() []RuleDefinition {
	return []RuleDefinition{
		{
			RuleName:    "catalog_must_have_sp_owner",
			Description: "catalogs must be owned by a service principal",
			Check:       checkCatalogSPOwner,
		},
		{
			RuleName:    "owner_must_be_sp_or_group",
			Description: "owners must be service principals or groups, not users",
			Check:       checkOwnerNotUser,
		},
		{
			RuleName:    "require_tags",
			Description: "listed tag keys must be present",
			Check:       checkRequireTags,
		},
		{
			RuleName:    "naming_pattern",
			Description: "resource names must match the naming pattern",
			Check:       checkNamingPattern,
		},
	}
}

func checkCatalogSPOwner(r *domain.Resource, _ *Convention, _ RuleSpec) []Violation {
	if r.Type != domain.TypeCatalog {
		return nil
	}
	owner := r.EffectiveOwner()
	if owner == nil {
		return []Violation{{
			Rule:     "catalog_must_have_sp_owner",
			Resource: r.FQN(),
			Detail:   "catalog has no owner",
		}}
	}
	if owner.Type != domain.PrincipalServicePrincipal {
		return []Violation{{
			Rule:     "catalog_must_have_sp_owner",
			Resource: r.FQN(),
			Detail:   fmt.Sprintf("catalog owner %q is a %s, expected SERVICE_PRINCIPAL", owner.Name, owner.Type),
		}}
	}
	return nil
}

func checkOwnerNotUser(r *domain.Resource, _ *Convention, _ RuleSpec) []Violation {
	owner := r.EffectiveOwner()
	if owner == nil || owner.Type != domain.PrincipalUser {
		return nil
	}
	return []Violation{{
		Rule:     "owner_must_be_sp_or_group",
		Resource: r.FQN(),
		Detail:   fmt.Sprintf("owner %q is an individual user", owner.Name),
	}}
}

func checkRequireTags(r *domain.Resource, _ *Convention, spec RuleSpec) []Violation {
	present := map[string]bool{}
	for _, t := range r.EffectiveTags() {
		present[t.Key] = true
	}
	var out []Violation
	for _, key := range spec.Tags {
		if !present[key] {
			out = append(out, Violation{
				Rule:     "require_tags",
				Resource: r.FQN(),
				Detail:   "missing required tag: " + key,
			})
		}
	}
	return out
}

func checkNamingPattern(r *domain.Resource, c *Convention, spec RuleSpec) []Violation {
	// An explicit pattern on the rule overrides the convention's naming
	// generator; the rule's pattern is a plain regex, not a template.
	if spec.Pattern != "" {
		re, err := regexp.Compile(spec.Pattern)
		if err != nil {
			return []Violation{{
				Rule:     "naming_pattern",
				Resource: r.FQN(),
				Detail:   fmt.Sprintf("pattern %q does not compile: %v", spec.Pattern, err),
			}}
		}
		if !re.MatchString(r.ResolvedName()) {
			return []Violation{{
				Rule:     "naming_pattern",
				Resource: r.FQN(),
				Detail:   fmt.Sprintf("name %q does not match %q", r.ResolvedName(), spec.Pattern),
			}}
		}
		return nil
	}

	if c.Naming == nil {
		return nil
	}
	if len(c.Naming.AppliesTo) > 0 && !appliesTo(c.Naming.AppliesTo, r.Type) {
		return nil
	}
	if !c.Naming.ValidateName(r.ResolvedName()) {
		return []Violation{{
			Rule:     "naming_pattern",
			Resource: r.FQN(),
			Detail:   fmt.Sprintf("name %q does not match pattern %q", r.ResolvedName(), c.Naming.Pattern),
		}}
	}
	return nil
}
