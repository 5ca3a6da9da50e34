package convention

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"brickkit/internal/domain"
)

// supportedVersion is the convention document schema version.
const supportedVersion = "1.0"

// conventionDoc mirrors the YAML convention document. Decoding is strict:
// unrecognized keys are a load-time error.
type conventionDoc struct {
	Version      string                       `yaml:"version"`
	Convention   string                       `yaml:"convention"`
	Naming       *namingDoc                   `yaml:"naming,omitempty"`
	Ownership    map[string]ownershipDoc      `yaml:"ownership,omitempty"`
	Rules        []ruleDoc                    `yaml:"rules,omitempty"`
	Tags         map[string]string            `yaml:"tags,omitempty"`
	TagOverrides map[string]map[string]string `yaml:"tag_overrides,omitempty"`
	ABACPolicies []abacPolicyDoc              `yaml:"abac_policies,omitempty"`
}

type namingDoc struct {
	Pattern string `yaml:"pattern"`
	Team    string `yaml:"team,omitempty"`
	Product string `yaml:"product,omitempty"`
	Acronym string `yaml:"acronym,omitempty"`
}

type ownershipDoc struct {
	Type                 string `yaml:"type"`
	Name                 string `yaml:"name"`
	AddEnvironmentSuffix *bool  `yaml:"add_environment_suffix,omitempty"`
}

type ruleDoc struct {
	Rule      string   `yaml:"rule"`
	Mode      string   `yaml:"mode,omitempty"`
	Tags      []string `yaml:"tags,omitempty"`
	Pattern   string   `yaml:"pattern,omitempty"`
	AppliesTo []string `yaml:"applies_to,omitempty"`
}

type abacPolicyDoc struct {
	Name             string              `yaml:"name"`
	PolicyType       string              `yaml:"policy_type"`
	Function         string              `yaml:"function"`
	TargetColumn     string              `yaml:"target_column,omitempty"`
	Comment          string              `yaml:"comment,omitempty"`
	MatchConditions  []matchConditionDoc `yaml:"match_conditions,omitempty"`
	TargetPrincipals []principalDoc      `yaml:"target_principals,omitempty"`
	ExceptPrincipals []principalDoc      `yaml:"except_principals,omitempty"`
}

type matchConditionDoc struct {
	TagKey   string `yaml:"tag_key"`
	TagValue string `yaml:"tag_value,omitempty"`
}

type principalDoc struct {
	Name                 string `yaml:"name"`
	Type                 string `yaml:"type"`
	AddEnvironmentSuffix *bool  `yaml:"add_environment_suffix,omitempty"`
}

// Load parses a convention document. Unknown top-level or nested keys, an
// unsupported version, unknown rules, and malformed naming patterns are all
// load-time errors.
func Load(data []byte) (*Convention, error) {
	return LoadWithRegistry(data, DefaultRegistry())
}

// LoadWithRegistry parses a convention document validating rule names
// against a caller-supplied registry.
func LoadWithRegistry(data []byte, registry *RulesRegistry) (*Convention, error) {
	var doc conventionDoc
	if err := strictUnmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse convention: %w", err)
	}

	if doc.Version != "" && doc.Version != supportedVersion {
		return nil, domain.ErrValidation("unsupported convention version %q (want %s)", doc.Version, supportedVersion)
	}
	if doc.Convention == "" {
		return nil, domain.ErrValidation("convention name is required")
	}

	c := &Convention{ConventionName: doc.Convention, registry: registry}

	if doc.Naming != nil {
		gen, err := NewNameGenerator(doc.Naming.Pattern, doc.Naming.Team, doc.Naming.Product)
		if err != nil {
			return nil, err
		}
		c.Naming = gen
	}

	for key, spec := range doc.Ownership {
		principal, err := parsePrincipal(principalDoc{
			Name: spec.Name, Type: spec.Type,
			AddEnvironmentSuffix: spec.AddEnvironmentSuffix,
		})
		if err != nil {
			return nil, fmt.Errorf("ownership.%s: %w", key, err)
		}
		if key == "default" {
			c.DefaultOwnerFallback = &principal
			continue
		}
		t, err := parseResourceType(key)
		if err != nil {
			return nil, fmt.Errorf("ownership.%s: %w", key, err)
		}
		if c.DefaultOwner == nil {
			c.DefaultOwner = map[domain.ResourceType]domain.Principal{}
		}
		c.DefaultOwner[t] = principal
	}

	for _, r := range doc.Rules {
		if !registry.Has(r.Rule) {
			return nil, domain.ErrValidation("unknown rule %q", r.Rule)
		}
		mode := ModeEnforced
		switch r.Mode {
		case "", "enforced":
		case "advisory":
			mode = ModeAdvisory
		default:
			return nil, domain.ErrValidation("rule %q: invalid mode %q", r.Rule, r.Mode)
		}
		spec := RuleSpec{Rule: r.Rule, Mode: mode, Tags: r.Tags, Pattern: r.Pattern}
		for _, at := range r.AppliesTo {
			t, err := parseResourceType(at)
			if err != nil {
				return nil, fmt.Errorf("rule %s: %w", r.Rule, err)
			}
			spec.AppliesTo = append(spec.AppliesTo, t)
		}
		c.Rules = append(c.Rules, spec)
	}

	for key, value := range doc.Tags {
		d := TagDefault{Key: key, Value: value}
		for envName, overrides := range doc.TagOverrides {
			env, ok := domain.ParseEnvironment(envName)
			if !ok {
				return nil, domain.ErrValidation("tag_overrides: unknown environment %q", envName)
			}
			if v, ok := overrides[key]; ok {
				if d.PerEnvValue == nil {
					d.PerEnvValue = map[domain.Environment]string{}
				}
				d.PerEnvValue[env] = v
			}
		}
		c.DefaultTags = append(c.DefaultTags, d)
	}
	// Override-only keys (absent from the base map) become env-scoped defaults.
	for envName, overrides := range doc.TagOverrides {
		env, ok := domain.ParseEnvironment(envName)
		if !ok {
			return nil, domain.ErrValidation("tag_overrides: unknown environment %q", envName)
		}
		for key, value := range overrides {
			if _, inBase := doc.Tags[key]; inBase {
				continue
			}
			c.DefaultTags = append(c.DefaultTags, TagDefault{
				Key:         key,
				PerEnvValue: map[domain.Environment]string{env: value},
			})
		}
	}

	for _, p := range doc.ABACPolicies {
		policy, err := parseABACPolicy(p)
		if err != nil {
			return nil, err
		}
		c.ABACPolicies = append(c.ABACPolicies, policy)
	}

	return c, nil
}

// LoadFile reads and parses a convention document from disk.
func LoadFile(path string) (*Convention, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path is caller-controlled
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	c, err := Load(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}

// strictUnmarshal decodes YAML rejecting unknown fields.
func strictUnmarshal(data []byte, out any) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(out); err != nil && err != io.EOF {
		return err
	}
	return nil
}

func parsePrincipal(doc principalDoc) (domain.Principal, error) {
	if doc.Name == "" {
		return domain.Principal{}, domain.ErrValidation("principal name is required")
	}
	var p domain.Principal
	switch doc.Type {
	case "USER", "user":
		p = domain.NewUser(doc.Name)
	case "GROUP", "group":
		p = domain.NewGroup(doc.Name)
	case "SERVICE_PRINCIPAL", "service_principal":
		p = domain.NewServicePrincipal(doc.Name)
	default:
		return domain.Principal{}, domain.ErrValidation("invalid principal type %q", doc.Type)
	}
	if doc.AddEnvironmentSuffix != nil {
		p.AddEnvironmentSuffix = *doc.AddEnvironmentSuffix
	}
	return p, nil
}

func parseResourceType(s string) (domain.ResourceType, error) {
	t, ok := domain.ParseResourceType(s)
	if !ok {
		return "", domain.ErrValidation("unknown resource type %q", s)
	}
	return t, nil
}

func parseABACPolicy(doc abacPolicyDoc) (domain.ABACPolicy, error) {
	policy := domain.ABACPolicy{
		Name:         doc.Name,
		PolicyType:   domain.ABACPolicyType(doc.PolicyType),
		FunctionRef:  doc.Function,
		TargetColumn: doc.TargetColumn,
		Comment:      doc.Comment,
	}
	for _, mc := range doc.MatchConditions {
		policy.MatchConditions = append(policy.MatchConditions, domain.MatchCondition{
			TagKey:   mc.TagKey,
			TagValue: mc.TagValue,
		})
	}
	for _, p := range doc.TargetPrincipals {
		principal, err := parsePrincipal(p)
		if err != nil {
			return domain.ABACPolicy{}, fmt.Errorf("abac policy %s: %w", doc.Name, err)
		}
		policy.TargetPrincipals = append(policy.TargetPrincipals, principal)
	}
	for _, p := range doc.ExceptPrincipals {
		principal, err := parsePrincipal(p)
		if err != nil {
			return domain.ABACPolicy{}, fmt.Errorf("abac policy %s: %w", doc.Name, err)
		}
		policy.ExceptPrincipals = append(policy.ExceptPrincipals, principal)
	}
	if err := policy.Validate(); err != nil {
		return domain.ABACPolicy{}, err
	}
	return policy, nil
}
