package convention

import (
	"regexp"
	"strings"

	"brickkit/internal/domain"
)

// NameContext supplies per-call values for the {name}, {team}, and {product}
// placeholders. Team and Product fall back to the generator's defaults.
type NameContext struct {
	Name    string
	Team    string
	Product string
}

// acronyms maps resource types to the short form used by the {acronym}
// placeholder.
var acronyms = map[domain.ResourceType]string{
	domain.TypeCatalog:           "cat",
	domain.TypeSchema:            "sch",
	domain.TypeTable:             "tbl",
	domain.TypeVolume:            "vol",
	domain.TypeFunction:          "fn",
	domain.TypeModel:             "mdl",
	domain.TypeSpace:             "spc",
	domain.TypeVectorEndpoint:    "vse",
	domain.TypeVectorIndex:       "vsi",
	domain.TypeStorageCredential: "cred",
	domain.TypeExternalLocation:  "loc",
	domain.TypeConnection:        "conn",
	domain.TypeMetastore:         "ms",
}

// placeholderRegex maps each placeholder to the capture group used when
// compiling the validation regex.
var placeholderRegex = map[string]string{
	"{env}":     `(?P<env>dev|acc|prd)`,
	"{team}":    `(?P<team>[a-z0-9_]+)`,
	"{product}": `(?P<product>[a-z0-9_]+)`,
	"{acronym}": `(?P<acronym>[a-z]+)`,
	"{name}":    `(?P<name>[a-z0-9_]+)`,
}

// NameGenerator produces and validates names from a placeholder pattern such
// as "{env}_{team}_{product}_{acronym}".
type NameGenerator struct {
	Pattern string
	Team    string
	Product string
	// AppliesTo limits naming validation to specific resource types.
	AppliesTo []domain.ResourceType

	re *regexp.Regexp
}

// NewNameGenerator compiles the validation regex for pattern. An empty
// pattern yields a generator that accepts every name and cannot generate.
func NewNameGenerator(pattern, team, product string) (*NameGenerator, error) {
	g := &NameGenerator{Pattern: pattern, Team: team, Product: product}
	if pattern == "" {
		return g, nil
	}
	escaped := regexp.QuoteMeta(pattern)
	for ph, re := range placeholderRegex {
		escaped = strings.ReplaceAll(escaped, regexp.QuoteMeta(ph), re)
	}
	re, err := regexp.Compile("^(?i)" + escaped + "$")
	if err != nil {
		return nil, domain.ErrValidation("naming pattern %q does not compile: %v", pattern, err)
	}
	g.re = re
	return g, nil
}

// Generate substitutes placeholders for resource type t in env.
func (g *NameGenerator) Generate(t domain.ResourceType, env domain.Environment, ctx NameContext) (string, error) {
	if g.Pattern == "" {
		return "", domain.ErrValidation("no naming pattern configured")
	}
	result := g.Pattern

	replace := func(placeholder, value string) error {
		if !strings.Contains(g.Pattern, placeholder) {
			return nil
		}
		if value == "" {
			return domain.ErrValidation("naming pattern needs %s but no value was provided", placeholder)
		}
		result = strings.ReplaceAll(result, placeholder, value)
		return nil
	}

	acr := acronyms[t]
	if acr == "" {
		acr = strings.ToLower(string(t))
	}
	team := ctx.Team
	if team == "" {
		team = g.Team
	}
	product := ctx.Product
	if product == "" {
		product = g.Product
	}

	for placeholder, value := range map[string]string{
		"{env}":     env.Suffix(),
		"{acronym}": acr,
		"{team}":    team,
		"{product}": product,
		"{name}":    ctx.Name,
	} {
		if err := replace(placeholder, value); err != nil {
			return "", err
		}
	}
	return result, nil
}

// ValidateName reports whether name matches the pattern. Generators without
// a pattern accept everything.
func (g *NameGenerator) ValidateName(name string) bool {
	if g.re == nil {
		return true
	}
	return g.re.MatchString(name)
}

// ParseName extracts placeholder values from a name matching the pattern.
func (g *NameGenerator) ParseName(name string) (map[string]string, bool) {
	if g.re == nil {
		return nil, false
	}
	match := g.re.FindStringSubmatch(name)
	if match == nil {
		return nil, false
	}
	out := map[string]string{}
	for i, key := range g.re.SubexpNames() {
		if key != "" && i < len(match) {
			out[key] = match[i]
		}
	}
	return out, true
}
