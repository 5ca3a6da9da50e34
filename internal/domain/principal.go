package domain

// PrincipalType identifies the kind of identity a grant targets.
type PrincipalType string

// Principal types.
const (
	PrincipalUser             PrincipalType = "USER"
	PrincipalGroup            PrincipalType = "GROUP"
	PrincipalServicePrincipal PrincipalType = "SERVICE_PRINCIPAL"
)

// Valid reports whether t is a known principal type.
func (t PrincipalType) Valid() bool {
	switch t {
	case PrincipalUser, PrincipalGroup, PrincipalServicePrincipal:
		return true
	}
	return false
}

// Principal represents a user, group, or service principal with
// environment-aware name resolution.
//
// Resolution priority: an explicit EnvironmentMapping entry for the current
// environment wins; otherwise the environment suffix is appended when enabled.
// Users never receive suffixes regardless of the flag.
type Principal struct {
	Name                 string
	Type                 PrincipalType
	AddEnvironmentSuffix bool
	EnvironmentMapping   map[Environment]string
}

// NewUser returns a user principal. Users are exempt from suffixing.
func NewUser(name string) Principal {
	return Principal{Name: name, Type: PrincipalUser}
}

// NewGroup returns a group principal with suffixing enabled.
func NewGroup(name string) Principal {
	return Principal{Name: name, Type: PrincipalGroup, AddEnvironmentSuffix: true}
}

// NewServicePrincipal returns a service principal with suffixing enabled.
func NewServicePrincipal(name string) Principal {
	return Principal{Name: name, Type: PrincipalServicePrincipal, AddEnvironmentSuffix: true}
}

// ResolvedNameIn resolves the principal's name for env. Pure function of the
// principal's fields and env.
func (p Principal) ResolvedNameIn(env Environment) string {
	if name, ok := p.EnvironmentMapping[env]; ok {
		return name
	}
	if p.Type == PrincipalUser || !p.AddEnvironmentSuffix {
		return p.Name
	}
	return p.Name + "_" + env.Suffix()
}

// ResolvedName resolves the principal's name for the current environment.
func (p Principal) ResolvedName() string {
	return p.ResolvedNameIn(CurrentEnvironment())
}

// WithMapping returns a copy of p with an explicit per-environment name.
func (p Principal) WithMapping(env Environment, name string) Principal {
	m := make(map[Environment]string, len(p.EnvironmentMapping)+1)
	for k, v := range p.EnvironmentMapping {
		m[k] = v
	}
	m[env] = name
	p.EnvironmentMapping = m
	return p
}

// WithoutSuffix returns a copy of p that keeps its base name in every
// environment (unless an explicit mapping overrides it).
func (p Principal) WithoutSuffix() Principal {
	p.AddEnvironmentSuffix = false
	return p
}

// Validate checks that the principal is well-formed.
func (p Principal) Validate() error {
	if p.Name == "" {
		return ErrValidation("principal name is required")
	}
	if !p.Type.Valid() {
		return ErrValidation("principal type %q is not valid", string(p.Type))
	}
	return nil
}
