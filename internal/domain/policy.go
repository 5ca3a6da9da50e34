package domain

// AccessPolicy is a named, reusable privilege bundle mapping resource types
// to privilege sets. Granting a policy on a securable expands to the concrete
// privileges for that securable's type.
type AccessPolicy struct {
	Name       string
	Privileges map[ResourceType][]Privilege
}

// PrivilegesFor returns the policy's privileges for resource type t.
func (p AccessPolicy) PrivilegesFor(t ResourceType) []Privilege {
	privs := p.Privileges[t]
	out := make([]Privilege, len(privs))
	copy(out, privs)
	return out
}

// ReaderPolicy grants read-only access across the hierarchy.
func ReaderPolicy() AccessPolicy {
	return AccessPolicy{
		Name: "READER",
		Privileges: map[ResourceType][]Privilege{
			TypeCatalog:        {PrivUseCatalog, PrivBrowse},
			TypeSchema:         {PrivUseSchema},
			TypeTable:          {PrivSelect},
			TypeVolume:         {PrivReadVolume},
			TypeFunction:       {PrivExecute},
			TypeModel:          {PrivExecute},
			TypeSpace:          {PrivCanView},
			TypeVectorEndpoint: {PrivCanUse},
			TypeVectorIndex:    {PrivCanRead, PrivSelect},
		},
	}
}

// WriterPolicy grants read-write access across the hierarchy.
func WriterPolicy() AccessPolicy {
	return AccessPolicy{
		Name: "WRITER",
		Privileges: map[ResourceType][]Privilege{
			TypeCatalog: {PrivUseCatalog},
			TypeSchema: {
				PrivUseSchema, PrivCreateTable, PrivCreateVolume,
				PrivCreateFunction,
			},
			TypeTable:          {PrivSelect, PrivModify},
			TypeVolume:         {PrivReadVolume, PrivWriteVolume},
			TypeFunction:       {PrivExecute},
			TypeModel:          {PrivExecute},
			TypeSpace:          {PrivCanView, PrivCanRun, PrivCanEdit},
			TypeVectorEndpoint: {PrivCanUse},
			TypeVectorIndex:    {PrivCanRead, PrivSelect},
		},
	}
}

// OwnerAdminPolicy grants full management rights.
func OwnerAdminPolicy() AccessPolicy {
	return AccessPolicy{
		Name: "OWNER_ADMIN",
		Privileges: map[ResourceType][]Privilege{
			TypeCatalog:           {PrivAllPrivileges, PrivManage},
			TypeSchema:            {PrivManage, PrivUseSchema},
			TypeTable:             {PrivSelect, PrivModify, PrivManage, PrivApplyTag},
			TypeVolume:            {PrivReadVolume, PrivWriteVolume, PrivManage},
			TypeFunction:          {PrivExecute, PrivManage},
			TypeModel:             {PrivExecute, PrivManage, PrivApplyTag},
			TypeSpace:             {PrivCanManage},
			TypeVectorEndpoint:    {PrivCanManage},
			TypeVectorIndex:       {PrivCanManage},
			TypeStorageCredential: {PrivManage},
			TypeExternalLocation:  {PrivManage},
			TypeConnection:        {PrivManage},
		},
	}
}

// CustomPolicy builds a tunable policy from an explicit privilege map.
func CustomPolicy(name string, privileges map[ResourceType][]Privilege) AccessPolicy {
	copied := make(map[ResourceType][]Privilege, len(privileges))
	for t, privs := range privileges {
		copied[t] = append([]Privilege(nil), privs...)
	}
	return AccessPolicy{Name: name, Privileges: copied}
}

// Validate checks that every privilege in the bundle is valid for the
// resource type it is mapped to.
func (p AccessPolicy) Validate() error {
	if p.Name == "" {
		return ErrValidation("access policy name is required")
	}
	for t, privs := range p.Privileges {
		if !t.Valid() {
			return ErrValidation("policy %q: unknown resource type %q", p.Name, string(t))
		}
		for _, priv := range privs {
			if !PrivilegeValidFor(priv, t) {
				return ErrValidation("policy %q: privilege %s is not valid on %s", p.Name, priv, t)
			}
		}
	}
	return nil
}
