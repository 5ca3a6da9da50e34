package domain

import (
	"sort"
	"time"
)

// Grant attaches a set of privileges for one principal to a securable.
type Grant struct {
	Principal  Principal
	Privileges []Privilege
}

// HasPrivilege reports whether the grant carries p.
func (g Grant) HasPrivilege(p Privilege) bool {
	for _, v := range g.Privileges {
		if v == p {
			return true
		}
	}
	return false
}

// sortedPrivileges returns a sorted copy of the grant's privileges.
func (g Grant) sortedPrivileges() []Privilege {
	out := append([]Privilege(nil), g.Privileges...)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// TimeBoundGrant is a grant with an expiry. The reconciler revokes it once
// now >= ExpiresAt and, when the grant originated from an access request,
// transitions that request to expired.
type TimeBoundGrant struct {
	Grant
	GrantedAt time.Time
	ExpiresAt time.Time
	RequestID string // originating access request, if any
}

// Expired reports whether the grant has expired at now.
func (t TimeBoundGrant) Expired(now time.Time) bool {
	return !now.Before(t.ExpiresAt)
}

// Grant attaches privileges for principal to the resource. A provided
// ALL_PRIVILEGES expands to the concrete set for the resource type. Identical
// (principal, privilege) pairs are no-ops. Privileges invalid for the
// resource type are rejected.
func (r *Resource) Grant(principal Principal, privs ...Privilege) error {
	if err := principal.Validate(); err != nil {
		return err
	}
	expanded := ExpandPrivileges(privs, r.Type)
	if len(expanded) == 0 {
		return ErrValidation("%s %q: no privileges to grant", r.Type, r.Name)
	}
	for _, p := range expanded {
		if !PrivilegeValidFor(p, r.Type) {
			return ErrValidation("privilege %s is not valid on %s", p, r.Type)
		}
	}

	resolved := principal.ResolvedName()
	for i := range r.Grants {
		if r.Grants[i].Principal.ResolvedName() != resolved {
			continue
		}
		for _, p := range expanded {
			if !r.Grants[i].HasPrivilege(p) {
				r.Grants[i].Privileges = append(r.Grants[i].Privileges, p)
			}
		}
		r.invalidateSubtree()
		return nil
	}

	r.Grants = append(r.Grants, Grant{Principal: principal, Privileges: expanded})
	r.invalidateSubtree()
	return nil
}

// GrantPolicy expands the policy's privilege bundle for the resource type
// and grants the result. Policies with no privileges for the type are a
// validation error.
func (r *Resource) GrantPolicy(principal Principal, policy AccessPolicy) error {
	privs := policy.PrivilegesFor(r.Type)
	if len(privs) == 0 {
		return ErrValidation("policy %q has no privileges for %s", policy.Name, r.Type)
	}
	return r.Grant(principal, privs...)
}

// Revoke removes the named privileges for principal, or every privilege for
// the principal when none are given.
func (r *Resource) Revoke(principal Principal, privs ...Privilege) {
	resolved := principal.ResolvedName()
	out := r.Grants[:0]
	for _, g := range r.Grants {
		if g.Principal.ResolvedName() != resolved {
			out = append(out, g)
			continue
		}
		if len(privs) == 0 {
			continue // drop the whole grant
		}
		kept := g.Privileges[:0]
		for _, p := range g.Privileges {
			remove := false
			for _, rp := range privs {
				if p == rp {
					remove = true
					break
				}
			}
			if !remove {
				kept = append(kept, p)
			}
		}
		if len(kept) > 0 {
			g.Privileges = kept
			out = append(out, g)
		}
	}
	r.Grants = out
	r.invalidateSubtree()
}

// EffectiveGrants returns the grants in force on r: ancestor grants cascade
// down unless r declares a grant for the same principal, in which case the
// local declaration overrides. Privileges invalid for r's type are filtered
// out of inherited grants. Results are sorted by resolved principal name.
func (r *Resource) EffectiveGrants() []Grant {
	m := r.ensureMemo()
	if m.haveGr {
		return append([]Grant(nil), m.grants...)
	}

	byPrincipal := map[string]Grant{}
	order := []string{}

	record := func(g Grant, inherited bool) {
		key := g.Principal.ResolvedName()
		privs := g.Privileges
		if inherited {
			// An inherited grant only carries privileges meaningful on
			// this resource type.
			var kept []Privilege
			for _, p := range privs {
				if PrivilegeValidFor(p, r.Type) {
					kept = append(kept, p)
				}
			}
			privs = kept
		}
		if len(privs) == 0 {
			return
		}
		if _, ok := byPrincipal[key]; !ok {
			order = append(order, key)
		}
		byPrincipal[key] = Grant{Principal: g.Principal, Privileges: privs}
	}

	var chain []*Resource
	for a := r; a != nil; a = a.parent {
		chain = append(chain, a)
	}
	// Root first; the resource's own grants land last and override.
	for i := len(chain) - 1; i >= 0; i-- {
		for _, g := range chain[i].Grants {
			record(g, chain[i] != r)
		}
	}

	sort.Strings(order)
	grants := make([]Grant, 0, len(order))
	for _, key := range order {
		g := byPrincipal[key]
		g.Privileges = g.sortedPrivileges()
		grants = append(grants, g)
	}
	m.grants = grants
	m.haveGr = true
	return append([]Grant(nil), grants...)
}

// PropagateGrants materializes the effective grants of every resource in the
// subtree as concrete records keyed by FQN, so that reconciliation can apply
// or revoke them explicitly rather than relying on implied inheritance.
func PropagateGrants(root *Resource) map[string][]Grant {
	out := map[string][]Grant{}
	_ = root.Walk(func(n *Resource) error {
		out[n.FQN()] = n.EffectiveGrants()
		return nil
	})
	return out
}
