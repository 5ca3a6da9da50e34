package domain

import (
	"time"

	"github.com/google/uuid"
)

// RequestStatus is the lifecycle state of an access request.
type RequestStatus string

// Access request statuses.
const (
	RequestPending  RequestStatus = "pending"
	RequestApproved RequestStatus = "approved"
	RequestDenied   RequestStatus = "denied"
	RequestExpired  RequestStatus = "expired"
)

// AccessRequest records a principal asking for privileges on a resource,
// optionally for a bounded duration.
type AccessRequest struct {
	ID            string
	Requester     Principal
	Resource      string // FQN
	ResourceType  ResourceType
	Privileges    []Privilege
	Justification string

	// Duration bounds the grant; zero means indefinite.
	Duration time.Duration

	Status     RequestStatus
	Reviewer   *Principal
	ReviewedAt *time.Time
	ExpiresAt  *time.Time
	DenyReason string
}

// SubmitAccessRequest creates a pending request. The requested privileges
// must be valid for the resource type.
func SubmitAccessRequest(requester Principal, resourceType ResourceType, resourceFQN string, privileges []Privilege, justification string, duration time.Duration) (*AccessRequest, error) {
	if err := requester.Validate(); err != nil {
		return nil, err
	}
	if len(privileges) == 0 {
		return nil, ErrValidation("access request needs at least one privilege")
	}
	for _, p := range privileges {
		if !PrivilegeValidFor(p, resourceType) {
			return nil, ErrValidation("privilege %s is not valid on %s", p, resourceType)
		}
	}
	if justification == "" {
		return nil, ErrValidation("access request justification is required")
	}
	return &AccessRequest{
		ID:            uuid.NewString(),
		Requester:     requester,
		Resource:      resourceFQN,
		ResourceType:  resourceType,
		Privileges:    append([]Privilege(nil), privileges...),
		Justification: justification,
		Duration:      duration,
		Status:        RequestPending,
	}, nil
}

// Approve transitions a pending request to approved and returns the
// resulting grant. Requests with a duration produce a TimeBoundGrant whose
// expiry starts at the review time.
func (a *AccessRequest) Approve(reviewer Principal, now time.Time) (*TimeBoundGrant, error) {
	if a.Status != RequestPending {
		return nil, ErrConflict("access request %s is %s, not pending", a.ID, a.Status)
	}
	a.Status = RequestApproved
	a.Reviewer = &reviewer
	a.ReviewedAt = &now

	grant := TimeBoundGrant{
		Grant:     Grant{Principal: a.Requester, Privileges: append([]Privilege(nil), a.Privileges...)},
		GrantedAt: now,
		RequestID: a.ID,
	}
	if a.Duration > 0 {
		expires := now.Add(a.Duration)
		a.ExpiresAt = &expires
		grant.ExpiresAt = expires
	}
	return &grant, nil
}

// Deny transitions a pending request to denied.
func (a *AccessRequest) Deny(reviewer Principal, reason string, now time.Time) error {
	if a.Status != RequestPending {
		return ErrConflict("access request %s is %s, not pending", a.ID, a.Status)
	}
	a.Status = RequestDenied
	a.Reviewer = &reviewer
	a.ReviewedAt = &now
	a.DenyReason = reason
	return nil
}

// MarkExpired transitions an approved, time-bounded request to expired once
// its expiry has passed. Returns true when the transition happened.
func (a *AccessRequest) MarkExpired(now time.Time) bool {
	if a.Status != RequestApproved || a.ExpiresAt == nil {
		return false
	}
	if now.Before(*a.ExpiresAt) {
		return false
	}
	a.Status = RequestExpired
	return true
}

// RevokeExpired sweeps requests, expiring those whose time bound has passed,
// and returns the expired ones so the caller can revoke the matching grants.
func RevokeExpired(requests []*AccessRequest, now time.Time) []*AccessRequest {
	var expired []*AccessRequest
	for _, req := range requests {
		if req.MarkExpired(now) {
			expired = append(expired, req)
		}
	}
	return expired
}
