package auth

import "time"

// Role is what a token holder may do through the HTTP surface.
type Role string

const (
	RoleViewer   Role = "viewer"
	RoleApprover Role = "approver"
	RoleAdmin    Role = "admin"
)

var roleRank = map[Role]int{
	RoleViewer:   1,
	RoleApprover: 2,
	RoleAdmin:    3,
}

func (r Role) Known() bool {
	_, ok := roleRank[r]
	return ok
}

// Allows reports whether r grants at least what required grants.
func (r Role) Allows(required Role) bool {
	return r.Known() && roleRank[r] >= roleRank[required]
}

// Identity is the authenticated caller. Subject is recorded as the approver
// or rejecter on action proposals.
type Identity struct {
	Subject   string
	Email     string
	Role      Role
	ExpiresAt time.Time
}

// Approver is the name written to a proposal decided by this identity.
func (i Identity) Approver() string {
	if i.Email != "" {
		return i.Email
	}
	return i.Subject
}
