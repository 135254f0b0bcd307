// Package security resolves effective permissions over chains of ACLs.
//
// An ACL is an ordered list of entries. Access to an object is decided by
// scanning the object's ACL, then each enclosing ACL outwards, and stopping
// at the first entry whose role the user holds and whose permission matches.
// With no matching entry anywhere the answer is deny.
package security

import "strings"

// Access is the verdict carried by an ACE.
type Access string

const (
	Allow Access = "allow"
	Deny  Access = "deny"
)

// All matches any requested permission.
const All = "*"

// Implicit roles. They are not stored; every project has them.
const (
	Anonymous     = "*anonymous"
	Authenticated = "*authenticated"
	// Everyone matches every caller; used by DenyAll.
	Everyone = "*everyone"
)

// Standard permissions shared by tools.
const (
	PermRead            = "read"
	PermCreate          = "create"
	PermUpdate          = "update"
	PermDelete          = "delete"
	PermAdmin           = "admin"
	PermPost            = "post"
	PermModerate        = "moderate"
	PermUnmoderatedPost = "unmoderated_post"
	PermSaveSearches    = "save_searches"
	PermConfigure       = "configure"
	PermRegister        = "register"
)

// ACE is one access-control entry.
type ACE struct {
	Access     Access `json:"access"`
	RoleID     string `json:"role_id"`
	Permission string `json:"permission"`
}

// AllowACE grants perm to role.
func AllowACE(roleID, perm string) ACE {
	return ACE{Access: Allow, RoleID: roleID, Permission: perm}
}

// DenyACE refuses perm to role.
func DenyACE(roleID, perm string) ACE {
	return ACE{Access: Deny, RoleID: roleID, Permission: perm}
}

// DenyAll is the conventional terminal entry of a private ACL.
func DenyAll() ACE {
	return ACE{Access: Deny, RoleID: Everyone, Permission: All}
}

// Matches reports whether the entry applies to roles and perm.
func (a ACE) Matches(roles RoleSet, perm string) bool {
	if a.Permission != All && a.Permission != perm {
		return false
	}
	return a.RoleID == Everyone || roles.Contains(a.RoleID)
}

func (a ACE) String() string {
	return strings.ToUpper(string(a.Access)) + "(" + a.RoleID + ", " + a.Permission + ")"
}

// ACL is an ordered list of entries.
type ACL []ACE

// Decide scans the ACL top-down and returns the first matching verdict.
func (l ACL) Decide(roles RoleSet, perm string) (Access, bool) {
	for _, ace := range l {
		if ace.Matches(roles, perm) {
			return ace.Access, true
		}
	}
	return "", false
}

// Without returns a copy with every entry for roleID and perm removed.
func (l ACL) Without(roleID, perm string) ACL {
	out := make(ACL, 0, len(l))
	for _, ace := range l {
		if ace.RoleID == roleID && ace.Permission == perm {
			continue
		}
		out = append(out, ace)
	}
	return out
}

// Permissions lists the distinct permissions mentioned by the ACL.
func (l ACL) Permissions() []string {
	seen := map[string]struct{}{}
	var out []string
	for _, ace := range l {
		if _, ok := seen[ace.Permission]; ok {
			continue
		}
		seen[ace.Permission] = struct{}{}
		out = append(out, ace.Permission)
	}
	return out
}

// RoleSet is an expanded set of role ids.
type RoleSet map[string]struct{}

// NewRoleSet builds a set from ids.
func NewRoleSet(ids ...string) RoleSet {
	s := make(RoleSet, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}

func (s RoleSet) Contains(id string) bool {
	_, ok := s[id]
	return ok
}

func (s RoleSet) add(id string) bool {
	if _, ok := s[id]; ok {
		return false
	}
	s[id] = struct{}{}
	return true
}
