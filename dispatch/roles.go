package dispatch

import (
	"fmt"
	"strings"

	"github.com/walpipe/walpipe/perms"
)

// RolesFromClaims maps a verified token's role claims to permission
// roles. A claim is either a bare role name or
// "scopetable:scopeid:role" for a scoped assignment. Assignment ids
// are derived from the subject so transient overrides keyed by
// assignment can target them.
func RolesFromClaims(subject string, claims []string) []perms.Role {
	roles := make([]perms.Role, 0, len(claims))
	for i, claim := range claims {
		role := perms.Role{AssignmentID: fmt.Sprintf("%s/%d", subject, i)}
		if parts := strings.SplitN(claim, ":", 3); len(parts) == 3 {
			role.ScopeTable, role.ScopeID, role.Name = parts[0], parts[1], parts[2]
		} else {
			role.Name = claim
		}
		roles = append(roles, role)
	}
	return roles
}
