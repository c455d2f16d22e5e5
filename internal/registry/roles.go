package registry

import "github.com/shep95/maldek-sub002/internal/types"

// CheckRoleChange enforces the role transition and authorization table:
//
//	listener -> speaker   host or co_host
//	speaker  -> listener  host or co_host
//	*        -> co_host   host only
//	co_host  -> *         host only
//
// The host role is assigned once at space creation and never moves: a host
// can neither be demoted nor can anyone else be promoted to host. Actors may
// never change their own role; listeners reach speaker on their own only
// through an accepted speaker request.
func CheckRoleChange(actorID, targetID string, actor, current, next types.Role) error {
	if !next.Valid() {
		return ErrInvalidRole
	}
	if actorID == targetID {
		return ErrAuthorization
	}
	if !actor.CanModerate() {
		return ErrAuthorization
	}
	if current == types.RoleHost || next == types.RoleHost {
		// No host demotion and no host transfer.
		return ErrAuthorization
	}
	if next == types.RoleCoHost && actor != types.RoleHost {
		return ErrAuthorization
	}
	if current == types.RoleCoHost && actor != types.RoleHost {
		return ErrAuthorization
	}
	return nil
}
