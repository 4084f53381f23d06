// Package access resolves a user's effective role on a file by walking its
// ancestor chain and evaluating the Permissions attached at each level.
// Resolution never reaches into the KVEngine directly — it is handed a
// Lookup so the Files sub-store stays the single owner of file and
// permission records.
package access

import "time"

// Role is a position in the total order reader < commenter < writer < owner.
// None is the zero value and sorts below every granted role.
type Role int

const (
	None Role = iota
	Reader
	Commenter
	Writer
	Owner
)

func (r Role) String() string {
	switch r {
	case Reader:
		return "reader"
	case Commenter:
		return "commenter"
	case Writer:
		return "writer"
	case Owner:
		return "owner"
	default:
		return "none"
	}
}

// ParseRole maps a role name to its Role, or None if unrecognized.
func ParseRole(s string) Role {
	switch s {
	case "reader":
		return Reader
	case "commenter":
		return Commenter
	case "writer":
		return Writer
	case "owner":
		return Owner
	default:
		return None
	}
}

// Permission is the minimal view of a stored Permission entity that
// resolution needs.
type Permission struct {
	Type           string // "user", "group", or "anyone"
	Role           Role
	UserID         string // set when Type == "user"
	ExpirationTime *time.Time
}

func (p Permission) expired(now time.Time) bool {
	return p.ExpirationTime != nil && !p.ExpirationTime.After(now)
}

// FileRef is the minimal view of a stored File entity that resolution
// needs at each level of the ancestor chain.
type FileRef struct {
	Key           string
	Owner         string
	PermissionIDs []string
}

// Lookup supplies file and permission data to a Control. The Files
// sub-store implements it.
type Lookup interface {
	// GetFile returns the FileRef for key, and its ancestor chain
	// (root-first, nearest-parent-last), or ok=false if key does not exist.
	GetFile(key string) (file FileRef, parents []string, ok bool, err error)
	// GetPermissions resolves a set of permission ids to their records.
	// Ids with no matching record are silently omitted.
	GetPermissions(ids []string) ([]Permission, error)
}

// Control resolves roles against a Lookup.
type Control struct {
	lookup Lookup
	now    func() time.Time
}

// New builds a Control backed by lookup.
func New(lookup Lookup) *Control {
	return &Control{lookup: lookup, now: time.Now}
}

// Resolve returns the effective role user holds on fileKey: the maximum
// role granted at any level of the chain from the file's root ancestor
// down to the file itself. An owner grant at any ancestor therefore implies
// owner on every descendant, and no level can narrow what an ancestor grants.
func (c *Control) Resolve(user, fileKey string) (Role, error) {
	file, parents, ok, err := c.lookup.GetFile(fileKey)
	if err != nil {
		return None, err
	}
	if !ok {
		return None, nil
	}

	best := None
	now := c.now()

	levels := append(append([]FileRef{}, c.refsFor(parents)...), file)
	for _, ref := range levels {
		if ref.Owner == user {
			best = Owner
			continue
		}
		perms, err := c.lookup.GetPermissions(ref.PermissionIDs)
		if err != nil {
			return None, err
		}
		if lvl := bestGrant(user, perms, now); lvl > best {
			best = lvl
		}
	}
	return best, nil
}

// refsFor fetches the FileRef for each ancestor key, skipping any that no
// longer resolve (e.g. raced deletion) rather than failing the whole walk.
func (c *Control) refsFor(keys []string) []FileRef {
	refs := make([]FileRef, 0, len(keys))
	for _, k := range keys {
		ref, _, ok, err := c.lookup.GetFile(k)
		if err != nil || !ok {
			continue
		}
		refs = append(refs, ref)
	}
	return refs
}

// bestGrant picks the role applicable to user among perms at one level,
// preferring an explicit user grant over a group grant over an anyone
// grant, per the priority order in the resolution rules. Group grants are
// never present today (groups are unimplemented) but the switch keeps the
// shape for when they are.
func bestGrant(user string, perms []Permission, now time.Time) Role {
	var userRole, groupRole, anyoneRole Role
	for _, p := range perms {
		if p.expired(now) {
			continue
		}
		switch p.Type {
		case "user":
			if p.UserID == user && p.Role > userRole {
				userRole = p.Role
			}
		case "group":
			if p.Role > groupRole {
				groupRole = p.Role
			}
		case "anyone":
			if p.Role > anyoneRole {
				anyoneRole = p.Role
			}
		}
	}
	if userRole != None {
		return userRole
	}
	if groupRole != None {
		return groupRole
	}
	return anyoneRole
}

// Check reports whether user's resolved role on fileKey meets required.
func (c *Control) Check(user, fileKey string, required Role) (bool, Role, error) {
	role, err := c.Resolve(user, fileKey)
	if err != nil {
		return false, None, err
	}
	return role >= required, role, nil
}
