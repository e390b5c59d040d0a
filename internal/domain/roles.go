// Package domain defines shared domain constants and types.
package domain

// AdminSet is the static set of user ids allowed into the admin panel.
type AdminSet map[int64]struct{}

// NewAdminSet builds an AdminSet, skipping zero ids.
func NewAdminSet(ids ...int64) AdminSet {
	set := make(AdminSet, len(ids))
	for _, id := range ids {
		if id == 0 {
			continue
		}
		set[id] = struct{}{}
	}
	return set
}

// Contains reports whether userID is an admin.
func (s AdminSet) Contains(userID int64) bool {
	if userID == 0 {
		return false
	}
	_, ok := s[userID]
	return ok
}
