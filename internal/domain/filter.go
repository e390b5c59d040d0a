package domain

import "strings"

// UserFilter selects a user listing category.
type UserFilter string

const (
	FilterAll      UserFilter = "all"
	FilterRecent   UserFilter = "recent"
	FilterActive   UserFilter = "active"
	FilterNew      UserFilter = "new"
	FilterInactive UserFilter = "inactive"
	FilterGroups   UserFilter = "groups"
)

// UserFilters lists listing categories in keyboard order.
var UserFilters = []UserFilter{FilterAll, FilterRecent, FilterActive, FilterNew, FilterGroups, FilterInactive}

// ParseUserFilter maps raw input to a filter, falling back to FilterRecent.
func ParseUserFilter(raw string) UserFilter {
	candidate := UserFilter(strings.ToLower(strings.TrimSpace(raw)))
	for _, f := range UserFilters {
		if f == candidate {
			return f
		}
	}
	return FilterRecent
}

// Title is the listing header for the filter.
func (f UserFilter) Title() string {
	switch f {
	case FilterAll:
		return "All Users"
	case FilterActive:
		return "Most Active Users"
	case FilterNew:
		return "New Users"
	case FilterInactive:
		return "Inactive Users"
	case FilterGroups:
		return "Groups"
	default:
		return "Recently Active"
	}
}

// CountFilter names the counts shown above a user listing.
type CountFilter string

const (
	CountAll       CountFilter = "all"
	CountActive24h CountFilter = "active_24h"
	CountActive7d  CountFilter = "active_7d"
	CountNew24h    CountFilter = "new_24h"
	CountInactive  CountFilter = "inactive"
	CountGroups    CountFilter = "groups"
)
