package graph

import "time"

// Account is one discovered entity. Exactly one row exists per real-world
// account; a shadow row is merged into the canonical row once the platform
// id becomes known.
//
// Nullable profile fields are pointers so that a partial scrape can be told
// apart from an observed empty value.
type Account struct {
	ID              string
	Username        *string
	DisplayName     *string
	Bio             *string
	Location        *string
	Website         *string
	ProfileImageURL *string

	// Platform-reported totals from the profile page. List visits observe
	// their own totals; those stay on the run metric and never overwrite
	// these.
	FollowersClaimed *int64
	FollowingClaimed *int64

	SourceChannel string
	FetchedAt     time.Time
	CheckedAt     time.Time

	// Deleted marks an account confirmed gone. Once set it never clears
	// and the account is excluded from future scraping.
	Deleted bool
}

// MergeAccount applies COALESCE semantics field by field: a value from next
// replaces the stored one only when next observed something. Expressed here
// rather than in SQL so the rule is unit-testable independent of the
// storage engine.
func MergeAccount(prev, next Account) Account {
	out := prev
	out.Username = coalesce(prev.Username, next.Username)
	out.DisplayName = coalesce(prev.DisplayName, next.DisplayName)
	out.Bio = coalesce(prev.Bio, next.Bio)
	out.Location = coalesce(prev.Location, next.Location)
	out.Website = coalesce(prev.Website, next.Website)
	out.ProfileImageURL = coalesce(prev.ProfileImageURL, next.ProfileImageURL)
	out.FollowersClaimed = coalesce(prev.FollowersClaimed, next.FollowersClaimed)
	out.FollowingClaimed = coalesce(prev.FollowingClaimed, next.FollowingClaimed)
	if next.SourceChannel != "" {
		out.SourceChannel = next.SourceChannel
	}
	if !next.FetchedAt.IsZero() {
		out.FetchedAt = next.FetchedAt
	}
	if !next.CheckedAt.IsZero() {
		out.CheckedAt = next.CheckedAt
	}
	// deleted is sticky, a later partial fetch can never resurrect a
	// confirmed-gone account
	out.Deleted = prev.Deleted || next.Deleted
	return out
}

func coalesce[T any](prev, next *T) *T {
	if next != nil {
		return next
	}
	return prev
}

// Ptr is a convenience for building Account literals.
func Ptr[T any](v T) *T {
	return &v
}
