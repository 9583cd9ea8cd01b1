package policy

import (
	"context"
	"errors"

	"socialgraph-backend/internal/graph"
)

// ErrIncompleteProfile marks a profile fetch that came back without both
// claimed totals. Incomplete results are retried, never silently accepted.
var ErrIncompleteProfile = errors.New("profile fetch missing claimed totals")

// Confidence qualifies an existence verdict.
type Confidence string

const (
	// Definitive means the worker positively observed the account state.
	Definitive Confidence = "definitive"
	// Assumed means the worker could not tell and fell back to the safe
	// assumption.
	Assumed Confidence = "assumed"
)

// Existence is the result of an account liveness probe.
type Existence struct {
	Exists     bool
	Confidence Confidence
}

// Profile is the overview scraped off an account's profile page.
type Profile struct {
	// AccountID is the platform's canonical id when the page exposed it.
	// Resolving it for a shadow seed triggers a duplicate merge.
	AccountID string

	Username        *string
	DisplayName     *string
	Bio             *string
	Location        *string
	Website         *string
	ProfileImageURL *string

	FollowersClaimed *int64
	FollowingClaimed *int64
}

// Complete reports whether the fetch captured both claimed totals.
func (p Profile) Complete() bool {
	return p.FollowersClaimed != nil && p.FollowingClaimed != nil
}

// ListMember is one entry enumerated off a relationship list.
type ListMember struct {
	// AccountID may be empty when the list only exposed the username.
	AccountID   string
	Username    string
	DisplayName *string
}

// Ident resolves the member to a stored identifier, minting a shadow id
// when the canonical one is not yet known.
func (m ListMember) Ident() graph.Ident {
	if m.AccountID != "" {
		return graph.CanonicalID(m.AccountID)
	}
	return graph.ShadowID(m.Username)
}

// ListCapture is the result of enumerating one relationship list.
// ClaimedTotal is the total observed during this specific visit; it may
// differ from the profile-page value and stays visit-local.
type ListCapture struct {
	Members      []ListMember
	ClaimedTotal *int64
}

// Worker is the external collaborator that performs the actual scraping.
// Implementations are slow, rate-limited black boxes; the engine never
// calls them more than necessary.
type Worker interface {
	CheckExists(ctx context.Context, id string) (Existence, error)
	FetchProfile(ctx context.Context, id string) (Profile, error)
	FetchList(ctx context.Context, id string, kind graph.ListKind) (ListCapture, error)
}
