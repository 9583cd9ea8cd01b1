package graph

import "time"

// Direction of a follow edge relative to its source account.
type Direction string

const (
	// Outbound means source follows target.
	Outbound Direction = "outbound"
	// Inbound means source is followed by target.
	Inbound Direction = "inbound"
)

// ListKind names the two relationship lists scraped off a profile.
type ListKind string

const (
	FollowingList ListKind = "following"
	FollowersList ListKind = "followers"
)

// EdgeDirection maps a scraped list to the direction of the edges it yields.
func (k ListKind) EdgeDirection() Direction {
	if k == FollowersList {
		return Inbound
	}
	return Outbound
}

// Edge is a directed relationship observation. The (source, target,
// direction) key is unique; re-observing an edge is a no-op. Edges are never
// deleted, absence of re-observation does not imply the relationship ended.
type Edge struct {
	SourceID  string
	TargetID  string
	Direction Direction

	SourceChannel string
	FetchedAt     time.Time
	CheckedAt     time.Time
	Metadata      *string
}

// Discovery records which seed first led to an account, for growth
// attribution and to avoid redundant re-discovery.
type Discovery struct {
	AccountID    string
	ViaSeedID    string
	DiscoveredAt time.Time
}
