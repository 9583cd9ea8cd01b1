package graph

import "time"

// Skip reasons recorded on audit rows. These strings are part of the stored
// format, do not renumber or rename.
const (
	SkipReasonFresh        = "policy_skipped_fresh"
	SkipReasonAllEdgeLists = "policy_skipped_all_edge_lists"
	SkipReasonDeleted      = "account_deleted_or_suspended"
)

// Error types recorded on audit rows.
const (
	ErrorTypeProfileIncomplete = "profile_incomplete"
	ErrorTypeWorkerFailed      = "worker_failed"
	ErrorTypePersistFailed     = "persist_failed"
)

// ListStats is the per-list capture result of one enrichment run.
type ListStats struct {
	// Captured is how many members the visit actually enumerated.
	Captured int64
	// ClaimedTotal is the total the platform reported during that visit.
	// It is visit-local and may differ from the profile-page value.
	ClaimedTotal *int64
}

// Coverage is captured/claimed, or nil when the platform reported no total.
func (s ListStats) Coverage() *float64 {
	if s.ClaimedTotal == nil || *s.ClaimedTotal <= 0 {
		return nil
	}
	cov := float64(s.Captured) / float64(*s.ClaimedTotal)
	return &cov
}

// HasCapture reports whether this run actually visited the list.
func (s ListStats) HasCapture() bool {
	return s.Captured > 0 || s.ClaimedTotal != nil
}

// RunMetric is one immutable audit record per enrichment attempt on a seed,
// whether it succeeded, skipped or errored. The freshness evaluator reads
// only these records; current account/edge rows hold no history.
type RunMetric struct {
	SeedAccountID string
	RunAt         time.Time
	Duration      time.Duration

	Following ListStats
	Followers ListStats

	AccountsUpserted    int64
	EdgesUpserted       int64
	DiscoveriesUpserted int64

	Skipped    bool
	SkipReason string

	ErrorType    string
	ErrorDetails string
}

// List returns the stats for the named list.
func (m RunMetric) List(kind ListKind) ListStats {
	if kind == FollowersList {
		return m.Followers
	}
	return m.Following
}

// SetList stores stats for the named list.
func (m *RunMetric) SetList(kind ListKind, stats ListStats) {
	if kind == FollowersList {
		m.Followers = stats
	} else {
		m.Following = stats
	}
}
