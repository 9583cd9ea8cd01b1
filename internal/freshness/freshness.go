// Package freshness holds the pure decision functions that answer "is the
// captured data for this seed recent and complete enough to skip
// re-scraping". Decisions consume audit history plus claimed totals only;
// they never look at current account or edge rows, which hold no history.
package freshness

import (
	"time"

	"socialgraph-backend/internal/graph"
	"socialgraph-backend/internal/store"
)

// Status is the per-list verdict.
type Status string

const (
	Fresh           Status = "fresh"
	StaleByAge      Status = "stale_by_age"
	StaleByDelta    Status = "stale_by_delta"
	StaleByCoverage Status = "stale_by_coverage"
	NeverScraped    Status = "never_scraped"
)

// NeedsRefresh reports whether the verdict requires a list visit.
func (s Status) NeedsRefresh() bool {
	return s != Fresh
}

// Thresholds tune the evaluator. Zero values are not usable, start from
// DefaultThresholds.
type Thresholds struct {
	// MaxAge is how old the newest capture may be before it goes stale.
	MaxAge time.Duration
	// DeltaThresholdPct re-scrapes when the claimed total moved by more
	// than this percentage since the last capture.
	DeltaThresholdPct float64
	// MinCoveragePct re-scrapes when the last capture enumerated less
	// than this percentage of the claimed total.
	MinCoveragePct float64
	// SmallAccountSize caps the claimed total under which an exact
	// capture counts as complete regardless of age.
	SmallAccountSize int64
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		MaxAge:            180 * 24 * time.Hour,
		DeltaThresholdPct: 10,
		MinCoveragePct:    90,
		SmallAccountSize:  100,
	}
}

// EvaluateList judges one relationship list.
//
// last is the newest audit row that actually captured this list (nil when
// never captured). claimedNow is the total currently claimed by the
// platform, nil when unknown; when nil the total observed during the last
// capture stands in for it.
func (t Thresholds) EvaluateList(last *store.ListCapture, claimedNow *int64, now time.Time) Status {
	if last == nil {
		return NeverScraped
	}

	claimed := claimedNow
	if claimed == nil {
		claimed = last.Stats.ClaimedTotal
	}

	// small lists are cheap to get exactly right, completeness trumps
	// staleness
	if claimed != nil && *claimed <= t.SmallAccountSize &&
		last.Stats.ClaimedTotal != nil && *last.Stats.ClaimedTotal == *claimed &&
		last.Stats.Captured == *claimed {
		return Fresh
	}

	if now.Sub(last.RunAt) > t.MaxAge {
		return StaleByAge
	}

	if claimedNow != nil && last.Stats.ClaimedTotal != nil {
		if deltaPct(*last.Stats.ClaimedTotal, *claimedNow) > t.DeltaThresholdPct {
			return StaleByDelta
		}
	}

	if cov := last.Stats.Coverage(); cov != nil && *cov*100 < t.MinCoveragePct {
		return StaleByCoverage
	}

	return Fresh
}

func deltaPct(before, after int64) float64 {
	if before == 0 {
		if after == 0 {
			return 0
		}
		return 100
	}
	delta := after - before
	if delta < 0 {
		delta = -delta
	}
	return float64(delta) / float64(before) * 100
}

// Decision is the verdict for both lists of one seed.
type Decision struct {
	Following Status
	Followers Status
}

// Evaluate judges both lists of a seed at once.
func (t Thresholds) Evaluate(following, followers *store.ListCapture, claimedFollowing, claimedFollowers *int64, now time.Time) Decision {
	return Decision{
		Following: t.EvaluateList(following, claimedFollowing, now),
		Followers: t.EvaluateList(followers, claimedFollowers, now),
	}
}

// AllFresh reports whether scraping can be skipped entirely.
func (d Decision) AllFresh() bool {
	return d.Following == Fresh && d.Followers == Fresh
}

// For returns the status of the named list.
func (d Decision) For(kind graph.ListKind) Status {
	if kind == graph.FollowersList {
		return d.Followers
	}
	return d.Following
}
