// Package policy decides, per tracked seed, whether to scrape at all, which
// relationship lists need refreshing, and how partial worker results are
// persisted. One call to EnrichSeed walks the seed through
//
//	START -> EXISTENCE_CHECK -> {DELETED | PROFILE_FETCH}
//	      -> {SKIP | LIST_REFRESH} -> PERSIST -> DONE
//
// and always ends by appending exactly one audit record.
package policy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"socialgraph-backend/internal/chrono"
	"socialgraph-backend/internal/freshness"
	"socialgraph-backend/internal/graph"
	"socialgraph-backend/internal/store"
	"socialgraph-backend/lib/retry"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

var tracer = otel.Tracer("policy")

// Store is the slice of the persistence layer the engine needs.
type Store interface {
	GetAccount(ctx context.Context, id string) (*graph.Account, error)
	UpsertAccount(ctx context.Context, rec graph.Account) error
	UpsertEdges(ctx context.Context, edges []graph.Edge) (int64, error)
	UpsertDiscoveries(ctx context.Context, discoveries []graph.Discovery) (int64, error)
	RecordRunMetric(ctx context.Context, m graph.RunMetric) error
	MergeDuplicateAccounts(ctx context.Context, oldID, canonicalID string) error
	QueryLatestListCapture(ctx context.Context, seedID string, aliasIDs []string, kind graph.ListKind) (*store.ListCapture, error)
}

// TerminalState is where a seed ended up.
type TerminalState string

const (
	Done        TerminalState = "done"
	DoneSkipped TerminalState = "done_skipped"
	DoneError   TerminalState = "done_error"
)

// Outcome summarizes one seed's run for the driver.
type Outcome struct {
	State      TerminalState
	SkipReason string
	ErrorType  string
}

// Config tunes an Engine. The zero value gets sane defaults.
type Config struct {
	Thresholds freshness.Thresholds
	// Force refreshes both lists regardless of freshness.
	Force bool
	// SourceChannel tags every record persisted by this engine.
	SourceChannel string
	Clock         chrono.TimeAPI
	// ProfileRetry overrides the profile-fetch retry schedule, used by
	// tests to avoid real sleeps.
	ProfileRetry *retry.Policy
}

type Engine struct {
	store        Store
	worker       Worker
	time         chrono.TimeAPI
	thresholds   freshness.Thresholds
	profileRetry retry.Policy
	force        bool
	channel      string
}

func NewEngine(st Store, worker Worker, cfg Config) *Engine {
	clock := cfg.Clock
	if clock == nil {
		clock = chrono.NewStandardTime()
	}
	thresholds := cfg.Thresholds
	if thresholds == (freshness.Thresholds{}) {
		thresholds = freshness.DefaultThresholds()
	}
	channel := cfg.SourceChannel
	if channel == "" {
		channel = "browserd"
	}

	var profileRetry retry.Policy
	if cfg.ProfileRetry != nil {
		profileRetry = *cfg.ProfileRetry
	} else {
		profileRetry = retry.Policy{
			MaxAttempts: 4,
			Backoff: []time.Duration{
				5 * time.Second,
				15 * time.Second,
				60 * time.Second,
				60 * time.Second,
			},
			// both worker failures and incomplete captures are worth
			// another visit within the budget
			Retryable: func(err error) bool { return true },
			Sleep:     clock.Sleep,
		}
	}

	return &Engine{
		store:        st,
		worker:       worker,
		time:         clock,
		thresholds:   thresholds,
		profileRetry: profileRetry,
		force:        cfg.Force,
		channel:      channel,
	}
}

// EnrichSeed runs the full policy state machine for one seed. The returned
// error reports a failure to write the audit record itself; every other
// failure is already folded into the outcome and its metric.
func (e *Engine) EnrichSeed(ctx context.Context, seed graph.Ident) (Outcome, error) {
	ctx, span := tracer.Start(ctx, "EnrichSeed")
	defer span.End()
	span.SetAttributes(attribute.String("seed", seed.Value))

	if err := seed.Validate(); err != nil {
		// contract violation, nothing sane to audit under
		return Outcome{State: DoneError}, err
	}

	start := e.time.Now()
	metric := graph.RunMetric{
		SeedAccountID: seed.Value,
		RunAt:         start,
	}

	account, err := e.store.GetAccount(ctx, seed.Value)
	if err != nil {
		return e.finishError(ctx, metric, start, graph.ErrorTypePersistFailed, err)
	}

	username := seed.Username()
	if account != nil && account.Username != nil {
		username = *account.Username
	}
	aliases := seed.Aliases(username)

	if account != nil && account.Deleted {
		// confirmed gone, permanently excluded
		return e.finishSkip(ctx, metric, start, graph.SkipReasonDeleted)
	}

	var claimedFollowing, claimedFollowers *int64
	if account != nil {
		claimedFollowing = account.FollowingClaimed
		claimedFollowers = account.FollowersClaimed
	}

	followingCap, err := e.store.QueryLatestListCapture(ctx, seed.Value, aliases, graph.FollowingList)
	if err != nil {
		return e.finishError(ctx, metric, start, graph.ErrorTypePersistFailed, err)
	}
	followersCap, err := e.store.QueryLatestListCapture(ctx, seed.Value, aliases, graph.FollowersList)
	if err != nil {
		return e.finishError(ctx, metric, start, graph.ErrorTypePersistFailed, err)
	}

	// pre-fetch skip: cheapest path, no worker call at all
	if !e.force {
		decision := e.thresholds.Evaluate(
			followingCap, followersCap,
			claimedFollowing, claimedFollowers,
			start,
		)
		if decision.AllFresh() {
			slog.InfoContext(ctx, "seed fresh, skipping", "seed", seed.Value)
			return e.finishSkip(ctx, metric, start, graph.SkipReasonFresh)
		}
	}

	// EXISTENCE_CHECK: fail-safe, an unsure probe never marks an account
	// deleted
	existence, err := e.worker.CheckExists(ctx, seed.Value)
	if err != nil {
		slog.WarnContext(ctx, "existence check failed, assuming account exists",
			"seed", seed.Value, "err", err)
		existence = Existence{Exists: true, Confidence: Assumed}
	}
	if !existence.Exists && existence.Confidence == Definitive {
		return e.persistDeleted(ctx, metric, start, seed)
	}

	// PROFILE_FETCH with a bounded retry budget on incomplete data
	var profile Profile
	err = e.profileRetry.Do(ctx, func(ctx context.Context) error {
		p, err := e.worker.FetchProfile(ctx, seed.Value)
		if err != nil {
			return err
		}
		if !p.Complete() {
			return ErrIncompleteProfile
		}
		profile = p
		return nil
	})
	if err != nil {
		errType := graph.ErrorTypeWorkerFailed
		if errors.Is(err, ErrIncompleteProfile) {
			errType = graph.ErrorTypeProfileIncomplete
		}
		return e.finishError(ctx, metric, start, errType, err)
	}

	// a shadow seed whose canonical id just surfaced is folded into one
	// row before anything else is written
	target := seed
	if seed.IsShadow() && profile.AccountID != "" {
		canonical := graph.CanonicalID(profile.AccountID)
		if err := canonical.Validate(); err == nil {
			slog.InfoContext(ctx, "resolving placeholder account",
				"shadow", seed.Value, "canonical", canonical.Value)
			if err := e.store.MergeDuplicateAccounts(ctx, seed.Value, canonical.Value); err != nil {
				return e.finishError(ctx, metric, start, graph.ErrorTypePersistFailed, err)
			}
			target = canonical
			metric.SeedAccountID = target.Value
		}
	}

	now := e.time.Now()
	rec := graph.Account{
		ID:               target.Value,
		Username:         profile.Username,
		DisplayName:      profile.DisplayName,
		Bio:              profile.Bio,
		Location:         profile.Location,
		Website:          profile.Website,
		ProfileImageURL:  profile.ProfileImageURL,
		FollowersClaimed: profile.FollowersClaimed,
		FollowingClaimed: profile.FollowingClaimed,
		SourceChannel:    e.channel,
		FetchedAt:        now,
		CheckedAt:        now,
	}
	if err := e.store.UpsertAccount(ctx, rec); err != nil {
		return e.finishError(ctx, metric, start, graph.ErrorTypePersistFailed, err)
	}
	metric.AccountsUpserted++

	// post-fetch skip: freshly observed totals may still say both lists
	// are fine, in which case only the profile refresh is kept
	refresh := []graph.ListKind{graph.FollowingList, graph.FollowersList}
	if !e.force {
		decision := e.thresholds.Evaluate(
			followingCap, followersCap,
			profile.FollowingClaimed, profile.FollowersClaimed,
			start,
		)
		refresh = refresh[:0]
		for _, kind := range []graph.ListKind{graph.FollowingList, graph.FollowersList} {
			if decision.For(kind).NeedsRefresh() {
				refresh = append(refresh, kind)
			}
		}
		if len(refresh) == 0 {
			return e.finishSkip(ctx, metric, start, graph.SkipReasonAllEdgeLists)
		}
	}

	// LIST_REFRESH + PERSIST
	for _, kind := range refresh {
		capture, err := e.worker.FetchList(ctx, target.Value, kind)
		if err != nil {
			return e.finishError(ctx, metric, start, graph.ErrorTypeWorkerFailed,
				fmt.Errorf("fetch %s list: %w", kind, err))
		}
		metric.SetList(kind, graph.ListStats{
			Captured:     int64(len(capture.Members)),
			ClaimedTotal: capture.ClaimedTotal,
		})

		if err := e.persistCapture(ctx, &metric, target, kind, capture); err != nil {
			return e.finishError(ctx, metric, start, graph.ErrorTypePersistFailed, err)
		}
	}

	if err := e.finish(ctx, &metric, start); err != nil {
		return Outcome{State: DoneError, ErrorType: graph.ErrorTypePersistFailed}, err
	}
	return Outcome{State: Done}, nil
}

// persistCapture writes one list capture: member accounts, edges and
// discovery provenance.
func (e *Engine) persistCapture(ctx context.Context, metric *graph.RunMetric, seed graph.Ident, kind graph.ListKind, capture ListCapture) error {
	now := e.time.Now()
	direction := kind.EdgeDirection()

	edges := make([]graph.Edge, 0, len(capture.Members))
	discoveries := make([]graph.Discovery, 0, len(capture.Members))
	for _, member := range capture.Members {
		id := member.Ident()
		if id.Value == seed.Value {
			continue
		}
		rec := graph.Account{
			ID:            id.Value,
			DisplayName:   member.DisplayName,
			SourceChannel: e.channel,
			CheckedAt:     now,
		}
		if member.Username != "" {
			rec.Username = graph.Ptr(member.Username)
		}
		if err := e.store.UpsertAccount(ctx, rec); err != nil {
			return err
		}
		metric.AccountsUpserted++

		edges = append(edges, graph.Edge{
			SourceID:      seed.Value,
			TargetID:      id.Value,
			Direction:     direction,
			SourceChannel: e.channel,
			FetchedAt:     now,
			CheckedAt:     now,
		})
		discoveries = append(discoveries, graph.Discovery{
			AccountID:    id.Value,
			ViaSeedID:    seed.Value,
			DiscoveredAt: now,
		})
	}

	inserted, err := e.store.UpsertEdges(ctx, edges)
	if err != nil {
		return err
	}
	metric.EdgesUpserted += inserted

	inserted, err = e.store.UpsertDiscoveries(ctx, discoveries)
	if err != nil {
		return err
	}
	metric.DiscoveriesUpserted += inserted
	return nil
}

// persistDeleted writes the confirmed-gone sentinel and its audit record.
func (e *Engine) persistDeleted(ctx context.Context, metric graph.RunMetric, start time.Time, seed graph.Ident) (Outcome, error) {
	now := e.time.Now()
	sentinel := graph.Account{
		ID:               seed.Value,
		FollowersClaimed: graph.Ptr[int64](0),
		FollowingClaimed: graph.Ptr[int64](0),
		SourceChannel:    e.channel,
		CheckedAt:        now,
		Deleted:          true,
	}
	if err := e.store.UpsertAccount(ctx, sentinel); err != nil {
		return e.finishError(ctx, metric, start, graph.ErrorTypePersistFailed, err)
	}
	metric.AccountsUpserted++
	slog.InfoContext(ctx, "account confirmed gone", "seed", seed.Value)
	return e.finishSkip(ctx, metric, start, graph.SkipReasonDeleted)
}

func (e *Engine) finish(ctx context.Context, metric *graph.RunMetric, start time.Time) error {
	metric.Duration = e.time.Now().Sub(start)
	return e.store.RecordRunMetric(ctx, *metric)
}

func (e *Engine) finishSkip(ctx context.Context, metric graph.RunMetric, start time.Time, reason string) (Outcome, error) {
	metric.Skipped = true
	metric.SkipReason = reason
	if err := e.finish(ctx, &metric, start); err != nil {
		return Outcome{State: DoneError, ErrorType: graph.ErrorTypePersistFailed}, err
	}
	return Outcome{State: DoneSkipped, SkipReason: reason}, nil
}

func (e *Engine) finishError(ctx context.Context, metric graph.RunMetric, start time.Time, errType string, cause error) (Outcome, error) {
	metric.ErrorType = errType
	metric.ErrorDetails = truncate(cause.Error(), 500)
	slog.ErrorContext(ctx, "seed enrichment failed",
		"seed", metric.SeedAccountID, "type", errType, "err", cause)
	if err := e.finish(ctx, &metric, start); err != nil {
		return Outcome{State: DoneError, ErrorType: errType}, err
	}
	return Outcome{State: DoneError, ErrorType: errType}, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
