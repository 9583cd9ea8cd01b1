package policy

import (
	"context"
	"errors"
	"testing"
	"time"

	"socialgraph-backend/internal/chrono"
	"socialgraph-backend/internal/graph"
	"socialgraph-backend/internal/store"
	"socialgraph-backend/lib/testutil"

	"github.com/stretchr/testify/require"
)

type fakeWorker struct {
	existence Existence
	existsErr error

	profile    Profile
	profileErr error

	lists   map[graph.ListKind]ListCapture
	listErr error

	existsCalls  int
	profileCalls int
	listCalls    int
}

func (w *fakeWorker) CheckExists(ctx context.Context, id string) (Existence, error) {
	w.existsCalls++
	if w.existsErr != nil {
		return Existence{}, w.existsErr
	}
	return w.existence, nil
}

func (w *fakeWorker) FetchProfile(ctx context.Context, id string) (Profile, error) {
	w.profileCalls++
	if w.profileErr != nil {
		return Profile{}, w.profileErr
	}
	return w.profile, nil
}

func (w *fakeWorker) FetchList(ctx context.Context, id string, kind graph.ListKind) (ListCapture, error) {
	w.listCalls++
	if w.listErr != nil {
		return ListCapture{}, w.listErr
	}
	return w.lists[kind], nil
}

func aliveWorker() *fakeWorker {
	return &fakeWorker{
		existence: Existence{Exists: true, Confidence: Definitive},
		profile: Profile{
			Username:         graph.Ptr("alice"),
			DisplayName:      graph.Ptr("Alice"),
			FollowersClaimed: graph.Ptr[int64](2),
			FollowingClaimed: graph.Ptr[int64](2),
		},
		lists: map[graph.ListKind]ListCapture{
			graph.FollowingList: {
				Members: []ListMember{
					{AccountID: "2", Username: "bob"},
					{Username: "carol"},
				},
				ClaimedTotal: graph.Ptr[int64](2),
			},
			graph.FollowersList: {
				Members: []ListMember{
					{AccountID: "2", Username: "bob"},
				},
				ClaimedTotal: graph.Ptr[int64](1),
			},
		},
	}
}

func setupEngine(t *testing.T, worker Worker, cfg Config) (*Engine, *store.Store, *chrono.Fake) {
	t.Helper()
	clock := chrono.NewFake(time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC))
	st := store.New(testutil.SetupDB(t, store.Schema), store.WithClock(clock))
	cfg.Clock = clock
	return NewEngine(st, worker, cfg), st, clock
}

func recordCapture(t *testing.T, st *store.Store, seedID string, age time.Duration, clock *chrono.Fake, captured, claimed int64) {
	t.Helper()
	require.NoError(t, st.RecordRunMetric(context.Background(), graph.RunMetric{
		SeedAccountID: seedID,
		RunAt:         clock.Now().Add(-age),
		Following:     graph.ListStats{Captured: captured, ClaimedTotal: graph.Ptr(claimed)},
		Followers:     graph.ListStats{Captured: captured, ClaimedTotal: graph.Ptr(claimed)},
	}))
}

func TestPreFetchSkipMakesNoWorkerCalls(t *testing.T) {
	worker := aliveWorker()
	engine, st, clock := setupEngine(t, worker, Config{})
	ctx := context.Background()

	require.NoError(t, st.UpsertAccount(ctx, graph.Account{
		ID:               "1",
		Username:         graph.Ptr("alice"),
		FollowersClaimed: graph.Ptr[int64](539),
		FollowingClaimed: graph.Ptr[int64](539),
	}))
	recordCapture(t, st, "1", 10*24*time.Hour, clock, 512, 539)

	outcome, err := engine.EnrichSeed(ctx, graph.CanonicalID("1"))
	require.NoError(t, err)
	require.Equal(t, DoneSkipped, outcome.State)
	require.Equal(t, graph.SkipReasonFresh, outcome.SkipReason)
	require.Zero(t, worker.existsCalls+worker.profileCalls+worker.listCalls)

	latest, err := st.QueryLatestRunMetric(ctx, "1", nil)
	require.NoError(t, err)
	require.True(t, latest.Skipped)
	require.Equal(t, graph.SkipReasonFresh, latest.SkipReason)
}

func TestStaleByAgeProceedsToListRefresh(t *testing.T) {
	worker := aliveWorker()
	worker.profile.FollowersClaimed = graph.Ptr[int64](539)
	worker.profile.FollowingClaimed = graph.Ptr[int64](853)
	engine, st, clock := setupEngine(t, worker, Config{})
	ctx := context.Background()

	require.NoError(t, st.UpsertAccount(ctx, graph.Account{
		ID:               "1",
		Username:         graph.Ptr("alice"),
		FollowersClaimed: graph.Ptr[int64](539),
		FollowingClaimed: graph.Ptr[int64](853),
	}))
	recordCapture(t, st, "1", 200*24*time.Hour, clock, 512, 539)

	outcome, err := engine.EnrichSeed(ctx, graph.CanonicalID("1"))
	require.NoError(t, err)
	require.Equal(t, Done, outcome.State)
	require.Equal(t, 2, worker.listCalls)
}

func TestAmbiguousExistenceNeverMarksDeleted(t *testing.T) {
	worker := aliveWorker()
	worker.existence = Existence{Exists: false, Confidence: Assumed}
	engine, st, _ := setupEngine(t, worker, Config{})
	ctx := context.Background()

	outcome, err := engine.EnrichSeed(ctx, graph.CanonicalID("1"))
	require.NoError(t, err)
	require.Equal(t, Done, outcome.State)

	acc, err := st.GetAccount(ctx, "1")
	require.NoError(t, err)
	require.NotNil(t, acc)
	require.False(t, acc.Deleted)
}

func TestExistenceProbeErrorFailsSafe(t *testing.T) {
	worker := aliveWorker()
	worker.existsErr = errors.New("browser crashed")
	engine, st, _ := setupEngine(t, worker, Config{})
	ctx := context.Background()

	outcome, err := engine.EnrichSeed(ctx, graph.CanonicalID("1"))
	require.NoError(t, err)
	require.Equal(t, Done, outcome.State)

	acc, err := st.GetAccount(ctx, "1")
	require.NoError(t, err)
	require.False(t, acc.Deleted)
}

func TestDefinitiveGoneWritesSentinel(t *testing.T) {
	worker := aliveWorker()
	worker.existence = Existence{Exists: false, Confidence: Definitive}
	engine, st, _ := setupEngine(t, worker, Config{})
	ctx := context.Background()

	outcome, err := engine.EnrichSeed(ctx, graph.CanonicalID("1"))
	require.NoError(t, err)
	require.Equal(t, DoneSkipped, outcome.State)
	require.Equal(t, graph.SkipReasonDeleted, outcome.SkipReason)
	require.Zero(t, worker.profileCalls)

	acc, err := st.GetAccount(ctx, "1")
	require.NoError(t, err)
	require.True(t, acc.Deleted)
	require.EqualValues(t, 0, *acc.FollowersClaimed)
	require.EqualValues(t, 0, *acc.FollowingClaimed)

	latest, err := st.QueryLatestRunMetric(ctx, "1", nil)
	require.NoError(t, err)
	require.Equal(t, graph.SkipReasonDeleted, latest.SkipReason)
}

func TestDeletedAccountExcludedFromScraping(t *testing.T) {
	worker := aliveWorker()
	engine, st, _ := setupEngine(t, worker, Config{})
	ctx := context.Background()

	require.NoError(t, st.UpsertAccount(ctx, graph.Account{ID: "1", Deleted: true}))

	outcome, err := engine.EnrichSeed(ctx, graph.CanonicalID("1"))
	require.NoError(t, err)
	require.Equal(t, DoneSkipped, outcome.State)
	require.Equal(t, graph.SkipReasonDeleted, outcome.SkipReason)
	require.Zero(t, worker.existsCalls)
}

func TestProfileIncompleteRetriesThenRecordsError(t *testing.T) {
	worker := aliveWorker()
	worker.profile = Profile{Username: graph.Ptr("alice")} // no claimed totals
	engine, st, clock := setupEngine(t, worker, Config{})
	ctx := context.Background()

	outcome, err := engine.EnrichSeed(ctx, graph.CanonicalID("1"))
	require.NoError(t, err)
	require.Equal(t, DoneError, outcome.State)
	require.Equal(t, graph.ErrorTypeProfileIncomplete, outcome.ErrorType)
	require.Equal(t, 4, worker.profileCalls)
	require.Equal(t, []time.Duration{
		5 * time.Second, 15 * time.Second, 60 * time.Second,
	}, clock.Slept())

	latest, err := st.QueryLatestRunMetric(ctx, "1", nil)
	require.NoError(t, err)
	require.Equal(t, graph.ErrorTypeProfileIncomplete, latest.ErrorType)
	require.NotEmpty(t, latest.ErrorDetails)
}

func TestHappyPathPersistsCapture(t *testing.T) {
	worker := aliveWorker()
	engine, st, _ := setupEngine(t, worker, Config{})
	ctx := context.Background()

	outcome, err := engine.EnrichSeed(ctx, graph.CanonicalID("1"))
	require.NoError(t, err)
	require.Equal(t, Done, outcome.State)

	latest, err := st.QueryLatestRunMetric(ctx, "1", nil)
	require.NoError(t, err)
	require.False(t, latest.Skipped)
	require.EqualValues(t, 2, latest.Following.Captured)
	require.EqualValues(t, 2, *latest.Following.ClaimedTotal)
	require.EqualValues(t, 1, latest.Followers.Captured)
	require.EqualValues(t, 1, *latest.Followers.ClaimedTotal)
	// seed + bob (once per list) + carol
	require.EqualValues(t, 4, latest.AccountsUpserted)
	require.EqualValues(t, 3, latest.EdgesUpserted)
	require.EqualValues(t, 2, latest.DiscoveriesUpserted)

	bob, err := st.GetAccount(ctx, "2")
	require.NoError(t, err)
	require.Equal(t, "bob", *bob.Username)
	carol, err := st.GetAccount(ctx, "shadow:carol")
	require.NoError(t, err)
	require.NotNil(t, carol)
}

func TestPostFetchSkipKeepsProfileRefresh(t *testing.T) {
	worker := aliveWorker()
	// the profile page now reports the same totals the last capture saw
	worker.profile.FollowersClaimed = graph.Ptr[int64](500)
	worker.profile.FollowingClaimed = graph.Ptr[int64](500)
	engine, st, clock := setupEngine(t, worker, Config{})
	ctx := context.Background()

	// stored totals drifted enough to force a profile fetch
	require.NoError(t, st.UpsertAccount(ctx, graph.Account{
		ID:               "1",
		Username:         graph.Ptr("alice"),
		FollowersClaimed: graph.Ptr[int64](650),
		FollowingClaimed: graph.Ptr[int64](650),
	}))
	recordCapture(t, st, "1", 10*24*time.Hour, clock, 480, 500)

	outcome, err := engine.EnrichSeed(ctx, graph.CanonicalID("1"))
	require.NoError(t, err)
	require.Equal(t, DoneSkipped, outcome.State)
	require.Equal(t, graph.SkipReasonAllEdgeLists, outcome.SkipReason)
	require.Equal(t, 1, worker.profileCalls)
	require.Zero(t, worker.listCalls)

	// the refreshed profile metadata was still persisted
	acc, err := st.GetAccount(ctx, "1")
	require.NoError(t, err)
	require.EqualValues(t, 500, *acc.FollowersClaimed)
}

func TestForceIgnoresFreshness(t *testing.T) {
	worker := aliveWorker()
	engine, st, clock := setupEngine(t, worker, Config{Force: true})
	ctx := context.Background()

	require.NoError(t, st.UpsertAccount(ctx, graph.Account{
		ID:               "1",
		FollowersClaimed: graph.Ptr[int64](539),
		FollowingClaimed: graph.Ptr[int64](539),
	}))
	recordCapture(t, st, "1", 10*24*time.Hour, clock, 512, 539)

	outcome, err := engine.EnrichSeed(ctx, graph.CanonicalID("1"))
	require.NoError(t, err)
	require.Equal(t, Done, outcome.State)
	require.Equal(t, 2, worker.listCalls)
}

func TestShadowSeedResolvedToCanonical(t *testing.T) {
	worker := aliveWorker()
	worker.profile.AccountID = "777"
	engine, st, _ := setupEngine(t, worker, Config{})
	ctx := context.Background()

	require.NoError(t, st.UpsertAccount(ctx, graph.Account{
		ID:       "shadow:alice",
		Username: graph.Ptr("alice"),
		Bio:      graph.Ptr("placeholder era bio"),
	}))
	_, err := st.UpsertEdges(ctx, []graph.Edge{
		{SourceID: "9", TargetID: "shadow:alice", Direction: graph.Outbound},
	})
	require.NoError(t, err)

	outcome, err := engine.EnrichSeed(ctx, graph.ShadowID("alice"))
	require.NoError(t, err)
	require.Equal(t, Done, outcome.State)

	gone, err := st.GetAccount(ctx, "shadow:alice")
	require.NoError(t, err)
	require.Nil(t, gone)

	canonical, err := st.GetAccount(ctx, "777")
	require.NoError(t, err)
	require.NotNil(t, canonical)
	require.Equal(t, "placeholder era bio", *canonical.Bio)

	latest, err := st.QueryLatestRunMetric(ctx, "777", []string{"shadow:alice"})
	require.NoError(t, err)
	require.Equal(t, "777", latest.SeedAccountID)
}

type failingStore struct {
	*store.Store
	edgeErr error
}

func (f *failingStore) UpsertEdges(ctx context.Context, edges []graph.Edge) (int64, error) {
	return 0, f.edgeErr
}

func TestPersistFailureRecordsErrorMetric(t *testing.T) {
	worker := aliveWorker()
	clock := chrono.NewFake(time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC))
	st := store.New(testutil.SetupDB(t, store.Schema), store.WithClock(clock))
	failing := &failingStore{
		Store:   st,
		edgeErr: errors.New("NOT NULL constraint failed: edges.source_id"),
	}
	engine := NewEngine(failing, worker, Config{Clock: clock})
	ctx := context.Background()

	outcome, err := engine.EnrichSeed(ctx, graph.CanonicalID("1"))
	require.NoError(t, err)
	require.Equal(t, DoneError, outcome.State)
	require.Equal(t, graph.ErrorTypePersistFailed, outcome.ErrorType)

	latest, err := st.QueryLatestRunMetric(ctx, "1", nil)
	require.NoError(t, err)
	require.Equal(t, graph.ErrorTypePersistFailed, latest.ErrorType)
}

func TestMalformedSeedPropagates(t *testing.T) {
	engine, _, _ := setupEngine(t, aliveWorker(), Config{})
	_, err := engine.EnrichSeed(context.Background(), graph.Ident{})
	require.Error(t, err)
}
