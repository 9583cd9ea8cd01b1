package driver

import (
	"context"
	"errors"
	"testing"

	"socialgraph-backend/internal/graph"
	"socialgraph-backend/internal/policy"

	"github.com/stretchr/testify/require"
)

type scriptedEnricher struct {
	outcomes map[string]policy.Outcome
	errs     map[string]error
	calls    []string
	cancelAt string
	cancel   context.CancelFunc
}

func (e *scriptedEnricher) EnrichSeed(ctx context.Context, seed graph.Ident) (policy.Outcome, error) {
	e.calls = append(e.calls, seed.Value)
	if seed.Value == e.cancelAt {
		e.cancel()
	}
	if err := e.errs[seed.Value]; err != nil {
		return policy.Outcome{State: policy.DoneError}, err
	}
	return e.outcomes[seed.Value], nil
}

func seeds(ids ...string) []graph.Ident {
	out := make([]graph.Ident, len(ids))
	for i, id := range ids {
		out[i] = graph.ParseIdent(id)
	}
	return out
}

func TestRunIsolatesSeedFailures(t *testing.T) {
	enricher := &scriptedEnricher{
		outcomes: map[string]policy.Outcome{
			"1": {State: policy.Done},
			"2": {State: policy.DoneSkipped, SkipReason: graph.SkipReasonFresh},
			"4": {State: policy.DoneError, ErrorType: graph.ErrorTypeWorkerFailed},
			"5": {State: policy.Done},
		},
		errs: map[string]error{"3": errors.New("audit write failed")},
	}

	summary, err := Run(context.Background(), enricher, seeds("1", "2", "3", "4", "5"))
	require.NoError(t, err)

	// every seed was attempted despite the failure on seed 3
	require.Equal(t, []string{"1", "2", "3", "4", "5"}, enricher.calls)
	require.Equal(t, 2, summary.Succeeded)
	require.Equal(t, 2, summary.Errored)
	require.Equal(t, map[string]int{graph.SkipReasonFresh: 1}, summary.Skipped)
	require.Equal(t, map[string]int{graph.ErrorTypeWorkerFailed: 1}, summary.Errors)
	require.Equal(t, 5, summary.Total())
}

func TestRunStopsOnCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	enricher := &scriptedEnricher{
		outcomes: map[string]policy.Outcome{
			"1": {State: policy.Done},
			"2": {State: policy.Done},
		},
		cancelAt: "2",
		cancel:   cancel,
	}

	summary, err := Run(ctx, enricher, seeds("1", "2", "3", "4"))
	require.ErrorIs(t, err, context.Canceled)

	// seed 2 finished, seed 3 was never started
	require.Equal(t, []string{"1", "2"}, enricher.calls)
	require.Equal(t, 2, summary.Succeeded)
}

func TestRunEmptyBatch(t *testing.T) {
	summary, err := Run(context.Background(), &scriptedEnricher{}, nil)
	require.NoError(t, err)
	require.Zero(t, summary.Total())
}
