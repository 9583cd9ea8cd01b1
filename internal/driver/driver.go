// Package driver runs enrichment batches: one seed at a time, in order,
// isolating per-seed failures so a bad seed never takes down the batch.
package driver

import (
	"context"
	"log/slog"

	"socialgraph-backend/internal/graph"
	"socialgraph-backend/internal/policy"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

var tracer = otel.Tracer("driver")

// Enricher is the per-seed policy surface the driver drives.
type Enricher interface {
	EnrichSeed(ctx context.Context, seed graph.Ident) (policy.Outcome, error)
}

// Summary is the per-batch accounting reported back to the operator.
type Summary struct {
	Succeeded int
	Errored   int
	// Skipped counts skips by reason, Errors counts failures by type.
	Skipped map[string]int
	Errors  map[string]int
}

func (s Summary) Total() int {
	total := s.Succeeded + s.Errored
	for _, n := range s.Skipped {
		total += n
	}
	return total
}

func (s *Summary) record(outcome policy.Outcome) {
	switch outcome.State {
	case policy.DoneSkipped:
		if s.Skipped == nil {
			s.Skipped = map[string]int{}
		}
		s.Skipped[outcome.SkipReason]++
	case policy.DoneError:
		s.Errored++
		if outcome.ErrorType != "" {
			if s.Errors == nil {
				s.Errors = map[string]int{}
			}
			s.Errors[outcome.ErrorType]++
		}
	default:
		s.Succeeded++
	}
}

// Run walks the seed list in order. Cancellation is checked at the top of
// every iteration; an aborted batch returns the partial summary alongside
// the context error. Per-seed failures are folded into the summary and the
// batch keeps going.
func Run(ctx context.Context, enricher Enricher, seeds []graph.Ident) (Summary, error) {
	ctx, span := tracer.Start(ctx, "Run")
	defer span.End()
	span.SetAttributes(attribute.Int("seeds", len(seeds)))

	var summary Summary
	for i, seed := range seeds {
		if err := ctx.Err(); err != nil {
			slog.WarnContext(ctx, "batch aborted",
				"processed", i, "remaining", len(seeds)-i)
			return summary, err
		}

		outcome, err := enricher.EnrichSeed(ctx, seed)
		if err != nil {
			// the engine already audited what it could; the seed is
			// charged to the batch and the batch moves on
			slog.ErrorContext(ctx, "seed failed",
				"seed", seed.Value, "err", err)
			summary.Errored++
			continue
		}
		summary.record(outcome)

		slog.InfoContext(ctx, "seed processed",
			"seed", seed.Value,
			"state", string(outcome.State),
			"progress", i+1,
			"of", len(seeds),
		)
	}
	return summary, nil
}
