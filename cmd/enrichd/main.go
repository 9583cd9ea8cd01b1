// enrichd runs enrichment batches on a cron schedule. It shares the enrich
// CLI's semantics; only the trigger differs.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"socialgraph-backend/internal/driver"
	"socialgraph-backend/internal/freshness"
	"socialgraph-backend/internal/graph"
	"socialgraph-backend/internal/policy"
	"socialgraph-backend/internal/store"
	"socialgraph-backend/internal/workers/browserd"
	"socialgraph-backend/lib/configutil"
	"socialgraph-backend/lib/serviceutil"
	"socialgraph-backend/lib/telemetry"

	"github.com/robfig/cron/v3"
)

type ThresholdsConfig struct {
	MaxAgeDays   int     `json:"max_age_days"`
	DeltaPct     float64 `json:"delta_pct"`
	MinCoverage  float64 `json:"min_coverage"`
	SmallAccount int64   `json:"small_account"`
}

type Config struct {
	Database  string `json:"database"`
	WorkerURL string `json:"worker_url"`
	// Schedule is a cron spec; overlapping batches are skipped, not queued.
	Schedule string `json:"schedule"`

	// Seeds is a fixed seed list; FromDiscoveries additionally pulls the N
	// most recently discovered accounts at the start of each batch.
	Seeds           []string `json:"seeds"`
	FromDiscoveries int      `json:"from_discoveries"`

	Thresholds ThresholdsConfig `json:"thresholds"`
}

func (c ThresholdsConfig) freshness() freshness.Thresholds {
	out := freshness.DefaultThresholds()
	if c.MaxAgeDays > 0 {
		out.MaxAge = time.Duration(c.MaxAgeDays) * 24 * time.Hour
	}
	if c.DeltaPct > 0 {
		out.DeltaThresholdPct = c.DeltaPct
	}
	if c.MinCoverage > 0 {
		out.MinCoveragePct = c.MinCoverage
	}
	if c.SmallAccount > 0 {
		out.SmallAccountSize = c.SmallAccount
	}
	return out
}

func main() {
	ctx := serviceutil.SignalContext()

	telemetry.InitSlog(false)
	tel, err := telemetry.SetupFromEnv(ctx, "enrichd")
	if err != nil {
		slog.Warn("telemetry setup failed, continuing without exporters", "err", err)
	}
	defer tel.Shutdown(context.Background())

	config, err := configutil.ReadConfig[Config]("enrichd.json5")
	if err != nil {
		serviceutil.Fatal("failed to read config", err)
	}
	if config.Schedule == "" {
		serviceutil.Fatal("config is missing a schedule", fmt.Errorf("set schedule to a cron spec"))
	}

	st, err := store.Open(config.Database)
	if err != nil {
		serviceutil.Fatal("failed to open database", err)
	}
	defer st.Close()

	worker := browserd.NewClient(config.WorkerURL)
	engine := policy.NewEngine(st, worker, policy.Config{
		Thresholds: config.Thresholds.freshness(),
	})

	logger := cronSlog{}
	cronner := cron.New(
		cron.WithLogger(logger),
		cron.WithChain(cron.SkipIfStillRunning(logger)),
	)
	_, err = cronner.AddFunc(config.Schedule, func() {
		runBatch(ctx, st, engine, config)
	})
	if err != nil {
		serviceutil.Fatal("invalid cron schedule", err)
	}

	slog.Info("enrichd started", "schedule", config.Schedule, "database", config.Database)
	cronner.Start()

	<-ctx.Done()
	// let an in-flight batch write its remaining audit rows
	<-cronner.Stop().Done()
}

func runBatch(ctx context.Context, st *store.Store, engine *policy.Engine, config Config) {
	seeds := make([]graph.Ident, 0, len(config.Seeds))
	for _, s := range config.Seeds {
		seeds = append(seeds, parseSeed(s))
	}
	if config.FromDiscoveries > 0 {
		discovered, err := st.ListSeedCandidates(ctx, config.FromDiscoveries)
		if err != nil {
			slog.Error("failed to list discovered seeds", "err", err)
			return
		}
		seeds = append(seeds, discovered...)
	}
	if len(seeds) == 0 {
		slog.Warn("batch has no seeds, check the config")
		return
	}

	started := time.Now()
	summary, err := driver.Run(ctx, engine, seeds)
	if err != nil {
		slog.Warn("batch aborted", "err", err, "processed", summary.Total())
		return
	}
	slog.Info("batch finished",
		"seeds", summary.Total(),
		"succeeded", summary.Succeeded,
		"errored", summary.Errored,
		"skipped", summary.Skipped,
		"elapsed", time.Since(started).Round(time.Millisecond),
	)
}

func parseSeed(arg string) graph.Ident {
	if name, ok := strings.CutPrefix(arg, "@"); ok {
		return graph.ShadowID(name)
	}
	return graph.ParseIdent(arg)
}

// cronSlog adapts the cron logger interface onto slog.
type cronSlog struct{}

func (cronSlog) Info(msg string, keysAndValues ...any) {
	slog.Debug("cron: "+msg, keysAndValues...)
}

func (cronSlog) Error(err error, msg string, keysAndValues ...any) {
	args := append([]any{"err", err}, keysAndValues...)
	slog.Error("cron: "+msg, args...)
}
