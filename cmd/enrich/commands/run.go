package commands

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"socialgraph-backend/internal/driver"
	"socialgraph-backend/internal/freshness"
	"socialgraph-backend/internal/graph"
	"socialgraph-backend/internal/policy"
	"socialgraph-backend/internal/store"
	"socialgraph-backend/internal/workers/browserd"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

var (
	runDb              *string
	runWorkerURL       *string
	runSeedsFile       *string
	runFromDiscoveries *int
	runForce           *bool

	runMaxAgeDays   *int
	runDeltaPct     *float64
	runMinCoverage  *float64
	runSmallAccount *int64
)

func init() {
	runDb = runCmd.Flags().String("db", "graph.db", "The database holding the social graph.")
	runWorkerURL = runCmd.Flags().String("worker-url", "http://localhost:9222", "Base URL of the browser sidecar.")
	runSeedsFile = runCmd.Flags().String("seeds-file", "", "File with one seed per line, # starts a comment.")
	runFromDiscoveries = runCmd.Flags().Int("from-discoveries", 0, "Seed the batch with the N most recently discovered accounts.")
	runForce = runCmd.Flags().Bool("force", false, "Refresh every seed regardless of freshness.")

	defaults := freshness.DefaultThresholds()
	runMaxAgeDays = runCmd.Flags().Int("max-age-days", int(defaults.MaxAge.Hours()/24), "Captures older than this are stale.")
	runDeltaPct = runCmd.Flags().Float64("delta-pct", defaults.DeltaThresholdPct, "Claimed-total drift percentage that forces a refresh.")
	runMinCoverage = runCmd.Flags().Float64("min-coverage", defaults.MinCoveragePct, "Minimum captured/claimed percentage considered complete.")
	runSmallAccount = runCmd.Flags().Int64("small-account", defaults.SmallAccountSize, "Accounts at or under this size stay fresh while exactly complete.")

	rootCmd.AddCommand(runCmd)
}

var runCmd = &cobra.Command{
	Use:   "run [seeds...]",
	Short: "Runs one enrichment batch over the given seeds.",
	Long: `Runs one enrichment batch. Seeds are platform account ids, shadow ids
("shadow:username"), or @usernames; they may also come from --seeds-file or
--from-discoveries. The batch keeps going past per-seed failures and exits
non-zero only when aborted.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := store.Open(*runDb)
		if err != nil {
			return fmt.Errorf("open database %s: %w", *runDb, err)
		}
		defer st.Close()

		seeds, err := collectSeeds(ctx, st, args)
		if err != nil {
			return err
		}
		if len(seeds) == 0 {
			return fmt.Errorf("no seeds given; pass ids, --seeds-file or --from-discoveries")
		}

		worker := browserd.NewClient(*runWorkerURL)
		engine := policy.NewEngine(st, worker, policy.Config{
			Thresholds: freshness.Thresholds{
				MaxAge:            time.Duration(*runMaxAgeDays) * 24 * time.Hour,
				DeltaThresholdPct: *runDeltaPct,
				MinCoveragePct:    *runMinCoverage,
				SmallAccountSize:  *runSmallAccount,
			},
			Force: *runForce,
		})

		started := time.Now()
		summary, runErr := driver.Run(ctx, engine, seeds)
		renderSummary(summary, time.Since(started))

		if runErr != nil {
			return fmt.Errorf("batch aborted: %w", runErr)
		}
		return nil
	},
}

func collectSeeds(ctx context.Context, st *store.Store, args []string) ([]graph.Ident, error) {
	var seeds []graph.Ident
	for _, arg := range args {
		seeds = append(seeds, parseSeed(arg))
	}

	if *runSeedsFile != "" {
		fromFile, err := readSeedsFile(*runSeedsFile)
		if err != nil {
			return nil, err
		}
		seeds = append(seeds, fromFile...)
	}

	if *runFromDiscoveries > 0 {
		discovered, err := st.ListSeedCandidates(ctx, *runFromDiscoveries)
		if err != nil {
			return nil, fmt.Errorf("list discovered seeds: %w", err)
		}
		seeds = append(seeds, discovered...)
	}

	return seeds, nil
}

// parseSeed maps operator input to an identifier: @names become shadow ids,
// anything else is taken verbatim.
func parseSeed(arg string) graph.Ident {
	if name, ok := strings.CutPrefix(arg, "@"); ok {
		return graph.ShadowID(name)
	}
	return graph.ParseIdent(arg)
}

func readSeedsFile(path string) ([]graph.Ident, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open seeds file: %w", err)
	}
	defer f.Close()

	var seeds []graph.Ident
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		seeds = append(seeds, parseSeed(line))
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read seeds file: %w", err)
	}
	return seeds, nil
}

func renderSummary(summary driver.Summary, elapsed time.Duration) {
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.AppendHeader(table.Row{"Outcome", "Count"})
	t.AppendRow(table.Row{"succeeded", summary.Succeeded})

	for _, reason := range sortedKeys(summary.Skipped) {
		t.AppendRow(table.Row{"skipped: " + reason, summary.Skipped[reason]})
	}
	t.AppendRow(table.Row{"errored", summary.Errored})
	for _, errType := range sortedKeys(summary.Errors) {
		t.AppendRow(table.Row{"error: " + errType, summary.Errors[errType]})
	}

	t.AppendFooter(table.Row{"total", summary.Total()})
	t.SetStyle(table.StyleRounded)
	t.Render()

	fmt.Printf("batch finished in %s\n", elapsed.Round(time.Millisecond))
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
