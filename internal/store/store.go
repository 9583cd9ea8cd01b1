// Package store is the durable, transactional keeper of accounts, edges,
// discovery provenance and the scrape audit log. All write primitives are
// idempotent so a retried scrape attempt converges to the same state.
//
// The database file is shared with other processes (the read-serving API),
// so it is opened in WAL mode and every operation runs under a bounded
// retry policy that treats lock contention as transient.
package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"socialgraph-backend/internal/chrono"
	"socialgraph-backend/internal/graph"
	"socialgraph-backend/lib/retry"

	"go.opentelemetry.io/otel"
	_ "modernc.org/sqlite"
)

var tracer = otel.Tracer("store")

// EdgeBatchSize caps how many edge rows are committed per transaction. Small
// batches shorten exclusive-lock windows against concurrent readers at the
// cost of at most one batch of lost work on a crash.
const EdgeBatchSize = 500

type Store struct {
	db    *sql.DB
	retry retry.Policy
	time  chrono.TimeAPI
}

type Option func(*Store)

// WithClock swaps the clock used for retry backoff sleeps.
func WithClock(t chrono.TimeAPI) Option {
	return func(s *Store) {
		s.time = t
		s.retry.Sleep = t.Sleep
	}
}

// WithRetryPolicy replaces the write/read retry discipline.
func WithRetryPolicy(p retry.Policy) Option {
	return func(s *Store) {
		s.retry = p
		if s.retry.Sleep == nil {
			s.retry.Sleep = s.time.Sleep
		}
	}
}

// New wraps an already-open database. The schema must have been applied.
func New(db *sql.DB, opts ...Option) *Store {
	s := &Store{
		db:   db,
		time: chrono.NewStandardTime(),
	}
	s.retry = retry.Policy{
		MaxAttempts: 4,
		Backoff: []time.Duration{
			time.Second,
			2 * time.Second,
			4 * time.Second,
		},
		Retryable: IsTransient,
		Sleep:     s.time.Sleep,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Open opens (creating if needed) the store file and applies the schema.
func Open(path string, opts ...Option) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating data dir: %w", err)
	}

	dsn := fmt.Sprintf(
		"file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(on)",
		path,
	)
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	if _, err := sqlDB.Exec(Schema); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("migrating database: %w", err)
	}
	return New(sqlDB, opts...), nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// withConn runs fn under the retry policy, on a dedicated connection per
// attempt. A connection that saw an error is discarded rather than returned
// to the pool, so a poisoned session is never reused.
func (s *Store) withConn(ctx context.Context, fn func(ctx context.Context, conn *sql.Conn) error) error {
	return s.retry.Do(ctx, func(ctx context.Context) error {
		conn, err := s.db.Conn(ctx)
		if err != nil {
			return err
		}
		err = fn(ctx, conn)
		if err != nil {
			_ = conn.Raw(func(any) error { return driver.ErrBadConn })
		}
		conn.Close()
		return err
	})
}

// withTx is withConn plus transaction bracketing.
func (s *Store) withTx(ctx context.Context, fn func(ctx context.Context, tx *sql.Tx) error) error {
	return s.withConn(ctx, func(ctx context.Context, conn *sql.Conn) error {
		tx, err := conn.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()
		if err := fn(ctx, tx); err != nil {
			return err
		}
		return tx.Commit()
	})
}

// UpsertAccount merges rec into the stored row field by field: a stored
// value is only replaced when rec observed something, so a partial scrape
// can never erase known data with a null. Applying the same record twice is
// a no-op.
func (s *Store) UpsertAccount(ctx context.Context, rec graph.Account) error {
	ctx, span := tracer.Start(ctx, "UpsertAccount")
	defer span.End()

	if err := graph.ParseIdent(rec.ID).Validate(); err != nil {
		return err
	}

	return s.withTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		existing, err := getAccountTx(ctx, tx, rec.ID)
		if err != nil {
			return err
		}
		merged := rec
		if existing != nil {
			merged = graph.MergeAccount(*existing, rec)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT OR REPLACE INTO accounts (
				account_id, username, display_name, bio, location, website,
				profile_image_url, followers_claimed, following_claimed,
				source_channel, fetched_at, checked_at, deleted
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			merged.ID,
			merged.Username,
			merged.DisplayName,
			merged.Bio,
			merged.Location,
			merged.Website,
			merged.ProfileImageURL,
			merged.FollowersClaimed,
			merged.FollowingClaimed,
			merged.SourceChannel,
			nullUnix(merged.FetchedAt),
			nullUnix(merged.CheckedAt),
			boolInt(merged.Deleted),
		)
		return err
	})
}

// UpsertEdges inserts the unseen subset of edges, committing in bounded
// batches. Returns the number of rows actually inserted.
func (s *Store) UpsertEdges(ctx context.Context, edges []graph.Edge) (int64, error) {
	ctx, span := tracer.Start(ctx, "UpsertEdges")
	defer span.End()

	var inserted int64
	for start := 0; start < len(edges); start += EdgeBatchSize {
		end := start + EdgeBatchSize
		if end > len(edges) {
			end = len(edges)
		}
		batch := edges[start:end]

		// counted per attempt and folded into the total only once the
		// batch commits, so a transient failure that rolls the
		// transaction back cannot double-count replayed rows
		var batchInserted int64
		err := s.withTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
			n, err := upsertEdgeBatchTx(ctx, tx, batch)
			if err != nil {
				return err
			}
			batchInserted = n
			return nil
		})
		if err != nil {
			return inserted, err
		}
		inserted += batchInserted
	}
	return inserted, nil
}

func upsertEdgeBatchTx(ctx context.Context, tx *sql.Tx, batch []graph.Edge) (int64, error) {
	seen, err := existingEdgeKeys(ctx, tx, batch)
	if err != nil {
		return 0, err
	}
	var inserted int64
	for _, e := range batch {
		key := edgeKey(e)
		if seen[key] {
			continue
		}
		res, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO edges (
				source_id, target_id, direction,
				source_channel, fetched_at, checked_at, metadata
			) VALUES (?, ?, ?, ?, ?, ?, ?)`,
			e.SourceID, e.TargetID, string(e.Direction),
			e.SourceChannel, nullUnix(e.FetchedAt), nullUnix(e.CheckedAt),
			e.Metadata,
		)
		if err != nil {
			return 0, err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, err
		}
		inserted += n
		seen[key] = true
	}
	return inserted, nil
}

// UpsertDiscoveries follows the same idempotent-insert pattern as edges.
func (s *Store) UpsertDiscoveries(ctx context.Context, discoveries []graph.Discovery) (int64, error) {
	ctx, span := tracer.Start(ctx, "UpsertDiscoveries")
	defer span.End()

	var inserted int64
	err := s.withTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		inserted = 0
		for _, d := range discoveries {
			res, err := tx.ExecContext(ctx, `
				INSERT OR IGNORE INTO discoveries (
					discovered_account_id, discovered_via_seed_id, discovered_at
				) VALUES (?, ?, ?)`,
				d.AccountID, d.ViaSeedID, d.DiscoveredAt.Unix(),
			)
			if err != nil {
				return err
			}
			n, err := res.RowsAffected()
			if err != nil {
				return err
			}
			inserted += n
		}
		return nil
	})
	return inserted, err
}

// MergeDuplicateAccounts folds the account stored under oldID into
// canonicalID: every edge and discovery referencing oldID is reassigned and
// the oldID row is removed, all in one transaction. Used when a shadow id is
// later resolved to the platform's canonical id.
func (s *Store) MergeDuplicateAccounts(ctx context.Context, oldID, canonicalID string) error {
	ctx, span := tracer.Start(ctx, "MergeDuplicateAccounts")
	defer span.End()

	if oldID == canonicalID {
		return fmt.Errorf("merge of %q into itself", oldID)
	}
	if err := graph.ParseIdent(oldID).Validate(); err != nil {
		return err
	}
	if err := graph.ParseIdent(canonicalID).Validate(); err != nil {
		return err
	}

	return s.withTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		return mergeDuplicateAccountsTx(ctx, tx, oldID, canonicalID)
	})
}

// mergeDuplicateAccountsTx carries the whole merge so tests can drive it
// inside a transaction they control and simulate a crash before commit.
func mergeDuplicateAccountsTx(ctx context.Context, tx *sql.Tx, oldID, canonicalID string) error {
	old, err := getAccountTx(ctx, tx, oldID)
	if err != nil {
		return err
	}
	if old == nil {
		return nil
	}
	canonical, err := getAccountTx(ctx, tx, canonicalID)
	if err != nil {
		return err
	}

	merged := *old
	merged.ID = canonicalID
	if canonical != nil {
		// canonical data is fresher, old shadow data only fills gaps
		merged = graph.MergeAccount(*old, *canonical)
		merged.ID = canonicalID
	}
	_, err = tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO accounts (
			account_id, username, display_name, bio, location, website,
			profile_image_url, followers_claimed, following_claimed,
			source_channel, fetched_at, checked_at, deleted
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		merged.ID, merged.Username, merged.DisplayName, merged.Bio,
		merged.Location, merged.Website, merged.ProfileImageURL,
		merged.FollowersClaimed, merged.FollowingClaimed, merged.SourceChannel,
		nullUnix(merged.FetchedAt), nullUnix(merged.CheckedAt), boolInt(merged.Deleted),
	)
	if err != nil {
		return err
	}

	// drop old-side rows the canonical account already has, then move the
	// rest, one key column at a time
	type reassign struct {
		table       string
		column      string
		otherChecks string
	}
	steps := []reassign{
		{"edges", "source_id", "AND dup.target_id = edges.target_id AND dup.direction = edges.direction"},
		{"edges", "target_id", "AND dup.source_id = edges.source_id AND dup.direction = edges.direction"},
		{"discoveries", "discovered_account_id", "AND dup.discovered_via_seed_id = discoveries.discovered_via_seed_id"},
		{"discoveries", "discovered_via_seed_id", "AND dup.discovered_account_id = discoveries.discovered_account_id"},
	}
	for _, step := range steps {
		_, err = tx.ExecContext(ctx, fmt.Sprintf(`
			DELETE FROM %[1]s WHERE %[2]s = ? AND EXISTS (
				SELECT 1 FROM %[1]s dup
				WHERE dup.%[2]s = ? %[3]s
			)`, step.table, step.column, step.otherChecks),
			oldID, canonicalID,
		)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			fmt.Sprintf(`UPDATE %[1]s SET %[2]s = ? WHERE %[2]s = ?`, step.table, step.column),
			canonicalID, oldID,
		)
		if err != nil {
			return err
		}
	}

	_, err = tx.ExecContext(ctx, `DELETE FROM accounts WHERE account_id = ?`, oldID)
	return err
}

func edgeKey(e graph.Edge) string {
	return e.SourceID + "\x00" + e.TargetID + "\x00" + string(e.Direction)
}

func existingEdgeKeys(ctx context.Context, tx *sql.Tx, batch []graph.Edge) (map[string]bool, error) {
	sources := map[string]bool{}
	for _, e := range batch {
		sources[e.SourceID] = true
	}
	args := make([]any, 0, len(sources))
	placeholders := ""
	for src := range sources {
		if placeholders != "" {
			placeholders += ","
		}
		placeholders += "?"
		args = append(args, src)
	}

	rows, err := tx.QueryContext(ctx, fmt.Sprintf(
		`SELECT source_id, target_id, direction FROM edges WHERE source_id IN (%s)`,
		placeholders,
	), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	seen := map[string]bool{}
	for rows.Next() {
		var e graph.Edge
		var dir string
		if err := rows.Scan(&e.SourceID, &e.TargetID, &dir); err != nil {
			return nil, err
		}
		e.Direction = graph.Direction(dir)
		seen[edgeKey(e)] = true
	}
	return seen, rows.Err()
}

func nullUnix(t time.Time) *int64 {
	if t.IsZero() {
		return nil
	}
	v := t.Unix()
	return &v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
