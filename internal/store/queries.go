package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"socialgraph-backend/internal/graph"
)

// RecordRunMetric appends one audit row. The log is append-only; there is no
// merge and no update path.
func (s *Store) RecordRunMetric(ctx context.Context, m graph.RunMetric) error {
	ctx, span := tracer.Start(ctx, "RecordRunMetric")
	defer span.End()

	if err := graph.ParseIdent(m.SeedAccountID).Validate(); err != nil {
		return err
	}

	return s.withConn(ctx, func(ctx context.Context, conn *sql.Conn) error {
		_, err := conn.ExecContext(ctx, `
			INSERT INTO scrape_run_metrics (
				seed_account_id, run_at, duration_ms,
				following_captured, following_claimed,
				followers_captured, followers_claimed,
				accounts_upserted, edges_upserted, discoveries_upserted,
				skipped, skip_reason, error_type, error_details
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			m.SeedAccountID,
			m.RunAt.Unix(),
			m.Duration.Milliseconds(),
			listCaptured(m.Following),
			m.Following.ClaimedTotal,
			listCaptured(m.Followers),
			m.Followers.ClaimedTotal,
			m.AccountsUpserted,
			m.EdgesUpserted,
			m.DiscoveriesUpserted,
			boolInt(m.Skipped),
			nullString(m.SkipReason),
			nullString(m.ErrorType),
			nullString(m.ErrorDetails),
		)
		return err
	})
}

// QueryLatestRunMetric returns the most recent audit row recorded under any
// of the given ids, or nil when the seed has no history. Callers pass the
// seed's shadow-id aliases so history recorded before an id migration is
// still found.
func (s *Store) QueryLatestRunMetric(ctx context.Context, seedID string, aliasIDs []string) (*graph.RunMetric, error) {
	ctx, span := tracer.Start(ctx, "QueryLatestRunMetric")
	defer span.End()

	ids := dedupeIDs(seedID, aliasIDs)
	var out *graph.RunMetric
	err := s.withConn(ctx, func(ctx context.Context, conn *sql.Conn) error {
		row := conn.QueryRowContext(ctx, fmt.Sprintf(`
			SELECT %s FROM scrape_run_metrics
			WHERE seed_account_id IN (%s)
			ORDER BY run_at DESC, id DESC LIMIT 1`,
			metricColumns, idPlaceholders(ids),
		), idArgs(ids)...)
		m, err := scanMetric(row)
		if err != nil {
			return err
		}
		out = m
		return nil
	})
	return out, err
}

// ListCapture is a per-list slice of history: the newest run that actually
// visited the given list, regardless of what later skip or error rows were
// appended after it.
type ListCapture struct {
	RunAt time.Time
	Stats graph.ListStats
}

// QueryLatestListCapture finds the newest audit row holding capture data for
// one list, under any of the given ids. Returns nil when the list was never
// captured.
func (s *Store) QueryLatestListCapture(ctx context.Context, seedID string, aliasIDs []string, kind graph.ListKind) (*ListCapture, error) {
	ctx, span := tracer.Start(ctx, "QueryLatestListCapture")
	defer span.End()

	column := "following"
	if kind == graph.FollowersList {
		column = "followers"
	}

	ids := dedupeIDs(seedID, aliasIDs)
	var out *ListCapture
	err := s.withConn(ctx, func(ctx context.Context, conn *sql.Conn) error {
		row := conn.QueryRowContext(ctx, fmt.Sprintf(`
			SELECT run_at, %[1]s_captured, %[1]s_claimed
			FROM scrape_run_metrics
			WHERE seed_account_id IN (%[2]s) AND %[1]s_captured IS NOT NULL
			ORDER BY run_at DESC, id DESC LIMIT 1`,
			column, idPlaceholders(ids),
		), idArgs(ids)...)

		var runAt int64
		var captured int64
		var claimed *int64
		err := row.Scan(&runAt, &captured, &claimed)
		if errors.Is(err, sql.ErrNoRows) {
			out = nil
			return nil
		}
		if err != nil {
			return err
		}
		out = &ListCapture{
			RunAt: time.Unix(runAt, 0).UTC(),
			Stats: graph.ListStats{Captured: captured, ClaimedTotal: claimed},
		}
		return nil
	})
	return out, err
}

// GetAccount returns the stored account or nil when unknown. Reads go
// through the same retry discipline as writes since they can hit transient
// lock contention from concurrent writers.
func (s *Store) GetAccount(ctx context.Context, id string) (*graph.Account, error) {
	ctx, span := tracer.Start(ctx, "GetAccount")
	defer span.End()

	var out *graph.Account
	err := s.withConn(ctx, func(ctx context.Context, conn *sql.Conn) error {
		tx, err := conn.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()
		acc, err := getAccountTx(ctx, tx, id)
		if err != nil {
			return err
		}
		out = acc
		return tx.Commit()
	})
	return out, err
}

func getAccountTx(ctx context.Context, tx *sql.Tx, id string) (*graph.Account, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT account_id, username, display_name, bio, location, website,
		       profile_image_url, followers_claimed, following_claimed,
		       source_channel, fetched_at, checked_at, deleted
		FROM accounts WHERE account_id = ?`, id)

	var acc graph.Account
	var fetchedAt, checkedAt *int64
	var deleted int
	err := row.Scan(
		&acc.ID, &acc.Username, &acc.DisplayName, &acc.Bio, &acc.Location,
		&acc.Website, &acc.ProfileImageURL, &acc.FollowersClaimed,
		&acc.FollowingClaimed, &acc.SourceChannel, &fetchedAt, &checkedAt,
		&deleted,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if fetchedAt != nil {
		acc.FetchedAt = time.Unix(*fetchedAt, 0).UTC()
	}
	if checkedAt != nil {
		acc.CheckedAt = time.Unix(*checkedAt, 0).UTC()
	}
	acc.Deleted = deleted != 0
	return &acc, nil
}

// ListSeedCandidates derives a seed list from prior discoveries, newest
// first, excluding accounts confirmed gone.
func (s *Store) ListSeedCandidates(ctx context.Context, limit int) ([]graph.Ident, error) {
	ctx, span := tracer.Start(ctx, "ListSeedCandidates")
	defer span.End()

	var out []graph.Ident
	err := s.withConn(ctx, func(ctx context.Context, conn *sql.Conn) error {
		rows, err := conn.QueryContext(ctx, `
			SELECT d.discovered_account_id, MAX(d.discovered_at) AS last_seen
			FROM discoveries d
			LEFT JOIN accounts a ON a.account_id = d.discovered_account_id
			WHERE a.deleted IS NULL OR a.deleted = 0
			GROUP BY d.discovered_account_id
			ORDER BY last_seen DESC
			LIMIT ?`, limit)
		if err != nil {
			return err
		}
		defer rows.Close()

		out = out[:0]
		for rows.Next() {
			var id string
			var lastSeen int64
			if err := rows.Scan(&id, &lastSeen); err != nil {
				return err
			}
			out = append(out, graph.ParseIdent(id))
		}
		return rows.Err()
	})
	return out, err
}

const metricColumns = `
	seed_account_id, run_at, duration_ms,
	following_captured, following_claimed,
	followers_captured, followers_claimed,
	accounts_upserted, edges_upserted, discoveries_upserted,
	skipped, skip_reason, error_type, error_details`

func scanMetric(row *sql.Row) (*graph.RunMetric, error) {
	var m graph.RunMetric
	var runAt, durationMs int64
	var followingCaptured, followersCaptured *int64
	var skipped int
	var skipReason, errorType, errorDetails *string

	err := row.Scan(
		&m.SeedAccountID, &runAt, &durationMs,
		&followingCaptured, &m.Following.ClaimedTotal,
		&followersCaptured, &m.Followers.ClaimedTotal,
		&m.AccountsUpserted, &m.EdgesUpserted, &m.DiscoveriesUpserted,
		&skipped, &skipReason, &errorType, &errorDetails,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	m.RunAt = time.Unix(runAt, 0).UTC()
	m.Duration = time.Duration(durationMs) * time.Millisecond
	if followingCaptured != nil {
		m.Following.Captured = *followingCaptured
	}
	if followersCaptured != nil {
		m.Followers.Captured = *followersCaptured
	}
	m.Skipped = skipped != 0
	m.SkipReason = strValue(skipReason)
	m.ErrorType = strValue(errorType)
	m.ErrorDetails = strValue(errorDetails)
	return &m, nil
}

func dedupeIDs(seedID string, aliasIDs []string) []string {
	ids := []string{seedID}
	for _, alias := range aliasIDs {
		if alias == "" {
			continue
		}
		dup := false
		for _, have := range ids {
			if have == alias {
				dup = true
				break
			}
		}
		if !dup {
			ids = append(ids, alias)
		}
	}
	return ids
}

func idPlaceholders(ids []string) string {
	return strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
}

func idArgs(ids []string) []any {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return args
}

// listCaptured maps "this run never visited the list" to NULL so history
// queries can tell an unvisited list apart from an empty capture.
func listCaptured(s graph.ListStats) *int64 {
	if !s.HasCapture() {
		return nil
	}
	v := s.Captured
	return &v
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func strValue(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
