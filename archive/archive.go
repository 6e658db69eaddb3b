// Package archive implements the append-only security event store using
// pure-Go SQLite. Zero CGO required.
//
// The store holds every ingested Wazuh event plus a single-row watermark
// record. Only the ingest pipeline writes events; retrieval, alerting, and
// reporting open the same file as concurrent readers (WAL mode).
package archive

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kestrelsec/watchtower"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithLogger sets a structured logger for the store.
// When set, the store emits debug logs for every operation including
// timing, row counts, and key parameters. If not set, no logs are emitted.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// Store is the event archive backed by a local SQLite file.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// AgentStat is one row of the per-agent aggregate.
type AgentStat struct {
	AgentID   string `json:"agent_id"`
	AgentName string `json:"agent_name"`
	Count     int    `json:"count"`
	MaxLevel  int    `json:"max_level"`
}

// RuleStat is one row of the per-rule aggregate.
type RuleStat struct {
	RuleID          int    `json:"rule_id"`
	RuleLevel       int    `json:"rule_level"`
	RuleDescription string `json:"rule_description"`
	Count           int    `json:"count"`
}

// New creates a Store using a local SQLite file at dbPath.
// It opens a single shared connection pool with SetMaxOpenConns(1) so that
// all goroutines serialize through one connection, eliminating SQLITE_BUSY
// errors caused by concurrent writers opening independent connections.
func New(dbPath string, opts ...StoreOption) *Store {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		// sql.Open only fails when the driver is not registered; with the
		// blank import above that never happens.
		panic(fmt.Sprintf("archive: open driver: %v", err))
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db, logger: watchtower.NopLogger}
	for _, o := range opts {
		o(s)
	}
	s.logger.Debug("archive: store opened", "path", dbPath)
	return s
}

// Init creates the schema and applies the pragmas.
func (s *Store) Init(ctx context.Context) error {
	start := time.Now()
	s.logger.Debug("archive: init started")

	pragmas := []string{
		`PRAGMA journal_mode=WAL`,
		`PRAGMA busy_timeout=5000`,
	}
	for _, p := range pragmas {
		if _, err := s.db.ExecContext(ctx, p); err != nil {
			return fmt.Errorf("apply pragma: %w", err)
		}
	}

	tables := []string{
		`CREATE TABLE IF NOT EXISTS events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp TEXT NOT NULL,
			agent_id TEXT NOT NULL DEFAULT '',
			agent_name TEXT NOT NULL DEFAULT '',
			location TEXT NOT NULL DEFAULT '',
			decoder TEXT NOT NULL DEFAULT '',
			rule_id INTEGER NOT NULL DEFAULT 0,
			rule_level INTEGER NOT NULL DEFAULT 0,
			rule_description TEXT NOT NULL DEFAULT '',
			mitre_id TEXT NOT NULL DEFAULT '',
			mitre_tactic TEXT NOT NULL DEFAULT '',
			mitre_technique TEXT NOT NULL DEFAULT '',
			full_log TEXT NOT NULL DEFAULT '',
			raw_json TEXT NOT NULL DEFAULT '',
			content_hash TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS ingest_state (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			watermark TEXT NOT NULL DEFAULT '',
			total_ingested INTEGER NOT NULL DEFAULT 0
		)`,
	}
	for _, ddl := range tables {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}

	if _, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO ingest_state (id, watermark, total_ingested) VALUES (1, '', 0)`); err != nil {
		return fmt.Errorf("seed ingest_state: %w", err)
	}

	// Indexes on frequently queried columns.
	indexes := []string{
		`CREATE INDEX IF NOT EXISTS idx_events_timestamp ON events(timestamp)`,
		`CREATE INDEX IF NOT EXISTS idx_events_rule_level ON events(rule_level)`,
		`CREATE INDEX IF NOT EXISTS idx_events_agent_name ON events(agent_name)`,
		`CREATE INDEX IF NOT EXISTS idx_events_rule_id ON events(rule_id)`,
		`CREATE INDEX IF NOT EXISTS idx_events_created_at ON events(created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_events_content_hash ON events(content_hash)`,
	}
	for _, ddl := range indexes {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("create index: %w", err)
		}
	}

	s.logger.Info("archive: init completed", "duration", time.Since(start))
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// InsertBatch appends events in a single transaction and advances the
// watermark to the greatest new timestamp. The watermark only ever moves
// forward; a batch whose max timestamp is behind the stored watermark leaves
// it unchanged. Returns the number of rows inserted. On any error the whole
// batch rolls back and the watermark keeps its previous value.
func (s *Store) InsertBatch(ctx context.Context, events []watchtower.Event) (int, error) {
	if len(events) == 0 {
		return 0, nil
	}
	start := time.Now()
	s.logger.Debug("archive: insert batch", "count", len(events))

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO events (timestamp, agent_id, agent_name, location, decoder,
			rule_id, rule_level, rule_description, mitre_id, mitre_tactic,
			mitre_technique, full_log, raw_json, content_hash, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return 0, fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	maxTS := ""
	for _, e := range events {
		createdAt := e.CreatedAt
		if createdAt == 0 {
			createdAt = time.Now().Unix()
		}
		if _, err := stmt.ExecContext(ctx,
			e.Timestamp, e.AgentID, e.AgentName, e.Location, e.Decoder,
			e.RuleID, e.RuleLevel, e.RuleDescription, e.MitreID, e.MitreTactic,
			e.MitreTechnique, e.FullLog, e.RawJSON, e.ContentHash, createdAt,
		); err != nil {
			return 0, fmt.Errorf("insert event: %w", err)
		}
		if e.Timestamp > maxTS {
			maxTS = e.Timestamp
		}
	}

	// ISO-8601 UTC timestamps compare correctly as strings, so MAX() keeps
	// the watermark monotone even when the batch trails the stored value.
	if _, err := tx.ExecContext(ctx,
		`UPDATE ingest_state
		 SET watermark = MAX(watermark, ?), total_ingested = total_ingested + ?
		 WHERE id = 1`,
		maxTS, len(events),
	); err != nil {
		return 0, fmt.Errorf("advance watermark: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit batch: %w", err)
	}
	s.logger.Debug("archive: insert batch ok", "count", len(events), "watermark", maxTS, "duration", time.Since(start))
	return len(events), nil
}

// Watermark returns the ingest watermark record.
func (s *Store) Watermark(ctx context.Context) (watchtower.Watermark, error) {
	var wm watchtower.Watermark
	err := s.db.QueryRowContext(ctx,
		`SELECT watermark, total_ingested FROM ingest_state WHERE id = 1`,
	).Scan(&wm.Timestamp, &wm.TotalIngested)
	if err != nil {
		return watchtower.Watermark{}, fmt.Errorf("read watermark: %w", err)
	}
	return wm, nil
}

// HashExistsWithin reports whether an event with the given content hash was
// created within the trailing window d.
func (s *Store) HashExistsWithin(ctx context.Context, hash string, d time.Duration) (bool, error) {
	cutoff := time.Now().Add(-d).Unix()
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM events WHERE content_hash = ? AND created_at >= ?`,
		hash, cutoff,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check hash: %w", err)
	}
	return n > 0, nil
}

// RecentEvents returns up to limit events whose timestamp falls within the
// trailing window, at or above minLevel, newest first.
func (s *Store) RecentEvents(ctx context.Context, window time.Duration, minLevel, limit int) ([]watchtower.Event, error) {
	start := time.Now()
	since := watchtower.CanonicalTimestamp(time.Now().Add(-window))
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM events
		 WHERE timestamp >= ? AND rule_level >= ?
		 ORDER BY timestamp DESC, id DESC
		 LIMIT ?`,
		since, minLevel, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("recent events: %w", err)
	}
	events, err := scanEvents(rows)
	if err != nil {
		return nil, err
	}
	s.logger.Debug("archive: recent events", "count", len(events), "min_level", minLevel, "duration", time.Since(start))
	return events, nil
}

// TopBySeverity returns the latest limit events with rule_level >= minLevel,
// newest first. The alert monitor polls this each tick.
func (s *Store) TopBySeverity(ctx context.Context, minLevel, limit int) ([]watchtower.Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM events
		 WHERE rule_level >= ?
		 ORDER BY id DESC
		 LIMIT ?`,
		minLevel, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("top by severity: %w", err)
	}
	return scanEvents(rows)
}

// AgentStats returns per-agent event counts and max severity, largest first.
func (s *Store) AgentStats(ctx context.Context) ([]AgentStat, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT agent_id, agent_name, COUNT(*), MAX(rule_level)
		 FROM events
		 GROUP BY agent_id, agent_name
		 ORDER BY COUNT(*) DESC`,
	)
	if err != nil {
		return nil, fmt.Errorf("agent stats: %w", err)
	}
	defer rows.Close()

	var stats []AgentStat
	for rows.Next() {
		var st AgentStat
		if err := rows.Scan(&st.AgentID, &st.AgentName, &st.Count, &st.MaxLevel); err != nil {
			return nil, fmt.Errorf("scan agent stat: %w", err)
		}
		stats = append(stats, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate agent stats: %w", err)
	}
	return stats, nil
}

// RuleStats returns the most frequent rules, up to limit.
func (s *Store) RuleStats(ctx context.Context, limit int) ([]RuleStat, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT rule_id, MAX(rule_level), rule_description, COUNT(*)
		 FROM events
		 GROUP BY rule_id, rule_description
		 ORDER BY COUNT(*) DESC
		 LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("rule stats: %w", err)
	}
	defer rows.Close()

	var stats []RuleStat
	for rows.Next() {
		var st RuleStat
		if err := rows.Scan(&st.RuleID, &st.RuleLevel, &st.RuleDescription, &st.Count); err != nil {
			return nil, fmt.Errorf("scan rule stat: %w", err)
		}
		stats = append(stats, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rule stats: %w", err)
	}
	return stats, nil
}

// SearchLike runs a substring match against rule description and raw log,
// newest first.
func (s *Store) SearchLike(ctx context.Context, term string, limit int) ([]watchtower.Event, error) {
	pattern := "%" + escapeLike(term) + "%"
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM events
		 WHERE rule_description LIKE ? ESCAPE '\' OR full_log LIKE ? ESCAPE '\'
		 ORDER BY timestamp DESC, id DESC
		 LIMIT ?`,
		pattern, pattern, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("search like: %w", err)
	}
	return scanEvents(rows)
}

// CandidatePool returns events matching the retrieval filters, newest first,
// up to limit. Zero-value filters are ignored.
func (s *Store) CandidatePool(ctx context.Context, agentIDs []string, startTS, endTS string, minLevel, limit int) ([]watchtower.Event, error) {
	var (
		where []string
		args  []any
	)
	if len(agentIDs) > 0 {
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(agentIDs)), ",")
		where = append(where, "agent_id IN ("+placeholders+")")
		for _, id := range agentIDs {
			args = append(args, id)
		}
	}
	if startTS != "" {
		where = append(where, "timestamp >= ?")
		args = append(args, startTS)
	}
	if endTS != "" {
		where = append(where, "timestamp <= ?")
		args = append(args, endTS)
	}
	if minLevel > 0 {
		where = append(where, "rule_level >= ?")
		args = append(args, minLevel)
	}
	q := `SELECT ` + eventColumns + ` FROM events`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY timestamp DESC, id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("candidate pool: %w", err)
	}
	return scanEvents(rows)
}

// CountSince returns the number of events with timestamp >= since.
func (s *Store) CountSince(ctx context.Context, since string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM events WHERE timestamp >= ?`, since,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count since: %w", err)
	}
	return n, nil
}

// EventsAfterID returns up to limit events with id > afterID, ascending.
// The semantic index uses this for incremental appends.
func (s *Store) EventsAfterID(ctx context.Context, afterID int64, limit int) ([]watchtower.Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM events
		 WHERE id > ?
		 ORDER BY id ASC
		 LIMIT ?`,
		afterID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("events after id: %w", err)
	}
	return scanEvents(rows)
}

// GetByIDs returns the events with the given ids, in id order.
func (s *Store) GetByIDs(ctx context.Context, ids []int64) ([]watchtower.Event, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM events WHERE id IN (`+placeholders+`) ORDER BY id ASC`,
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("get by ids: %w", err)
	}
	return scanEvents(rows)
}

// TotalCount returns the number of archived events.
func (s *Store) TotalCount(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM events`).Scan(&n); err != nil {
		return 0, fmt.Errorf("total count: %w", err)
	}
	return n, nil
}

// MaxID returns the largest event id, or 0 for an empty archive.
func (s *Store) MaxID(ctx context.Context) (int64, error) {
	var n sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(id) FROM events`).Scan(&n); err != nil {
		return 0, fmt.Errorf("max id: %w", err)
	}
	return n.Int64, nil
}

const eventColumns = `id, timestamp, agent_id, agent_name, location, decoder,
	rule_id, rule_level, rule_description, mitre_id, mitre_tactic,
	mitre_technique, full_log, raw_json, content_hash, created_at`

func scanEvents(rows *sql.Rows) ([]watchtower.Event, error) {
	defer rows.Close()
	var events []watchtower.Event
	for rows.Next() {
		var e watchtower.Event
		if err := rows.Scan(
			&e.ID, &e.Timestamp, &e.AgentID, &e.AgentName, &e.Location, &e.Decoder,
			&e.RuleID, &e.RuleLevel, &e.RuleDescription, &e.MitreID, &e.MitreTactic,
			&e.MitreTechnique, &e.FullLog, &e.RawJSON, &e.ContentHash, &e.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return events, nil
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
