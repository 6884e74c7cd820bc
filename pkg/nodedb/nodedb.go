// Copyright (C) 2023 pgd Contributors
// See LICENSE for copying information.

// Package nodedb records per-PG history and statistics in a local SQLite
// database: peering milestones, recovery completion timestamps, and
// up-thru history that back PG info's "statistics" field and the admin
// "dump PG info" / "query PG state" verbs with real SQL (spec §3, §6).
package nodedb

import (
	"context"
	"database/sql"

	// registers the "sqlite3" driver
	_ "github.com/mattn/go-sqlite3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"storj.io/pgd/pkg/objectid"
)

// Error is the error class for nodedb failures.
var Error = errs.Class("pgd/nodedb")

const schema = `
CREATE TABLE IF NOT EXISTS pg_history (
	pool_id    INTEGER NOT NULL,
	seq        INTEGER NOT NULL,
	shard      INTEGER NOT NULL,
	epoch      INTEGER NOT NULL,
	event      TEXT NOT NULL,
	detail     TEXT NOT NULL,
	at_unix_ns INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS pg_history_by_pg ON pg_history(pool_id, seq, shard, at_unix_ns);

CREATE TABLE IF NOT EXISTS pg_stats (
	pool_id        INTEGER NOT NULL,
	seq            INTEGER NOT NULL,
	shard          INTEGER NOT NULL,
	clean          INTEGER NOT NULL,
	last_recovered_unix_ns INTEGER NOT NULL,
	up_thru_epoch  INTEGER NOT NULL,
	PRIMARY KEY (pool_id, seq, shard)
);
`

// Event names recorded in pg_history, matching the milestones spec §4.3's
// peering states and §4.5's recovery/backfill completion represent.
const (
	EventPeeringStarted  = "peering_started"
	EventPeeringComplete = "peering_complete"
	EventIncomplete      = "incomplete"
	EventRecoveryDone    = "recovery_done"
	EventBackfillDone    = "backfill_done"
)

// DB is the SQLite-backed ledger. One DB instance is shared by every PG
// on the node, matching the teacher's reputation store's single shared
// handle rather than one file per PG.
type DB struct {
	log *zap.Logger
	sql *sql.DB
}

// Open opens (creating if absent) the SQLite database at path and applies
// the schema.
func Open(ctx context.Context, log *zap.Logger, path string) (*DB, error) {
	conn, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	if _, err := conn.ExecContext(ctx, schema); err != nil {
		_ = conn.Close()
		return nil, Error.New("applying schema: %w", err)
	}
	return &DB{log: log, sql: conn}, nil
}

// Close releases the underlying database handle.
func (db *DB) Close() error { return Error.Wrap(db.sql.Close()) }

// RecordEvent appends one history row for pg.
func (db *DB) RecordEvent(ctx context.Context, pg objectid.PGID, epoch uint64, event, detail string, atUnixNs int64) error {
	_, err := db.sql.ExecContext(ctx,
		`INSERT INTO pg_history (pool_id, seq, shard, epoch, event, detail, at_unix_ns) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		pg.PoolID, pg.Seq, pg.Shard, epoch, event, detail, atUnixNs)
	if err != nil {
		return Error.New("recording event for pg %s: %w", pg, err)
	}
	return nil
}

// HistoryEntry is one row of a PG's recorded history.
type HistoryEntry struct {
	Epoch    uint64
	Event    string
	Detail   string
	AtUnixNs int64
}

// History returns pg's recorded events, oldest first.
func (db *DB) History(ctx context.Context, pg objectid.PGID) ([]HistoryEntry, error) {
	rows, err := db.sql.QueryContext(ctx,
		`SELECT epoch, event, detail, at_unix_ns FROM pg_history WHERE pool_id = ? AND seq = ? AND shard = ? ORDER BY at_unix_ns ASC`,
		pg.PoolID, pg.Seq, pg.Shard)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer rows.Close()

	var out []HistoryEntry
	for rows.Next() {
		var e HistoryEntry
		if err := rows.Scan(&e.Epoch, &e.Event, &e.Detail, &e.AtUnixNs); err != nil {
			return nil, Error.Wrap(err)
		}
		out = append(out, e)
	}
	return out, Error.Wrap(rows.Err())
}

// Stats is a PG's current summary statistics row.
type Stats struct {
	Clean                bool
	LastRecoveredUnixNs  int64
	UpThruEpoch          uint64
}

// SetStats upserts pg's current statistics row.
func (db *DB) SetStats(ctx context.Context, pg objectid.PGID, stats Stats) error {
	clean := 0
	if stats.Clean {
		clean = 1
	}
	_, err := db.sql.ExecContext(ctx, `
		INSERT INTO pg_stats (pool_id, seq, shard, clean, last_recovered_unix_ns, up_thru_epoch)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(pool_id, seq, shard) DO UPDATE SET
			clean = excluded.clean,
			last_recovered_unix_ns = excluded.last_recovered_unix_ns,
			up_thru_epoch = excluded.up_thru_epoch`,
		pg.PoolID, pg.Seq, pg.Shard, clean, stats.LastRecoveredUnixNs, stats.UpThruEpoch)
	if err != nil {
		return Error.New("setting stats for pg %s: %w", pg, err)
	}
	return nil
}

// GetStats returns pg's current statistics row, or the zero value if none
// has been recorded yet.
func (db *DB) GetStats(ctx context.Context, pg objectid.PGID) (Stats, error) {
	var stats Stats
	var clean int
	err := db.sql.QueryRowContext(ctx,
		`SELECT clean, last_recovered_unix_ns, up_thru_epoch FROM pg_stats WHERE pool_id = ? AND seq = ? AND shard = ?`,
		pg.PoolID, pg.Seq, pg.Shard).Scan(&clean, &stats.LastRecoveredUnixNs, &stats.UpThruEpoch)
	if err == sql.ErrNoRows {
		return Stats{}, nil
	}
	if err != nil {
		return Stats{}, Error.Wrap(err)
	}
	stats.Clean = clean != 0
	return stats, nil
}
