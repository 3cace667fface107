// Package export appends network snapshots to a SQLite file for offline
// analysis. Uses WAL mode so readers can inspect the file while a node writes.
package export

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite" // Pure-Go SQLite driver (no CGO required)

	"github.com/salahayoub/dronenet/pkg/types"
)

// ErrNoStatus is returned when a source yields nothing to record.
var ErrNoStatus = errors.New("no status to record")

// Recorder wraps a SQLite connection holding recorded snapshots.
type Recorder struct {
	db *sql.DB
}

// SnapshotRow is one recorded snapshot header.
type SnapshotRow struct {
	ID       int64
	TakenAt  time.Time
	DroneID  uint16
	State    string
	MasterID uint16
	Online   int
	Known    int
}

// Open creates or opens the database at path and runs migrations.
func Open(path string) (*Recorder, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("create export dir: %w", err)
	}

	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	// SQLite is single-writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	r := &Recorder{db: db}
	if err := r.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return r, nil
}

// Close cleanly shuts down the database.
func (r *Recorder) Close() error {
	return r.db.Close()
}

// migrate runs idempotent schema migrations.
func (r *Recorder) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS snapshots (
			id        INTEGER PRIMARY KEY AUTOINCREMENT,
			taken_at  INTEGER NOT NULL,
			drone_id  INTEGER NOT NULL,
			nonce     TEXT NOT NULL DEFAULT '',
			state     TEXT NOT NULL,
			master_id INTEGER NOT NULL,
			status    TEXT NOT NULL DEFAULT '',
			online    INTEGER NOT NULL,
			known     INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_snapshots_taken ON snapshots(taken_at)`,

		`CREATE TABLE IF NOT EXISTS drone_samples (
			snapshot_id INTEGER NOT NULL REFERENCES snapshots(id) ON DELETE CASCADE,
			drone_id    INTEGER NOT NULL,
			role        TEXT NOT NULL,
			status      TEXT NOT NULL,
			x           REAL NOT NULL,
			y           REAL NOT NULL,
			z           REAL NOT NULL,
			battery     REAL NOT NULL,
			reliability REAL NOT NULL,
			age         REAL NOT NULL,
			provisional BOOLEAN DEFAULT 0,
			PRIMARY KEY (snapshot_id, drone_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_samples_drone ON drone_samples(drone_id)`,

		`CREATE TABLE IF NOT EXISTS conflicts (
			drone_id INTEGER NOT NULL,
			old_id   INTEGER NOT NULL,
			new_id   INTEGER NOT NULL,
			at       INTEGER NOT NULL,
			PRIMARY KEY (old_id, new_id, at)
		)`,
	}

	for _, m := range migrations {
		if _, err := r.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\nSQL: %s", err, m)
		}
	}
	return nil
}

// Record stores one status and returns the new snapshot id. Conflict
// records already stored are skipped.
func (r *Recorder) Record(ctx context.Context, status *types.StatusResponse) (int64, error) {
	if status == nil {
		return 0, ErrNoStatus
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO snapshots (taken_at, drone_id, nonce, state, master_id, status, online, known)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		status.TakenAt.UnixNano(), status.DroneID, status.Nonce, status.State,
		status.MasterID, status.Status, status.Online(), len(status.Drones),
	)
	if err != nil {
		return 0, fmt.Errorf("insert snapshot: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}

	for _, d := range status.Drones {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO drone_samples (snapshot_id, drone_id, role, status, x, y, z, battery, reliability, age, provisional)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			id, d.ID, d.Role, d.Status, d.Position[0], d.Position[1], d.Position[2],
			d.BatteryLevel, d.Reliability, d.Age, d.Provisional,
		); err != nil {
			return 0, fmt.Errorf("insert sample %d: %w", d.ID, err)
		}
	}

	for _, c := range status.Conflicts {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO conflicts (drone_id, old_id, new_id, at) VALUES (?, ?, ?, ?)`,
			status.DroneID, c.OldID, c.NewID, c.At.UnixNano(),
		); err != nil {
			return 0, fmt.Errorf("insert conflict: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return id, nil
}

// Recent returns up to limit snapshot headers, newest first.
func (r *Recorder) Recent(ctx context.Context, limit int) ([]SnapshotRow, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, taken_at, drone_id, state, master_id, online, known
		 FROM snapshots ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SnapshotRow
	for rows.Next() {
		var row SnapshotRow
		var taken int64
		if err := rows.Scan(&row.ID, &taken, &row.DroneID, &row.State, &row.MasterID, &row.Online, &row.Known); err != nil {
			return nil, err
		}
		row.TakenAt = time.Unix(0, taken).UTC()
		out = append(out, row)
	}
	return out, rows.Err()
}

// Samples returns the drones recorded in one snapshot, ordered by id.
func (r *Recorder) Samples(ctx context.Context, snapshotID int64) ([]types.DroneStatus, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT drone_id, role, status, x, y, z, battery, reliability, age, provisional
		 FROM drone_samples WHERE snapshot_id = ? ORDER BY drone_id`, snapshotID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.DroneStatus
	for rows.Next() {
		var d types.DroneStatus
		if err := rows.Scan(&d.ID, &d.Role, &d.Status, &d.Position[0], &d.Position[1], &d.Position[2],
			&d.BatteryLevel, &d.Reliability, &d.Age, &d.Provisional); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// ConflictCount returns how many distinct id conflicts have been recorded.
func (r *Recorder) ConflictCount(ctx context.Context) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM conflicts`).Scan(&n)
	return n, err
}

// Source yields the status to record. tui.DataFetcher implementations
// satisfy it.
type Source interface {
	FetchStatus() (*types.StatusResponse, error)
}

// Poll records a status from src every interval until ctx is cancelled.
// Fetch and write failures are logged and retried on the next tick.
func (r *Recorder) Poll(ctx context.Context, src Source, interval time.Duration, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			status, err := src.FetchStatus()
			if err != nil {
				logger.Warn("export fetch failed", zap.Error(err))
				continue
			}
			id, err := r.Record(ctx, status)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				logger.Warn("export write failed", zap.Error(err))
				continue
			}
			logger.Debug("snapshot exported", zap.Int64("snapshot_id", id), zap.Int("drones", len(status.Drones)))
		}
	}
}
