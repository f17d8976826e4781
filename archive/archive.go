// Package archive keeps a queryable history of recording sessions and clock
// synchronization measurements in SQLite.
package archive

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/buccancs/fyp-multi-sensor-recording-system-sub023/archive/migrations"
	"github.com/buccancs/fyp-multi-sensor-recording-system-sub023/clocksync"
	"github.com/buccancs/fyp-multi-sensor-recording-system-sub023/errors"
	"github.com/buccancs/fyp-multi-sensor-recording-system-sub023/registry"
)

// Record is an archived session.
type Record struct {
	registry.Session
	DataDir string `json:"data_dir,omitempty"`
}

// Archive is the SQLite-backed history store. It is safe for concurrent use.
type Archive struct {
	db *sql.DB
}

// Open opens (or creates) the archive at path and applies migrations. The
// path ":memory:" opens a private in-memory archive.
func Open(ctx context.Context, path string) (*Archive, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: archive path is required", errors.ErrMissingConfig),
			"Archive", "Open", "check path")
	}
	dsn := path
	if path != ":memory:" {
		dsn = "file:" + filepath.Clean(path)
	}
	dsn += "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, unavailable("Open", "open database", err)
	}
	if path == ":memory:" {
		// every pooled connection would get its own empty database
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, unavailable("Open", "ping database", err)
	}
	if err := applyMigrations(ctx, db, migrations.FS); err != nil {
		_ = db.Close()
		return nil, errors.WrapFatal(err, "Archive", "Open", "apply migrations")
	}
	return &Archive{db: db}, nil
}

// Close closes the database.
func (a *Archive) Close() error {
	if a == nil || a.db == nil {
		return nil
	}
	return a.db.Close()
}

func unavailable(op, action string, err error) error {
	return errors.WrapTransient(fmt.Errorf("%w: %v", errors.ErrStorageUnavailable, err), "Archive", op, action)
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UTC().UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func encodeList(ids []string) string {
	if ids == nil {
		ids = []string{}
	}
	data, _ := json.Marshal(ids)
	return string(data)
}

func decodeList(s string) ([]string, error) {
	var ids []string
	if err := json.Unmarshal([]byte(s), &ids); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	return ids, nil
}

// SaveSession inserts or replaces a session record.
func (a *Archive) SaveSession(ctx context.Context, rec Record) error {
	if rec.ID == "" {
		return errors.WrapInvalid(fmt.Errorf("%w: session id is required", errors.ErrInvalidData),
			"Archive", "SaveSession", "check record")
	}
	_, err := a.db.ExecContext(ctx,
		`INSERT INTO sessions (id, state, started_at, ended_at, devices, excluded, lost, reason, data_dir)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   state = excluded.state,
		   started_at = excluded.started_at,
		   ended_at = excluded.ended_at,
		   devices = excluded.devices,
		   excluded = excluded.excluded,
		   lost = excluded.lost,
		   reason = excluded.reason,
		   data_dir = excluded.data_dir`,
		rec.ID,
		rec.State.String(),
		toMillis(rec.StartedAt),
		toMillis(rec.EndedAt),
		encodeList(rec.Devices),
		encodeList(rec.Excluded),
		encodeList(rec.Lost),
		rec.Reason,
		rec.DataDir,
	)
	if err != nil {
		return unavailable("SaveSession", "upsert session", err)
	}
	return nil
}

const sessionColumns = `id, state, started_at, ended_at, devices, excluded, lost, reason, data_dir`

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (Record, error) {
	var (
		rec                     Record
		state                   string
		started, ended          int64
		devices, excluded, lost string
	)
	if err := row.Scan(&rec.ID, &state, &started, &ended, &devices, &excluded, &lost, &rec.Reason, &rec.DataDir); err != nil {
		return Record{}, err
	}
	if state != "none" {
		if err := rec.State.UnmarshalJSON([]byte(`"` + state + `"`)); err != nil {
			return Record{}, err
		}
	}
	rec.StartedAt = fromMillis(started)
	rec.EndedAt = fromMillis(ended)
	var err error
	if rec.Devices, err = decodeList(devices); err != nil {
		return Record{}, err
	}
	if rec.Excluded, err = decodeList(excluded); err != nil {
		return Record{}, err
	}
	if rec.Lost, err = decodeList(lost); err != nil {
		return Record{}, err
	}
	return rec, nil
}

// Session returns one archived session.
func (a *Archive) Session(ctx context.Context, id string) (Record, error) {
	row := a.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	rec, err := scanSession(row)
	if err == sql.ErrNoRows {
		return Record{}, errors.WrapInvalid(fmt.Errorf("%w: %s", errors.ErrNoSession, id), "Archive", "Session", "find session")
	}
	if err != nil {
		return Record{}, unavailable("Session", "read session", err)
	}
	return rec, nil
}

// Sessions returns archived sessions, most recent first. limit <= 0 means
// no limit.
func (a *Archive) Sessions(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := a.db.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions ORDER BY started_at DESC, id LIMIT ?`, limit)
	if err != nil {
		return nil, unavailable("Sessions", "query sessions", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec, err := scanSession(rows)
		if err != nil {
			return nil, unavailable("Sessions", "scan session", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("Sessions", "iterate sessions", err)
	}
	return out, nil
}

// AppendSyncEvents stores clock sync measurements in one transaction.
func (a *Archive) AppendSyncEvents(ctx context.Context, events ...clocksync.Event) error {
	if len(events) == 0 {
		return nil
	}
	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return unavailable("AppendSyncEvents", "begin transaction", err)
	}
	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO sync_events (device_id, measured_at, round_trip_ns, offset_ns, smoothed_ns, jitter_ns, drift_ns_per_s, accepted, reason)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		_ = tx.Rollback()
		return unavailable("AppendSyncEvents", "prepare insert", err)
	}
	defer stmt.Close()

	for _, ev := range events {
		accepted := 0
		if ev.Accepted {
			accepted = 1
		}
		if _, err := stmt.ExecContext(ctx, ev.DeviceID, ev.MeasuredAt.UTC().UnixNano(), int64(ev.RoundTrip),
			int64(ev.Offset), int64(ev.Smoothed), int64(ev.Jitter), ev.Drift, accepted, ev.Reason); err != nil {
			_ = tx.Rollback()
			return unavailable("AppendSyncEvents", "insert event", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return unavailable("AppendSyncEvents", "commit", err)
	}
	return nil
}

// SyncEvents returns the measurements of a device at or after since, oldest
// first. limit <= 0 means no limit.
func (a *Archive) SyncEvents(ctx context.Context, deviceID string, since time.Time, limit int) ([]clocksync.Event, error) {
	if limit <= 0 {
		limit = -1
	}
	var from int64
	if !since.IsZero() {
		from = since.UTC().UnixNano()
	}
	rows, err := a.db.QueryContext(ctx,
		`SELECT device_id, measured_at, round_trip_ns, offset_ns, smoothed_ns, jitter_ns, drift_ns_per_s, accepted, reason
		 FROM sync_events WHERE device_id = ? AND measured_at >= ? ORDER BY measured_at, id LIMIT ?`,
		deviceID, from, limit)
	if err != nil {
		return nil, unavailable("SyncEvents", "query events", err)
	}
	defer rows.Close()

	var out []clocksync.Event
	for rows.Next() {
		var (
			ev                                clocksync.Event
			at, rtt, offset, smoothed, jitter int64
			accepted                          int
		)
		if err := rows.Scan(&ev.DeviceID, &at, &rtt, &offset, &smoothed, &jitter, &ev.Drift, &accepted, &ev.Reason); err != nil {
			return nil, unavailable("SyncEvents", "scan event", err)
		}
		ev.MeasuredAt = time.Unix(0, at).UTC()
		ev.RoundTrip = time.Duration(rtt)
		ev.Offset = time.Duration(offset)
		ev.Smoothed = time.Duration(smoothed)
		ev.Jitter = time.Duration(jitter)
		ev.Accepted = accepted == 1
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("SyncEvents", "iterate events", err)
	}
	return out, nil
}
