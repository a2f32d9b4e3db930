package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// #region schema
const schema = `
CREATE TABLE IF NOT EXISTS observations (
	seq         INTEGER PRIMARY KEY AUTOINCREMENT,
	id          TEXT NOT NULL UNIQUE,
	session_id  TEXT NOT NULL,
	persona     TEXT NOT NULL,
	intent      TEXT,
	quality     REAL NOT NULL,
	created_at  TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_observations_session ON observations(session_id, created_at);
CREATE INDEX IF NOT EXISTS idx_observations_created ON observations(created_at);

CREATE TABLE IF NOT EXISTS dissociation_incidents (
	seq         INTEGER PRIMARY KEY AUTOINCREMENT,
	id          TEXT NOT NULL UNIQUE,
	session_id  TEXT NOT NULL,
	severity    REAL NOT NULL,
	category    TEXT NOT NULL,
	created_at  TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_incidents_session ON dissociation_incidents(session_id, created_at);

CREATE TABLE IF NOT EXISTS intervention_records (
	seq            INTEGER PRIMARY KEY AUTOINCREMENT,
	id             TEXT NOT NULL UNIQUE,
	session_id     TEXT NOT NULL,
	turn_id        TEXT NOT NULL,
	protocol_id    TEXT NOT NULL,
	trigger        TEXT NOT NULL,
	action_kind    TEXT NOT NULL,
	persona_before TEXT,
	persona_after  TEXT,
	quality_before REAL NOT NULL,
	quality_after  REAL,
	effectiveness  REAL,
	created_at     TEXT NOT NULL,
	backfilled_at  TEXT,
	UNIQUE (session_id, turn_id)
);
CREATE INDEX IF NOT EXISTS idx_interventions_session ON intervention_records(session_id, created_at);

CREATE TABLE IF NOT EXISTS alerts (
	seq          INTEGER PRIMARY KEY AUTOINCREMENT,
	id           TEXT NOT NULL UNIQUE,
	session_id   TEXT NOT NULL,
	turn_id      TEXT,
	level        TEXT NOT NULL,
	kind         TEXT NOT NULL,
	message      TEXT NOT NULL,
	metrics_json TEXT,
	created_at   TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_alerts_session ON alerts(session_id, created_at);

CREATE TABLE IF NOT EXISTS decision_log (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id   TEXT NOT NULL,
	turn_id      TEXT NOT NULL,
	alert_kinds  TEXT,
	protocol_id  TEXT,
	action       TEXT NOT NULL,
	reason       TEXT,
	created_at   TEXT NOT NULL
);
`

// #endregion schema

// #region time-format
// timeLayout is fixed width so that lexical order of the stored text equals time order.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// FormatTime renders t in the stored timestamp layout.
func FormatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// ParseTime parses a stored timestamp; unparseable values yield the zero time.
func ParseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// #endregion time-format

// #region store-struct
// Store is the append-only SQLite ledger behind every component.
type Store struct {
	db *sql.DB
}

// #endregion store-struct

// #region constructor
// NewStore opens a SQLite database and runs migrations.
// Pass ":memory:" for an in-memory database.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// One connection: keeps ":memory:" a single database and avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma busy_timeout: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// NewStoreWithDB wraps an already-open database without running migrations.
func NewStoreWithDB(db *sql.DB) *Store {
	return &Store{db: db}
}

// #endregion constructor

// #region close
// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying *sql.DB for use by other packages (e.g. logging).
func (s *Store) DB() *sql.DB {
	return s.db
}

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// #endregion close

// #region observations
// AppendObservation inserts one observation row.
func (s *Store) AppendObservation(ctx context.Context, o Observation) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO observations (id, session_id, persona, intent, quality, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		o.ID, o.SessionID, o.Persona, nullIfEmpty(o.Intent), o.Quality, FormatTime(o.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert observation: %w", err)
	}
	return nil
}

// RecentObservations returns up to limit observations for the session,
// ordered oldest to newest.
func (s *Store) RecentObservations(ctx context.Context, sessionID string, limit int) ([]Observation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, persona, intent, quality, created_at
		 FROM observations WHERE session_id = ?
		 ORDER BY created_at DESC, seq DESC LIMIT ?`,
		sessionID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("recent observations: %w", err)
	}
	defer rows.Close()

	var out []Observation
	for rows.Next() {
		var o Observation
		var intent sql.NullString
		var createdStr string
		if err := rows.Scan(&o.ID, &o.SessionID, &o.Persona, &intent, &o.Quality, &createdStr); err != nil {
			return nil, fmt.Errorf("scan observation: %w", err)
		}
		o.Intent = intent.String
		o.CreatedAt = ParseTime(createdStr)
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("recent observations: %w", err)
	}

	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// PersonaPerformance aggregates observation quality per (persona, intent)
// for every observation created at or after since.
func (s *Store) PersonaPerformance(ctx context.Context, since time.Time) ([]PerformanceRow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT persona, COALESCE(intent, ''), SUM(quality), COUNT(*)
		 FROM observations WHERE created_at >= ?
		 GROUP BY persona, COALESCE(intent, '')
		 ORDER BY persona, COALESCE(intent, '')`,
		FormatTime(since),
	)
	if err != nil {
		return nil, fmt.Errorf("persona performance: %w", err)
	}
	defer rows.Close()

	var out []PerformanceRow
	for rows.Next() {
		var r PerformanceRow
		if err := rows.Scan(&r.Persona, &r.Intent, &r.Sum, &r.Count); err != nil {
			return nil, fmt.Errorf("scan performance: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// #endregion observations

// #region incidents
// AppendIncident inserts one dissociation incident row.
func (s *Store) AppendIncident(ctx context.Context, inc DissociationIncident) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dissociation_incidents (id, session_id, severity, category, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		inc.ID, inc.SessionID, inc.Severity, inc.Category, FormatTime(inc.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert incident: %w", err)
	}
	return nil
}

// CountIncidentsSince counts the session's incidents created at or after since.
func (s *Store) CountIncidentsSince(ctx context.Context, sessionID string, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM dissociation_incidents WHERE session_id = ? AND created_at >= ?`,
		sessionID, FormatTime(since),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count incidents: %w", err)
	}
	return n, nil
}

// ListIncidents returns the session's most recent incidents, newest first.
func (s *Store) ListIncidents(ctx context.Context, sessionID string, limit int) ([]DissociationIncident, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, severity, category, created_at
		 FROM dissociation_incidents WHERE session_id = ?
		 ORDER BY created_at DESC, seq DESC LIMIT ?`,
		sessionID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list incidents: %w", err)
	}
	defer rows.Close()

	var out []DissociationIncident
	for rows.Next() {
		var inc DissociationIncident
		var createdStr string
		if err := rows.Scan(&inc.ID, &inc.SessionID, &inc.Severity, &inc.Category, &createdStr); err != nil {
			return nil, fmt.Errorf("scan incident: %w", err)
		}
		inc.CreatedAt = ParseTime(createdStr)
		out = append(out, inc)
	}
	return out, rows.Err()
}

// #endregion incidents

// #region interventions
// InsertIntervention appends a new intervention record. A second record for
// the same (session, turn) returns ErrDuplicateExecution.
func (s *Store) InsertIntervention(ctx context.Context, rec InterventionRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var exists int
	err = tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM intervention_records WHERE session_id = ? AND turn_id = ?`,
		rec.SessionID, rec.TurnID,
	).Scan(&exists)
	if err != nil {
		return fmt.Errorf("check turn: %w", err)
	}
	if exists > 0 {
		return fmt.Errorf("session %s turn %s: %w", rec.SessionID, rec.TurnID, ErrDuplicateExecution)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO intervention_records
		 (id, session_id, turn_id, protocol_id, trigger, action_kind, persona_before, persona_after,
		  quality_before, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.SessionID, rec.TurnID, rec.ProtocolID, rec.Trigger, rec.ActionKind,
		nullIfEmpty(rec.PersonaBefore), nullIfEmpty(rec.PersonaAfter),
		rec.QualityBefore, FormatTime(rec.CreatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("session %s turn %s: %w", rec.SessionID, rec.TurnID, ErrDuplicateExecution)
		}
		return fmt.Errorf("insert intervention: %w", err)
	}
	return tx.Commit()
}

const interventionColumns = `id, session_id, turn_id, protocol_id, trigger, action_kind,
	persona_before, persona_after, quality_before, quality_after, effectiveness, created_at, backfilled_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanIntervention(sc rowScanner) (InterventionRecord, error) {
	var rec InterventionRecord
	var before, after sql.NullString
	var qAfter, eff sql.NullFloat64
	var createdStr string
	var backfilledStr sql.NullString

	err := sc.Scan(&rec.ID, &rec.SessionID, &rec.TurnID, &rec.ProtocolID, &rec.Trigger, &rec.ActionKind,
		&before, &after, &rec.QualityBefore, &qAfter, &eff, &createdStr, &backfilledStr)
	if err != nil {
		return InterventionRecord{}, err
	}
	rec.PersonaBefore = before.String
	rec.PersonaAfter = after.String
	if qAfter.Valid {
		v := qAfter.Float64
		rec.QualityAfter = &v
	}
	if eff.Valid {
		v := eff.Float64
		rec.Effectiveness = &v
	}
	rec.CreatedAt = ParseTime(createdStr)
	if backfilledStr.Valid {
		t := ParseTime(backfilledStr.String)
		rec.BackfilledAt = &t
	}
	return rec, nil
}

// GetIntervention retrieves one intervention record by id.
func (s *Store) GetIntervention(ctx context.Context, id string) (InterventionRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+interventionColumns+` FROM intervention_records WHERE id = ?`, id)
	rec, err := scanIntervention(row)
	if errors.Is(err, sql.ErrNoRows) {
		return InterventionRecord{}, fmt.Errorf("intervention %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return InterventionRecord{}, fmt.Errorf("get intervention %s: %w", id, err)
	}
	return rec, nil
}

// BackfillIntervention writes quality-after and effectiveness exactly once.
// The conditional update makes a racing second writer observe ErrAlreadyBackfilled.
func (s *Store) BackfillIntervention(ctx context.Context, id string, qualityAfter, effectiveness float64, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE intervention_records
		 SET quality_after = ?, effectiveness = ?, backfilled_at = ?
		 WHERE id = ? AND quality_after IS NULL`,
		qualityAfter, effectiveness, FormatTime(at), id,
	)
	if err != nil {
		return fmt.Errorf("backfill intervention: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("backfill rows affected: %w", err)
	}
	if n == 1 {
		return nil
	}

	var exists int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM intervention_records WHERE id = ?`, id,
	).Scan(&exists); err != nil {
		return fmt.Errorf("check intervention: %w", err)
	}
	if exists == 0 {
		return fmt.Errorf("intervention %s: %w", id, ErrNotFound)
	}
	return fmt.Errorf("intervention %s: %w", id, ErrAlreadyBackfilled)
}

// OpenIntervention returns the newest un-back-filled intervention of one of
// the given kinds created at or after since, or nil if there is none.
func (s *Store) OpenIntervention(ctx context.Context, sessionID string, kinds []string, since time.Time) (*InterventionRecord, error) {
	if len(kinds) == 0 {
		return nil, nil
	}
	query := `SELECT ` + interventionColumns + ` FROM intervention_records
		WHERE session_id = ? AND quality_after IS NULL AND created_at >= ? AND action_kind IN (?` +
		repeatPlaceholders(len(kinds)-1) + `)
		ORDER BY created_at DESC, seq DESC LIMIT 1`
	args := []any{sessionID, FormatTime(since)}
	for _, k := range kinds {
		args = append(args, k)
	}

	rec, err := scanIntervention(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open intervention: %w", err)
	}
	return &rec, nil
}

// ListInterventions returns the session's most recent records, newest first.
func (s *Store) ListInterventions(ctx context.Context, sessionID string, limit int) ([]InterventionRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+interventionColumns+` FROM intervention_records
		 WHERE session_id = ? ORDER BY created_at DESC, seq DESC LIMIT ?`,
		sessionID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list interventions: %w", err)
	}
	defer rows.Close()

	var out []InterventionRecord
	for rows.Next() {
		rec, err := scanIntervention(rows)
		if err != nil {
			return nil, fmt.Errorf("scan intervention: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// EffectivenessByKind averages back-filled effectiveness per action kind.
// Records still awaiting back-fill carry NULL and are left out, not counted as zero.
func (s *Store) EffectivenessByKind(ctx context.Context, since time.Time) ([]EffectivenessRow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT action_kind, AVG(effectiveness), COUNT(effectiveness)
		 FROM intervention_records
		 WHERE created_at >= ? AND effectiveness IS NOT NULL
		 GROUP BY action_kind ORDER BY action_kind`,
		FormatTime(since),
	)
	if err != nil {
		return nil, fmt.Errorf("effectiveness by kind: %w", err)
	}
	defer rows.Close()

	var out []EffectivenessRow
	for rows.Next() {
		var r EffectivenessRow
		if err := rows.Scan(&r.ActionKind, &r.Mean, &r.Count); err != nil {
			return nil, fmt.Errorf("scan effectiveness: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// #endregion interventions

// #region alerts
// InsertAlerts appends alert rows in a single transaction.
func (s *Store) InsertAlerts(ctx context.Context, alerts []AlertRecord) error {
	if len(alerts) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	for _, a := range alerts {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO alerts (id, session_id, turn_id, level, kind, message, metrics_json, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			a.ID, a.SessionID, nullIfEmpty(a.TurnID), a.Level, a.Kind, a.Message,
			nullIfEmpty(a.MetricsJSON), FormatTime(a.CreatedAt),
		)
		if err != nil {
			return fmt.Errorf("insert alert: %w", err)
		}
	}
	return tx.Commit()
}

// ListAlerts returns the session's most recent alerts, newest first.
func (s *Store) ListAlerts(ctx context.Context, sessionID string, limit int) ([]AlertRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, turn_id, level, kind, message, metrics_json, created_at
		 FROM alerts WHERE session_id = ? ORDER BY created_at DESC, seq DESC LIMIT ?`,
		sessionID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list alerts: %w", err)
	}
	defer rows.Close()

	var out []AlertRecord
	for rows.Next() {
		var a AlertRecord
		var turnID, metrics sql.NullString
		var createdStr string
		if err := rows.Scan(&a.ID, &a.SessionID, &turnID, &a.Level, &a.Kind, &a.Message, &metrics, &createdStr); err != nil {
			return nil, fmt.Errorf("scan alert: %w", err)
		}
		a.TurnID = turnID.String
		a.MetricsJSON = metrics.String
		a.CreatedAt = ParseTime(createdStr)
		out = append(out, a)
	}
	return out, rows.Err()
}

// #endregion alerts

// #region helpers
func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func repeatPlaceholders(n int) string {
	out := ""
	for i := 0; i < n; i++ {
		out += ", ?"
	}
	return out
}

func isUniqueViolation(err error) bool {
	var se *sqlite.Error
	if errors.As(err, &se) {
		return se.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE
	}
	return false
}

// #endregion helpers
