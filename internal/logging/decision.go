package logging

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/danielpatrickdp/attending-controller/internal/state"
)

// #region log-decision
// LogDecision writes a provenance entry to the decision_log table.
func LogDecision(db *sql.DB, entry DecisionEntry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	_, err := db.Exec(
		`INSERT INTO decision_log (session_id, turn_id, alert_kinds, protocol_id, action, reason, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		entry.SessionID,
		entry.TurnID,
		nullIfEmpty(entry.AlertKinds),
		nullIfEmpty(entry.ProtocolID),
		entry.Action,
		nullIfEmpty(entry.Reason),
		state.FormatTime(entry.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("log decision: %w", err)
	}
	return nil
}

// #endregion log-decision

// #region list-decisions
// ListDecisions returns a session's most recent decisions, newest first.
func ListDecisions(ctx context.Context, db *sql.DB, sessionID string, limit int) ([]DecisionEntry, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT id, session_id, turn_id, alert_kinds, protocol_id, action, reason, created_at
		 FROM decision_log WHERE session_id = ? ORDER BY created_at DESC, id DESC LIMIT ?`,
		sessionID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list decisions: %w", err)
	}
	defer rows.Close()

	var out []DecisionEntry
	for rows.Next() {
		var e DecisionEntry
		var kinds, protocolID, reason sql.NullString
		var created string
		if err := rows.Scan(&e.ID, &e.SessionID, &e.TurnID, &kinds, &protocolID, &e.Action, &reason, &created); err != nil {
			return nil, fmt.Errorf("scan decision: %w", err)
		}
		e.AlertKinds = kinds.String
		e.ProtocolID = protocolID.String
		e.Reason = reason.String
		e.CreatedAt = state.ParseTime(created)
		out = append(out, e)
	}
	return out, rows.Err()
}

// #endregion list-decisions

// #region helpers
func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// #endregion helpers
