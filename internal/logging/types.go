package logging

import "time"

// #region decision-entry
// DecisionEntry is a single row in the decision_log table.
type DecisionEntry struct {
	ID         int64     `json:"id,omitempty"`
	SessionID  string    `json:"session_id"`
	TurnID     string    `json:"turn_id"`
	AlertKinds string    `json:"alert_kinds,omitempty"` // comma separated, evaluation order
	ProtocolID string    `json:"protocol_id,omitempty"`
	Action     string    `json:"action"` // see Action* constants
	Reason     string    `json:"reason,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// #endregion decision-entry

// #region actions
const (
	ActionNone      = "none"      // no protocol matched
	ActionExecuted  = "executed"  // auto-protocol wrote a record
	ActionNoOp      = "no_op"     // protocol matched but the executor changed nothing
	ActionSuggested = "suggested" // surfaced only
	ActionPending   = "pending"   // a prior intervention is still open
	ActionDefault   = "default"   // permissive fallback after a failure
	ActionDisabled  = "disabled"  // kill switch
)

// #endregion actions
