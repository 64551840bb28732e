package domain

import (
	"encoding/json"
	"time"
)

// AuditEvent records an administrative mutation for the audit trail.
type AuditEvent struct {
	ID            string          `json:"id"`
	ActorID       string          `json:"actor_id"`
	ActorUsername string          `json:"actor_username"`
	Action        string          `json:"action"`
	TargetCount   int             `json:"target_count"`
	Detail        json.RawMessage `json:"detail,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}
