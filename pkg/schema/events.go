package schema

import (
	"encoding/json"
	"time"
)

// Audit actions emitted by the engine.
const (
	AuditRunCompleted = "workflow run completed"
	AuditStepRetried  = "workflow step retried"
)

// AuditEvent is one append-only audit log entry. The engine emits exactly
// one per completed run, carrying the terminal status and attempt count.
type AuditEvent struct {
	ID           string          `json:"id"`
	TenantID     string          `json:"tenant_id"`
	ActorID      string          `json:"actor_id"`
	Action       string          `json:"action"`
	WorkflowName string          `json:"workflow_logical_name,omitempty"`
	RunID        string          `json:"run_id,omitempty"`
	Details      json.RawMessage `json:"details,omitempty"`
	OccurredAt   time.Time       `json:"occurred_at"`
}
