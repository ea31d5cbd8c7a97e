package engine

import (
	"context"

	"github.com/flowline-dev/flowline/pkg/schema"
)

// PermissionManageWorkflows gates manual execution and step retry.
const PermissionManageWorkflows = "workflows:manage"

// Record is a runtime record created by a create_record step.
type Record struct {
	ID     string         `json:"id"`
	Entity string         `json:"entity"`
	Data   map[string]any `json:"data,omitempty"`
}

// RecordService is the runtime-record collaborator. Authorization and
// schema validation happen entirely inside the implementation; the engine
// only delegates.
type RecordService interface {
	CreateRuntimeRecordUnchecked(ctx context.Context, actor schema.Actor, entity string, data map[string]any) (*Record, error)
}

// Authorizer is the permission gate consumed by manual execution paths.
// Implementations return a PERMISSION_DENIED FlowError when the actor
// lacks the permission.
type Authorizer interface {
	Can(ctx context.Context, actor schema.Actor, permission string) error
}
