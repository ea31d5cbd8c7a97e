package schema

import "encoding/json"

// TriggerType enumerates the event shapes a workflow can listen for.
type TriggerType string

const (
	TriggerManual        TriggerType = "manual"
	TriggerRecordCreated TriggerType = "record_created"
	TriggerRecordUpdated TriggerType = "record_updated"
	TriggerRecordDeleted TriggerType = "record_deleted"
	TriggerScheduleTick  TriggerType = "schedule_tick"
)

// Trigger is the tagged event shape a workflow definition binds to.
// Entity is required for the record_* variants, ScheduleKey for schedule_tick.
type Trigger struct {
	Type        TriggerType `json:"type"`
	Entity      string      `json:"entity,omitempty"`
	ScheduleKey string      `json:"schedule_key,omitempty"`
}

// Matches reports whether an incoming trigger shape hits this definition.
// Record triggers match on exact entity; schedule triggers on exact key.
func (t Trigger) Matches(other Trigger) bool {
	if t.Type != other.Type {
		return false
	}
	switch t.Type {
	case TriggerRecordCreated, TriggerRecordUpdated, TriggerRecordDeleted:
		return t.Entity == other.Entity
	case TriggerScheduleTick:
		return t.ScheduleKey == other.ScheduleKey
	default:
		return true
	}
}

// StepType enumerates the kinds of steps in a workflow.
type StepType string

const (
	StepLogMessage   StepType = "log_message"
	StepCreateRecord StepType = "create_record"
	StepCondition    StepType = "condition"
	StepHTTPRequest  StepType = "http_request"
)

// ConditionOperator enumerates branch predicates.
type ConditionOperator string

const (
	OpEquals     ConditionOperator = "equals"
	OpNotEquals  ConditionOperator = "not_equals"
	OpExists     ConditionOperator = "exists"
	OpExpression ConditionOperator = "expression"
)

// Step is the recursive tagged step variant. Exactly one shape is populated
// depending on Type:
//
//   - log_message:   Message
//   - create_record: Entity, Data
//   - condition:     FieldPath, Operator, Value?, Then, Else
//     (operator "expression" evaluates Value as source in the Engine named
//     by FieldPath prefix "cel:", "expr:" or "jq:"; defaults to cel)
//   - http_request:  Method, URL, Headers?, Body?
//
// Steps nest arbitrarily through Then/Else and are addressed by dotted
// paths of indices plus literal then/else segments (see path.go).
type Step struct {
	Type StepType `json:"type"`

	// log_message
	Message string `json:"message,omitempty"`

	// create_record
	Entity string          `json:"entity,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`

	// condition
	FieldPath string            `json:"field_path,omitempty"`
	Operator  ConditionOperator `json:"operator,omitempty"`
	Value     json.RawMessage   `json:"value,omitempty"`
	Then      []Step            `json:"then_steps,omitempty"`
	Else      []Step            `json:"else_steps,omitempty"`

	// http_request
	Method  string            `json:"method,omitempty"`
	URL     string            `json:"url,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    json.RawMessage   `json:"body,omitempty"`
}

// WorkflowDefinition is the declarative workflow document. LogicalName is
// unique per tenant. Either Action (legacy single step) or Steps is set.
// Queued executions snapshot the whole definition at dispatch time, so a
// definition referenced by an in-flight run is effectively immutable.
type WorkflowDefinition struct {
	TenantID    string  `json:"tenant_id"`
	LogicalName string  `json:"logical_name"`
	DisplayName string  `json:"display_name,omitempty"`
	Trigger     Trigger `json:"trigger"`
	Action      *Step   `json:"action,omitempty"`
	Steps       []Step  `json:"steps,omitempty"`
	MaxAttempts int     `json:"max_attempts"`
	IsEnabled   bool    `json:"is_enabled"`
}

// Actor is the principal on whose behalf an operation runs. Dispatched
// executions run as the named system principal, never as ambient state.
type Actor struct {
	ID       string `json:"id"`
	TenantID string `json:"tenant_id,omitempty"`
	System   bool   `json:"system,omitempty"`
}

// SystemActorID is the fixed subject used for engine-initiated executions.
const SystemActorID = "workflow-runtime"

// SystemActor returns the workflow-runtime principal for a tenant.
func SystemActor(tenantID string) Actor {
	return Actor{ID: SystemActorID, TenantID: tenantID, System: true}
}
