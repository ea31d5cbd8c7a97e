package identity

import (
	"context"

	"github.com/flowline-dev/flowline/pkg/schema"
)

// PermissionAll grants every permission.
const PermissionAll = "*"

// ValidateActor checks required fields on an Actor. System actors carry
// the fixed runtime ID; everyone else needs a tenant binding.
func ValidateActor(actor schema.Actor) error {
	if actor.ID == "" {
		return schema.NewError(schema.ErrCodeValidation, "actor id is required")
	}
	if actor.System {
		if actor.ID != schema.SystemActorID {
			return schema.NewErrorf(schema.ErrCodeValidation,
				"system actor must use id %q, got %q", schema.SystemActorID, actor.ID)
		}
		return nil
	}
	if actor.TenantID == "" {
		return schema.NewError(schema.ErrCodeValidation, "actor tenant_id is required")
	}
	return nil
}

// Grants maps tenant → actor → granted permissions.
type Grants map[string]map[string][]string

// StaticAuthorizer answers permission checks from a fixed grant table.
// System actors bypass the table entirely.
type StaticAuthorizer struct {
	grants Grants
}

// NewStaticAuthorizer builds an authorizer over a grant table. A nil table
// denies every non-system actor.
func NewStaticAuthorizer(grants Grants) *StaticAuthorizer {
	return &StaticAuthorizer{grants: grants}
}

// Can reports whether the actor holds the permission in its tenant.
func (a *StaticAuthorizer) Can(ctx context.Context, actor schema.Actor, permission string) error {
	if err := ValidateActor(actor); err != nil {
		return err
	}
	if actor.System {
		return nil
	}

	for _, granted := range a.grants[actor.TenantID][actor.ID] {
		if granted == permission || granted == PermissionAll {
			return nil
		}
	}
	return schema.NewErrorf(schema.ErrCodePermissionDenied,
		"actor %q lacks permission %q", actor.ID, permission).
		WithDetails(map[string]any{
			"actor_id":   actor.ID,
			"tenant_id":  actor.TenantID,
			"permission": permission,
		})
}
