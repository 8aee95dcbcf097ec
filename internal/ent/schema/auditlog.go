package schema

import (
	"time"

	"entgo.io/ent"
	"entgo.io/ent/schema/field"
	"entgo.io/ent/schema/index"
	"github.com/google/uuid"
)

// AuditLog holds the schema definition for an append-only record of
// user-initiated operations (spec §3), independent of DeploymentLog.
type AuditLog struct {
	ent.Schema
}

// Fields of the AuditLog.
func (AuditLog) Fields() []ent.Field {
	return []ent.Field{
		field.UUID("id", uuid.UUID{}).
			Default(uuid.New).
			Immutable(),
		field.String("actor").
			NotEmpty().
			Immutable().
			Comment("Subject claim of the authenticated caller"),
		field.String("action").
			NotEmpty().
			Immutable(),
		field.UUID("application_id", uuid.UUID{}).
			Optional().
			Nillable().
			Immutable(),
		field.String("source_ip").
			Optional().
			Immutable(),
		field.JSON("details", map[string]interface{}{}).
			Optional().
			Immutable(),
		field.Time("created_at").
			Default(time.Now).
			Immutable(),
	}
}

// Edges of the AuditLog.
func (AuditLog) Edges() []ent.Edge {
	return nil
}

// Indexes of the AuditLog.
func (AuditLog) Indexes() []ent.Index {
	return []ent.Index{
		index.Fields("application_id", "created_at"),
		index.Fields("actor", "created_at"),
	}
}
