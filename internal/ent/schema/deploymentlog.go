package schema

import (
	"time"

	"entgo.io/ent"
	"entgo.io/ent/schema/field"
	"entgo.io/ent/schema/index"
	"github.com/google/uuid"

	"proximity/internal/enum"
)

// DeploymentLog holds the schema definition for an append-only step record
// attached to one application (spec §3). Rows are never mutated.
type DeploymentLog struct {
	ent.Schema
}

// Fields of the DeploymentLog.
func (DeploymentLog) Fields() []ent.Field {
	return []ent.Field{
		field.UUID("id", uuid.UUID{}).
			Default(uuid.New).
			Immutable(),
		// Nillable: preserved after application deletion per the retention
		// decision recorded in DESIGN.md (open question §9.1).
		field.UUID("application_id", uuid.UUID{}).
			Optional().
			Nillable().
			Immutable(),
		field.Enum("level").
			GoType(enum.LogLevel("")).
			Default(string(enum.LogLevelInfo)).
			Immutable(),
		field.String("step").
			NotEmpty().
			Immutable().
			Comment("Pipeline step or lifecycle operation name, e.g. D5, stop"),
		field.Text("message").
			Immutable(),
		field.Time("created_at").
			Default(time.Now).
			Immutable(),
	}
}

// Edges of the DeploymentLog.
func (DeploymentLog) Edges() []ent.Edge {
	return nil
}

// Indexes of the DeploymentLog.
func (DeploymentLog) Indexes() []ent.Index {
	return []ent.Index{
		index.Fields("application_id", "created_at"),
	}
}
