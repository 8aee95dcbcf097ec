package schema

import (
	"time"

	"entgo.io/ent"
	"entgo.io/ent/schema/field"
	"entgo.io/ent/schema/index"
	"github.com/google/uuid"

	"proximity/internal/enum"
)

// PortAllocation holds the schema definition mapping a public port to an
// application id (spec §3). The Resource Allocator is the sole writer.
type PortAllocation struct {
	ent.Schema
}

// Fields of the PortAllocation.
func (PortAllocation) Fields() []ent.Field {
	return []ent.Field{
		field.UUID("id", uuid.UUID{}).
			Default(uuid.New).
			Immutable(),
		field.Int("port").
			Immutable(),
		field.UUID("application_id", uuid.UUID{}).
			Immutable(),
		field.Enum("status").
			GoType(enum.PortAllocationStatus("")).
			Default(string(enum.PortAllocationStatusAllocated)),
		field.Time("created_at").
			Default(time.Now).
			Immutable(),
		field.Time("updated_at").
			Default(time.Now).
			UpdateDefault(time.Now),
	}
}

// Edges of the PortAllocation.
func (PortAllocation) Edges() []ent.Edge {
	return nil
}

// Indexes of the PortAllocation.
func (PortAllocation) Indexes() []ent.Index {
	return []ent.Index{
		// Only one *allocated* row may exist per port at a time; released rows
		// are retained for audit and excluded from this guarantee at the
		// application layer (see internal/allocator), since a partial unique
		// index keyed on status isn't portable across sqlite/postgres here.
		index.Fields("port"),
		index.Fields("application_id"),
	}
}
