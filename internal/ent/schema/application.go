package schema

import (
	"time"

	"entgo.io/ent"
	"entgo.io/ent/schema/field"
	"entgo.io/ent/schema/index"
	"github.com/google/uuid"

	"proximity/internal/enum"
)

// Application holds the schema definition for the Application entity, the
// central row of the control plane (spec §3).
type Application struct {
	ent.Schema
}

// Fields of the Application.
func (Application) Fields() []ent.Field {
	return []ent.Field{
		field.UUID("id", uuid.UUID{}).
			Default(uuid.New).
			Immutable(),
		field.String("catalog_ref").
			NotEmpty().
			Comment("Catalog entry id this application was deployed from"),
		field.String("hostname").
			NotEmpty().
			Comment("RFC 952/1123 hostname, unique among non-terminal applications"),
		field.Int("container_id").
			Optional().
			Nillable().
			Comment("Assigned by the Resource Allocator, unique per node"),
		field.String("node_name").
			Optional().
			Nillable(),
		field.String("private_ip").
			Optional().
			Comment("Assigned by appliance DHCP; absent until running"),
		field.Int("public_port").
			Optional().
			Nillable().
			Comment("Unique among non-terminal applications, within the configured range"),
		field.Enum("state").
			GoType(enum.AppState("")).
			Default(string(enum.AppStateRequested)),
		field.Int("cpu_cores").
			Default(1),
		field.Int("memory_mb").
			Default(512),
		field.Int("disk_gb").
			Default(4),
		// Reassigned whole on every change (spec §9: no in-place JSON mutation).
		field.JSON("ports", map[string]int{}).
			Optional().
			Comment("container-port (as string key) to published host port"),
		field.JSON("volumes", []string{}).
			Optional(),
		field.JSON("environment", map[string]string{}).
			Optional(),
		field.String("owner_id").
			NotEmpty(),
		field.Text("error_message").
			Optional(),
		field.Time("created_at").
			Default(time.Now).
			Immutable(),
		field.Time("updated_at").
			Default(time.Now).
			UpdateDefault(time.Now),
	}
}

// Edges of the Application.
func (Application) Edges() []ent.Edge {
	return nil
}

// Indexes of the Application.
func (Application) Indexes() []ent.Index {
	return []ent.Index{
		// deleted rows are purged (spec §3), so a plain unique index over the
		// live table already enforces "unique among non-terminal applications".
		index.Fields("hostname").Unique(),
		index.Fields("node_name", "container_id").Unique(),
		index.Fields("public_port").Unique(),
		index.Fields("owner_id"),
	}
}
