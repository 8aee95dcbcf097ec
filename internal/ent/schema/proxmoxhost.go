package schema

import (
	"time"

	"entgo.io/ent"
	"entgo.io/ent/schema/field"
	"entgo.io/ent/schema/index"
	"github.com/google/uuid"
)

// ProxmoxHost holds the schema definition for a hypervisor host the core
// can drive via the Hypervisor Driver and Remote Executor.
type ProxmoxHost struct {
	ent.Schema
}

// Fields of the ProxmoxHost.
func (ProxmoxHost) Fields() []ent.Field {
	return []ent.Field{
		field.UUID("id", uuid.UUID{}).
			Default(uuid.New).
			Immutable(),
		field.String("node_name").
			NotEmpty().
			Comment("Proxmox node name as reported by list_nodes"),
		field.String("api_address").
			NotEmpty().
			Comment("https://host:8006"),
		field.String("ssh_address").
			NotEmpty(),
		field.String("ssh_user").
			Default("root"),
		field.Text("ssh_private_key_encrypted").
			Optional().
			Comment("AES-256-GCM sealed, see internal/secrets"),
		field.Text("api_token_encrypted").
			Optional().
			Comment("AES-256-GCM sealed Proxmox API token secret"),
		field.String("api_token_id").
			Optional().
			Comment("user@realm!tokenid, paired with api_token_encrypted"),
		field.Bool("online").
			Default(true),
		field.Time("created_at").
			Default(time.Now).
			Immutable(),
		field.Time("updated_at").
			Default(time.Now).
			UpdateDefault(time.Now),
	}
}

// Edges of the ProxmoxHost.
func (ProxmoxHost) Edges() []ent.Edge {
	return nil
}

// Indexes of the ProxmoxHost.
func (ProxmoxHost) Indexes() []ent.Index {
	return []ent.Index{
		index.Fields("node_name").Unique(),
	}
}
