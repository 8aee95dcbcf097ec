package schema

import (
	"time"

	"entgo.io/ent"
	"entgo.io/ent/schema/field"
	"entgo.io/ent/schema/index"
	"github.com/google/uuid"

	"proximity/internal/enum"
)

// Backup holds the schema definition for backup metadata (spec §3). The
// backup subsystem itself is an external collaborator; the core only keeps
// a foreign-key reference and the presigned-URL touch point.
type Backup struct {
	ent.Schema
}

// Fields of the Backup.
func (Backup) Fields() []ent.Field {
	return []ent.Field{
		field.UUID("id", uuid.UUID{}).
			Default(uuid.New).
			Immutable(),
		field.UUID("application_id", uuid.UUID{}).
			Immutable(),
		field.Int64("size_bytes").
			Default(0),
		field.Enum("status").
			GoType(enum.BackupStatus("")).
			Default(string(enum.BackupStatusPending)),
		field.Enum("mode").
			GoType(enum.BackupMode("")).
			Default(string(enum.BackupModeSnapshot)),
		field.String("compression").
			Default("zstd"),
		field.String("object_key").
			Optional().
			Comment("Key of the backup archive in the object store, see internal/backupstore"),
		field.Time("created_at").
			Default(time.Now).
			Immutable(),
	}
}

// Edges of the Backup.
func (Backup) Edges() []ent.Edge {
	return nil
}

// Indexes of the Backup.
func (Backup) Indexes() []ent.Index {
	return []ent.Index{
		index.Fields("application_id", "created_at"),
	}
}
