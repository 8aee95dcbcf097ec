// Package backup is the core's one touch point with the backup subsystem
// (spec §3 "Backup... an external collaborator; the core treats it as a
// foreign-key reference"). It keeps Backup metadata rows and, once a backup
// has completed, hands out a presigned download URL against the configured
// object store rather than proxying archive bytes through the control
// plane.
package backup

import (
	"context"
	"time"

	"github.com/google/uuid"

	s3 "proximity/internal/backupstore"
	"proximity/internal/coreerr"
	"proximity/internal/ent"
	entbackup "proximity/internal/ent/backup"
	"proximity/internal/enum"
)

const defaultURLExpiry = 24 * time.Hour

// Manager lists backup metadata and resolves download URLs.
type Manager struct {
	client *ent.Client
	store  *s3.Client
}

// New constructs a Manager. store may be nil if no object store is
// configured; DownloadURL then fails with InvalidRequest for every completed
// backup, since there is nowhere to fetch the archive from.
func New(client *ent.Client, store *s3.Client) *Manager {
	return &Manager{client: client, store: store}
}

// List returns backup metadata for one application, most recent first.
func (m *Manager) List(ctx context.Context, appID uuid.UUID) ([]*ent.Backup, error) {
	rows, err := m.client.Backup.Query().
		Where(entbackup.ApplicationID(appID)).
		Order(ent.Desc(entbackup.FieldCreatedAt)).
		All(ctx)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.KindInternal, err, "backup: listing backups")
	}
	return rows, nil
}

// DownloadURL resolves a completed backup's object key to a presigned,
// time-limited download URL (spec §3, §9 design note).
func (m *Manager) DownloadURL(ctx context.Context, backupID uuid.UUID) (string, error) {
	b, err := m.client.Backup.Get(ctx, backupID)
	if err != nil {
		return "", coreerr.Wrap(coreerr.KindNotFound, err, "backup: looking up backup row")
	}
	if b.Status != enum.BackupStatusCompleted {
		return "", coreerr.New(coreerr.KindInvalidState, "backup: archive is not yet available, status "+string(b.Status))
	}
	if m.store == nil {
		return "", coreerr.New(coreerr.KindInvalidRequest, "backup: no object store configured")
	}
	url, err := m.store.PresignedDownloadURL(ctx, b.ObjectKey, defaultURLExpiry)
	if err != nil {
		return "", coreerr.Wrap(coreerr.KindHypervisorUnavailable, err, "backup: generating presigned url")
	}
	return url, nil
}
