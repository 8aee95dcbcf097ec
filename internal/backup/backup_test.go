package backup

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/mattn/go-sqlite3"

	"proximity/internal/coreerr"
	"proximity/internal/ent/enttest"
	"proximity/internal/enum"
)

func TestDownloadURL_RefusesIncompleteBackup(t *testing.T) {
	client := enttest.Open(t, "sqlite3", "file:ent?mode=memory&cache=shared&_fk=1")
	t.Cleanup(func() { client.Close() })

	b, err := client.Backup.Create().
		SetApplicationID(uuid.New()).
		SetStatus(enum.BackupStatusPending).
		Save(context.Background())
	require.NoError(t, err)

	m := New(client, nil)
	_, err = m.DownloadURL(context.Background(), b.ID)
	require.Error(t, err)
	assert.Equal(t, coreerr.KindInvalidState, coreerr.KindOf(err))
}

func TestDownloadURL_RefusesWithoutStore(t *testing.T) {
	client := enttest.Open(t, "sqlite3", "file:ent?mode=memory&cache=shared&_fk=1")
	t.Cleanup(func() { client.Close() })

	b, err := client.Backup.Create().
		SetApplicationID(uuid.New()).
		SetStatus(enum.BackupStatusCompleted).
		SetObjectKey("backups/x.tar.zst").
		Save(context.Background())
	require.NoError(t, err)

	m := New(client, nil)
	_, err = m.DownloadURL(context.Background(), b.ID)
	require.Error(t, err)
	assert.Equal(t, coreerr.KindInvalidRequest, coreerr.KindOf(err))
}

func TestList_OrdersMostRecentFirst(t *testing.T) {
	client := enttest.Open(t, "sqlite3", "file:ent?mode=memory&cache=shared&_fk=1")
	t.Cleanup(func() { client.Close() })

	appID := uuid.New()
	base := time.Now()
	var ids []uuid.UUID
	for i := 0; i < 3; i++ {
		b, err := client.Backup.Create().
			SetApplicationID(appID).
			SetStatus(enum.BackupStatusCompleted).
			SetCreatedAt(base.Add(time.Duration(i) * time.Minute)).
			Save(context.Background())
		require.NoError(t, err)
		ids = append(ids, b.ID)
	}

	m := New(client, nil)
	rows, err := m.List(context.Background(), appID)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, []uuid.UUID{ids[2], ids[1], ids[0]}, []uuid.UUID{rows[0].ID, rows[1].ID, rows[2].ID})
}
