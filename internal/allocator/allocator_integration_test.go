//go:build integration

package allocator

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/lib/pq"

	"proximity/internal/ent"
	"proximity/internal/hypervisor"
	"proximity/internal/sshexec"
	"proximity/internal/testutil"
)

// TestAllocatePortDistinctAndExhaustsUnderRealPostgres runs AllocatePort
// against a real Postgres instance: two allocations from a two-port range
// get distinct ports and a third fails. The port column has no unique index,
// so distinctness comes from the allocator's own in-process check rather
// than from a database constraint.
func TestAllocatePortDistinctAndExhaustsUnderRealPostgres(t *testing.T) {
	ctx := context.Background()
	pg, err := testutil.StartPostgresContainer(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { pg.Stop(ctx) })

	client, err := ent.Open("postgres", pg.DSN)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	require.NoError(t, client.Schema.Create(ctx))

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"data": "300"})
	}))
	t.Cleanup(srv.Close)
	driver := hypervisor.New(hypervisor.Config{APIAddress: srv.URL, TokenID: "root@pam!t", TokenSecret: "s"})

	exec := sshexec.New()
	exec.RegisterHost("pve1", sshexec.HostConfig{Address: "127.0.0.1:1", User: "root", Password: "x", KnownHostsPath: "/nonexistent"})

	a := New(driver, client, exec, Config{
		ContainerIDMin: 200, ContainerIDMax: 9999,
		PortMin: 30000, PortMax: 30002,
		ApplianceHost: "pve1", ApplianceCtID: 100,
		LeaseFilePath: "/var/lib/misc/dnsmasq.leases",
	})

	port1, err := a.AllocatePort(ctx, uuid.New())
	require.NoError(t, err)

	port2, err := a.AllocatePort(ctx, uuid.New())
	require.NoError(t, err)
	assert.NotEqual(t, port1, port2)

	_, err = a.AllocatePort(ctx, uuid.New())
	require.Error(t, err, "range exhausted after both ports in [30000,30002) are taken")
}
