//go:build integration

package lifecycle

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	_ "github.com/lib/pq"

	"proximity/internal/allocator"
	"proximity/internal/ent"
	"proximity/internal/enum"
	"proximity/internal/hypervisor"
	"proximity/internal/proxy"
	"proximity/internal/sshexec"
	"proximity/internal/testutil"
)

// TestUpdateConfigNoOpAgainstRealPostgres re-runs the no-op law of
// TestUpdateConfigSameValuesIsNoOp against a real Postgres-backed ent
// client, since the sqlite3-backed unit test can't confirm the short-circuit
// avoids a transaction entirely under a driver with different locking and
// isolation behavior.
func TestUpdateConfigNoOpAgainstRealPostgres(t *testing.T) {
	ctx := context.Background()
	pg, err := testutil.StartPostgresContainer(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { pg.Stop(ctx) })

	client, err := ent.Open("postgres", pg.DSN)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	require.NoError(t, client.Schema.Create(ctx))

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": map[string]string{"status": "stopped", "exitstatus": "OK"},
		})
	}))
	t.Cleanup(srv.Close)
	driver := hypervisor.New(hypervisor.Config{APIAddress: srv.URL, TokenID: "root@pam!t", TokenSecret: "s", Timeout: 2 * time.Second})

	exec := sshexec.New()
	exec.RegisterHost("pve1", sshexec.HostConfig{Address: "127.0.0.1:1", User: "root", Password: "x", KnownHostsPath: "/nonexistent"})

	alloc := allocator.New(driver, client, exec, allocator.Config{
		ContainerIDMin: 200, ContainerIDMax: 9999,
		PortMin: 30000, PortMax: 30010,
		ApplianceHost: "pve1", ApplianceCtID: 100,
		LeaseFilePath: "/var/lib/misc/dnsmasq.leases",
	})
	proxyMgr := proxy.New(proxy.Config{HostName: "pve1", ApplianceCtID: 100, DNSDomain: "prox.local"}, exec, nil)
	m := New(client, driver, proxyMgr, alloc, "prox.local")

	app, err := client.Application.Create().
		SetCatalogRef("wordpress").
		SetHostname("pg-web01").
		SetOwnerID("user-1").
		SetState(enum.AppStateRunning).
		SetNodeName("pve1").
		SetContainerID(101).
		Save(ctx)
	require.NoError(t, err)

	sameCPU, sameMem := app.CPUCores, app.MemoryMB
	require.NoError(t, m.UpdateConfig(ctx, app.ID, UpdateConfigRequest{CPUCores: &sameCPU, MemoryMB: &sameMem}))

	after, err := client.Application.Get(ctx, app.ID)
	require.NoError(t, err)
	require.Equal(t, enum.AppStateRunning, after.State, "no-op update_config must not transition state")
}
