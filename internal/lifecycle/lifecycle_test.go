package lifecycle

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/mattn/go-sqlite3"

	"proximity/internal/allocator"
	"proximity/internal/coreerr"
	"proximity/internal/ent/enttest"
	"proximity/internal/enum"
	"proximity/internal/hypervisor"
	"proximity/internal/proxy"
	"proximity/internal/sshexec"
)

func newTestManager(t *testing.T, hypervisorHandler http.HandlerFunc) *Manager {
	t.Helper()
	client := enttest.Open(t, "sqlite3", "file:ent?mode=memory&cache=shared&_fk=1")
	t.Cleanup(func() { client.Close() })

	srv := httptest.NewServer(hypervisorHandler)
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

	return New(client, driver, proxyMgr, alloc, "prox.local")
}

func okHypervisorHandler(w http.ResponseWriter, r *http.Request) {
	_ = json.NewEncoder(w).Encode(map[string]any{
		"data": map[string]string{"status": "stopped", "exitstatus": "OK"},
	})
}

func TestLockForReturnsSameMutexPerApplication(t *testing.T) {
	m := newTestManager(t, okHypervisorHandler)
	id := mustCreateApp(t, m, enum.AppStateRequested)

	a := m.lockFor(id)
	b := m.lockFor(id)
	assert.Same(t, a, b)

	other := m.lockFor(mustCreateApp(t, m, enum.AppStateRequested))
	assert.NotSame(t, a, other)
}

func TestStartRequiresStoppedState(t *testing.T) {
	m := newTestManager(t, okHypervisorHandler)
	id := mustCreateApp(t, m, enum.AppStateRunning)

	err := m.Start(context.Background(), id)
	require.Error(t, err)
	assert.Equal(t, coreerr.KindInvalidState, coreerr.KindOf(err))
}

func TestStopRequiresRunningState(t *testing.T) {
	m := newTestManager(t, okHypervisorHandler)
	id := mustCreateApp(t, m, enum.AppStateStopped)

	err := m.Stop(context.Background(), id)
	require.Error(t, err)
	assert.Equal(t, coreerr.KindInvalidState, coreerr.KindOf(err))
}

func TestUpdateConfigRequiresAField(t *testing.T) {
	m := newTestManager(t, okHypervisorHandler)
	id := mustCreateApp(t, m, enum.AppStateRunning)

	err := m.UpdateConfig(context.Background(), id, UpdateConfigRequest{})
	require.Error(t, err)
	assert.Equal(t, coreerr.KindInvalidRequest, coreerr.KindOf(err))
}

func TestUpdateConfigSameValuesIsNoOp(t *testing.T) {
	m := newTestManager(t, okHypervisorHandler)
	id := mustCreateApp(t, m, enum.AppStateRunning)
	ctid := 101
	_, err := m.client.Application.UpdateOneID(id).SetNodeName("pve1").SetContainerID(ctid).Save(context.Background())
	require.NoError(t, err)

	app, err := m.client.Application.Get(context.Background(), id)
	require.NoError(t, err)
	sameCPU, sameMem := app.CPUCores, app.MemoryMB

	err = m.UpdateConfig(context.Background(), id, UpdateConfigRequest{CPUCores: &sameCPU, MemoryMB: &sameMem})
	require.NoError(t, err)

	after, err := m.client.Application.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, enum.AppStateRunning, after.State, "no-op update_config must not stop the container or change state")
}

func TestDeleteRefusesWhenAlreadyDeleting(t *testing.T) {
	m := newTestManager(t, okHypervisorHandler)
	id := mustCreateApp(t, m, enum.AppStateDeleting)

	err := m.Delete(context.Background(), id)
	require.Error(t, err)
	assert.Equal(t, coreerr.KindInvalidState, coreerr.KindOf(err))
}

func TestFirstPortPicksLowest(t *testing.T) {
	assert.Equal(t, 8080, firstPort(map[string]int{"9000/tcp": 9090, "8080/tcp": 8080}))
	assert.Equal(t, 0, firstPort(nil))
}

func mustCreateApp(t *testing.T, m *Manager, state enum.AppState) uuid.UUID {
	t.Helper()
	app, err := m.client.Application.Create().
		SetCatalogRef("wordpress").
		SetHostname(randomHostname()).
		SetOwnerID("user-1").
		SetState(state).
		Save(context.Background())
	require.NoError(t, err)
	return app.ID
}

var hostnameCounter int

func randomHostname() string {
	hostnameCounter++
	return "app" + string(rune('a'+hostnameCounter))
}
