package orchestrator

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/mattn/go-sqlite3"

	"proximity/internal/allocator"
	"proximity/internal/catalog"
	"proximity/internal/coreerr"
	"proximity/internal/ent/enttest"
	"proximity/internal/hypervisor"
	"proximity/internal/proxy"
	"proximity/internal/sshexec"
)

const nginxEntry = `
id: nginx
name: Nginx
resources:
  cpu_cores: 1
  memory_mb: 512
  disk_gb: 4
ports: [80]
manifest: |
  services:
    web:
      image: nginx:latest
      ports: ["80:80"]
`

func newTestOrchestrator(t *testing.T) *Orchestrator {
	t.Helper()
	client := enttest.Open(t, "sqlite3", "file:ent?mode=memory&cache=shared&_fk=1")
	t.Cleanup(func() { client.Close() })

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
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

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "nginx.yaml"), []byte(nginxEntry), 0o644))
	cat, err := catalog.Load(dir)
	require.NoError(t, err)

	return New(client, cat, driver, alloc, exec, proxyMgr, Config{Template: "local:vztmpl/debian-12.tar.zst", AppBridge: "vmbr1"})
}

func TestValidate_RejectsMalformedHostname(t *testing.T) {
	o := newTestOrchestrator(t)
	err := o.validate(context.Background(), DeployRequest{CatalogID: "nginx", Hostname: "-bad-host", Owner: "user-1"})
	require.Error(t, err)
	assert.Equal(t, coreerr.KindInvalidRequest, coreerr.KindOf(err))
}

func TestValidate_RejectsMissingOwner(t *testing.T) {
	o := newTestOrchestrator(t)
	err := o.validate(context.Background(), DeployRequest{CatalogID: "nginx", Hostname: "myapp"})
	require.Error(t, err)
	assert.Equal(t, coreerr.KindInvalidRequest, coreerr.KindOf(err))
}

func TestValidate_RejectsDuplicateHostname(t *testing.T) {
	o := newTestOrchestrator(t)
	ctx := context.Background()
	_, err := o.client.Application.Create().
		SetCatalogRef("nginx").SetHostname("myapp").SetOwnerID("user-1").SetState("running").
		Save(ctx)
	require.NoError(t, err)

	err = o.validate(ctx, DeployRequest{CatalogID: "nginx", Hostname: "myapp", Owner: "user-2"})
	require.Error(t, err)
	assert.Equal(t, coreerr.KindConflict, coreerr.KindOf(err))
}

func TestDeploy_FailsFastOnUnknownCatalogEntry(t *testing.T) {
	o := newTestOrchestrator(t)
	_, err := o.Deploy(context.Background(), DeployRequest{CatalogID: "does-not-exist", Hostname: "myapp", Owner: "user-1"})
	require.Error(t, err)
	assert.Equal(t, coreerr.KindNotFound, coreerr.KindOf(err))
}

func TestNormalize_MergesOverridesAndEnvironment(t *testing.T) {
	o := newTestOrchestrator(t)
	entry, err := o.catalog.Get("nginx")
	require.NoError(t, err)

	cpu := 4
	spec := o.normalize(entry, DeployRequest{
		Overrides:    ResourceOverrides{CPUCores: &cpu},
		EnvOverrides: map[string]string{"EXTRA": "1"},
	})

	assert.Equal(t, 4, spec.CPUCores)
	assert.Equal(t, entry.Resources.MemoryMB, spec.MemoryMB)
	assert.Equal(t, "1", spec.Environment["EXTRA"])
	assert.Equal(t, []int{80}, spec.Ports)
}
