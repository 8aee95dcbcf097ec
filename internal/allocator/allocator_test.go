package allocator

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

	"proximity/internal/coreerr"
	"proximity/internal/ent/enttest"
	"proximity/internal/hypervisor"
	"proximity/internal/sshexec"
)

func newTestAllocator(t *testing.T) *Allocator {
	t.Helper()
	client := enttest.Open(t, "sqlite3", "file:ent?mode=memory&cache=shared&_fk=1")
	t.Cleanup(func() { client.Close() })

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"data": "300"})
	}))
	t.Cleanup(srv.Close)
	driver := hypervisor.New(hypervisor.Config{APIAddress: srv.URL, TokenID: "root@pam!t", TokenSecret: "s"})

	exec := sshexec.New()
	exec.RegisterHost("pve1", sshexec.HostConfig{Address: "127.0.0.1:1", User: "root", Password: "x", KnownHostsPath: "/nonexistent"})

	return New(driver, client, exec, Config{
		ContainerIDMin: 200, ContainerIDMax: 9999,
		PortMin: 30000, PortMax: 30010,
		ApplianceHost: "pve1", ApplianceCtID: 100,
		LeaseFilePath: "/var/lib/misc/dnsmasq.leases",
	})
}

func TestAllocateContainerIDAvoidsPending(t *testing.T) {
	a := newTestAllocator(t)
	ctx := context.Background()

	id1, err := a.AllocateContainerID(ctx, "pve1")
	require.NoError(t, err)
	id2, err := a.AllocateContainerID(ctx, "pve1")
	require.NoError(t, err)
	assert.NotEqual(t, id1, id2)
}

func TestReleaseContainerIDAllowsReuse(t *testing.T) {
	a := newTestAllocator(t)
	ctx := context.Background()

	id, err := a.AllocateContainerID(ctx, "pve1")
	require.NoError(t, err)
	a.ReleaseContainerID(id)

	_, pending := a.pendingContainerIDs[id]
	assert.False(t, pending)
}

func TestAllocatePortIsUniqueAndExhausts(t *testing.T) {
	a := newTestAllocator(t)
	ctx := context.Background()

	seen := map[int]bool{}
	for i := 0; i < 11; i++ {
		port, err := a.AllocatePort(ctx, uuid.New())
		if i < 10 {
			require.NoError(t, err)
			assert.False(t, seen[port], "port %d reused", port)
			seen[port] = true
		} else {
			require.Error(t, err)
			assert.Equal(t, coreerr.KindResourceExhausted, coreerr.KindOf(err))
		}
	}
}

func TestReleasePortFreesItForReuse(t *testing.T) {
	a := newTestAllocator(t)
	ctx := context.Background()
	appID := uuid.New()

	port, err := a.AllocatePort(ctx, appID)
	require.NoError(t, err)

	require.NoError(t, a.ReleasePort(ctx, port))

	// Exhaust the rest of the range; the released port must be reusable.
	reused := false
	for i := 0; i < 10; i++ {
		p, err := a.AllocatePort(ctx, uuid.New())
		if err != nil {
			break
		}
		if p == port {
			reused = true
		}
	}
	assert.True(t, reused)
}

func TestParseLeaseOutputFindsHostname(t *testing.T) {
	content := "1234567890 aa:bb:cc:dd:ee:ff 10.20.0.105 web01 *\n"
	ip, found, err := parseLeaseOutput(content, "web01")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "10.20.0.105", ip)
}

func TestParseLeaseOutputNotFound(t *testing.T) {
	content := "1234567890 aa:bb:cc:dd:ee:ff 10.20.0.105 web01 *\n"
	_, found, err := parseLeaseOutput(content, "nope")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestParseLeaseOutputEmpty(t *testing.T) {
	_, found, err := parseLeaseOutput("", "web01")
	require.NoError(t, err)
	assert.False(t, found)
}

// WaitForDHCPLease reads the lease file through the Remote Executor, so
// against an unreachable appliance host it must surface the connection
// failure rather than silently retrying until the timeout elapses.
func TestWaitForDHCPLeaseSurfacesExecutorFailure(t *testing.T) {
	a := newTestAllocator(t)
	_, err := a.WaitForDHCPLease(context.Background(), "web01", 2*time.Second)
	require.Error(t, err)
	assert.NotEqual(t, coreerr.KindTimeout, coreerr.KindOf(err))
}
