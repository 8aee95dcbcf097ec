package proxy

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"proximity/internal/coreerr"
	"proximity/internal/sshexec"
)

func newTestManager() *Manager {
	exec := sshexec.New()
	// No listener on this port: every RunInContainer call fails fast with
	// KindSSHUnavailable, letting us exercise the write/validate/reload
	// ordering and locking without a live appliance container.
	exec.RegisterHost("pve1", sshexec.HostConfig{Address: "127.0.0.1:1", User: "root", Password: "x", KnownHostsPath: "/nonexistent"})
	return New(Config{HostName: "pve1", ApplianceCtID: 100, DNSDomain: "prox.local"}, exec, nil)
}

func TestRenderVHostStripsFrameHeaders(t *testing.T) {
	out := renderVHost(VHost{AppName: "blog", BackendIP: "10.20.0.5", BackendPort: 8080, PublicPort: 30010}, "prox.local")
	assert.Contains(t, out, "blog.prox.local:30010")
	assert.Contains(t, out, "reverse_proxy 10.20.0.5:8080")
	assert.Contains(t, out, "header_down -X-Frame-Options")
}

func TestCreateVHostPropagatesConnectionFailure(t *testing.T) {
	m := newTestManager()
	err := m.CreateVHost(context.Background(), VHost{AppName: "blog", BackendIP: "10.20.0.5", BackendPort: 8080, PublicPort: 30010})
	require.Error(t, err)
	assert.Equal(t, coreerr.KindHypervisorUnavailable, coreerr.KindOf(err))
	assert.False(t, m.Degraded())
}

func TestDegradedRefusesNewOperations(t *testing.T) {
	m := newTestManager()
	m.mu.Lock()
	m.degraded = true
	m.mu.Unlock()

	err := m.CreateVHost(context.Background(), VHost{AppName: "blog"})
	require.Error(t, err)
	assert.Equal(t, coreerr.KindProxyDegraded, coreerr.KindOf(err))

	err = m.DeleteVHost(context.Background(), "blog")
	require.Error(t, err)
	assert.Equal(t, coreerr.KindProxyDegraded, coreerr.KindOf(err))
}

func TestVerifyVHostHealthUnreachable(t *testing.T) {
	m := newTestManager()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := m.VerifyVHostHealth(ctx, 1)
	require.Error(t, err)
	assert.Equal(t, coreerr.KindProxyDegraded, coreerr.KindOf(err))
}

func TestVhostPath(t *testing.T) {
	m := newTestManager()
	assert.Equal(t, "/etc/caddy/sites-enabled/blog.conf", m.vhostPath("blog"))
}
