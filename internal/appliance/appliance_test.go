package appliance

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"proximity/internal/coreerr"
	"proximity/internal/hypervisor"
	"proximity/internal/sshexec"
)

func TestHealthHealthy(t *testing.T) {
	h := Health{BridgeUp: true, ApplianceUp: true, DHCPUp: true, DNSUp: true, NATUp: true, ProxyUp: true}
	assert.True(t, h.Healthy())

	h.ProxyUp = false
	assert.False(t, h.Healthy())
}

func newTestManager(t *testing.T, hypervisorHandler http.HandlerFunc) *Manager {
	t.Helper()
	srv := httptest.NewServer(hypervisorHandler)
	t.Cleanup(srv.Close)
	driver := hypervisor.New(hypervisor.Config{APIAddress: srv.URL, TokenID: "root@pam!t", TokenSecret: "s", Timeout: 2 * time.Second})

	exec := sshexec.New()
	// No listener on this port: every command fails fast with KindSSHUnavailable
	// (which Bootstrap's steps wrap as KindHypervisorUnavailable), letting us
	// exercise Bootstrap's ordering and error propagation without a live
	// hypervisor host.
	exec.RegisterHost("pve1", sshexec.HostConfig{Address: "127.0.0.1:1", User: "root", Password: "x", KnownHostsPath: "/nonexistent"})

	return New(Config{
		HostName:      "pve1",
		ApplianceCtID: 100,
		Bridge:        "vmbr1",
		Subnet:        "10.20.0.0/24",
		LANIP:         "10.20.0.1",
		DHCPStart:     "10.20.0.100",
		DHCPEnd:       "10.20.0.200",
		DNSDomain:     "proximity.lan",
	}, exec, driver, nil, nil)
}

func TestBootstrapPropagatesBridgeFailureWithoutEtcd(t *testing.T) {
	m := newTestManager(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	_, err := m.Bootstrap(context.Background())
	require.Error(t, err)
	assert.Equal(t, coreerr.KindHypervisorUnavailable, coreerr.KindOf(err))
	assert.Nil(t, m.Info())
}

func TestInfoNilBeforeBootstrap(t *testing.T) {
	m := newTestManager(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	assert.Nil(t, m.Info())
}
