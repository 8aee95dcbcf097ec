package hypervisor

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"proximity/internal/coreerr"
)

func TestBestNodePicksHighestScore(t *testing.T) {
	nodes := []NodeStats{
		{Node: "pve2", Online: true, CPULoad: 0.8, MemUsed: 8, MemTotal: 16},
		{Node: "pve1", Online: true, CPULoad: 0.1, MemUsed: 2, MemTotal: 16},
		{Node: "pve3", Online: false, CPULoad: 0.0, MemUsed: 0, MemTotal: 16},
	}
	best, err := BestNode(nodes)
	require.NoError(t, err)
	assert.Equal(t, "pve1", best)
}

func TestBestNodeTieBreaksLexicographically(t *testing.T) {
	nodes := []NodeStats{
		{Node: "pveB", Online: true, CPULoad: 0.5, MemUsed: 8, MemTotal: 16},
		{Node: "pveA", Online: true, CPULoad: 0.5, MemUsed: 8, MemTotal: 16},
	}
	best, err := BestNode(nodes)
	require.NoError(t, err)
	assert.Equal(t, "pveA", best)
}

func TestBestNodeNoEligible(t *testing.T) {
	_, err := BestNode([]NodeStats{{Node: "pve1", Online: false}})
	require.Error(t, err)
	assert.Equal(t, coreerr.KindInvalidRequest, coreerr.KindOf(err))
}

func newTestDriver(t *testing.T, handler http.HandlerFunc) (*Driver, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(Config{APIAddress: srv.URL, TokenID: "root@pam!test", TokenSecret: "secret", Timeout: 2 * time.Second}), srv
}

func TestWaitForTaskSucceeds(t *testing.T) {
	calls := 0
	d, _ := newTestDriver(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		status := "running"
		if calls >= 2 {
			status = "stopped"
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": map[string]string{"status": status, "exitstatus": "OK"},
		})
	})

	err := d.WaitForTask(context.Background(), &Task{Node: "pve1", UPID: "UPID:pve1:...:..."}, 5*time.Second)
	assert.NoError(t, err)
	assert.GreaterOrEqual(t, calls, 2)
}

func TestWaitForTaskFails(t *testing.T) {
	d, _ := newTestDriver(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": map[string]string{"status": "stopped", "exitstatus": "unable to allocate disk"},
		})
	})

	err := d.WaitForTask(context.Background(), &Task{Node: "pve1", UPID: "UPID:pve1:...:..."}, 5*time.Second)
	require.Error(t, err)
	assert.Equal(t, coreerr.KindTaskFailed, coreerr.KindOf(err))
}

func TestCheckRespMapsStatusCodes(t *testing.T) {
	cases := []struct {
		status int
		kind   coreerr.Kind
	}{
		{401, coreerr.KindInvalidRequest},
		{404, coreerr.KindNotFound},
		{409, coreerr.KindConflict},
		{500, coreerr.KindHypervisorUnavailable},
		{400, coreerr.KindInvalidRequest},
	}
	for _, tc := range cases {
		d, _ := newTestDriver(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.status)
		})
		_, err := d.ListNodes(context.Background())
		require.Error(t, err)
		assert.Equal(t, tc.kind, coreerr.KindOf(err), "status %d", tc.status)
	}
}

func TestListNodes(t *testing.T) {
	d, _ := newTestDriver(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]any{
				{"node": "pve1", "status": "online", "cpu": 0.2, "mem": 4, "maxmem": 16},
			},
		})
	})
	nodes, err := d.ListNodes(context.Background())
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	assert.Equal(t, "pve1", nodes[0].Node)
	assert.True(t, nodes[0].Online)
}
