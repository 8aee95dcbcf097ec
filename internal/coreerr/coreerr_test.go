package coreerr

import (
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrapUnwrap(t *testing.T) {
	cause := errors.New("dial tcp: timeout")
	err := Wrap(KindSSHUnavailable, cause, "connecting to host")

	require.Error(t, err)
	assert.Equal(t, KindSSHUnavailable, KindOf(err))
	assert.True(t, errors.Is(err, cause))
	assert.ErrorContains(t, err, "dial tcp: timeout")
}

func TestKindOfDefaultsToInternal(t *testing.T) {
	assert.Equal(t, KindInternal, KindOf(errors.New("plain error")))
}

func TestIs(t *testing.T) {
	err := New(KindConflict, "hostname already in use")
	assert.True(t, Is(err, KindConflict))
	assert.False(t, Is(err, KindNotFound))
}

func TestHTTPStatus(t *testing.T) {
	cases := map[Kind]int{
		KindInvalidRequest:        http.StatusBadRequest,
		KindNotFound:              http.StatusNotFound,
		KindConflict:              http.StatusConflict,
		KindInvalidState:          http.StatusConflict,
		KindResourceExhausted:     http.StatusServiceUnavailable,
		KindHypervisorUnavailable: http.StatusBadGateway,
		KindSSHUnavailable:        http.StatusBadGateway,
		KindTimeout:               http.StatusGatewayTimeout,
		KindTaskFailed:            http.StatusInternalServerError,
		KindProxyDegraded:         http.StatusInternalServerError,
		KindInternal:              http.StatusInternalServerError,
	}
	for kind, want := range cases {
		assert.Equal(t, want, HTTPStatus(kind), "kind %s", kind)
	}
}

func TestRetryable(t *testing.T) {
	assert.True(t, Retryable(KindHypervisorUnavailable))
	assert.True(t, Retryable(KindSSHUnavailable))
	assert.False(t, Retryable(KindTaskFailed))
}

func TestWithDetails(t *testing.T) {
	err := New(KindTaskFailed, "create_lxc failed").WithDetails(map[string]any{"task_id": "UPID:node:..."})
	assert.Equal(t, "UPID:node:...", err.Details["task_id"])
}
