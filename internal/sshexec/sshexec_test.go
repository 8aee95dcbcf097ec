package sshexec

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"proximity/internal/coreerr"
)

func TestQuoteArgvPreventsInjection(t *testing.T) {
	argv := []string{"echo", "web01; rm -rf /", "$(whoami)", "a'b"}
	quoted := quoteArgv(argv)
	// Every argument must be wrapped in single quotes; no unescaped shell
	// metacharacter may sit outside a quoted segment.
	assert.Contains(t, quoted, `'web01; rm -rf /'`)
	assert.Contains(t, quoted, `'$(whoami)'`)
	assert.Contains(t, quoted, `'a'\''b'`)
}

func TestRunUnknownHost(t *testing.T) {
	e := New()
	_, err := e.Run(context.Background(), "nope", []string{"echo", "hi"}, time.Second)
	require.Error(t, err)
	assert.Equal(t, coreerr.KindInvalidRequest, coreerr.KindOf(err))
}

func TestRunEmptyArgv(t *testing.T) {
	e := New()
	e.RegisterHost("h1", HostConfig{Address: "127.0.0.1:22", User: "root", KnownHostsPath: "/nonexistent"})
	_, err := e.Run(context.Background(), "h1", nil, time.Second)
	require.Error(t, err)
	assert.Equal(t, coreerr.KindInvalidRequest, coreerr.KindOf(err))
}

func TestConnectFailsWithoutKnownHosts(t *testing.T) {
	e := New()
	e.RegisterHost("h1", HostConfig{Address: "127.0.0.1:1", User: "root", Password: "x"})
	_, err := e.Run(context.Background(), "h1", []string{"true"}, 500*time.Millisecond)
	require.Error(t, err)
	assert.Equal(t, coreerr.KindSSHUnavailable, coreerr.KindOf(err))
}

func TestRunInContainerWrapsPctExec(t *testing.T) {
	e := New()
	e.RegisterHost("h1", HostConfig{Address: "127.0.0.1:1", User: "root", Password: "x", KnownHostsPath: "/nonexistent"})
	_, err := e.RunInContainer(context.Background(), "h1", 201, []string{"ls", "-la"}, 500*time.Millisecond)
	// Connection itself fails (no listener), but we exercise the
	// pct-exec wrapping and argv quoting path before that.
	require.Error(t, err)
	assert.Equal(t, coreerr.KindSSHUnavailable, coreerr.KindOf(err))
}
