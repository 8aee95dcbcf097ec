package stacklauncher

import (
	"testing"

	"github.com/stretchr/testify/require"
)

const manifest = `
services:
  web:
    image: nginx:latest
    ports: ["80:80"]
    environment:
      NGINX_HOST: localhost
`

func TestParseManifest(t *testing.T) {
	m, err := ParseManifest(manifest)
	require.NoError(t, err)
	require.Contains(t, m.Services, "web")
	require.Equal(t, "nginx:latest", m.Services["web"].Image)
	require.Equal(t, []string{"80:80"}, m.Services["web"].Ports)
}

func TestParseManifest_NoServices(t *testing.T) {
	_, err := ParseManifest("services: {}")
	require.Error(t, err)
}

func TestPortConfig(t *testing.T) {
	exposed, bindings := portConfig([]string{"8080:80", "443"})
	require.Len(t, exposed, 2)
	require.Len(t, bindings, 1)
}
