package catalog

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

const nginxEntry = `
id: nginx
name: Nginx
description: A simple web server
category: web
resources:
  cpu_cores: 1
  memory_mb: 512
  disk_gb: 4
ports: [80]
environment:
  NGINX_HOST: localhost
volumes:
  - html:/usr/share/nginx/html
manifest: |
  services:
    web:
      image: nginx:latest
      ports: ["80:80"]
`

const invalidEntry = `
id: broken
name: Broken
resources:
  cpu_cores: 1
`

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "nginx.yaml", nginxEntry)

	cat, err := Load(dir)
	require.NoError(t, err)

	entry, err := cat.Get("nginx")
	require.NoError(t, err)
	require.Equal(t, "Nginx", entry.Name)
	require.Equal(t, 512, entry.Resources.MemoryMB)
	require.Equal(t, []int{80}, entry.Ports)
	require.Contains(t, entry.Manifest, "nginx:latest")

	require.Len(t, cat.List(), 1)
}

func TestLoad_MissingRequiredField(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "broken.yaml", invalidEntry)

	_, err := Load(dir)
	require.Error(t, err)
}

func TestGet_NotFound(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "nginx.yaml", nginxEntry)

	cat, err := Load(dir)
	require.NoError(t, err)

	_, err = cat.Get("does-not-exist")
	require.Error(t, err)
}
