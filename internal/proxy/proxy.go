// Package proxy implements the Proxy Manager (spec §4.5): per-application
// reverse-proxy vhost files inside the appliance container, each mapping
// <app>.<domain> (and a WAN public port) to the application's private
// container. Writes are atomic (temp file + rename), reloads are serialized
// by an in-process lock, and a failed rollback reload puts the manager into
// a degraded state until a manual recovery call succeeds.
package proxy

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"proximity/internal/alert"
	"proximity/internal/coreerr"
	"proximity/internal/logger"
	"proximity/internal/sshexec"
)

// VHost describes one application's reverse-proxy mapping.
type VHost struct {
	AppName     string
	BackendIP   string
	BackendPort int
	PublicPort  int
}

// Config configures where vhost files live inside the appliance container
// and how its reverse-proxy engine is reloaded.
type Config struct {
	HostName      string // hypervisor host the appliance container runs on
	ApplianceCtID int
	DNSDomain     string
	SitesDir      string // e.g. /etc/caddy/sites-enabled
}

// Manager owns vhost file lifecycle and the appliance reload lock. Safe for
// concurrent use; reloads are serialized so two writers never race during
// validation.
type Manager struct {
	cfg     Config
	exec    *sshexec.Executor
	alerter *alert.Dispatcher

	mu       sync.Mutex
	degraded bool
}

// New constructs a Manager. alerter may be nil, in which case entering the
// degraded state is logged by the caller but no operator notification is
// sent.
func New(cfg Config, exec *sshexec.Executor, alerter *alert.Dispatcher) *Manager {
	if cfg.SitesDir == "" {
		cfg.SitesDir = "/etc/caddy/sites-enabled"
	}
	return &Manager{cfg: cfg, exec: exec, alerter: alerter}
}

// enterDegraded marks the manager degraded and sends the operator alert
// (spec §4.5, §5 ProxyDegraded "triggers operator alert"). Must be called
// with mu held.
func (m *Manager) enterDegraded(ctx context.Context, cause error) {
	m.degraded = true
	if m.alerter == nil {
		return
	}
	if err := m.alerter.NotifyProxyDegraded(ctx, cause.Error()); err != nil {
		logger.GetLogger(ctx).Warn("proxy: failed to deliver degraded-state alert", zap.Error(err))
	}
}

// Degraded reports whether the Proxy Manager is in the degraded state of
// spec §4.5 (a rollback reload itself failed). New vhost operations refuse
// to proceed until Recover succeeds.
func (m *Manager) Degraded() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.degraded
}

// CreateVHost writes the file, validates the whole config, and reloads. On
// validation or reload failure it deletes the new file and reloads again to
// restore the prior state (spec §4.5).
func (m *Manager) CreateVHost(ctx context.Context, v VHost) error {
	return m.writeAndReload(ctx, v)
}

// UpdateVHost behaves identically to CreateVHost: the write is atomic
// regardless of whether the file previously existed (spec §4.5).
func (m *Manager) UpdateVHost(ctx context.Context, v VHost) error {
	return m.writeAndReload(ctx, v)
}

func (m *Manager) writeAndReload(ctx context.Context, v VHost) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.degraded {
		return coreerr.New(coreerr.KindProxyDegraded, "proxy: refusing vhost operation, manager is degraded; call Recover first")
	}

	path := m.vhostPath(v.AppName)
	previous, hadPrevious, err := m.readFile(ctx, path)
	if err != nil {
		return err
	}

	if err := m.atomicWrite(ctx, path, renderVHost(v, m.cfg.DNSDomain)); err != nil {
		return err
	}

	if err := m.validateAndReloadLocked(ctx); err == nil {
		return nil
	}

	// Roll back: restore the previous content, or remove the file if it was
	// new, then reload again to restore the prior applied state.
	var rollbackErr error
	if hadPrevious {
		rollbackErr = m.atomicWrite(ctx, path, previous)
	} else {
		rollbackErr = m.removeFile(ctx, path)
	}
	if rollbackErr != nil {
		m.enterDegraded(ctx, rollbackErr)
		return coreerr.Wrap(coreerr.KindProxyDegraded, rollbackErr, "proxy: rollback write failed after a bad vhost config")
	}

	if err := m.validateAndReloadLocked(ctx); err != nil {
		m.enterDegraded(ctx, err)
		return coreerr.Wrap(coreerr.KindProxyDegraded, err, "proxy: rollback reload failed, manager is now degraded")
	}
	return coreerr.New(coreerr.KindInvalidRequest, fmt.Sprintf("proxy: vhost config for %s rejected by validation, rolled back", v.AppName))
}

// DeleteVHost removes the file and reloads (spec §4.5).
func (m *Manager) DeleteVHost(ctx context.Context, appName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.degraded {
		return coreerr.New(coreerr.KindProxyDegraded, "proxy: refusing vhost operation, manager is degraded; call Recover first")
	}

	path := m.vhostPath(appName)
	if err := m.removeFile(ctx, path); err != nil {
		return err
	}
	if err := m.validateAndReloadLocked(ctx); err != nil {
		m.enterDegraded(ctx, err)
		return coreerr.Wrap(coreerr.KindProxyDegraded, err, "proxy: reload after vhost deletion failed")
	}
	return nil
}

// ListVHosts lists the application names with a vhost file currently
// installed.
func (m *Manager) ListVHosts(ctx context.Context) ([]string, error) {
	res, err := m.exec.RunInContainer(ctx, m.cfg.HostName, m.cfg.ApplianceCtID,
		[]string{"sh", "-c", fmt.Sprintf("ls %s 2>/dev/null", m.cfg.SitesDir)}, 10*time.Second)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, line := range strings.Split(strings.TrimSpace(res.Stdout), "\n") {
		if line == "" {
			continue
		}
		names = append(names, strings.TrimSuffix(line, ".conf"))
	}
	return names, nil
}

// VerifyVHostHealth probes the public endpoint over HTTP (spec §4.5
// verify_vhost_health).
func (m *Manager) VerifyVHostHealth(ctx context.Context, publicPort int) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("http://%s:%d/", m.cfg.HostName, publicPort), nil)
	if err != nil {
		return coreerr.Wrap(coreerr.KindInternal, err, "proxy: building health probe request")
	}
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return coreerr.Wrap(coreerr.KindProxyDegraded, err, "proxy: vhost health probe failed")
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		return coreerr.New(coreerr.KindProxyDegraded, fmt.Sprintf("proxy: vhost health probe returned %d", resp.StatusCode))
	}
	return nil
}

// Recover clears the degraded state after an operator has manually repaired
// the appliance's proxy configuration, re-validating and reloading first
// (spec §4.5 "new vhost operations refuse to proceed until a manual
// recovery call succeeds").
func (m *Manager) Recover(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.validateAndReloadLocked(ctx); err != nil {
		return coreerr.Wrap(coreerr.KindProxyDegraded, err, "proxy: recovery validation/reload still failing")
	}
	m.degraded = false
	return nil
}

func (m *Manager) vhostPath(appName string) string {
	return fmt.Sprintf("%s/%s.conf", m.cfg.SitesDir, appName)
}

// validateAndReloadLocked dry-run validates the whole engine config, then
// reloads. Must be called with m.mu held.
func (m *Manager) validateAndReloadLocked(ctx context.Context) error {
	validate := "caddy validate --config /etc/caddy/Caddyfile --adapter caddyfile"
	if res, err := m.exec.RunInContainer(ctx, m.cfg.HostName, m.cfg.ApplianceCtID, []string{"sh", "-c", validate}, 15*time.Second); err != nil || res.ExitCode != 0 {
		if err == nil {
			err = fmt.Errorf("caddy validate exited %d: %s", res.ExitCode, res.Stderr)
		}
		return coreerr.Wrap(coreerr.KindInvalidRequest, err, "proxy: vhost config failed validation")
	}

	reload := "systemctl reload caddy"
	if res, err := m.exec.RunInContainer(ctx, m.cfg.HostName, m.cfg.ApplianceCtID, []string{"sh", "-c", reload}, 15*time.Second); err != nil || res.ExitCode != 0 {
		if err == nil {
			err = fmt.Errorf("systemctl reload exited %d: %s", res.ExitCode, res.Stderr)
		}
		return coreerr.Wrap(coreerr.KindHypervisorUnavailable, err, "proxy: reloading proxy engine")
	}
	return nil
}

// atomicWrite writes content to a temp file in the same directory and
// renames it over path, so a concurrent reload never observes a partial
// write (spec §4.5 "the write is atomic").
func (m *Manager) atomicWrite(ctx context.Context, path, content string) error {
	tmp := path + ".tmp"
	writeCmd := fmt.Sprintf("cat > %s << 'PROXEOF'\n%s\nPROXEOF\nmv %s %s", tmp, content, tmp, path)
	if _, err := m.exec.RunInContainer(ctx, m.cfg.HostName, m.cfg.ApplianceCtID, []string{"sh", "-c", writeCmd}, 15*time.Second); err != nil {
		return coreerr.Wrap(coreerr.KindHypervisorUnavailable, err, "proxy: writing vhost file")
	}
	return nil
}

func (m *Manager) removeFile(ctx context.Context, path string) error {
	if _, err := m.exec.RunInContainer(ctx, m.cfg.HostName, m.cfg.ApplianceCtID, []string{"rm", "-f", path}, 10*time.Second); err != nil {
		return coreerr.Wrap(coreerr.KindHypervisorUnavailable, err, "proxy: removing vhost file")
	}
	return nil
}

func (m *Manager) readFile(ctx context.Context, path string) (content string, existed bool, err error) {
	res, runErr := m.exec.RunInContainer(ctx, m.cfg.HostName, m.cfg.ApplianceCtID, []string{"sh", "-c", fmt.Sprintf("cat %s 2>/dev/null", path)}, 10*time.Second)
	if runErr != nil {
		return "", false, coreerr.Wrap(coreerr.KindHypervisorUnavailable, runErr, "proxy: reading existing vhost file")
	}
	if res.ExitCode != 0 || res.Stdout == "" {
		return "", false, nil
	}
	return res.Stdout, true, nil
}

// renderVHost renders the Caddy vhost block for v: maps the public hostname
// to the backend, strips frame-blocking headers so the UI can embed the
// application, and emits access logs (spec §4.5).
func renderVHost(v VHost, dnsDomain string) string {
	hostname := fmt.Sprintf("%s.%s", v.AppName, dnsDomain)
	backend := net.JoinHostPort(v.BackendIP, strconv.Itoa(v.BackendPort))

	var b strings.Builder
	fmt.Fprintf(&b, "%s:%d, %s {\n", hostname, v.PublicPort, hostname)
	fmt.Fprintf(&b, "\treverse_proxy %s {\n", backend)
	b.WriteString("\t\theader_down -X-Frame-Options\n")
	b.WriteString("\t\theader_down -Content-Security-Policy\n")
	b.WriteString("\t}\n")
	fmt.Fprintf(&b, "\tlog {\n\t\toutput file /var/log/caddy/%s.access.log\n\t}\n", v.AppName)
	b.WriteString("}\n")
	return b.String()
}
