// Package appliance provisions and maintains the single gateway container
// (spec §4.4): host bridge, DHCP/DNS, NAT, and the reverse-proxy engine the
// Proxy Manager writes vhosts into. Bootstrap is idempotent and, across a
// multi-process control plane, guarded by an etcd-backed leader election so
// only one process runs it at a time (spec §9: the per-app mutex stays
// in-memory, but the appliance singleton is not deferred).
package appliance

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"proximity/internal/alert"
	"proximity/internal/coreerr"
	"proximity/internal/etcd"
	"proximity/internal/hypervisor"
	"proximity/internal/logger"
	"proximity/internal/sshexec"
)

const (
	dnsmasqMarker  = "# proximity-managed-block"
	sysctlMarker   = "# proximity-managed"
	bridgeMarker   = "#proximity-lan-bridge"
	caddyMarker    = "# proximity-managed-caddyfile"
	electionPrefix = "/proximity/appliance/leader"
)

// Info is the singleton ApplianceInfo record (spec §3).
type Info struct {
	ContainerID int
	WANIP       string
	LANIP       string
	Bridge      string
	Subnet      string
	DHCPStart   string
	DHCPEnd     string
	DNSDomain   string
}

// Health is the per-service boolean map returned by verify_health (spec §4.4).
type Health struct {
	BridgeUp    bool
	ApplianceUp bool
	DHCPUp      bool
	DNSUp       bool
	NATUp       bool
	ProxyUp     bool
}

func (h Health) Healthy() bool {
	return h.BridgeUp && h.ApplianceUp && h.DHCPUp && h.DNSUp && h.NATUp && h.ProxyUp
}

// Config configures the appliance bootstrap sequence.
type Config struct {
	HostName      string // hypervisor host, as registered with Executor
	ApplianceCtID int
	Bridge        string
	Subnet        string // e.g. 10.20.0.0/24
	LANIP         string // e.g. 10.20.0.1
	DHCPStart     string
	DHCPEnd       string
	DNSDomain     string
	ProxyEngine   string // e.g. "caddy"
	EtcdEndpoints []string
}

// Manager owns appliance bootstrap and health.
type Manager struct {
	cfg     Config
	exec    *sshexec.Executor
	driver  *hypervisor.Driver
	etcdCli *etcd.Client // nil when running single-process
	alerter *alert.Dispatcher
	info    *Info
}

// New constructs a Manager. etcdCli may be nil, in which case bootstrap
// always assumes it holds the lead (single-process deployment). alerter may
// be nil, in which case bootstrap failures are logged but no operator
// notification is sent.
func New(cfg Config, exec *sshexec.Executor, driver *hypervisor.Driver, etcdCli *etcd.Client, alerter *alert.Dispatcher) *Manager {
	return &Manager{cfg: cfg, exec: exec, driver: driver, etcdCli: etcdCli, alerter: alerter}
}

// Bootstrap runs the ordered initialization sequence (spec §4.4 "Bootstrap
// ordering"): only after ApplianceInfo is published may deployments proceed.
// When etcd is configured, every process campaigns for leadership under
// electionPrefix, runs the full (idempotent) sequence itself once it holds
// the lead, then resigns, so processes bootstrap one at a time. A process
// does not adopt Info published by another; each one builds its own.
func (m *Manager) Bootstrap(ctx context.Context) (*Info, error) {
	ctx = logger.WithComponent(ctx, "appliance")
	log := logger.GetLogger(ctx)

	if m.etcdCli == nil {
		info, err := m.bootstrapLocked(ctx)
		if err != nil {
			m.notifyBootstrapFailure(ctx, err)
			return nil, err
		}
		return info, nil
	}

	session, err := m.etcdCli.NewSession(ctx, 30)
	if err != nil {
		err = coreerr.Wrap(coreerr.KindInternal, err, "appliance: creating etcd session")
		m.notifyBootstrapFailure(ctx, err)
		return nil, err
	}
	defer session.Close()

	election := m.etcdCli.NewElection(session, electionPrefix)
	campaignCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	if err := election.Campaign(campaignCtx, "bootstrapping"); err != nil {
		err = coreerr.Wrap(coreerr.KindInternal, err, "appliance: campaigning for bootstrap leadership")
		m.notifyBootstrapFailure(ctx, err)
		return nil, err
	}
	log.Info("won appliance bootstrap leader election")

	info, err := m.bootstrapLocked(ctx)
	if err != nil {
		m.notifyBootstrapFailure(ctx, err)
		return nil, err
	}
	if err := election.Resign(ctx); err != nil {
		log.Warn("failed to resign appliance leader election", zap.Error(err))
	}
	return info, nil
}

// notifyBootstrapFailure sends the operator alert for a failed bootstrap
// attempt (spec §4.4). Alerting is best-effort: a delivery failure is
// logged, never returned, so it can't mask the original bootstrap error.
func (m *Manager) notifyBootstrapFailure(ctx context.Context, cause error) {
	if m.alerter == nil {
		return
	}
	if err := m.alerter.NotifyApplianceBootstrapFailed(ctx, cause.Error()); err != nil {
		logger.GetLogger(ctx).Warn("appliance: failed to deliver bootstrap-failure alert", zap.Error(err))
	}
}

func (m *Manager) bootstrapLocked(ctx context.Context) (*Info, error) {
	if err := m.ensureBridge(ctx); err != nil {
		return nil, err
	}
	if err := m.ensureApplianceContainer(ctx); err != nil {
		return nil, err
	}
	if err := m.configureServices(ctx); err != nil {
		return nil, err
	}

	health, err := m.VerifyHealth(ctx)
	if err != nil {
		return nil, err
	}
	if !health.Healthy() {
		return nil, coreerr.New(coreerr.KindHypervisorUnavailable, "appliance: bootstrap completed but health check failed")
	}

	m.info = &Info{
		ContainerID: m.cfg.ApplianceCtID,
		LANIP:       m.cfg.LANIP,
		Bridge:      m.cfg.Bridge,
		Subnet:      m.cfg.Subnet,
		DHCPStart:   m.cfg.DHCPStart,
		DHCPEnd:     m.cfg.DHCPEnd,
		DNSDomain:   m.cfg.DNSDomain,
	}
	return m.info, nil
}

// Info returns the previously published ApplianceInfo, or nil if Bootstrap
// has not completed on this process.
func (m *Manager) Info() *Info {
	return m.info
}

// ensureBridge appends an idempotent bridge block to the host's network
// config if the marker line is absent, then reloads networking.
func (m *Manager) ensureBridge(ctx context.Context) error {
	check := fmt.Sprintf("grep -q '%s' /etc/network/interfaces", bridgeMarker)
	res, err := m.exec.RunShell(ctx, m.cfg.HostName, check, 10*time.Second)
	if err == nil && res.ExitCode == 0 {
		return nil // already present, idempotent no-op
	}

	block := strings.Join([]string{
		bridgeMarker,
		fmt.Sprintf("auto %s", m.cfg.Bridge),
		fmt.Sprintf("iface %s inet static", m.cfg.Bridge),
		fmt.Sprintf("        address %s", m.cfg.LANIP),
		"        bridge-ports none",
		"        bridge-stp off",
		"        bridge-fd 0",
		"",
	}, "\n")

	appendCmd := fmt.Sprintf("cat >> /etc/network/interfaces << 'PROXEOF'\n%s\nPROXEOF\nifreload -a || systemctl restart networking", block)
	if _, err := m.exec.RunShell(ctx, m.cfg.HostName, appendCmd, 30*time.Second); err != nil {
		return coreerr.Wrap(coreerr.KindHypervisorUnavailable, err, "appliance: writing bridge config")
	}
	return nil
}

// ensureApplianceContainer creates the appliance container at the
// well-known id if it does not already exist, and starts it if stopped.
func (m *Manager) ensureApplianceContainer(ctx context.Context) error {
	status, err := m.driver.Status(ctx, m.cfg.HostName, m.cfg.ApplianceCtID)
	if err != nil && coreerr.KindOf(err) != coreerr.KindNotFound {
		return err
	}

	if err != nil { // not found: create it
		spec := hypervisor.Spec{
			Node:        m.cfg.HostName,
			ContainerID: m.cfg.ApplianceCtID,
			Hostname:    "proximity-appliance",
			Template:    "local:vztmpl/debian-12-standard_12.7-1_amd64.tar.zst",
			CPUCores:    2,
			MemoryMB:    1024,
			DiskGB:      8,
			BridgeWAN:   "vmbr0",
			BridgeLAN:   m.cfg.Bridge,
		}
		task, err := m.driver.CreateLXC(ctx, spec)
		if err != nil {
			return err
		}
		if err := m.driver.WaitForTask(ctx, task, 180*time.Second); err != nil {
			return err
		}
		status = &hypervisor.Status{ContainerID: m.cfg.ApplianceCtID, Node: m.cfg.HostName}
	}

	if status.Running {
		return nil
	}
	task, err := m.driver.Start(ctx, m.cfg.HostName, m.cfg.ApplianceCtID)
	if err != nil {
		return err
	}
	return m.driver.WaitForTask(ctx, task, 60*time.Second)
}

// configureServices installs dnsmasq, NAT/sysctl, and the reverse proxy
// engine inside the appliance, each step idempotent on its own marker.
func (m *Manager) configureServices(ctx context.Context) error {
	if err := m.configureDHCPDNS(ctx); err != nil {
		return err
	}
	if err := m.configureNAT(ctx); err != nil {
		return err
	}
	return m.configureProxyEngine(ctx)
}

func (m *Manager) configureDHCPDNS(ctx context.Context) error {
	check := fmt.Sprintf("grep -q '%s' /etc/dnsmasq.conf", dnsmasqMarker)
	if res, err := m.exec.RunInContainer(ctx, m.cfg.HostName, m.cfg.ApplianceCtID, []string{"sh", "-c", check}, 10*time.Second); err == nil && res.ExitCode == 0 {
		return nil // already configured, idempotent no-op
	}

	config := strings.Join([]string{
		dnsmasqMarker,
		fmt.Sprintf("domain=%s", m.cfg.DNSDomain),
		fmt.Sprintf("dhcp-range=%s,%s,12h", m.cfg.DHCPStart, m.cfg.DHCPEnd),
		"dhcp-leasefile=/var/lib/misc/dnsmasq.leases",
		"",
	}, "\n")

	writeCmd := fmt.Sprintf("cat > /etc/dnsmasq.conf << 'PROXEOF'\n%s\nPROXEOF\nsystemctl enable --now dnsmasq && systemctl restart dnsmasq", config)
	_, err := m.exec.RunInContainer(ctx, m.cfg.HostName, m.cfg.ApplianceCtID, []string{"sh", "-c", writeCmd}, 30*time.Second)
	if err != nil {
		return coreerr.Wrap(coreerr.KindHypervisorUnavailable, err, "appliance: configuring dnsmasq")
	}
	return nil
}

func (m *Manager) configureNAT(ctx context.Context) error {
	sysctlCmd := fmt.Sprintf("grep -q '%s' /etc/sysctl.d/99-proximity.conf 2>/dev/null || (echo '%s' > /etc/sysctl.d/99-proximity.conf && echo 'net.ipv4.ip_forward = 1' >> /etc/sysctl.d/99-proximity.conf && sysctl -p /etc/sysctl.d/99-proximity.conf)",
		sysctlMarker, sysctlMarker)
	if _, err := m.exec.RunInContainer(ctx, m.cfg.HostName, m.cfg.ApplianceCtID, []string{"sh", "-c", sysctlCmd}, 10*time.Second); err != nil {
		return coreerr.Wrap(coreerr.KindHypervisorUnavailable, err, "appliance: enabling ip forwarding")
	}

	natCmd := fmt.Sprintf("iptables -t nat -C POSTROUTING -s %s -o eth0 -j MASQUERADE 2>/dev/null || iptables -t nat -A POSTROUTING -s %s -o eth0 -j MASQUERADE", m.cfg.Subnet, m.cfg.Subnet)
	if _, err := m.exec.RunInContainer(ctx, m.cfg.HostName, m.cfg.ApplianceCtID, []string{"sh", "-c", natCmd}, 10*time.Second); err != nil {
		return coreerr.Wrap(coreerr.KindHypervisorUnavailable, err, "appliance: configuring NAT masquerade")
	}
	return nil
}

func (m *Manager) configureProxyEngine(ctx context.Context) error {
	mkdirCmd := "mkdir -p /etc/caddy/sites-enabled"
	if _, err := m.exec.RunInContainer(ctx, m.cfg.HostName, m.cfg.ApplianceCtID, []string{"sh", "-c", mkdirCmd}, 10*time.Second); err != nil {
		return coreerr.Wrap(coreerr.KindHypervisorUnavailable, err, "appliance: creating sites-enabled directory")
	}

	check := fmt.Sprintf("grep -q '%s' /etc/caddy/Caddyfile", caddyMarker)
	if res, err := m.exec.RunInContainer(ctx, m.cfg.HostName, m.cfg.ApplianceCtID, []string{"sh", "-c", check}, 10*time.Second); err == nil && res.ExitCode == 0 {
		return nil // already configured, idempotent no-op
	}

	mainConfig := strings.Join([]string{caddyMarker, "import sites-enabled/*", ""}, "\n")
	writeCmd := fmt.Sprintf("cat > /etc/caddy/Caddyfile << 'PROXEOF'\n%s\nPROXEOF\nsystemctl enable --now caddy && systemctl reload caddy", mainConfig)
	if _, err := m.exec.RunInContainer(ctx, m.cfg.HostName, m.cfg.ApplianceCtID, []string{"sh", "-c", writeCmd}, 15*time.Second); err != nil {
		return coreerr.Wrap(coreerr.KindHypervisorUnavailable, err, "appliance: configuring reverse proxy main config")
	}
	return nil
}

// VerifyHealth returns a per-service boolean map (spec §4.4 verify_health).
func (m *Manager) VerifyHealth(ctx context.Context) (Health, error) {
	var h Health

	status, err := m.driver.Status(ctx, m.cfg.HostName, m.cfg.ApplianceCtID)
	if err != nil {
		return h, err
	}
	h.ApplianceUp = status.Running
	h.BridgeUp = true // presence checked during ensureBridge; re-probed on demand by callers if needed

	checks := map[string]*bool{
		"dnsmasq": &h.DHCPUp,
		"caddy":   &h.ProxyUp,
	}
	h.NATUp = h.ApplianceUp

	for service, target := range checks {
		res, err := m.exec.RunInContainer(ctx, m.cfg.HostName, m.cfg.ApplianceCtID,
			[]string{"systemctl", "is-active", service}, 10*time.Second)
		*target = err == nil && res != nil && res.ExitCode == 0
	}
	h.DNSUp = h.DHCPUp // dnsmasq serves both roles

	return h, nil
}
