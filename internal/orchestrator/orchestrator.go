// Package orchestrator implements the Deployment Orchestrator (spec §4.6):
// the ten-step deployment pipeline (D1-D10) with checkpointed rollback.
// Cancellation of ctx is passed straight to each remote operation, so it
// aborts the one in flight rather than letting it finish (an SSH command is
// killed); that step then fails and the compensations run on a context
// detached from the cancellation.
package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"

	"proximity/internal/allocator"
	"proximity/internal/catalog"
	"proximity/internal/coreerr"
	"proximity/internal/deploylog"
	"proximity/internal/ent"
	"proximity/internal/ent/application"
	"proximity/internal/enum"
	"proximity/internal/hostutil"
	"proximity/internal/hypervisor"
	"proximity/internal/logger"
	"proximity/internal/proxy"
	"proximity/internal/sshexec"
	"proximity/internal/stacklauncher"
	"proximity/internal/utils"
)

// ResourceOverrides carries the optional config_overrides of a deploy
// request (spec §4.6 D2 "merge defaults with overrides").
type ResourceOverrides struct {
	CPUCores *int
	MemoryMB *int
	DiskGB   *int
}

// DeployRequest is the normalized input to Deploy (spec §4.6, §6
// "POST /apps/deploy").
type DeployRequest struct {
	CatalogID       string
	Hostname        string
	Owner           string
	Overrides       ResourceOverrides
	EnvOverrides    map[string]string
	DeleteOnFailure bool // spec §4.6 "Failure policy": compensations run to completion and the row is hard-deleted
}

// Config configures the orchestrator's infrastructure defaults.
type Config struct {
	Template  string // hypervisor template reference for new app containers
	WANBridge string // uplink bridge for net0, matching the appliance's own container (default vmbr0)
	AppBridge string // LAN bridge app containers attach to (the appliance's bridge)
	RuntimeInstallTimeout time.Duration
	DHCPWaitTimeout       time.Duration
	StackStartTimeout     time.Duration
}

// Orchestrator executes deployments end to end.
type Orchestrator struct {
	client   *ent.Client
	catalog  *catalog.Catalog
	driver   *hypervisor.Driver
	alloc    *allocator.Allocator
	exec     *sshexec.Executor
	proxyMgr *proxy.Manager
	cfg      Config
}

// New constructs an Orchestrator.
func New(client *ent.Client, cat *catalog.Catalog, driver *hypervisor.Driver, alloc *allocator.Allocator, exec *sshexec.Executor, proxyMgr *proxy.Manager, cfg Config) *Orchestrator {
	if cfg.RuntimeInstallTimeout == 0 {
		cfg.RuntimeInstallTimeout = 120 * time.Second
	}
	if cfg.DHCPWaitTimeout == 0 {
		cfg.DHCPWaitTimeout = 120 * time.Second
	}
	if cfg.StackStartTimeout == 0 {
		cfg.StackStartTimeout = 300 * time.Second
	}
	if cfg.WANBridge == "" {
		cfg.WANBridge = "vmbr0"
	}
	return &Orchestrator{client: client, catalog: cat, driver: driver, alloc: alloc, exec: exec, proxyMgr: proxyMgr, cfg: cfg}
}

// normalizedSpec is the merged, catalog-plus-overrides resource and
// environment spec the rest of the pipeline operates on (spec §4.6 D2).
type normalizedSpec struct {
	CPUCores    int
	MemoryMB    int
	DiskGB      int
	Ports       []int
	Environment map[string]string
	Volumes     []string
	Manifest    string
}

// compensation is one reverse-order cleanup step, run in the order
// (last successful step first) that spec §4.6's table describes.
type compensation struct {
	name string
	fn   func(ctx context.Context) error
}

// Deploy runs the full pipeline. On success it returns the Application row
// in state running. On failure the row lands in error (or is purged, if
// req.DeleteOnFailure) and the returned error describes the first failing
// step.
func (o *Orchestrator) Deploy(ctx context.Context, req DeployRequest) (*ent.Application, error) {
	ctx = logger.WithComponent(ctx, "orchestrator")
	log := logger.GetLogger(ctx)

	var comps []compensation
	runCompensations := func(cause error) error {
		var agg *multierror.Error
		for i := len(comps) - 1; i >= 0; i-- {
			c := comps[i]
			if err := c.fn(context.WithoutCancel(ctx)); err != nil {
				agg = multierror.Append(agg, fmt.Errorf("%s: %w", c.name, err))
				log.Error(fmt.Sprintf("orchestrator: compensation %q failed: %v", c.name, err))
			}
		}
		if agg != nil {
			return fmt.Errorf("original error %q, compensation failures: %w", cause, agg)
		}
		return nil
	}

	// D1: validate request.
	if err := o.validate(ctx, req); err != nil {
		return nil, err
	}

	// D2: resolve catalog entry, merge defaults with overrides.
	entry, err := o.catalog.Get(req.CatalogID)
	if err != nil {
		return nil, err
	}
	spec := o.normalize(entry, req)

	// D3: select node.
	node, err := o.selectNode(ctx)
	if err != nil {
		return nil, err
	}

	// D4: allocate container id and public port; insert Application row.
	app, err := o.allocateAndInsert(ctx, req, entry, spec, node)
	if err != nil {
		return nil, err
	}
	appID := app.ID
	comps = append(comps, compensation{"release allocations", func(ctx context.Context) error {
		var errs error
		if rerr := o.alloc.ReleasePort(ctx, *app.PublicPort); rerr != nil {
			errs = multierror.Append(errs, rerr)
		}
		if derr := o.client.Application.DeleteOneID(appID).Exec(ctx); derr != nil {
			errs = multierror.Append(errs, derr)
		}
		return errs
	}})

	fail := func(step string, stepErr error) (*ent.Application, error) {
		deploylog.Error(ctx, o.client, appID, step, stepErr.Error())

		if req.DeleteOnFailure {
			// The user asked for cleanup-on-failure: run every compensation,
			// including the D4 one that purges the row, and never transition
			// to error since there will be no row left to hold that state.
			if cerr := runCompensations(stepErr); cerr != nil {
				log.Error(cerr.Error())
			}
			return nil, stepErr
		}

		// Default policy: tear down the infrastructure the pipeline stood up
		// (container, vhost) but keep the Application row and port
		// allocation so the operator can inspect and retry or delete it
		// explicitly, landing it in error instead of silently purging it.
		var infra []compensation
		for _, c := range comps {
			if c.name != "release allocations" {
				infra = append(infra, c)
			}
		}
		comps = infra
		if cerr := runCompensations(stepErr); cerr != nil {
			log.Error(cerr.Error())
		}

		_, uerr := o.client.Application.UpdateOneID(appID).
			SetState(enum.AppStateError).
			SetErrorMessage(stepErr.Error()).
			Save(context.WithoutCancel(ctx))
		if uerr != nil {
			log.Error("orchestrator: failed to record error state")
		}
		return nil, stepErr
	}

	// D5: create_lxc. The root password is generated fresh and never
	// persisted: nothing in the pipeline logs into the container directly,
	// the Runtime Installer and Stack Launcher reach it over pct exec and
	// the Docker API respectively.
	deploylog.Info(ctx, o.client, appID, "D5", "creating container")
	rootPassword, err := utils.GenerateSecurePassword()
	if err != nil {
		return fail("D5", coreerr.Wrap(coreerr.KindInternal, err, "orchestrator: generating container root password"))
	}
	task, err := o.driver.CreateLXC(ctx, hypervisor.Spec{
		Node:        node,
		ContainerID: *app.ContainerID,
		Hostname:    req.Hostname,
		Template:    o.cfg.Template,
		CPUCores:    spec.CPUCores,
		MemoryMB:    spec.MemoryMB,
		DiskGB:      spec.DiskGB,
		BridgeWAN:   o.cfg.WANBridge,
		BridgeLAN:   o.cfg.AppBridge,
		Password:    rootPassword,
	})
	if err != nil {
		return fail("D5", err)
	}
	// The task has been submitted to the hypervisor: a container may now
	// exist even if waiting for completion below times out, so register the
	// teardown before blocking on it.
	comps = append(comps, compensation{"destroy container", func(ctx context.Context) error {
		return o.destroyContainer(ctx, node, *app.ContainerID)
	}})
	if err := o.driver.WaitForTask(ctx, task, 180*time.Second); err != nil {
		return fail("D5", err)
	}
	deploylog.Info(ctx, o.client, appID, "D5", "container created")

	// D6: start container, wait for DHCP lease, record private IP.
	deploylog.Info(ctx, o.client, appID, "D6", "starting container")
	startTask, err := o.driver.Start(ctx, node, *app.ContainerID)
	if err != nil {
		return fail("D6", err)
	}
	if err := o.driver.WaitForTask(ctx, startTask, 60*time.Second); err != nil {
		return fail("D6", err)
	}
	privateIP, err := o.alloc.WaitForDHCPLease(ctx, req.Hostname, o.cfg.DHCPWaitTimeout)
	if err != nil {
		return fail("D6", err)
	}
	app, err = o.client.Application.UpdateOneID(appID).SetPrivateIP(privateIP).Save(ctx)
	if err != nil {
		return fail("D6", coreerr.Wrap(coreerr.KindInternal, err, "orchestrator: persisting private ip"))
	}
	deploylog.Info(ctx, o.client, appID, "D6", fmt.Sprintf("assigned private ip %s", privateIP))

	// D7: install container runtime inside the LXC.
	deploylog.Info(ctx, o.client, appID, "D7", "installing container runtime")
	if err := o.installRuntime(ctx, node, *app.ContainerID); err != nil {
		return fail("D7", err)
	}
	deploylog.Info(ctx, o.client, appID, "D7", "container runtime installed and verified")

	// D8: transfer manifest, pull images, start the stack, verify.
	deploylog.Info(ctx, o.client, appID, "D8", "starting application stack")
	manifest, err := stacklauncher.ParseManifest(spec.Manifest)
	if err != nil {
		return fail("D8", err)
	}
	launcher, err := stacklauncher.Connect(privateIP)
	if err != nil {
		return fail("D8", err)
	}
	defer launcher.Close()
	containers, err := launcher.Launch(ctx, req.Hostname, manifest)
	if err != nil {
		return fail("D8", err)
	}
	if err := launcher.VerifyRunning(ctx, containers, o.cfg.StackStartTimeout); err != nil {
		return fail("D8", err)
	}
	deploylog.Info(ctx, o.client, appID, "D8", fmt.Sprintf("%d service(s) running", len(containers)))

	// D9: create reverse-proxy vhost.
	deploylog.Info(ctx, o.client, appID, "D9", "creating vhost")
	if len(spec.Ports) == 0 {
		return fail("D9", coreerr.New(coreerr.KindInvalidRequest, "orchestrator: catalog entry declares no published ports"))
	}
	backendPort := spec.Ports[0]
	if err := o.proxyMgr.CreateVHost(ctx, proxy.VHost{
		AppName:     req.Hostname,
		BackendIP:   privateIP,
		BackendPort: backendPort,
		PublicPort:  *app.PublicPort,
	}); err != nil {
		return fail("D9", err)
	}
	comps = append(comps, compensation{"delete vhost", func(ctx context.Context) error {
		return o.proxyMgr.DeleteVHost(ctx, req.Hostname)
	}})
	deploylog.Info(ctx, o.client, appID, "D9", "vhost created")

	// D10: transition to running.
	app, err = o.client.Application.UpdateOneID(appID).SetState(enum.AppStateRunning).Save(ctx)
	if err != nil {
		return fail("D10", coreerr.Wrap(coreerr.KindInternal, err, "orchestrator: finalizing application row"))
	}
	deploylog.Info(ctx, o.client, appID, "D10", "deployment complete")

	return app, nil
}

// validate implements D1 (spec §4.6): hostname format, hostname uniqueness,
// catalog entry existence. No side effects on failure.
func (o *Orchestrator) validate(ctx context.Context, req DeployRequest) error {
	if err := hostutil.Validate(req.Hostname); err != nil {
		return err
	}
	if req.Owner == "" {
		return coreerr.New(coreerr.KindInvalidRequest, "orchestrator: owner is required")
	}
	exists, err := o.client.Application.Query().Where(application.Hostname(req.Hostname)).Exist(ctx)
	if err != nil {
		return coreerr.Wrap(coreerr.KindInternal, err, "orchestrator: checking hostname uniqueness")
	}
	if exists {
		return coreerr.New(coreerr.KindConflict, fmt.Sprintf("orchestrator: hostname %q already in use", req.Hostname))
	}
	if _, err := o.catalog.Get(req.CatalogID); err != nil {
		return err
	}
	return nil
}

// normalize implements D2: merge catalog defaults with request overrides
// into a normalized resource spec.
func (o *Orchestrator) normalize(entry catalog.Entry, req DeployRequest) normalizedSpec {
	cpu, mem, disk := entry.Resources.CPUCores, entry.Resources.MemoryMB, entry.Resources.DiskGB
	if req.Overrides.CPUCores != nil {
		cpu = *req.Overrides.CPUCores
	}
	if req.Overrides.MemoryMB != nil {
		mem = *req.Overrides.MemoryMB
	}
	if req.Overrides.DiskGB != nil {
		disk = *req.Overrides.DiskGB
	}

	env := make(map[string]string, len(entry.Environment)+len(req.EnvOverrides))
	for k, v := range entry.Environment {
		env[k] = v
	}
	for k, v := range req.EnvOverrides {
		env[k] = v
	}

	return normalizedSpec{
		CPUCores:    cpu,
		MemoryMB:    mem,
		DiskGB:      disk,
		Ports:       entry.Ports,
		Environment: env,
		Volumes:     entry.Volumes,
		Manifest:    entry.Manifest,
	}
}

// selectNode implements D3: the best-node heuristic over live node stats
// (spec §4.2).
func (o *Orchestrator) selectNode(ctx context.Context) (string, error) {
	nodes, err := o.driver.ListNodes(ctx)
	if err != nil {
		return "", err
	}
	return hypervisor.BestNode(nodes)
}

// allocateAndInsert implements D4: allocate container id and public port,
// insert the Application row in state provisioning.
func (o *Orchestrator) allocateAndInsert(ctx context.Context, req DeployRequest, entry catalog.Entry, spec normalizedSpec, node string) (*ent.Application, error) {
	containerID, err := o.alloc.AllocateContainerID(ctx, node)
	if err != nil {
		return nil, err
	}

	appID := uuid.New()
	port, err := o.alloc.AllocatePort(ctx, appID)
	if err != nil {
		o.alloc.ReleaseContainerID(containerID)
		return nil, err
	}

	ports := make(map[string]int, len(spec.Ports))
	for _, p := range spec.Ports {
		ports[fmt.Sprintf("%d", p)] = port
	}

	app, err := o.client.Application.Create().
		SetID(appID).
		SetCatalogRef(entry.ID).
		SetHostname(req.Hostname).
		SetNodeName(node).
		SetContainerID(containerID).
		SetPublicPort(port).
		SetState(enum.AppStateProvisioning).
		SetCPUCores(spec.CPUCores).
		SetMemoryMB(spec.MemoryMB).
		SetDiskGB(spec.DiskGB).
		SetPorts(ports).
		SetVolumes(spec.Volumes).
		SetEnvironment(spec.Environment).
		SetOwnerID(req.Owner).
		Save(ctx)
	if err != nil {
		o.alloc.ReleaseContainerID(containerID)
		_ = o.alloc.ReleasePort(ctx, port)
		return nil, coreerr.Wrap(coreerr.KindInternal, err, "orchestrator: inserting application row")
	}
	deploylog.Info(ctx, o.client, app.ID, "D4", fmt.Sprintf("allocated container id %d, public port %d on node %s", containerID, port, node))
	return app, nil
}

// installRuntime implements D7: package install, enable service, verify
// (spec §4.6). Grounded on the same apt/systemctl idiom the appliance
// bootstrap uses for its own service installs.
func (o *Orchestrator) installRuntime(ctx context.Context, node string, containerID int) error {
	install := "apt-get update && apt-get install -y docker.io"
	if _, err := o.exec.RunInContainer(ctx, node, containerID, []string{"sh", "-c", install}, o.cfg.RuntimeInstallTimeout); err != nil {
		return coreerr.Wrap(coreerr.KindTaskFailed, err, "orchestrator: installing container runtime")
	}

	// Expose the daemon on the private interface only, for the Stack
	// Launcher to reach over the app bridge.
	configure := "mkdir -p /etc/systemd/system/docker.service.d && " +
		"printf '[Service]\\nExecStart=\\nExecStart=/usr/bin/dockerd -H unix:///var/run/docker.sock -H tcp://0.0.0.0:2375\\n' " +
		"> /etc/systemd/system/docker.service.d/override.conf && " +
		"systemctl daemon-reload && systemctl enable --now docker && systemctl restart docker"
	if _, err := o.exec.RunInContainer(ctx, node, containerID, []string{"sh", "-c", configure}, 30*time.Second); err != nil {
		return coreerr.Wrap(coreerr.KindTaskFailed, err, "orchestrator: configuring container runtime socket")
	}

	verify := "systemctl is-active docker"
	res, err := o.exec.RunInContainer(ctx, node, containerID, []string{"sh", "-c", verify}, 10*time.Second)
	if err != nil || res.ExitCode != 0 {
		return coreerr.New(coreerr.KindTaskFailed, "orchestrator: container runtime failed health verification")
	}
	return nil
}

// destroyContainer is the common stop+destroy compensating action used by
// D6, D7, D8, D9 failures (spec §4.6 table).
func (o *Orchestrator) destroyContainer(ctx context.Context, node string, containerID int) error {
	status, err := o.driver.Status(ctx, node, containerID)
	if err == nil && status.Running {
		stopTask, serr := o.driver.Stop(ctx, node, containerID)
		if serr == nil {
			_ = o.driver.WaitForTask(ctx, stopTask, 60*time.Second)
		}
	}
	destroyTask, err := o.driver.Destroy(ctx, node, containerID)
	if err != nil {
		return err
	}
	return o.driver.WaitForTask(ctx, destroyTask, 60*time.Second)
}
