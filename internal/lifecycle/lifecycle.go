// Package lifecycle implements the Lifecycle Manager (spec §4.7): the
// Application state machine and the per-application mutex that serializes
// every post-deploy operation (start, stop, restart, update_config, clone,
// delete) while letting independent applications run concurrently.
package lifecycle

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"proximity/internal/allocator"
	"proximity/internal/coreerr"
	"proximity/internal/db"
	"proximity/internal/deploylog"
	"proximity/internal/ent"
	"proximity/internal/ent/application"
	"proximity/internal/enum"
	"proximity/internal/hostutil"
	"proximity/internal/hypervisor"
	"proximity/internal/logger"
	"proximity/internal/proxy"
)

// UpdateConfigRequest carries the optional fields of update_config (spec
// §4.7); at least one must be set.
type UpdateConfigRequest struct {
	CPUCores *int
	MemoryMB *int
	DiskGB   *int
}

// Manager owns the per-application mutex map and dispatches transitions to
// the hypervisor driver, proxy manager, and resource allocator.
type Manager struct {
	client    *ent.Client
	driver    *hypervisor.Driver
	proxyMgr  *proxy.Manager
	allocator *allocator.Allocator
	dnsDomain string

	locksMu sync.Mutex
	locks   map[uuid.UUID]*sync.Mutex
}

// New constructs a Manager.
func New(client *ent.Client, driver *hypervisor.Driver, proxyMgr *proxy.Manager, alloc *allocator.Allocator, dnsDomain string) *Manager {
	return &Manager{
		client:    client,
		driver:    driver,
		proxyMgr:  proxyMgr,
		allocator: alloc,
		dnsDomain: dnsDomain,
		locks:     make(map[uuid.UUID]*sync.Mutex),
	}
}

// lockFor returns the per-application mutex, creating it on first use. The
// map itself is guarded separately from the per-app locks it hands out, so
// two different applications never block each other (spec §4.7, §5).
func (m *Manager) lockFor(id uuid.UUID) *sync.Mutex {
	m.locksMu.Lock()
	defer m.locksMu.Unlock()
	l, ok := m.locks[id]
	if !ok {
		l = &sync.Mutex{}
		m.locks[id] = l
	}
	return l
}

func (m *Manager) withLock(id uuid.UUID, fn func() error) error {
	l := m.lockFor(id)
	l.Lock()
	defer l.Unlock()
	return fn()
}

func (m *Manager) transition(ctx context.Context, id uuid.UUID, state enum.AppState) (*ent.Application, error) {
	app, err := m.client.Application.UpdateOneID(id).
		SetState(state).
		Save(ctx)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.KindInternal, err, fmt.Sprintf("lifecycle: transitioning to %s", state))
	}
	return app, nil
}

func (m *Manager) transitionError(ctx context.Context, id uuid.UUID, cause error) {
	log := logger.GetLogger(ctx)
	_, err := m.client.Application.UpdateOneID(id).
		SetState(enum.AppStateError).
		SetErrorMessage(cause.Error()).
		Save(ctx)
	if err != nil {
		log.Error("lifecycle: failed to record error state", zap.Error(err))
	}
	deploylog.Error(ctx, m.client, id, "error", cause.Error())
}

// Start implements start(app_id) (spec §4.7): hypervisor start, wait for the
// container running, bounded HTTP probe of the private stack, then
// transition to running.
func (m *Manager) Start(ctx context.Context, id uuid.UUID) error {
	return m.withLock(id, func() error {
		app, err := m.client.Application.Get(ctx, id)
		if err != nil {
			return coreerr.Wrap(coreerr.KindNotFound, err, "lifecycle: loading application")
		}
		if app.State != enum.AppStateStopped {
			return coreerr.New(coreerr.KindInvalidState, fmt.Sprintf("lifecycle: start requires stopped, got %s", app.State))
		}
		if app.NodeName == nil || app.ContainerID == nil {
			return coreerr.New(coreerr.KindInvalidState, "lifecycle: application has no assigned node/container")
		}

		task, err := m.driver.Start(ctx, *app.NodeName, *app.ContainerID)
		if err != nil {
			m.transitionError(ctx, id, err)
			return err
		}
		if err := m.driver.WaitForTask(ctx, task, 60*time.Second); err != nil {
			m.transitionError(ctx, id, err)
			return err
		}

		if err := m.probeStack(ctx, app.PrivateIP, firstPort(app.Ports)); err != nil {
			stackErr := coreerr.Wrap(coreerr.KindTaskFailed, err, "lifecycle: StackNotReady")
			m.transitionError(ctx, id, stackErr)
			return stackErr
		}

		_, err = m.transition(ctx, id, enum.AppStateRunning)
		if err == nil {
			deploylog.Info(ctx, m.client, id, "start", "application started and reachable")
		}
		return err
	})
}

// Stop implements stop(app_id) (spec §4.7).
func (m *Manager) Stop(ctx context.Context, id uuid.UUID) error {
	return m.withLock(id, func() error {
		app, err := m.client.Application.Get(ctx, id)
		if err != nil {
			return coreerr.Wrap(coreerr.KindNotFound, err, "lifecycle: loading application")
		}
		if app.State != enum.AppStateRunning {
			return coreerr.New(coreerr.KindInvalidState, fmt.Sprintf("lifecycle: stop requires running, got %s", app.State))
		}
		if err := m.stopContainer(ctx, app); err != nil {
			m.transitionError(ctx, id, err)
			return err
		}
		_, err = m.transition(ctx, id, enum.AppStateStopped)
		if err == nil {
			deploylog.Info(ctx, m.client, id, "stop", "application stopped")
		}
		return err
	})
}

func (m *Manager) stopContainer(ctx context.Context, app *ent.Application) error {
	if app.NodeName == nil || app.ContainerID == nil {
		return coreerr.New(coreerr.KindInvalidState, "lifecycle: application has no assigned node/container")
	}
	task, err := m.driver.Stop(ctx, *app.NodeName, *app.ContainerID)
	if err != nil {
		return err
	}
	return m.driver.WaitForTask(ctx, task, 60*time.Second)
}

// Restart implements restart(app_id) (spec §4.7): stop then start, leaving
// the vhost in place so traffic is simply refused until the container is up
// again. On start failure the application lands in error.
func (m *Manager) Restart(ctx context.Context, id uuid.UUID) error {
	return m.withLock(id, func() error {
		app, err := m.client.Application.Get(ctx, id)
		if err != nil {
			return coreerr.Wrap(coreerr.KindNotFound, err, "lifecycle: loading application")
		}
		if app.State != enum.AppStateRunning {
			return coreerr.New(coreerr.KindInvalidState, fmt.Sprintf("lifecycle: restart requires running, got %s", app.State))
		}
		if _, err := m.transition(ctx, id, enum.AppStateRestarting); err != nil {
			return err
		}

		if err := m.stopContainer(ctx, app); err != nil {
			m.transitionError(ctx, id, err)
			return err
		}
		if app.NodeName == nil || app.ContainerID == nil {
			err := coreerr.New(coreerr.KindInvalidState, "lifecycle: application has no assigned node/container")
			m.transitionError(ctx, id, err)
			return err
		}
		task, err := m.driver.Start(ctx, *app.NodeName, *app.ContainerID)
		if err != nil {
			m.transitionError(ctx, id, err)
			return err
		}
		if err := m.driver.WaitForTask(ctx, task, 60*time.Second); err != nil {
			m.transitionError(ctx, id, err)
			return err
		}
		if err := m.probeStack(ctx, app.PrivateIP, firstPort(app.Ports)); err != nil {
			stackErr := coreerr.Wrap(coreerr.KindTaskFailed, err, "lifecycle: StackNotReady on restart")
			m.transitionError(ctx, id, stackErr)
			return stackErr
		}

		_, err = m.transition(ctx, id, enum.AppStateRunning)
		if err == nil {
			deploylog.Info(ctx, m.client, id, "restart", "application restarted")
		}
		return err
	})
}

// UpdateConfig implements update_config(app_id, ...) (spec §4.7): stops the
// application if running, applies the hypervisor-side resize/config change,
// persists the new values, then restarts if it was running. A restart
// failure is retried once before the application lands in error. A request
// whose fields all match the application's current values is a no-op and
// never stops the container (spec §8).
func (m *Manager) UpdateConfig(ctx context.Context, id uuid.UUID, req UpdateConfigRequest) error {
	if req.CPUCores == nil && req.MemoryMB == nil && req.DiskGB == nil {
		return coreerr.New(coreerr.KindInvalidRequest, "lifecycle: update_config requires at least one field")
	}

	return m.withLock(id, func() error {
		app, err := m.client.Application.Get(ctx, id)
		if err != nil {
			return coreerr.Wrap(coreerr.KindNotFound, err, "lifecycle: loading application")
		}
		if app.State != enum.AppStateRunning && app.State != enum.AppStateStopped {
			return coreerr.New(coreerr.KindInvalidState, fmt.Sprintf("lifecycle: update_config requires running or stopped, got %s", app.State))
		}
		wasRunning := app.State == enum.AppStateRunning
		if app.NodeName == nil || app.ContainerID == nil {
			return coreerr.New(coreerr.KindInvalidState, "lifecycle: application has no assigned node/container")
		}

		// update_config with the same values as current is a no-op that does
		// not stop the container (spec §8).
		if (req.CPUCores == nil || *req.CPUCores == app.CPUCores) &&
			(req.MemoryMB == nil || *req.MemoryMB == app.MemoryMB) &&
			(req.DiskGB == nil || *req.DiskGB == app.DiskGB) {
			return nil
		}

		if _, err := m.transition(ctx, id, enum.AppStateUpdating); err != nil {
			return err
		}

		if wasRunning {
			if err := m.stopContainer(ctx, app); err != nil {
				m.transitionError(ctx, id, err)
				return err
			}
		}

		cpu, mem, disk := app.CPUCores, app.MemoryMB, app.DiskGB
		if req.CPUCores != nil {
			cpu = *req.CPUCores
		}
		if req.MemoryMB != nil {
			mem = *req.MemoryMB
		}
		if req.DiskGB != nil {
			disk = *req.DiskGB
		}

		if req.CPUCores != nil || req.MemoryMB != nil {
			if err := m.driver.UpdateConfig(ctx, *app.NodeName, *app.ContainerID, cpu, mem); err != nil {
				m.transitionError(ctx, id, err)
				return err
			}
		}
		if req.DiskGB != nil && disk > app.DiskGB {
			task, err := m.driver.ResizeDisk(ctx, *app.NodeName, *app.ContainerID, disk-app.DiskGB)
			if err != nil {
				m.transitionError(ctx, id, err)
				return err
			}
			if err := m.driver.WaitForTask(ctx, task, 120*time.Second); err != nil {
				m.transitionError(ctx, id, err)
				return err
			}
		}

		update := m.client.Application.UpdateOneID(id).SetCPUCores(cpu).SetMemoryMB(mem).SetDiskGB(disk)
		if _, err := update.Save(ctx); err != nil {
			m.transitionError(ctx, id, err)
			return coreerr.Wrap(coreerr.KindInternal, err, "lifecycle: persisting new resource config")
		}

		deploylog.Info(ctx, m.client, id, "update_config", fmt.Sprintf("resources updated to cpu=%d memory_mb=%d disk_gb=%d", cpu, mem, disk))

		if !wasRunning {
			_, err = m.transition(ctx, id, enum.AppStateStopped)
			return err
		}

		restartErr := m.restartAfterUpdate(ctx, app)
		if restartErr == nil {
			_, err = m.transition(ctx, id, enum.AppStateRunning)
			return err
		}
		// One rollback restart attempt before giving up (spec §4.7).
		if retryErr := m.restartAfterUpdate(ctx, app); retryErr == nil {
			_, err = m.transition(ctx, id, enum.AppStateRunning)
			return err
		}
		m.transitionError(ctx, id, restartErr)
		return restartErr
	})
}

func (m *Manager) restartAfterUpdate(ctx context.Context, app *ent.Application) error {
	task, err := m.driver.Start(ctx, *app.NodeName, *app.ContainerID)
	if err != nil {
		return err
	}
	if err := m.driver.WaitForTask(ctx, task, 60*time.Second); err != nil {
		return err
	}
	return m.probeStack(ctx, app.PrivateIP, firstPort(app.Ports))
}

// Clone implements clone(app_id, new_hostname) (spec §4.7). The source
// application is left untouched. The new application's row is inserted in
// provisioning state and Clone runs the clone's whole pipeline (allocate ->
// hypervisor clone -> start -> DHCP -> vhost) before returning, so a
// successful call returns the row in state running.
func (m *Manager) Clone(ctx context.Context, sourceID uuid.UUID, newHostname string) (*ent.Application, error) {
	var clone *ent.Application
	err := m.withLock(sourceID, func() error {
		source, err := m.client.Application.Get(ctx, sourceID)
		if err != nil {
			return coreerr.Wrap(coreerr.KindNotFound, err, "lifecycle: loading source application")
		}
		if source.State != enum.AppStateRunning && source.State != enum.AppStateStopped {
			return coreerr.New(coreerr.KindInvalidState, fmt.Sprintf("lifecycle: clone requires running or stopped source, got %s", source.State))
		}
		if source.NodeName == nil || source.ContainerID == nil {
			return coreerr.New(coreerr.KindInvalidState, "lifecycle: source application has no assigned node/container")
		}
		if err := hostutil.Validate(newHostname); err != nil {
			return err
		}
		exists, err := m.client.Application.Query().Where(application.Hostname(newHostname)).Exist(ctx)
		if err != nil {
			return coreerr.Wrap(coreerr.KindInternal, err, "lifecycle: checking clone hostname uniqueness")
		}
		if exists {
			return coreerr.New(coreerr.KindConflict, fmt.Sprintf("lifecycle: hostname %q already in use", newHostname))
		}

		newID, err := m.allocator.AllocateContainerID(ctx, *source.NodeName)
		if err != nil {
			return err
		}
		newPort, err := m.allocator.AllocatePort(ctx, uuid.New())
		if err != nil {
			m.allocator.ReleaseContainerID(newID)
			return err
		}

		clone, err = m.client.Application.Create().
			SetCatalogRef(source.CatalogRef).
			SetHostname(newHostname).
			SetNodeName(*source.NodeName).
			SetContainerID(newID).
			SetPublicPort(newPort).
			SetState(enum.AppStateProvisioning).
			SetCPUCores(source.CPUCores).
			SetMemoryMB(source.MemoryMB).
			SetDiskGB(source.DiskGB).
			SetPorts(source.Ports).
			SetVolumes(source.Volumes).
			SetEnvironment(source.Environment).
			SetOwnerID(source.OwnerID).
			Save(ctx)
		if err != nil {
			m.allocator.ReleaseContainerID(newID)
			_ = m.allocator.ReleasePort(ctx, newPort)
			return coreerr.Wrap(coreerr.KindInternal, err, "lifecycle: inserting clone application row")
		}

		task, err := m.driver.Clone(ctx, *source.NodeName, *source.ContainerID, hypervisor.Spec{
			Node:        *source.NodeName,
			ContainerID: newID,
			Hostname:    newHostname,
		})
		if err != nil {
			m.transitionError(ctx, clone.ID, err)
			return err
		}
		if err := m.driver.WaitForTask(ctx, task, 300*time.Second); err != nil {
			m.transitionError(ctx, clone.ID, err)
			return err
		}

		startTask, err := m.driver.Start(ctx, *source.NodeName, newID)
		if err != nil {
			m.transitionError(ctx, clone.ID, err)
			return err
		}
		if err := m.driver.WaitForTask(ctx, startTask, 60*time.Second); err != nil {
			m.transitionError(ctx, clone.ID, err)
			return err
		}

		privateIP, err := m.allocator.WaitForDHCPLease(ctx, newHostname, 60*time.Second)
		if err != nil {
			m.transitionError(ctx, clone.ID, err)
			return err
		}

		if err := m.proxyMgr.CreateVHost(ctx, proxy.VHost{
			AppName:     newHostname,
			BackendIP:   privateIP,
			BackendPort: firstPort(source.Ports),
			PublicPort:  newPort,
		}); err != nil {
			m.transitionError(ctx, clone.ID, err)
			return err
		}

		clone, err = m.client.Application.UpdateOneID(clone.ID).
			SetPrivateIP(privateIP).
			SetState(enum.AppStateRunning).
			Save(ctx)
		if err != nil {
			return coreerr.Wrap(coreerr.KindInternal, err, "lifecycle: finalizing clone application row")
		}
		deploylog.Info(ctx, m.client, clone.ID, "clone", fmt.Sprintf("cloned from %s", sourceID))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return clone, nil
}

// Delete implements delete(app_id) (spec §4.7): remove the vhost first (so
// nothing routes to a disappearing backend), stop, destroy, release the
// port, and purge the row. Only the final row purge runs inside a database
// transaction.
func (m *Manager) Delete(ctx context.Context, id uuid.UUID) error {
	return m.withLock(id, func() error {
		app, err := m.client.Application.Get(ctx, id)
		if err != nil {
			return coreerr.Wrap(coreerr.KindNotFound, err, "lifecycle: loading application")
		}
		if app.State == enum.AppStateDeleting || app.State == enum.AppStateDeleted {
			return coreerr.New(coreerr.KindInvalidState, fmt.Sprintf("lifecycle: delete requires a non-deleting state, got %s", app.State))
		}

		if _, err := m.transition(ctx, id, enum.AppStateDeleting); err != nil {
			return err
		}

		if err := m.proxyMgr.DeleteVHost(ctx, app.Hostname); err != nil {
			m.transitionError(ctx, id, err)
			return err
		}
		deploylog.Info(ctx, m.client, id, "delete", "vhost removed")

		if app.NodeName != nil && app.ContainerID != nil {
			if app.State == enum.AppStateRunning {
				if err := m.stopContainer(ctx, app); err != nil {
					m.transitionError(ctx, id, err)
					return err
				}
			}
			task, err := m.driver.Destroy(ctx, *app.NodeName, *app.ContainerID)
			if err != nil {
				m.transitionError(ctx, id, err)
				return err
			}
			if err := m.driver.WaitForTask(ctx, task, 60*time.Second); err != nil {
				m.transitionError(ctx, id, err)
				return err
			}
			deploylog.Info(ctx, m.client, id, "delete", "container stopped and destroyed")
		}

		if app.PublicPort != nil {
			if err := m.allocator.ReleasePort(ctx, *app.PublicPort); err != nil {
				m.transitionError(ctx, id, err)
				return err
			}
			deploylog.Info(ctx, m.client, id, "delete", "port released")
		}

		err = db.WithTx(ctx, m.client, func(tx *ent.Tx) error {
			return tx.Application.DeleteOneID(id).Exec(ctx)
		})
		if err != nil {
			return coreerr.Wrap(coreerr.KindInternal, err, "lifecycle: purging application row")
		}
		deploylog.Info(ctx, m.client, id, "delete", "application row purged")

		m.locksMu.Lock()
		delete(m.locks, id)
		m.locksMu.Unlock()
		return nil
	})
}

// probeStack bounds-checks that the application's stack answers on its
// private IP (spec §4.7 "bounded HTTP probe on the private IP").
func (m *Manager) probeStack(ctx context.Context, privateIP string, port int) error {
	if privateIP == "" || port == 0 {
		return coreerr.New(coreerr.KindTimeout, "lifecycle: no private IP/port to probe yet")
	}
	deadline := time.Now().Add(30 * time.Second)
	client := &http.Client{Timeout: 3 * time.Second}
	url := fmt.Sprintf("http://%s:%d/", privateIP, port)

	for {
		req, _ := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		resp, err := client.Do(req)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode < 500 {
				return nil
			}
		}
		if time.Now().After(deadline) {
			return coreerr.New(coreerr.KindTimeout, fmt.Sprintf("lifecycle: stack never became reachable at %s", url))
		}
		select {
		case <-ctx.Done():
			return coreerr.Wrap(coreerr.KindTimeout, ctx.Err(), "lifecycle: stack probe cancelled")
		case <-time.After(2 * time.Second):
		}
	}
}

// firstPort picks the lowest container port from an application's port map
// (keys are container ports such as "80" or "80/tcp"), used as the
// stack-readiness probe target when no single "primary" port is
// distinguished by the catalog entry.
func firstPort(ports map[string]int) int {
	best := 0
	for key := range ports {
		containerPort, err := strconv.Atoi(strings.SplitN(key, "/", 2)[0])
		if err != nil {
			continue
		}
		if best == 0 || containerPort < best {
			best = containerPort
		}
	}
	return best
}
