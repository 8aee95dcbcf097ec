// Package allocator implements the Resource Allocator (spec §4.3): global
// uniqueness over container ids, public ports, and read-only access to
// appliance-issued DHCP leases.
package allocator

import (
	"bufio"
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"proximity/internal/coreerr"
	"proximity/internal/ent"
	"proximity/internal/ent/portallocation"
	"proximity/internal/enum"
	"proximity/internal/hypervisor"
	"proximity/internal/sshexec"
)

// maxAllocationRetries bounds the allocator's internal retry loop before it
// surfaces AllocationConflict to the caller (spec §4.3).
const maxAllocationRetries = 3

// Allocator serializes container-id and port allocation behind a single
// in-process lock held only for the allocation transaction itself, never
// across an unrelated suspension point (spec §5).
type Allocator struct {
	driver *hypervisor.Driver
	client *ent.Client
	exec   *sshexec.Executor

	mu                  sync.Mutex
	pendingContainerIDs map[int]struct{}

	containerIDMin, containerIDMax int
	portMin, portMax               int

	applianceHost string
	applianceCtID int
	leaseFilePath string
}

// Config configures the allocator's ranges and where the appliance's
// dnsmasq lease file lives (spec §4.3 wait_for_dhcp_lease). The lease file
// is written inside the appliance LXC container, never on the host running
// the control plane, so it's read through the Remote Executor rather than
// the local filesystem.
type Config struct {
	ContainerIDMin, ContainerIDMax int
	PortMin, PortMax               int
	ApplianceHost                  string // hypervisor host the appliance container runs on
	ApplianceCtID                  int
	LeaseFilePath                  string // path inside the appliance container, e.g. /var/lib/misc/dnsmasq.leases
}

// New constructs an Allocator.
func New(driver *hypervisor.Driver, client *ent.Client, exec *sshexec.Executor, cfg Config) *Allocator {
	return &Allocator{
		driver:              driver,
		client:              client,
		exec:                exec,
		pendingContainerIDs: make(map[int]struct{}),
		containerIDMin:      cfg.ContainerIDMin,
		containerIDMax:      cfg.ContainerIDMax,
		portMin:             cfg.PortMin,
		portMax:             cfg.PortMax,
		applianceHost:       cfg.ApplianceHost,
		applianceCtID:       cfg.ApplianceCtID,
		leaseFilePath:       cfg.LeaseFilePath,
	}
}

// ValidateRangeAgainstExisting refuses to start if ports already allocated
// outside the configured half-open range [portMin, portMax) would become
// invisible to future uniqueness checks (spec §9 open question 4). Container
// ids are not checked here.
func (a *Allocator) ValidateRangeAgainstExisting(ctx context.Context) error {
	allocated, err := a.client.PortAllocation.Query().
		Where(portallocation.StatusEQ(enum.PortAllocationStatusAllocated)).
		All(ctx)
	if err != nil {
		return coreerr.Wrap(coreerr.KindInternal, err, "allocator: querying existing port allocations")
	}
	for _, row := range allocated {
		if row.Port < a.portMin || row.Port >= a.portMax {
			return coreerr.New(coreerr.KindInvalidRequest,
				fmt.Sprintf("allocator: refusing to start, existing allocation on port %d falls outside configured range [%d,%d)", row.Port, a.portMin, a.portMax))
		}
	}
	return nil
}

// AllocateContainerID picks a free container id in range, reconciling
// against both the hypervisor's live node list and the allocator's own
// pending set to avoid racing an in-flight create_lxc (spec §4.3.1).
func (a *Allocator) AllocateContainerID(ctx context.Context, node string) (int, error) {
	var lastErr error
	for attempt := 0; attempt < maxAllocationRetries; attempt++ {
		id, err := a.tryAllocateContainerID(ctx, node)
		if err == nil {
			return id, nil
		}
		if !coreerr.Is(err, coreerr.KindConflict) {
			return 0, err
		}
		lastErr = err
	}
	return 0, coreerr.Wrap(coreerr.KindConflict, lastErr, "allocator: AllocationConflict allocating container id after retries")
}

func (a *Allocator) tryAllocateContainerID(ctx context.Context, node string) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	hint, err := a.driver.NextContainerID(ctx)
	if err != nil {
		return 0, err
	}

	for id := hint; id <= a.containerIDMax; id++ {
		if id < a.containerIDMin {
			continue
		}
		if _, pending := a.pendingContainerIDs[id]; pending {
			continue
		}
		a.pendingContainerIDs[id] = struct{}{}
		return id, nil
	}
	return 0, coreerr.New(coreerr.KindResourceExhausted, "allocator: container id range exhausted")
}

// ReleaseContainerID returns an id to the free pool, e.g. after a create
// failure (spec §4.3.1).
func (a *Allocator) ReleaseContainerID(id int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.pendingContainerIDs, id)
}

// AllocatePort reserves a public port for an application via a transactional
// insert into PortAllocation (spec §4.3.2).
func (a *Allocator) AllocatePort(ctx context.Context, appID uuid.UUID) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	var lastErr error
	for attempt := 0; attempt < maxAllocationRetries; attempt++ {
		port, err := a.tryAllocatePort(ctx, appID)
		if err == nil {
			return port, nil
		}
		if !coreerr.Is(err, coreerr.KindConflict) {
			return 0, err
		}
		lastErr = err
	}
	return 0, coreerr.Wrap(coreerr.KindConflict, lastErr, "allocator: AllocationConflict allocating port after retries")
}

func (a *Allocator) tryAllocatePort(ctx context.Context, appID uuid.UUID) (int, error) {
	taken, err := a.client.PortAllocation.Query().
		Where(portallocation.StatusEQ(enum.PortAllocationStatusAllocated)).
		All(ctx)
	if err != nil {
		return 0, coreerr.Wrap(coreerr.KindInternal, err, "allocator: querying allocated ports")
	}
	used := make(map[int]struct{}, len(taken))
	for _, row := range taken {
		used[row.Port] = struct{}{}
	}

	for port := a.portMin; port < a.portMax; port++ {
		if _, ok := used[port]; ok {
			continue
		}
		_, err := a.client.PortAllocation.Create().
			SetPort(port).
			SetApplicationID(appID).
			SetStatus(enum.PortAllocationStatusAllocated).
			Save(ctx)
		if err != nil {
			if ent.IsConstraintError(err) {
				return 0, coreerr.Wrap(coreerr.KindConflict, err, "allocator: port taken by a racing allocation")
			}
			return 0, coreerr.Wrap(coreerr.KindInternal, err, "allocator: inserting port allocation")
		}
		return port, nil
	}
	return 0, coreerr.New(coreerr.KindResourceExhausted, "allocator: public port range exhausted")
}

// ReleasePort marks a port allocation released (spec §4.3.2). Rows are
// retained, not deleted, matching the preserve decision in DESIGN.md.
func (a *Allocator) ReleasePort(ctx context.Context, port int) error {
	_, err := a.client.PortAllocation.Update().
		Where(portallocation.Port(port), portallocation.StatusEQ(enum.PortAllocationStatusAllocated)).
		SetStatus(enum.PortAllocationStatusReleased).
		Save(ctx)
	if err != nil {
		return coreerr.Wrap(coreerr.KindInternal, err, "allocator: releasing port")
	}
	return nil
}

// WaitForDHCPLease polls the appliance's dnsmasq lease file until the
// container's hostname appears or timeout expires (spec §4.3.3), at 1 Hz
// per spec §5 rate limiting.
func (a *Allocator) WaitForDHCPLease(ctx context.Context, hostname string, timeout time.Duration) (string, error) {
	deadline := time.Now().Add(timeout)
	for {
		ip, found, err := a.readLease(ctx, hostname)
		if err != nil {
			return "", err
		}
		if found {
			return ip, nil
		}
		if time.Now().After(deadline) {
			return "", coreerr.New(coreerr.KindTimeout, fmt.Sprintf("allocator: no dhcp lease for %s within %s", hostname, timeout))
		}
		select {
		case <-ctx.Done():
			return "", coreerr.Wrap(coreerr.KindTimeout, ctx.Err(), "allocator: wait_for_dhcp_lease cancelled")
		case <-time.After(time.Second):
		}
	}
}

// readLease fetches the appliance's dnsmasq lease file over the Remote
// Executor (it lives inside the appliance LXC container, not on the host
// running the control plane) and looks for hostname in it. The `|| true`
// keeps a not-yet-existent lease file from being reported as a command
// failure, since that's an expected, retryable state early in a deploy.
func (a *Allocator) readLease(ctx context.Context, hostname string) (ip string, found bool, err error) {
	res, runErr := a.exec.RunInContainer(ctx, a.applianceHost, a.applianceCtID,
		[]string{"sh", "-c", fmt.Sprintf("cat %s 2>/dev/null || true", a.leaseFilePath)}, 10*time.Second)
	if runErr != nil {
		return "", false, coreerr.Wrap(coreerr.KindHypervisorUnavailable, runErr, "allocator: reading dhcp lease file")
	}
	return parseLeaseOutput(res.Stdout, hostname)
}

// parseLeaseOutput scans dnsmasq.leases content for hostname. Each line has
// the form: <expiry> <mac> <ip> <hostname> <client-id>
func parseLeaseOutput(content, hostname string) (ip string, found bool, err error) {
	scanner := bufio.NewScanner(strings.NewReader(content))
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 4 {
			continue
		}
		if fields[3] == hostname {
			return fields[2], true, nil
		}
	}
	return "", false, scanner.Err()
}
