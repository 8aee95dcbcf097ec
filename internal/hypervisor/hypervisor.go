// Package hypervisor is the typed facade over the Proxmox VE HTTP API
// (spec §4.2): node listing, container lifecycle, cloning, resizing, task
// polling, and the best-node scheduling heuristic.
package hypervisor

import (
	"context"
	"crypto/tls"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/go-resty/resty/v2"

	"proximity/internal/coreerr"
)

// insecureTLSConfig is only used when Config.Insecure is explicitly set,
// e.g. against a lab Proxmox host with a self-signed certificate.
var insecureTLSConfig = tls.Config{InsecureSkipVerify: true} //nolint:gosec

// Spec normalizes the request to create an LXC container (spec §6 "Application
// spec (catalog entry)" feeding into §4.2 create_lxc).
type Spec struct {
	Node        string
	ContainerID int
	Hostname    string
	Template    string
	CPUCores    int
	MemoryMB    int
	DiskGB      int
	BridgeWAN   string
	BridgeLAN   string
	Password    string
	SSHPubKey   string
}

// NodeStats is the subset of `/nodes/{node}/status` used by the best-node
// heuristic.
type NodeStats struct {
	Node      string
	Online    bool
	CPULoad   float64 // 0..1
	MemUsed   int64
	MemTotal  int64
}

// Status describes a container's current runtime status.
type Status struct {
	ContainerID int
	Node        string
	Running     bool
	PrivateIP   string
}

// Task is a handle to an asynchronous Proxmox task (a UPID string).
type Task struct {
	Node string
	UPID string
}

// Driver talks to one Proxmox VE API endpoint.
type Driver struct {
	http *resty.Client
}

// Config configures a Driver.
type Config struct {
	APIAddress string // https://host:8006
	TokenID    string // user@realm!tokenid
	TokenSecret string
	Insecure   bool
	Timeout    time.Duration
}

// New constructs a Driver authenticated via a Proxmox API token.
func New(cfg Config) *Driver {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	client := resty.New().
		SetBaseURL(cfg.APIAddress+"/api2/json").
		SetHeader("Authorization", fmt.Sprintf("PVEAPIToken=%s=%s", cfg.TokenID, cfg.TokenSecret)).
		SetTimeout(timeout)
	if cfg.Insecure {
		client.SetTLSClientConfig(&insecureTLSConfig)
	}
	return &Driver{http: client}
}

// ListNodes returns node stats for every cluster member (spec §4.2 list_nodes).
func (d *Driver) ListNodes(ctx context.Context) ([]NodeStats, error) {
	var body struct {
		Data []struct {
			Node   string  `json:"node"`
			Status string  `json:"status"`
			CPU    float64 `json:"cpu"`
			MaxMem int64   `json:"maxmem"`
			Mem    int64   `json:"mem"`
		} `json:"data"`
	}
	resp, err := d.http.R().SetContext(ctx).SetResult(&body).Get("/nodes")
	if err := checkResp(resp, err); err != nil {
		return nil, err
	}
	nodes := make([]NodeStats, 0, len(body.Data))
	for _, n := range body.Data {
		nodes = append(nodes, NodeStats{
			Node:     n.Node,
			Online:   n.Status == "online",
			CPULoad:  n.CPU,
			MemUsed:  n.Mem,
			MemTotal: n.MaxMem,
		})
	}
	return nodes, nil
}

// BestNode scores each online candidate via the spec §4.2 heuristic:
// 0.5*(1-cpu_load) + 0.5*(1-mem_used/mem_total), highest wins, ties broken
// by lexicographic node name.
func BestNode(candidates []NodeStats) (string, error) {
	type scored struct {
		node  string
		score float64
	}
	var eligible []scored
	for _, n := range candidates {
		if !n.Online || n.MemTotal <= 0 {
			continue
		}
		memRatio := float64(n.MemUsed) / float64(n.MemTotal)
		score := 0.5*(1-n.CPULoad) + 0.5*(1-memRatio)
		eligible = append(eligible, scored{node: n.Node, score: score})
	}
	if len(eligible) == 0 {
		return "", coreerr.New(coreerr.KindInvalidRequest, "hypervisor: no eligible node (NoEligibleNode)")
	}
	sort.Slice(eligible, func(i, j int) bool {
		if math.Abs(eligible[i].score-eligible[j].score) < 1e-9 {
			return eligible[i].node < eligible[j].node
		}
		return eligible[i].score > eligible[j].score
	})
	return eligible[0].node, nil
}

// NextContainerID asks the hypervisor for its next free VMID hint. The
// Resource Allocator still reconciles this against its own pending set
// (spec §4.3) before calling CreateLXC.
func (d *Driver) NextContainerID(ctx context.Context) (int, error) {
	var body struct {
		Data string `json:"data"`
	}
	resp, err := d.http.R().SetContext(ctx).SetResult(&body).Get("/cluster/nextid")
	if err := checkResp(resp, err); err != nil {
		return 0, err
	}
	var id int
	if _, err := fmt.Sscanf(body.Data, "%d", &id); err != nil {
		return 0, coreerr.Wrap(coreerr.KindInternal, err, "hypervisor: parsing nextid response")
	}
	return id, nil
}

// CreateLXC submits the container-creation task and returns its handle; it
// does not wait for completion (spec §4.2: "returns once the hypervisor task
// reports completion" refers to WaitForTask, called separately by the caller).
func (d *Driver) CreateLXC(ctx context.Context, spec Spec) (*Task, error) {
	form := map[string]string{
		"vmid":     fmt.Sprintf("%d", spec.ContainerID),
		"hostname": spec.Hostname,
		"ostemplate": spec.Template,
		"cores":    fmt.Sprintf("%d", spec.CPUCores),
		"memory":   fmt.Sprintf("%d", spec.MemoryMB),
		"rootfs":   fmt.Sprintf("local-lvm:%d", spec.DiskGB),
		"net0":     fmt.Sprintf("name=eth0,bridge=%s,ip=dhcp", spec.BridgeWAN),
		"net1":     fmt.Sprintf("name=eth1,bridge=%s,ip=dhcp", spec.BridgeLAN),
		"password": spec.Password,
		"unprivileged": "1",
	}
	if spec.SSHPubKey != "" {
		form["ssh-public-keys"] = spec.SSHPubKey
	}
	return d.submitTask(ctx, spec.Node, "POST", fmt.Sprintf("/nodes/%s/lxc", spec.Node), form)
}

// Start starts a container (spec §4.2 start).
func (d *Driver) Start(ctx context.Context, node string, containerID int) (*Task, error) {
	return d.submitTask(ctx, node, "POST", fmt.Sprintf("/nodes/%s/lxc/%d/status/start", node, containerID), nil)
}

// Stop stops a container (spec §4.2 stop).
func (d *Driver) Stop(ctx context.Context, node string, containerID int) (*Task, error) {
	return d.submitTask(ctx, node, "POST", fmt.Sprintf("/nodes/%s/lxc/%d/status/stop", node, containerID), nil)
}

// Destroy destroys a container (spec §4.2 destroy).
func (d *Driver) Destroy(ctx context.Context, node string, containerID int) (*Task, error) {
	return d.submitTask(ctx, node, "DELETE", fmt.Sprintf("/nodes/%s/lxc/%d", node, containerID), nil)
}

// Clone clones a container into a new spec (spec §4.2 clone).
func (d *Driver) Clone(ctx context.Context, node string, sourceID int, spec Spec) (*Task, error) {
	form := map[string]string{
		"newid":    fmt.Sprintf("%d", spec.ContainerID),
		"hostname": spec.Hostname,
		"full":     "1",
	}
	return d.submitTask(ctx, node, "POST", fmt.Sprintf("/nodes/%s/lxc/%d/clone", node, sourceID), form)
}

// ResizeDisk grows rootfs (spec §4.2 resize_disk). Proxmox only supports
// growing, never shrinking, a volume.
func (d *Driver) ResizeDisk(ctx context.Context, node string, containerID int, diskGB int) (*Task, error) {
	form := map[string]string{"disk": "rootfs", "size": fmt.Sprintf("+%dG", diskGB)}
	return d.submitTask(ctx, node, "PUT", fmt.Sprintf("/nodes/%s/lxc/%d/resize", node, containerID), form)
}

// UpdateConfig applies CPU/memory changes without a resize (spec §4.2 update_config).
func (d *Driver) UpdateConfig(ctx context.Context, node string, containerID int, cpuCores, memoryMB int) error {
	form := map[string]string{}
	if cpuCores > 0 {
		form["cores"] = fmt.Sprintf("%d", cpuCores)
	}
	if memoryMB > 0 {
		form["memory"] = fmt.Sprintf("%d", memoryMB)
	}
	resp, err := d.http.R().SetContext(ctx).SetFormData(form).
		Put(fmt.Sprintf("/nodes/%s/lxc/%d/config", node, containerID))
	return checkResp(resp, err)
}

// Status fetches current runtime status (spec §4.2 status).
func (d *Driver) Status(ctx context.Context, node string, containerID int) (*Status, error) {
	var body struct {
		Data struct {
			Status string `json:"status"`
		} `json:"data"`
	}
	resp, err := d.http.R().SetContext(ctx).SetResult(&body).
		Get(fmt.Sprintf("/nodes/%s/lxc/%d/status/current", node, containerID))
	if err := checkResp(resp, err); err != nil {
		return nil, err
	}
	return &Status{ContainerID: containerID, Node: node, Running: body.Data.Status == "running"}, nil
}

// WaitForTask polls a task handle until terminal, backing off 200ms -> 2s,
// bounded by timeout (spec §4.2).
func (d *Driver) WaitForTask(ctx context.Context, task *Task, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	backoff := 200 * time.Millisecond
	const maxBackoff = 2 * time.Second

	for {
		if time.Now().After(deadline) {
			return coreerr.New(coreerr.KindTimeout, fmt.Sprintf("hypervisor: task %s did not finish within %s", task.UPID, timeout))
		}

		var body struct {
			Data struct {
				Status     string `json:"status"`
				ExitStatus string `json:"exitstatus"`
			} `json:"data"`
		}
		resp, err := d.http.R().SetContext(ctx).SetResult(&body).
			Get(fmt.Sprintf("/nodes/%s/tasks/%s/status", task.Node, task.UPID))
		if err := checkResp(resp, err); err != nil {
			return err
		}

		if body.Data.Status == "stopped" {
			if body.Data.ExitStatus == "OK" {
				return nil
			}
			return coreerr.New(coreerr.KindTaskFailed, "hypervisor: task failed").
				WithDetails(map[string]any{"task_id": task.UPID, "message": body.Data.ExitStatus})
		}

		select {
		case <-ctx.Done():
			return coreerr.Wrap(coreerr.KindTimeout, ctx.Err(), "hypervisor: wait_for_task cancelled")
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// ListTemplates lists available container templates on a node (spec §4.2
// list_templates).
func (d *Driver) ListTemplates(ctx context.Context, node string) ([]string, error) {
	var body struct {
		Data []struct {
			VolID string `json:"volid"`
			Content string `json:"content"`
		} `json:"data"`
	}
	resp, err := d.http.R().SetContext(ctx).SetResult(&body).
		Get(fmt.Sprintf("/nodes/%s/storage/local/content", node))
	if err := checkResp(resp, err); err != nil {
		return nil, err
	}
	var templates []string
	for _, item := range body.Data {
		if item.Content == "vztmpl" {
			templates = append(templates, item.VolID)
		}
	}
	return templates, nil
}

func (d *Driver) submitTask(ctx context.Context, node, method, path string, form map[string]string) (*Task, error) {
	var body struct {
		Data string `json:"data"`
	}
	req := d.http.R().SetContext(ctx).SetResult(&body)
	if form != nil {
		req = req.SetFormData(form)
	}

	var resp *resty.Response
	var err error
	switch method {
	case "POST":
		resp, err = req.Post(path)
	case "PUT":
		resp, err = req.Put(path)
	case "DELETE":
		resp, err = req.Delete(path)
	default:
		resp, err = req.Get(path)
	}
	if err := checkResp(resp, err); err != nil {
		return nil, err
	}
	return &Task{Node: node, UPID: body.Data}, nil
}

func checkResp(resp *resty.Response, err error) error {
	if err != nil {
		return coreerr.Wrap(coreerr.KindHypervisorUnavailable, err, "hypervisor: transport error")
	}
	if resp.StatusCode() == 401 || resp.StatusCode() == 403 {
		return coreerr.New(coreerr.KindInvalidRequest, fmt.Sprintf("hypervisor: auth failed (%d): %s", resp.StatusCode(), resp.String()))
	}
	if resp.StatusCode() == 404 {
		return coreerr.New(coreerr.KindNotFound, "hypervisor: resource not found")
	}
	if resp.StatusCode() == 409 {
		return coreerr.New(coreerr.KindConflict, fmt.Sprintf("hypervisor: resource conflict: %s", resp.String()))
	}
	if resp.StatusCode() >= 500 {
		return coreerr.New(coreerr.KindHypervisorUnavailable, fmt.Sprintf("hypervisor: %d: %s", resp.StatusCode(), resp.String()))
	}
	if resp.StatusCode() >= 400 {
		return coreerr.New(coreerr.KindInvalidRequest, fmt.Sprintf("hypervisor: %d: %s", resp.StatusCode(), resp.String()))
	}
	return nil
}
