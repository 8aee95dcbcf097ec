// Package stacklauncher implements the Stack Launcher sub-step of pipeline
// step D8 (spec §4.6): transfer the application's compose manifest into the
// freshly provisioned container, pull images, start the stack, and verify
// the services are running. It talks to the container-runtime daemon
// running *inside* the LXC, reached over its private IP once the Runtime
// Installer has enabled a TCP listener.
package stacklauncher

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	"gopkg.in/yaml.v3"

	"proximity/internal/coreerr"
)

const labelManaged = "proximity.managed"

// Service is one compose-manifest service definition (spec §6 "compose
// manifest... a declarative description of one or more services to run
// inside an application container").
type Service struct {
	Image       string            `yaml:"image"`
	Ports       []string          `yaml:"ports"` // "containerPort" or "hostPort:containerPort", always TCP
	Environment map[string]string `yaml:"environment"`
	Volumes     []string          `yaml:"volumes"`
	Command     []string          `yaml:"command"`
}

// Manifest is the top-level shape of a catalog entry's compose manifest.
type Manifest struct {
	Services map[string]Service `yaml:"services"`
}

// ParseManifest decodes the opaque manifest text the orchestrator treats as
// a black box until this point (spec §6 "the core treats the manifest as
// opaque text").
func ParseManifest(raw string) (Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal([]byte(raw), &m); err != nil {
		return Manifest{}, coreerr.Wrap(coreerr.KindInvalidRequest, err, "stacklauncher: parsing compose manifest")
	}
	if len(m.Services) == 0 {
		return Manifest{}, coreerr.New(coreerr.KindInvalidRequest, "stacklauncher: manifest declares no services")
	}
	return m, nil
}

// Launcher drives the container-runtime daemon inside one application
// container over its private IP.
type Launcher struct {
	cli *client.Client
}

// Connect dials the Docker-API-compatible daemon at privateIP:2375 (no TLS:
// the daemon only listens on the private app-bridge interface, unreachable
// from the WAN).
func Connect(privateIP string) (*Launcher, error) {
	cli, err := client.NewClientWithOpts(
		client.WithHost(fmt.Sprintf("tcp://%s:2375", privateIP)),
		client.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.KindHypervisorUnavailable, err, "stacklauncher: connecting to container runtime")
	}
	return &Launcher{cli: cli}, nil
}

func (l *Launcher) Close() error {
	return l.cli.Close()
}

// Launch pulls every service image and starts its container, returning the
// container id for each service name. A failure partway through leaves
// whatever containers already started running; the orchestrator's D8
// compensating action (stop+destroy the whole LXC) cleans up regardless of
// how far the stack got.
func (l *Launcher) Launch(ctx context.Context, appName string, manifest Manifest) (map[string]string, error) {
	ids := make(map[string]string, len(manifest.Services))
	for name, svc := range manifest.Services {
		id, err := l.launchOne(ctx, appName, name, svc)
		if err != nil {
			return ids, coreerr.Wrap(coreerr.KindTaskFailed, err, fmt.Sprintf("stacklauncher: starting service %s", name))
		}
		ids[name] = id
	}
	return ids, nil
}

func (l *Launcher) launchOne(ctx context.Context, appName, svcName string, svc Service) (string, error) {
	pullReader, err := l.cli.ImagePull(ctx, svc.Image, image.PullOptions{})
	if err != nil {
		return "", fmt.Errorf("pulling image %s: %w", svc.Image, err)
	}
	_, _ = io.Copy(io.Discard, pullReader)
	_ = pullReader.Close()

	exposed, bindings := portConfig(svc.Ports)

	containerCfg := &container.Config{
		Image:        svc.Image,
		Env:          envSlice(svc.Environment),
		Cmd:          svc.Command,
		ExposedPorts: exposed,
		Labels: map[string]string{
			labelManaged: "true",
			"proximity.app": appName,
			"proximity.service": svcName,
		},
	}
	hostCfg := &container.HostConfig{
		PortBindings:  bindings,
		Binds:         svc.Volumes,
		RestartPolicy: container.RestartPolicy{Name: container.RestartPolicyUnlessStopped},
	}

	name := containerName(appName, svcName)
	resp, err := l.cli.ContainerCreate(ctx, containerCfg, hostCfg, &network.NetworkingConfig{}, nil, name)
	if err != nil {
		return "", fmt.Errorf("creating container %s: %w", name, err)
	}

	if err := l.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return "", fmt.Errorf("starting container %s: %w", name, err)
	}
	return resp.ID, nil
}

// VerifyRunning polls until every container in ids reports Running, or
// bound fails (spec §4.6 D8 "verify services running").
func (l *Launcher) VerifyRunning(ctx context.Context, ids map[string]string, bound time.Duration) error {
	deadline := time.Now().Add(bound)
	for {
		allUp := true
		for name, id := range ids {
			inspect, err := l.cli.ContainerInspect(ctx, id)
			if err != nil {
				return coreerr.Wrap(coreerr.KindTaskFailed, err, fmt.Sprintf("stacklauncher: inspecting %s", name))
			}
			if inspect.State == nil || !inspect.State.Running {
				allUp = false
			}
		}
		if allUp {
			return nil
		}
		if time.Now().After(deadline) {
			return coreerr.New(coreerr.KindTimeout, "stacklauncher: stack did not reach running state in time")
		}
		select {
		case <-ctx.Done():
			return coreerr.Wrap(coreerr.KindTimeout, ctx.Err(), "stacklauncher: verify cancelled")
		case <-time.After(2 * time.Second):
		}
	}
}

func containerName(appName, svcName string) string {
	return fmt.Sprintf("proximity-%s-%s", appName, svcName)
}

func envSlice(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, fmt.Sprintf("%s=%s", k, v))
	}
	return out
}

// portConfig builds the exposed-port set and host binding map from compose
// "host:container" or "container" port strings.
func portConfig(ports []string) (nat.PortSet, nat.PortMap) {
	exposed := nat.PortSet{}
	bindings := nat.PortMap{}
	for _, p := range ports {
		var hostPort, containerPort string
		if parts := strings.SplitN(p, ":", 2); len(parts) == 2 {
			hostPort, containerPort = parts[0], parts[1]
		} else {
			containerPort = p
		}
		port := nat.Port(fmt.Sprintf("%s/tcp", containerPort))
		exposed[port] = struct{}{}
		if hostPort != "" {
			bindings[port] = []nat.PortBinding{{HostIP: "0.0.0.0", HostPort: hostPort}}
		}
	}
	return exposed, bindings
}
