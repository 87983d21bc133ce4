// Package backend implements ports.ContainerBackend against the Docker
// engine API, adapted from the container start/stop sequence in the
// original single-container manager: pull image, create, start, then
// inspect with retries for the assigned host port.
package backend

import (
	"context"
	"fmt"
	"io"
	"log"
	"time"

	dockercontainer "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"

	"github.com/luma-run/proxyfleet/proxytype"
)

const (
	inspectMaxRetries = 10
	inspectRetryDelay = 500 * time.Millisecond
)

// Docker starts, stops, pauses and resumes the containers backing a Proxy
// via the Docker engine. It supports pause/resume natively (docker pause is
// a cgroup freeze, not a stop) so a paused Proxy keeps its container and
// host port allocation.
type Docker struct {
	cli *client.Client
}

func NewDocker() (*Docker, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("backend: create docker client: %w", err)
	}
	return &Docker{cli: cli}, nil
}

func (d *Docker) SupportsPause() bool { return true }

func (d *Docker) AddRuntimeValuesBeforeSpel(_ context.Context, p proxytype.Proxy, _ proxytype.ProxySpec) (proxytype.Proxy, error) {
	return p, nil
}

// StartProxy starts one container per ContainerSpec in spec. If any
// container fails to start, the containers already started for this
// attempt are torn down and the returned error wraps
// proxytype.ProxyFailedToStartError with whatever partial state resulted.
func (d *Docker) StartProxy(ctx context.Context, p proxytype.Proxy, spec proxytype.ProxySpec) (proxytype.Proxy, error) {
	containers := make([]proxytype.Container, 0, len(spec.ContainerSpecs))

	for i, cs := range spec.ContainerSpecs {
		c, err := d.startOne(ctx, p, i, cs)
		if err != nil {
			for _, started := range containers {
				if stopErr := d.StopContainer(context.Background(), started.ID); stopErr != nil {
					log.Printf("backend: cleanup after failed start of proxy %s: stop container %s: %v", p.ID, started.ID, stopErr)
				}
			}
			partial := p.WithContainers(containers)
			return proxytype.Proxy{}, proxytype.NewProxyFailedToStartError(partial, fmt.Errorf("start container %d (%s): %w", i, cs.Image, err))
		}
		containers = append(containers, c)
	}

	return p.WithContainers(containers), nil
}

func (d *Docker) startOne(ctx context.Context, p proxytype.Proxy, index int, cs proxytype.ContainerSpec) (proxytype.Container, error) {
	reader, err := d.cli.ImagePull(ctx, cs.Image, image.PullOptions{})
	if err != nil {
		return proxytype.Container{}, fmt.Errorf("pull image %s: %w", cs.Image, err)
	}
	if _, err := io.Copy(io.Discard, reader); err != nil {
		log.Printf("backend: discard image pull output for %s: %v", cs.Image, err)
	}
	reader.Close()

	envList := p.RuntimeValues.EnvList()
	for k, v := range cs.Env {
		envList = append(envList, k+"="+v)
	}

	exposedPorts := nat.PortSet{}
	portBindings := nat.PortMap{}
	for _, containerPort := range cs.PortMappings {
		natPort := nat.Port(fmt.Sprintf("%d/tcp", containerPort))
		exposedPorts[natPort] = struct{}{}
		portBindings[natPort] = []nat.PortBinding{{HostIP: "0.0.0.0", HostPort: ""}}
	}

	name := fmt.Sprintf("proxyfleet-%s-%d", p.ID, index)
	resp, err := d.cli.ContainerCreate(ctx,
		&dockercontainer.Config{Image: cs.Image, Env: envList, ExposedPorts: exposedPorts, Tty: false},
		&dockercontainer.HostConfig{PortBindings: portBindings},
		nil, nil, name,
	)
	if err != nil {
		return proxytype.Container{}, fmt.Errorf("create container: %w", err)
	}

	if err := d.cli.ContainerStart(ctx, resp.ID, dockercontainer.StartOptions{}); err != nil {
		if removeErr := d.cli.ContainerRemove(context.Background(), resp.ID, dockercontainer.RemoveOptions{Force: true}); removeErr != nil {
			log.Printf("backend: remove container %s after failed start: %v", resp.ID, removeErr)
		}
		return proxytype.Container{}, fmt.Errorf("start container %s: %w", resp.ID, err)
	}

	targets, err := d.waitForTargets(ctx, resp.ID, cs.PortMappings)
	if err != nil {
		if stopErr := d.StopContainer(context.Background(), resp.ID); stopErr != nil {
			log.Printf("backend: stop container %s after inspect failure: %v", resp.ID, stopErr)
		}
		return proxytype.Container{}, err
	}

	return proxytype.Container{Index: index, ID: resp.ID, Targets: targets}, nil
}

// waitForTargets inspects a just-started container with retries until every
// route's port binding is assigned, matching the original manager's belief
// that the daemon can report ContainerStart complete before port bindings
// are queryable.
func (d *Docker) waitForTargets(ctx context.Context, containerID string, portMappings map[string]int) (map[string]string, error) {
	var last dockercontainer.InspectResponse

	for attempt := 0; attempt < inspectMaxRetries; attempt++ {
		inspectData, err := d.cli.ContainerInspect(ctx, containerID)
		if err != nil {
			if attempt == inspectMaxRetries-1 {
				return nil, fmt.Errorf("inspect container %s after %d attempts: %w", containerID, inspectMaxRetries, err)
			}
			time.Sleep(inspectRetryDelay)
			continue
		}
		last = inspectData

		targets, ok := resolveTargets(inspectData, portMappings)
		if ok {
			return targets, nil
		}

		if attempt < inspectMaxRetries-1 {
			time.Sleep(inspectRetryDelay)
		}
	}

	return nil, fmt.Errorf("no host port binding for container %s after %d attempts, state: %+v", containerID, inspectMaxRetries, last.State)
}

func resolveTargets(inspectData dockercontainer.InspectResponse, portMappings map[string]int) (map[string]string, bool) {
	if inspectData.NetworkSettings == nil || inspectData.NetworkSettings.Ports == nil {
		return nil, false
	}

	targets := make(map[string]string, len(portMappings))
	for route, containerPort := range portMappings {
		natPort := nat.Port(fmt.Sprintf("%d/tcp", containerPort))
		bindings, ok := inspectData.NetworkSettings.Ports[natPort]
		if !ok || len(bindings) == 0 || bindings[0].HostPort == "" {
			return nil, false
		}
		targets[route] = fmt.Sprintf("http://127.0.0.1:%s", bindings[0].HostPort)
	}
	return targets, true
}

func (d *Docker) StopProxy(ctx context.Context, p proxytype.Proxy) error {
	var firstErr error
	for _, c := range p.Containers {
		if err := d.StopContainer(ctx, c.ID); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// StopContainer stops and removes a single container, tolerating the case
// where it is already gone.
func (d *Docker) StopContainer(ctx context.Context, containerID string) error {
	if err := d.cli.ContainerStop(ctx, containerID, dockercontainer.StopOptions{}); err != nil && !client.IsErrNotFound(err) {
		log.Printf("backend: stop container %s: %v", containerID, err)
	}

	removeOptions := dockercontainer.RemoveOptions{RemoveVolumes: true}
	if err := d.cli.ContainerRemove(ctx, containerID, removeOptions); err != nil && !client.IsErrNotFound(err) {
		return fmt.Errorf("remove container %s: %w", containerID, err)
	}
	return nil
}

func (d *Docker) PauseProxy(ctx context.Context, p proxytype.Proxy) (proxytype.Proxy, error) {
	for _, c := range p.Containers {
		if err := d.cli.ContainerPause(ctx, c.ID); err != nil {
			return proxytype.Proxy{}, fmt.Errorf("pause container %s: %w", c.ID, err)
		}
	}
	return p, nil
}

func (d *Docker) ResumeProxy(ctx context.Context, p proxytype.Proxy) (proxytype.Proxy, error) {
	for _, c := range p.Containers {
		if err := d.cli.ContainerUnpause(ctx, c.ID); err != nil {
			return proxytype.Proxy{}, fmt.Errorf("unpause container %s: %w", c.ID, err)
		}
	}
	return p, nil
}
