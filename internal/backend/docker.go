package backend

import (
	"context"
	"fmt"
	"io"
	"log"
	"strings"

	"github.com/EndangeredF1sh/vlabcontroller/internal/config"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	dockerclient "github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/go-units"
)

const (
	networkName = "vlab"
	labelPort   = "vlab/port"
)

type DockerBackend struct {
	client    *dockerclient.Client
	available bool
}

func (d *DockerBackend) Initialize(ctx context.Context) error {
	opts := []dockerclient.Opt{dockerclient.FromEnv, dockerclient.WithAPIVersionNegotiation()}
	if config.Cfg.DockerHost != "" {
		opts = append(opts, dockerclient.WithHost(config.Cfg.DockerHost))
	}

	var err error
	d.client, err = dockerclient.NewClientWithOpts(opts...)
	if err != nil {
		return fmt.Errorf("docker client: %w", err)
	}

	if _, err = d.client.Ping(ctx); err != nil {
		return fmt.Errorf("docker ping: %w", err)
	}

	if err := d.ensureNetwork(ctx); err != nil {
		return fmt.Errorf("docker network: %w", err)
	}

	d.available = true
	log.Println("Docker daemon connected")
	return nil
}

func (d *DockerBackend) ensureNetwork(ctx context.Context) error {
	_, err := d.client.NetworkInspect(ctx, networkName, network.InspectOptions{})
	if err == nil {
		return nil
	}
	_, err = d.client.NetworkCreate(ctx, networkName, network.CreateOptions{
		Driver: "bridge",
		Labels: map[string]string{labelManaged: managedBy},
	})
	if err != nil {
		return fmt.Errorf("create network %s: %w", networkName, err)
	}
	log.Printf("Created Docker network: %s", networkName)
	return nil
}

func (d *DockerBackend) IsAvailable(_ context.Context) bool {
	return d.available
}

func (d *DockerBackend) Name() string {
	return "docker"
}

func classifyDocker(op string, err error) error {
	switch {
	case errdefs.IsInvalidParameter(err), errdefs.IsForbidden(err), errdefs.IsNotImplemented(err):
		return permanentErr(op, err)
	default:
		return transientErr(op, err)
	}
}

func parseCPUToNanoCPUs(cpuStr string) int64 {
	if strings.HasSuffix(cpuStr, "m") {
		val := cpuStr[:len(cpuStr)-1]
		var n int64
		fmt.Sscanf(val, "%d", &n)
		return n * 1_000_000
	}
	var f float64
	fmt.Sscanf(cpuStr, "%f", &f)
	return int64(f * 1_000_000_000)
}

func parseMemoryToBytes(memStr string) int64 {
	// Kubernetes-style suffixes first (Gi, Mi, ...), then docker units.
	unitMap := map[string]int64{
		"Ki": 1024,
		"Mi": 1024 * 1024,
		"Gi": 1024 * 1024 * 1024,
		"Ti": 1024 * 1024 * 1024 * 1024,
	}
	for suffix, multiplier := range unitMap {
		if strings.HasSuffix(memStr, suffix) {
			val := memStr[:len(memStr)-len(suffix)]
			var n int64
			fmt.Sscanf(val, "%d", &n)
			return n * multiplier
		}
	}
	n, err := units.RAMInBytes(memStr)
	if err != nil {
		return 0
	}
	return n
}

func (d *DockerBackend) ensureImage(ctx context.Context, img string) error {
	_, _, err := d.client.ImageInspectWithRaw(ctx, img)
	if err == nil {
		return nil
	}

	log.Printf("Image %s not found locally, pulling...", img)
	reader, err := d.client.ImagePull(ctx, img, image.PullOptions{})
	if err != nil {
		// A denied or unknown image will never pull on retry.
		if errdefs.IsNotFound(err) || errdefs.IsUnauthorized(err) || errdefs.IsForbidden(err) {
			return permanentErr("pull image", err)
		}
		return transientErr("pull image", err)
	}
	defer reader.Close()
	io.Copy(io.Discard, reader)
	return nil
}

func (d *DockerBackend) CreateUnit(ctx context.Context, unit UnitSpec) (string, error) {
	existing, err := d.ListUnits(ctx, unit.SessionID)
	if err != nil {
		return "", err
	}
	if len(existing) > 0 {
		return existing[0], nil
	}

	if err := d.ensureImage(ctx, unit.ContainerImage); err != nil {
		return "", err
	}

	env := make([]string, 0, len(unit.Environment))
	for k, v := range unit.Environment {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}

	name := unitName(unit.SessionID)
	containerCfg := &container.Config{
		Image: unit.ContainerImage,
		Env:   env,
		Labels: map[string]string{
			labelManaged:    managedBy,
			labelSession:    unit.SessionID,
			labelPort:       fmt.Sprintf("%d", unit.Port),
			annotationOwner: unit.Owner,
			annotationSpec:  unit.SpecID,
		},
	}

	hostCfg := &container.HostConfig{
		NetworkMode: networkName,
		Resources: container.Resources{
			NanoCPUs: parseCPUToNanoCPUs(unit.CPULimit),
			Memory:   parseMemoryToBytes(unit.MemoryLimit),
		},
	}

	resp, err := d.client.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, name)
	if err != nil {
		if errdefs.IsConflict(err) {
			// Name already taken by a concurrent retry of the same session.
			return name, nil
		}
		return "", classifyDocker("create container", err)
	}

	if err := d.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		_ = d.client.ContainerRemove(context.Background(), resp.ID, container.RemoveOptions{Force: true})
		return "", classifyDocker("start container", err)
	}

	return name, nil
}

func (d *DockerBackend) inspect(ctx context.Context, ref string) (container.InspectResponse, error) {
	return d.client.ContainerInspect(ctx, ref)
}

func (d *DockerBackend) GetStatus(ctx context.Context, ref string) (Status, error) {
	info, err := d.inspect(ctx, ref)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return StatusGone, nil
		}
		return "", classifyDocker("inspect container", err)
	}
	if info.State == nil {
		return StatusPending, nil
	}

	switch info.State.Status {
	case "running":
		if info.State.Health != nil && info.State.Health.Status != "healthy" {
			return StatusPending, nil
		}
		return StatusReady, nil
	case "created", "restarting":
		return StatusPending, nil
	case "exited", "dead":
		return StatusFailed, nil
	case "removing":
		return StatusGone, nil
	default:
		return StatusPending, nil
	}
}

func (d *DockerBackend) GetEndpoint(ctx context.Context, ref string) (string, error) {
	info, err := d.inspect(ctx, ref)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return "", ErrNoEndpoint
		}
		return "", classifyDocker("inspect container", err)
	}

	// The workload port travels on a label so inspect alone can
	// reconstruct the endpoint.
	port := 0
	if v, ok := info.Config.Labels[labelPort]; ok {
		fmt.Sscanf(v, "%d", &port)
	}

	net, ok := info.NetworkSettings.Networks[networkName]
	if !ok || net.IPAddress == "" {
		return "", ErrNoEndpoint
	}
	if port == 0 {
		return "", ErrNoEndpoint
	}
	return fmt.Sprintf("%s:%d", net.IPAddress, port), nil
}

func (d *DockerBackend) DeleteUnit(ctx context.Context, ref string) error {
	err := d.client.ContainerRemove(ctx, ref, container.RemoveOptions{Force: true, RemoveVolumes: true})
	if err != nil && !errdefs.IsNotFound(err) {
		return classifyDocker("remove container", err)
	}
	return nil
}

func (d *DockerBackend) ListUnits(ctx context.Context, sessionID string) ([]string, error) {
	f := filters.NewArgs(filters.Arg("label", labelManaged+"="+managedBy))
	if sessionID != "" {
		f.Add("label", labelSession+"="+sessionID)
	}
	containers, err := d.client.ContainerList(ctx, container.ListOptions{All: true, Filters: f})
	if err != nil {
		return nil, classifyDocker("list containers", err)
	}

	refs := make([]string, 0, len(containers))
	for _, c := range containers {
		name := c.ID
		if len(c.Names) > 0 {
			name = strings.TrimPrefix(c.Names[0], "/")
		}
		refs = append(refs, name)
	}
	return refs, nil
}
