package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/strslice"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"

	logs "github.com/kestrel-iot/shadowd/internal/logging"
	"github.com/kestrel-iot/shadowd/internal/shadow"
)

// Containers created by the agent carry these labels so List can
// reconstruct observed specs without any local bookkeeping.
const (
	labelEntity = "io.kestrel.shadowd.entity"
	labelShadow = "io.kestrel.shadowd.shadow"
	labelSpec   = "io.kestrel.shadowd.spec"

	containerNamePrefix = "shadowd-"
)

// DockerConfig configures the Docker adapter.
type DockerConfig struct {
	// ShadowName scopes the label filter so multiple shadows can share one
	// engine without seeing each other's workloads.
	ShadowName string
	// StopTimeout is the graceful stop window before the engine kills.
	StopTimeout time.Duration
	// PullImages pulls missing images before create.
	PullImages bool
}

func DefaultDockerConfig() DockerConfig {
	return DockerConfig{
		StopTimeout: 10 * time.Second,
		PullImages:  true,
	}
}

// Docker drives a local Docker engine through its SDK.
type Docker struct {
	cfg DockerConfig
	cli client.APIClient
}

// NewDocker builds the adapter against the environment-configured engine
// (DOCKER_HOST and friends).
func NewDocker(cfg DockerConfig) (*Docker, error) {
	if strings.TrimSpace(cfg.ShadowName) == "" {
		return nil, fmt.Errorf("runtime: shadow name required for label scoping")
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = DefaultDockerConfig().StopTimeout
	}
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("runtime: docker client: %w", err)
	}
	return &Docker{cfg: cfg, cli: cli}, nil
}

// newDockerWithClient injects a client for tests.
func newDockerWithClient(cli client.APIClient, cfg DockerConfig) *Docker {
	return &Docker{cfg: cfg, cli: cli}
}

// List reports every container carrying this shadow's labels, running or
// not. Spec labels that fail to parse yield an empty spec, which the differ
// treats as drift and recreates.
func (d *Docker) List(ctx context.Context) ([]ObservedEntity, error) {
	f := filters.NewArgs(filters.Arg("label", labelShadow+"="+d.cfg.ShadowName))
	summaries, err := d.cli.ContainerList(ctx, container.ListOptions{All: true, Filters: f})
	if err != nil {
		return nil, fmt.Errorf("runtime: list containers: %w", err)
	}

	observed := make([]ObservedEntity, 0, len(summaries))
	for _, summary := range summaries {
		name := summary.Labels[labelEntity]
		if name == "" {
			continue
		}
		entity := ObservedEntity{
			RuntimeID: summary.ID,
			Name:      name,
			Status:    summary.State,
		}
		if raw := summary.Labels[labelSpec]; raw != "" {
			if err := json.Unmarshal([]byte(raw), &entity.Spec); err != nil {
				logs.Warnf("runtime.Docker unreadable spec label entity=%q id=%q err=%v",
					name, shortID(summary.ID), err)
			}
		}
		observed = append(observed, entity)
	}
	sort.Slice(observed, func(i, j int) bool { return observed[i].Name < observed[j].Name })
	return observed, nil
}

// Create pulls the image when needed, creates the container under the
// shadow's label scheme, and starts it. The engine restarts it across
// daemon restarts until the agent removes it.
func (d *Docker) Create(ctx context.Context, name string, spec shadow.EntitySpec) (string, error) {
	if strings.TrimSpace(name) == "" {
		return "", ErrEntityNameRequired
	}
	if strings.TrimSpace(spec.Image) == "" {
		return "", fmt.Errorf("%w: entity %q", ErrImageRequired, name)
	}

	if d.cfg.PullImages {
		if err := d.ensureImage(ctx, spec.Image); err != nil {
			return "", fmt.Errorf("runtime: pull %q for entity %q: %w", spec.Image, name, err)
		}
	}

	exposed, bindings, err := portMaps(spec.Ports)
	if err != nil {
		return "", fmt.Errorf("runtime: ports for entity %q: %w", name, err)
	}

	cfg := &container.Config{
		Image:        spec.Image,
		Cmd:          strslice.StrSlice(spec.Command),
		Env:          envList(spec.Env),
		ExposedPorts: exposed,
		Labels: map[string]string{
			labelEntity: name,
			labelShadow: d.cfg.ShadowName,
			labelSpec:   string(spec.Canonical()),
		},
	}
	host := &container.HostConfig{
		Binds:        append([]string(nil), spec.Volumes...),
		PortBindings: bindings,
		RestartPolicy: container.RestartPolicy{
			Name: container.RestartPolicyUnlessStopped,
		},
	}

	resp, err := d.cli.ContainerCreate(ctx, cfg, host, nil, nil, containerNamePrefix+name)
	if err != nil {
		return "", fmt.Errorf("runtime: create entity %q: %w", name, err)
	}
	if err := d.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return "", fmt.Errorf("runtime: start entity %q: %w", name, err)
	}
	logs.Infof("runtime.Docker created entity=%q id=%q image=%q", name, shortID(resp.ID), spec.Image)
	return resp.ID, nil
}

func (d *Docker) Stop(ctx context.Context, id string) error {
	seconds := int(d.cfg.StopTimeout / time.Second)
	if err := d.cli.ContainerStop(ctx, id, container.StopOptions{Timeout: &seconds}); err != nil {
		return fmt.Errorf("runtime: stop %q: %w", shortID(id), err)
	}
	return nil
}

func (d *Docker) Remove(ctx context.Context, id string) error {
	if err := d.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true}); err != nil {
		return fmt.Errorf("runtime: remove %q: %w", shortID(id), err)
	}
	return nil
}

func (d *Docker) ensureImage(ctx context.Context, ref string) error {
	if _, err := d.cli.ImageInspect(ctx, ref); err == nil {
		return nil
	}
	reader, err := d.cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return err
	}
	defer reader.Close()
	_, err = io.Copy(io.Discard, reader)
	return err
}

// envList renders the env map as sorted KEY=VALUE pairs so container
// configs are deterministic.
func envList(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}

func portMaps(ports []string) (nat.PortSet, nat.PortMap, error) {
	if len(ports) == 0 {
		return nil, nil, nil
	}
	return nat.ParsePortSpecs(ports)
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
