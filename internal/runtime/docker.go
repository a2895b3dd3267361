// Package runtime starts and stops challenge containers on the Docker engine.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	units "github.com/docker/go-units"

	"github.com/csai/chall-instancer/internal/config"
)

const (
	LabelManaged   = "instancer.managed"
	LabelUUID      = "instancer.uuid"
	LabelUser      = "instancer.user_id"
	LabelChallenge = "instancer.challenge_id"

	removeTimeout = 15 * time.Second
)

// Spec describes one challenge container. HostPort is zero unless the
// container port must be published on the host.
type Spec struct {
	Name          string
	Image         string
	Env           map[string]string
	Labels        map[string]string
	MemoryBytes   int64
	NanoCPUs      int64
	ContainerPort int
	HostPort      int
}

// Handle identifies a started container. InternalAddress is ip:port on the
// challenge network.
type Handle struct {
	ID              string
	Name            string
	InternalAddress string
}

// Container is a managed container as seen by List.
type Container struct {
	ID     string
	Name   string
	State  string
	Labels map[string]string
}

type Runtime interface {
	Start(ctx context.Context, spec Spec) (Handle, error)
	Stop(ctx context.Context, ref string) error
	List(ctx context.Context) ([]Container, error)
	Ping(ctx context.Context) error
}

type Docker struct {
	cli client.APIClient
	cfg config.DockerConfig
	log *slog.Logger
}

// NewDocker connects to the engine from the environment and pings it.
func NewDocker(ctx context.Context, cfg config.DockerConfig, logger *slog.Logger) (*Docker, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	if _, err := cli.Ping(ctx); err != nil {
		return nil, fmt.Errorf("docker ping: %w", err)
	}
	return NewDockerWithClient(cli, cfg, logger), nil
}

func NewDockerWithClient(cli client.APIClient, cfg config.DockerConfig, logger *slog.Logger) *Docker {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Docker{cli: cli, cfg: cfg, log: logger}
}

func (d *Docker) Start(ctx context.Context, spec Spec) (Handle, error) {
	if spec.ContainerPort <= 0 {
		return Handle{}, fmt.Errorf("container port must be > 0, got %d", spec.ContainerPort)
	}
	labels := map[string]string{LabelManaged: "true"}
	for k, v := range spec.Labels {
		labels[k] = v
	}
	env := make([]string, 0, len(spec.Env))
	for k, v := range spec.Env {
		env = append(env, k+"="+v)
	}

	cport := nat.Port(strconv.Itoa(spec.ContainerPort) + "/tcp")
	cfg := &container.Config{
		Image:        spec.Image,
		Env:          env,
		Labels:       labels,
		ExposedPorts: nat.PortSet{cport: struct{}{}},
	}
	hc := &container.HostConfig{
		CapDrop:     []string{"ALL"},
		CapAdd:      []string{"CHOWN", "SETUID", "SETGID", "NET_BIND_SERVICE", "DAC_OVERRIDE"},
		SecurityOpt: []string{"no-new-privileges:true"},
		Resources: container.Resources{
			Memory:   spec.MemoryBytes,
			NanoCPUs: spec.NanoCPUs,
		},
		RestartPolicy: container.RestartPolicy{Name: container.RestartPolicyDisabled},
	}
	if d.cfg.PidsLimit > 0 {
		p := d.cfg.PidsLimit
		hc.PidsLimit = &p
	}
	if spec.HostPort > 0 {
		hc.PortBindings = nat.PortMap{
			cport: []nat.PortBinding{{HostIP: d.cfg.PublishHostIP, HostPort: strconv.Itoa(spec.HostPort)}},
		}
	}
	var netCfg *network.NetworkingConfig
	if d.cfg.Network != "" {
		netCfg = &network.NetworkingConfig{EndpointsConfig: map[string]*network.EndpointSettings{d.cfg.Network: {}}}
	}

	resp, err := d.cli.ContainerCreate(ctx, cfg, hc, netCfg, nil, spec.Name)
	if err != nil && errdefs.IsNotFound(err) && d.cfg.PullMissingImages {
		if perr := d.pullImage(ctx, spec.Image); perr != nil {
			return Handle{}, fmt.Errorf("pull image %s: %w", spec.Image, perr)
		}
		resp, err = d.cli.ContainerCreate(ctx, cfg, hc, netCfg, nil, spec.Name)
	}
	if err != nil {
		return Handle{}, fmt.Errorf("container create: %w", err)
	}

	if err := d.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		d.forceRemove(resp.ID)
		return Handle{}, fmt.Errorf("container start: %w", err)
	}
	inspect, err := d.cli.ContainerInspect(ctx, resp.ID)
	if err != nil {
		d.forceRemove(resp.ID)
		return Handle{}, fmt.Errorf("container inspect: %w", err)
	}
	ip := ""
	if inspect.NetworkSettings != nil {
		if ep, ok := inspect.NetworkSettings.Networks[d.cfg.Network]; ok && ep != nil {
			ip = ep.IPAddress
		}
		if ip == "" {
			for _, ep := range inspect.NetworkSettings.Networks {
				if ep != nil && ep.IPAddress != "" {
					ip = ep.IPAddress
					break
				}
			}
		}
	}
	if ip == "" {
		d.forceRemove(resp.ID)
		return Handle{}, errors.New("container has no network address")
	}
	return Handle{
		ID:              resp.ID,
		Name:            spec.Name,
		InternalAddress: ip + ":" + strconv.Itoa(spec.ContainerPort),
	}, nil
}

// Stop stops and removes the container. A container that no longer exists
// counts as stopped.
func (d *Docker) Stop(ctx context.Context, ref string) error {
	if ref == "" {
		return nil
	}
	timeout := d.cfg.StopTimeoutSecond
	if err := d.cli.ContainerStop(ctx, ref, container.StopOptions{Timeout: &timeout}); err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		d.log.Warn("container_stop_warning", slog.String("container", ref), slog.String("error", err.Error()))
	}
	if err := d.cli.ContainerRemove(ctx, ref, container.RemoveOptions{Force: true}); err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("container remove: %w", err)
	}
	return nil
}

func (d *Docker) List(ctx context.Context) ([]Container, error) {
	args := filters.NewArgs(filters.Arg("label", LabelManaged+"=true"))
	summaries, err := d.cli.ContainerList(ctx, container.ListOptions{All: true, Filters: args})
	if err != nil {
		return nil, fmt.Errorf("container list: %w", err)
	}
	out := make([]Container, 0, len(summaries))
	for _, c := range summaries {
		out = append(out, Container{
			ID:     c.ID,
			Name:   firstName(c.Names),
			State:  string(c.State),
			Labels: c.Labels,
		})
	}
	return out, nil
}

func (d *Docker) Ping(ctx context.Context) error {
	_, err := d.cli.Ping(ctx)
	return err
}

func (d *Docker) pullImage(ctx context.Context, ref string) error {
	reader, err := d.cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return err
	}
	defer reader.Close()
	_, _ = io.Copy(io.Discard, reader)
	return nil
}

func (d *Docker) forceRemove(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), removeTimeout)
	defer cancel()
	if err := d.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true}); err != nil && !errdefs.IsNotFound(err) {
		d.log.Warn("container_cleanup_failed", slog.String("container", id), slog.String("error", err.Error()))
	}
}

// MemoryBytes parses a human size such as "128m". Empty means no limit.
func MemoryBytes(v string) (int64, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, nil
	}
	n, err := units.RAMInBytes(v)
	if err != nil {
		return 0, fmt.Errorf("memory limit %q: %w", v, err)
	}
	return n, nil
}

// NanoCPUs converts a core count to the engine's unit.
func NanoCPUs(cores float64) int64 {
	if cores <= 0 {
		return 0
	}
	return int64(cores * 1e9)
}

// ContainerName builds the container name for an instance uuid.
func ContainerName(prefix, userID, uuid string) string {
	clean := strings.NewReplacer("/", "", ":", "", " ", "").Replace(strings.ToLower(userID))
	if len(clean) > 24 {
		clean = clean[:24]
	}
	if clean == "" {
		clean = "unknown"
	}
	return fmt.Sprintf("%s-%s-%s", prefix, clean, uuid)
}

func firstName(names []string) string {
	if len(names) == 0 {
		return ""
	}
	return strings.TrimPrefix(names[0], "/")
}
