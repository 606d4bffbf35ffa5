// Package orchestrator drives the local container engine: it creates,
// wakes, hibernates and deletes the per-server resource bundle (proxy
// container, game container, private network, data volume, public port).
// Every operation names derived resources and is safe to re-invoke.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/volume"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	units "github.com/docker/go-units"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/wakegate/wakegate/internal/model"
)

const (
	proxyMemLimit  = 50 * 1024 * 1024
	proxyCPUQuota  = 50_000
	cpuPeriod      = 100_000
	stopTimeoutSec = 30
)

// ErrBundleExists is returned by Deploy when containers for the server are
// already present. The caller must delete before redeploying.
var ErrBundleExists = errors.New("containers for server already exist")

// EngineAPI is the slice of the Docker client the orchestrator uses.
// *client.Client satisfies it; tests substitute a fake.
type EngineAPI interface {
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	ContainerInspect(ctx context.Context, containerID string) (container.InspectResponse, error)
	ContainerLogs(ctx context.Context, containerID string, options container.LogsOptions) (io.ReadCloser, error)
	ContainerStatsOneShot(ctx context.Context, containerID string) (container.StatsResponseReader, error)
	NetworkCreate(ctx context.Context, name string, options network.CreateOptions) (network.CreateResponse, error)
	NetworkInspect(ctx context.Context, networkID string, options network.InspectOptions) (network.Inspect, error)
	NetworkRemove(ctx context.Context, networkID string) error
	VolumeCreate(ctx context.Context, options volume.CreateOptions) (volume.Volume, error)
	VolumeInspect(ctx context.Context, volumeID string) (volume.Volume, error)
	VolumeRemove(ctx context.Context, volumeID string, force bool) error
	ImageList(ctx context.Context, options image.ListOptions) ([]image.Summary, error)
	ImagePull(ctx context.Context, refStr string, options image.PullOptions) (io.ReadCloser, error)
}

// WebhookConfig tells the proxy sidecar where to send wake signals.
type WebhookConfig struct {
	Enabled bool
	URL     string
	Token   string
}

// DeploySpec is everything needed to deploy one server bundle.
type DeploySpec struct {
	ServerID     int64
	ImageRef     string
	InternalPort int
	Protocol     model.Protocol
	EnvVars      map[string]string
	MinRAM       string // engine syntax, e.g. "1g"
	MinCPU       string // cores, e.g. "1.5"
	Webhook      WebhookConfig
}

// Bundle describes the allocated per-server resources.
type Bundle struct {
	ProxyContainerID string `json:"proxy_container_id"`
	GameContainerID  string `json:"game_container_id"`
	NetworkName      string `json:"network_name"`
	PublicPort       int    `json:"public_port"`
}

// Stats is one sampled resource snapshot of a container.
type Stats struct {
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryPercent float64 `json:"memory_percent"`
	MemoryUsedMB  float64 `json:"memory_used_mb"`
	Status        string  `json:"status"`
}

// Orchestrator exposes the imperative bundle API over a container engine.
type Orchestrator struct {
	cli        EngineAPI
	proxyImage string
	ports      *PortAllocator
}

// New creates an orchestrator over the given engine client.
func New(cli EngineAPI, proxyImage string) *Orchestrator {
	return &Orchestrator{
		cli:        cli,
		proxyImage: proxyImage,
		ports:      NewPortAllocator(),
	}
}

// NewFromEnv connects to the local Docker daemon using the standard
// environment (DOCKER_HOST etc.).
func NewFromEnv(proxyImage string) (*Orchestrator, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("connecting to container engine: %w", err)
	}
	return New(cli, proxyImage), nil
}

func networkName(serverID int64) string { return fmt.Sprintf("net-%d", serverID) }
func gameName(serverID int64) string    { return fmt.Sprintf("game-%d", serverID) }
func proxyName(serverID int64) string   { return fmt.Sprintf("proxy-%d", serverID) }
func volumeName(serverID int64) string  { return fmt.Sprintf("game-data-%d", serverID) }

// Deploy allocates the full bundle for a server: private network, proxy
// container (started), data volume and game container (created but not
// started). It refuses if either container already exists.
func (o *Orchestrator) Deploy(ctx context.Context, spec DeploySpec) (*Bundle, error) {
	slog.Info("deploying server bundle", "server_id", spec.ServerID, "image", spec.ImageRef)

	if err := o.ensureProxyImage(ctx); err != nil {
		return nil, err
	}
	netName := networkName(spec.ServerID)
	if err := o.ensureNetwork(ctx, netName); err != nil {
		return nil, err
	}

	for _, name := range []string{gameName(spec.ServerID), proxyName(spec.ServerID)} {
		exists, err := o.containerExists(ctx, name)
		if err != nil {
			return nil, err
		}
		if exists {
			return nil, fmt.Errorf("%w: %s", ErrBundleExists, name)
		}
	}

	publicPort, releasePort, err := o.ports.Allocate()
	if err != nil {
		return nil, fmt.Errorf("allocating public port: %w", err)
	}
	defer releasePort()

	proxyID, err := o.runProxy(ctx, spec, netName, publicPort)
	if err != nil {
		return nil, err
	}

	volName := volumeName(spec.ServerID)
	if err := o.ensureVolume(ctx, volName); err != nil {
		o.removeContainer(ctx, proxyID)
		return nil, err
	}

	gameID, err := o.createGame(ctx, spec, netName, volName)
	if err != nil {
		// Roll back the proxy so a retry starts from a clean slate.
		o.removeContainer(ctx, proxyID)
		return nil, err
	}

	slog.Info("server bundle deployed",
		"server_id", spec.ServerID,
		"proxy_container", proxyID,
		"game_container", gameID,
		"public_port", publicPort)

	return &Bundle{
		ProxyContainerID: proxyID,
		GameContainerID:  gameID,
		NetworkName:      netName,
		PublicPort:       publicPort,
	}, nil
}

// Wake starts the game container. Already running is a no-op.
func (o *Orchestrator) Wake(ctx context.Context, gameContainerID string) error {
	info, err := o.cli.ContainerInspect(ctx, gameContainerID)
	if err != nil {
		return fmt.Errorf("inspecting container %s: %w", gameContainerID, err)
	}
	if info.State != nil && info.State.Running {
		return nil
	}
	if err := o.cli.ContainerStart(ctx, gameContainerID, container.StartOptions{}); err != nil {
		return fmt.Errorf("starting container %s: %w", gameContainerID, err)
	}
	slog.Info("game container started", "container", gameContainerID)
	return nil
}

// Hibernate stops the game container with a graceful timeout. Already
// stopped is a no-op. The proxy container is never touched: it stays up as
// the public front for the sleeping target.
func (o *Orchestrator) Hibernate(ctx context.Context, gameContainerID string) error {
	info, err := o.cli.ContainerInspect(ctx, gameContainerID)
	if err != nil {
		return fmt.Errorf("inspecting container %s: %w", gameContainerID, err)
	}
	if info.State == nil || !info.State.Running {
		return nil
	}
	timeout := stopTimeoutSec
	if err := o.cli.ContainerStop(ctx, gameContainerID, container.StopOptions{Timeout: &timeout}); err != nil {
		return fmt.Errorf("stopping container %s: %w", gameContainerID, err)
	}
	slog.Info("game container stopped", "container", gameContainerID)
	return nil
}

// Delete tears down the whole bundle. Absence of any resource is not an
// error, and every resource is attempted even when earlier ones fail.
func (o *Orchestrator) Delete(ctx context.Context, serverID int64, bundle Bundle) error {
	var errs []error

	if bundle.GameContainerID != "" {
		if err := o.removeContainer(ctx, bundle.GameContainerID); err != nil {
			errs = append(errs, fmt.Errorf("removing game container: %w", err))
		}
	}
	if bundle.ProxyContainerID != "" {
		if err := o.removeContainer(ctx, bundle.ProxyContainerID); err != nil {
			errs = append(errs, fmt.Errorf("removing proxy container: %w", err))
		}
	}

	netName := bundle.NetworkName
	if netName == "" {
		netName = networkName(serverID)
	}
	if err := o.cli.NetworkRemove(ctx, netName); err != nil && !cerrdefs.IsNotFound(err) {
		errs = append(errs, fmt.Errorf("removing network %s: %w", netName, err))
	}

	volName := volumeName(serverID)
	if err := o.cli.VolumeRemove(ctx, volName, false); err != nil && !cerrdefs.IsNotFound(err) {
		errs = append(errs, fmt.Errorf("removing volume %s: %w", volName, err))
	}

	if len(errs) > 0 {
		return fmt.Errorf("deleting bundle for server %d: %w", serverID, errors.Join(errs...))
	}
	slog.Info("server bundle deleted", "server_id", serverID)
	return nil
}

// Stats samples one non-streaming stats frame and derives the percentages
// the lifecycle controller feeds its idle detection with.
func (o *Orchestrator) Stats(ctx context.Context, containerID string) (*Stats, error) {
	info, err := o.cli.ContainerInspect(ctx, containerID)
	if err != nil {
		return nil, fmt.Errorf("inspecting container %s: %w", containerID, err)
	}
	status := "unknown"
	if info.State != nil {
		status = info.State.Status
	}

	resp, err := o.cli.ContainerStatsOneShot(ctx, containerID)
	if err != nil {
		return nil, fmt.Errorf("sampling stats for %s: %w", containerID, err)
	}
	defer resp.Body.Close()

	frame, err := decodeStatsFrame(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("decoding stats for %s: %w", containerID, err)
	}
	return computeStats(frame, status), nil
}

// Logs returns the last tail lines of a container's output, timestamped.
func (o *Orchestrator) Logs(ctx context.Context, containerID string, tail int) (string, error) {
	rc, err := o.cli.ContainerLogs(ctx, containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Timestamps: true,
		Tail:       strconv.Itoa(tail),
	})
	if err != nil {
		return "", fmt.Errorf("fetching logs for %s: %w", containerID, err)
	}
	defer rc.Close()
	return demuxLogs(rc)
}

func (o *Orchestrator) ensureProxyImage(ctx context.Context) error {
	list, err := o.cli.ImageList(ctx, image.ListOptions{
		Filters: filters.NewArgs(filters.Arg("reference", o.proxyImage)),
	})
	if err != nil {
		return fmt.Errorf("listing images: %w", err)
	}
	if len(list) > 0 {
		return nil
	}

	slog.Info("pulling proxy image", "image", o.proxyImage)
	rc, err := o.cli.ImagePull(ctx, o.proxyImage, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pulling proxy image %s: %w", o.proxyImage, err)
	}
	defer rc.Close()
	if _, err := io.Copy(io.Discard, rc); err != nil {
		return fmt.Errorf("pulling proxy image %s: %w", o.proxyImage, err)
	}
	return nil
}

func (o *Orchestrator) ensureNetwork(ctx context.Context, name string) error {
	_, err := o.cli.NetworkInspect(ctx, name, network.InspectOptions{})
	if err == nil {
		return nil
	}
	if !cerrdefs.IsNotFound(err) {
		return fmt.Errorf("inspecting network %s: %w", name, err)
	}
	if _, err := o.cli.NetworkCreate(ctx, name, network.CreateOptions{Driver: "bridge"}); err != nil {
		return fmt.Errorf("creating network %s: %w", name, err)
	}
	slog.Info("created network", "network", name)
	return nil
}

func (o *Orchestrator) ensureVolume(ctx context.Context, name string) error {
	_, err := o.cli.VolumeInspect(ctx, name)
	if err == nil {
		return nil
	}
	if !cerrdefs.IsNotFound(err) {
		return fmt.Errorf("inspecting volume %s: %w", name, err)
	}
	if _, err := o.cli.VolumeCreate(ctx, volume.CreateOptions{Name: name}); err != nil {
		return fmt.Errorf("creating volume %s: %w", name, err)
	}
	slog.Info("created volume", "volume", name)
	return nil
}

func (o *Orchestrator) containerExists(ctx context.Context, name string) (bool, error) {
	_, err := o.cli.ContainerInspect(ctx, name)
	if err == nil {
		return true, nil
	}
	if cerrdefs.IsNotFound(err) {
		return false, nil
	}
	return false, fmt.Errorf("inspecting container %s: %w", name, err)
}

func (o *Orchestrator) removeContainer(ctx context.Context, id string) error {
	err := o.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true})
	if err != nil && !cerrdefs.IsNotFound(err) {
		return err
	}
	return nil
}

// runProxy creates and starts the sidecar, publishing both tcp and udp of
// the internal port on the allocated public port.
func (o *Orchestrator) runProxy(ctx context.Context, spec DeploySpec, netName string, publicPort int) (string, error) {
	internal := strconv.Itoa(spec.InternalPort)
	env := []string{
		"TARGET_HOST=" + gameName(spec.ServerID),
		"TARGET_PORT=" + internal,
		"PROTOCOL=" + strings.ToUpper(string(spec.Protocol)),
		"LISTEN_PORT=" + internal,
	}
	if spec.Webhook.Enabled {
		env = append(env,
			"BACKEND_WEBHOOK_URL="+spec.Webhook.URL,
			"SERVER_ID="+strconv.FormatInt(spec.ServerID, 10),
			"WEBHOOK_TOKEN="+spec.Webhook.Token,
		)
	}

	tcpPort := nat.Port(internal + "/tcp")
	udpPort := nat.Port(internal + "/udp")
	hostBinding := []nat.PortBinding{{HostIP: "0.0.0.0", HostPort: strconv.Itoa(publicPort)}}

	resp, err := o.cli.ContainerCreate(ctx,
		&container.Config{
			Image: o.proxyImage,
			Env:   env,
			ExposedPorts: nat.PortSet{
				tcpPort: struct{}{},
				udpPort: struct{}{},
			},
		},
		&container.HostConfig{
			PortBindings: nat.PortMap{
				tcpPort: hostBinding,
				udpPort: hostBinding,
			},
			RestartPolicy: container.RestartPolicy{Name: container.RestartPolicyAlways},
			Resources: container.Resources{
				Memory:    proxyMemLimit,
				CPUQuota:  proxyCPUQuota,
				CPUPeriod: cpuPeriod,
			},
		},
		&network.NetworkingConfig{
			EndpointsConfig: map[string]*network.EndpointSettings{netName: {}},
		},
		nil,
		proxyName(spec.ServerID),
	)
	if err != nil {
		return "", fmt.Errorf("creating proxy container: %w", err)
	}

	if err := o.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		o.removeContainer(ctx, resp.ID)
		return "", fmt.Errorf("starting proxy container: %w", err)
	}
	slog.Info("proxy container started", "container", resp.ID, "public_port", publicPort)
	return resp.ID, nil
}

// createGame creates the game container attached to the private network
// with the data volume mounted. It is not started: the first player (or an
// explicit wake) does that.
func (o *Orchestrator) createGame(ctx context.Context, spec DeploySpec, netName, volName string) (string, error) {
	memBytes, err := units.RAMInBytes(spec.MinRAM)
	if err != nil {
		return "", fmt.Errorf("parsing min_ram %q: %w", spec.MinRAM, err)
	}
	cpu, err := strconv.ParseFloat(spec.MinCPU, 64)
	if err != nil {
		return "", fmt.Errorf("parsing min_cpu %q: %w", spec.MinCPU, err)
	}

	env := make([]string, 0, len(spec.EnvVars)+2)
	for k, v := range spec.EnvVars {
		env = append(env, k+"="+v)
	}
	env = append(env,
		"SERVER_ID="+strconv.FormatInt(spec.ServerID, 10),
		"DATA_DIR=/data",
	)

	resp, err := o.cli.ContainerCreate(ctx,
		&container.Config{
			Image: spec.ImageRef,
			Env:   env,
		},
		&container.HostConfig{
			Mounts: []mount.Mount{{
				Type:   mount.TypeVolume,
				Source: volName,
				Target: "/data",
			}},
			Resources: container.Resources{
				Memory:    memBytes,
				CPUQuota:  int64(cpu * cpuPeriod),
				CPUPeriod: cpuPeriod,
			},
		},
		&network.NetworkingConfig{
			EndpointsConfig: map[string]*network.EndpointSettings{netName: {}},
		},
		nil,
		gameName(spec.ServerID),
	)
	if err != nil {
		return "", fmt.Errorf("creating game container: %w", err)
	}
	slog.Info("game container created", "container", resp.ID)
	return resp.ID, nil
}
