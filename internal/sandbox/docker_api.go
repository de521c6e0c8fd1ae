package sandbox

import (
	"context"
	"fmt"
	"io"
	"time"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/rs/zerolog/log"

	"code-executor/pkg/seccomp"
)

// DockerAPIOptions configures the Engine API backend.
type DockerAPIOptions struct {
	PullPolicy    PullPolicy
	StrictSeccomp bool
}

// DockerAPIRunner talks to the Docker Engine API directly instead of
// shelling out to the CLI.
type DockerAPIRunner struct {
	cli        *client.Client
	pullPolicy PullPolicy

	// seccomp holds the inline profiles keyed by network policy. Empty
	// means the daemon default.
	seccomp map[NetworkPolicy]string
}

// NewDockerAPIRunner connects using DOCKER_HOST and friends and pings the
// daemon. An unreachable daemon yields ErrEnvironmentUnavailable.
func NewDockerAPIRunner(ctx context.Context, opts DockerAPIOptions) (*DockerAPIRunner, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("creating docker client: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := cli.Ping(pingCtx); err != nil {
		_ = cli.Close()
		return nil, unavailable("docker daemon not reachable: %v", err)
	}

	d := &DockerAPIRunner{cli: cli, pullPolicy: opts.PullPolicy}
	if d.pullPolicy == "" {
		d.pullPolicy = PullNever
	}
	if opts.StrictSeccomp {
		none, err := seccomp.DockerProfileJSON()
		if err != nil {
			_ = cli.Close()
			return nil, fmt.Errorf("building seccomp profile: %w", err)
		}
		network, err := seccomp.DockerNetworkProfileJSON()
		if err != nil {
			_ = cli.Close()
			return nil, fmt.Errorf("building seccomp profile: %w", err)
		}
		d.seccomp = map[NetworkPolicy]string{
			NetworkNone:    string(none),
			NetworkDefault: string(network),
		}
	}
	return d, nil
}

func (d *DockerAPIRunner) Name() string { return "docker-api" }

func (d *DockerAPIRunner) Run(ctx context.Context, l Launch) (*RawResult, error) {
	logger := log.With().Str("exec_id", l.ExecID).Str("container", l.Name).Logger()

	execCtx, cancel := context.WithTimeout(ctx, l.Ceiling.Timeout)
	defer cancel()

	if err := d.ensureImage(execCtx, l.Image); err != nil {
		if execCtx.Err() != nil {
			return nil, interrupted(ctx, l.Ceiling.Timeout)
		}
		return nil, err
	}

	cfg, hostCfg := d.containerConfig(l, time.Now())
	resp, err := d.cli.ContainerCreate(execCtx, cfg, hostCfg, nil, nil, l.Name)
	if err != nil {
		if execCtx.Err() != nil {
			return nil, interrupted(ctx, l.Ceiling.Timeout)
		}
		return nil, d.apiError("creating container", err)
	}
	defer d.remove(resp.ID)

	start := time.Now()
	if err := d.cli.ContainerStart(execCtx, resp.ID, container.StartOptions{}); err != nil {
		if execCtx.Err() != nil {
			return nil, interrupted(ctx, l.Ceiling.Timeout)
		}
		return nil, d.apiError("starting container", err)
	}

	statusCh, errCh := d.cli.ContainerWait(execCtx, resp.ID, container.WaitConditionNotRunning)

	var exitCode int
	select {
	case status := <-statusCh:
		if status.Error != nil && status.Error.Message != "" {
			return nil, launchFailed("waiting for container: %s", status.Error.Message)
		}
		exitCode = int(status.StatusCode)
	case err := <-errCh:
		if execCtx.Err() == nil {
			return nil, d.apiError("waiting for container", err)
		}
		logger.Warn().Msg("execution interrupted, killing container")
		d.kill(resp.ID)
		return nil, interrupted(ctx, l.Ceiling.Timeout)
	}
	duration := time.Since(start)

	stdout, stderr := outputBuffers()
	logs, err := d.cli.ContainerLogs(ctx, resp.ID, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return nil, d.apiError("reading container output", err)
	}
	defer logs.Close()
	if _, err := stdcopy.StdCopy(stdout, stderr, logs); err != nil {
		return nil, launchFailed("demultiplexing container output: %v", err)
	}

	return &RawResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		ExitCode: exitCode,
		Duration: duration,
	}, nil
}

func (d *DockerAPIRunner) containerConfig(l Launch, now time.Time) (*container.Config, *container.HostConfig) {
	pids := l.Ceiling.PidsLimit

	cfg := &container.Config{
		Image:      l.Image,
		Cmd:        l.Command,
		WorkingDir: l.WorkDir,
		User:       l.User,
		Env: []string{
			"HOME=/tmp",
			"LANG=C.UTF-8",
			"PYTHONDONTWRITEBYTECODE=1",
		},
		Labels:          l.Labels(now),
		NetworkDisabled: l.Ceiling.Network == NetworkNone,
	}

	hostCfg := &container.HostConfig{
		Resources: container.Resources{
			Memory:     l.Ceiling.memoryBytes(),
			MemorySwap: l.Ceiling.memoryBytes(),
			NanoCPUs:   l.Ceiling.nanoCPUs(),
			PidsLimit:  &pids,
		},
		ReadonlyRootfs: true,
		CapDrop:        []string{"ALL"},
		SecurityOpt:    []string{"no-new-privileges"},
		Tmpfs: map[string]string{
			"/tmp": fmt.Sprintf("rw,nosuid,nodev,size=%dm", l.Ceiling.TmpfsMB),
		},
		Mounts: []mount.Mount{{
			Type:     mount.TypeBind,
			Source:   l.Mount.HostDir,
			Target:   l.Mount.Target,
			ReadOnly: l.Mount.ReadOnly,
		}},
	}
	if l.Ceiling.Network == NetworkNone {
		hostCfg.NetworkMode = "none"
	}
	if profile, ok := d.seccomp[l.Ceiling.Network]; ok {
		hostCfg.SecurityOpt = append(hostCfg.SecurityOpt, "seccomp="+profile)
	}
	return cfg, hostCfg
}

func (d *DockerAPIRunner) ensureImage(ctx context.Context, ref string) error {
	if d.pullPolicy == PullAlways {
		return d.pull(ctx, ref)
	}
	present, err := d.ImagePresent(ctx, ref)
	if err != nil {
		return err
	}
	if present {
		return nil
	}
	if d.pullPolicy == PullNever {
		return launchFailed("image %s is not present locally and pull policy is never", ref)
	}
	return d.pull(ctx, ref)
}

func (d *DockerAPIRunner) ImagePresent(ctx context.Context, ref string) (bool, error) {
	if _, err := d.cli.ImageInspect(ctx, ref); err != nil {
		if cerrdefs.IsNotFound(err) {
			return false, nil
		}
		return false, d.apiError("inspecting image", err)
	}
	return true, nil
}

func (d *DockerAPIRunner) PullImage(ctx context.Context, ref string) error {
	return d.pull(ctx, ref)
}

func (d *DockerAPIRunner) pull(ctx context.Context, ref string) error {
	log.Info().Str("ref", ref).Msg("pulling image")
	reader, err := d.cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return d.apiError("pulling image "+ref, err)
	}
	defer reader.Close()
	// The pull only completes once the progress stream is drained.
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return launchFailed("pulling image %s: %v", ref, err)
	}
	return nil
}

// ReapOrphans removes sandbox containers whose deadline label has passed.
func (d *DockerAPIRunner) ReapOrphans(ctx context.Context) (int, error) {
	list, err := d.cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", LabelManaged+"=true")),
	})
	if err != nil {
		return 0, d.apiError("listing sandbox containers", err)
	}

	now := time.Now()
	var reaped int
	for _, c := range list {
		if !overdue(c.Labels, now) {
			continue
		}
		log.Warn().Str("container_id", c.ID).Msg("removing orphaned sandbox container")
		d.remove(c.ID)
		reaped++
	}
	return reaped, nil
}

func (d *DockerAPIRunner) kill(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := d.cli.ContainerKill(ctx, id, "KILL"); err != nil && !cerrdefs.IsNotFound(err) && !cerrdefs.IsConflict(err) {
		log.Warn().Err(err).Str("container_id", id).Msg("failed to kill container")
	}
}

func (d *DockerAPIRunner) remove(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := d.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true}); err != nil && !cerrdefs.IsNotFound(err) {
		log.Error().Err(err).Str("container_id", id).Msg("failed to remove container")
	}
}

func (d *DockerAPIRunner) apiError(op string, err error) error {
	if client.IsErrConnectionFailed(err) {
		return unavailable("%s: %v", op, err)
	}
	return launchFailed("%s: %v", op, err)
}

func (d *DockerAPIRunner) Close() error {
	return d.cli.Close()
}
