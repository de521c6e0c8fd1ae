package sandbox

import (
	"context"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/containers"
	"github.com/containerd/containerd/contrib/seccomp"
	"github.com/containerd/containerd/oci"
	specs "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/rs/zerolog/log"
)

// Runner is the containerd-based backend, used on Linux hosts that run
// containerd without Docker.
type Runner struct {
	client        *Client
	pullPolicy    PullPolicy
	strictSeccomp bool
}

func NewRunner(client *Client, pullPolicy PullPolicy, strictSeccomp bool) *Runner {
	if pullPolicy == "" {
		pullPolicy = PullNever
	}
	return &Runner{
		client:        client,
		pullPolicy:    pullPolicy,
		strictSeccomp: strictSeccomp,
	}
}

func (r *Runner) Name() string { return "containerd" }

// Run creates a container and task for the launch and waits for it. The
// task is killed with SIGKILL on timeout, and the container and its snapshot
// are deleted before Run returns.
func (r *Runner) Run(ctx context.Context, l Launch) (*RawResult, error) {
	logger := log.With().Str("exec_id", l.ExecID).Str("container", l.Name).Logger()

	execCtx, cancel := context.WithTimeout(ctx, l.Ceiling.Timeout)
	defer cancel()
	nsCtx := r.client.WithNamespace(execCtx)

	image, err := r.client.Image(execCtx, l.Image, r.pullPolicy)
	if err != nil {
		if execCtx.Err() != nil {
			return nil, interrupted(ctx, l.Ceiling.Timeout)
		}
		return nil, err
	}

	container, err := r.createContainer(nsCtx, l, image)
	if err != nil {
		if execCtx.Err() != nil {
			return nil, interrupted(ctx, l.Ceiling.Timeout)
		}
		return nil, r.client.classify("creating container", err)
	}
	// Always cleanup, even on panic
	defer func() {
		if cleanErr := r.cleanupContainer(context.Background(), container); cleanErr != nil {
			logger.Error().Err(cleanErr).Msg("container cleanup failed")
		}
	}()

	stdout, stderr := outputBuffers()
	task, err := container.NewTask(nsCtx, cio.NewCreator(cio.WithStreams(nil, stdout, stderr)))
	if err != nil {
		if execCtx.Err() != nil {
			return nil, interrupted(ctx, l.Ceiling.Timeout)
		}
		return nil, r.client.classify("creating task", err)
	}

	// Wait must be registered before Start so a fast exit is not missed.
	exitCh, err := task.Wait(r.client.WithNamespace(context.Background()))
	if err != nil {
		return nil, r.client.classify("waiting for task", err)
	}

	start := time.Now()
	if err := task.Start(nsCtx); err != nil {
		if execCtx.Err() != nil {
			return nil, interrupted(ctx, l.Ceiling.Timeout)
		}
		return nil, r.client.classify("starting task", err)
	}

	select {
	case status := <-exitCh:
		code, _, err := status.Result()
		if err != nil {
			return nil, launchFailed("task exit: %v", err)
		}
		duration := time.Since(start)
		// The exit event can arrive before the fifo copiers finish.
		if !drainOutput(task.IO(), outputDrainGrace) {
			logger.Warn().Msg("output copy did not finish after exit, output may be cut short")
		}
		return &RawResult{
			Stdout:   stdout.String(),
			Stderr:   stderr.String(),
			ExitCode: int(code),
			Duration: duration,
		}, nil

	case <-execCtx.Done():
		logger.Warn().Msg("execution interrupted, killing task")
		killCtx, killCancel := context.WithTimeout(r.client.WithNamespace(context.Background()), 10*time.Second)
		defer killCancel()
		if err := task.Kill(killCtx, 9); err != nil {
			logger.Error().Err(err).Msg("failed to kill task")
		}
		select {
		case <-exitCh:
		case <-killCtx.Done():
			logger.Warn().Msg("timed out waiting for killed task to exit")
		}
		return nil, interrupted(ctx, l.Ceiling.Timeout)
	}
}

const outputDrainGrace = 5 * time.Second

// outputStreams is the part of cio.IO that owns the copy goroutines.
type outputStreams interface {
	Wait()
	Cancel()
}

// drainOutput blocks until the stream copiers have stopped writing. After
// grace the copy is cancelled and still awaited, so the buffers are never
// read while a copier holds them. It reports whether the copy finished on
// its own.
func drainOutput(streams outputStreams, grace time.Duration) bool {
	if streams == nil {
		return true
	}
	done := make(chan struct{})
	go func() {
		streams.Wait()
		close(done)
	}()

	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-done:
		return true
	case <-timer.C:
		streams.Cancel()
		<-done
		return false
	}
}

func (r *Runner) createContainer(ctx context.Context, l Launch, image containerd.Image) (containerd.Container, error) {
	profile := SecurityProfileFor(l.Ceiling.Network, r.strictSeccomp)

	opts := []oci.SpecOpts{
		oci.WithImageConfig(image),
		oci.WithProcessArgs(l.Command...),
		oci.WithProcessCwd(l.WorkDir),
		oci.WithHostname("sandbox"),
	}
	if l.Ceiling.Network == NetworkDefault {
		opts = append(opts, oci.WithHostResolvconf, oci.WithHostHostsFile)
	}
	if profile.Seccomp == nil {
		opts = append(opts, seccomp.WithDefaultProfile())
	}
	opts = append(opts, func(_ context.Context, _ oci.Client, _ *containers.Container, s *specs.Spec) error {
		if err := ApplySecurityProfile(s, profile, l.User); err != nil {
			return err
		}
		ApplyResourceLimits(s, l.Ceiling)

		mountOpts := []string{"rbind", "rw"}
		if l.Mount.ReadOnly {
			mountOpts = []string{"rbind", "ro"}
		}
		s.Mounts = append(s.Mounts, specs.Mount{
			Destination: l.Mount.Target,
			Type:        "bind",
			Source:      l.Mount.HostDir,
			Options:     mountOpts,
		})

		s.Process.Env = []string{
			"PATH=/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin",
			"HOME=/tmp",
			"LANG=C.UTF-8",
			"PYTHONDONTWRITEBYTECODE=1",
		}
		return nil
	})

	return r.client.Raw().NewContainer(ctx, l.Name,
		containerd.WithImage(image),
		containerd.WithNewSnapshot(l.Name+"-snapshot", image),
		containerd.WithContainerLabels(l.Labels(time.Now())),
		containerd.WithNewSpec(opts...),
	)
}

func (r *Runner) ImagePresent(ctx context.Context, ref string) (bool, error) {
	_, err := r.client.Image(ctx, ref, PullNever)
	if err == nil {
		return true, nil
	}
	if IsUnavailable(err) {
		return false, err
	}
	return false, nil
}

func (r *Runner) PullImage(ctx context.Context, ref string) error {
	_, err := r.client.pull(ctx, ref)
	return err
}

func (r *Runner) Close() error {
	return r.client.Close()
}
