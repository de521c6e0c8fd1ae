package sandbox

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"code-executor/pkg/seccomp"
)

// daemonDownMarkers are docker CLI messages meaning the daemon, not the
// container, is the problem.
var daemonDownMarkers = []string{
	"Cannot connect to the Docker daemon",
	"Is the docker daemon running",
	"error during connect",
}

// DockerOptions configures the docker CLI backend.
type DockerOptions struct {
	Binary        string
	PullPolicy    PullPolicy
	StrictSeccomp bool
}

// DockerRunner drives containers through the docker CLI. It works anywhere a
// docker binary does (Docker Desktop, Podman's docker shim, remote contexts).
type DockerRunner struct {
	binary     string
	pullPolicy PullPolicy
	dockerHost string // resolved DOCKER_HOST (e.g. from Docker context)

	// seccompDir holds the strict profiles; empty means the daemon default.
	seccompDir string
}

func NewDockerRunner(opts DockerOptions) (*DockerRunner, error) {
	if opts.Binary == "" {
		opts.Binary = "docker"
	}
	if opts.PullPolicy == "" {
		opts.PullPolicy = PullNever
	}

	d := &DockerRunner{
		binary:     opts.Binary,
		pullPolicy: opts.PullPolicy,
		dockerHost: resolveDockerHost(opts.Binary),
	}

	if opts.StrictSeccomp {
		dir, err := writeSeccompProfiles()
		if err != nil {
			return nil, err
		}
		d.seccompDir = dir
	}
	return d, nil
}

// writeSeccompProfiles writes both docker profiles once for the lifetime of
// the runner. They never go into a staging area the program can see.
func writeSeccompProfiles() (string, error) {
	dir, err := os.MkdirTemp("", "code-executor-seccomp-*")
	if err != nil {
		return "", fmt.Errorf("creating seccomp dir: %w", err)
	}
	profiles := map[NetworkPolicy]func() ([]byte, error){
		NetworkNone:    seccomp.DockerProfileJSON,
		NetworkDefault: seccomp.DockerNetworkProfileJSON,
	}
	for network, build := range profiles {
		data, err := build()
		if err != nil {
			_ = os.RemoveAll(dir)
			return "", fmt.Errorf("building seccomp profile: %w", err)
		}
		if err := os.WriteFile(seccompPath(dir, network), data, 0600); err != nil {
			_ = os.RemoveAll(dir)
			return "", fmt.Errorf("writing seccomp profile: %w", err)
		}
	}
	return dir, nil
}

func seccompPath(dir string, network NetworkPolicy) string {
	return filepath.Join(dir, "seccomp-"+string(network)+".json")
}

// resolveDockerHost figures out the Docker socket. On macOS, Docker Desktop uses
// a context-specific socket that child processes don't inherit.
func resolveDockerHost(binary string) string {
	if h := os.Getenv("DOCKER_HOST"); h != "" {
		return h
	}

	out, err := exec.Command(binary, "context", "inspect", "--format", "{{.Endpoints.docker.Host}}").Output() // #nosec G204 -- binary from operator config
	if err == nil {
		host := strings.TrimSpace(string(out))
		if host != "" {
			log.Debug().Str("docker_host", host).Msg("resolved Docker host from context")
			return host
		}
	}

	return ""
}

func (d *DockerRunner) Name() string { return "docker" }

func (d *DockerRunner) command(ctx context.Context, args ...string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, d.binary, args...) // #nosec G204 -- args built internally, user code is passed as a single argv element
	if d.dockerHost != "" {
		cmd.Env = append(os.Environ(), "DOCKER_HOST="+d.dockerHost)
	}
	return cmd
}

// Run starts the container and waits for it, bounded by the ceiling timeout.
// On timeout or cancellation the client process group is killed and the
// container is removed with `docker rm -f` before Run returns.
func (d *DockerRunner) Run(ctx context.Context, l Launch) (*RawResult, error) {
	if _, err := exec.LookPath(d.binary); err != nil {
		return nil, unavailable("docker binary %q not found in PATH", d.binary)
	}

	logger := log.With().Str("exec_id", l.ExecID).Str("container", l.Name).Logger()

	execCtx, cancel := context.WithTimeout(ctx, l.Ceiling.Timeout)
	defer cancel()

	args := d.buildDockerArgs(l, time.Now())
	cmd := d.command(execCtx, args...)
	setProcessGroup(cmd)
	cmd.WaitDelay = 5 * time.Second

	stdout, stderr := outputBuffers()
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	logger.Debug().Str("image", l.Image).Msg("starting docker container")

	start := time.Now()
	err := cmd.Run()
	duration := time.Since(start)

	if execCtx.Err() != nil {
		logger.Warn().Dur("duration", duration).Msg("execution interrupted, removing container")
		d.forceRemove(l.Name)
		return nil, interrupted(ctx, l.Ceiling.Timeout)
	}

	if err == nil {
		return &RawResult{Stdout: stdout.String(), Stderr: stderr.String(), Duration: duration}, nil
	}

	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		if errors.Is(err, exec.ErrNotFound) {
			return nil, unavailable("docker binary %q not found in PATH", d.binary)
		}
		return nil, launchFailed("%v", err)
	}

	code := exitErr.ExitCode()
	if looksLikeDaemonDown(stderr.String()) && !d.daemonReachable(ctx) {
		return nil, unavailable("%s", firstLine(stderr.String()))
	}
	// 125 is docker's own failure status: the container never ran.
	if code == 125 {
		d.forceRemove(l.Name)
		return nil, launchFailed("%s", dockerDiagnostic(stderr.String(), code))
	}

	return &RawResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		ExitCode: code,
		Duration: duration,
	}, nil
}

func (d *DockerRunner) buildDockerArgs(l Launch, now time.Time) []string {
	args := []string{
		"run", "--rm",
		"--name", l.Name,
		"--pull", string(d.pullPolicy),
	}
	args = append(args, sortedLabelArgs(l.Labels(now))...)

	if l.Ceiling.Network == NetworkNone {
		args = append(args, "--network", "none")
	}

	args = append(args,
		"--cap-drop", "ALL",
		"--security-opt", "no-new-privileges",
	)
	if d.seccompDir != "" {
		args = append(args, "--security-opt", "seccomp="+seccompPath(d.seccompDir, l.Ceiling.Network))
	}

	mount := fmt.Sprintf("type=bind,source=%s,target=%s", l.Mount.HostDir, l.Mount.Target)
	if l.Mount.ReadOnly {
		mount += ",readonly"
	}

	args = append(args,
		"--memory", fmt.Sprintf("%dm", l.Ceiling.MemoryMB),
		"--memory-swap", fmt.Sprintf("%dm", l.Ceiling.MemoryMB),
		"--cpus", strconv.FormatFloat(l.Ceiling.CPUs, 'f', -1, 64),
		"--pids-limit", strconv.FormatInt(l.Ceiling.PidsLimit, 10),
		"--read-only",
		"--tmpfs", fmt.Sprintf("/tmp:rw,nosuid,nodev,size=%dm", l.Ceiling.TmpfsMB),
		"--mount", mount,
		"--workdir", l.WorkDir,
	)
	if l.User != "" {
		args = append(args, "--user", l.User)
	}
	args = append(args,
		"-e", "HOME=/tmp",
		"-e", "LANG=C.UTF-8",
		"-e", "PYTHONDONTWRITEBYTECODE=1",
	)

	args = append(args, l.Image)
	return append(args, l.Command...)
}

// forceRemove kills and removes a container. It uses its own context because
// the execution context is already done when this runs.
func (d *DockerRunner) forceRemove(name string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	out, err := d.command(ctx, "rm", "-f", name).CombinedOutput()
	if err != nil && !strings.Contains(string(out), "No such container") {
		log.Error().Err(err).Str("container", name).Str("output", strings.TrimSpace(string(out))).
			Msg("failed to remove container")
	}
}

func (d *DockerRunner) daemonReachable(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	return d.command(ctx, "version", "--format", "{{.Server.Version}}").Run() == nil
}

func (d *DockerRunner) ImagePresent(ctx context.Context, ref string) (bool, error) {
	if _, err := exec.LookPath(d.binary); err != nil {
		return false, unavailable("docker binary %q not found in PATH", d.binary)
	}
	out, err := d.command(ctx, "image", "inspect", "--format", "{{.Id}}", ref).CombinedOutput()
	if err == nil {
		return true, nil
	}
	msg := string(out)
	if looksLikeDaemonDown(msg) {
		return false, unavailable("%s", firstLine(msg))
	}
	if strings.Contains(strings.ToLower(msg), "no such image") {
		return false, nil
	}
	return false, fmt.Errorf("inspecting image %s: %s", ref, strings.TrimSpace(msg))
}

func (d *DockerRunner) PullImage(ctx context.Context, ref string) error {
	if _, err := exec.LookPath(d.binary); err != nil {
		return unavailable("docker binary %q not found in PATH", d.binary)
	}
	out, err := d.command(ctx, "pull", "--quiet", ref).CombinedOutput()
	if err != nil {
		msg := string(out)
		if looksLikeDaemonDown(msg) {
			return unavailable("%s", firstLine(msg))
		}
		return fmt.Errorf("pulling image %s: %s", ref, strings.TrimSpace(msg))
	}
	log.Info().Str("ref", ref).Msg("image pulled")
	return nil
}

// ReapOrphans removes sandbox containers whose deadline label has passed.
func (d *DockerRunner) ReapOrphans(ctx context.Context) (int, error) {
	if _, err := exec.LookPath(d.binary); err != nil {
		return 0, unavailable("docker binary %q not found in PATH", d.binary)
	}

	format := fmt.Sprintf("{{.ID}}\t{{.Label %q}}", LabelDeadline)
	out, err := d.command(ctx, "ps", "-a",
		"--filter", "label="+LabelManaged+"=true",
		"--format", format,
	).Output()
	if err != nil {
		return 0, fmt.Errorf("listing sandbox containers: %w", err)
	}

	now := time.Now()
	var reaped int
	for _, c := range parseContainerList(string(out)) {
		if !overdue(c.labels, now) {
			continue
		}
		log.Warn().Str("container_id", c.id).Msg("removing orphaned sandbox container")
		d.forceRemove(c.id)
		reaped++
	}
	return reaped, nil
}

type listedContainer struct {
	id     string
	labels map[string]string
}

func parseContainerList(out string) []listedContainer {
	var list []listedContainer
	scanner := bufio.NewScanner(strings.NewReader(out))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		id, deadline, _ := strings.Cut(line, "\t")
		list = append(list, listedContainer{
			id: id,
			labels: map[string]string{
				LabelManaged:  "true",
				LabelDeadline: strings.TrimSpace(deadline),
			},
		})
	}
	return list
}

func (d *DockerRunner) Close() error {
	if d.seccompDir != "" {
		return os.RemoveAll(d.seccompDir)
	}
	return nil
}

func looksLikeDaemonDown(stderr string) bool {
	for _, marker := range daemonDownMarkers {
		if strings.Contains(stderr, marker) {
			return true
		}
	}
	return false
}

func dockerDiagnostic(stderr string, code int) string {
	msg := strings.TrimSpace(stderr)
	msg = strings.TrimPrefix(msg, "docker: ")
	if msg == "" {
		return fmt.Sprintf("docker exited with status %d", code)
	}
	return msg
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if line, _, ok := strings.Cut(s, "\n"); ok {
		return line
	}
	return s
}
