package sandbox

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"sort"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"code-executor/internal/config"
)

const (
	// WorkspaceDir is where the staging area appears inside the container.
	WorkspaceDir = "/workspace"

	containerPrefix = "sandbox-"

	LabelManaged  = "code-executor.managed"
	LabelExecID   = "code-executor.exec-id"
	LabelDeadline = "code-executor.deadline"

	// reapGrace is added to the execution timeout before a container counts
	// as orphaned.
	reapGrace = 2 * time.Minute
)

// PullPolicy controls what a backend does when the image is not present.
type PullPolicy string

const (
	PullNever   PullPolicy = "never"
	PullMissing PullPolicy = "missing"
	PullAlways  PullPolicy = "always"
)

// Mount binds a host directory into the container.
type Mount struct {
	HostDir  string
	Target   string
	ReadOnly bool
}

// Launch describes a single container run.
type Launch struct {
	ExecID  string
	Name    string
	Image   string
	Command []string
	Mount   Mount
	WorkDir string
	User    string
	Ceiling ResourceCeiling
}

// Labels returns the labels every sandbox container carries. The deadline
// label lets any process reap the container once it is overdue.
func (l Launch) Labels(now time.Time) map[string]string {
	return map[string]string{
		LabelManaged:  "true",
		LabelExecID:   l.ExecID,
		LabelDeadline: strconv.FormatInt(now.Add(l.Ceiling.Timeout+reapGrace).Unix(), 10),
	}
}

// Backend runs one container to completion. Implementations force-remove the
// container before Run returns, whatever the result.
type Backend interface {
	Name() string
	Run(ctx context.Context, l Launch) (*RawResult, error)
	ImagePresent(ctx context.Context, ref string) (bool, error)
	PullImage(ctx context.Context, ref string) error
	ReapOrphans(ctx context.Context) (int, error)
	Close() error
}

// NewBackend builds the backend selected in config. A runtime that cannot be
// reached is not fatal: the returned backend reports it on every call.
func NewBackend(ctx context.Context, cfg config.SandboxConfig) (Backend, error) {
	preference := cfg.Backend
	if preference == "" {
		preference = "auto"
	}
	pull := PullPolicy(cfg.PullPolicy)

	switch preference {
	case "docker":
		return newDockerCLIBackend(cfg)
	case "docker-api":
		b, err := NewDockerAPIRunner(ctx, DockerAPIOptions{PullPolicy: pull, StrictSeccomp: cfg.StrictSeccomp})
		if err != nil {
			return orUnavailable("docker-api", err)
		}
		return b, nil
	case "containerd":
		b, err := newContainerdBackend(ctx, cfg)
		if err != nil {
			return orUnavailable("containerd", err)
		}
		return b, nil
	case "auto":
		if runtime.GOOS == "linux" {
			if _, err := os.Stat(cfg.ContainerdSocket); err == nil {
				b, err := newContainerdBackend(ctx, cfg)
				if err == nil {
					log.Info().Msg("using containerd backend")
					return b, nil
				}
				log.Warn().Err(err).Msg("containerd unavailable, trying Docker")
			}
		}

		b, err := NewDockerAPIRunner(ctx, DockerAPIOptions{PullPolicy: pull, StrictSeccomp: cfg.StrictSeccomp})
		if err == nil {
			log.Info().Msg("using Docker Engine API backend")
			return b, nil
		}
		log.Warn().Err(err).Msg("Docker Engine API unreachable, falling back to docker CLI")
		return newDockerCLIBackend(cfg)
	default:
		return nil, fmt.Errorf("unknown backend %q: must be auto, docker, docker-api, or containerd", preference)
	}
}

func newDockerCLIBackend(cfg config.SandboxConfig) (Backend, error) {
	d, err := NewDockerRunner(DockerOptions{
		Binary:        cfg.DockerBinary,
		PullPolicy:    PullPolicy(cfg.PullPolicy),
		StrictSeccomp: cfg.StrictSeccomp,
	})
	if err != nil {
		return nil, err
	}
	return d, nil
}

func newContainerdBackend(ctx context.Context, cfg config.SandboxConfig) (Backend, error) {
	client, err := NewClient(ctx, cfg.ContainerdSocket, cfg.Namespace)
	if err != nil {
		return nil, unavailable("%v", err)
	}
	return NewRunner(client, PullPolicy(cfg.PullPolicy), cfg.StrictSeccomp), nil
}

func orUnavailable(name string, err error) (Backend, error) {
	if IsUnavailable(err) {
		log.Warn().Err(err).Str("backend", name).Msg("container runtime unreachable, executions will report it")
		return &unavailableBackend{name: name, err: err}, nil
	}
	return nil, err
}

// unavailableBackend stands in for a runtime that could not be reached at
// startup.
type unavailableBackend struct {
	name string
	err  error
}

func (u *unavailableBackend) Name() string { return u.name }

func (u *unavailableBackend) Run(context.Context, Launch) (*RawResult, error) {
	return nil, u.err
}

func (u *unavailableBackend) ImagePresent(context.Context, string) (bool, error) {
	return false, u.err
}

func (u *unavailableBackend) PullImage(context.Context, string) error { return u.err }

func (u *unavailableBackend) ReapOrphans(context.Context) (int, error) { return 0, u.err }

func (u *unavailableBackend) Close() error { return nil }

// interrupted explains why a bounded run stopped early: the caller went away,
// or the execution ran past its own timeout.
func interrupted(parent context.Context, timeout time.Duration) error {
	if err := parent.Err(); err != nil {
		return err
	}
	return fmt.Errorf("%w: exceeded %s", ErrTimeout, timeout)
}

// overdue reports whether a labelled container has outlived its deadline.
func overdue(labels map[string]string, now time.Time) bool {
	if labels[LabelManaged] != "true" {
		return false
	}
	deadline, err := strconv.ParseInt(labels[LabelDeadline], 10, 64)
	if err != nil {
		// Unlabelled leftovers have no owner that could still be waiting.
		return true
	}
	return now.Unix() > deadline
}

func sortedLabelArgs(labels map[string]string) []string {
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	args := make([]string, 0, 2*len(keys))
	for _, k := range keys {
		args = append(args, "--label", k+"="+labels[k])
	}
	return args
}

// HostUser returns "uid:gid" of this process, or "" where that has no meaning.
func HostUser() string {
	uid, gid := os.Getuid(), os.Getgid()
	if uid < 0 || gid < 0 {
		return ""
	}
	return fmt.Sprintf("%d:%d", uid, gid)
}
