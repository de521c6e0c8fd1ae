package sandbox

import (
	"fmt"
	"time"

	specs "github.com/opencontainers/runtime-spec/specs-go"

	"code-executor/internal/config"
)

// NetworkPolicy selects how the execution environment reaches the network.
type NetworkPolicy string

const (
	// NetworkNone gives the container a loopback-only network namespace.
	NetworkNone NetworkPolicy = "none"
	// NetworkDefault leaves the container runtime's default network attached.
	NetworkDefault NetworkPolicy = "default"
)

func (p NetworkPolicy) valid() bool {
	return p == NetworkNone || p == NetworkDefault
}

// ResourceCeiling bounds a single execution. Every execution started from the
// same entry point gets the same ceiling.
type ResourceCeiling struct {
	MemoryMB  int64         `json:"memory_mb"`
	CPUs      float64       `json:"cpus"`
	PidsLimit int64         `json:"pids_limit"`
	TmpfsMB   int64         `json:"tmpfs_mb"`
	Network   NetworkPolicy `json:"network"`
	Timeout   time.Duration `json:"timeout"`
}

// DefaultCodeCeiling is the tight profile used for short inline programs.
func DefaultCodeCeiling() ResourceCeiling {
	return ResourceCeiling{
		MemoryMB:  128,
		CPUs:      1,
		PidsLimit: 64,
		TmpfsMB:   64,
		Network:   NetworkNone,
		Timeout:   10 * time.Second,
	}
}

// DefaultSolutionCeiling is the looser profile used for staged solutions.
func DefaultSolutionCeiling() ResourceCeiling {
	return ResourceCeiling{
		MemoryMB:  512,
		CPUs:      2,
		PidsLimit: 128,
		TmpfsMB:   128,
		Network:   NetworkDefault,
		Timeout:   60 * time.Second,
	}
}

// CeilingFromConfig converts a config section, keeping fallback values for
// fields left at zero.
func CeilingFromConfig(c config.CeilingConfig, fallback ResourceCeiling) ResourceCeiling {
	out := fallback
	if c.MemoryMB != 0 {
		out.MemoryMB = c.MemoryMB
	}
	if c.CPUs != 0 {
		out.CPUs = c.CPUs
	}
	if c.PidsLimit != 0 {
		out.PidsLimit = c.PidsLimit
	}
	if c.TmpfsMB != 0 {
		out.TmpfsMB = c.TmpfsMB
	}
	if c.Network != "" {
		out.Network = NetworkPolicy(c.Network)
	}
	if c.Timeout != 0 {
		out.Timeout = c.Timeout
	}
	return out
}

func (rc ResourceCeiling) Validate() error {
	if rc.MemoryMB < 16 || rc.MemoryMB > 16384 {
		return fmt.Errorf("memory_mb must be 16-16384, got %d", rc.MemoryMB)
	}
	if rc.CPUs < 0.01 || rc.CPUs > 64 {
		return fmt.Errorf("cpus must be 0.01-64, got %g", rc.CPUs)
	}
	if rc.PidsLimit < 8 || rc.PidsLimit > 4096 {
		return fmt.Errorf("pids_limit must be 8-4096, got %d", rc.PidsLimit)
	}
	if rc.TmpfsMB < 1 || rc.TmpfsMB > 4096 {
		return fmt.Errorf("tmpfs_mb must be 1-4096, got %d", rc.TmpfsMB)
	}
	if !rc.Network.valid() {
		return fmt.Errorf("network must be %q or %q, got %q", NetworkNone, NetworkDefault, rc.Network)
	}
	if rc.Timeout < 100*time.Millisecond || rc.Timeout > 10*time.Minute {
		return fmt.Errorf("timeout must be 100ms-10m, got %s", rc.Timeout)
	}
	return nil
}

func (rc ResourceCeiling) memoryBytes() int64 {
	return rc.MemoryMB * 1024 * 1024
}

func (rc ResourceCeiling) tmpfsBytes() int64 {
	return rc.TmpfsMB * 1024 * 1024
}

func (rc ResourceCeiling) nanoCPUs() int64 {
	return int64(rc.CPUs * 1e9)
}

// ApplyResourceLimits writes the ceiling into an OCI runtime spec.
func ApplyResourceLimits(spec *specs.Spec, rc ResourceCeiling) {
	if spec.Linux == nil {
		spec.Linux = &specs.Linux{}
	}
	if spec.Linux.Resources == nil {
		spec.Linux.Resources = &specs.LinuxResources{}
	}
	if spec.Process == nil {
		spec.Process = &specs.Process{}
	}

	// CFS quota gives a hard cap; shares would only be a soft weight.
	period := uint64(100000)
	quota := int64(rc.CPUs * float64(period))
	if quota < 1000 {
		quota = 1000
	}
	spec.Linux.Resources.CPU = &specs.LinuxCPU{
		Period: &period,
		Quota:  &quota,
	}

	memoryBytes := rc.memoryBytes()
	spec.Linux.Resources.Memory = &specs.LinuxMemory{
		Limit: &memoryBytes,
		Swap:  &memoryBytes,
	}

	spec.Linux.Resources.Pids = &specs.LinuxPids{
		Limit: rc.PidsLimit,
	}

	tmpfsBytes := rc.tmpfsBytes()
	spec.Mounts = appendIfNotExists(spec.Mounts, specs.Mount{
		Destination: "/tmp",
		Type:        "tmpfs",
		Source:      "tmpfs",
		Options: []string{
			"nosuid", "nodev",
			fmt.Sprintf("size=%d", tmpfsBytes),
			"mode=1777",
		},
	})

	spec.Process.Rlimits = []specs.POSIXRlimit{
		{Type: "RLIMIT_NOFILE", Hard: 1024, Soft: 1024},
		{Type: "RLIMIT_NPROC", Hard: safeUint64(rc.PidsLimit), Soft: safeUint64(rc.PidsLimit)},
		{Type: "RLIMIT_CORE", Hard: 0, Soft: 0},
	}
}

func safeUint64(v int64) uint64 {
	if v < 0 {
		return 0
	}
	return uint64(v)
}

func appendIfNotExists(mounts []specs.Mount, m specs.Mount) []specs.Mount {
	for _, existing := range mounts {
		if existing.Destination == m.Destination {
			return mounts
		}
	}
	return append(mounts, m)
}
