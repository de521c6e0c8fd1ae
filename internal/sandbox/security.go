package sandbox

import (
	"fmt"
	"strconv"
	"strings"

	specs "github.com/opencontainers/runtime-spec/specs-go"

	"code-executor/pkg/seccomp"
)

// SecurityProfile is the hardening applied to OCI specs built for the
// containerd backend. The docker backends express the same settings through
// their own flags.
type SecurityProfile struct {
	Seccomp       *specs.LinuxSeccomp
	Capabilities  []string
	Namespaces    []specs.LinuxNamespace
	MaskedPaths   []string
	ReadonlyPaths []string
}

// SecurityProfileFor returns the profile matching a network policy. A nil
// Seccomp leaves the runtime default in place.
func SecurityProfileFor(network NetworkPolicy, strictSeccomp bool) SecurityProfile {
	p := SecurityProfile{
		Capabilities: []string{},
		Namespaces: []specs.LinuxNamespace{
			{Type: specs.PIDNamespace},
			{Type: specs.MountNamespace},
			{Type: specs.UTSNamespace},
			{Type: specs.IPCNamespace},
		},
		MaskedPaths: []string{
			"/proc/acpi",
			"/proc/kcore",
			"/proc/keys",
			"/proc/latency_stats",
			"/proc/timer_list",
			"/proc/timer_stats",
			"/proc/sched_debug",
			"/proc/scsi",
			"/sys/firmware",
			"/sys/devices/virtual/powercap",
		},
		ReadonlyPaths: []string{
			"/proc/asound",
			"/proc/bus",
			"/proc/fs",
			"/proc/irq",
			"/proc/sys",
			"/proc/sysrq-trigger",
		},
	}

	// A fresh network namespace has only loopback.
	if network == NetworkNone {
		p.Namespaces = append(p.Namespaces, specs.LinuxNamespace{Type: specs.NetworkNamespace})
	}

	if strictSeccomp {
		if network == NetworkNone {
			p.Seccomp = seccomp.DefaultProfile()
		} else {
			p.Seccomp = seccomp.NetworkAllowProfile()
		}
	}
	return p
}

// ApplySecurityProfile hardens the spec and sets the process user ("uid:gid").
func ApplySecurityProfile(spec *specs.Spec, profile SecurityProfile, user string) error {
	if spec.Linux == nil {
		spec.Linux = &specs.Linux{}
	}
	if spec.Process == nil {
		spec.Process = &specs.Process{}
	}
	if spec.Process.Capabilities == nil {
		spec.Process.Capabilities = &specs.LinuxCapabilities{}
	}

	if profile.Seccomp != nil {
		spec.Linux.Seccomp = profile.Seccomp
	}
	spec.Process.Capabilities.Bounding = profile.Capabilities
	spec.Process.Capabilities.Effective = profile.Capabilities
	spec.Process.Capabilities.Inheritable = profile.Capabilities
	spec.Process.Capabilities.Permitted = profile.Capabilities
	spec.Process.Capabilities.Ambient = profile.Capabilities

	spec.Linux.Namespaces = profile.Namespaces
	spec.Linux.MaskedPaths = profile.MaskedPaths
	spec.Linux.ReadonlyPaths = profile.ReadonlyPaths

	spec.Process.NoNewPrivileges = true

	uid, gid, err := parseUser(user)
	if err != nil {
		return err
	}
	spec.Process.User = specs.User{UID: uid, GID: gid}

	if spec.Root != nil {
		spec.Root.Readonly = true
	}
	return nil
}

// parseUser accepts "uid:gid" or "uid". An empty string means nobody.
func parseUser(user string) (uint32, uint32, error) {
	if user == "" {
		return 65534, 65534, nil
	}
	uidStr, gidStr, hasGID := strings.Cut(user, ":")
	uid, err := strconv.ParseUint(uidStr, 10, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid container user %q: %w", user, err)
	}
	gid := uid
	if hasGID {
		gid, err = strconv.ParseUint(gidStr, 10, 32)
		if err != nil {
			return 0, 0, fmt.Errorf("invalid container group %q: %w", user, err)
		}
	}
	return uint32(uid), uint32(gid), nil
}
