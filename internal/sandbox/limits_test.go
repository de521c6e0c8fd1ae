package sandbox

import (
	"testing"
	"time"

	specs "github.com/opencontainers/runtime-spec/specs-go"

	"code-executor/internal/config"
)

func TestDefaultCodeCeiling(t *testing.T) {
	c := DefaultCodeCeiling()
	if c.MemoryMB != 128 {
		t.Errorf("MemoryMB = %d, want 128", c.MemoryMB)
	}
	if c.CPUs != 1 {
		t.Errorf("CPUs = %g, want 1", c.CPUs)
	}
	if c.PidsLimit != 64 {
		t.Errorf("PidsLimit = %d, want 64", c.PidsLimit)
	}
	if c.Network != NetworkNone {
		t.Errorf("Network = %q, want %q", c.Network, NetworkNone)
	}
	if c.Timeout != 10*time.Second {
		t.Errorf("Timeout = %s, want 10s", c.Timeout)
	}
}

func TestDefaultSolutionCeiling(t *testing.T) {
	c := DefaultSolutionCeiling()
	if c.MemoryMB != 512 {
		t.Errorf("MemoryMB = %d, want 512", c.MemoryMB)
	}
	if c.CPUs != 2 {
		t.Errorf("CPUs = %g, want 2", c.CPUs)
	}
	if c.PidsLimit != 128 {
		t.Errorf("PidsLimit = %d, want 128", c.PidsLimit)
	}
	if c.Network != NetworkDefault {
		t.Errorf("Network = %q, want %q", c.Network, NetworkDefault)
	}
	if c.Timeout != 60*time.Second {
		t.Errorf("Timeout = %s, want 60s", c.Timeout)
	}
}

func TestCeiling_Validate(t *testing.T) {
	if err := DefaultCodeCeiling().Validate(); err != nil {
		t.Errorf("DefaultCodeCeiling().Validate() = %v", err)
	}
	if err := DefaultSolutionCeiling().Validate(); err != nil {
		t.Errorf("DefaultSolutionCeiling().Validate() = %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*ResourceCeiling)
	}{
		{"memory under", func(c *ResourceCeiling) { c.MemoryMB = 8 }},
		{"memory over", func(c *ResourceCeiling) { c.MemoryMB = 16385 }},
		{"cpus zero", func(c *ResourceCeiling) { c.CPUs = 0 }},
		{"cpus over", func(c *ResourceCeiling) { c.CPUs = 65 }},
		{"pids under", func(c *ResourceCeiling) { c.PidsLimit = 2 }},
		{"tmpfs zero", func(c *ResourceCeiling) { c.TmpfsMB = 0 }},
		{"bad network", func(c *ResourceCeiling) { c.Network = "host" }},
		{"timeout too short", func(c *ResourceCeiling) { c.Timeout = time.Millisecond }},
		{"timeout too long", func(c *ResourceCeiling) { c.Timeout = time.Hour }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := DefaultCodeCeiling()
			tt.mutate(&c)
			if err := c.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestCeilingFromConfig_KeepsFallbackForZeroFields(t *testing.T) {
	got := CeilingFromConfig(config.CeilingConfig{MemoryMB: 256, Network: "default"}, DefaultCodeCeiling())
	if got.MemoryMB != 256 {
		t.Errorf("MemoryMB = %d, want 256", got.MemoryMB)
	}
	if got.Network != NetworkDefault {
		t.Errorf("Network = %q, want default", got.Network)
	}
	if got.CPUs != 1 || got.PidsLimit != 64 || got.Timeout != 10*time.Second {
		t.Errorf("unset fields should keep fallback, got %+v", got)
	}
}

func TestApplyResourceLimits(t *testing.T) {
	s := &specs.Spec{Process: &specs.Process{}}
	ApplyResourceLimits(s, DefaultSolutionCeiling())

	if got := *s.Linux.Resources.Memory.Limit; got != 512*1024*1024 {
		t.Errorf("memory limit = %d, want %d", got, 512*1024*1024)
	}
	if got := *s.Linux.Resources.CPU.Quota; got != 200000 {
		t.Errorf("cpu quota = %d, want 200000", got)
	}
	if s.Linux.Resources.Pids.Limit != 128 {
		t.Errorf("pids limit = %d, want 128", s.Linux.Resources.Pids.Limit)
	}

	var tmpfs int
	for _, m := range s.Mounts {
		if m.Destination == "/tmp" {
			tmpfs++
		}
	}
	if tmpfs != 1 {
		t.Errorf("expected exactly one /tmp mount, got %d", tmpfs)
	}

	// Applying twice must not duplicate the tmpfs mount.
	ApplyResourceLimits(s, DefaultSolutionCeiling())
	if len(s.Mounts) != 1 {
		t.Errorf("mounts = %d after second apply, want 1", len(s.Mounts))
	}
}
