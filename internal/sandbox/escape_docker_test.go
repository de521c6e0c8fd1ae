package sandbox

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDocker_EscapeAttempts(t *testing.T) {
	e, root := newDockerEngine(t)

	tests := []struct {
		name       string
		program    string
		shouldFail bool
	}{
		{"read shadow", "print(open('/etc/shadow').read())", true},
		{"write root filesystem", "open('/pwned.txt', 'w').write('x')", true},
		{"mount", "import ctypes\nlibc = ctypes.CDLL(None)\nassert libc.mount(b'none', b'/mnt', b'tmpfs', 0, None) == 0", true},
		{"change hostname", "import socket\nsocket.sethostname('evil')", true},
		{"ptrace init", "import ctypes\nassert ctypes.CDLL(None).ptrace(16, 1, 0, 0) == 0", true},
		{"docker socket", "import os\nos.stat('/var/run/docker.sock')", true},
		{"cloud metadata", "import urllib.request\nurllib.request.urlopen('http://169.254.169.254/', timeout=2)", true},
		{"memory bomb", "x = []\nwhile True:\n    x.append('A' * 1024 * 1024)", true},
		{"fork bomb", "import os\nwhile True:\n    os.fork()", true},
		{"write tmp", "open('/tmp/t.txt', 'w').write('ok')\nprint(open('/tmp/t.txt').read())", false},
		{"benign", "print('hello world')", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := e.RunCode(context.Background(), "python", tt.program)
			if tt.shouldFail {
				ok := out.Kind == OutcomeTimedOut || (out.Kind == OutcomeCompleted && out.ExitCode != 0)
				assert.True(t, ok, "expected the attempt to fail, got %s: %s", out.Kind, out.Text())
				return
			}
			require.Equal(t, OutcomeCompleted, out.Kind, out.Text())
			assert.Zero(t, out.ExitCode, out.Text())
		})
	}
	assertEmptyDir(t, root)
}

func TestDocker_ConcurrentRunsAreIsolated(t *testing.T) {
	e, root := newDockerEngine(t)

	var wg sync.WaitGroup
	outs := make([]Outcome, 2)
	for i := range outs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			outs[i] = e.RunCode(context.Background(), "python", "import os; print(os.uname().nodename)")
		}()
	}
	wg.Wait()

	for _, out := range outs {
		require.Equal(t, OutcomeCompleted, out.Kind, out.Text())
	}
	assert.NotEqual(t, outs[0].ExecID, outs[1].ExecID)
	assert.NotEqual(t, outs[0].Stdout, outs[1].Stdout, "each run gets its own container hostname")
	assertEmptyDir(t, root)
}
