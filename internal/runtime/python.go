package runtime

import (
	"fmt"
	"strings"
)

// MaxCodeBytes is the largest accepted source payload.
const MaxCodeBytes = 1 << 20

// PythonRuntime configures execution of Python code.
type PythonRuntime struct {
	name  string
	image string
}

func newPythonRuntime(name, image string) Runtime {
	return &PythonRuntime{name: name, image: image}
}

func (p *PythonRuntime) Name() string { return p.name }

func (p *PythonRuntime) Image() string { return p.image }

func (p *PythonRuntime) SourceFile() string { return "solution.py" }

func (p *PythonRuntime) Command(sourceFile string) []string {
	return []string{
		"python", "-u", // Unbuffered output
		"-B", // Don't write .pyc files
		sourceFile,
	}
}

func (p *PythonRuntime) InlineCommand(program string) []string {
	return []string{"python", "-u", "-B", "-c", program}
}

func (p *PythonRuntime) Validate(code string) error {
	if strings.TrimSpace(code) == "" {
		return fmt.Errorf("empty code")
	}
	if len(code) > MaxCodeBytes {
		return fmt.Errorf("code too large: %d bytes (max 1MB)", len(code))
	}
	return nil
}
