package runtime

import (
	"fmt"
	"sort"
	"strings"
)

// Runtime defines how to execute code for a specific language.
type Runtime interface {
	// Name returns the runtime identifier (e.g., "python").
	Name() string

	// Image returns the container image reference for this runtime.
	Image() string

	// SourceFile returns the fixed file name staged source code is written to.
	SourceFile() string

	// Command returns the command and args that run the staged source file.
	// The path is relative to the working directory inside the container.
	Command(sourceFile string) []string

	// InlineCommand returns the command and args that run program directly
	// as an interpreter argument, without a source file.
	InlineCommand(program string) []string

	// Validate checks if the code is acceptable before execution.
	// This is a best-effort pre-check, not a full parser.
	Validate(code string) error
}

// factories maps a language family to its Runtime constructor. Only families
// listed here can be bound to an image.
var factories = map[string]func(name, image string) Runtime{
	"python":  newPythonRuntime,
	"python3": newPythonRuntime,
}

// Registry maps case-normalized language names to their Runtime
// implementations. It is built once and never mutated afterwards.
type Registry struct {
	runtimes map[string]Runtime
}

// NewRegistry builds a registry from a language -> image table.
func NewRegistry(images map[string]string) (*Registry, error) {
	r := &Registry{
		runtimes: make(map[string]Runtime, len(images)),
	}
	for lang, image := range images {
		name := normalize(lang)
		factory, ok := factories[name]
		if !ok {
			return nil, fmt.Errorf("no runtime definition for language %q", lang)
		}
		if strings.TrimSpace(image) == "" {
			return nil, fmt.Errorf("empty image for language %q", lang)
		}
		r.runtimes[name] = factory(name, image)
	}
	return r, nil
}

// DefaultImages is the image table used when configuration sets none.
func DefaultImages() map[string]string {
	return map[string]string{
		"python": "docker.io/library/python:3.12-alpine",
	}
}

// Resolve returns the runtime for the given language. Lookups are
// case-insensitive.
func (r *Registry) Resolve(language string) (Runtime, bool) {
	rt, ok := r.runtimes[normalize(language)]
	return rt, ok
}

// Get is like Resolve but reports a descriptive error for unknown languages.
func (r *Registry) Get(language string) (Runtime, error) {
	rt, ok := r.Resolve(language)
	if !ok {
		return nil, fmt.Errorf("unsupported language: %q (supported: %s)", language, strings.Join(r.Languages(), ", "))
	}
	return rt, nil
}

// Languages returns all registered language names, sorted.
func (r *Registry) Languages() []string {
	langs := make([]string, 0, len(r.runtimes))
	for name := range r.runtimes {
		langs = append(langs, name)
	}
	sort.Strings(langs)
	return langs
}

// Images returns the distinct container images needed by registered runtimes.
func (r *Registry) Images() []string {
	seen := make(map[string]struct{}, len(r.runtimes))
	images := make([]string, 0, len(r.runtimes))
	for _, rt := range r.runtimes {
		if _, ok := seen[rt.Image()]; ok {
			continue
		}
		seen[rt.Image()] = struct{}{}
		images = append(images, rt.Image())
	}
	sort.Strings(images)
	return images
}

func normalize(language string) string {
	return strings.ToLower(strings.TrimSpace(language))
}
