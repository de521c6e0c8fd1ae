package sandbox

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
)

// StagingArea is a private host directory holding the files of one
// execution. It is mounted into the container at /workspace.
type StagingArea struct {
	Dir       string
	InputName string

	once       sync.Once
	releaseErr error
}

// ProvisionStagingArea creates a fresh directory under root, writes code to
// sourceName (skipped when sourceName is empty) and copies inputPath into it
// under its base name. Nothing is left on disk when it fails.
func ProvisionStagingArea(root, sourceName, code, inputPath string) (area *StagingArea, err error) {
	if root == "" {
		root = os.TempDir()
	}
	dir, err := os.MkdirTemp(root, "sandbox-*")
	if err != nil {
		return nil, fmt.Errorf("%w: creating directory: %w", ErrStaging, err)
	}

	// Error returns below nil out area, so roll back by directory.
	defer func() {
		if err != nil {
			_ = os.RemoveAll(dir)
		}
	}()
	area = &StagingArea{Dir: dir}

	if sourceName != "" {
		if err := os.WriteFile(filepath.Join(dir, sourceName), []byte(code), 0600); err != nil {
			return nil, fmt.Errorf("%w: writing %s: %w", ErrStaging, sourceName, err)
		}
	}

	if inputPath != "" {
		name, err := InputName(inputPath, sourceName)
		if err != nil {
			return nil, err
		}
		if err := copyInput(inputPath, filepath.Join(dir, name)); err != nil {
			return nil, err
		}
		area.InputName = name
	}

	return area, nil
}

// Path returns the host path of a file inside the area.
func (a *StagingArea) Path(name string) string {
	return filepath.Join(a.Dir, name)
}

// Release removes the directory and everything in it. Safe to call more than
// once; later calls return the first result.
func (a *StagingArea) Release() error {
	if a == nil {
		return nil
	}
	a.once.Do(func() {
		if err := os.RemoveAll(a.Dir); err != nil {
			a.releaseErr = fmt.Errorf("%w: removing %s: %w", ErrStaging, a.Dir, err)
		}
	})
	return a.releaseErr
}

// InputName returns the name an auxiliary input file gets inside the staging
// area. Only the base name of the host path is kept.
func InputName(inputPath, sourceName string) (string, error) {
	name := filepath.Base(filepath.Clean(inputPath))
	if name == "." || name == ".." || name == string(filepath.Separator) {
		return "", fmt.Errorf("%w: input path %q does not name a file", ErrInvalidRequest, inputPath)
	}
	if sourceName != "" && name == sourceName {
		return "", fmt.Errorf("%w: input file name %q collides with the solution file", ErrInvalidRequest, name)
	}
	return name, nil
}

// CheckInput verifies that inputPath is an existing, readable regular file.
func CheckInput(inputPath string) error {
	f, err := os.Open(filepath.Clean(inputPath))
	if err != nil {
		return fmt.Errorf("%w: input file: %w", ErrInvalidRequest, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("%w: input file: %w", ErrInvalidRequest, err)
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("%w: input path %q is not a regular file", ErrInvalidRequest, inputPath)
	}
	return nil
}

func copyInput(src, dst string) error {
	if err := CheckInput(src); err != nil {
		return err
	}

	in, err := os.Open(filepath.Clean(src)) // #nosec G304 -- caller-provided input file, copied not executed
	if err != nil {
		return fmt.Errorf("%w: input file: %w", ErrInvalidRequest, err)
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return fmt.Errorf("%w: creating %s: %w", ErrStaging, filepath.Base(dst), err)
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return fmt.Errorf("%w: copying input: %w", ErrStaging, err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("%w: closing %s: %w", ErrStaging, filepath.Base(dst), err)
	}
	return nil
}
