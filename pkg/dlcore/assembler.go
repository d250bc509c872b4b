package dlcore

import (
	"fmt"
	"path/filepath"
	"sync"

	"github.com/spf13/afero"
)

// Assembler serializes positional writes into a single pre-sized partial
// file, fronting it with an afero.Fs so tests can swap in an in-memory
// filesystem the way the wider codebase swaps test doubles for I/O layers.
type Assembler struct {
	fs   afero.Fs
	path string
	file afero.File
	mu   sync.Mutex
}

// NewAssembler opens the partial file at path read-write, creating it and
// its parent directories as needed. An existing partial file from an
// interrupted run is preserved, so fragments already recorded as done in
// the store keep their bytes across a restart. When totalSize is known the
// file's logical length is set to it (best-effort; not all filesystems
// support sparse truncation, and failure here is not fatal).
func NewAssembler(fs afero.Fs, path string, totalSize *int64) (*Assembler, error) {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := fs.MkdirAll(dir, DefaultDirMode); err != nil {
			return nil, fmt.Errorf("create partial file directory: %w", err)
		}
	}

	f, err := fs.OpenFile(path, osO_RDWR_CREATE, DefaultFileMode)
	if err != nil {
		return nil, fmt.Errorf("create partial file: %w", err)
	}

	if totalSize != nil {
		_ = f.Truncate(*totalSize)
	}

	return &Assembler{fs: fs, path: path, file: f}, nil
}

// WriteAt writes b at the given byte offset. Safe for concurrent use; all
// writes are serialized through an internal mutex since fragments share a
// single file handle.
func (a *Assembler) WriteAt(offset int64, b []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	n, err := a.file.WriteAt(b, offset)
	if err != nil {
		return fmt.Errorf("write at offset %d: %w", offset, err)
	}
	if n != len(b) {
		return fmt.Errorf("short write at offset %d: wrote %d of %d bytes", offset, n, len(b))
	}
	return nil
}

// Truncate sets the file's logical length. Used after a whole-file
// (sentinel) download so a shorter body is not left with a stale tail from
// a previous run's partial file.
func (a *Assembler) Truncate(size int64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.file.Truncate(size)
}

// Flush syncs the file to durable storage. Called once at the end of an
// item's fragment dispatch; per-fragment flushing is not required.
func (a *Assembler) Flush() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.file.Sync()
}

// Close releases the underlying file handle.
func (a *Assembler) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.file.Close()
}

// Promote closes the assembler and atomically renames the partial file to
// targetPath, removing any pre-existing file at targetPath first. A
// cross-device rename falls back to copy+delete.
func (a *Assembler) Promote(targetPath string) error {
	if err := a.Close(); err != nil {
		return fmt.Errorf("close partial file: %w", err)
	}

	if exists, _ := afero.Exists(a.fs, targetPath); exists {
		if err := a.fs.Remove(targetPath); err != nil {
			return fmt.Errorf("remove existing target: %w", err)
		}
	}

	if err := a.fs.Rename(a.path, targetPath); err != nil {
		if copyErr := copyThenDelete(a.fs, a.path, targetPath); copyErr != nil {
			return fmt.Errorf("%w: %v (rename also failed: %v)", ErrCrossDeviceMove, copyErr, err)
		}
		return nil
	}
	return nil
}

func copyThenDelete(fs afero.Fs, src, dst string) error {
	in, err := fs.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := fs.OpenFile(dst, osO_RDWR_CREATE_TRUNC, DefaultFileMode)
	if err != nil {
		return err
	}
	if _, err := copyAll(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return fs.Remove(src)
}
