package support

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
)

// WriteStaged writes the bytes produced by write() to "<path>.tmp", fsyncs,
// and only then renames it to path. On any failure the ".tmp" file is left
// on disk for inspection instead of being cleaned up — §7's "partially
// written files are left on disk for inspection, never silently replaced",
// generalized from the teacher's direct-write checkpoint files
// (internal/memorystore/checkpoint.go's toCheckpoint) into a stage-then-
// rename so a half-written sink output is never mistaken for a finished one.
func WriteStaged(path string, write func(w *bufio.Writer) error) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating output directory %s: %w", dir, err)
	}

	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("opening staged file %s: %w", tmp, err)
	}

	bw := bufio.NewWriter(f)
	if err := write(bw); err != nil {
		f.Close()
		return fmt.Errorf("writing %s: %w", tmp, err)
	}
	if err := bw.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("flushing %s: %w", tmp, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("syncing %s: %w", tmp, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("closing %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("renaming %s to %s: %w", tmp, path, err)
	}
	return nil
}
