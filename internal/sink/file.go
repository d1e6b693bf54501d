package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/skypro1111/pcm-recorder/internal/recordings"
	"github.com/skypro1111/pcm-recorder/internal/session"
)

// FileSink writes each recording and a JSON metadata sidecar to a directory.
// Files are written under a temporary name and renamed, so a reader never
// sees a partial WAV.
type FileSink struct {
	dir string
}

// NewFileSink creates the directory if needed
func NewFileSink(dir string) (*FileSink, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create recordings directory: %w", err)
	}
	return &FileSink{dir: dir}, nil
}

// Name implements Sink
func (f *FileSink) Name() string { return "file" }

// Dir returns the output directory
func (f *FileSink) Dir() string { return f.dir }

// Deliver implements Sink
func (f *FileSink) Deliver(ctx context.Context, res *session.Result) error {
	if err := checkResult(res); err != nil {
		return err
	}

	name := ObjectName(res)
	wavPath := filepath.Join(f.dir, name)

	if err := writeAtomic(wavPath, func(file *os.File) error {
		_, err := res.Wave.WriteTo(file)
		return err
	}); err != nil {
		return err
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	meta, err := json.MarshalIndent(recordings.MetaFromResult(res), "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode metadata: %w", err)
	}
	metaPath := strings.TrimSuffix(wavPath, ".wav") + ".json"
	return writeAtomic(metaPath, func(file *os.File) error {
		_, err := file.Write(meta)
		return err
	})
}

func writeAtomic(path string, write func(*os.File) error) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if err := write(tmp); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write %s: %w", filepath.Base(path), err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to sync %s: %w", filepath.Base(path), err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close %s: %w", filepath.Base(path), err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to rename %s: %w", filepath.Base(path), err)
	}
	return nil
}
