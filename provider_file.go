package plansync

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// FileProviderConfig configures the local filesystem provider.
type FileProviderConfig struct {
	// Dir is the directory holding one blob file per user.
	Dir string `json:"dir" yaml:"dir"`

	// Priority orders this back-end in the fallback chain; lower is tried
	// first. Default: 30
	Priority int `json:"priority,omitempty" yaml:"priority,omitempty"`
}

// FileProvider stores snapshot blobs as files under a base directory, one
// file per user identity.
type FileProvider struct {
	baseDir string
	codec   *SnapshotCodec
}

// NewFileProvider creates a file-based provider. The directory is created on
// demand during Probe, not here, so constructing a descriptor stays cheap.
func NewFileProvider(cfg FileProviderConfig, codec *SnapshotCodec) (*FileProvider, error) {
	if cfg.Dir == "" {
		return nil, errors.New("file provider: dir is required")
	}
	absDir, err := filepath.Abs(cfg.Dir)
	if err != nil {
		return nil, fmt.Errorf("file provider: resolve dir: %w", err)
	}
	if codec == nil {
		codec = NewSnapshotCodec(true, nil)
	}
	return &FileProvider{baseDir: filepath.Clean(absDir), codec: codec}, nil
}

func (f *FileProvider) Name() string { return "file" }

func (f *FileProvider) Probe(ctx context.Context) error {
	if err := os.MkdirAll(f.baseDir, 0o755); err != nil {
		return fmt.Errorf("file provider probe: %w", err)
	}
	// Overwrites the same placeholder on every probe.
	return f.Save(ctx, probeKey, Snapshot{})
}

func (f *FileProvider) Save(ctx context.Context, userID string, snap Snapshot) error {
	path, err := f.safePath(userID)
	if err != nil {
		return err
	}
	data, err := f.codec.Encode(snap)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	// Write-then-rename so a crash mid-write never leaves a torn blob.
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func (f *FileProvider) Load(ctx context.Context, userID string) (Snapshot, error) {
	path, err := f.safePath(userID)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrSnapshotNotFound
		}
		return nil, err
	}
	return f.codec.Decode(data)
}

func (f *FileProvider) Close() error { return nil }

// safePath validates that the user id resolves inside the base directory,
// rejecting path traversal through crafted identities.
func (f *FileProvider) safePath(userID string) (string, error) {
	cleaned := filepath.Clean(userID)
	resolved := filepath.Clean(filepath.Join(f.baseDir, cleaned+".snapshot"))
	if resolved != f.baseDir && !strings.HasPrefix(resolved, f.baseDir+string(os.PathSeparator)) {
		return "", errors.New("invalid user id: path traversal attempt detected")
	}
	return resolved, nil
}

var _ Provider = (*FileProvider)(nil)
