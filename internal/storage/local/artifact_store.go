// Package local keeps downloaded artifacts on the local filesystem.
package local

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/contract-harvester/internal/harvest"
	"github.com/JakeFAU/contract-harvester/internal/hash/sha256"
)

// Mirror copies an artifact somewhere durable and returns its URI.
type Mirror interface {
	PutObject(ctx context.Context, path, contentType string, r io.Reader) (string, error)
}

// Config captures the parameters for the artifact directory.
type Config struct {
	// BaseDir is the directory artifacts are moved into.
	BaseDir string
	// Prefix is prepended to mirrored object names.
	Prefix      string
	ContentType string
}

// ArtifactStore names artifacts by bid number under BaseDir and, when a
// mirror is configured, uploads them and reports the mirrored URI instead.
type ArtifactStore struct {
	cfg    Config
	mirror Mirror
	logger *zap.Logger
}

// New creates the artifact directory if needed and checks it is writable.
func New(cfg Config, mirror Mirror, logger *zap.Logger) (*ArtifactStore, error) {
	if strings.TrimSpace(cfg.BaseDir) == "" {
		return nil, fmt.Errorf("base directory is required")
	}
	info, err := os.Stat(cfg.BaseDir)
	switch {
	case errors.Is(err, os.ErrNotExist):
		if mkErr := os.MkdirAll(cfg.BaseDir, 0o750); mkErr != nil {
			return nil, fmt.Errorf("create base directory: %w", mkErr)
		}
	case err != nil:
		return nil, fmt.Errorf("stat base directory: %w", err)
	case !info.IsDir():
		return nil, fmt.Errorf("base directory path is not a directory")
	}

	probe := filepath.Join(cfg.BaseDir, ".writable_test")
	if err := os.WriteFile(probe, []byte("test"), 0o600); err != nil {
		return nil, fmt.Errorf("base directory is not writable: %w", err)
	}
	if err := os.Remove(probe); err != nil {
		return nil, fmt.Errorf("clean up probe file: %w", err)
	}
	if cfg.ContentType == "" {
		cfg.ContentType = "application/pdf"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ArtifactStore{cfg: cfg, mirror: mirror, logger: logger}, nil
}

var _ harvest.ArtifactStore = (*ArtifactStore)(nil)

// LocalPath is where the artifact for bidNo lives on disk.
func (s *ArtifactStore) LocalPath(bidNo string) string {
	return filepath.Join(s.cfg.BaseDir, harvest.SanitizeFileStem(bidNo)+".pdf")
}

// ErrEmptyArtifact marks a download that finished with no content.
var ErrEmptyArtifact = fmt.Errorf("empty artifact: %w", harvest.ErrNetwork)

// Save moves tmpPath into place for bidNo and returns the artifact link.
// A zero-byte download is discarded and reported as ErrEmptyArtifact.
func (s *ArtifactStore) Save(ctx context.Context, bidNo, tmpPath string) (string, error) {
	digest, err := sha256.File(tmpPath)
	if err != nil {
		return "", fmt.Errorf("store artifact %s: %w", bidNo, err)
	}
	if digest.Size == 0 {
		_ = os.Remove(tmpPath)
		return "", fmt.Errorf("store artifact %s: %w", bidNo, ErrEmptyArtifact)
	}
	dest := s.LocalPath(bidNo)
	if err := moveFile(tmpPath, dest); err != nil {
		return "", fmt.Errorf("store artifact %s: %w", bidNo, err)
	}
	s.logger.Debug("artifact stored",
		zap.String("bid_no", bidNo),
		zap.String("sha256", digest.Sum),
		zap.Int64("bytes", digest.Size),
	)
	if s.mirror == nil {
		return dest, nil
	}

	f, err := os.Open(dest)
	if err != nil {
		return "", fmt.Errorf("open artifact %s: %w", bidNo, err)
	}
	defer f.Close() //nolint:errcheck // read-only handle

	object := path.Join(s.cfg.Prefix, filepath.Base(dest))
	uri, err := s.mirror.PutObject(ctx, object, s.cfg.ContentType, f)
	if err != nil {
		return "", fmt.Errorf("mirror artifact %s: %w: %w", bidNo, harvest.ErrNetwork, err)
	}
	s.logger.Debug("artifact mirrored", zap.String("bid_no", bidNo), zap.String("uri", uri))
	return uri, nil
}

// moveFile renames src to dst, copying when they sit on different devices.
func moveFile(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open download: %w", err)
	}
	defer in.Close() //nolint:errcheck // removed below

	tmp := dst + ".part"
	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("create artifact: %w", err)
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("copy artifact: %w", err)
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("close artifact: %w", err)
	}
	if err := os.Rename(tmp, dst); err != nil {
		return fmt.Errorf("finalize artifact: %w", err)
	}
	return os.Remove(src)
}
