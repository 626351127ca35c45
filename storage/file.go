package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// FileArchive implements an archive backend using a local directory.
type FileArchive struct {
	baseDir     string
	log         *slog.Logger
	locationURI string
}

// NewFileArchive creates the directory if needed.
func NewFileArchive(baseDir string, log *slog.Logger) (*FileArchive, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}

	return &FileArchive{
		baseDir:     baseDir,
		log:         log,
		locationURI: fmt.Sprintf("file://%s", baseDir),
	}, nil
}

// Fetch reads the object stored under key.
func (b *FileArchive) Fetch(ctx context.Context, key string) ([]byte, error) {
	filePath, err := b.getFilePath(key)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(filePath)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrContentNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	b.log.Debug("Fetched archived record from file",
		slog.String("path", filePath),
		slog.Int("size", len(data)))

	return data, nil
}

// Store writes data under key, replacing any previous object.
func (b *FileArchive) Store(ctx context.Context, key string, data []byte) error {
	filePath, err := b.getFilePath(key)
	if err != nil {
		return err
	}

	if err := writeFileAtomic(filePath, data, 0o600); err != nil {
		return err
	}

	b.log.Debug("Stored archived record in file",
		slog.String("path", filePath),
		slog.Int("size", len(data)))

	return nil
}

// Available checks the base directory still exists.
func (b *FileArchive) Available(ctx context.Context) bool {
	_, err := os.Stat(b.baseDir)
	if err != nil {
		b.log.Debug("File archive unavailable", "err", err)
		return false
	}
	return true
}

func (b *FileArchive) Name() string {
	return fmt.Sprintf("file-%s", filepath.Base(b.baseDir))
}

func (b *FileArchive) LocationURI() string {
	return b.locationURI
}

func (b *FileArchive) getFilePath(key string) (string, error) {
	clean := filepath.Clean("/" + key)
	if clean == "/" || strings.Contains(key, "..") {
		return "", fmt.Errorf("invalid archive key %q", key)
	}
	return filepath.Join(b.baseDir, clean), nil
}
