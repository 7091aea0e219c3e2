package remote

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
)

// WalkFunc is called for every file below the walked folder.
type WalkFunc func(e Entry) error

// Walk visits every file below dir, depth first, in listing order.
func Walk(ctx context.Context, s Store, dir string, fn WalkFunc) error {
	entries, err := s.List(ctx, dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		if e.Kind == KindFolder {
			if err := Walk(ctx, s, e.Path, fn); err != nil {
				return err
			}
			continue
		}
		if err := fn(e); err != nil {
			return err
		}
	}
	return nil
}

// Mirror copies the remote folder tree rooted at remoteDir into localDir and returns
// the number of files written. Every file is downloaded to a temp file and renamed so
// an interrupted mirror never leaves a truncated asset behind.
func Mirror(ctx context.Context, s Store, remoteDir, localDir string, logger *slog.Logger) (int, error) {
	if logger == nil {
		logger = slog.Default()
	}
	remoteDir = Clean(remoteDir)
	if err := os.MkdirAll(localDir, fs.ModePerm); err != nil {
		return 0, fmt.Errorf("mkdir assets dir: %w", err)
	}

	n := 0
	err := Walk(ctx, s, remoteDir, func(e Entry) error {
		rel, err := filepath.Rel(filepath.FromSlash(remoteDir), filepath.FromSlash(e.Path))
		if err != nil {
			return fmt.Errorf("relative path for %s: %w", e.Path, err)
		}
		local := filepath.Join(localDir, rel)
		logger.Info("downloading asset", "stage", "assets", "remote", e.Path, "local", local, "size", e.Size)
		if err := download(ctx, s, e.Path, local); err != nil {
			return err
		}
		n++
		return nil
	})
	if err != nil {
		return n, fmt.Errorf("mirror %s: %w", remoteDir, err)
	}
	return n, nil
}

func download(ctx context.Context, s Store, remotePath, local string) error {
	if err := os.MkdirAll(filepath.Dir(local), fs.ModePerm); err != nil {
		return fmt.Errorf("mkdir %s: %w", filepath.Dir(local), err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(local), "."+filepath.Base(local)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := s.Download(ctx, remotePath, tmp); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), local); err != nil {
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}
