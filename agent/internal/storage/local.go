package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// LocalAdapter lists files on the agent's own filesystem. Every location
// must resolve to a directory under one of the agent's authorized roots;
// anything else is rejected before touching the disk.
type LocalAdapter struct {
	roots []string
}

// NewLocal returns a LocalAdapter restricted to the given authorized roots.
// Roots are cleaned but not required to exist — a root on an unmounted
// volume simply makes its collections unreachable until mounted.
func NewLocal(authorizedRoots []string) *LocalAdapter {
	roots := make([]string, 0, len(authorizedRoots))
	for _, r := range authorizedRoots {
		roots = append(roots, filepath.Clean(r))
	}
	return &LocalAdapter{roots: roots}
}

// ListFiles implements Adapter.
func (a *LocalAdapter) ListFiles(ctx context.Context, location string) ([]string, error) {
	infos, err := a.ListFilesWithMetadata(ctx, location)
	if err != nil {
		return nil, err
	}
	paths := make([]string, len(infos))
	for i, fi := range infos {
		paths[i] = fi.Path
	}
	return paths, nil
}

// ListFilesWithMetadata implements Adapter. Paths are returned relative to
// location with forward slashes regardless of platform, so input-state
// hashes agree across operating systems.
func (a *LocalAdapter) ListFilesWithMetadata(ctx context.Context, location string) ([]FileInfo, error) {
	root, err := a.resolve(location)
	if err != nil {
		return nil, err
	}

	var files []FileInfo
	walkErr := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			if errors.Is(err, fs.ErrPermission) {
				return newError(KindPermissionDenied, "local: walk "+path, err)
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			// File disappeared between readdir and stat — skip it.
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		files = append(files, FileInfo{
			Path:    filepath.ToSlash(rel),
			Size:    info.Size(),
			ModTime: info.ModTime(),
		})
		return nil
	})
	if walkErr != nil {
		var se *Error
		if errors.As(walkErr, &se) {
			return nil, walkErr
		}
		return nil, newError(KindConnectionFailure, "local: walk", walkErr)
	}
	return files, nil
}

// TestConnection implements Adapter. For the local adapter this verifies the
// authorized roots exist and are readable.
func (a *LocalAdapter) TestConnection(ctx context.Context) (bool, string) {
	if len(a.roots) == 0 {
		return false, "no authorized roots configured"
	}
	for _, root := range a.roots {
		info, err := os.Stat(root)
		if err != nil {
			return false, fmt.Sprintf("authorized root %s: %v", root, err)
		}
		if !info.IsDir() {
			return false, fmt.Sprintf("authorized root %s is not a directory", root)
		}
	}
	return true, fmt.Sprintf("%d authorized root(s) accessible", len(a.roots))
}

// resolve validates location against the authorized roots and returns the
// cleaned absolute path. Errors distinguish not-found, permission-denied,
// file-not-directory and not-under-authorized-root.
func (a *LocalAdapter) resolve(location string) (string, error) {
	if location == "" || !filepath.IsAbs(location) {
		return "", newError(KindInvalidLocation, "local: resolve "+location,
			errors.New("location must be an absolute path"))
	}
	clean := filepath.Clean(location)

	if !a.underAuthorizedRoot(clean) {
		return "", newError(KindInvalidLocation, "local: resolve "+clean,
			errors.New("path is not under an authorized root"))
	}

	info, err := os.Stat(clean)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", newError(KindNotFound, "local: resolve "+clean, err)
		}
		if errors.Is(err, fs.ErrPermission) {
			return "", newError(KindPermissionDenied, "local: resolve "+clean, err)
		}
		return "", newError(KindConnectionFailure, "local: resolve "+clean, err)
	}
	if !info.IsDir() {
		return "", newError(KindInvalidLocation, "local: resolve "+clean,
			errors.New("location is a file, not a directory"))
	}
	return clean, nil
}

// underAuthorizedRoot reports whether path equals or descends from one of
// the authorized roots. Comparison is purely lexical on cleaned paths.
func (a *LocalAdapter) underAuthorizedRoot(path string) bool {
	for _, root := range a.roots {
		if path == root {
			return true
		}
		if strings.HasPrefix(path, root+string(filepath.Separator)) {
			return true
		}
	}
	return false
}
