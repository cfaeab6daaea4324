package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// containedPath ensures that the resolved path stays within basePath.
// Returns the safe absolute path or an error if path traversal is detected.
func containedPath(basePath, untrustedPath string) (string, error) {
	absBase, err := filepath.Abs(basePath)
	if err != nil {
		return "", fmt.Errorf("failed to resolve base path: %w", err)
	}
	joined := filepath.Join(absBase, filepath.FromSlash(untrustedPath))
	absJoined, err := filepath.Abs(joined)
	if err != nil {
		return "", fmt.Errorf("failed to resolve path: %w", err)
	}
	if !strings.HasPrefix(absJoined, absBase+string(filepath.Separator)) && absJoined != absBase {
		return "", fmt.Errorf("%w: %q resolves outside base %q", ErrInvalidKey, untrustedPath, absBase)
	}
	return absJoined, nil
}

// LocalProvider stores recordings on a local or mounted filesystem.
type LocalProvider struct {
	BasePath string
}

func NewLocalProvider(basePath string) *LocalProvider {
	return &LocalProvider{
		BasePath: filepath.Clean(basePath),
	}
}

func (p *LocalProvider) Name() string { return "local" }

// Put writes data to a temp file next to the target and renames it into
// place, so readers never observe a partial recording.
func (p *LocalProvider) Put(ctx context.Context, key string, data []byte, _ string) (string, error) {
	if p.BasePath == "" {
		return "", errors.New("local provider base path is required")
	}
	if err := checkKey(key); err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	destPath, err := containedPath(p.BasePath, key)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return "", fmt.Errorf("failed to create artifact directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(destPath), ".partial-*")
	if err != nil {
		return "", fmt.Errorf("failed to create temp file: %w", err)
	}
	_, err = tmp.Write(data)
	closeErr := tmp.Close()
	if err == nil {
		err = closeErr
	}
	if err == nil {
		err = os.Rename(tmp.Name(), destPath)
	}
	if err != nil {
		_ = os.Remove(tmp.Name())
		return "", fmt.Errorf("failed to write artifact: %w", err)
	}
	return destPath, nil
}

// List enumerates files under the given prefix, sorted by key.
func (p *LocalProvider) List(ctx context.Context, prefix string) ([]Object, error) {
	if p.BasePath == "" {
		return nil, errors.New("local provider base path is required")
	}

	root := p.BasePath
	if prefix != "" {
		var containErr error
		root, containErr = containedPath(p.BasePath, prefix)
		if containErr != nil {
			return nil, containErr
		}
	}

	if _, err := os.Stat(root); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []Object{}, nil
		}
		return nil, fmt.Errorf("failed to stat prefix %s: %w", root, err)
	}

	absBase, err := filepath.Abs(p.BasePath)
	if err != nil {
		return nil, err
	}
	results := []Object{}
	walkErr := filepath.WalkDir(root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if entry.IsDir() || strings.HasPrefix(entry.Name(), ".partial-") {
			return nil
		}
		info, err := entry.Info()
		if err != nil {
			return err
		}
		absPath, err := filepath.Abs(path)
		if err != nil {
			return err
		}
		relPath, err := filepath.Rel(absBase, absPath)
		if err != nil {
			return err
		}
		results = append(results, Object{Key: filepath.ToSlash(relPath), Size: info.Size(), Modified: info.ModTime()})
		return nil
	})
	if walkErr != nil {
		return nil, fmt.Errorf("failed to list artifacts: %w", walkErr)
	}
	sort.Slice(results, func(i, j int) bool { return results[i].Key < results[j].Key })
	return results, nil
}

// Delete removes a file and any directories it leaves empty.
func (p *LocalProvider) Delete(ctx context.Context, key string) error {
	if p.BasePath == "" {
		return errors.New("local provider base path is required")
	}
	if err := checkKey(key); err != nil {
		return err
	}

	target, err := containedPath(p.BasePath, key)
	if err != nil {
		return err
	}
	if err := os.Remove(target); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to delete artifact: %w", err)
	}

	p.cleanupEmptyDirs(filepath.Dir(target))
	return nil
}

func (p *LocalProvider) cleanupEmptyDirs(startPath string) {
	base, err := filepath.Abs(p.BasePath)
	if err != nil {
		return
	}
	path := filepath.Clean(startPath)

	for path != base && path != "." && path != string(filepath.Separator) {
		entries, err := os.ReadDir(path)
		if err != nil || len(entries) > 0 {
			return
		}
		if err := os.Remove(path); err != nil {
			return
		}
		path = filepath.Dir(path)
	}
}
