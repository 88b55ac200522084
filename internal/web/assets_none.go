//go:build !embed

package web

import (
	"io/fs"
	"os"
	"path/filepath"
)

// Assets falls back to a dist directory on disk during development.
var Assets fs.FS = diskAssets()

func diskAssets() fs.FS {
	root, err := findModuleRoot()
	if err != nil {
		return nil
	}

	distDir := filepath.Join(root, "internal", "web", "dist")
	if _, err := os.Stat(filepath.Join(distDir, "index.html")); err != nil {
		return nil
	}

	return os.DirFS(distDir)
}

func findModuleRoot() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", err
	}

	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", os.ErrNotExist
		}
		dir = parent
	}
}
