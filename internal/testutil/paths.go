// Package testutil holds fixtures shared by the package tests and the
// integration suite: a content pack server, tree helpers and module root
// discovery.
package testutil

import (
	"errors"
	"os"
	"path/filepath"
	"runtime"
)

// FindProjectRoot returns the directory of the patchsync module, found by
// walking up from the caller's source file until a go.mod appears. The
// integration harness builds cmd/patchsync from there.
func FindProjectRoot() (string, error) {
	_, filename, _, ok := runtime.Caller(1)
	if !ok {
		return "", errors.New("failed to get caller information")
	}

	for dir := filepath.Dir(filename); ; {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", errors.New("go.mod not found in any parent directory")
		}
		dir = parent
	}
}
