// Package commit moves verified downloads into the target tree and removes
// stale files. The target tree is only ever written here.
package commit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/util"

	"github.com/schaermu/patchsync/internal/manifest"
	"github.com/schaermu/patchsync/internal/patcherr"
)

// Staged is verified content waiting to be placed at Op.Path.
type Staged struct {
	Op          manifest.ChangeOp
	StagingPath string
}

// Failure records an entry that did not reach the target tree.
type Failure struct {
	Op  manifest.ChangeOp
	Err error
	// Attempted is false when the entry was skipped because the commit was
	// cancelled before reaching it.
	Attempted bool
}

// Result lists what a commit did.
type Result struct {
	Applied []manifest.ChangeOp
	Failed  []Failure
}

// Applier commits into a root directory of a filesystem.
type Applier struct {
	fs     billy.Filesystem
	root   string
	logger *slog.Logger
}

// New creates an applier for root inside fsys ("" is the filesystem root).
func New(fsys billy.Filesystem, root string, logger *slog.Logger) *Applier {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Applier{fs: fsys, root: root, logger: logger}
}

// Commit applies deletes in the order given, then places every staged file.
// A failing entry is recorded and its siblings still commit. Cancellation
// stops the commit between entries; entries already applied stay applied.
func (a *Applier) Commit(ctx context.Context, deletes []manifest.ChangeOp, staged []Staged) *Result {
	res := &Result{}

	for i, op := range deletes {
		if err := ctx.Err(); err != nil {
			res.skip(deletes[i:], nil, err)
			res.skip(nil, staged, err)
			return res
		}
		if err := a.remove(op.Path); err != nil {
			a.logger.Warn("failed to delete", "path", op.Path, "error", err)
			res.Failed = append(res.Failed, Failure{Op: op, Err: err, Attempted: true})
			continue
		}
		a.logger.Debug("deleted", "path", op.Path)
		res.Applied = append(res.Applied, op)
	}

	for i, s := range staged {
		if err := ctx.Err(); err != nil {
			res.skip(nil, staged[i:], err)
			return res
		}
		if err := a.place(s); err != nil {
			a.logger.Warn("failed to place file", "path", s.Op.Path, "error", err)
			res.Failed = append(res.Failed, Failure{Op: s.Op, Err: err, Attempted: true})
			continue
		}
		a.logger.Debug("placed", "path", s.Op.Path)
		res.Applied = append(res.Applied, s.Op)
	}

	return res
}

func (r *Result) skip(ops []manifest.ChangeOp, staged []Staged, err error) {
	for _, op := range ops {
		r.Failed = append(r.Failed, Failure{Op: op, Err: err})
	}
	for _, s := range staged {
		r.Failed = append(r.Failed, Failure{Op: s.Op, Err: err})
	}
}

// remove deletes one file and prunes the directories it leaves empty. A
// file that is already gone is not an error.
func (a *Applier) remove(rel string) error {
	target := a.abs(rel)
	if _, err := a.fs.Lstat(target); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return patcherr.Commit("stat", rel, err)
	}
	if err := a.fs.Remove(target); err != nil && !errors.Is(err, os.ErrNotExist) {
		return patcherr.Commit("delete", rel, err)
	}
	a.prune(manifest.Parent(rel))
	return nil
}

// prune removes empty directories from dir upward, stopping below the root.
func (a *Applier) prune(dir string) {
	for dir != "" {
		entries, err := a.fs.ReadDir(a.abs(dir))
		if err != nil || len(entries) > 0 {
			return
		}
		if err := a.fs.Remove(a.abs(dir)); err != nil {
			a.logger.Debug("failed to prune directory", "dir", dir, "error", err)
			return
		}
		dir = manifest.Parent(dir)
	}
}

func (a *Applier) place(s Staged) error {
	rel := s.Op.Path
	target := a.abs(rel)

	if parent := manifest.Parent(rel); parent != "" {
		if err := a.fs.MkdirAll(a.abs(parent), 0o755); err != nil {
			return patcherr.Commit("mkdir", rel, err)
		}
	}
	if info, err := a.fs.Lstat(target); err == nil && info.IsDir() {
		return patcherr.Commit("rename", rel, fmt.Errorf("a directory is in the way"))
	}
	if err := a.fs.Rename(s.StagingPath, target); err != nil {
		return patcherr.Commit("rename", rel, err)
	}

	if mode := s.Op.Remote.Mode; mode != 0 {
		if ch, ok := a.fs.(billy.Change); ok {
			if err := ch.Chmod(target, mode); err != nil {
				return patcherr.Commit("chmod", rel, err)
			}
		}
	}
	return nil
}

// Purge removes a staging directory and everything left in it.
func (a *Applier) Purge(stagingDir string) error {
	if err := util.RemoveAll(a.fs, stagingDir); err != nil {
		return patcherr.IO("purge", stagingDir, err)
	}
	return nil
}

func (a *Applier) abs(rel string) string {
	if a.root == "" {
		return rel
	}
	return a.fs.Join(a.root, rel)
}
