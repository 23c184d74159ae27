// Package scan builds a fingerprinted snapshot of a local directory tree.
package scan

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"sort"

	"github.com/go-git/go-billy/v5"

	"github.com/schaermu/patchsync/internal/fingerprint"
	"github.com/schaermu/patchsync/internal/ignore"
	"github.com/schaermu/patchsync/internal/manifest"
	"github.com/schaermu/patchsync/internal/patcherr"
)

// Scanner walks a filesystem and hashes every regular file.
type Scanner struct {
	fs     billy.Filesystem
	alg    fingerprint.Algorithm
	rules  *ignore.Matcher
	logger *slog.Logger
}

// New creates a scanner over fsys. rules may be nil.
func New(fsys billy.Filesystem, alg fingerprint.Algorithm, rules *ignore.Matcher, logger *slog.Logger) *Scanner {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Scanner{fs: fsys, alg: alg, rules: rules, logger: logger}
}

// Scan walks root (a directory inside the scanner's filesystem, "" for its
// root) and returns a snapshot keyed by paths relative to root. Symbolic
// links, special files and ignored paths are skipped. File content is
// streamed through the hash function, never loaded whole.
func (s *Scanner) Scan(ctx context.Context, root string) (*manifest.Snapshot, error) {
	info, err := s.fs.Lstat(s.abs(root, ""))
	if err != nil {
		return nil, patcherr.IO("scan", root, err)
	}
	if !info.IsDir() {
		return nil, patcherr.IO("scan", root, fmt.Errorf("not a directory"))
	}

	snap := manifest.NewSnapshot(s.alg)
	if err := s.walk(ctx, root, "", snap); err != nil {
		return nil, err
	}
	return snap, nil
}

func (s *Scanner) walk(ctx context.Context, root, rel string, snap *manifest.Snapshot) error {
	entries, err := s.fs.ReadDir(s.abs(root, rel))
	if err != nil {
		return patcherr.IO("readdir", rel, err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}

		child := entry.Name()
		if rel != "" {
			child = rel + "/" + entry.Name()
		}
		if err := manifest.ValidatePath(child); err != nil {
			s.logger.Warn("skipping entry with unsupported name", "path", child, "error", err)
			continue
		}

		mode := entry.Mode()
		switch {
		case mode&fs.ModeSymlink != 0:
			s.logger.Debug("skipping symlink", "path", child)
		case mode.IsDir():
			if s.rules.MatchDir(child) {
				continue
			}
			if err := s.walk(ctx, root, child, snap); err != nil {
				return err
			}
		case mode.IsRegular():
			if s.rules.Match(child) {
				continue
			}
			fp, err := s.hashFile(root, child, entry)
			if err != nil {
				return err
			}
			if err := snap.Add(fp); err != nil {
				return patcherr.IO("scan", child, err)
			}
		default:
			s.logger.Debug("skipping special file", "path", child, "mode", mode.String())
		}
	}
	return nil
}

func (s *Scanner) hashFile(root, rel string, info fs.FileInfo) (manifest.Fingerprint, error) {
	f, err := s.fs.Open(s.abs(root, rel))
	if err != nil {
		return manifest.Fingerprint{}, patcherr.IO("open", rel, err)
	}
	defer func() {
		_ = f.Close()
	}()

	sum, n, err := s.alg.Sum(f)
	if err != nil {
		return manifest.Fingerprint{}, patcherr.IO("read", rel, err)
	}
	if int64(n) != info.Size() {
		return manifest.Fingerprint{}, patcherr.IO("read", rel,
			fmt.Errorf("file changed during scan: stat says %d bytes, read %d", info.Size(), n))
	}

	return manifest.Fingerprint{
		Path: rel,
		Size: uint64(info.Size()),
		Hash: sum,
		Mode: info.Mode().Perm(),
	}, nil
}

func (s *Scanner) abs(root, rel string) string {
	switch {
	case root == "" && rel == "":
		return "."
	case root == "":
		return rel
	case rel == "":
		return root
	default:
		return s.fs.Join(root, rel)
	}
}
