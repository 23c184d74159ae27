// Package reconcile computes the change plan that turns a local tree into
// the remote one. It performs no I/O.
package reconcile

import (
	"fmt"
	"sort"

	"github.com/schaermu/patchsync/internal/ignore"
	"github.com/schaermu/patchsync/internal/manifest"
)

// Options tune a reconciliation pass.
type Options struct {
	// Ignore excludes paths from consideration entirely: they are never
	// added, replaced or deleted.
	Ignore *ignore.Matcher
	// Force turns matching Skip ops into forced Replace ops.
	Force *ignore.Matcher
	// ForceAll forces every path present on both sides.
	ForceAll bool
}

// Reconcile compares remote against local and returns an ordered plan with
// exactly one op per non-ignored path in the union of both snapshots.
//
// Ordering: Delete ops first, deepest path first and then lexicographically,
// so files go before the directories they leave empty; then Add and Replace
// ops; then Skip ops. Both latter groups are sorted by path, so the same
// inputs always produce the same plan.
func Reconcile(remote, local *manifest.Snapshot, opts Options) (*manifest.Plan, error) {
	if remote.Algorithm != local.Algorithm {
		return nil, fmt.Errorf("cannot compare snapshots hashed with %s and %s", remote.Algorithm, local.Algorithm)
	}

	var deletes, transfers, skips []manifest.ChangeOp

	for path, want := range remote.Files {
		if opts.Ignore.Match(path) {
			continue
		}
		want := want
		have, exists := local.Files[path]
		switch {
		case !exists:
			transfers = append(transfers, manifest.ChangeOp{Kind: manifest.OpAdd, Path: path, Remote: &want})
		case !have.Matches(want):
			transfers = append(transfers, manifest.ChangeOp{Kind: manifest.OpReplace, Path: path, Remote: &want})
		case opts.ForceAll || opts.Force.Match(path):
			transfers = append(transfers, manifest.ChangeOp{Kind: manifest.OpReplace, Path: path, Remote: &want, Forced: true})
		default:
			skips = append(skips, manifest.ChangeOp{Kind: manifest.OpSkip, Path: path, Remote: &want})
		}
	}

	for path := range local.Files {
		if opts.Ignore.Match(path) {
			continue
		}
		if _, exists := remote.Files[path]; !exists {
			deletes = append(deletes, manifest.ChangeOp{Kind: manifest.OpDelete, Path: path})
		}
	}

	sort.Slice(deletes, func(i, j int) bool {
		di, dj := manifest.Depth(deletes[i].Path), manifest.Depth(deletes[j].Path)
		if di != dj {
			return di > dj
		}
		return deletes[i].Path < deletes[j].Path
	})
	byPath := func(ops []manifest.ChangeOp) {
		sort.Slice(ops, func(i, j int) bool { return ops[i].Path < ops[j].Path })
	}
	byPath(transfers)
	byPath(skips)

	ops := make([]manifest.ChangeOp, 0, len(deletes)+len(transfers)+len(skips))
	ops = append(ops, deletes...)
	ops = append(ops, transfers...)
	ops = append(ops, skips...)
	return &manifest.Plan{Ops: ops}, nil
}
