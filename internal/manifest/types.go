// Package manifest holds the shared vocabulary of the sync pipeline: file
// fingerprints, tree snapshots and change plans, plus the parser for the
// remote manifest document.
package manifest

import (
	"bytes"
	"fmt"
	"io/fs"
	"sort"
	"strings"

	"github.com/schaermu/patchsync/internal/fingerprint"
)

// Fingerprint identifies the content of one file in a tree.
type Fingerprint struct {
	Path string
	Size uint64
	Hash []byte
	// Mode holds permission bits when known; zero means unspecified.
	Mode fs.FileMode
}

// Matches reports whether two fingerprints describe the same content: equal
// size and equal content hash.
func (f Fingerprint) Matches(o Fingerprint) bool {
	return f.Size == o.Size && bytes.Equal(f.Hash, o.Hash)
}

// Snapshot maps normalized relative paths to fingerprints. Snapshots are only
// comparable when their Algorithm matches.
type Snapshot struct {
	Algorithm fingerprint.Algorithm
	// Version is the optional release label carried by a remote manifest.
	Version string
	Files   map[string]Fingerprint
}

// NewSnapshot creates an empty snapshot for the algorithm.
func NewSnapshot(alg fingerprint.Algorithm) *Snapshot {
	return &Snapshot{
		Algorithm: alg,
		Files:     make(map[string]Fingerprint),
	}
}

// Add inserts a fingerprint, rejecting duplicate paths.
func (s *Snapshot) Add(fp Fingerprint) error {
	if _, exists := s.Files[fp.Path]; exists {
		return fmt.Errorf("duplicate path %q", fp.Path)
	}
	s.Files[fp.Path] = fp
	return nil
}

// Get returns the fingerprint for path.
func (s *Snapshot) Get(path string) (Fingerprint, bool) {
	fp, ok := s.Files[path]
	return fp, ok
}

// Len returns the number of files in the snapshot.
func (s *Snapshot) Len() int {
	return len(s.Files)
}

// Paths returns all paths in lexicographic order.
func (s *Snapshot) Paths() []string {
	paths := make([]string, 0, len(s.Files))
	for p := range s.Files {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// TotalSize sums the sizes of all files.
func (s *Snapshot) TotalSize() uint64 {
	var total uint64
	for _, fp := range s.Files {
		total += fp.Size
	}
	return total
}

// Equal reports whether both snapshots hold the same paths with the same
// size and content hash.
func (s *Snapshot) Equal(o *Snapshot) bool {
	if s.Algorithm != o.Algorithm || len(s.Files) != len(o.Files) {
		return false
	}
	for p, fp := range s.Files {
		other, ok := o.Files[p]
		if !ok || !fp.Matches(other) {
			return false
		}
	}
	return true
}

// OpKind is the variant tag of a ChangeOp.
type OpKind string

const (
	OpAdd     OpKind = "add"
	OpReplace OpKind = "replace"
	OpDelete  OpKind = "delete"
	OpSkip    OpKind = "skip"
)

// ChangeOp is the planned action for a single path.
type ChangeOp struct {
	Kind OpKind
	Path string
	// Remote is the expected fingerprint for Add and Replace, and the
	// matching fingerprint for Skip.
	Remote *Fingerprint
	// Forced is set when a force rule turned a would-be Skip into a Replace.
	Forced bool
}

// Transfers reports whether the op needs content from the remote.
func (op ChangeOp) Transfers() bool {
	return op.Kind == OpAdd || op.Kind == OpReplace
}

func (op ChangeOp) String() string {
	if op.Forced {
		return fmt.Sprintf("%s %s (forced)", op.Kind, op.Path)
	}
	return fmt.Sprintf("%s %s", op.Kind, op.Path)
}

// Plan is an ordered sequence of ChangeOps: deletes deepest-first, then
// adds and replaces, then skips.
type Plan struct {
	Ops []ChangeOp
}

// Deletes returns the Delete ops in plan order.
func (p *Plan) Deletes() []ChangeOp { return p.filter(OpDelete) }

// Skips returns the Skip ops in plan order.
func (p *Plan) Skips() []ChangeOp { return p.filter(OpSkip) }

// Transfers returns the Add and Replace ops in plan order.
func (p *Plan) Transfers() []ChangeOp {
	var out []ChangeOp
	for _, op := range p.Ops {
		if op.Transfers() {
			out = append(out, op)
		}
	}
	return out
}

func (p *Plan) filter(kind OpKind) []ChangeOp {
	var out []ChangeOp
	for _, op := range p.Ops {
		if op.Kind == kind {
			out = append(out, op)
		}
	}
	return out
}

// Counts returns the number of ops of each kind.
func (p *Plan) Counts() map[OpKind]int {
	counts := map[OpKind]int{OpAdd: 0, OpReplace: 0, OpDelete: 0, OpSkip: 0}
	for _, op := range p.Ops {
		counts[op.Kind]++
	}
	return counts
}

// HasChanges reports whether the plan contains anything but Skip ops.
func (p *Plan) HasChanges() bool {
	for _, op := range p.Ops {
		if op.Kind != OpSkip {
			return true
		}
	}
	return false
}

// TransferBytes sums the expected sizes of all Add and Replace ops.
func (p *Plan) TransferBytes() uint64 {
	var total uint64
	for _, op := range p.Ops {
		if op.Transfers() && op.Remote != nil {
			total += op.Remote.Size
		}
	}
	return total
}

// Depth returns the number of separators in a normalized path.
func Depth(path string) int {
	return strings.Count(path, "/")
}
