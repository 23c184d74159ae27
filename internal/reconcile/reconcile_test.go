package reconcile

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/schaermu/patchsync/internal/fingerprint"
	"github.com/schaermu/patchsync/internal/ignore"
	"github.com/schaermu/patchsync/internal/manifest"
)

func snapshot(t *testing.T, files map[string]string) *manifest.Snapshot {
	t.Helper()
	snap := manifest.NewSnapshot(fingerprint.SHA256)
	for path, hash := range files {
		require.NoError(t, snap.Add(manifest.Fingerprint{Path: path, Size: uint64(len(hash)), Hash: []byte(hash)}))
	}
	return snap
}

type step struct {
	kind manifest.OpKind
	path string
}

func steps(plan *manifest.Plan) []step {
	out := make([]step, 0, len(plan.Ops))
	for _, op := range plan.Ops {
		out = append(out, step{op.Kind, op.Path})
	}
	return out
}

func TestReconcileExample(t *testing.T) {
	remote := snapshot(t, map[string]string{"a.txt": "h1", "b.txt": "h2"})
	local := snapshot(t, map[string]string{"a.txt": "h1", "c.txt": "h3"})

	plan, err := Reconcile(remote, local, Options{})
	require.NoError(t, err)

	assert.Equal(t, []step{
		{manifest.OpDelete, "c.txt"},
		{manifest.OpAdd, "b.txt"},
		{manifest.OpSkip, "a.txt"},
	}, steps(plan))
	assert.Equal(t, "b.txt", plan.Ops[1].Remote.Path)
}

func TestReconcileIdempotent(t *testing.T) {
	files := map[string]string{"a": "1", "dir/b": "2", "dir/sub/c": "3"}
	plan, err := Reconcile(snapshot(t, files), snapshot(t, files), Options{})
	require.NoError(t, err)

	assert.False(t, plan.HasChanges())
	assert.Len(t, plan.Skips(), 3)
}

func TestReconcileReplace(t *testing.T) {
	plan, err := Reconcile(
		snapshot(t, map[string]string{"a": "new"}),
		snapshot(t, map[string]string{"a": "old"}),
		Options{},
	)
	require.NoError(t, err)
	require.Len(t, plan.Ops, 1)
	assert.Equal(t, manifest.OpReplace, plan.Ops[0].Kind)
	assert.False(t, plan.Ops[0].Forced)
}

func TestReconcileSizeMismatchReplaces(t *testing.T) {
	remote := manifest.NewSnapshot(fingerprint.SHA256)
	require.NoError(t, remote.Add(manifest.Fingerprint{Path: "a", Size: 10, Hash: []byte("h")}))
	local := manifest.NewSnapshot(fingerprint.SHA256)
	require.NoError(t, local.Add(manifest.Fingerprint{Path: "a", Size: 9, Hash: []byte("h")}))

	plan, err := Reconcile(remote, local, Options{})
	require.NoError(t, err)
	assert.Equal(t, manifest.OpReplace, plan.Ops[0].Kind)
}

func TestReconcileDeleteOrdering(t *testing.T) {
	local := snapshot(t, map[string]string{
		"a":          "1",
		"x/y/z/deep": "2",
		"x/y/mid":    "3",
		"x/b":        "4",
		"x/a":        "5",
	})
	plan, err := Reconcile(snapshot(t, nil), local, Options{})
	require.NoError(t, err)

	assert.Equal(t, []step{
		{manifest.OpDelete, "x/y/z/deep"},
		{manifest.OpDelete, "x/y/mid"},
		{manifest.OpDelete, "x/a"},
		{manifest.OpDelete, "x/b"},
		{manifest.OpDelete, "a"},
	}, steps(plan))
}

func TestReconcileRenameDeletesFirst(t *testing.T) {
	// "mods/old.jar" moved to "mods/new/old.jar"; the file "cfg" became a directory.
	remote := snapshot(t, map[string]string{"mods/new/old.jar": "j", "cfg/main.toml": "m"})
	local := snapshot(t, map[string]string{"mods/old.jar": "j", "cfg": "f"})

	plan, err := Reconcile(remote, local, Options{})
	require.NoError(t, err)

	assert.Equal(t, []step{
		{manifest.OpDelete, "mods/old.jar"},
		{manifest.OpDelete, "cfg"},
		{manifest.OpAdd, "cfg/main.toml"},
		{manifest.OpAdd, "mods/new/old.jar"},
	}, steps(plan))
}

func TestReconcileIgnore(t *testing.T) {
	remote := snapshot(t, map[string]string{"options.txt": "remote", "saves/w/level.dat": "r", "a": "1"})
	local := snapshot(t, map[string]string{"options.txt": "local", "saves/x": "l", "a": "1"})

	plan, err := Reconcile(remote, local, Options{Ignore: ignore.MustNew("options.txt", "saves/")})
	require.NoError(t, err)

	assert.Equal(t, []step{{manifest.OpSkip, "a"}}, steps(plan))
}

func TestReconcileForce(t *testing.T) {
	files := map[string]string{"a": "1", "mods/b.jar": "2"}

	plan, err := Reconcile(snapshot(t, files), snapshot(t, files), Options{Force: ignore.MustNew("mods/")})
	require.NoError(t, err)
	assert.Equal(t, []step{{manifest.OpReplace, "mods/b.jar"}, {manifest.OpSkip, "a"}}, steps(plan))
	assert.True(t, plan.Ops[0].Forced)

	plan, err = Reconcile(snapshot(t, files), snapshot(t, files), Options{ForceAll: true})
	require.NoError(t, err)
	assert.Len(t, plan.Transfers(), 2)
	assert.Empty(t, plan.Skips())
}

func TestReconcileIsPure(t *testing.T) {
	remote := snapshot(t, map[string]string{"a": "1", "b": "2"})
	local := snapshot(t, map[string]string{"b": "3", "c": "4"})

	first, err := Reconcile(remote, local, Options{})
	require.NoError(t, err)
	second, err := Reconcile(remote, local, Options{})
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 2, remote.Len())
	assert.Equal(t, 2, local.Len())
}

func TestReconcileAlgorithmMismatch(t *testing.T) {
	_, err := Reconcile(manifest.NewSnapshot(fingerprint.SHA256), manifest.NewSnapshot(fingerprint.MD5), Options{})
	require.Error(t, err)
}
