// Package sync drives an update session: scan the target tree, fetch the
// remote manifest, reconcile the two, download what changed and commit it.
package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/util"

	"github.com/schaermu/patchsync/internal/commit"
	"github.com/schaermu/patchsync/internal/config"
	"github.com/schaermu/patchsync/internal/fetch"
	"github.com/schaermu/patchsync/internal/ignore"
	"github.com/schaermu/patchsync/internal/manifest"
	"github.com/schaermu/patchsync/internal/patcherr"
	"github.com/schaermu/patchsync/internal/progress"
	"github.com/schaermu/patchsync/internal/reconcile"
	"github.com/schaermu/patchsync/internal/scan"
	"github.com/schaermu/patchsync/internal/transport"
)

// Target is the managed tree: a directory inside a filesystem. An empty
// Root means the filesystem root.
type Target struct {
	FS   billy.Filesystem
	Root string
}

func (t Target) path(rel string) string {
	if t.Root == "" {
		return rel
	}
	return t.FS.Join(t.Root, rel)
}

// Engine orchestrates update sessions
type Engine struct {
	cfg       *config.Config
	target    Target
	transport transport.Transport
	logger    *slog.Logger
	dryRun    bool

	// OnState, if set, observes every session state transition.
	OnState func(State)
}

// NewEngine creates a new sync engine
func NewEngine(cfg *config.Config, target Target, t transport.Transport, logger *slog.Logger, dryRun bool) *Engine {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Engine{
		cfg:       cfg,
		target:    target,
		transport: t,
		logger:    logger,
		dryRun:    dryRun,
	}
}

// Run executes one update session and reports it to sink. The returned
// session is always non-nil once a session has started. The error is set
// only when the session ended Failed or Cancelled; per-path failures are
// listed in the session and leave the error nil.
func (e *Engine) Run(ctx context.Context, sink progress.Sink) (*Session, error) {
	sink = progress.Serialized(sink)

	sess, err := newSession(e.OnState)
	if err != nil {
		return nil, err
	}
	log := e.logger.With("session", sess.ID)
	log.Info("starting sync",
		"manifest", transport.Redact(e.cfg.Remote.ManifestURL),
		"target", e.cfg.Paths.TargetRoot,
		"dry_run", e.dryRun)

	runErr := e.run(ctx, sess, sink, log)
	if runErr != nil {
		sess.Err = runErr
		next := Failed
		if ctx.Err() != nil {
			next = Cancelled
			sess.Err = ctx.Err()
		}
		sess.abandon(sess.Err)
		if !sess.State.Terminal() {
			if err := sess.advance(next); err != nil {
				log.Error("session state error", "error", err)
			}
		}
	}

	sink.Finished(sess.Summary())
	log.Info("sync finished",
		"state", string(sess.State),
		"applied", len(sess.Completed),
		"failed", len(sess.Failed),
		"duration", sess.Duration)

	if sess.State == Failed || sess.State == Cancelled {
		return sess, sess.Err
	}
	return sess, nil
}

func (e *Engine) run(ctx context.Context, sess *Session, sink progress.Sink, log *slog.Logger) error {
	rules, force, err := e.rules()
	if err != nil {
		return err
	}
	alg := e.cfg.Algorithm()

	// Scan local tree
	if err := e.step(ctx, sess, Scanning); err != nil {
		return err
	}
	sess.Local, err = scan.New(e.target.FS, alg, rules, log).Scan(ctx, e.target.Root)
	if err != nil {
		return fmt.Errorf("failed to scan target: %w", err)
	}
	log.Info("scanned target", "files", sess.Local.Len())

	// Fetch remote manifest
	if err := e.step(ctx, sess, FetchingManifest); err != nil {
		return err
	}
	sess.Remote, err = manifest.Fetch(ctx, e.transport, e.cfg.Remote.ManifestURL, alg)
	if err != nil {
		return fmt.Errorf("failed to fetch manifest: %w", err)
	}
	log.Info("fetched manifest", "files", sess.Remote.Len(), "version", sess.Remote.Version)

	// Build plan
	if err := e.step(ctx, sess, Reconciling); err != nil {
		return err
	}
	sess.Plan, err = reconcile.Reconcile(sess.Remote, sess.Local, reconcile.Options{
		Ignore:   rules,
		Force:    force,
		ForceAll: e.cfg.Sync.RedownloadAll,
	})
	if err != nil {
		return fmt.Errorf("failed to build sync plan: %w", err)
	}
	counts := sess.Plan.Counts()
	log.Info("sync plan",
		"add", counts[manifest.OpAdd],
		"replace", counts[manifest.OpReplace],
		"delete", counts[manifest.OpDelete],
		"skip", counts[manifest.OpSkip],
		"download_bytes", sess.Plan.TransferBytes())

	// check for dry-run mode
	if e.dryRun {
		e.logPlanDetails(sess.Plan)
		log.Info("dry-run complete, no changes applied")
		return sess.advance(Completed)
	}
	for _, op := range sess.Plan.Skips() {
		sink.Progress(progress.Event{SessionID: sess.ID, Kind: op.Kind, Path: op.Path, Done: true})
	}
	if !sess.Plan.HasChanges() {
		e.writeVersion(sess, log)
		return sess.advance(Completed)
	}

	// Download and verify
	base, err := e.cfg.ContentBaseURL()
	if err != nil {
		return fmt.Errorf("invalid content base url: %w", err)
	}
	if err := e.step(ctx, sess, Syncing); err != nil {
		return err
	}
	applier := commit.New(e.target.FS, e.target.Root, log)
	stagingRoot := e.target.path(e.cfg.Paths.StagingDir)
	stagingDir := e.target.FS.Join(stagingRoot, sess.ID)
	if err := e.target.FS.MkdirAll(stagingDir, 0o755); err != nil {
		return patcherr.IO("stage", stagingDir, err)
	}
	defer e.purge(applier, stagingRoot, stagingDir, log)

	staged := e.download(ctx, sess, sink, base, stagingDir, log)
	if err := ctx.Err(); err != nil {
		return err
	}

	// Commit
	if err := sess.advance(Committing); err != nil {
		return err
	}
	res := applier.Commit(ctx, sess.Plan.Deletes(), staged)
	for _, op := range res.Applied {
		sess.Completed = append(sess.Completed, op)
		ev := progress.Event{SessionID: sess.ID, Kind: op.Kind, Path: op.Path, Done: true}
		if op.Remote != nil {
			sess.Bytes += op.Remote.Size
			ev.BytesDone, ev.BytesTotal = op.Remote.Size, op.Remote.Size
		}
		sink.Progress(ev)
	}
	for _, f := range res.Failed {
		reason := progress.AttemptedFailed
		if !f.Attempted {
			reason = progress.NeverAttempted
		}
		sess.fail(f.Op, reason, f.Err)
		sink.Progress(progress.Event{SessionID: sess.ID, Kind: f.Op.Kind, Path: f.Op.Path, Done: true, Err: f.Err})
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if len(sess.Failed) > 0 {
		return sess.advance(CompletedWithErrors)
	}
	e.writeVersion(sess, log)
	return sess.advance(Completed)
}

// step advances the session unless ctx is already done.
func (e *Engine) step(ctx context.Context, sess *Session, to State) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return sess.advance(to)
}

// rules compiles the ignore and force matchers. The staging area and the
// version label are always ignored so that they are never scanned, deleted
// or overwritten by remote content.
func (e *Engine) rules() (rules, force *ignore.Matcher, err error) {
	base, err := ignore.New(e.cfg.Sync.Ignore)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid sync.ignore: %w", err)
	}
	rules, err = base.Extend(
		"/"+strings.TrimSuffix(e.cfg.Paths.StagingDir, "/")+"/",
		"/"+e.cfg.Paths.VersionFile,
	)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid internal ignore rules: %w", err)
	}
	force, err = ignore.New(e.cfg.Sync.Force)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid sync.force: %w", err)
	}
	return rules, force, nil
}

func (e *Engine) download(ctx context.Context, sess *Session, sink progress.Sink, base, stagingDir string, log *slog.Logger) []commit.Staged {
	pool := fetch.New(fetch.Config{
		FS:          e.target.FS,
		StagingDir:  stagingDir,
		Transport:   e.transport,
		URL:         func(p string) string { return transport.Join(base, p) },
		Algorithm:   sess.Remote.Algorithm,
		Concurrency: e.cfg.Sync.Concurrency,
		RetryLimit:  e.cfg.Retries(),
		Backoff: fetch.Backoff{
			InitialDelay: e.cfg.Sync.RetryBackoff,
			MaxDelay:     e.cfg.Sync.MaxRetryBackoff,
			Multiplier:   2,
			Jitter:       true,
		},
		SessionID: sess.ID,
		Sink:      sink,
		Logger:    log,
	})

	var staged []commit.Staged
	for task := range pool.Execute(ctx, sess.Plan.Transfers()) {
		if task.State == fetch.Verified {
			staged = append(staged, commit.Staged{Op: task.Op, StagingPath: task.StagingPath})
			continue
		}
		reason := progress.AttemptedFailed
		if task.Attempts == 0 {
			reason = progress.NeverAttempted
		}
		sess.fail(task.Op, reason, task.Err)
		sink.Progress(progress.Event{
			SessionID:  sess.ID,
			Kind:       task.Op.Kind,
			Path:       task.Op.Path,
			BytesDone:  task.Bytes,
			BytesTotal: task.Op.Remote.Size,
			Done:       true,
			Err:        task.Err,
		})
	}
	if ctx.Err() != nil {
		for _, s := range staged {
			sess.fail(s.Op, progress.NeverAttempted, ctx.Err())
		}
		return nil
	}

	// Commit in plan order regardless of completion order.
	order := make(map[string]int, len(sess.Plan.Ops))
	for i, op := range sess.Plan.Ops {
		order[op.Path] = i
	}
	sort.Slice(staged, func(i, j int) bool {
		return order[staged[i].Op.Path] < order[staged[j].Op.Path]
	})
	return staged
}

func (e *Engine) purge(applier *commit.Applier, stagingRoot, stagingDir string, log *slog.Logger) {
	if err := applier.Purge(stagingDir); err != nil {
		log.Warn("failed to purge staging directory", "dir", stagingDir, "error", err)
	}
	// Other sessions may still own the parent; only remove it once empty.
	if entries, err := e.target.FS.ReadDir(stagingRoot); err == nil && len(entries) == 0 {
		_ = e.target.FS.Remove(stagingRoot)
	}
}

// writeVersion records the remote version label after a clean session.
func (e *Engine) writeVersion(sess *Session, log *slog.Logger) {
	if sess.Remote == nil || sess.Remote.Version == "" {
		return
	}
	if err := WriteVersion(e.target, e.cfg.Paths.VersionFile, sess.Remote.Version); err != nil {
		log.Warn("failed to write version label", "error", err)
		return
	}
	log.Info("installed version", "version", sess.Remote.Version)
}

// logPlanDetails logs detailed plan information for dry-run
func (e *Engine) logPlanDetails(plan *manifest.Plan) {
	for _, op := range plan.Ops {
		switch op.Kind {
		case manifest.OpSkip:
			continue
		case manifest.OpDelete:
			e.logger.Info("[dry-run] would delete", "path", op.Path)
		default:
			e.logger.Info("[dry-run] would "+string(op.Kind), "path", op.Path, "size", op.Remote.Size, "forced", op.Forced)
		}
	}
}

// ReadVersion returns the installed version label, or "" if there is none.
func ReadVersion(target Target, file string) (string, error) {
	data, err := util.ReadFile(target.FS, target.path(file))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", nil
		}
		return "", patcherr.IO("read", file, err)
	}
	return strings.TrimSpace(string(data)), nil
}

// WriteVersion stores a version label, replacing the old one atomically.
func WriteVersion(target Target, file, version string) error {
	dst := target.path(file)
	if parent := manifest.Parent(file); parent != "" {
		if err := target.FS.MkdirAll(target.path(parent), 0o755); err != nil {
			return patcherr.IO("mkdir", parent, err)
		}
	}
	tmp := dst + ".tmp"
	if err := util.WriteFile(target.FS, tmp, []byte(version+"\n"), 0o644); err != nil {
		return patcherr.IO("write", file, err)
	}
	if err := target.FS.Rename(tmp, dst); err != nil {
		_ = target.FS.Remove(tmp)
		return patcherr.IO("rename", file, err)
	}
	return nil
}
