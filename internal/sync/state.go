package sync

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/schaermu/patchsync/internal/manifest"
	"github.com/schaermu/patchsync/internal/progress"
)

// State is the position of an update session in its lifecycle.
type State string

const (
	Idle                State = "Idle"
	Scanning            State = "Scanning"
	FetchingManifest    State = "FetchingManifest"
	Reconciling         State = "Reconciling"
	Syncing             State = "Syncing"
	Committing          State = "Committing"
	Completed           State = "Completed"
	CompletedWithErrors State = "CompletedWithErrors"
	Cancelled           State = "Cancelled"
	// Failed ends a session whose local scan or manifest fetch failed.
	Failed State = "Failed"
)

// transitions lists the forward moves out of each non-terminal state.
// Cancelled is reachable from every non-terminal state in addition.
var transitions = map[State][]State{
	Idle:             {Scanning, Failed},
	Scanning:         {FetchingManifest, Failed},
	FetchingManifest: {Reconciling, Failed},
	Reconciling:      {Syncing, Completed, Failed},
	Syncing:          {Committing, Failed},
	Committing:       {Completed, CompletedWithErrors},
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	_, ok := transitions[s]
	return !ok
}

// CanTransition reports whether a session may move from one state to another.
func CanTransition(from, to State) bool {
	if from.Terminal() {
		return false
	}
	if to == Cancelled {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Session is the aggregate of one update run. It is owned by the engine for
// the duration of Run and never persisted.
type Session struct {
	ID     string
	State  State
	Remote *manifest.Snapshot
	Local  *manifest.Snapshot
	Plan   *manifest.Plan
	// Completed holds ops whose effect fully reached the target tree.
	Completed []manifest.ChangeOp
	Failed    []progress.FailedPath
	Cancelled bool
	Bytes     uint64
	Started   time.Time
	Duration  time.Duration
	// Err is the fatal error of a Failed session or the cause of cancellation.
	Err error

	onState func(State)
}

func newSession(onState func(State)) (*Session, error) {
	id, err := newSessionID()
	if err != nil {
		return nil, err
	}
	return &Session{ID: id, State: Idle, Started: time.Now(), onState: onState}, nil
}

func newSessionID() (string, error) {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate session id: %w", err)
	}
	return hex.EncodeToString(b), nil
}

func (s *Session) advance(to State) error {
	if !CanTransition(s.State, to) {
		return fmt.Errorf("invalid session transition %s -> %s", s.State, to)
	}
	s.State = to
	if to == Cancelled {
		s.Cancelled = true
	}
	if to.Terminal() {
		s.Duration = time.Since(s.Started)
	}
	if s.onState != nil {
		s.onState(to)
	}
	return nil
}

func (s *Session) fail(op manifest.ChangeOp, reason progress.Reason, err error) {
	s.Failed = append(s.Failed, progress.FailedPath{Path: op.Path, Kind: op.Kind, Reason: reason, Err: err})
}

// abandon reports every non-skip op of the plan that was neither applied
// nor already reported as failed.
func (s *Session) abandon(err error) {
	if s.Plan == nil {
		return
	}
	settled := make(map[string]bool, len(s.Completed)+len(s.Failed))
	for _, op := range s.Completed {
		settled[op.Path] = true
	}
	for _, f := range s.Failed {
		settled[f.Path] = true
	}
	for _, op := range s.Plan.Ops {
		if op.Kind == manifest.OpSkip || settled[op.Path] {
			continue
		}
		s.fail(op, progress.NeverAttempted, err)
	}
}

// Summary renders the session as the terminal progress report.
func (s *Session) Summary() progress.Summary {
	sum := progress.Summary{
		SessionID: s.ID,
		State:     string(s.State),
		Applied:   make(map[manifest.OpKind]int),
		Bytes:     s.Bytes,
		Failed:    s.Failed,
		Duration:  s.Duration,
	}
	for _, op := range s.Completed {
		sum.Applied[op.Kind]++
	}
	if s.Plan != nil {
		sum.Skipped = len(s.Plan.Skips())
	}
	if s.State == Failed {
		sum.Err = s.Err
	}
	return sum
}
