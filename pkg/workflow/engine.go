package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/scriptorhq/scriptor/pkg/adapter"
	"github.com/scriptorhq/scriptor/pkg/invoker"
	"github.com/scriptorhq/scriptor/pkg/model"
	"github.com/scriptorhq/scriptor/pkg/repository"
	"github.com/scriptorhq/scriptor/pkg/utils/logging"
)

const (
	defaultMaxAttempts    = 3
	defaultInitialBackoff = 500 * time.Millisecond
	defaultMaxBackoff     = 8 * time.Second
	defaultLease          = 2 * time.Minute
)

// Invoker executes one agent turn. Implemented by invoker.Invoker; tests
// substitute stubs.
type Invoker interface {
	Turn(ctx context.Context, input invoker.TurnInput) (*TurnResult, error)
}

// TurnResult aliases the invoker output so engine tests do not need a full
// invoker.
type TurnResult = invoker.TurnOutput

// turnRunner adapts *invoker.Invoker to the engine's interface.
type turnRunner struct {
	inv *invoker.Invoker
}

func (r *turnRunner) Turn(ctx context.Context, input invoker.TurnInput) (*TurnResult, error) {
	return r.inv.Turn(ctx, input)
}

// NewTurnRunner wraps a concrete invoker for use by the engine
func NewTurnRunner(inv *invoker.Invoker) Invoker {
	return &turnRunner{inv: inv}
}

// Engine executes runs step by step, persisting each step's output and the
// advanced cursor before the next step starts. That persistence point is
// the replay boundary: resuming after a crash re-reads the record and
// never re-executes a completed step.
type Engine struct {
	repo    repository.Repository
	invoker Invoker
	archive adapter.Storage

	maxAttempts    int
	initialBackoff time.Duration
	maxBackoff     time.Duration
	lease          time.Duration
	sleep          func(ctx context.Context, d time.Duration) error
}

type Option func(*Engine)

// WithMaxAttempts sets the per-step retry ceiling
func WithMaxAttempts(n int) Option {
	return func(e *Engine) {
		e.maxAttempts = n
	}
}

// WithBackoff sets the per-step exponential backoff schedule
func WithBackoff(initial, max time.Duration) Option {
	return func(e *Engine) {
		e.initialBackoff = initial
		e.maxBackoff = max
	}
}

// WithSleep replaces the backoff sleeper, used by tests
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(e *Engine) {
		e.sleep = sleep
	}
}

// WithLease sets how long a step claim blocks other engine instances. A
// claim older than the lease is treated as abandoned and taken over.
func WithLease(d time.Duration) Option {
	return func(e *Engine) {
		e.lease = d
	}
}

// WithArchive enables transcript archival to object storage when a run
// completes
func WithArchive(storage adapter.Storage) Option {
	return func(e *Engine) {
		e.archive = storage
	}
}

func New(repo repository.Repository, inv Invoker, opts ...Option) *Engine {
	e := &Engine{
		repo:           repo,
		invoker:        inv,
		maxAttempts:    defaultMaxAttempts,
		initialBackoff: defaultInitialBackoff,
		maxBackoff:     defaultMaxBackoff,
		lease:          defaultLease,
		sleep:          sleepContext,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// StartRun validates the plan and persists a new run in Planned state.
// Execution is a separate call so an entry point can hand back the run ID
// immediately.
func (e *Engine) StartRun(ctx context.Context, plan *Plan) (*model.Run, error) {
	plan.Normalize()
	if err := plan.Validate(); err != nil {
		return nil, err
	}

	run := &model.Run{
		ID:          model.NewRunID(),
		ProjectID:   plan.ProjectID,
		Steps:       plan.Steps,
		StepOutputs: make(map[string]string, len(plan.Steps)),
		Status:      model.RunStatusPlanned,
	}
	if err := e.repo.CreateRun(ctx, run); err != nil {
		return nil, goerr.Wrap(err, "failed to persist run")
	}

	logging.From(ctx).Info("run planned", "run_id", run.ID, "steps", len(run.Steps))
	return run, nil
}

// Execute drives the run from its persisted cursor to a terminal state.
// Calling it on a run that is already terminal is a no-op returning the
// cached record, so restarts are idempotent.
func (e *Engine) Execute(ctx context.Context, id model.RunID) (*model.Run, error) {
	logger := logging.From(ctx)

	for {
		run, err := e.repo.GetRun(ctx, id)
		if err != nil {
			return nil, err
		}

		if run.Status.Terminal() {
			return run, nil
		}

		if run.CancelRequested {
			run.Status = model.RunStatusCancelled
			run.ClaimedAt = time.Time{}
			if err := e.repo.UpdateRun(ctx, run); err != nil {
				if errors.Is(err, model.ErrVersionConflict) {
					continue
				}
				return nil, err
			}
			logger.Info("run cancelled", "run_id", run.ID, "cursor", run.Cursor)
			return run, nil
		}

		if run.Cursor >= len(run.Steps) {
			run.Status = model.RunStatusCompleted
			run.ClaimedAt = time.Time{}
			if err := e.repo.UpdateRun(ctx, run); err != nil {
				if errors.Is(err, model.ErrVersionConflict) {
					continue
				}
				return nil, err
			}
			logger.Info("run completed", "run_id", run.ID, "steps", len(run.Steps))
			e.archiveTranscripts(ctx, run)
			return run, nil
		}

		// Another live engine holds the step at the cursor. Poll until it
		// advances the run or its lease expires.
		if !run.ClaimedAt.IsZero() && time.Since(run.ClaimedAt) < e.lease {
			logger.Info("step held by another engine, waiting",
				"run_id", run.ID, "cursor", run.Cursor, "claimed_at", run.ClaimedAt)
			if err := e.sleep(ctx, e.initialBackoff); err != nil {
				return nil, err
			}
			continue
		}

		step := run.Steps[run.Cursor]
		instruction := resolveInstruction(step.Instruction, run.StepOutputs)

		// Claim the step before executing it. The version bump rejects any
		// concurrent engine's claim, so a turn runs at most once per claim
		// holder even when two instances resume the same run.
		run.Status = model.RunStatusRunning
		run.ClaimedAt = time.Now()
		if err := e.repo.UpdateRun(ctx, run); err != nil {
			if errors.Is(err, model.ErrVersionConflict) {
				logger.Warn("step claimed by another engine, re-reading", "run_id", run.ID)
				continue
			}
			return nil, err
		}

		output, stepErr := e.runStep(ctx, run, step, instruction)
		if stepErr != nil {
			return e.failRun(ctx, run, step, stepErr)
		}

		// The replay boundary: the output and the advanced cursor are
		// persisted before the next step may start.
		run.StepOutputs[step.Name] = output
		run.Cursor++
		run.ClaimedAt = time.Time{}
		if err := e.repo.UpdateRun(ctx, run); err != nil {
			if errors.Is(err, model.ErrVersionConflict) {
				logger.Warn("run advanced by another engine, re-reading", "run_id", run.ID)
				continue
			}
			return nil, err
		}
		logger.Info("step completed", "run_id", run.ID, "step", step.Name, "cursor", run.Cursor)
	}
}

// GetResult returns the latest persisted state of a run. Safe to call
// repeatedly from any entry point.
func (e *Engine) GetResult(ctx context.Context, id model.RunID) (*model.Run, error) {
	return e.repo.GetRun(ctx, id)
}

// RequestCancel marks the run so the engine stops before the next step.
// Already-completed steps keep their outputs. Requesting cancellation of a
// terminal run is a no-op.
func (e *Engine) RequestCancel(ctx context.Context, id model.RunID) error {
	for {
		run, err := e.repo.GetRun(ctx, id)
		if err != nil {
			return err
		}
		if run.Status.Terminal() || run.CancelRequested {
			return nil
		}

		run.CancelRequested = true
		err = e.repo.UpdateRun(ctx, run)
		if errors.Is(err, model.ErrVersionConflict) {
			continue
		}
		return err
	}
}

// failRun persists the Failed status with the failure record. A version
// conflict (a cancel request landing mid-step, another engine touching the
// record) re-reads and re-applies the failure so it is never dropped.
func (e *Engine) failRun(ctx context.Context, run *model.Run, step model.PlanStep, stepErr error) (*model.Run, error) {
	runErr := &model.RunError{
		StepIndex: run.Cursor,
		Identity:  step.Identity,
		Kind:      model.ErrorKind(stepErr),
		Message:   stepErr.Error(),
	}

	run.Status = model.RunStatusFailed
	run.Error = runErr
	run.ClaimedAt = time.Time{}
	for {
		err := e.repo.UpdateRun(ctx, run)
		if err == nil {
			break
		}
		if !errors.Is(err, model.ErrVersionConflict) {
			return nil, err
		}

		latest, getErr := e.repo.GetRun(ctx, run.ID)
		if getErr != nil {
			return nil, getErr
		}
		if latest.Status.Terminal() {
			run = latest
			break
		}
		latest.Status = model.RunStatusFailed
		latest.Error = runErr
		latest.ClaimedAt = time.Time{}
		run = latest
	}

	logging.From(ctx).Error("run failed", "run_id", run.ID,
		"step_index", runErr.StepIndex, "kind", runErr.Kind)
	return run, goerr.Wrap(stepErr, "pipeline step failed",
		goerr.V("run_id", run.ID),
		goerr.V("step_index", runErr.StepIndex),
		goerr.V("step", step.Name))
}

// runStep invokes the agent for one step, retrying transient failures with
// bounded exponential backoff up to the attempt ceiling.
func (e *Engine) runStep(ctx context.Context, run *model.Run, step model.PlanStep, instruction string) (string, error) {
	attempts := e.maxAttempts
	if attempts < 1 {
		attempts = 1
	}

	backoff := e.initialBackoff
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		out, err := e.invoker.Turn(ctx, invoker.TurnInput{
			Identity:    step.Identity,
			Instruction: instruction,
			ProjectID:   run.ProjectID,
		})
		if err == nil {
			return out.Text, nil
		}
		lastErr = err

		if !transient(err) || attempt == attempts || ctx.Err() != nil {
			break
		}
		logging.From(ctx).Warn("step failed, retrying",
			"run_id", run.ID, "step", step.Name, "attempt", attempt, "backoff", backoff)
		if err := e.sleep(ctx, backoff); err != nil {
			break
		}
		backoff *= 2
		if backoff > e.maxBackoff {
			backoff = e.maxBackoff
		}
	}
	return "", lastErr
}

func transient(err error) bool {
	return errors.Is(err, model.ErrUpstreamUnavailable) || errors.Is(err, model.ErrBusy)
}

// transcript is the archived conversation of one identity within a run.
type transcript struct {
	RunID    model.RunID      `json:"run_id"`
	Identity string           `json:"identity"`
	Messages []*model.Message `json:"messages"`
}

// archiveTranscripts writes the conversation threads of a completed run to
// object storage. Archival is best effort: failures are logged, the run
// result stands.
func (e *Engine) archiveTranscripts(ctx context.Context, run *model.Run) {
	if e.archive == nil {
		return
	}
	logger := logging.From(ctx)

	identities := make([]string, 0, len(run.Steps))
	seen := make(map[string]bool, len(run.Steps))
	for _, step := range run.Steps {
		if !seen[step.Identity] {
			seen[step.Identity] = true
			identities = append(identities, step.Identity)
		}
	}

	for _, identity := range identities {
		msgs, err := e.repo.GetThread(ctx, identity)
		if err != nil {
			logger.Warn("failed to read thread for archive", "run_id", run.ID, "identity", identity, "error", err)
			continue
		}

		key := fmt.Sprintf("runs/%s/%s.json", run.ID, strings.ReplaceAll(identity, "/", "_"))
		w, err := e.archive.Put(ctx, key)
		if err != nil {
			logger.Warn("failed to open archive object", "key", key, "error", err)
			continue
		}
		if err := json.NewEncoder(w).Encode(&transcript{RunID: run.ID, Identity: identity, Messages: msgs}); err != nil {
			logger.Warn("failed to write transcript", "key", key, "error", err)
			_ = w.Close()
			continue
		}
		if err := w.Close(); err != nil {
			logger.Warn("failed to finalize transcript", "key", key, "error", err)
		}
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
