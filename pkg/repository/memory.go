package repository

import (
	"context"
	"iter"
	"sort"
	"sync"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/scriptorhq/scriptor/pkg/model"
)

// Memory is a process-local Repository used by tests and local runs.
// Records are cloned on the way in and out so callers cannot mutate
// internal state.
type Memory struct {
	mu        sync.RWMutex
	fragments map[string][]*model.Fragment // projectID -> fragments in save order
	threads   map[string][]*model.Message
	runs      map[model.RunID]*model.Run
}

var _ Repository = (*Memory)(nil)

// NewMemory constructs an empty in-memory repository
func NewMemory() *Memory {
	return &Memory{
		fragments: make(map[string][]*model.Fragment),
		threads:   make(map[string][]*model.Message),
		runs:      make(map[model.RunID]*model.Run),
	}
}

func (r *Memory) PutFragment(ctx context.Context, frag *model.Fragment) error {
	if err := frag.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, f := range r.fragments[frag.ProjectID] {
		if f.Name == frag.Name {
			return goerr.Wrap(model.ErrConflict, "fragment already exists",
				goerr.V("project_id", frag.ProjectID), goerr.V("name", frag.Name))
		}
	}

	stored := frag.Clone()
	stored.CreatedAt = time.Now()
	r.fragments[frag.ProjectID] = append(r.fragments[frag.ProjectID], stored)
	frag.CreatedAt = stored.CreatedAt
	return nil
}

func (r *Memory) GetFragment(ctx context.Context, projectID, name string) (*model.Fragment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, f := range r.fragments[projectID] {
		if f.Name == name {
			return f.Clone(), nil
		}
	}
	return nil, goerr.Wrap(model.ErrNotFound, "fragment not found",
		goerr.V("project_id", projectID), goerr.V("name", name))
}

func (r *Memory) ListFragments(ctx context.Context, projectID string) iter.Seq2[*model.Fragment, error] {
	return func(yield func(*model.Fragment, error) bool) {
		r.mu.RLock()
		snapshot := make([]*model.Fragment, len(r.fragments[projectID]))
		for i, f := range r.fragments[projectID] {
			snapshot[i] = f.Clone()
		}
		r.mu.RUnlock()

		for _, f := range snapshot {
			if !yield(f, nil) {
				return
			}
		}
	}
}

func (r *Memory) AppendMessages(ctx context.Context, identity string, expectedLen int, msgs []*model.Message) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	thread := r.threads[identity]
	if len(thread) != expectedLen {
		return 0, goerr.Wrap(model.ErrBusy, "thread length mismatch",
			goerr.V("identity", identity),
			goerr.V("expected", expectedLen),
			goerr.V("actual", len(thread)))
	}

	now := time.Now()
	for i, msg := range msgs {
		stored := msg.Clone()
		stored.Seq = expectedLen + i
		stored.CreatedAt = now
		thread = append(thread, stored)
	}
	r.threads[identity] = thread
	return len(thread), nil
}

func (r *Memory) GetThread(ctx context.Context, identity string) ([]*model.Message, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	thread := r.threads[identity]
	msgs := make([]*model.Message, len(thread))
	for i, m := range thread {
		msgs[i] = m.Clone()
	}
	return msgs, nil
}

func (r *Memory) CreateRun(ctx context.Context, run *model.Run) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.runs[run.ID]; ok {
		return goerr.Wrap(model.ErrConflict, "run already exists", goerr.V("run_id", run.ID))
	}

	now := time.Now()
	stored := run.Clone()
	stored.CreatedAt = now
	stored.UpdatedAt = now
	stored.Version = 1
	r.runs[run.ID] = stored

	run.CreatedAt = stored.CreatedAt
	run.UpdatedAt = stored.UpdatedAt
	run.Version = stored.Version
	return nil
}

func (r *Memory) GetRun(ctx context.Context, id model.RunID) (*model.Run, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	run, ok := r.runs[id]
	if !ok {
		return nil, goerr.Wrap(model.ErrNotFound, "run not found", goerr.V("run_id", id))
	}
	return run.Clone(), nil
}

func (r *Memory) UpdateRun(ctx context.Context, run *model.Run) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.runs[run.ID]
	if !ok {
		return goerr.Wrap(model.ErrNotFound, "run not found", goerr.V("run_id", run.ID))
	}
	if current.Version != run.Version {
		return goerr.Wrap(model.ErrVersionConflict, "run was updated concurrently",
			goerr.V("run_id", run.ID),
			goerr.V("expected", run.Version),
			goerr.V("actual", current.Version))
	}

	stored := run.Clone()
	stored.Version = current.Version + 1
	stored.UpdatedAt = time.Now()
	r.runs[run.ID] = stored

	run.Version = stored.Version
	run.UpdatedAt = stored.UpdatedAt
	return nil
}

func (r *Memory) ListRuns(ctx context.Context) ([]*model.Run, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	runs := make([]*model.Run, 0, len(r.runs))
	for _, run := range r.runs {
		runs = append(runs, run.Clone())
	}
	sort.Slice(runs, func(i, j int) bool {
		return runs[i].CreatedAt.After(runs[j].CreatedAt)
	})
	return runs, nil
}
