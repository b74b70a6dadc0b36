package repository

import (
	"context"
	"iter"

	"github.com/scriptorhq/scriptor/pkg/model"
)

// Repository is the durable store for fragments, conversation threads and
// run records. All operations are atomic at single-record granularity and
// read-after-write consistent within one repository instance.
type Repository interface {
	// PutFragment stores an immutable fragment. Returns model.ErrConflict
	// if name+projectID already exists.
	PutFragment(ctx context.Context, frag *model.Fragment) error

	// GetFragment retrieves a fragment. Returns model.ErrNotFound if missing.
	GetFragment(ctx context.Context, projectID, name string) (*model.Fragment, error)

	// ListFragments yields the fragments of a project in save order. The
	// returned sequence is finite and restartable: each range re-reads the
	// store.
	ListFragments(ctx context.Context, projectID string) iter.Seq2[*model.Fragment, error]

	// AppendMessages appends messages to the identity's thread, assigning
	// sequence numbers. The append succeeds only when the thread currently
	// holds expectedLen messages; otherwise model.ErrBusy is returned and
	// nothing is written. Returns the new thread length.
	AppendMessages(ctx context.Context, identity string, expectedLen int, msgs []*model.Message) (int, error)

	// GetThread returns the identity's messages in append order. A missing
	// identity yields an empty thread.
	GetThread(ctx context.Context, identity string) ([]*model.Message, error)

	// CreateRun persists a new run record with version 1. Returns
	// model.ErrConflict if the run ID already exists.
	CreateRun(ctx context.Context, run *model.Run) error

	// GetRun retrieves a run record. Returns model.ErrNotFound if missing.
	GetRun(ctx context.Context, id model.RunID) (*model.Run, error)

	// UpdateRun persists the run only when run.Version matches the stored
	// version, then increments it. Returns model.ErrVersionConflict when
	// another writer advanced the record first.
	UpdateRun(ctx context.Context, run *model.Run) error

	// ListRuns returns all run records, newest first.
	ListRuns(ctx context.Context) ([]*model.Run, error)
}
