package repository

import (
	"context"
	"fmt"
	"iter"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/m-mizutani/goerr/v2"
	"github.com/scriptorhq/scriptor/pkg/model"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	collectionFragments = "fragments"
	collectionThreads   = "threads"
	collectionMessages  = "messages"
	collectionRuns      = "runs"
)

// Firestore implements Repository on Cloud Firestore. Run records and
// thread counters are updated inside transactions so that conditional
// writes hold across engine instances.
type Firestore struct {
	client *firestore.Client
}

var _ Repository = (*Firestore)(nil)

// NewFirestore creates a Firestore-backed repository
func NewFirestore(ctx context.Context, projectID, databaseID string) (*Firestore, error) {
	client, err := firestore.NewClientWithDatabase(ctx, projectID, databaseID)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create firestore client",
			goerr.V("project", projectID), goerr.V("database", databaseID))
	}
	return &Firestore{client: client}, nil
}

// Close releases the underlying client
func (r *Firestore) Close() error {
	return r.client.Close()
}

// fragmentDocID builds a document ID from the composite fragment key.
// Slashes are not allowed in Firestore document IDs.
func fragmentDocID(projectID, name string) string {
	key := fmt.Sprintf("%s:%s", projectID, name)
	return strings.ReplaceAll(key, "/", "_")
}

func threadDocID(identity string) string {
	return strings.ReplaceAll(identity, "/", "_")
}

func (r *Firestore) PutFragment(ctx context.Context, frag *model.Fragment) error {
	if err := frag.Validate(); err != nil {
		return err
	}

	frag.CreatedAt = time.Now()
	ref := r.client.Collection(collectionFragments).Doc(fragmentDocID(frag.ProjectID, frag.Name))
	if _, err := ref.Create(ctx, frag); err != nil {
		if status.Code(err) == codes.AlreadyExists {
			return goerr.Wrap(model.ErrConflict, "fragment already exists",
				goerr.V("project_id", frag.ProjectID), goerr.V("name", frag.Name))
		}
		return goerr.Wrap(err, "failed to create fragment document")
	}
	return nil
}

func (r *Firestore) GetFragment(ctx context.Context, projectID, name string) (*model.Fragment, error) {
	snap, err := r.client.Collection(collectionFragments).Doc(fragmentDocID(projectID, name)).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, goerr.Wrap(model.ErrNotFound, "fragment not found",
				goerr.V("project_id", projectID), goerr.V("name", name))
		}
		return nil, goerr.Wrap(err, "failed to get fragment document")
	}

	var frag model.Fragment
	if err := snap.DataTo(&frag); err != nil {
		return nil, goerr.Wrap(err, "failed to decode fragment document")
	}
	return &frag, nil
}

func (r *Firestore) ListFragments(ctx context.Context, projectID string) iter.Seq2[*model.Fragment, error] {
	return func(yield func(*model.Fragment, error) bool) {
		it := r.client.Collection(collectionFragments).
			Where("ProjectID", "==", projectID).
			OrderBy("CreatedAt", firestore.Asc).
			Documents(ctx)
		defer it.Stop()

		for {
			snap, err := it.Next()
			if err == iterator.Done {
				return
			}
			if err != nil {
				yield(nil, goerr.Wrap(err, "failed to iterate fragments"))
				return
			}

			var frag model.Fragment
			if err := snap.DataTo(&frag); err != nil {
				yield(nil, goerr.Wrap(err, "failed to decode fragment document"))
				return
			}
			if !yield(&frag, nil) {
				return
			}
		}
	}
}

// threadDoc is the per-identity counter document guarding appends.
type threadDoc struct {
	Length    int
	UpdatedAt time.Time
}

func (r *Firestore) AppendMessages(ctx context.Context, identity string, expectedLen int, msgs []*model.Message) (int, error) {
	threadRef := r.client.Collection(collectionThreads).Doc(threadDocID(identity))
	newLen := 0

	err := r.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		var doc threadDoc
		snap, err := tx.Get(threadRef)
		switch {
		case err == nil:
			if err := snap.DataTo(&doc); err != nil {
				return goerr.Wrap(err, "failed to decode thread document")
			}
		case status.Code(err) == codes.NotFound:
			// First append creates the identity implicitly
		default:
			return goerr.Wrap(err, "failed to get thread document")
		}

		if doc.Length != expectedLen {
			return goerr.Wrap(model.ErrBusy, "thread length mismatch",
				goerr.V("identity", identity),
				goerr.V("expected", expectedLen),
				goerr.V("actual", doc.Length))
		}

		now := time.Now()
		for i, msg := range msgs {
			stored := msg.Clone()
			stored.Seq = expectedLen + i
			stored.CreatedAt = now
			msgRef := threadRef.Collection(collectionMessages).Doc(fmt.Sprintf("%08d", stored.Seq))
			if err := tx.Create(msgRef, stored); err != nil {
				return goerr.Wrap(err, "failed to append message", goerr.V("seq", stored.Seq))
			}
		}

		newLen = expectedLen + len(msgs)
		return tx.Set(threadRef, &threadDoc{Length: newLen, UpdatedAt: now})
	})
	if err != nil {
		return 0, err
	}
	return newLen, nil
}

func (r *Firestore) GetThread(ctx context.Context, identity string) ([]*model.Message, error) {
	it := r.client.Collection(collectionThreads).Doc(threadDocID(identity)).
		Collection(collectionMessages).
		OrderBy("Seq", firestore.Asc).
		Documents(ctx)
	defer it.Stop()

	var msgs []*model.Message
	for {
		snap, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, goerr.Wrap(err, "failed to iterate messages", goerr.V("identity", identity))
		}

		var msg model.Message
		if err := snap.DataTo(&msg); err != nil {
			return nil, goerr.Wrap(err, "failed to decode message document")
		}
		msgs = append(msgs, &msg)
	}
	return msgs, nil
}

func (r *Firestore) CreateRun(ctx context.Context, run *model.Run) error {
	now := time.Now()
	run.CreatedAt = now
	run.UpdatedAt = now
	run.Version = 1

	ref := r.client.Collection(collectionRuns).Doc(string(run.ID))
	if _, err := ref.Create(ctx, run); err != nil {
		if status.Code(err) == codes.AlreadyExists {
			return goerr.Wrap(model.ErrConflict, "run already exists", goerr.V("run_id", run.ID))
		}
		return goerr.Wrap(err, "failed to create run document")
	}
	return nil
}

func (r *Firestore) GetRun(ctx context.Context, id model.RunID) (*model.Run, error) {
	snap, err := r.client.Collection(collectionRuns).Doc(string(id)).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, goerr.Wrap(model.ErrNotFound, "run not found", goerr.V("run_id", id))
		}
		return nil, goerr.Wrap(err, "failed to get run document")
	}

	var run model.Run
	if err := snap.DataTo(&run); err != nil {
		return nil, goerr.Wrap(err, "failed to decode run document")
	}
	return &run, nil
}

func (r *Firestore) UpdateRun(ctx context.Context, run *model.Run) error {
	ref := r.client.Collection(collectionRuns).Doc(string(run.ID))

	err := r.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		if err != nil {
			if status.Code(err) == codes.NotFound {
				return goerr.Wrap(model.ErrNotFound, "run not found", goerr.V("run_id", run.ID))
			}
			return goerr.Wrap(err, "failed to get run document")
		}

		var stored model.Run
		if err := snap.DataTo(&stored); err != nil {
			return goerr.Wrap(err, "failed to decode run document")
		}
		if stored.Version != run.Version {
			return goerr.Wrap(model.ErrVersionConflict, "run was updated concurrently",
				goerr.V("run_id", run.ID),
				goerr.V("expected", run.Version),
				goerr.V("actual", stored.Version))
		}

		next := run.Clone()
		next.Version = stored.Version + 1
		next.UpdatedAt = time.Now()
		return tx.Set(ref, next)
	})
	if err != nil {
		return err
	}

	run.Version++
	return nil
}

func (r *Firestore) ListRuns(ctx context.Context) ([]*model.Run, error) {
	it := r.client.Collection(collectionRuns).
		OrderBy("CreatedAt", firestore.Desc).
		Documents(ctx)
	defer it.Stop()

	var runs []*model.Run
	for {
		snap, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, goerr.Wrap(err, "failed to iterate runs")
		}

		var run model.Run
		if err := snap.DataTo(&run); err != nil {
			return nil, goerr.Wrap(err, "failed to decode run document")
		}
		runs = append(runs, &run)
	}
	return runs, nil
}
