package repository_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/m-mizutani/gt"
	"github.com/scriptorhq/scriptor/pkg/model"
	"github.com/scriptorhq/scriptor/pkg/repository"
)

func testFragment(name, project, text string) *model.Fragment {
	return &model.Fragment{
		Name:      name,
		ProjectID: project,
		Text:      text,
		Embedding: []float32{0.1, 0.2, 0.3},
	}
}

func TestPutFragment(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewMemory()

	frag := testFragment("note", "proj", "hello")
	gt.NoError(t, repo.PutFragment(ctx, frag))
	gt.False(t, frag.CreatedAt.IsZero())

	retrieved, err := repo.GetFragment(ctx, "proj", "note")
	gt.NoError(t, err)
	gt.Equal(t, retrieved.Text, "hello")

	// Same name in the same project conflicts
	err = repo.PutFragment(ctx, testFragment("note", "proj", "other"))
	gt.Error(t, err)
	gt.True(t, errors.Is(err, model.ErrConflict))

	// Same name in another project is fine
	gt.NoError(t, repo.PutFragment(ctx, testFragment("note", "other-proj", "other")))
}

func TestGetFragmentNotFound(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewMemory()

	_, err := repo.GetFragment(ctx, "proj", "missing")
	gt.Error(t, err)
	gt.True(t, errors.Is(err, model.ErrNotFound))
}

func TestListFragmentsSaveOrder(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewMemory()

	names := []string{"c", "a", "b"}
	for _, name := range names {
		gt.NoError(t, repo.PutFragment(ctx, testFragment(name, "proj", "text-"+name)))
	}
	gt.NoError(t, repo.PutFragment(ctx, testFragment("z", "other", "elsewhere")))

	var got []string
	for frag, err := range repo.ListFragments(ctx, "proj") {
		gt.NoError(t, err)
		got = append(got, frag.Name)
	}
	gt.Equal(t, got, names)

	// The sequence is restartable
	count := 0
	for _, err := range repo.ListFragments(ctx, "proj") {
		gt.NoError(t, err)
		count++
	}
	gt.Equal(t, count, 3)
}

func TestAppendMessages(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewMemory()

	newLen, err := repo.AppendMessages(ctx, "agent:a", 0, []*model.Message{
		model.NewMessage(model.RoleUser, "hello"),
		model.NewMessage(model.RoleModel, "hi"),
	})
	gt.NoError(t, err)
	gt.Equal(t, newLen, 2)

	msgs, err := repo.GetThread(ctx, "agent:a")
	gt.NoError(t, err)
	gt.A(t, msgs).Length(2)
	gt.Equal(t, msgs[0].Seq, 0)
	gt.Equal(t, msgs[1].Seq, 1)
	gt.Equal(t, msgs[0].Role, model.RoleUser)

	// Stale expected length fails and writes nothing
	_, err = repo.AppendMessages(ctx, "agent:a", 0, []*model.Message{
		model.NewMessage(model.RoleUser, "late"),
	})
	gt.Error(t, err)
	gt.True(t, errors.Is(err, model.ErrBusy))

	msgs, err = repo.GetThread(ctx, "agent:a")
	gt.NoError(t, err)
	gt.A(t, msgs).Length(2)
}

func TestGetThreadUnknownIdentity(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewMemory()

	msgs, err := repo.GetThread(ctx, "agent:new")
	gt.NoError(t, err)
	gt.A(t, msgs).Length(0)
}

func TestCreateRun(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewMemory()

	run := &model.Run{
		ID:          model.NewRunID(),
		ProjectID:   "proj",
		Steps:       []model.PlanStep{{Name: "s0", Identity: "a", Instruction: "go"}},
		StepOutputs: map[string]string{},
		Status:      model.RunStatusPlanned,
	}
	gt.NoError(t, repo.CreateRun(ctx, run))
	gt.Equal(t, run.Version, 1)

	err := repo.CreateRun(ctx, run)
	gt.Error(t, err)
	gt.True(t, errors.Is(err, model.ErrConflict))
}

func TestUpdateRunVersionConflict(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewMemory()

	run := &model.Run{
		ID:          model.NewRunID(),
		ProjectID:   "proj",
		Steps:       []model.PlanStep{{Name: "s0", Identity: "a", Instruction: "go"}},
		StepOutputs: map[string]string{},
		Status:      model.RunStatusPlanned,
	}
	gt.NoError(t, repo.CreateRun(ctx, run))

	// First writer wins
	first := run.Clone()
	first.Status = model.RunStatusRunning
	gt.NoError(t, repo.UpdateRun(ctx, first))
	gt.Equal(t, first.Version, 2)

	// Second writer holds the stale version
	stale := run.Clone()
	stale.Status = model.RunStatusCancelled
	err := repo.UpdateRun(ctx, stale)
	gt.Error(t, err)
	gt.True(t, errors.Is(err, model.ErrVersionConflict))

	stored, err := repo.GetRun(ctx, run.ID)
	gt.NoError(t, err)
	gt.Equal(t, stored.Status, model.RunStatusRunning)
}

func TestGetRunNotFound(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewMemory()

	_, err := repo.GetRun(ctx, model.NewRunID())
	gt.Error(t, err)
	gt.True(t, errors.Is(err, model.ErrNotFound))
}

func TestListRunsNewestFirst(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewMemory()

	var ids []model.RunID
	for i := 0; i < 3; i++ {
		run := &model.Run{
			ID:          model.NewRunID(),
			ProjectID:   "proj",
			Steps:       []model.PlanStep{{Name: "s0", Identity: "a", Instruction: "go"}},
			StepOutputs: map[string]string{},
			Status:      model.RunStatusPlanned,
		}
		gt.NoError(t, repo.CreateRun(ctx, run))
		ids = append(ids, run.ID)
		time.Sleep(time.Millisecond)
	}

	runs, err := repo.ListRuns(ctx)
	gt.NoError(t, err)
	gt.A(t, runs).Length(3)
	for i, run := range runs {
		gt.Equal(t, run.ID, ids[len(ids)-1-i])
	}
}
