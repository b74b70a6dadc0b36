package mcp

import (
	"context"
	"testing"

	"github.com/m-mizutani/gt"
	"github.com/scriptorhq/scriptor/pkg/index"
	"github.com/scriptorhq/scriptor/pkg/model"
	"github.com/scriptorhq/scriptor/pkg/repository"
	"github.com/scriptorhq/scriptor/pkg/usecase/fragment"
	"github.com/scriptorhq/scriptor/pkg/workflow"
)

type fixedEmbedder struct{}

func (fixedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return []float32{1, 0, 0}, nil
}

func newTestServer(t *testing.T) (*Server, repository.Repository) {
	t.Helper()
	repo := repository.NewMemory()
	embedder := fixedEmbedder{}
	fragments := fragment.New(repo, embedder)
	idx := index.New(repo, embedder)
	engine := workflow.New(repo, nil)
	return NewServer(fragments, idx, engine), repo
}

func TestNewServerRegistersTools(t *testing.T) {
	s, _ := newTestServer(t)
	gt.V(t, s).NotNil()
	gt.V(t, s.server).NotNil()
}

func TestSearchFragmentsSchema(t *testing.T) {
	schema := searchFragmentsSchema()
	gt.Equal(t, schema.Type, "object")
	gt.Map(t, schema.Properties).HasKey("query")
	gt.Map(t, schema.Properties).HasKey("k")
	gt.Map(t, schema.Properties).HasKey("project")
	gt.Equal(t, schema.Required, []string{"query"})
}

func TestSaveAndGetFragmentTools(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestServer(t)

	result, _, err := s.saveFragment(ctx, nil, &saveFragmentParams{
		Name: "note",
		Text: "hello",
	})
	gt.NoError(t, err)
	gt.A(t, result.Content).Length(1)

	result, _, err = s.getFragment(ctx, nil, &getFragmentParams{Name: "note"})
	gt.NoError(t, err)
	gt.A(t, result.Content).Length(1)
}

func TestGetFragmentToolMissing(t *testing.T) {
	s, _ := newTestServer(t)

	_, _, err := s.getFragment(context.Background(), nil, &getFragmentParams{Name: "missing"})
	gt.Error(t, err)
}

func TestPipelineStatusTool(t *testing.T) {
	ctx := context.Background()
	s, repo := newTestServer(t)

	run := &model.Run{
		ID:          model.NewRunID(),
		ProjectID:   "proj",
		Steps:       []model.PlanStep{{Name: "s0", Identity: "a", Instruction: "go"}},
		StepOutputs: map[string]string{},
		Status:      model.RunStatusPlanned,
	}
	gt.NoError(t, repo.CreateRun(ctx, run))

	result, _, err := s.pipelineStatus(ctx, nil, &pipelineStatusParams{RunID: string(run.ID)})
	gt.NoError(t, err)
	gt.A(t, result.Content).Length(1)

	_, _, err = s.pipelineStatus(ctx, nil, &pipelineStatusParams{RunID: ""})
	gt.Error(t, err)
}
