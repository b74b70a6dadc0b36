package invoker_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/gt"
	"github.com/scriptorhq/scriptor/pkg/invoker"
	"github.com/scriptorhq/scriptor/pkg/model"
	"github.com/scriptorhq/scriptor/pkg/repository"
	"github.com/scriptorhq/scriptor/pkg/thread"
	"github.com/scriptorhq/scriptor/pkg/tool"
	"github.com/urfave/cli/v3"
	"google.golang.org/genai"
)

// mockGemini replays canned responses and records the requests
type mockGemini struct {
	responses []*genai.GenerateContentResponse
	errs      []error
	calls     int
	configs   []*genai.GenerateContentConfig
}

func (m *mockGemini) GenerateContent(ctx context.Context, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
	call := m.calls
	m.calls++
	m.configs = append(m.configs, config)

	if call < len(m.errs) && m.errs[call] != nil {
		return nil, m.errs[call]
	}
	if call < len(m.responses) {
		return m.responses[call], nil
	}
	return textResponse("fallback"), nil
}

func (m *mockGemini) Embedding(ctx context.Context, text string) (*genai.EmbedContentResponse, error) {
	return &genai.EmbedContentResponse{
		Embeddings: []*genai.ContentEmbedding{{Values: []float32{1, 0, 0}}},
	}, nil
}

func textResponse(text string) *genai.GenerateContentResponse {
	return &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{
			Content: &genai.Content{
				Role:  genai.RoleModel,
				Parts: []*genai.Part{{Text: text}},
			},
		}},
	}
}

func functionCallResponse(name string, args map[string]any) *genai.GenerateContentResponse {
	return &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{
			Content: &genai.Content{
				Role:  genai.RoleModel,
				Parts: []*genai.Part{{FunctionCall: &genai.FunctionCall{Name: name, Args: args}}},
			},
		}},
	}
}

// stubTool is a registry entry whose executions are counted
type stubTool struct {
	executed int
}

func (s *stubTool) Spec() *genai.Tool {
	return &genai.Tool{
		FunctionDeclarations: []*genai.FunctionDeclaration{
			{Name: "stub_tool", Description: "test tool"},
		},
	}
}

func (s *stubTool) Execute(ctx context.Context, fc genai.FunctionCall) (*genai.FunctionResponse, error) {
	s.executed++
	return &genai.FunctionResponse{
		Name:     fc.Name,
		Response: map[string]any{"result": "tool says hi"},
	}, nil
}

func (s *stubTool) Prompt(ctx context.Context) string { return "A stub_tool is available." }
func (s *stubTool) Flags() []cli.Flag                 { return nil }

func noSleep(ctx context.Context, d time.Duration) error { return nil }

func newInvoker(gemini *mockGemini, registry *tool.Registry, mgr *thread.Manager) *invoker.Invoker {
	return invoker.New(gemini, mgr, registry, invoker.WithSleep(noSleep))
}

func TestTurnRecordsConversation(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewMemory()
	mgr := thread.New(repo)
	gemini := &mockGemini{responses: []*genai.GenerateContentResponse{textResponse("the answer")}}

	iv := newInvoker(gemini, nil, mgr)
	out, err := iv.Turn(ctx, invoker.TurnInput{Identity: "agent:a", Instruction: "question"})
	gt.NoError(t, err)
	gt.Equal(t, out.Text, "the answer")
	gt.Equal(t, out.ThreadLen, 2)

	msgs, err := mgr.Messages(ctx, "agent:a")
	gt.NoError(t, err)
	gt.A(t, msgs).Length(2)
	gt.Equal(t, msgs[0].Role, model.RoleUser)
	gt.Equal(t, msgs[0].Text, "question")
	gt.Equal(t, msgs[1].Role, model.RoleModel)
	gt.Equal(t, msgs[1].Text, "the answer")
}

func TestTurnContextCarriesAcrossTurns(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewMemory()
	mgr := thread.New(repo)
	gemini := &mockGemini{responses: []*genai.GenerateContentResponse{
		textResponse("first"),
		textResponse("second"),
	}}

	iv := newInvoker(gemini, nil, mgr)
	_, err := iv.Turn(ctx, invoker.TurnInput{Identity: "agent:a", Instruction: "one"})
	gt.NoError(t, err)
	out, err := iv.Turn(ctx, invoker.TurnInput{Identity: "agent:a", Instruction: "two"})
	gt.NoError(t, err)
	gt.Equal(t, out.ThreadLen, 4)

	msgs, err := mgr.Messages(ctx, "agent:a")
	gt.NoError(t, err)
	gt.A(t, msgs).Length(4)
	gt.Equal(t, msgs[2].Text, "two")
}

func TestTurnToolCallLoop(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewMemory()
	mgr := thread.New(repo)
	st := &stubTool{}
	registry := tool.New(st)
	gemini := &mockGemini{responses: []*genai.GenerateContentResponse{
		functionCallResponse("stub_tool", map[string]any{"query": "x"}),
		textResponse("grounded answer"),
	}}

	iv := newInvoker(gemini, registry, mgr)
	out, err := iv.Turn(ctx, invoker.TurnInput{Identity: "agent:a", Instruction: "question"})
	gt.NoError(t, err)
	gt.Equal(t, out.Text, "grounded answer")
	gt.Equal(t, st.executed, 1)
	gt.Equal(t, gemini.calls, 2)

	// The call and its result are recorded between user and model messages
	msgs, err := mgr.Messages(ctx, "agent:a")
	gt.NoError(t, err)
	gt.A(t, msgs).Length(4)
	gt.Equal(t, msgs[0].Role, model.RoleUser)
	gt.Equal(t, msgs[1].Role, model.RoleToolCall)
	gt.S(t, msgs[1].Text).Contains("stub_tool")
	gt.Equal(t, msgs[2].Role, model.RoleToolResult)
	gt.S(t, msgs[2].Text).Contains("tool says hi")
	gt.Equal(t, msgs[3].Role, model.RoleModel)
}

// flakyTool fails a set number of executions before succeeding
type flakyTool struct {
	failures int
	err      error
	executed int
}

func (s *flakyTool) Spec() *genai.Tool {
	return &genai.Tool{
		FunctionDeclarations: []*genai.FunctionDeclaration{
			{Name: "flaky_tool", Description: "test tool"},
		},
	}
}

func (s *flakyTool) Execute(ctx context.Context, fc genai.FunctionCall) (*genai.FunctionResponse, error) {
	s.executed++
	if s.executed <= s.failures {
		return nil, s.err
	}
	return &genai.FunctionResponse{
		Name:     fc.Name,
		Response: map[string]any{"result": "late result"},
	}, nil
}

func (s *flakyTool) Prompt(ctx context.Context) string { return "" }
func (s *flakyTool) Flags() []cli.Flag                 { return nil }

func TestTurnRetriesTransientToolFailure(t *testing.T) {
	ctx := context.Background()
	mgr := thread.New(repository.NewMemory())
	ft := &flakyTool{failures: 2, err: goerr.Wrap(model.ErrUpstreamUnavailable, "index down")}
	gemini := &mockGemini{responses: []*genai.GenerateContentResponse{
		functionCallResponse("flaky_tool", map[string]any{"query": "x"}),
		textResponse("grounded answer"),
	}}

	iv := newInvoker(gemini, tool.New(ft), mgr)
	out, err := iv.Turn(ctx, invoker.TurnInput{Identity: "agent:a", Instruction: "question"})
	gt.NoError(t, err)
	gt.Equal(t, out.Text, "grounded answer")
	gt.Equal(t, ft.executed, 3)
	gt.Equal(t, gemini.calls, 2)
}

func TestTurnFailsWhenToolRetriesExhausted(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewMemory()
	mgr := thread.New(repo)
	ft := &flakyTool{failures: 10, err: goerr.Wrap(model.ErrUpstreamUnavailable, "index down")}
	gemini := &mockGemini{responses: []*genai.GenerateContentResponse{
		functionCallResponse("flaky_tool", map[string]any{"query": "x"}),
		textResponse("answer without grounding"),
	}}

	iv := newInvoker(gemini, tool.New(ft), mgr)
	_, err := iv.Turn(ctx, invoker.TurnInput{Identity: "agent:a", Instruction: "question"})
	gt.Error(t, err)
	gt.True(t, errors.Is(err, model.ErrUpstreamUnavailable))

	// The budget was spent on the tool; no ungrounded completion happened
	gt.Equal(t, ft.executed, 3)
	gt.Equal(t, gemini.calls, 1)

	// The failed call stays on the record, without a model answer
	msgs, err := mgr.Messages(ctx, "agent:a")
	gt.NoError(t, err)
	gt.A(t, msgs).Length(3)
	gt.Equal(t, msgs[1].Role, model.RoleToolCall)
	gt.Equal(t, msgs[2].Role, model.RoleToolResult)
}

func TestTurnContinuesAfterNonTransientToolError(t *testing.T) {
	ctx := context.Background()
	mgr := thread.New(repository.NewMemory())
	ft := &flakyTool{failures: 10, err: goerr.New("bad query")}
	gemini := &mockGemini{responses: []*genai.GenerateContentResponse{
		functionCallResponse("flaky_tool", map[string]any{"query": "x"}),
		textResponse("answer anyway"),
	}}

	iv := newInvoker(gemini, tool.New(ft), mgr)
	out, err := iv.Turn(ctx, invoker.TurnInput{Identity: "agent:a", Instruction: "question"})
	gt.NoError(t, err)
	gt.Equal(t, out.Text, "answer anyway")

	// No retry for a deterministic tool error; the model saw it instead
	gt.Equal(t, ft.executed, 1)
	gt.Equal(t, gemini.calls, 2)

	msgs, err := mgr.Messages(ctx, "agent:a")
	gt.NoError(t, err)
	gt.S(t, msgs[2].Text).Contains("bad query")
}

func TestTurnRetriesCompletion(t *testing.T) {
	ctx := context.Background()
	mgr := thread.New(repository.NewMemory())
	gemini := &mockGemini{
		errs:      []error{goerr.New("flaky"), goerr.New("flaky again")},
		responses: []*genai.GenerateContentResponse{nil, nil, textResponse("recovered")},
	}

	iv := newInvoker(gemini, nil, mgr)
	out, err := iv.Turn(ctx, invoker.TurnInput{Identity: "agent:a", Instruction: "go"})
	gt.NoError(t, err)
	gt.Equal(t, out.Text, "recovered")
	gt.Equal(t, gemini.calls, 3)
}

func TestTurnExhaustsRetries(t *testing.T) {
	ctx := context.Background()
	mgr := thread.New(repository.NewMemory())
	gemini := &mockGemini{errs: []error{
		goerr.New("down"), goerr.New("down"), goerr.New("down"),
	}}

	iv := newInvoker(gemini, nil, mgr)
	_, err := iv.Turn(ctx, invoker.TurnInput{Identity: "agent:a", Instruction: "go"})
	gt.Error(t, err)
	gt.True(t, errors.Is(err, model.ErrUpstreamUnavailable))
	gt.Equal(t, gemini.calls, 3)
}

func TestTurnEmptyOutput(t *testing.T) {
	ctx := context.Background()
	mgr := thread.New(repository.NewMemory())
	gemini := &mockGemini{responses: []*genai.GenerateContentResponse{
		{Candidates: []*genai.Candidate{}},
	}}

	iv := newInvoker(gemini, nil, mgr)
	_, err := iv.Turn(ctx, invoker.TurnInput{Identity: "agent:a", Instruction: "go"})
	gt.Error(t, err)
	gt.True(t, errors.Is(err, model.ErrUpstreamUnavailable))
}

func TestTurnValidation(t *testing.T) {
	iv := newInvoker(&mockGemini{}, nil, thread.New(repository.NewMemory()))

	_, err := iv.Turn(context.Background(), invoker.TurnInput{Instruction: "go"})
	gt.Error(t, err)

	_, err = iv.Turn(context.Background(), invoker.TurnInput{Identity: "agent:a"})
	gt.Error(t, err)
}

func TestPersonaSelectsSystemInstruction(t *testing.T) {
	ctx := context.Background()
	mgr := thread.New(repository.NewMemory())

	testCases := []struct {
		identity string
		contains string
	}{
		{"deepwiki:docs", "DeepWiki"},
		{"codestyle:docs", "CodeStyleGuide"},
		{"anything:else", "helpful assistant"},
	}

	for _, tc := range testCases {
		t.Run(tc.identity, func(t *testing.T) {
			gemini := &mockGemini{responses: []*genai.GenerateContentResponse{textResponse("ok")}}
			iv := newInvoker(gemini, nil, mgr)
			_, err := iv.Turn(ctx, invoker.TurnInput{Identity: tc.identity, Instruction: "go"})
			gt.NoError(t, err)

			gt.A(t, gemini.configs).Length(1)
			system := gemini.configs[0].SystemInstruction
			gt.V(t, system).NotNil()
			gt.S(t, system.Parts[0].Text).Contains(tc.contains)
		})
	}
}
