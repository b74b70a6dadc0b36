package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/m-mizutani/goerr/v2"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/scriptorhq/scriptor/pkg/index"
	"github.com/scriptorhq/scriptor/pkg/model"
	"github.com/scriptorhq/scriptor/pkg/usecase/fragment"
	"github.com/scriptorhq/scriptor/pkg/utils/logging"
	"github.com/scriptorhq/scriptor/pkg/workflow"
)

// Server exposes the fragment store and the pipeline engine over the Model
// Context Protocol on stdio. Pipelines started here run detached from the
// tool call; callers poll pipeline_status with the returned run ID.
type Server struct {
	fragments *fragment.UseCase
	index     *index.Index
	engine    *workflow.Engine
	server    *mcp.Server
}

// NewServer builds the MCP server and registers all tools
func NewServer(fragments *fragment.UseCase, idx *index.Index, engine *workflow.Engine) *Server {
	s := &Server{
		fragments: fragments,
		index:     idx,
		engine:    engine,
		server: mcp.NewServer(&mcp.Implementation{
			Name:    "scriptor",
			Version: "0.1.0",
		}, nil),
	}

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "save_fragment",
		Description: "Save a named content fragment. The text is embedded and becomes searchable. Names are unique within a project.",
	}, s.saveFragment)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "get_fragment",
		Description: "Get a content fragment by name.",
	}, s.getFragment)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "search_fragments",
		Description: "Search content fragments by semantic similarity to a query.",
		InputSchema: searchFragmentsSchema(),
	}, s.searchFragments)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "start_pipeline",
		Description: "Start a documentation pipeline over the stored fragments. Returns a run ID; poll pipeline_status for progress.",
	}, s.startPipeline)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "pipeline_status",
		Description: "Get the status, step outputs and error of a pipeline run.",
	}, s.pipelineStatus)

	return s
}

// Run serves MCP requests on stdio until the context is cancelled
func (s *Server) Run(ctx context.Context) error {
	logging.From(ctx).Info("mcp server starting", "transport", "stdio")
	return s.server.Run(ctx, &mcp.StdioTransport{})
}

type saveFragmentParams struct {
	Name    string `json:"name" jsonschema:"Unique fragment name within the project"`
	Text    string `json:"text" jsonschema:"The fragment content to store"`
	Project string `json:"project,omitempty" jsonschema:"Project scope (defaults to default-project)"`
}

func (s *Server) saveFragment(ctx context.Context, req *mcp.CallToolRequest, params *saveFragmentParams) (*mcp.CallToolResult, any, error) {
	if params.Name == "" || params.Text == "" {
		return nil, nil, goerr.New("name and text are required")
	}

	frag, err := s.fragments.Save(ctx, params.Name, params.Project, params.Text)
	if err != nil {
		return nil, nil, err
	}
	return textResult(fmt.Sprintf("Saved fragment %q in project %q (%d dims)",
		frag.Name, frag.ProjectID, len(frag.Embedding))), nil, nil
}

type getFragmentParams struct {
	Name    string `json:"name" jsonschema:"The fragment name"`
	Project string `json:"project,omitempty" jsonschema:"Project scope (defaults to default-project)"`
}

func (s *Server) getFragment(ctx context.Context, req *mcp.CallToolRequest, params *getFragmentParams) (*mcp.CallToolResult, any, error) {
	if params.Name == "" {
		return nil, nil, goerr.New("name is required")
	}

	frag, err := s.fragments.Get(ctx, params.Project, params.Name)
	if err != nil {
		return nil, nil, err
	}
	return textResult(frag.Text), nil, nil
}

type searchFragmentsParams struct {
	Query   string `json:"query"`
	K       int    `json:"k,omitempty"`
	Project string `json:"project,omitempty"`
}

// searchFragmentsSchema declares the search input explicitly so the limit
// bounds are visible to the client.
func searchFragmentsSchema() *jsonschema.Schema {
	return &jsonschema.Schema{
		Type: "object",
		Properties: map[string]*jsonschema.Schema{
			"query": {
				Type:        "string",
				Description: "The semantic search query",
			},
			"k": {
				Type:        "integer",
				Description: fmt.Sprintf("Maximum number of results (default %d, max %d)", index.DefaultLimit, index.MaxLimit),
			},
			"project": {
				Type:        "string",
				Description: "Project scope (defaults to default-project)",
			},
		},
		Required: []string{"query"},
	}
}

type searchHit struct {
	Name  string  `json:"name"`
	Text  string  `json:"text"`
	Score float64 `json:"score"`
}

func (s *Server) searchFragments(ctx context.Context, req *mcp.CallToolRequest, params *searchFragmentsParams) (*mcp.CallToolResult, any, error) {
	matches, err := s.index.Query(ctx, params.Query, params.Project, params.K)
	if err != nil {
		return nil, nil, err
	}

	hits := make([]searchHit, len(matches))
	for i, m := range matches {
		hits[i] = searchHit{Name: m.Fragment.Name, Text: m.Fragment.Text, Score: m.Score}
	}
	payload, err := json.Marshal(hits)
	if err != nil {
		return nil, nil, goerr.Wrap(err, "failed to encode search results")
	}
	return textResult(string(payload)), nil, nil
}

type startPipelineParams struct {
	Query   string           `json:"query,omitempty" jsonschema:"Focus of the documentation pipeline"`
	Project string           `json:"project,omitempty" jsonschema:"Project scope (defaults to default-project)"`
	Steps   []model.PlanStep `json:"steps,omitempty" jsonschema:"Explicit plan steps; omit to use the built-in documentation pipeline"`
}

func (s *Server) startPipeline(ctx context.Context, req *mcp.CallToolRequest, params *startPipelineParams) (*mcp.CallToolResult, any, error) {
	var plan *workflow.Plan
	if len(params.Steps) > 0 {
		plan = &workflow.Plan{ProjectID: params.Project, Steps: params.Steps}
	} else {
		plan = workflow.DocsPreset(params.Project, params.Query)
	}

	run, err := s.engine.StartRun(ctx, plan)
	if err != nil {
		return nil, nil, err
	}

	// Detach execution from the tool call so the client can poll while
	// steps run.
	execCtx := context.WithoutCancel(ctx)
	go func() {
		if _, err := s.engine.Execute(execCtx, run.ID); err != nil {
			logging.From(execCtx).Error("pipeline execution failed", "run_id", run.ID, "error", err)
		}
	}()

	return textResult(fmt.Sprintf("Started pipeline run %s with %d steps", run.ID, len(run.Steps))), nil, nil
}

type pipelineStatusParams struct {
	RunID string `json:"run_id" jsonschema:"The run ID returned by start_pipeline"`
}

type pipelineStatus struct {
	RunID       string            `json:"run_id"`
	Status      model.RunStatus   `json:"status"`
	Cursor      int               `json:"cursor"`
	Steps       int               `json:"steps"`
	StepOutputs map[string]string `json:"step_outputs,omitempty"`
	Error       *model.RunError   `json:"error,omitempty"`
}

func (s *Server) pipelineStatus(ctx context.Context, req *mcp.CallToolRequest, params *pipelineStatusParams) (*mcp.CallToolResult, any, error) {
	if params.RunID == "" {
		return nil, nil, goerr.New("run_id is required")
	}

	run, err := s.engine.GetResult(ctx, model.RunID(params.RunID))
	if err != nil {
		return nil, nil, err
	}

	payload, err := json.Marshal(&pipelineStatus{
		RunID:       string(run.ID),
		Status:      run.Status,
		Cursor:      run.Cursor,
		Steps:       len(run.Steps),
		StepOutputs: run.StepOutputs,
		Error:       run.Error,
	})
	if err != nil {
		return nil, nil, goerr.Wrap(err, "failed to encode run status")
	}
	return textResult(string(payload)), nil, nil
}

func textResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			&mcp.TextContent{Text: text},
		},
	}
}
