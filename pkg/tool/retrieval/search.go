package retrieval

import (
	"context"
	"encoding/json"

	"github.com/m-mizutani/goerr/v2"
	"github.com/scriptorhq/scriptor/pkg/index"
	"github.com/urfave/cli/v3"
	"google.golang.org/genai"
)

// Search exposes the retrieval index as a function-calling tool so an
// agent can ground its output in stored fragments.
type Search struct {
	index          *index.Index
	defaultProject string
}

// NewSearch creates the search_fragments tool scoped to defaultProject
// unless the model overrides project_id per call.
func NewSearch(idx *index.Index, defaultProject string) *Search {
	return &Search{
		index:          idx,
		defaultProject: defaultProject,
	}
}

type searchResult struct {
	Name  string  `json:"name"`
	Text  string  `json:"text"`
	Score float64 `json:"score"`
}

// Spec returns the tool specification for Gemini function calling
func (s *Search) Spec() *genai.Tool {
	return &genai.Tool{
		FunctionDeclarations: []*genai.FunctionDeclaration{
			{
				Name:        "search_fragments",
				Description: "Search stored content fragments by semantic similarity. Returns up to k fragments ranked by cosine similarity to the query.",
				Parameters: &genai.Schema{
					Type: genai.TypeObject,
					Properties: map[string]*genai.Schema{
						"query": {
							Type:        genai.TypeString,
							Description: "Search query text, plain language or a content excerpt",
						},
						"k": {
							Type:        genai.TypeInteger,
							Description: "Max results (default: 30, max: 100)",
						},
						"project_id": {
							Type:        genai.TypeString,
							Description: "Project to search in (defaults to the configured project)",
						},
					},
					Required: []string{"query"},
				},
			},
		},
	}
}

// Execute runs the similarity search with the model-supplied arguments
func (s *Search) Execute(ctx context.Context, fc genai.FunctionCall) (*genai.FunctionResponse, error) {
	query, _ := fc.Args["query"].(string)
	if query == "" {
		return nil, goerr.New("query argument is required")
	}

	projectID := s.defaultProject
	if p, ok := fc.Args["project_id"].(string); ok && p != "" {
		projectID = p
	}

	k := 0
	if v, ok := fc.Args["k"].(float64); ok {
		k = int(v)
	}

	matches, err := s.index.Query(ctx, query, projectID, k)
	if err != nil {
		return nil, goerr.Wrap(err, "fragment search failed", goerr.V("project_id", projectID))
	}

	results := make([]searchResult, len(matches))
	for i, m := range matches {
		results[i] = searchResult{
			Name:  m.Fragment.Name,
			Text:  m.Fragment.Text,
			Score: m.Score,
		}
	}

	payload, err := json.Marshal(results)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to marshal search results")
	}

	return &genai.FunctionResponse{
		Name:     fc.Name,
		Response: map[string]any{"result": string(payload)},
	}, nil
}

// Prompt returns additional information for the system prompt
func (s *Search) Prompt(ctx context.Context) string {
	return "You have access to a search_fragments tool that finds stored content fragments by semantic similarity. Use it to ground your output in the actual stored content."
}

// Flags returns CLI flags for this tool
func (s *Search) Flags() []cli.Flag {
	return nil
}
