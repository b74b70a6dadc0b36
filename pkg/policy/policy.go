package policy

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/m-mizutani/goerr/v2"
	"github.com/open-policy-agent/opa/v1/rego"
	"github.com/scriptorhq/scriptor/pkg/model"
	"github.com/scriptorhq/scriptor/pkg/utils/logging"
)

// Ingest is the Rego admission policy for fragment ingestion. Policies
// live under data.ingest and decide per fragment:
//
//	package ingest
//	default allow := false
//	allow if not deny
//	deny if contains(input.text, "SECRET")
//
// A nil Ingest (no .rego files in the policy directory) admits everything.
type Ingest struct {
	query *rego.PreparedEvalQuery
}

// Decision is the policy verdict for one fragment
type Decision struct {
	Allow  bool   `json:"allow"`
	Reason string `json:"reason"`
}

// Load reads all .rego files from dir and prepares the data.ingest query.
// Returns a permissive policy when the directory holds no .rego files.
func Load(ctx context.Context, dir string) (*Ingest, error) {
	files, err := filepath.Glob(filepath.Join(dir, "*.rego"))
	if err != nil {
		return nil, goerr.Wrap(err, "failed to glob policy files", goerr.V("dir", dir))
	}
	if len(files) == 0 {
		return &Ingest{}, nil
	}

	options := make([]func(*rego.Rego), 0, len(files)+1)
	options = append(options, rego.Query("data.ingest"))
	for _, file := range files {
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, goerr.Wrap(err, "failed to read policy file", goerr.V("path", file))
		}
		options = append(options, rego.Module(file, string(data)))
	}

	prepared, err := rego.New(options...).PrepareForEval(ctx)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to prepare ingest policy")
	}

	logging.From(ctx).Debug("ingest policy loaded", "files", len(files))
	return &Ingest{query: &prepared}, nil
}

// FromModules prepares a policy from in-memory Rego sources, keyed by a
// filename used in error messages. Used by tests.
func FromModules(ctx context.Context, modules map[string]string) (*Ingest, error) {
	options := make([]func(*rego.Rego), 0, len(modules)+1)
	options = append(options, rego.Query("data.ingest"))
	for name, src := range modules {
		options = append(options, rego.Module(name, src))
	}

	prepared, err := rego.New(options...).PrepareForEval(ctx)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to prepare ingest policy")
	}
	return &Ingest{query: &prepared}, nil
}

// Evaluate applies the policy to a fragment before it is embedded and
// stored. The fragment is the policy input as {name, project, text}.
func (p *Ingest) Evaluate(ctx context.Context, fragment *model.Fragment) (*Decision, error) {
	if p == nil || p.query == nil {
		return &Decision{Allow: true}, nil
	}

	input := map[string]any{
		"name":    fragment.Name,
		"project": fragment.ProjectID,
		"text":    fragment.Text,
	}
	results, err := p.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, goerr.Wrap(err, "failed to evaluate ingest policy", goerr.V("name", fragment.Name))
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return &Decision{Allow: false, Reason: "policy produced no result"}, nil
	}

	// Round-trip through JSON to map the rego document onto the decision
	raw, err := json.Marshal(results[0].Expressions[0].Value)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to encode policy result")
	}
	var decision Decision
	if err := json.Unmarshal(raw, &decision); err != nil {
		return nil, goerr.Wrap(err, "failed to decode policy result")
	}

	return &decision, nil
}
