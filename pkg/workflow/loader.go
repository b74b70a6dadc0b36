package workflow

import (
	"os"

	"github.com/m-mizutani/goerr/v2"
	"github.com/scriptorhq/scriptor/pkg/model"
	"gopkg.in/yaml.v3"
)

// LoadPlan reads a pipeline plan from a YAML file:
//
//	project: default-project
//	steps:
//	  - name: draft
//	    identity: deepwiki:main
//	    instruction: "Generate wiki documentation."
func LoadPlan(path string) (*Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to read plan file", goerr.V("path", path))
	}

	var plan Plan
	if err := yaml.Unmarshal(data, &plan); err != nil {
		return nil, goerr.Wrap(err, "failed to parse plan file", goerr.V("path", path))
	}

	plan.Normalize()
	if err := plan.Validate(); err != nil {
		return nil, err
	}
	return &plan, nil
}

// DocsPreset is the built-in documentation pipeline: draft a wiki, refine
// it on the same conversation, then derive a style guide that aligns with
// the refined wiki.
func DocsPreset(projectID, query string) *Plan {
	if query == "" {
		query = "Generate comprehensive documentation"
	}

	plan := &Plan{
		ProjectID: projectID,
		Steps: []model.PlanStep{
			{
				Name:        "draft",
				Identity:    "deepwiki:docs",
				Instruction: query + ". Focus on architecture and key patterns.",
			},
			{
				Name:        "refine",
				Identity:    "deepwiki:docs",
				Instruction: "Enhance the documentation with more examples and best practices.",
			},
			{
				Name:        "style",
				Identity:    "codestyle:docs",
				Instruction: "Generate a style guide that aligns with the patterns discussed in this wiki:\n\n{refine}",
			},
		},
	}
	plan.Normalize()
	return plan
}
