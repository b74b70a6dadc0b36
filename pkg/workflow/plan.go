package workflow

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/m-mizutani/goerr/v2"
	"github.com/scriptorhq/scriptor/pkg/model"
)

// Plan is the caller-supplied ordered list of steps for one run. Step
// instructions may reference earlier outputs as {stepName}; forward or
// unknown references are rejected before execution begins.
type Plan struct {
	ProjectID string           `yaml:"project"`
	Steps     []model.PlanStep `yaml:"steps"`
}

// refPattern matches {token} output references. Only simple tokens count
// as references, and every one must name an earlier step or validation
// rejects the plan. Brace pairs holding anything else (JSON objects,
// prose with spaces) are not references and pass through untouched.
var refPattern = regexp.MustCompile(`\{([A-Za-z0-9_-]+)\}`)

// Normalize fills default step names (step0, step1, ...) and project scope
func (p *Plan) Normalize() {
	if p.ProjectID == "" {
		p.ProjectID = model.DefaultProjectID
	}
	for i := range p.Steps {
		if p.Steps[i].Name == "" {
			p.Steps[i].Name = fmt.Sprintf("step%d", i)
		}
	}
}

// Validate rejects malformed plans with model.ErrInvalidPlan. A reference
// is valid only when it names a step strictly earlier in the plan.
func (p *Plan) Validate() error {
	if len(p.Steps) == 0 {
		return goerr.Wrap(model.ErrInvalidPlan, "plan has no steps")
	}

	seen := make(map[string]int, len(p.Steps))
	for i, step := range p.Steps {
		if step.Name == "" {
			return goerr.Wrap(model.ErrInvalidPlan, "step name is empty", goerr.V("step_index", i))
		}
		if step.Identity == "" {
			return goerr.Wrap(model.ErrInvalidPlan, "step identity is empty",
				goerr.V("step_index", i), goerr.V("step", step.Name))
		}
		if step.Instruction == "" {
			return goerr.Wrap(model.ErrInvalidPlan, "step instruction is empty",
				goerr.V("step_index", i), goerr.V("step", step.Name))
		}
		if prev, ok := seen[step.Name]; ok {
			return goerr.Wrap(model.ErrInvalidPlan, "duplicate step name",
				goerr.V("step", step.Name), goerr.V("first_index", prev), goerr.V("step_index", i))
		}

		for _, ref := range refPattern.FindAllStringSubmatch(step.Instruction, -1) {
			target, ok := seen[ref[1]]
			if !ok || target >= i {
				return goerr.Wrap(model.ErrInvalidPlan, "instruction references a step that will not have completed",
					goerr.V("step_index", i), goerr.V("reference", ref[1]))
			}
		}

		seen[step.Name] = i
	}
	return nil
}

// resolveInstruction substitutes completed step outputs into the template.
// Validation guarantees every reference is present in outputs by the time
// the step runs.
func resolveInstruction(template string, outputs map[string]string) string {
	return refPattern.ReplaceAllStringFunc(template, func(match string) string {
		name := strings.Trim(match, "{}")
		if out, ok := outputs[name]; ok {
			return out
		}
		return match
	})
}
