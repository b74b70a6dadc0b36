package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/briandowns/spinner"
	"github.com/m-mizutani/goerr/v2"
	"github.com/scriptorhq/scriptor/pkg/model"
	"github.com/scriptorhq/scriptor/pkg/workflow"
	"github.com/urfave/cli/v3"
)

func runCommand() *cli.Command {
	return &cli.Command{
		Name:  "run",
		Usage: "Manage pipeline runs",
		Commands: []*cli.Command{
			runNewCommand(),
			runStatusCommand(),
			runResumeCommand(),
			runCancelCommand(),
			runListCommand(),
		},
	}
}

func runNewCommand() *cli.Command {
	var (
		cfg      config
		planFile string
		preset   string
		query    string
	)

	flags := []cli.Flag{
		&cli.StringFlag{
			Name:        "file",
			Aliases:     []string{"f"},
			Usage:       "Path to a YAML plan file",
			Destination: &planFile,
		},
		&cli.StringFlag{
			Name:        "preset",
			Usage:       "Built-in plan to use instead of a file (docs)",
			Destination: &preset,
		},
		&cli.StringFlag{
			Name:        "query",
			Aliases:     []string{"q"},
			Usage:       "Focus of the preset pipeline",
			Destination: &query,
		},
	}
	flags = append(flags, globalFlags(&cfg)...)
	flags = append(flags, llmFlags(&cfg)...)
	flags = append(flags, archiveFlags(&cfg)...)

	return &cli.Command{
		Name:  "new",
		Usage: "Start a pipeline run and execute it to completion",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			ctx = cfg.loggerContext(ctx)

			plan, err := resolvePlan(planFile, preset, cfg.project, query)
			if err != nil {
				return err
			}

			repo, err := cfg.newRepository(ctx)
			if err != nil {
				return err
			}
			gemini, err := cfg.newGemini(ctx)
			if err != nil {
				return err
			}
			engine, err := cfg.newEngine(ctx, repo, gemini)
			if err != nil {
				return err
			}

			run, err := engine.StartRun(ctx, plan)
			if err != nil {
				return err
			}
			fmt.Fprintf(c.Root().Writer, "Run %s started (%d steps)\n", run.ID, len(run.Steps))

			return executeRun(ctx, c, engine, run.ID)
		},
	}
}

func runStatusCommand() *cli.Command {
	var (
		cfg   config
		runID string
	)

	flags := []cli.Flag{
		&cli.StringFlag{
			Name:        "run-id",
			Aliases:     []string{"id"},
			Usage:       "Run ID to inspect",
			Destination: &runID,
			Required:    true,
		},
	}
	flags = append(flags, globalFlags(&cfg)...)

	return &cli.Command{
		Name:  "status",
		Usage: "Show the state, outputs and error of a run",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			ctx = cfg.loggerContext(ctx)

			repo, err := cfg.newRepository(ctx)
			if err != nil {
				return err
			}

			run, err := repo.GetRun(ctx, model.RunID(runID))
			if err != nil {
				return err
			}
			return printRun(c, run)
		},
	}
}

func runResumeCommand() *cli.Command {
	var (
		cfg   config
		runID string
	)

	flags := []cli.Flag{
		&cli.StringFlag{
			Name:        "run-id",
			Aliases:     []string{"id"},
			Usage:       "Run ID to resume",
			Destination: &runID,
			Required:    true,
		},
	}
	flags = append(flags, globalFlags(&cfg)...)
	flags = append(flags, llmFlags(&cfg)...)
	flags = append(flags, archiveFlags(&cfg)...)

	return &cli.Command{
		Name:  "resume",
		Usage: "Continue a run from its persisted cursor",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			ctx = cfg.loggerContext(ctx)

			repo, err := cfg.newRepository(ctx)
			if err != nil {
				return err
			}
			gemini, err := cfg.newGemini(ctx)
			if err != nil {
				return err
			}
			engine, err := cfg.newEngine(ctx, repo, gemini)
			if err != nil {
				return err
			}

			return executeRun(ctx, c, engine, model.RunID(runID))
		},
	}
}

func runCancelCommand() *cli.Command {
	var (
		cfg   config
		runID string
	)

	flags := []cli.Flag{
		&cli.StringFlag{
			Name:        "run-id",
			Aliases:     []string{"id"},
			Usage:       "Run ID to cancel",
			Destination: &runID,
			Required:    true,
		},
	}
	flags = append(flags, globalFlags(&cfg)...)

	return &cli.Command{
		Name:  "cancel",
		Usage: "Request cancellation before the next step starts",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			ctx = cfg.loggerContext(ctx)

			repo, err := cfg.newRepository(ctx)
			if err != nil {
				return err
			}

			engine := workflow.New(repo, nil)
			if err := engine.RequestCancel(ctx, model.RunID(runID)); err != nil {
				return err
			}
			fmt.Fprintf(c.Root().Writer, "Cancellation requested for %s\n", runID)
			return nil
		},
	}
}

func runListCommand() *cli.Command {
	var cfg config

	flags := globalFlags(&cfg)

	return &cli.Command{
		Name:  "list",
		Usage: "List runs, newest first",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			ctx = cfg.loggerContext(ctx)

			repo, err := cfg.newRepository(ctx)
			if err != nil {
				return err
			}

			runs, err := repo.ListRuns(ctx)
			if err != nil {
				return err
			}
			if len(runs) == 0 {
				fmt.Fprintf(c.Root().Writer, "No runs\n")
				return nil
			}
			for _, run := range runs {
				fmt.Fprintf(c.Root().Writer, "%s\t%s\t%d/%d\t%s\n",
					run.ID, run.Status, run.Cursor, len(run.Steps),
					run.CreatedAt.Format("2006-01-02 15:04:05"))
			}
			return nil
		},
	}
}

// resolvePlan picks the plan source: an explicit file wins over a preset
func resolvePlan(planFile, preset, projectID, query string) (*workflow.Plan, error) {
	switch {
	case planFile != "":
		return workflow.LoadPlan(planFile)
	case preset == "docs":
		return workflow.DocsPreset(projectID, query), nil
	case preset != "":
		return nil, goerr.New("unknown preset", goerr.V("preset", preset))
	default:
		return nil, goerr.New("give a plan with --file or --preset docs")
	}
}

// executeRun drives the run with a progress spinner and prints the result
func executeRun(ctx context.Context, c *cli.Command, engine *workflow.Engine, id model.RunID) error {
	sp := spinner.New(spinner.CharSets[14], 100*time.Millisecond, spinner.WithWriter(os.Stderr))
	sp.Suffix = " executing pipeline..."
	sp.Start()
	run, err := engine.Execute(ctx, id)
	sp.Stop()

	if run != nil {
		if printErr := printRun(c, run); printErr != nil {
			return printErr
		}
	}
	return err
}

// runView is the printable projection of a run record
type runView struct {
	RunID       string            `json:"run_id"`
	Project     string            `json:"project"`
	Status      model.RunStatus   `json:"status"`
	Cursor      int               `json:"cursor"`
	Steps       int               `json:"steps"`
	StepOutputs map[string]string `json:"step_outputs,omitempty"`
	Error       *model.RunError   `json:"error,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

func printRun(c *cli.Command, run *model.Run) error {
	view := &runView{
		RunID:       string(run.ID),
		Project:     run.ProjectID,
		Status:      run.Status,
		Cursor:      run.Cursor,
		Steps:       len(run.Steps),
		StepOutputs: run.StepOutputs,
		Error:       run.Error,
		CreatedAt:   run.CreatedAt,
		UpdatedAt:   run.UpdatedAt,
	}
	payload, err := json.MarshalIndent(view, "", "  ")
	if err != nil {
		return goerr.Wrap(err, "failed to encode run")
	}
	fmt.Fprintf(c.Root().Writer, "%s\n", payload)
	return nil
}
