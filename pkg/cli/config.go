package cli

import (
	"context"
	"os"

	"github.com/m-mizutani/goerr/v2"
	"github.com/scriptorhq/scriptor/pkg/adapter"
	"github.com/scriptorhq/scriptor/pkg/index"
	"github.com/scriptorhq/scriptor/pkg/invoker"
	"github.com/scriptorhq/scriptor/pkg/model"
	"github.com/scriptorhq/scriptor/pkg/policy"
	"github.com/scriptorhq/scriptor/pkg/repository"
	"github.com/scriptorhq/scriptor/pkg/thread"
	"github.com/scriptorhq/scriptor/pkg/tool"
	"github.com/scriptorhq/scriptor/pkg/tool/retrieval"
	"github.com/scriptorhq/scriptor/pkg/usecase/fragment"
	"github.com/scriptorhq/scriptor/pkg/utils/logging"
	"github.com/scriptorhq/scriptor/pkg/workflow"
	"github.com/urfave/cli/v3"
)

// config holds configuration values
type config struct {
	// Repository
	repository       string
	firestoreProject string
	database         string

	// Gemini
	geminiProject   string
	geminiLocation  string
	generativeModel string
	embeddingModel  string

	// Domain
	project   string
	policyDir string
	bucket    string

	logLevel string
}

// globalFlags returns common flags used across commands with destination config
func globalFlags(cfg *config) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "repository",
			Usage:       "Repository backend (firestore, mem)",
			Value:       "firestore",
			Sources:     cli.EnvVars("SCRIPTOR_REPOSITORY"),
			Destination: &cfg.repository,
		},
		&cli.StringFlag{
			Name:        "firestore-project",
			Usage:       "Google Cloud project ID for Firestore",
			Sources:     cli.EnvVars("GOOGLE_CLOUD_PROJECT"),
			Destination: &cfg.firestoreProject,
		},
		&cli.StringFlag{
			Name:        "database",
			Aliases:     []string{"d"},
			Usage:       "Firestore database ID",
			Value:       "(default)",
			Sources:     cli.EnvVars("FIRESTORE_DATABASE_ID"),
			Destination: &cfg.database,
		},
		&cli.StringFlag{
			Name:        "project",
			Aliases:     []string{"p"},
			Usage:       "Project scope for fragments and runs",
			Value:       model.DefaultProjectID,
			Sources:     cli.EnvVars("SCRIPTOR_PROJECT_ID"),
			Destination: &cfg.project,
		},
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "Log level (debug, info, warn, error)",
			Value:       "info",
			Sources:     cli.EnvVars("SCRIPTOR_LOG_LEVEL"),
			Destination: &cfg.logLevel,
		},
	}
}

// llmFlags returns flags for LLM-related configuration with destination config
func llmFlags(cfg *config) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "gemini-project",
			Usage:       "Google Cloud project ID for Gemini",
			Sources:     cli.EnvVars("GEMINI_PROJECT_ID"),
			Destination: &cfg.geminiProject,
		},
		&cli.StringFlag{
			Name:        "gemini-location",
			Usage:       "Google Cloud location for Gemini",
			Value:       "us-central1",
			Sources:     cli.EnvVars("GEMINI_LOCATION"),
			Destination: &cfg.geminiLocation,
		},
		&cli.StringFlag{
			Name:        "generative-model",
			Usage:       "Gemini model for completions",
			Value:       "gemini-2.5-flash",
			Sources:     cli.EnvVars("SCRIPTOR_GENERATIVE_MODEL"),
			Destination: &cfg.generativeModel,
		},
		&cli.StringFlag{
			Name:        "embedding-model",
			Usage:       "Gemini model for embeddings",
			Value:       "gemini-embedding-001",
			Sources:     cli.EnvVars("SCRIPTOR_EMBEDDING_MODEL"),
			Destination: &cfg.embeddingModel,
		},
	}
}

// policyFlags returns flags for the ingest policy
func policyFlags(cfg *config) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "policy",
			Usage:       "Directory holding .rego ingest policies",
			Sources:     cli.EnvVars("SCRIPTOR_POLICY_DIR"),
			Destination: &cfg.policyDir,
		},
	}
}

// archiveFlags returns flags for transcript archival
func archiveFlags(cfg *config) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "bucket",
			Usage:       "Cloud Storage bucket for run transcripts",
			Sources:     cli.EnvVars("SCRIPTOR_BUCKET"),
			Destination: &cfg.bucket,
		},
	}
}

// loggerContext installs a logger at the configured level on the context
func (cfg *config) loggerContext(ctx context.Context) context.Context {
	logger := logging.New(cfg.logLevel, os.Stderr)
	logging.SetDefault(logger)
	return logging.With(ctx, logger)
}

// newRepository creates a new repository instance. The mem backend keeps
// everything in process, useful for trying the tool without a GCP project.
func (cfg *config) newRepository(ctx context.Context) (repository.Repository, error) {
	switch cfg.repository {
	case "mem":
		return repository.NewMemory(), nil
	case "firestore":
		if cfg.firestoreProject == "" {
			return nil, goerr.New("firestore-project is required")
		}
		if cfg.database == "" {
			return nil, goerr.New("database is required")
		}

		repo, err := repository.NewFirestore(ctx, cfg.firestoreProject, cfg.database)
		if err != nil {
			return nil, goerr.Wrap(err, "failed to create repository")
		}
		return repo, nil
	default:
		return nil, goerr.New("unknown repository backend", goerr.V("repository", cfg.repository))
	}
}

// newGemini creates a new Gemini adapter instance
func (cfg *config) newGemini(ctx context.Context) (adapter.Gemini, error) {
	if cfg.geminiProject == "" {
		return nil, goerr.New("gemini-project is required")
	}
	if cfg.geminiLocation == "" {
		return nil, goerr.New("gemini-location is required")
	}
	return adapter.NewGemini(ctx, cfg.geminiProject, cfg.geminiLocation,
		adapter.WithGenerativeModel(cfg.generativeModel),
		adapter.WithEmbeddingModel(cfg.embeddingModel),
	)
}

// newIndex creates the retrieval index over the repository
func (cfg *config) newIndex(repo repository.Repository, gemini adapter.Gemini) *index.Index {
	return index.New(repo, adapter.NewGeminiEmbedder(gemini))
}

// newFragmentUseCase creates the fragment usecase, with the ingest policy
// when a policy directory is configured
func (cfg *config) newFragmentUseCase(ctx context.Context, repo repository.Repository, gemini adapter.Gemini) (*fragment.UseCase, error) {
	opts := []fragment.Option{}
	if cfg.policyDir != "" {
		ingest, err := policy.Load(ctx, cfg.policyDir)
		if err != nil {
			return nil, err
		}
		opts = append(opts, fragment.WithIngestPolicy(ingest))
	}
	return fragment.New(repo, adapter.NewGeminiEmbedder(gemini), opts...), nil
}

// newInvoker creates the agent invoker with the retrieval tool registered
func (cfg *config) newInvoker(repo repository.Repository, gemini adapter.Gemini) *invoker.Invoker {
	idx := cfg.newIndex(repo, gemini)
	registry := tool.New(retrieval.NewSearch(idx, cfg.project))
	return invoker.New(gemini, thread.New(repo), registry)
}

// newEngine creates the pipeline engine, with transcript archival when a
// bucket is configured
func (cfg *config) newEngine(ctx context.Context, repo repository.Repository, gemini adapter.Gemini) (*workflow.Engine, error) {
	inv := cfg.newInvoker(repo, gemini)

	opts := []workflow.Option{}
	if cfg.bucket != "" {
		storage, err := adapter.NewStorage(ctx, cfg.bucket)
		if err != nil {
			return nil, goerr.Wrap(err, "failed to create storage")
		}
		opts = append(opts, workflow.WithArchive(storage))
	}
	return workflow.New(repo, workflow.NewTurnRunner(inv), opts...), nil
}
