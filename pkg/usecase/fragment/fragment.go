package fragment

import (
	"io"
	"os"

	"github.com/scriptorhq/scriptor/pkg/index"
	"github.com/scriptorhq/scriptor/pkg/policy"
	"github.com/scriptorhq/scriptor/pkg/repository"
)

// UseCase provides fragment ingestion and retrieval operations
type UseCase struct {
	repo     repository.Repository
	embedder index.Embedder
	ingest   *policy.Ingest
	output   io.Writer
}

// Option is a functional option for UseCase
type Option func(*UseCase)

// WithIngestPolicy gates ingestion on a Rego admission policy
func WithIngestPolicy(p *policy.Ingest) Option {
	return func(uc *UseCase) {
		uc.ingest = p
	}
}

// WithOutput sets the output writer
func WithOutput(w io.Writer) Option {
	return func(uc *UseCase) {
		uc.output = w
	}
}

// New creates a new fragment UseCase instance
func New(
	repo repository.Repository,
	embedder index.Embedder,
	opts ...Option,
) *UseCase {
	uc := &UseCase{
		repo:     repo,
		embedder: embedder,
		output:   os.Stdout,
	}

	for _, opt := range opts {
		opt(uc)
	}

	return uc
}
