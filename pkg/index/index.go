package index

import (
	"context"
	"math"
	"sort"

	"github.com/m-mizutani/goerr/v2"
	"github.com/scriptorhq/scriptor/pkg/model"
	"github.com/scriptorhq/scriptor/pkg/repository"
)

const (
	// DefaultLimit is the default number of matches returned by Query
	DefaultLimit = 30
	// MaxLimit caps the number of matches a single query may request
	MaxLimit = 100
)

// Embedder produces the fingerprint vector for a text. The same embedder
// must be used at save time and query time; tests inject a deterministic
// implementation.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Match is one ranked retrieval result
type Match struct {
	Fragment *model.Fragment
	Score    float64
}

// Index performs cosine-similarity search over the fragments of a project.
// A full scan is sufficient at the data sizes this system handles; the
// repository contract keeps fragments in save order, which is the tie-break
// for equal scores.
type Index struct {
	repo     repository.Repository
	embedder Embedder
}

func New(repo repository.Repository, embedder Embedder) *Index {
	return &Index{repo: repo, embedder: embedder}
}

// Query returns up to k fragments ranked by descending cosine similarity
// to the query text. It either returns a complete result or fails: a store
// or embedder failure surfaces as model.ErrUpstreamUnavailable, never as a
// silently truncated list.
func (x *Index) Query(ctx context.Context, text, projectID string, k int) ([]*Match, error) {
	if text == "" {
		return nil, goerr.New("query text is empty")
	}
	if projectID == "" {
		projectID = model.DefaultProjectID
	}
	if k <= 0 {
		k = DefaultLimit
	}
	if k > MaxLimit {
		k = MaxLimit
	}

	queryVec, err := x.embedder.Embed(ctx, text)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to embed query", goerr.V("project_id", projectID))
	}

	var matches []*Match
	for frag, err := range x.repo.ListFragments(ctx, projectID) {
		if err != nil {
			return nil, goerr.Wrap(model.ErrUpstreamUnavailable, "content store is unreachable",
				goerr.V("project_id", projectID), goerr.V("cause", err))
		}
		matches = append(matches, &Match{
			Fragment: frag,
			Score:    cosineSimilarity(queryVec, frag.Embedding),
		})
	}

	// Stable sort keeps save order for equal scores
	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].Score > matches[j].Score
	})

	if len(matches) > k {
		matches = matches[:k]
	}
	return matches, nil
}

// cosineSimilarity returns the cosine of the angle between two vectors in
// [-1, 1]. Mismatched or zero-norm vectors score 0.
func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
