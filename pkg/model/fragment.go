package model

import (
	"time"

	"cloud.google.com/go/firestore"
	"github.com/m-mizutani/goerr/v2"
)

// DefaultProjectID scopes fragments and runs when the caller gives none
const DefaultProjectID = "default-project"

// Fragment is an immutable named piece of content with its embedding
// vector. The (ProjectID, Name) pair is the identity; a fragment is never
// updated in place.
type Fragment struct {
	Name      string
	ProjectID string
	Text      string
	Embedding firestore.Vector32
	CreatedAt time.Time
}

// Validate checks the fragment is complete enough to store
func (f *Fragment) Validate() error {
	if f.Name == "" {
		return goerr.New("fragment name is empty")
	}
	if f.ProjectID == "" {
		return goerr.New("fragment project is empty", goerr.V("name", f.Name))
	}
	if f.Text == "" {
		return goerr.New("fragment text is empty", goerr.V("name", f.Name))
	}
	if len(f.Embedding) == 0 {
		return goerr.New("fragment embedding is empty", goerr.V("name", f.Name))
	}
	return nil
}

// Clone returns a deep copy
func (f *Fragment) Clone() *Fragment {
	clone := *f
	clone.Embedding = make(firestore.Vector32, len(f.Embedding))
	copy(clone.Embedding, f.Embedding)
	return &clone
}
