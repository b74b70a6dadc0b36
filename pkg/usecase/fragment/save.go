package fragment

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/m-mizutani/goerr/v2"
	"github.com/scriptorhq/scriptor/pkg/model"
	"github.com/scriptorhq/scriptor/pkg/utils/logging"
)

// Save embeds the text and stores it as a named fragment. The name is
// unique within the project; a second save under the same name fails with
// model.ErrConflict. Rejection by the ingest policy fails before any
// embedding call is made.
func (u *UseCase) Save(
	ctx context.Context,
	name, projectID, text string,
) (*model.Fragment, error) {
	if projectID == "" {
		projectID = model.DefaultProjectID
	}

	frag := &model.Fragment{
		Name:      name,
		ProjectID: projectID,
		Text:      text,
		CreatedAt: time.Now(),
	}

	decision, err := u.ingest.Evaluate(ctx, frag)
	if err != nil {
		return nil, err
	}
	if !decision.Allow {
		return nil, goerr.Wrap(model.ErrPolicyDenied, "fragment rejected by ingest policy",
			goerr.V("name", name), goerr.V("reason", decision.Reason))
	}

	vec, err := u.embedder.Embed(ctx, text)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to embed fragment", goerr.V("name", name))
	}
	frag.Embedding = firestore.Vector32(vec)

	if err := frag.Validate(); err != nil {
		return nil, err
	}
	if err := u.repo.PutFragment(ctx, frag); err != nil {
		return nil, err
	}

	logging.From(ctx).Info("fragment saved",
		"name", frag.Name, "project", frag.ProjectID, "dims", len(frag.Embedding))
	return frag, nil
}

// SaveFile stores a file's contents as a fragment named after its base
// filename.
func (u *UseCase) SaveFile(
	ctx context.Context,
	path, projectID string,
) (*model.Fragment, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to read fragment file", goerr.V("path", path))
	}
	return u.Save(ctx, filepath.Base(path), projectID, string(data))
}
