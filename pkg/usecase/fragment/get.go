package fragment

import (
	"context"

	"github.com/scriptorhq/scriptor/pkg/model"
)

// Get retrieves a fragment by name within a project
func (u *UseCase) Get(
	ctx context.Context,
	projectID, name string,
) (*model.Fragment, error) {
	if projectID == "" {
		projectID = model.DefaultProjectID
	}
	return u.repo.GetFragment(ctx, projectID, name)
}
