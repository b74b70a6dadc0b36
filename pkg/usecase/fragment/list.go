package fragment

import (
	"context"

	"github.com/scriptorhq/scriptor/pkg/model"
)

// List retrieves all fragments of a project in save order
func (u *UseCase) List(
	ctx context.Context,
	projectID string,
) ([]*model.Fragment, error) {
	if projectID == "" {
		projectID = model.DefaultProjectID
	}

	var frags []*model.Fragment
	for frag, err := range u.repo.ListFragments(ctx, projectID) {
		if err != nil {
			return nil, err
		}
		frags = append(frags, frag)
	}
	return frags, nil
}
