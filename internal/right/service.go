package right

import (
	"context"

	"github.com/ovaphlow/pitchfork/service-accounts/internal/right/entity"
	"github.com/ovaphlow/pitchfork/service-accounts/internal/right/repo"
	"github.com/ovaphlow/pitchfork/service-accounts/pkg/utilities"
)

// Service encapsulates read access to the rights catalog.
type Service struct {
	repo    *repo.Repo
	perPage int
}

// NewService constructs a Service listing perPage rights per page.
func NewService(r *repo.Repo, perPage int) *Service {
	if perPage <= 0 {
		perPage = 10
	}
	return &Service{repo: r, perPage: perPage}
}

// Page returns one page (1-based) of the catalog.
func (s *Service) Page(ctx context.Context, page int) ([]entity.Right, utilities.Page, error) {
	if page < 1 {
		page = 1
	}
	rights, err := s.repo.List(ctx, s.perPage, utilities.Offset(page, s.perPage))
	if err != nil {
		return nil, utilities.Page{}, err
	}
	return rights, utilities.NewPage(page, s.perPage, len(rights)), nil
}

// All returns the whole catalog as a single page.
func (s *Service) All(ctx context.Context) ([]entity.Right, utilities.Page, error) {
	rights, err := s.repo.List(ctx, 0, 0)
	if err != nil {
		return nil, utilities.Page{}, err
	}
	return rights, utilities.Page{PreviousPage: 1, Page: 1, NextPage: 1, ItemsPerPage: len(rights)}, nil
}
