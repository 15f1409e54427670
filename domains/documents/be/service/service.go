package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/zenGate-Global/licensing-saas/domains/documents/be/repo"
	"github.com/zenGate-Global/licensing-saas/platform/go/tenant"
)

var ErrValidation = errors.New("invalid document input")

// Repository abstracts the tenant-scoped document store.
type Repository interface {
	List(ctx context.Context, opts repo.ListOptions) ([]repo.Document, int, error)
	Get(ctx context.Context, id uuid.UUID) (repo.Document, error)
	Create(ctx context.Context, d repo.Document) (repo.Document, error)
	SoftDelete(ctx context.Context, id uuid.UUID, at time.Time) error
	Profile(ctx context.Context) (repo.Profile, error)
}

type CreateInput struct {
	Title       string
	ContentType string
}

type ListResult struct {
	Documents []repo.Document
	Total     int
}

type Service struct {
	repo Repository
	now  func() time.Time
}

func New(r Repository) *Service {
	if r == nil {
		panic("documents repo is required")
	}
	return &Service{repo: r, now: func() time.Time { return time.Now().UTC() }}
}

func (s *Service) List(ctx context.Context, limit, offset uint64) (ListResult, error) {
	docs, total, err := s.repo.List(ctx, repo.ListOptions{Limit: limit, Offset: offset})
	if err != nil {
		return ListResult{}, err
	}
	return ListResult{Documents: docs, Total: total}, nil
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (repo.Document, error) {
	return s.repo.Get(ctx, id)
}

// Create stores document metadata. The storage key is namespaced by tenant.
func (s *Service) Create(ctx context.Context, input CreateInput) (repo.Document, error) {
	title := strings.TrimSpace(input.Title)
	contentType := strings.TrimSpace(input.ContentType)
	if title == "" {
		return repo.Document{}, fmt.Errorf("%w: title is required", ErrValidation)
	}
	if !strings.Contains(contentType, "/") {
		return repo.Document{}, fmt.Errorf("%w: content type %q is invalid", ErrValidation, input.ContentType)
	}

	tid, ok := tenant.IDFromContext(ctx)
	if !ok {
		return repo.Document{}, tenant.ErrUnauthenticated
	}

	id := uuid.New()
	return s.repo.Create(ctx, repo.Document{
		ID:          id,
		Title:       title,
		ContentType: contentType,
		StorageKey:  fmt.Sprintf("tenants/%s/documents/%s", tid, id),
		CreatedAt:   s.now(),
	})
}

func (s *Service) Delete(ctx context.Context, id uuid.UUID) error {
	return s.repo.SoftDelete(ctx, id, s.now())
}

func (s *Service) Profile(ctx context.Context) (repo.Profile, error) {
	return s.repo.Profile(ctx)
}
