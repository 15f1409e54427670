package service

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/zenGate-Global/licensing-saas/platform/go/lifecycle"
)

// Errors returned by the service layer.
var (
	ErrNotFound           = errors.New("tenant not found")
	ErrConflictAgencyCode = errors.New("agency code already registered")
	ErrDeactivated        = errors.New("tenant is deactivated")
	ErrValidation         = errors.New("invalid tenant input")
)

var agencyCodePattern = regexp.MustCompile(`^[A-Z0-9][A-Z0-9-]{1,31}$`)

// Tenant represents the domain model for a tenant registry entry.
type Tenant struct {
	ID            uuid.UUID
	Name          string
	AgencyCode    string
	ContactEmail  string
	Active        bool
	CreatedAt     time.Time
	UpdatedAt     time.Time
	DeactivatedAt *time.Time
}

// RegisterInput represents the request to register a tenant.
type RegisterInput struct {
	Name         string
	AgencyCode   string
	ContactEmail string
}

// UpdateInput represents mutable fields for a tenant. Agency code is immutable.
type UpdateInput struct {
	Name         *string
	ContactEmail *string
}

// ListResult wraps paginated tenants.
type ListResult struct {
	Tenants    []Tenant
	Page       int
	PageSize   int
	TotalItems int
	TotalPages int
}

// ListOptions captures filters and pagination.
type ListOptions struct {
	Page     int
	PageSize int
	Active   *bool
}

func (o ListOptions) normalized() ListOptions {
	if o.Page < 1 {
		o.Page = 1
	}
	if o.PageSize <= 0 {
		o.PageSize = 20
	}
	if o.PageSize > 200 {
		o.PageSize = 200
	}
	return o
}

// Change is the outcome of a MutateFunc: the next tenant state and the event
// describing it. A nil Event means nothing changed and nothing is written.
type Change struct {
	Tenant Tenant
	Event  *lifecycle.Event
}

// MutateFunc computes a change from the current (locked) tenant state.
type MutateFunc func(current Tenant) (Change, error)

// Repository abstracts persistence. Every write stores the tenant change and its
// lifecycle event atomically.
type Repository interface {
	List(ctx context.Context, opts ListOptions) (ListResult, error)
	Get(ctx context.Context, id uuid.UUID) (Tenant, error)
	GetByAgencyCode(ctx context.Context, code string) (Tenant, error)
	Create(ctx context.Context, t Tenant, event lifecycle.Event) (Tenant, error)
	Mutate(ctx context.Context, id uuid.UUID, fn MutateFunc) (Tenant, error)
}

// Service provides tenant registry operations. It is the only writer of tenant
// identity and activation state.
type Service struct {
	repo Repository
	now  func() time.Time
}

// New constructs a Service with required dependencies.
func New(repo Repository) *Service {
	if repo == nil {
		panic("tenants repo is required")
	}
	return &Service{repo: repo, now: func() time.Time { return time.Now().UTC() }}
}

// WithClock overrides the time source; used by tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// List tenants with optional active filter.
func (s *Service) List(ctx context.Context, opts ListOptions) (ListResult, error) {
	return s.repo.List(ctx, opts.normalized())
}

// Get returns a tenant by id.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (Tenant, error) {
	return s.repo.Get(ctx, id)
}

// GetByAgencyCode returns the tenant that owns code.
func (s *Service) GetByAgencyCode(ctx context.Context, code string) (Tenant, error) {
	return s.repo.GetByAgencyCode(ctx, normalizeAgencyCode(code))
}

// Register creates an active tenant and emits Created.
func (s *Service) Register(ctx context.Context, input RegisterInput) (Tenant, error) {
	name := strings.TrimSpace(input.Name)
	code := normalizeAgencyCode(input.AgencyCode)
	email := strings.TrimSpace(input.ContactEmail)

	if name == "" {
		return Tenant{}, fmt.Errorf("%w: name is required", ErrValidation)
	}
	if !agencyCodePattern.MatchString(code) {
		return Tenant{}, fmt.Errorf("%w: agency code %q must be 2-32 upper-case letters, digits or dashes", ErrValidation, input.AgencyCode)
	}
	if err := validateEmail(email); err != nil {
		return Tenant{}, err
	}

	now := s.now()
	t := Tenant{
		ID:           uuid.New(),
		Name:         name,
		AgencyCode:   code,
		ContactEmail: email,
		Active:       true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	event := lifecycle.NewCreated(t.ID, lifecycle.CreatedPayload{
		Name:         t.Name,
		AgencyCode:   t.AgencyCode,
		ContactEmail: t.ContactEmail,
		CreatedAt:    t.CreatedAt,
	}, now)

	return s.repo.Create(ctx, t, event)
}

// Update modifies the name or contact email and emits Updated carrying only the
// changed fields. Unchanged input is a no-op.
func (s *Service) Update(ctx context.Context, id uuid.UUID, input UpdateInput) (Tenant, error) {
	if input.Name != nil && strings.TrimSpace(*input.Name) == "" {
		return Tenant{}, fmt.Errorf("%w: name cannot be empty", ErrValidation)
	}
	if input.ContactEmail != nil {
		if err := validateEmail(strings.TrimSpace(*input.ContactEmail)); err != nil {
			return Tenant{}, err
		}
	}

	return s.repo.Mutate(ctx, id, func(current Tenant) (Change, error) {
		if !current.Active {
			return Change{}, ErrDeactivated
		}

		next := current
		var payload lifecycle.UpdatedPayload
		changed := false
		if input.Name != nil {
			if name := strings.TrimSpace(*input.Name); name != current.Name {
				next.Name = name
				payload.Name = &name
				changed = true
			}
		}
		if input.ContactEmail != nil {
			if email := strings.TrimSpace(*input.ContactEmail); email != current.ContactEmail {
				next.ContactEmail = email
				payload.ContactEmail = &email
				changed = true
			}
		}
		if !changed {
			return Change{Tenant: current}, nil
		}

		now := s.now()
		next.UpdatedAt = now
		payload.Active = true
		event := lifecycle.NewUpdated(current.ID, payload, now)
		return Change{Tenant: next, Event: &event}, nil
	})
}

// Activate is a no-op for active tenants. Deactivation is terminal, so a
// deactivated tenant cannot be reactivated.
func (s *Service) Activate(ctx context.Context, id uuid.UUID) (Tenant, error) {
	t, err := s.repo.Get(ctx, id)
	if err != nil {
		return Tenant{}, err
	}
	if !t.Active {
		return Tenant{}, ErrDeactivated
	}
	return t, nil
}

// Deactivate marks the tenant inactive and emits Deleted. Repeated calls return
// the already deactivated tenant without emitting another event.
func (s *Service) Deactivate(ctx context.Context, id uuid.UUID) (Tenant, error) {
	return s.repo.Mutate(ctx, id, func(current Tenant) (Change, error) {
		if !current.Active {
			return Change{Tenant: current}, nil
		}
		now := s.now()
		next := current
		next.Active = false
		next.UpdatedAt = now
		next.DeactivatedAt = &now
		event := lifecycle.NewDeleted(current.ID, now)
		return Change{Tenant: next, Event: &event}, nil
	})
}

func normalizeAgencyCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

func validateEmail(email string) error {
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return fmt.Errorf("%w: contact email %q is invalid", ErrValidation, email)
	}
	return nil
}
