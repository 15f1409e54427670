package lifecycle

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schema.json
var schemaJSON []byte

const schemaURL = "https://schemas.licensing.local/tenant-lifecycle.json"

var (
	schemaOnce     sync.Once
	compiledSchema *jsonschema.Schema
	schemaErr      error
)

// wire is the flat JSON shape carried by the transport.
type wire struct {
	Type         Type       `json:"type"`
	TenantID     uuid.UUID  `json:"tenantId"`
	EventID      uuid.UUID  `json:"eventId"`
	OccurredAt   time.Time  `json:"occurredAt"`
	Name         *string    `json:"name,omitempty"`
	AgencyCode   *string    `json:"agencyCode,omitempty"`
	ContactEmail *string    `json:"contactEmail,omitempty"`
	CreatedAt    *time.Time `json:"createdAt,omitempty"`
	Active       *bool      `json:"active,omitempty"`
	DeletedAt    *time.Time `json:"deletedAt,omitempty"`
}

// Encode validates and serializes an event to its wire shape.
func Encode(e Event) ([]byte, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}

	w := wire{Type: e.Type, TenantID: e.TenantID, EventID: e.EventID, OccurredAt: e.OccurredAt.UTC()}
	switch e.Type {
	case TypeCreated:
		p := e.Created
		createdAt := p.CreatedAt.UTC()
		w.Name, w.AgencyCode, w.ContactEmail, w.CreatedAt = &p.Name, &p.AgencyCode, &p.ContactEmail, &createdAt
	case TypeUpdated:
		p := e.Updated
		active := p.Active
		w.Name, w.ContactEmail, w.Active = p.Name, p.ContactEmail, &active
	case TypeDeleted:
		deletedAt := e.Deleted.DeletedAt.UTC()
		w.DeletedAt = &deletedAt
	}

	return json.Marshal(w)
}

// Decode validates data against the embedded JSON Schema and rebuilds the
// variant. Every failure wraps ErrMalformed.
func Decode(data []byte) (Event, error) {
	schema, err := loadSchema()
	if err != nil {
		return Event{}, err
	}

	var document any
	if err := json.Unmarshal(data, &document); err != nil {
		return Event{}, fmt.Errorf("%w: decode payload: %v", ErrMalformed, err)
	}
	if err := schema.Validate(document); err != nil {
		return Event{}, fmt.Errorf("%w: schema validation: %v", ErrMalformed, err)
	}

	var w wire
	if err := json.Unmarshal(data, &w); err != nil {
		return Event{}, fmt.Errorf("%w: decode payload: %v", ErrMalformed, err)
	}

	e := Event{Type: w.Type, EventID: w.EventID, TenantID: w.TenantID, OccurredAt: w.OccurredAt}
	switch w.Type {
	case TypeCreated:
		e.Created = &CreatedPayload{Name: deref(w.Name), AgencyCode: deref(w.AgencyCode), ContactEmail: deref(w.ContactEmail)}
		if w.CreatedAt != nil {
			e.Created.CreatedAt = *w.CreatedAt
		}
	case TypeUpdated:
		e.Updated = &UpdatedPayload{Name: w.Name, ContactEmail: w.ContactEmail}
		if w.Active != nil {
			e.Updated.Active = *w.Active
		}
	case TypeDeleted:
		e.Deleted = &DeletedPayload{}
		if w.DeletedAt != nil {
			e.Deleted.DeletedAt = *w.DeletedAt
		}
	}

	if err := e.Validate(); err != nil {
		return Event{}, err
	}
	return e, nil
}

func loadSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		compiler.AssertFormat = true
		if err := compiler.AddResource(schemaURL, bytes.NewReader(schemaJSON)); err != nil {
			schemaErr = fmt.Errorf("register lifecycle schema: %w", err)
			return
		}
		compiledSchema, schemaErr = compiler.Compile(schemaURL)
		if schemaErr != nil {
			schemaErr = fmt.Errorf("compile lifecycle schema: %w", schemaErr)
		}
	})
	return compiledSchema, schemaErr
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
