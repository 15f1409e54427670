package lifecycle

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeVariants(t *testing.T) {
	tenantID := uuid.New()
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	name := "Motor Vehicles"

	events := []Event{
		NewCreated(tenantID, CreatedPayload{Name: "DMV", AgencyCode: "DMV-01", ContactEmail: "ops@dmv.example", CreatedAt: at}, at),
		NewUpdated(tenantID, UpdatedPayload{Name: &name, Active: false}, at),
		NewDeleted(tenantID, at),
	}

	for _, e := range events {
		t.Run(string(e.Type), func(t *testing.T) {
			data, err := Encode(e)
			require.NoError(t, err)

			got, err := Decode(data)
			require.NoError(t, err)
			require.Equal(t, e, got)
		})
	}
}

func TestEncodeWireShape(t *testing.T) {
	tenantID := uuid.New()
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	data, err := Encode(NewUpdated(tenantID, UpdatedPayload{Active: false}, at))
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	require.Equal(t, "Updated", raw["type"])
	require.Equal(t, tenantID.String(), raw["tenantId"])
	require.Equal(t, "2026-03-01T12:00:00Z", raw["occurredAt"])
	require.Equal(t, false, raw["active"])
	require.NotContains(t, raw, "name")
}

func TestDecodeRejectsMalformed(t *testing.T) {
	tenantID := uuid.NewString()
	eventID := uuid.NewString()

	tests := []struct {
		name    string
		payload string
	}{
		{"not json", `{"type":`},
		{"unknown type", `{"type":"Renamed","tenantId":"` + tenantID + `","eventId":"` + eventID + `","occurredAt":"2026-03-01T12:00:00Z"}`},
		{"bad tenant id", `{"type":"Deleted","tenantId":"abc","eventId":"` + eventID + `","occurredAt":"2026-03-01T12:00:00Z","deletedAt":"2026-03-01T12:00:00Z"}`},
		{"missing event id", `{"type":"Deleted","tenantId":"` + tenantID + `","occurredAt":"2026-03-01T12:00:00Z","deletedAt":"2026-03-01T12:00:00Z"}`},
		{"created without agency code", `{"type":"Created","tenantId":"` + tenantID + `","eventId":"` + eventID + `","occurredAt":"2026-03-01T12:00:00Z","name":"DMV","contactEmail":"a@b","createdAt":"2026-03-01T12:00:00Z"}`},
		{"unexpected field", `{"type":"Deleted","tenantId":"` + tenantID + `","eventId":"` + eventID + `","occurredAt":"2026-03-01T12:00:00Z","deletedAt":"2026-03-01T12:00:00Z","extra":1}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.payload))
			require.ErrorIs(t, err, ErrMalformed)
		})
	}
}

func TestValidateRequiresSinglePayload(t *testing.T) {
	e := NewDeleted(uuid.New(), time.Now())
	e.Created = &CreatedPayload{Name: "x", AgencyCode: "y"}
	require.ErrorIs(t, e.Validate(), ErrMalformed)

	e = NewDeleted(uuid.New(), time.Now())
	e.Type = TypeCreated
	require.ErrorIs(t, e.Validate(), ErrMalformed)

	_, err := Encode(Event{Type: TypeDeleted})
	require.ErrorIs(t, err, ErrMalformed)
}
