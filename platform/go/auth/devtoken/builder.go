// Package devtoken mints unsigned Firebase-shaped ID tokens for AUTH_PROVIDER=dev.
package devtoken

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Params describes the token subject. Nothing is read from the environment.
type Params struct {
	ProjectID string // used for aud and iss
	// Tenant is the tenant UUID, emitted as tenantId and firebase.tenant.
	// Registry operators act across tenants and leave it empty.
	Tenant                 string
	UserID                 string
	Email                  string
	Name                   string
	EmailVerified          bool
	IsAdmin                bool
	Roles                  []string
	FirebaseSignInProvider string        // default "password"
	ExpiresIn              time.Duration // default 1h
	Audience               string        // defaults to ProjectID
	Issuer                 string        // defaults to https://securetoken.google.com/<ProjectID>
}

type firebaseClaim struct {
	Identities     map[string][]string `json:"identities"`
	SignInProvider string              `json:"sign_in_provider"`
	Tenant         string              `json:"tenant,omitempty"`
}

type claims struct {
	Issuer        string        `json:"iss"`
	Audience      string        `json:"aud"`
	AuthTime      int64         `json:"auth_time"`
	IssuedAt      int64         `json:"iat"`
	Expires       int64         `json:"exp"`
	Subject       string        `json:"sub"`
	UserID        string        `json:"user_id"`
	Email         string        `json:"email"`
	EmailVerified bool          `json:"email_verified"`
	Name          string        `json:"name,omitempty"`
	IsAdmin       bool          `json:"isAdmin"`
	Roles         []string      `json:"roles,omitempty"`
	TenantID      string        `json:"tenantId,omitempty"`
	Firebase      firebaseClaim `json:"firebase"`
}

var header = map[string]string{"alg": "none", "typ": "JWT"}

// BuildUnsignedFirebaseToken returns "<header>.<payload>" with alg "none".
func BuildUnsignedFirebaseToken(p Params, now time.Time) (string, error) {
	if strings.TrimSpace(p.ProjectID) == "" {
		return "", errors.New("projectID is required")
	}
	if strings.TrimSpace(p.UserID) == "" {
		return "", errors.New("userID is required")
	}
	if strings.TrimSpace(p.Email) == "" {
		return "", errors.New("email is required")
	}
	tenantID := strings.TrimSpace(p.Tenant)
	if tenantID != "" {
		id, err := uuid.Parse(tenantID)
		if err != nil {
			return "", fmt.Errorf("tenant must be a UUID: %w", err)
		}
		tenantID = id.String()
	}

	if now.IsZero() {
		now = time.Now().UTC()
	}
	if p.ExpiresIn <= 0 {
		p.ExpiresIn = time.Hour
	}
	if strings.TrimSpace(p.Issuer) == "" {
		p.Issuer = "https://securetoken.google.com/" + p.ProjectID
	}
	if strings.TrimSpace(p.Audience) == "" {
		p.Audience = p.ProjectID
	}
	if strings.TrimSpace(p.FirebaseSignInProvider) == "" {
		p.FirebaseSignInProvider = "password"
	}

	c := claims{
		Issuer:        p.Issuer,
		Audience:      p.Audience,
		AuthTime:      now.Unix(),
		IssuedAt:      now.Unix(),
		Expires:       now.Add(p.ExpiresIn).Unix(),
		Subject:       p.UserID,
		UserID:        p.UserID,
		Email:         p.Email,
		EmailVerified: p.EmailVerified,
		Name:          p.Name,
		IsAdmin:       p.IsAdmin,
		Roles:         p.Roles,
		TenantID:      tenantID,
		Firebase: firebaseClaim{
			Identities:     map[string][]string{"email": {p.Email}},
			SignInProvider: p.FirebaseSignInProvider,
			Tenant:         tenantID,
		},
	}

	h, err := encodeSegment(header)
	if err != nil {
		return "", err
	}
	body, err := encodeSegment(c)
	if err != nil {
		return "", err
	}
	return h + "." + body, nil
}

func encodeSegment(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}
