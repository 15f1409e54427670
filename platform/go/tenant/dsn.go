package tenant

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/google/uuid"
)

// Placeholders understood by ConnString.
const (
	PlaceholderDatabase = "{database}"
	PlaceholderTenant   = "{tenant}"
	PlaceholderPrefix   = "{prefix}"
)

// maxIdentifierLen is PostgreSQL's NAMEDATALEN-1.
const maxIdentifierLen = 63

var (
	ErrInvalidTemplate = errors.New("invalid tenant connection template")
	ErrInvalidPrefix   = errors.New("invalid service database prefix")
)

// DatabaseName returns the physical database name of a tenant for a service
// prefix: <prefix>_<tenant uuid without dashes>, lower case.
func DatabaseName(prefix string, tenantID uuid.UUID) (string, error) {
	prefix = strings.ToLower(strings.TrimSpace(prefix))
	if prefix == "" {
		return "", ErrInvalidPrefix
	}
	for _, r := range prefix {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') && r != '_' {
			return "", fmt.Errorf("%w: %q", ErrInvalidPrefix, prefix)
		}
	}
	if prefix[0] >= '0' && prefix[0] <= '9' {
		return "", fmt.Errorf("%w: %q must start with a letter", ErrInvalidPrefix, prefix)
	}

	name := prefix + "_" + strings.ReplaceAll(tenantID.String(), "-", "")
	if len(name) > maxIdentifierLen {
		return "", fmt.Errorf("%w: %q too long", ErrInvalidPrefix, prefix)
	}
	return name, nil
}

// ConnString builds the connection string of a tenant database from the
// central template. It is a pure function of its arguments.
//
//   - {database}, {tenant} and {prefix} placeholders are substituted when present,
//     which also allows per-tenant hosts such as "postgres://{tenant}.db.internal/{database}".
//   - otherwise a URL template gets its path replaced by the database name
//   - otherwise a key/value template gets its dbname set.
func ConnString(template, prefix string, tenantID uuid.UUID) (string, error) {
	template = strings.TrimSpace(template)
	if template == "" {
		return "", ErrInvalidTemplate
	}
	if tenantID == uuid.Nil {
		return "", fmt.Errorf("%w: tenant id is required", ErrInvalidTemplate)
	}

	dbName, err := DatabaseName(prefix, tenantID)
	if err != nil {
		return "", err
	}

	if strings.Contains(template, PlaceholderDatabase) ||
		strings.Contains(template, PlaceholderTenant) ||
		strings.Contains(template, PlaceholderPrefix) {
		r := strings.NewReplacer(
			PlaceholderDatabase, dbName,
			PlaceholderTenant, tenantID.String(),
			PlaceholderPrefix, strings.ToLower(strings.TrimSpace(prefix)),
		)
		return r.Replace(template), nil
	}

	if strings.HasPrefix(template, "postgres://") || strings.HasPrefix(template, "postgresql://") {
		u, err := url.Parse(template)
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrInvalidTemplate, err)
		}
		u.Path = "/" + dbName
		u.RawPath = ""
		return u.String(), nil
	}

	fields := strings.Fields(template)
	replaced := false
	for i, f := range fields {
		if strings.HasPrefix(f, "dbname=") {
			fields[i] = "dbname=" + dbName
			replaced = true
		}
	}
	if !replaced {
		fields = append(fields, "dbname="+dbName)
	}
	return strings.Join(fields, " "), nil
}
