// Package services is the static catalog of dependent services that keep one
// database per tenant.
package services

import (
	"fmt"
	"sort"
	"strings"

	sqlassets "github.com/zenGate-Global/licensing-saas/database"
	"github.com/zenGate-Global/licensing-saas/platform/go/provisioning"
)

const (
	Licenses      = "licenses"
	Payments      = "payments"
	Documents     = "documents"
	Notifications = "notifications"
)

type entry struct {
	cachesProfile bool
	retire        []string
}

var catalog = map[string]entry{
	Licenses: {
		retire: []string{
			`UPDATE license_renewals SET is_active = FALSE WHERE is_active = TRUE`,
			`UPDATE licenses SET is_active = FALSE, status = 'revoked' WHERE is_active = TRUE`,
		},
	},
	Payments: {
		retire: []string{
			`UPDATE payments SET is_active = FALSE WHERE is_active = TRUE`,
		},
	},
	Documents: {
		cachesProfile: true,
		retire: []string{
			`UPDATE documents SET is_deleted = TRUE, deleted_at = now() WHERE is_deleted = FALSE`,
			`UPDATE tenant_profile SET is_active = FALSE, refreshed_at = now() WHERE is_active = TRUE`,
		},
	},
	Notifications: {
		cachesProfile: true,
		retire: []string{
			`UPDATE notifications SET is_active = FALSE WHERE is_active = TRUE`,
			`UPDATE tenant_profile SET is_active = FALSE, refreshed_at = now() WHERE is_active = TRUE`,
		},
	},
}

// Names lists the catalogued services in a stable order.
func Names() []string {
	out := make([]string, 0, len(catalog))
	for name := range catalog {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Spec returns the provisioning spec of a service. prefix overrides the
// database name prefix, which defaults to the service name.
func Spec(name, prefix string) (provisioning.ServiceSpec, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	e, ok := catalog[name]
	if !ok {
		return provisioning.ServiceSpec{}, fmt.Errorf("unknown service %q (known: %s)", name, strings.Join(Names(), ", "))
	}

	migrations, err := sqlassets.Migrations(name)
	if err != nil {
		return provisioning.ServiceSpec{}, err
	}

	if strings.TrimSpace(prefix) == "" {
		prefix = name
	}

	return provisioning.ServiceSpec{
		Name:             name,
		DatabasePrefix:   prefix,
		Migrations:       migrations,
		CachesProfile:    e.cachesProfile,
		RetireStatements: append([]string(nil), e.retire...),
	}, nil
}
