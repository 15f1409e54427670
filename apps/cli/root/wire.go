package root

import (
	"github.com/zenGate-Global/licensing-saas/apps/cli/cmd/auth"
	"github.com/zenGate-Global/licensing-saas/apps/cli/cmd/bootstrap"
	"github.com/zenGate-Global/licensing-saas/apps/cli/cmd/deadletter"
	"github.com/zenGate-Global/licensing-saas/apps/cli/cmd/outbox"
	tenantcmd "github.com/zenGate-Global/licensing-saas/apps/cli/cmd/tenant"
)

func init() {
	Root().AddCommand(auth.Command())
	Root().AddCommand(bootstrap.Command())
	Root().AddCommand(tenantcmd.Command())
	Root().AddCommand(outbox.Command())
	Root().AddCommand(deadletter.Command())
}
