package tenantdb

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/zenGate-Global/licensing-saas/platform/go/provisioning"
)

// Run sweeps the cache every JanitorInterval until ctx is done.
func (r *Resolver) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.JanitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// Sweep closes pools idle for longer than IdleTimeout and drops pools whose
// tenant is no longer Provisioned.
func (r *Resolver) Sweep(ctx context.Context) {
	now := r.now()

	r.mu.Lock()
	var idle []*entry
	var live []key
	for k, e := range r.entries {
		if e.refs == 0 && now.Sub(e.lastUsed) >= r.cfg.IdleTimeout {
			idle = append(idle, r.detach(e)...)
			continue
		}
		live = append(live, k)
	}
	r.mu.Unlock()
	r.closeAll(idle, "idle")

	for _, k := range live {
		if ctx.Err() != nil {
			return
		}
		rec, err := r.records.Get(ctx, k.service, k.tenantID)
		if err != nil && !errors.Is(err, provisioning.ErrRecordNotFound) {
			r.log.Warn("revalidate tenant pool",
				zap.String("service", k.service),
				zap.String("tenant_id", k.tenantID.String()),
				zap.Error(err),
			)
			continue
		}
		if err == nil && rec.State == provisioning.StateProvisioned {
			continue
		}

		r.mu.Lock()
		r.epochs[k.tenantID]++
		var stale []*entry
		if e, ok := r.entries[k]; ok {
			stale = r.detach(e)
		}
		r.mu.Unlock()
		r.closeAll(stale, "revalidated")
	}
}
