package invalidation

import (
	"context"

	"encore.dev/cron"
)

// DrainPendingInvalidations runs InvalidationEngine's delayed-strategy backlog
// every minute, per spec.md §4.5's "delayed invalidation" lifecycle.
var _ = cron.NewJob("drain-pending-invalidations", cron.JobConfig{
	Title:    "Drain Delayed Cache Invalidations",
	Schedule: "* * * * *",
	Endpoint: DrainPendingInvalidations,
})

//encore:api private
func DrainPendingInvalidations(ctx context.Context) error {
	if svc == nil || svc.engine == nil {
		return nil
	}
	svc.engine.ProcessPending(ctx)
	return nil
}
