package ledger

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/anash28/linux-agent/pkg/models"
)

// PostgresReporter upserts completed job status into a fleet-wide table, so
// a control plane watching many agents can query job history in one place
// without reaching into each agent's local BoltLedger.
type PostgresReporter struct {
	pool *pgxpool.Pool
}

// NewPostgresReporter wraps an existing pool. Schema setup (the job_history
// table) is expected to be applied by the fleet's own migrations, not by
// the agent itself.
func NewPostgresReporter(pool *pgxpool.Pool) *PostgresReporter {
	return &PostgresReporter{pool: pool}
}

// ReportJob implements Reporter.
func (r *PostgresReporter) ReportJob(ctx context.Context, status models.JobStatus) error {
	query := `
		INSERT INTO job_history (
			job_id, state, succeeded, synced_sectors, unsynced_sectors, reported_at
		) VALUES ($1, $2, $3, $4, $5, now())
		ON CONFLICT (job_id) DO UPDATE SET
			state             = EXCLUDED.state,
			succeeded         = EXCLUDED.succeeded,
			synced_sectors    = EXCLUDED.synced_sectors,
			unsynced_sectors  = EXCLUDED.unsynced_sectors,
			reported_at       = EXCLUDED.reported_at
	`

	_, err := r.pool.Exec(ctx, query,
		status.ID,
		string(status.State),
		status.Succeeded,
		status.SyncedSectors,
		status.UnsyncedSectors,
	)
	if err != nil {
		return fmt.Errorf("ledger: report job %s: %w", status.ID, err)
	}
	return nil
}

// Close releases the underlying pool.
func (r *PostgresReporter) Close() {
	r.pool.Close()
}
