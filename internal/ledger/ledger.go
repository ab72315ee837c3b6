package ledger

import (
	"context"

	"github.com/anash28/linux-agent/pkg/models"
)

// Reporter receives each completed job's terminal status. BoltLedger
// implements it for local history; PostgresReporter forwards to a
// fleet-wide table a control plane queries across many agents. The API
// always reports through its Reporter, so local history is kept only when
// BoltLedger is that Reporter or part of a Fanout.
type Reporter interface {
	ReportJob(ctx context.Context, status models.JobStatus) error
}

// multiReporter fans a single ReportJob call out to every underlying
// Reporter, continuing past individual failures so one unreachable
// destination cannot block another.
type multiReporter struct {
	reporters []Reporter
}

// Fanout combines reporters into one, for daemons configured with more
// than one job-history destination.
func Fanout(reporters ...Reporter) Reporter {
	return &multiReporter{reporters: reporters}
}

func (m *multiReporter) ReportJob(ctx context.Context, status models.JobStatus) error {
	var firstErr error
	for _, r := range m.reporters {
		if err := r.ReportJob(ctx, status); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
