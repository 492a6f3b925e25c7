package queue

import (
	"context"
	"time"
)

// HealthTimeout bounds each individual health probe.
const HealthTimeout = 5 * time.Second

// HealthReport summarizes one queue's liveness probes.
type HealthReport struct {
	Queue   string `json:"queue"`
	Healthy bool   `json:"healthy"`
	Error   string `json:"error,omitempty"`
	Counts  Counts `json:"counts"`
}

// CheckHealth pings the backing store and lists the queue depths, each
// probe bounded by HealthTimeout.
func (q *Queue) CheckHealth(ctx context.Context) HealthReport {
	report := HealthReport{Queue: q.cfg.Name, Healthy: true}

	pingCtx, cancel := context.WithTimeout(ctx, HealthTimeout)
	err := q.rdb.Ping(pingCtx).Err()
	cancel()
	if err != nil {
		report.Healthy = false
		report.Error = "ping: " + err.Error()
		return report
	}

	countCtx, cancel := context.WithTimeout(ctx, HealthTimeout)
	counts, err := q.Counts(countCtx)
	cancel()
	if err != nil {
		report.Healthy = false
		report.Error = "counts: " + err.Error()
		return report
	}
	report.Counts = counts

	return report
}
