package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/haulbooks/haulbooks/internal/billing"
	jobmetrics "github.com/haulbooks/haulbooks/internal/jobs"
)

var defaultJobMetrics = jobmetrics.NewMetrics(nil)

// OverdueSweepJob marks sent invoices past their due date as overdue.
type OverdueSweepJob struct {
	Billing *billing.Service
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
	clock   func() time.Time
}

// NewOverdueSweepJob wires dependencies for the sweep handler.
func NewOverdueSweepJob(billingSvc *billing.Service, logger *slog.Logger, metrics *jobmetrics.Metrics) *OverdueSweepJob {
	return &OverdueSweepJob{
		Billing: billingSvc,
		Logger:  logger,
		Metrics: metrics,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Handle processes overdue sweep tasks.
func (j *OverdueSweepJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Billing == nil {
		return errors.New("overdue sweep: handler not configured")
	}
	var payload OverdueSweepPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}

	tracker := j.metrics().Track(TaskOverdueSweep)
	return tracker.End(j.sweep(ctx, payload))
}

func (j *OverdueSweepJob) sweep(ctx context.Context, payload OverdueSweepPayload) error {
	tenants, err := j.tenants(ctx, payload.TenantID)
	if err != nil {
		j.logger().Error("load tenants for sweep", slog.Any("error", err))
		return err
	}

	now := j.clock()
	var total int64
	for _, tenantID := range tenants {
		n, err := j.Billing.MarkOverdue(ctx, tenantID, now)
		if err != nil {
			j.logger().Error("overdue sweep", slog.Int64("tenant_id", tenantID), slog.Any("error", err))
			return err
		}
		total += n
	}

	j.logger().Info("overdue sweep finished", slog.Int("tenants", len(tenants)), slog.Int64("flipped", total))
	return nil
}

func (j *OverdueSweepJob) metrics() *jobmetrics.Metrics {
	if j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}

func (j *OverdueSweepJob) tenants(ctx context.Context, tenantID int64) ([]int64, error) {
	if tenantID > 0 {
		return []int64{tenantID}, nil
	}
	return j.Billing.TenantIDs(ctx)
}

func (j *OverdueSweepJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger
	}
	return slog.Default()
}
