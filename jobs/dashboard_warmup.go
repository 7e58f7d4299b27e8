package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/haulbooks/haulbooks/internal/billing"
	jobmetrics "github.com/haulbooks/haulbooks/internal/jobs"
)

// DashboardWarmupJob pre-populates the billing dashboard cache so the first
// operator of the morning does not pay the cold-read cost.
type DashboardWarmupJob struct {
	Billing *billing.Service
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewDashboardWarmupJob wires dependencies for the warmup handler.
func NewDashboardWarmupJob(billingSvc *billing.Service, logger *slog.Logger, metrics *jobmetrics.Metrics) *DashboardWarmupJob {
	return &DashboardWarmupJob{Billing: billingSvc, Logger: logger, Metrics: metrics}
}

// Handle processes dashboard warmup tasks.
func (j *DashboardWarmupJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Billing == nil {
		return errors.New("dashboard warmup: handler not configured")
	}
	var payload DashboardWarmupPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}

	tracker := j.metrics().Track(TaskDashboardWarmup)
	return tracker.End(j.warm(ctx, payload))
}

func (j *DashboardWarmupJob) warm(ctx context.Context, payload DashboardWarmupPayload) error {
	tenants := []int64{payload.TenantID}
	if payload.TenantID <= 0 {
		var err error
		tenants, err = j.Billing.TenantIDs(ctx)
		if err != nil {
			j.logger().Error("load tenants for warmup", slog.Any("error", err))
			return err
		}
	}

	for _, tenantID := range tenants {
		if err := j.Billing.WarmDashboard(ctx, tenantID); err != nil {
			j.logger().Error("warm dashboard", slog.Int64("tenant_id", tenantID), slog.Any("error", err))
			return err
		}
	}

	j.logger().Info("dashboard warmup finished", slog.Int("tenants", len(tenants)))
	return nil
}

func (j *DashboardWarmupJob) metrics() *jobmetrics.Metrics {
	if j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}

func (j *DashboardWarmupJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger
	}
	return slog.Default()
}
