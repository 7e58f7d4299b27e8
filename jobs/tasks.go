package jobs

import (
	"encoding/json"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskOverdueSweep flips sent invoices past their due date to overdue.
	TaskOverdueSweep = "billing:overdue_sweep"
	// TaskDashboardWarmup precomputes billing dashboards into the cache.
	TaskDashboardWarmup = "billing:dashboard_warmup"
)

// OverdueSweepPayload scopes a sweep to one tenant, or all when zero.
type OverdueSweepPayload struct {
	TenantID int64 `json:"tenant_id,omitempty"`
}

// NewOverdueSweepTask constructs an Asynq task.
func NewOverdueSweepTask(payload OverdueSweepPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskOverdueSweep, data), nil
}

// DashboardWarmupPayload scopes a warmup to one tenant, or all when zero.
type DashboardWarmupPayload struct {
	TenantID int64 `json:"tenant_id,omitempty"`
}

// NewDashboardWarmupTask constructs an Asynq task.
func NewDashboardWarmupTask(payload DashboardWarmupPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskDashboardWarmup, data), nil
}
