package jobs

import (
	"encoding/json"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskGrantSweep is the task type for the periodic grant sweep.
	TaskGrantSweep = "authz:sweep_grants"
)

// GrantSweepPayload tunes one sweep run.
type GrantSweepPayload struct {
	// RetentionHours is how long past its expiry a grant may sit before
	// the sweep deactivates it. The resolver never trusts the active
	// flag alone, so this is bookkeeping, not enforcement.
	RetentionHours int `json:"retention_hours"`
}

// NewGrantSweepTask constructs an Asynq task for the grant sweep.
func NewGrantSweepTask(payload GrantSweepPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskGrantSweep, data), nil
}
