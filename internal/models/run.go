package models

import "time"

// Pipeline run statuses
const (
	RunSucceeded = "succeeded"
	RunFailed    = "failed"
)

// PipelineRun summarizes the outcome of one pipeline run
type PipelineRun struct {
	RunID             string    `json:"run_id" db:"run_id"`
	Status            string    `json:"status" db:"status"`
	StartedAt         time.Time `json:"started_at" db:"started_at"`
	FinishedAt        time.Time `json:"finished_at" db:"finished_at"`
	RecordsCollected  int       `json:"records_collected" db:"records_collected"`
	RecordsCleaned    int       `json:"records_cleaned" db:"records_cleaned"`
	DuplicatesRemoved int       `json:"duplicates_removed" db:"duplicates_removed"`
	ValuesImputed     int       `json:"values_imputed" db:"values_imputed"`
	DatasetPath       string    `json:"dataset_path,omitempty" db:"dataset_path"`
	Phase             string    `json:"phase,omitempty" db:"failed_phase"`
	Error             string    `json:"error,omitempty" db:"error_message"`
}

// Duration is the wall time of the run
func (r PipelineRun) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}
