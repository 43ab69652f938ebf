package record

import "time"

// Stage is a pipeline stage. Stages run in declaration order.
type Stage string

const (
	StageIdle        Stage = "idle"
	StageExtracting  Stage = "extracting"
	StageDetecting   Stage = "detecting"
	StageClassifying Stage = "classifying"
	StageStagingLoad Stage = "staging_load"
	StageResolvingFK Stage = "resolving_fk"
	StageDeriving    Stage = "deriving"
	StagePromoting   Stage = "promoting"
	StageDone        Stage = "done"
	// StageDependency marks a run skipped because an entity it depends on failed.
	StageDependency Stage = "dependency"
)

// BatchState is the terminal state of a run.
type BatchState string

const (
	BatchDone   BatchState = "done"
	BatchFailed BatchState = "failed"
)

// LoadBatch is the summary of one pipeline run for one entity type.
// Immutable once written.
type LoadBatch struct {
	RunID            string           `json:"run_id"`
	EntityType       string           `json:"entity_type"`
	StartedAt        time.Time        `json:"started_at"`
	FinishedAt       time.Time        `json:"finished_at"`
	State            BatchState       `json:"state"`
	FailedStage      Stage            `json:"failed_stage,omitempty"`
	Error            string           `json:"error,omitempty"`
	FullResync       bool             `json:"full_resync"`
	Changes          ChangeCounts     `json:"changes"`
	CountsByStage    map[Stage]int    `json:"counts_by_stage"`
	CountsByCategory map[Category]int `json:"counts_by_category"`
	ErrorCount       int              `json:"error_count"`
	OrphanCount      int              `json:"orphan_count"`
}

// NewLoadBatch returns a batch with initialized count maps.
func NewLoadBatch(runID, entityType string, startedAt time.Time) LoadBatch {
	return LoadBatch{
		RunID:            runID,
		EntityType:       entityType,
		StartedAt:        startedAt,
		CountsByStage:    map[Stage]int{},
		CountsByCategory: map[Category]int{},
	}
}

// Succeeded reports whether the run reached Done.
func (b LoadBatch) Succeeded() bool {
	return b.State == BatchDone
}
