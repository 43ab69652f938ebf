package harness

import "github.com/roach88/crmsync/internal/record"

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass is true if every run expectation and assertion held.
	Pass bool `json:"pass"`

	// Batches holds every load batch in run order.
	Batches []record.LoadBatch `json:"batches"`

	// Errors contains expectation and assertion failures.
	// Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`

	// Staging is the final staging table per configured entity, ordered
	// by natural key.
	Staging map[string][]record.StagingRecord `json:"staging"`

	// Entities lists the configured entities in dependency order.
	Entities []string `json:"entities"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:    true,
		Batches: []record.LoadBatch{},
		Errors:  []string{},
		Staging: map[string][]record.StagingRecord{},
	}
}

// AddError adds a failure message and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}
