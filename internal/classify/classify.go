// Package classify routes records into exactly one engagement category.
//
// Classification is a pure, total function of (record type, priority,
// association). Rules are evaluated first-match-wins:
//
//  1. the normalized record type is found in the table
//  2. the record is linked and its priority is in the high-urgency set: tasks
//  3. the record is linked: notes
//  4. otherwise: notes
package classify

import (
	"fmt"
	"strings"

	"github.com/roach88/crmsync/internal/record"
)

// DefaultHighUrgency is the priority set that promotes linked records to tasks.
var DefaultHighUrgency = []string{"high", "urgent", "critical"}

// Classifier holds a validated table and high-urgency priority set.
// Safe for concurrent use; it is never mutated after New.
type Classifier struct {
	table       Table
	highUrgency map[string]bool
}

// New validates the table and returns a classifier.
// A nil highUrgency uses DefaultHighUrgency.
func New(table Table, highUrgency []string) (*Classifier, error) {
	if err := table.Validate(); err != nil {
		return nil, fmt.Errorf("classification table %s: %w", table.Version, err)
	}
	if highUrgency == nil {
		highUrgency = DefaultHighUrgency
	}
	hu := make(map[string]bool, len(highUrgency))
	for _, p := range highUrgency {
		hu[normalize(p)] = true
	}
	return &Classifier{table: table, highUrgency: hu}, nil
}

// MustNew is like New but panics on error.
// Use only in tests or with DefaultTable.
func MustNew(table Table, highUrgency []string) *Classifier {
	c, err := New(table, highUrgency)
	if err != nil {
		panic(err)
	}
	return c
}

// TableVersion returns the version of the table in use.
func (c *Classifier) TableVersion() string {
	return c.table.Version
}

// Classify returns the category for a record.
// A nil or blank association means the record is not linked.
func (c *Classifier) Classify(recordType string, priority, associationID *string) record.Category {
	if cat, ok := c.table.Entries[normalize(recordType)]; ok {
		return cat
	}
	linked := associationID != nil && strings.TrimSpace(*associationID) != ""
	if linked && priority != nil && c.highUrgency[normalize(*priority)] {
		return record.CategoryTasks
	}
	return record.CategoryNotes
}

// Fields names the row fields the classifier reads.
type Fields struct {
	Type        string `json:"type" yaml:"type"`
	Priority    string `json:"priority,omitempty" yaml:"priority,omitempty"`
	Association string `json:"association,omitempty" yaml:"association,omitempty"`
}

// ClassifyRow extracts the configured fields from a row and classifies it.
// Missing fields are treated as absent.
func (c *Classifier) ClassifyRow(row record.Row, f Fields) record.Category {
	recordType, _ := row.FieldString(f.Type)
	return c.Classify(recordType, optionalField(row, f.Priority), optionalField(row, f.Association))
}

func optionalField(row record.Row, name string) *string {
	if name == "" {
		return nil
	}
	v, ok := row.FieldString(name)
	if !ok {
		return nil
	}
	return &v
}

// Distribution counts records per category.
// Every category is present in the result, zero or not.
func Distribution(categories []record.Category) map[record.Category]int {
	out := make(map[record.Category]int, len(record.Categories()))
	for _, c := range record.Categories() {
		out[c] = 0
	}
	for _, c := range categories {
		out[c]++
	}
	return out
}
