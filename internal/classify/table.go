package classify

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/roach88/crmsync/internal/record"
)

// Table maps normalized record types to categories.
//
// Tables are versioned values: they are loaded from configuration,
// validated on their own, and then handed to New.
type Table struct {
	Version string                     `json:"version" yaml:"version"`
	Entries map[string]record.Category `json:"entries" yaml:"entries"`
}

// DefaultTableVersion identifies the built-in mapping.
const DefaultTableVersion = "default-1"

// DefaultTable returns the built-in type mapping.
//
// "message" and "mail" are deliberately absent: they are ambiguous between
// electronic and postal channels and must be mapped by configuration.
func DefaultTable() Table {
	entries := map[string]record.Category{}
	add := func(c record.Category, types ...string) {
		for _, t := range types {
			entries[t] = c
		}
	}
	add(record.CategoryCalls, "call", "phone", "voip", "zoom", "telephone", "phonecall")
	add(record.CategoryEmails, "email", "e-mail")
	add(record.CategoryMeetings, "meeting", "appointment", "visit", "demo", "presentation")
	add(record.CategoryNotes, "note", "comment", "annotation", "memo")
	add(record.CategoryTasks, "task", "todo", "to-do", "follow-up", "followup", "action")
	add(record.CategoryMessaging, "sms", "text", "linkedin", "whatsapp", "wa")
	add(record.CategoryPostalMail, "postal", "letter")
	return Table{Version: DefaultTableVersion, Entries: entries}
}

// Validate checks that every entry maps to a known category and that every
// key is already normalized (trimmed, lower-case, non-empty).
func (t Table) Validate() error {
	var errs []error
	keys := make([]string, 0, len(t.Entries))
	for k := range t.Entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if k == "" || normalize(k) != k {
			errs = append(errs, fmt.Errorf("table key %q is not normalized (want %q)", k, normalize(k)))
		}
		if c := t.Entries[k]; !c.IsValid() {
			errs = append(errs, fmt.Errorf("table key %q maps to unknown category %q", k, c))
		}
	}
	return errors.Join(errs...)
}

// Merge returns a copy of t with overrides applied on top.
// Override keys are normalized.
func (t Table) Merge(version string, overrides map[string]record.Category) Table {
	out := Table{Version: version, Entries: make(map[string]record.Category, len(t.Entries)+len(overrides))}
	for k, v := range t.Entries {
		out.Entries[k] = v
	}
	for k, v := range overrides {
		out.Entries[normalize(k)] = v
	}
	return out
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
