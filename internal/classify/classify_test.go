package classify

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/crmsync/internal/record"
)

func ptr(s string) *string { return &s }

func TestClassifyRules(t *testing.T) {
	c := MustNew(DefaultTable(), nil)

	tests := []struct {
		name        string
		recordType  string
		priority    *string
		association *string
		want        record.Category
	}{
		{"table hit", "Call", nil, nil, record.CategoryCalls},
		{"table hit with padding", "  E-Mail ", nil, nil, record.CategoryEmails},
		{"table wins over urgency", "meeting", ptr("urgent"), ptr("CASE-1"), record.CategoryMeetings},
		{"linked urgent", "case", ptr("Urgent"), ptr("CASE-1"), record.CategoryTasks},
		{"linked critical", "case", ptr(" critical "), ptr("CASE-1"), record.CategoryTasks},
		{"linked low", "case", ptr("low"), ptr("CASE-1"), record.CategoryNotes},
		{"linked no priority", "case", nil, ptr("CASE-1"), record.CategoryNotes},
		{"urgent unlinked", "case", ptr("high"), nil, record.CategoryNotes},
		{"blank association is unlinked", "case", ptr("high"), ptr("  "), record.CategoryNotes},
		{"unknown type default", "carrier pigeon", nil, nil, record.CategoryNotes},
		{"empty type", "", nil, nil, record.CategoryNotes},
		{"ambiguous message", "message", nil, nil, record.CategoryNotes},
		{"substring does not match", "phone call", nil, nil, record.CategoryNotes},
		{"messaging", "WhatsApp", nil, nil, record.CategoryMessaging},
		{"postal", "letter", nil, nil, record.CategoryPostalMail},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, c.Classify(tt.recordType, tt.priority, tt.association))
		})
	}
}

func TestClassifyTotality(t *testing.T) {
	c := MustNew(DefaultTable(), nil)
	types := []string{"", " ", "CALL", "unknown", "\x00", "\u00e9", "task\n", "case"}
	prios := []*string{nil, ptr(""), ptr("HIGH"), ptr("low"), ptr("???")}
	assocs := []*string{nil, ptr(""), ptr("X-1")}

	for _, ty := range types {
		for _, p := range prios {
			for _, a := range assocs {
				got := c.Classify(ty, p, a)
				assert.True(t, got.IsValid(), "type=%q", ty)
				assert.Equal(t, got, c.Classify(ty, p, a), "classification is pure")
			}
		}
	}
}

func TestClassifyCustomHighUrgency(t *testing.T) {
	c := MustNew(DefaultTable(), []string{"P1"})
	assert.Equal(t, record.CategoryTasks, c.Classify("case", ptr("p1"), ptr("C")))
	assert.Equal(t, record.CategoryNotes, c.Classify("case", ptr("high"), ptr("C")))
}

func TestClassifyRow(t *testing.T) {
	c := MustNew(DefaultTable(), nil)
	f := Fields{Type: "comm_type", Priority: "comm_priority", Association: "comm_caseid"}

	assert.Equal(t, record.CategoryTasks, c.ClassifyRow(record.Row{
		"comm_type": "Case", "comm_priority": "High", "comm_caseid": 17,
	}, f))
	assert.Equal(t, record.CategoryNotes, c.ClassifyRow(record.Row{
		"comm_type": "Case", "comm_priority": "High", "comm_caseid": nil,
	}, f))
	assert.Equal(t, record.CategoryCalls, c.ClassifyRow(record.Row{"comm_type": "phone"}, Fields{Type: "comm_type"}))
}

func TestTableValidate(t *testing.T) {
	require.NoError(t, DefaultTable().Validate())

	bad := Table{Version: "x", Entries: map[string]record.Category{
		"Call":  record.CategoryCalls,
		"fax":   record.Category("faxes"),
		"email": record.CategoryEmails,
	}}
	err := bad.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"Call" is not normalized`)
	assert.Contains(t, err.Error(), `unknown category "faxes"`)

	_, err = New(bad, nil)
	assert.Error(t, err)
}

func TestTableMerge(t *testing.T) {
	merged := DefaultTable().Merge("site-2", map[string]record.Category{
		" Message ": record.CategoryMessaging,
		"mail":      record.CategoryPostalMail,
	})
	require.NoError(t, merged.Validate())

	c := MustNew(merged, nil)
	assert.Equal(t, "site-2", c.TableVersion())
	assert.Equal(t, record.CategoryMessaging, c.Classify("message", nil, nil))
	assert.Equal(t, record.CategoryPostalMail, c.Classify("MAIL", nil, nil))
	assert.NotContains(t, DefaultTable().Entries, "message", "merge does not mutate the base table")
}

func TestDistribution(t *testing.T) {
	d := Distribution([]record.Category{
		record.CategoryCalls, record.CategoryCalls, record.CategoryTasks,
	})
	assert.Equal(t, 2, d[record.CategoryCalls])
	assert.Equal(t, 1, d[record.CategoryTasks])
	assert.Equal(t, 0, d[record.CategoryPostalMail])
	assert.Len(t, d, len(record.Categories()))
}
