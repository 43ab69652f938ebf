package derive

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/crmsync/internal/record"
)

func TestSplitDistinct(t *testing.T) {
	tests := []struct {
		name  string
		value string
		sep   string
		want  []string
	}{
		{"empty", "", ";", []string{}},
		{"only separators", " ; ;", ";", []string{}},
		{"single", "a@x.com", ";", []string{"a@x.com"}},
		{"trims", " a ; b ", ";", []string{"a", "b"}},
		{"dedupes keeping first", "b;a;b;c;a", ";", []string{"b", "a", "c"}},
		{"case sensitive", "A;a", ";", []string{"A", "a"}},
		{"comma", "1, 2,,3", ",", []string{"1", "2", "3"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, SplitDistinct(tt.value, tt.sep))
		})
	}
}

func TestDerive(t *testing.T) {
	d, err := New([]Rule{
		{Source: "to_emails", Target: "to_emails_aggregated", Count: true},
		{Source: "company_ids", Target: "company_ids_aggregated", Separator: ",", Joiner: ", "},
	})
	require.NoError(t, err)

	rec := record.StagingRecord{SourceFields: map[string]string{
		"to_emails":   "a@x.com; b@y.com;a@x.com;",
		"company_ids": "7,9, 7",
	}}
	assert.Equal(t, map[string]string{
		"to_emails_aggregated":       "a@x.com; b@y.com",
		"to_emails_aggregated_count": "2",
		"company_ids_aggregated":     "7, 9",
	}, d.Derive(rec, Groups{}))

	empty := record.StagingRecord{SourceFields: map[string]string{}}
	assert.Equal(t, map[string]string{"to_emails_aggregated_count": "0"}, d.Derive(empty, Groups{}))
}

func TestNewRejectsBadRules(t *testing.T) {
	_, err := New([]Rule{{Target: "x"}})
	assert.ErrorContains(t, err, "source is required")

	_, err = New([]Rule{{Source: "a", Target: "x"}, {Source: "b", Target: "x"}})
	assert.ErrorContains(t, err, `field "x" already derived`)

	_, err = New([]Rule{{Source: "a", Target: "x", Count: true}, {Source: "b", Target: "x_count"}})
	assert.Error(t, err)

	_, err = New([]Rule{{From: "contacts", Target: "contact_ids"}})
	assert.ErrorContains(t, err, "group_by is required")

	_, err = New([]Rule{{Source: "a", GroupBy: "deal_id", Target: "x"}})
	assert.ErrorContains(t, err, "group_by requires from")

	_, err = New([]Rule{{Sources: []string{"a", " "}, Target: "x"}})
	assert.ErrorContains(t, err, "empty entry in sources")

	_, err = New([]Rule{{From: "contacts", GroupBy: "deal_id", Target: "ids"}, {Source: "b", Target: "ids_count"}})
	assert.ErrorContains(t, err, `already derived from "contacts.deal_id"`)
}

func TestRuleFields(t *testing.T) {
	assert.Equal(t, []string{"a"}, Rule{Source: "a"}.Fields())
	assert.Equal(t, []string{"a", "b", "c"}, Rule{Source: "a", Sources: []string{"b", "a", "c"}}.Fields())
	assert.Empty(t, Rule{From: "contacts", GroupBy: "deal_id"}.Fields())
}

func TestDeriveCombinesSources(t *testing.T) {
	d, err := New([]Rule{{
		Sources: []string{"company_com", "associated_company", "company_id"},
		Target:  "company_names",
		Count:   true,
	}})
	require.NoError(t, err)

	rec := record.StagingRecord{SourceFields: map[string]string{
		"company_com":        "Acme; Globex ;Acme",
		"associated_company": "Initech",
		"company_id":         "Globex",
	}}
	assert.Equal(t, map[string]string{
		"company_names":       "Acme; Globex; Initech",
		"company_names_count": "3",
	}, d.Derive(rec, Groups{}))

	partial := record.StagingRecord{SourceFields: map[string]string{"company_id": "C9"}}
	assert.Equal(t, map[string]string{
		"company_names":       "C9",
		"company_names_count": "1",
	}, d.Derive(partial, Groups{}))
}

func TestDeriveGrouped(t *testing.T) {
	d, err := New([]Rule{
		{From: "contacts", GroupBy: "deal_ids", Target: "contact_ids"},
		{From: "contacts", GroupBy: "deal_ids", Source: "email", Target: "contact_emails", Joiner: ","},
		{Source: "title", Target: "titles"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"contacts"}, d.From())

	contacts := []record.StagingRecord{
		{NaturalKey: "P1", Status: record.StatusProcessed, SourceFields: map[string]string{"deal_ids": "D1", "email": "a@x.com"}},
		{NaturalKey: "P2", Status: record.StatusProcessed, SourceFields: map[string]string{"deal_ids": "D1; D2", "email": "b@x.com; a@x.com"}},
		{NaturalKey: "P3", Status: record.StatusDeleted, IsDeleted: true, SourceFields: map[string]string{"deal_ids": "D1", "email": "gone@x.com"}},
		{NaturalKey: "P4", Status: record.StatusError, SourceFields: map[string]string{"deal_ids": "D2", "email": "bad@x.com"}},
		{NaturalKey: "P5", Status: record.StatusProcessed, SourceFields: map[string]string{"email": "loose@x.com"}},
	}
	g := d.Group(map[string][]record.StagingRecord{"contacts": contacts})

	assert.Equal(t, map[string]string{
		"contact_ids":          "P1; P2",
		"contact_ids_count":    "2",
		"contact_emails":       "a@x.com,b@x.com",
		"contact_emails_count": "2",
		"titles":               "Big deal",
	}, d.Derive(record.StagingRecord{NaturalKey: "D1", SourceFields: map[string]string{"title": "Big deal"}}, g))

	assert.Equal(t, map[string]string{
		"contact_ids":          "P2",
		"contact_ids_count":    "1",
		"contact_emails":       "b@x.com,a@x.com",
		"contact_emails_count": "2",
	}, d.Derive(record.StagingRecord{NaturalKey: "D2"}, g))

	assert.Equal(t, map[string]string{
		"contact_ids_count":    "0",
		"contact_emails_count": "0",
	}, d.Derive(record.StagingRecord{NaturalKey: "D3"}, g), "parents without children still get a zero count")
}

func TestDeriveAllReturnsOnlyChanged(t *testing.T) {
	d, err := New([]Rule{{Source: "emails", Target: "email_list"}})
	require.NoError(t, err)

	recs := []record.StagingRecord{
		{NaturalKey: "K1", SourceFields: map[string]string{"emails": "a;b"}, Derived: map[string]string{"email_list": "a; b"}},
		{NaturalKey: "K2", SourceFields: map[string]string{"emails": "c"}, Derived: map[string]string{}},
		{NaturalKey: "K3", SourceFields: map[string]string{}, Derived: map[string]string{}},
		{NaturalKey: "K4", SourceFields: map[string]string{"emails": "d"}, IsDeleted: true},
	}
	changed := d.DeriveAll(recs, Groups{})
	require.Len(t, changed, 1)
	assert.Equal(t, "K2", changed[0].NaturalKey)
	assert.Equal(t, "c", changed[0].Derived["email_list"])
	assert.Empty(t, recs[1].Derived, "input not mutated")
}
