package record

import "fmt"

// Category is the fixed set of engagement categories a record is routed to.
type Category string

const (
	CategoryCalls      Category = "calls"
	CategoryEmails     Category = "emails"
	CategoryMeetings   Category = "meetings"
	CategoryNotes      Category = "notes"
	CategoryTasks      Category = "tasks"
	CategoryMessaging  Category = "messaging"
	CategoryPostalMail Category = "postal_mail"
)

// Categories returns every category in declaration order.
func Categories() []Category {
	return []Category{
		CategoryCalls,
		CategoryEmails,
		CategoryMeetings,
		CategoryNotes,
		CategoryTasks,
		CategoryMessaging,
		CategoryPostalMail,
	}
}

// IsValid reports whether c is one of the known categories.
func (c Category) IsValid() bool {
	switch c {
	case CategoryCalls, CategoryEmails, CategoryMeetings, CategoryNotes,
		CategoryTasks, CategoryMessaging, CategoryPostalMail:
		return true
	}
	return false
}

// ParseCategory converts a string to a Category.
func ParseCategory(s string) (Category, error) {
	c := Category(s)
	if !c.IsValid() {
		return "", fmt.Errorf("unknown category %q", s)
	}
	return c, nil
}
