package dataset

import (
	"net/mail"
	"strings"

	"github.com/badoux/checkmail"
)

// Dataset is an ordered sequence of rows plus the header order used
// for serialization. Headers are a superset of every row's keys.
type Dataset struct {
	Rows    []*Row
	Headers []string
}

// New creates a dataset from rows and headers
func New(rows []*Row, headers []string) *Dataset {
	return &Dataset{Rows: rows, Headers: headers}
}

// Len returns the number of rows
func (d *Dataset) Len() int {
	if d == nil {
		return 0
	}
	return len(d.Rows)
}

// HasHeader reports whether name is already a header (exact match)
func (d *Dataset) HasHeader(name string) bool {
	for _, h := range d.Headers {
		if h == name {
			return true
		}
	}
	return false
}

// Counts tallies rows by status
type Counts struct {
	Sent   int `json:"sent"`
	Failed int `json:"failed"`
	Unset  int `json:"unset"`
}

// Counts returns the status tally over all rows
func (d *Dataset) Counts() Counts {
	var c Counts
	if d == nil {
		return c
	}
	for _, r := range d.Rows {
		switch r.Status() {
		case StatusSent:
			c.Sent++
		case StatusFailed:
			c.Failed++
		default:
			c.Unset++
		}
	}
	return c
}

// EmailPolicy decides whether a row's address is attempted
type EmailPolicy string

const (
	// PolicyLenient attempts every row regardless of address shape
	PolicyLenient EmailPolicy = "lenient"
	// PolicyContainsAt requires an "@" in the address
	PolicyContainsAt EmailPolicy = "contains_at"
	// PolicyStrict requires a syntactically valid address
	PolicyStrict EmailPolicy = "strict"
)

// Valid reports whether p is a known policy
func (p EmailPolicy) Valid() bool {
	switch p {
	case PolicyLenient, PolicyContainsAt, PolicyStrict:
		return true
	}
	return false
}

// Accepts reports whether addr passes the policy
func (p EmailPolicy) Accepts(addr string) bool {
	addr = strings.TrimSpace(addr)
	switch p {
	case PolicyContainsAt:
		return strings.Contains(addr, "@")
	case PolicyStrict:
		if err := checkmail.ValidateFormat(addr); err != nil {
			return false
		}
		_, err := mail.ParseAddress(addr)
		return err == nil
	default:
		return true
	}
}

// RecipientEmails returns every row address containing "@", trimmed, in
// row order. The email column is located on the first row.
func (d *Dataset) RecipientEmails() []string {
	if d.Len() == 0 {
		return nil
	}
	key, ok := d.Rows[0].FindKey(ColumnEmail)
	if !ok {
		return nil
	}

	var emails []string
	for _, r := range d.Rows {
		v, _ := r.Get(key)
		s := strings.TrimSpace(ValueString(v))
		if strings.Contains(s, "@") {
			emails = append(emails, s)
		}
	}
	return emails
}

// RecipientPreview joins RecipientEmails with "; ", or "" when none
func (d *Dataset) RecipientPreview() string {
	return strings.Join(d.RecipientEmails(), "; ")
}
