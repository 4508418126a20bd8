package dataset

import (
	"strconv"
	"strings"
	"time"
)

// Tracking column names added to every dataset before a batch runs
const (
	ColumnEmail  = "email"
	ColumnStatus = "status"
	ColumnTime   = "time"
	ColumnReason = "reason"
)

// TimeLayout is the layout of the time column
const TimeLayout = "2006-01-02 15:04:05"

// Status is the send outcome recorded on a row
type Status string

const (
	StatusUnset  Status = ""
	StatusSent   Status = "sent"
	StatusFailed Status = "failed"
)

// ParseStatus maps a cell value to a Status, case-insensitively.
// Anything unrecognized is StatusUnset.
func ParseStatus(v any) Status {
	switch strings.ToLower(strings.TrimSpace(ValueString(v))) {
	case string(StatusSent):
		return StatusSent
	case string(StatusFailed):
		return StatusFailed
	default:
		return StatusUnset
	}
}

// Row is one recipient record: an ordered mapping of column name to a
// scalar value (string, float64, bool or nil).
type Row struct {
	keys   []string
	values map[string]any
}

// NewRow creates an empty row
func NewRow() *Row {
	return &Row{values: make(map[string]any)}
}

// RowFromPairs builds a row from alternating key/value arguments.
// It is mostly useful in tests.
func RowFromPairs(kv ...any) *Row {
	r := NewRow()
	for i := 0; i+1 < len(kv); i += 2 {
		key, _ := kv[i].(string)
		r.Set(key, kv[i+1])
	}
	return r
}

// Set stores a value, appending the key if it is new
func (r *Row) Set(key string, value any) {
	if _, ok := r.values[key]; !ok {
		r.keys = append(r.keys, key)
	}
	r.values[key] = value
}

// Get returns the value stored under the exact key
func (r *Row) Get(key string) (any, bool) {
	v, ok := r.values[key]
	return v, ok
}

// Has reports whether the exact key is present, even with a nil value
func (r *Row) Has(key string) bool {
	_, ok := r.values[key]
	return ok
}

// Keys returns the column names in insertion order
func (r *Row) Keys() []string {
	out := make([]string, len(r.keys))
	copy(out, r.keys)
	return out
}

// Len returns the number of columns in the row
func (r *Row) Len() int {
	return len(r.keys)
}

// FindKey returns the first key equal to name ignoring case
func (r *Row) FindKey(name string) (string, bool) {
	for _, k := range r.keys {
		if k != "" && strings.EqualFold(k, name) {
			return k, true
		}
	}
	return "", false
}

// Lookup resolves name case-insensitively. A key whose value is nil
// counts as absent.
func (r *Row) Lookup(name string) (any, bool) {
	if r == nil {
		return nil, false
	}
	key, ok := r.FindKey(name)
	if !ok {
		return nil, false
	}
	v := r.values[key]
	if v == nil {
		return nil, false
	}
	return v, true
}

// Email returns the trimmed value of the email column, or ""
func (r *Row) Email() string {
	v, ok := r.Lookup(ColumnEmail)
	if !ok {
		return ""
	}
	return strings.TrimSpace(ValueString(v))
}

// Status returns the recorded send status
func (r *Row) Status() Status {
	v, _ := r.Get(ColumnStatus)
	return ParseStatus(v)
}

// MarkSent records a successful send at t
func (r *Row) MarkSent(t time.Time) {
	r.Set(ColumnStatus, string(StatusSent))
	r.Set(ColumnTime, t.Format(TimeLayout))
	r.Set(ColumnReason, "")
}

// MarkFailed records a failed send at t with the given reason
func (r *Row) MarkFailed(t time.Time, reason string) {
	r.Set(ColumnStatus, string(StatusFailed))
	r.Set(ColumnTime, t.Format(TimeLayout))
	r.Set(ColumnReason, reason)
}

// Clone returns a deep copy of the row
func (r *Row) Clone() *Row {
	c := &Row{
		keys:   make([]string, len(r.keys)),
		values: make(map[string]any, len(r.values)),
	}
	copy(c.keys, r.keys)
	for k, v := range r.values {
		c.values[k] = v
	}
	return c
}

// ValueString converts a cell value to its display form. Integral floats
// print without a fractional part; nil prints as "".
func ValueString(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(val), 'f', -1, 32)
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case bool:
		return strconv.FormatBool(val)
	case time.Time:
		return val.Format(TimeLayout)
	case interface{ String() string }:
		return val.String()
	default:
		return ""
	}
}
