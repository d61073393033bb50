package model

import "time"

// IdentifierKind says what a usage identifier is.
type IdentifierKind string

const (
	IdentifierUser IdentifierKind = "user_id"
	IdentifierIP   IdentifierKind = "ip_address"
)

// ResourceVideoAnalysis is the usage resource charged for each analysis.
const ResourceVideoAnalysis = "video_analysis"

// UsageKey identifies one usage counter: a caller, a resource and the UTC
// day the count applies to.
type UsageKey struct {
	Identifier string         `json:"identifier"`
	Kind       IdentifierKind `json:"identifier_type"`
	Resource   string         `json:"resource_type"`
	Period     time.Time      `json:"period_start"`
}

// DayStart truncates t to midnight UTC.
func DayStart(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// PeriodEnd is the exclusive end of the key's day.
func (k UsageKey) PeriodEnd() time.Time {
	return DayStart(k.Period).AddDate(0, 0, 1)
}

// UsageStatus is the caller-facing view of a counter.
type UsageStatus struct {
	Identifier string    `json:"identifier"`
	Resource   string    `json:"resource_type"`
	Count      int       `json:"count"`
	Limit      int       `json:"limit"`
	Remaining  int       `json:"remaining"`
	ResetsAt   time.Time `json:"resets_at"`
	Bypassed   bool      `json:"bypassed,omitempty"`
}
