package model

import "time"

// ReportStatus is the moderation lifecycle of a report.
type ReportStatus string

const (
	ReportOpen     ReportStatus = "OPEN"
	ReportResolved ReportStatus = "RESOLVED"
)

// Report is a community moderation report over a piece of content.
type Report struct {
	ReportID        string       `json:"report_id"`
	ContentType     string       `json:"content_type"`
	ContentID       string       `json:"content_id"`
	SubjectUserID   string       `json:"subject_user_id"`
	ReportedByID    string       `json:"reported_by_id"`
	Reason          string       `json:"reason"`
	Status          ReportStatus `json:"status"`
	CreatedAt       time.Time    `json:"created_at"`
	ResolvedAt      time.Time    `json:"resolved_at,omitempty"`
	ResolvedByID    string       `json:"resolved_by_id,omitempty"`
	ResolutionNotes string       `json:"resolution_notes,omitempty"`
}

// ClaimLease is a time-bounded exclusive assignment of a report to one
// moderator. At most one unexpired lease exists per report; an expired lease
// is treated as absent, there is no background sweep.
type ClaimLease struct {
	ReportID       string    `json:"report_id"`
	ClaimedBy      string    `json:"claimed_by"`
	ClaimedAt      time.Time `json:"claimed_at"`
	ClaimExpiresAt time.Time `json:"claim_expires_at"`
}

// Expired reports whether the lease has lapsed at the given instant.
func (l *ClaimLease) Expired(now time.Time) bool {
	return !now.Before(l.ClaimExpiresAt)
}

// Relationship marks a disqualifying tie between a moderator and another
// user, checked before a claim is granted.
type Relationship struct {
	UserID    string    `json:"user_id"`
	RelatedID string    `json:"related_id"`
	Kind      string    `json:"kind"`
	CreatedAt time.Time `json:"created_at"`
}
