/*
Copyright 2025 GrowSync Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/verdantlabs/growsync/internal/syncerror"
	"github.com/verdantlabs/growsync/model"
)

// CreateReport inserts a moderation report.
func (s *Store) CreateReport(ctx context.Context, report *model.Report) error {
	return s.Write(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO reports (report_id, content_type, content_id, subject_user_id, reported_by_id, reason, status, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		`, report.ReportID, report.ContentType, report.ContentID, report.SubjectUserID,
			report.ReportedByID, report.Reason, report.Status, report.CreatedAt)
		if err != nil {
			return syncerror.New(syncerror.ErrStorage, "Failed to record report", err)
		}
		return nil
	})
}

// GetReport retrieves a report by id.
func (s *Store) GetReport(ctx context.Context, reportID string) (*model.Report, error) {
	row := s.Conn.QueryRowContext(ctx, `
		SELECT report_id, content_type, content_id, subject_user_id, reported_by_id, reason, status, created_at, resolved_at, resolved_by_id, resolution_notes
		FROM reports WHERE report_id = $1
	`, reportID)

	report := &model.Report{}
	var resolvedAt sql.NullTime
	var resolvedBy, notes sql.NullString
	err := row.Scan(&report.ReportID, &report.ContentType, &report.ContentID, &report.SubjectUserID,
		&report.ReportedByID, &report.Reason, &report.Status, &report.CreatedAt, &resolvedAt, &resolvedBy, &notes)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, syncerror.New(syncerror.ErrNotFound, fmt.Sprintf("Report with ID '%s' not found", reportID), nil)
		}
		return nil, syncerror.New(syncerror.ErrStorage, "Failed to retrieve report", err)
	}
	report.ResolvedAt = resolvedAt.Time
	report.ResolvedByID = resolvedBy.String
	report.ResolutionNotes = notes.String
	return report, nil
}

// AddRelationship records a disqualifying tie between two users.
func (s *Store) AddRelationship(ctx context.Context, rel *model.Relationship) error {
	return s.Write(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO relationships (user_id, related_id, kind, created_at) VALUES ($1, $2, $3, $4)
			ON CONFLICT(user_id, related_id, kind) DO NOTHING
		`, rel.UserID, rel.RelatedID, rel.Kind, rel.CreatedAt)
		if err != nil {
			return syncerror.New(syncerror.ErrStorage, "Failed to record relationship", err)
		}
		return nil
	})
}

// HasRelationship reports whether any relationship exists between two users,
// in either direction.
func (s *Store) HasRelationship(ctx context.Context, userID, otherID string) (bool, error) {
	var exists bool
	err := s.Conn.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM relationships
			WHERE (user_id = $1 AND related_id = $2) OR (user_id = $2 AND related_id = $1)
		)
	`, userID, otherID).Scan(&exists)
	if err != nil {
		return false, syncerror.New(syncerror.ErrStorage, "Failed to check relationship", err)
	}
	return exists, nil
}

// GetLeaseTx reads the current lease for a report inside a write scope, or
// nil if none exists.
func (s *Store) GetLeaseTx(ctx context.Context, tx *sql.Tx, reportID string) (*model.ClaimLease, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT report_id, claimed_by, claimed_at, claim_expires_at FROM claims WHERE report_id = $1
	`, reportID)

	lease := &model.ClaimLease{}
	err := row.Scan(&lease.ReportID, &lease.ClaimedBy, &lease.ClaimedAt, &lease.ClaimExpiresAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, syncerror.New(syncerror.ErrStorage, "Failed to retrieve claim lease", err)
	}
	return lease, nil
}

// GetLease reads the current lease for a report outside a write scope.
func (s *Store) GetLease(ctx context.Context, reportID string) (*model.ClaimLease, error) {
	row := s.Conn.QueryRowContext(ctx, `
		SELECT report_id, claimed_by, claimed_at, claim_expires_at FROM claims WHERE report_id = $1
	`, reportID)

	lease := &model.ClaimLease{}
	err := row.Scan(&lease.ReportID, &lease.ClaimedBy, &lease.ClaimedAt, &lease.ClaimExpiresAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, syncerror.New(syncerror.ErrStorage, "Failed to retrieve claim lease", err)
	}
	return lease, nil
}

// PutLeaseTx writes a lease, replacing any expired one.
func (s *Store) PutLeaseTx(ctx context.Context, tx *sql.Tx, lease *model.ClaimLease) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO claims (report_id, claimed_by, claimed_at, claim_expires_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT(report_id) DO UPDATE SET claimed_by = $2, claimed_at = $3, claim_expires_at = $4
	`, lease.ReportID, lease.ClaimedBy, lease.ClaimedAt, lease.ClaimExpiresAt)
	if err != nil {
		return syncerror.New(syncerror.ErrStorage, "Failed to record claim lease", err)
	}
	return nil
}

// DeleteLeaseTx clears a lease.
func (s *Store) DeleteLeaseTx(ctx context.Context, tx *sql.Tx, reportID string) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM claims WHERE report_id = $1`, reportID)
	if err != nil {
		return syncerror.New(syncerror.ErrStorage, "Failed to clear claim lease", err)
	}
	return nil
}

// ResolveReportTx closes a report and clears its lease in one write scope.
func (s *Store) ResolveReportTx(ctx context.Context, tx *sql.Tx, reportID, moderatorID, notes string, now time.Time) error {
	res, err := tx.ExecContext(ctx, `
		UPDATE reports SET status = $1, resolved_at = $2, resolved_by_id = $3, resolution_notes = $4
		WHERE report_id = $5 AND status = $6
	`, model.ReportResolved, now, moderatorID, notes, reportID, model.ReportOpen)
	if err != nil {
		return syncerror.New(syncerror.ErrStorage, "Failed to resolve report", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return syncerror.New(syncerror.ErrStorage, "Failed to resolve report", err)
	}
	if rows == 0 {
		return syncerror.New(syncerror.ErrInvalidTransition, fmt.Sprintf("Report %s is not open", reportID), nil)
	}
	return s.DeleteLeaseTx(ctx, tx, reportID)
}
