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

package growsync

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/verdantlabs/growsync/config"
	"github.com/verdantlabs/growsync/internal/syncerror"
	"github.com/verdantlabs/growsync/model"
)

// CreateReport records a new moderation report in the local store.
func (s *Sync) CreateReport(ctx context.Context, report *model.Report) (*model.Report, error) {
	ctx, span := tracer.Start(ctx, "Creating moderation report")
	defer span.End()

	if report.ContentID == "" || report.SubjectUserID == "" || report.ReportedByID == "" {
		return nil, syncerror.New(syncerror.ErrInvalidInput, "Report is missing content or user references", nil)
	}
	if report.ReportID == "" {
		report.ReportID = model.GenerateUUIDWithSuffix("rpt")
	}
	report.Status = model.ReportOpen
	report.CreatedAt = time.Now().UTC()
	if err := s.store.CreateReport(ctx, report); err != nil {
		return nil, err
	}
	return report, nil
}

// GetReport fetches a report together with its current lease, if any.
func (s *Sync) GetReport(ctx context.Context, reportID string) (*model.Report, *model.ClaimLease, error) {
	report, err := s.store.GetReport(ctx, reportID)
	if err != nil {
		return nil, nil, err
	}
	lease, err := s.store.GetLease(ctx, reportID)
	if err != nil {
		return nil, nil, err
	}
	if lease != nil && lease.Expired(time.Now().UTC()) {
		lease = nil
	}
	return report, lease, nil
}

// ClaimReport grants the moderator a time-bounded exclusive lease on the
// report. A moderator related to the report's subject cannot claim it; a
// report already leased to someone else cannot be claimed until the lease
// expires. Re-claiming a report you already hold refreshes the lease.
func (s *Sync) ClaimReport(ctx context.Context, reportID, moderatorID string) (*model.ClaimLease, error) {
	ctx, span := tracer.Start(ctx, "Claiming moderation report")
	defer span.End()

	report, err := s.store.GetReport(ctx, reportID)
	if err != nil {
		return nil, err
	}
	if report.Status != model.ReportOpen {
		return nil, syncerror.New(syncerror.ErrInvalidTransition,
			fmt.Sprintf("Report %s is already resolved", reportID), nil)
	}
	if moderatorID == report.SubjectUserID {
		return nil, syncerror.New(syncerror.ErrConflictOfInterest,
			"Moderators cannot claim reports about themselves", nil)
	}
	related, err := s.store.HasRelationship(ctx, moderatorID, report.SubjectUserID)
	if err != nil {
		return nil, err
	}
	if related {
		return nil, syncerror.New(syncerror.ErrConflictOfInterest,
			fmt.Sprintf("Moderator %s is related to the subject of report %s", moderatorID, reportID), nil)
	}

	now := time.Now().UTC()
	lease := &model.ClaimLease{
		ReportID:       reportID,
		ClaimedBy:      moderatorID,
		ClaimedAt:      now,
		ClaimExpiresAt: now.Add(claimTTL()),
	}

	err = s.store.Write(ctx, func(tx *sql.Tx) error {
		current, err := s.store.GetLeaseTx(ctx, tx, reportID)
		if err != nil {
			return err
		}
		if current != nil && !current.Expired(now) && current.ClaimedBy != moderatorID {
			return syncerror.New(syncerror.ErrAlreadyClaimed,
				fmt.Sprintf("Report %s is claimed until %s", reportID, current.ClaimExpiresAt.Format(time.RFC3339)), nil)
		}
		return s.store.PutLeaseTx(ctx, tx, lease)
	})
	if err != nil {
		return nil, err
	}

	logrus.Infof("Report %s claimed by %s until %s", reportID, moderatorID, lease.ClaimExpiresAt.Format(time.RFC3339))
	return lease, nil
}

// ReleaseReport gives up the moderator's lease without resolving the report.
func (s *Sync) ReleaseReport(ctx context.Context, reportID, moderatorID string) error {
	ctx, span := tracer.Start(ctx, "Releasing moderation report")
	defer span.End()

	return s.store.Write(ctx, func(tx *sql.Tx) error {
		if err := s.requireHolderTx(ctx, tx, reportID, moderatorID); err != nil {
			return err
		}
		return s.store.DeleteLeaseTx(ctx, tx, reportID)
	})
}

// ResolveReport closes the report. Only the current lease holder can resolve;
// the lease is cleared in the same step.
func (s *Sync) ResolveReport(ctx context.Context, reportID, moderatorID, notes string) error {
	ctx, span := tracer.Start(ctx, "Resolving moderation report")
	defer span.End()

	err := s.store.Write(ctx, func(tx *sql.Tx) error {
		if err := s.requireHolderTx(ctx, tx, reportID, moderatorID); err != nil {
			return err
		}
		return s.store.ResolveReportTx(ctx, tx, reportID, moderatorID, notes, time.Now().UTC())
	})
	if err != nil {
		return err
	}

	logrus.Infof("Report %s resolved by %s", reportID, moderatorID)
	return nil
}

// requireHolderTx verifies the moderator holds an unexpired lease on the
// report. Expired leases count as absent.
func (s *Sync) requireHolderTx(ctx context.Context, tx *sql.Tx, reportID, moderatorID string) error {
	lease, err := s.store.GetLeaseTx(ctx, tx, reportID)
	if err != nil {
		return err
	}
	if lease == nil || lease.Expired(time.Now().UTC()) {
		return syncerror.New(syncerror.ErrNotOwner,
			fmt.Sprintf("No active claim on report %s", reportID), nil)
	}
	if lease.ClaimedBy != moderatorID {
		return syncerror.New(syncerror.ErrNotOwner,
			fmt.Sprintf("Report %s is claimed by another moderator", reportID), nil)
	}
	return nil
}

func claimTTL() time.Duration {
	cfg, err := config.Fetch()
	if err != nil {
		return 4 * time.Hour
	}
	return cfg.ClaimTTL()
}
