package gormrepo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/kassenwerk/periphd/internal/coremodel"
	"github.com/kassenwerk/periphd/internal/storage"
	"github.com/kassenwerk/periphd/internal/storage/models"
)

// EnqueueJob inserts the job as pending with a zero retry count.
func (r *Repository) EnqueueJob(ctx context.Context, job *coremodel.PrintJob) error {
	job.Status = coremodel.JobPending
	job.RetryCount = 0
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now()
	}
	return r.db.WithContext(ctx).Create(jobToModel(job)).Error
}

// DequeueJob claims the next pending job for printerID: priority DESC,
// then FIFO by creation time. The pending->printing transition and the
// selection happen in one transaction, and the guarded UPDATE re-checks
// the status so two workers can never claim the same row.
func (r *Repository) DequeueJob(ctx context.Context, printerID coremodel.DeviceID) (*coremodel.PrintJob, error) {
	var claimed *coremodel.PrintJob
	err := r.WithTx(ctx, func(repo storage.CoreRepo) error {
		rr := repo.(*Repository)
		var m models.PrintJob
		err := rr.db.WithContext(ctx).
			Where("printer_id = ? AND status = ?", string(printerID), string(coremodel.JobPending)).
			Order("priority DESC, created_at ASC").
			First(&m).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return storage.ErrNotFound
		}
		if err != nil {
			return err
		}
		now := time.Now()
		res := rr.db.WithContext(ctx).Model(&models.PrintJob{}).
			Where("id = ? AND status = ?", m.ID, string(coremodel.JobPending)).
			Updates(map[string]interface{}{
				"status":     string(coremodel.JobPrinting),
				"started_at": now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return storage.ErrConflict
		}
		m.Status = string(coremodel.JobPrinting)
		m.StartedAt = &now
		claimed = jobFromModel(&m)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// MarkJobComplete finishes a printing job.
func (r *Repository) MarkJobComplete(ctx context.Context, id coremodel.JobID) error {
	now := time.Now()
	res := r.db.WithContext(ctx).Model(&models.PrintJob{}).
		Where("id = ? AND status = ?", string(id), string(coremodel.JobPrinting)).
		Updates(map[string]interface{}{
			"status":       string(coremodel.JobCompleted),
			"completed_at": now,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: printing job %s", storage.ErrNotFound, id)
	}
	return nil
}

// MarkJobFailed finishes a printing job as failed. Terminal.
func (r *Repository) MarkJobFailed(ctx context.Context, id coremodel.JobID, errMsg string) error {
	now := time.Now()
	res := r.db.WithContext(ctx).Model(&models.PrintJob{}).
		Where("id = ? AND status = ?", string(id), string(coremodel.JobPrinting)).
		Updates(map[string]interface{}{
			"status":       string(coremodel.JobFailed),
			"last_error":   errMsg,
			"completed_at": now,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: printing job %s", storage.ErrNotFound, id)
	}
	return nil
}

// IncrementJobRetry bumps retry_count by exactly one and returns the job
// to pending. Returns -1 for an unknown id.
func (r *Repository) IncrementJobRetry(ctx context.Context, id coremodel.JobID) (int, error) {
	var count int
	err := r.WithTx(ctx, func(repo storage.CoreRepo) error {
		rr := repo.(*Repository)
		var m models.PrintJob
		err := rr.db.WithContext(ctx).Where("id = ?", string(id)).First(&m).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return storage.ErrNotFound
		}
		if err != nil {
			return err
		}
		count = m.RetryCount + 1
		return rr.db.WithContext(ctx).Model(&models.PrintJob{}).
			Where("id = ?", string(id)).
			Updates(map[string]interface{}{
				"retry_count": count,
				"status":      string(coremodel.JobPending),
				"started_at":  nil,
			}).Error
	})
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return -1, err
		}
		return 0, err
	}
	return count, nil
}

// SetJobLastError persists the error string without a status change.
func (r *Repository) SetJobLastError(ctx context.Context, id coremodel.JobID, errMsg string) error {
	return r.db.WithContext(ctx).Model(&models.PrintJob{}).
		Where("id = ?", string(id)).
		Update("last_error", errMsg).Error
}

// ResetPrintingJobs returns stale printing rows to pending; run at
// startup before any worker starts.
func (r *Repository) ResetPrintingJobs(ctx context.Context) (int64, error) {
	res := r.db.WithContext(ctx).Model(&models.PrintJob{}).
		Where("status = ?", string(coremodel.JobPrinting)).
		Updates(map[string]interface{}{
			"status":     string(coremodel.JobPending),
			"started_at": nil,
		})
	return res.RowsAffected, res.Error
}

// QueuedJobs lists pending jobs in dequeue order.
func (r *Repository) QueuedJobs(ctx context.Context, printerID coremodel.DeviceID) ([]coremodel.PrintJob, error) {
	var rows []models.PrintJob
	err := r.db.WithContext(ctx).
		Where("printer_id = ? AND status = ?", string(printerID), string(coremodel.JobPending)).
		Order("priority DESC, created_at ASC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]coremodel.PrintJob, 0, len(rows))
	for i := range rows {
		out = append(out, *jobFromModel(&rows[i]))
	}
	return out, nil
}

// QueueLength counts jobs, optionally narrowed to one printer and one
// status. An empty printerID spans all printers; an empty status counts
// pending and printing jobs only.
func (r *Repository) QueueLength(ctx context.Context, printerID coremodel.DeviceID, status coremodel.JobStatus) (int, error) {
	q := r.db.WithContext(ctx).Model(&models.PrintJob{})
	if printerID != "" {
		q = q.Where("printer_id = ?", string(printerID))
	}
	if status != "" {
		q = q.Where("status = ?", string(status))
	} else {
		q = q.Where("status IN ?", []string{
			string(coremodel.JobPending), string(coremodel.JobPrinting),
		})
	}
	var n int64
	if err := q.Count(&n).Error; err != nil {
		return 0, err
	}
	return int(n), nil
}

// GetJob fetches one job by id.
func (r *Repository) GetJob(ctx context.Context, id coremodel.JobID) (*coremodel.PrintJob, error) {
	var m models.PrintJob
	err := r.db.WithContext(ctx).Where("id = ?", string(id)).First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: job %s", storage.ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return jobFromModel(&m), nil
}

// ClearQueue drops non-terminal jobs. Maintenance and tests only.
func (r *Repository) ClearQueue(ctx context.Context) error {
	return r.db.WithContext(ctx).
		Where("status IN ?", []string{string(coremodel.JobPending), string(coremodel.JobPrinting)}).
		Delete(&models.PrintJob{}).Error
}

// ClearHistory drops terminal jobs. Maintenance and tests only.
func (r *Repository) ClearHistory(ctx context.Context) error {
	return r.db.WithContext(ctx).
		Where("status IN ?", []string{string(coremodel.JobCompleted), string(coremodel.JobFailed)}).
		Delete(&models.PrintJob{}).Error
}
