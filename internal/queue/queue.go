package queue

import (
	"context"
	"errors"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/opsprobe-dev/opsprobe/internal/apperrors"
	"github.com/opsprobe-dev/opsprobe/internal/models"
)

// JobRecord is one queued investigation. Delivery is at-least-once: a
// claimed job whose lease expires is handed to another worker.
type JobRecord struct {
	ID        string `gorm:"primaryKey;size:64"`
	SessionID string `gorm:"index;size:64"`
	UserID    string `gorm:"size:64"`
	Symptom   string
	Mode      string `gorm:"size:16"`
	Status    string `gorm:"index;size:16"`
	Attempts  int
	ClaimedBy string `gorm:"size:64"`
	ClaimedAt *time.Time
	LastError string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// TableName maps JobRecord to the diagnosis_jobs table
func (JobRecord) TableName() string { return "diagnosis_jobs" }

// Queue is the durable investigation job queue
type Queue struct {
	db           *gorm.DB
	leaseTimeout time.Duration
	logger       logr.Logger
}

// New creates a queue over an existing database connection
func New(db *gorm.DB, leaseTimeout time.Duration, logger logr.Logger) (*Queue, error) {
	if err := db.AutoMigrate(&JobRecord{}); err != nil {
		return nil, apperrors.New(apperrors.ErrCodeStorageUnavailable, "failed to migrate job table", err)
	}
	return &Queue{
		db:           db,
		leaseTimeout: leaseTimeout,
		logger:       logger.WithName("queue"),
	}, nil
}

// Submit enqueues a new investigation job and returns its handle
func (q *Queue) Submit(ctx context.Context, sessionID, userID, symptom string, mode models.Mode) (string, error) {
	rec := JobRecord{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		UserID:    userID,
		Symptom:   symptom,
		Mode:      string(mode),
		Status:    string(models.JobStatusPending),
	}

	if err := q.db.WithContext(ctx).Create(&rec).Error; err != nil {
		return "", apperrors.New(apperrors.ErrCodeJobSubmit, "failed to enqueue job", err)
	}

	q.logger.Info("job submitted", "job", rec.ID, "session", sessionID, "mode", mode)
	return rec.ID, nil
}

// Poll reports the job for the given handle
func (q *Queue) Poll(ctx context.Context, jobID string) (models.Job, error) {
	var rec JobRecord
	err := q.db.WithContext(ctx).Where("id = ?", jobID).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.Job{}, apperrors.New(apperrors.ErrCodeInvalidInput, "unknown job handle", err)
	}
	if err != nil {
		return models.Job{}, apperrors.New(apperrors.ErrCodeStorageUnavailable, "job read failed", err)
	}
	return toJob(rec), nil
}

// Claim leases the oldest runnable job for the worker. A job is runnable
// when pending, or when running with an expired lease (its worker is
// presumed dead). Returns nil when the queue is empty.
func (q *Queue) Claim(ctx context.Context, workerID string) (*models.Job, error) {
	cutoff := time.Now().Add(-q.leaseTimeout)

	var claimed *JobRecord
	err := q.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rec JobRecord
		err := tx.
			Where("status = ? OR (status = ? AND claimed_at < ?)",
				string(models.JobStatusPending), string(models.JobStatusRunning), cutoff).
			Order("created_at ASC").
			First(&rec).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return err
		}

		now := time.Now()
		res := tx.Model(&JobRecord{}).
			Where("id = ? AND status = ? AND attempts = ?", rec.ID, rec.Status, rec.Attempts).
			Updates(map[string]interface{}{
				"status":     string(models.JobStatusRunning),
				"claimed_by": workerID,
				"claimed_at": now,
				"attempts":   rec.Attempts + 1,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			// Another worker won the race; the caller polls again.
			return nil
		}

		rec.Status = string(models.JobStatusRunning)
		rec.Attempts++
		rec.ClaimedBy = workerID
		rec.ClaimedAt = &now
		claimed = &rec
		return nil
	})
	if err != nil {
		return nil, apperrors.New(apperrors.ErrCodeStorageUnavailable, "job claim failed", err)
	}
	if claimed == nil {
		return nil, nil
	}

	job := toJob(*claimed)
	return &job, nil
}

// Complete marks the job finished
func (q *Queue) Complete(ctx context.Context, jobID string) error {
	return q.setStatus(ctx, jobID, models.JobStatusCompleted, "")
}

// Fail records a failed run. The job is requeued while attempts remain
// under maxAttempts, otherwise it is marked failed permanently.
func (q *Queue) Fail(ctx context.Context, jobID string, maxAttempts int, runErr error) error {
	var rec JobRecord
	if err := q.db.WithContext(ctx).Where("id = ?", jobID).First(&rec).Error; err != nil {
		return apperrors.New(apperrors.ErrCodeStorageUnavailable, "job read failed", err)
	}

	status := models.JobStatusFailed
	if rec.Attempts < maxAttempts {
		status = models.JobStatusPending
	}
	return q.setStatus(ctx, jobID, status, runErr.Error())
}

func (q *Queue) setStatus(ctx context.Context, jobID string, status models.JobStatus, lastError string) error {
	err := q.db.WithContext(ctx).Model(&JobRecord{}).
		Where("id = ?", jobID).
		Updates(map[string]interface{}{
			"status":     string(status),
			"last_error": lastError,
		}).Error
	if err != nil {
		return apperrors.New(apperrors.ErrCodeStorageUnavailable, "job update failed", err)
	}
	return nil
}

func toJob(rec JobRecord) models.Job {
	return models.Job{
		ID:        rec.ID,
		SessionID: rec.SessionID,
		UserID:    rec.UserID,
		Symptom:   rec.Symptom,
		Mode:      models.Mode(rec.Mode),
		Status:    models.JobStatus(rec.Status),
		Attempts:  rec.Attempts,
		CreatedAt: rec.CreatedAt,
	}
}
