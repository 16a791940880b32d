package gormstore

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/modaworks/tryon/internal/billing"
	"github.com/modaworks/tryon/internal/tryon"
)

// JobStore implements tryon.Store using GORM.
type JobStore struct {
	db *gorm.DB
}

// NewJobStore returns a JobStore backed by gorm.DB.
func NewJobStore(db *gorm.DB) *JobStore {
	return &JobStore{db: db}
}

func (store *JobStore) CreateJob(ctx context.Context, job tryon.Job) error {
	paramsJSON, err := json.Marshal(job.Params)
	if err != nil {
		return wrapStoreError(errorSubjectJob, errorCodeCreate, err)
	}
	model := Job{
		JobID:        job.JobID,
		TenantID:     job.TenantID,
		CustomerID:   job.CustomerID,
		Status:       job.Status.String(),
		ChargeSource: job.ChargeSource.String(),
		Params:       paramsJSON,
		ErrorSummary: job.ErrorSummary,
		CreatedAt:    time.Unix(job.CreatedUnixUTC, 0).UTC(),
	}
	if job.ReservationID != "" {
		reservationID := job.ReservationID
		model.ReservationID = &reservationID
	}
	if err := store.db.WithContext(ctx).Create(&model).Error; err != nil {
		return wrapStoreError(errorSubjectJob, errorCodeCreate, err)
	}
	return nil
}

func (store *JobStore) GetJob(ctx context.Context, jobID string) (tryon.Job, error) {
	var model Job
	err := store.db.WithContext(ctx).
		Where("job_id = ?", jobID).
		Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return tryon.Job{}, wrapStoreError(errorSubjectJob, errorCodeGet, tryon.ErrUnknownJob)
		}
		return tryon.Job{}, wrapStoreError(errorSubjectJob, errorCodeGet, err)
	}
	return jobFromModel(model)
}

// MarkProcessing is advisory: a job already past pending keeps its status
// and the caller sees ErrJobClosed.
func (store *JobStore) MarkProcessing(ctx context.Context, jobID string) error {
	result := store.db.WithContext(ctx).
		Model(&Job{}).
		Where("job_id = ? AND status = ?", jobID, tryon.JobStatusPending.String()).
		UpdateColumn("status", tryon.JobStatusProcessing.String())
	if result.Error != nil {
		return wrapStoreError(errorSubjectJob, errorCodeUpdateStatus, result.Error)
	}
	if result.RowsAffected == 0 {
		return store.closedOrUnknown(ctx, jobID)
	}
	return nil
}

// SetJobOutcome applies the terminal status only while the job is still
// open, so exactly one completion wins.
func (store *JobStore) SetJobOutcome(ctx context.Context, jobID string, status tryon.JobStatus, result *tryon.Result, errorSummary string) error {
	updates := map[string]any{
		"status":        status.String(),
		"error_summary": errorSummary,
	}
	if result != nil {
		resultJSON, err := json.Marshal(result)
		if err != nil {
			return wrapStoreError(errorSubjectJob, errorCodeUpdateStatus, err)
		}
		updates["result"] = resultJSON
	}
	outcome := store.db.WithContext(ctx).
		Model(&Job{}).
		Where("job_id = ? AND status IN ?", jobID, []string{
			tryon.JobStatusPending.String(),
			tryon.JobStatusProcessing.String(),
		}).
		Updates(updates)
	if outcome.Error != nil {
		return wrapStoreError(errorSubjectJob, errorCodeUpdateStatus, outcome.Error)
	}
	if outcome.RowsAffected == 0 {
		return store.closedOrUnknown(ctx, jobID)
	}
	return nil
}

func (store *JobStore) ListStalePending(ctx context.Context, olderThanUnixUTC int64, limit int) ([]tryon.Job, error) {
	var models []Job
	err := store.db.WithContext(ctx).
		Where("status = ? AND created_at < ?", tryon.JobStatusPending.String(), time.Unix(olderThanUnixUTC, 0).UTC()).
		Order("created_at ASC").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectJob, errorCodeList, err)
	}
	jobs := make([]tryon.Job, 0, len(models))
	for _, model := range models {
		job, err := jobFromModel(model)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

func (store *JobStore) closedOrUnknown(ctx context.Context, jobID string) error {
	var count int64
	if err := store.db.WithContext(ctx).Model(&Job{}).Where("job_id = ?", jobID).Count(&count).Error; err != nil {
		return wrapStoreError(errorSubjectJob, errorCodeGet, err)
	}
	if count == 0 {
		return wrapStoreError(errorSubjectJob, errorCodeUpdateStatus, tryon.ErrUnknownJob)
	}
	return wrapStoreError(errorSubjectJob, errorCodeUpdateStatus, tryon.ErrJobClosed)
}

func jobFromModel(model Job) (tryon.Job, error) {
	status, err := tryon.ParseJobStatus(model.Status)
	if err != nil {
		return tryon.Job{}, wrapStoreError(errorSubjectJob, errorCodeInvalid, err)
	}
	chargeSource, err := billing.ParseChargeSource(model.ChargeSource)
	if err != nil {
		return tryon.Job{}, wrapStoreError(errorSubjectJob, errorCodeInvalid, err)
	}
	var params tryon.Params
	if len(model.Params) > 0 {
		if err := json.Unmarshal(model.Params, &params); err != nil {
			return tryon.Job{}, wrapStoreError(errorSubjectJob, errorCodeInvalid, err)
		}
	}
	var result *tryon.Result
	if len(model.Result) > 0 {
		decoded := tryon.Result{}
		if err := json.Unmarshal(model.Result, &decoded); err != nil {
			return tryon.Job{}, wrapStoreError(errorSubjectJob, errorCodeInvalid, err)
		}
		result = &decoded
	}
	job := tryon.Job{
		JobID:          model.JobID,
		TenantID:       model.TenantID,
		CustomerID:     model.CustomerID,
		Status:         status,
		ChargeSource:   chargeSource,
		Params:         params,
		Result:         result,
		ErrorSummary:   model.ErrorSummary,
		CreatedUnixUTC: model.CreatedAt.Unix(),
	}
	if model.ReservationID != nil {
		job.ReservationID = *model.ReservationID
	}
	return job, nil
}
