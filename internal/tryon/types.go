package tryon

import (
	"context"
	"fmt"
	"strings"

	"github.com/modaworks/tryon/internal/billing"
)

// JobStatus defines the generation job lifecycle. Processing is advisory;
// a job may jump straight from pending to a terminal state.
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusSucceeded  JobStatus = "succeeded"
	JobStatusFailed     JobStatus = "failed"
)

// ParseJobStatus maps a stored status string to the closed enum.
func ParseJobStatus(raw string) (JobStatus, error) {
	switch JobStatus(raw) {
	case JobStatusPending, JobStatusProcessing, JobStatusSucceeded, JobStatusFailed:
		return JobStatus(raw), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidJobStatus, raw)
}

// String returns the stored representation.
func (status JobStatus) String() string {
	return string(status)
}

// Terminal reports whether the status admits no further transitions.
func (status JobStatus) Terminal() bool {
	return status == JobStatusSucceeded || status == JobStatusFailed
}

// Params is the structured generation request, validated once at the
// boundary. Scene selection arrives pre-resolved and flows through as-is.
type Params struct {
	ProductID       string            `json:"product_id"`
	PersonImageRef  string            `json:"person_image_ref"`
	GarmentImageRef string            `json:"garment_image_ref"`
	SceneID         string            `json:"scene_id,omitempty"`
	Options         map[string]string `json:"options,omitempty"`
}

// NewParams validates and normalizes generation parameters.
func NewParams(productID, personImageRef, garmentImageRef, sceneID string, options map[string]string) (Params, error) {
	params := Params{
		ProductID:       strings.TrimSpace(productID),
		PersonImageRef:  strings.TrimSpace(personImageRef),
		GarmentImageRef: strings.TrimSpace(garmentImageRef),
		SceneID:         strings.TrimSpace(sceneID),
		Options:         options,
	}
	if params.ProductID == "" {
		return Params{}, fmt.Errorf("%w: product id is required", ErrInvalidParams)
	}
	if params.PersonImageRef == "" {
		return Params{}, fmt.Errorf("%w: person image ref is required", ErrInvalidParams)
	}
	if params.GarmentImageRef == "" {
		return Params{}, fmt.Errorf("%w: garment image ref is required", ErrInvalidParams)
	}
	return params, nil
}

// Result describes a finished generation.
type Result struct {
	ImageRefs      []string `json:"image_refs"`
	CostCredits    int64    `json:"cost_credits"`
	DurationMillis int64    `json:"duration_millis"`
}

// Outcome is the worker's completion report for one job.
type Outcome struct {
	Success      bool
	Result       *Result
	ErrorSummary string
}

// Job is the durable record of one generation request, independent of the
// charge that funded it. Jobs are never deleted.
type Job struct {
	JobID          string
	TenantID       string
	CustomerID     string
	Status         JobStatus
	ChargeSource   billing.ChargeSource
	ReservationID  string
	Params         Params
	Result         *Result
	ErrorSummary   string
	CreatedUnixUTC int64
}

// Store is the persistence contract for jobs. SetJobOutcome must be a
// compare-and-set: it only applies when the job is still non-terminal and
// reports ErrJobClosed otherwise, so exactly one completion wins.
type Store interface {
	CreateJob(ctx context.Context, job Job) error
	GetJob(ctx context.Context, jobID string) (Job, error)
	MarkProcessing(ctx context.Context, jobID string) error
	SetJobOutcome(ctx context.Context, jobID string, status JobStatus, result *Result, errorSummary string) error
	ListStalePending(ctx context.Context, olderThanUnixUTC int64, limit int) ([]Job, error)
}
