package model

import (
	"time"

	"github.com/geotask/api/internal/geofence"
	"github.com/shopspring/decimal"
)

// Job represents a paid task posted by a business
type Job struct {
	ID           string          `json:"id"`
	BusinessID   string          `json:"businessId"`
	WorkerID     string          `json:"workerId,omitempty"`
	Title        string          `json:"title"`
	Description  string          `json:"description,omitempty"`
	Amount       decimal.Decimal `json:"amount"`
	SiteLocation geofence.Point  `json:"siteLocation"`
	RadiusMeters float64         `json:"radiusMeters"`
	Status       JobStatus       `json:"status"`
	PaymentRules PaymentRules    `json:"paymentRules"`
	CreatedAt    time.Time       `json:"createdAt"`
	UpdatedAt    time.Time       `json:"updatedAt"`
}

// Geofence returns the job site circle
func (j *Job) Geofence() Zone {
	return Zone{
		Latitude:     j.SiteLocation.Latitude,
		Longitude:    j.SiteLocation.Longitude,
		RadiusMeters: j.RadiusMeters,
	}
}

// Clone returns a copy that can be mutated without touching j
func (j *Job) Clone() *Job {
	c := *j
	if j.PaymentRules.AllowedCompletionZones != nil {
		c.PaymentRules.AllowedCompletionZones = append([]Zone(nil), j.PaymentRules.AllowedCompletionZones...)
	}
	return &c
}

// JobFilter narrows job listings
type JobFilter struct {
	Status     JobStatus
	BusinessID string
	WorkerID   string
	Limit      int
}

// Matches reports whether j satisfies every set field of f
func (f JobFilter) Matches(j *Job) bool {
	if f.Status != "" && j.Status != f.Status {
		return false
	}
	if f.BusinessID != "" && j.BusinessID != f.BusinessID {
		return false
	}
	if f.WorkerID != "" && j.WorkerID != f.WorkerID {
		return false
	}
	return true
}

// CreateJobRequest represents the request to post a new job
type CreateJobRequest struct {
	Title        string            `json:"title" validate:"required,min=3,max=200"`
	Description  string            `json:"description" validate:"max=4000"`
	Amount       string            `json:"amount" validate:"required,numeric"`
	SiteLocation LocationInput     `json:"siteLocation" validate:"required"`
	RadiusMeters float64           `json:"radiusMeters" validate:"required,gt=0,max=100000"`
	PaymentRules PaymentRulesInput `json:"paymentRules"`
}

// PaymentRulesInput mirrors PaymentRules with validation tags
type PaymentRulesInput struct {
	RequireBusinessApproval     bool        `json:"requireBusinessApproval"`
	RequireLocationVerification bool        `json:"requireLocationVerification"`
	AllowedCompletionZones      []ZoneInput `json:"allowedCompletionZones" validate:"omitempty,max=50,dive"`
	AutoReleaseOnCompletion     bool        `json:"autoReleaseOnCompletion"`
}

// ZoneInput is a completion zone as submitted by a client
type ZoneInput struct {
	Latitude     *float64 `json:"latitude" validate:"required,min=-90,max=90"`
	Longitude    *float64 `json:"longitude" validate:"required,min=-180,max=180"`
	RadiusMeters float64  `json:"radiusMeters" validate:"required,gt=0,max=100000"`
}

// LocationInput is a coordinate pair as submitted by a client.
// Pointers keep 0,0 distinguishable from a missing value.
type LocationInput struct {
	Latitude  *float64 `json:"latitude" validate:"required"`
	Longitude *float64 `json:"longitude" validate:"required"`
}

// Point converts the input to a geofence point. Range checks are left to geofence.Validate.
func (l LocationInput) Point() geofence.Point {
	var p geofence.Point
	if l.Latitude != nil {
		p.Latitude = *l.Latitude
	}
	if l.Longitude != nil {
		p.Longitude = *l.Longitude
	}
	return p
}

// AssignJobRequest represents the request to assign a worker
type AssignJobRequest struct {
	WorkerID string `json:"workerId" validate:"required,max=128"`
}

// CompleteJobRequest represents a worker's completion attempt
type CompleteJobRequest struct {
	Location         LocationInput `json:"location" validate:"required"`
	BusinessApproval bool          `json:"businessApproval"`
}

// ValidatePaymentRequest represents a dry-run authorization request
type ValidatePaymentRequest struct {
	Location         *LocationInput `json:"location"`
	BusinessApproval bool           `json:"businessApproval"`
}

// VerifyLocationRequest represents a stateless geofence check
type VerifyLocationRequest struct {
	Location     LocationInput `json:"location" validate:"required"`
	Target       LocationInput `json:"target" validate:"required"`
	RadiusMeters float64       `json:"radiusMeters" validate:"gte=0"`
}

// JobDetailResponse bundles a job with its escrow and location checks
type JobDetailResponse struct {
	Job            *Job             `json:"job"`
	Escrow         *Escrow          `json:"escrow"`
	LocationChecks []*LocationCheck `json:"locationChecks"`
}

// ReleaseQueuedResponse represents the response when a manual release is queued
type ReleaseQueuedResponse struct {
	JobID    string    `json:"jobId"`
	Status   string    `json:"status"`
	QueuedAt time.Time `json:"queuedAt"`
}

// NearbyJob is an open job with its distance from the searcher
type NearbyJob struct {
	Job            *Job    `json:"job"`
	DistanceMeters float64 `json:"distanceMeters"`
}

// AuditRecord is the exported history of a job
type AuditRecord struct {
	Job            *Job             `json:"job"`
	Escrow         *Escrow          `json:"escrow"`
	LocationChecks []*LocationCheck `json:"locationChecks"`
	ExportedAt     time.Time        `json:"exportedAt"`
}

// AuditExportResponse points at an exported audit record
type AuditExportResponse struct {
	JobID     string    `json:"jobId"`
	Key       string    `json:"key"`
	URL       string    `json:"url"`
	ExpiresAt time.Time `json:"expiresAt"`
}
