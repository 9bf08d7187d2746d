package model

import (
	"time"

	"github.com/geotask/api/internal/geofence"
)

// LocationCheck is an immutable record of one completion attempt's geofence test
type LocationCheck struct {
	ID               string         `json:"id"`
	JobID            string         `json:"jobId"`
	WorkerID         string         `json:"workerId"`
	ReportedLocation geofence.Point `json:"reportedLocation"`
	DistanceMeters   float64        `json:"distanceMeters"`
	WithinGeofence   bool           `json:"withinGeofence"`
	Timestamp        time.Time      `json:"timestamp"`
}
