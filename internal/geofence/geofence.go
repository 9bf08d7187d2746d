package geofence

import (
	"errors"
	"fmt"
	"math"
)

// EarthRadiusMeters is the mean Earth radius used for great-circle distances
const EarthRadiusMeters = 6371000.0

// ErrInvalidCoordinate is returned for latitude/longitude values outside their valid range
var ErrInvalidCoordinate = errors.New("invalid coordinate")

// ErrInvalidRadius is returned for negative or non-finite radii
var ErrInvalidRadius = errors.New("invalid radius")

// Point is a WGS84 position in degrees
type Point struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Result is the outcome of a geofence check
type Result struct {
	DistanceMeters float64 `json:"distanceMeters"`
	WithinGeofence bool    `json:"withinGeofence"`
}

// CoordinateError describes the offending coordinate component
type CoordinateError struct {
	Field string
	Value float64
}

func (e *CoordinateError) Error() string {
	return fmt.Sprintf("invalid coordinate: %s %v out of range", e.Field, e.Value)
}

func (e *CoordinateError) Unwrap() error {
	return ErrInvalidCoordinate
}

// Validate checks that p lies within [-90,90] latitude and [-180,180] longitude
func Validate(p Point) error {
	if math.IsNaN(p.Latitude) || p.Latitude < -90 || p.Latitude > 90 {
		return &CoordinateError{Field: "latitude", Value: p.Latitude}
	}
	if math.IsNaN(p.Longitude) || p.Longitude < -180 || p.Longitude > 180 {
		return &CoordinateError{Field: "longitude", Value: p.Longitude}
	}
	return nil
}

// Distance returns the haversine distance between a and b in meters
func Distance(a, b Point) (float64, error) {
	if err := Validate(a); err != nil {
		return 0, err
	}
	if err := Validate(b); err != nil {
		return 0, err
	}
	return haversine(a, b), nil
}

// Verify reports how far reported is from target and whether it lies inside
// the circle of radiusMeters around target. The boundary counts as inside.
func Verify(reported, target Point, radiusMeters float64) (Result, error) {
	if math.IsNaN(radiusMeters) || math.IsInf(radiusMeters, 0) || radiusMeters < 0 {
		return Result{}, fmt.Errorf("%w: %v", ErrInvalidRadius, radiusMeters)
	}

	distance, err := Distance(reported, target)
	if err != nil {
		return Result{}, err
	}

	return Result{
		DistanceMeters: distance,
		WithinGeofence: distance <= radiusMeters,
	}, nil
}

func haversine(a, b Point) float64 {
	lat1 := toRadians(a.Latitude)
	lat2 := toRadians(b.Latitude)
	dLat := toRadians(b.Latitude - a.Latitude)
	dLon := toRadians(b.Longitude - a.Longitude)

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)

	// rounding can push h marginally past 1 for antipodal points
	h = math.Min(1, h)

	return 2 * EarthRadiusMeters * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
}

func toRadians(deg float64) float64 {
	return deg * math.Pi / 180
}
