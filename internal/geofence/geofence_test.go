package geofence

import (
	"errors"
	"math"
	"testing"
)

var timesSquare = Point{Latitude: 40.7589, Longitude: -73.9851}

func TestVerify_SamePoint(t *testing.T) {
	res, err := Verify(timesSquare, timesSquare, 100)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.DistanceMeters != 0 {
		t.Errorf("expected distance 0, got %v", res.DistanceMeters)
	}
	if !res.WithinGeofence {
		t.Error("expected point to be within geofence")
	}
}

func TestVerify_FarAway(t *testing.T) {
	res, err := Verify(Point{Latitude: 40.8000, Longitude: -73.9000}, timesSquare, 100)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.WithinGeofence {
		t.Error("expected point to be outside geofence")
	}
	if res.DistanceMeters < 8000 || res.DistanceMeters > 9000 {
		t.Errorf("expected roughly 8.5km, got %v", res.DistanceMeters)
	}
}

func TestVerify_BoundaryIsInclusive(t *testing.T) {
	reported := Point{Latitude: 40.7598, Longitude: -73.9851}
	d, err := Distance(reported, timesSquare)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	res, err := Verify(reported, timesSquare, d)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.WithinGeofence {
		t.Errorf("expected point exactly on the radius (%v m) to pass", d)
	}

	res, err = Verify(reported, timesSquare, math.Nextafter(d, 0))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.WithinGeofence {
		t.Error("expected point just past the radius to fail")
	}
}

func TestVerify_MonotonicInDisplacement(t *testing.T) {
	const radius = 500.0
	wasInside := true
	for i := 0; i <= 200; i++ {
		// walk north in ~11m steps
		reported := Point{Latitude: timesSquare.Latitude + float64(i)*0.0001, Longitude: timesSquare.Longitude}
		res, err := Verify(reported, timesSquare, radius)
		if err != nil {
			t.Fatalf("step %d: unexpected error: %v", i, err)
		}
		if res.WithinGeofence && !wasInside {
			t.Fatalf("step %d: moved farther away but flipped back inside", i)
		}
		wasInside = res.WithinGeofence
	}
	if wasInside {
		t.Error("expected walk to leave the geofence")
	}
}

func TestVerify_InvalidCoordinates(t *testing.T) {
	cases := []struct {
		name  string
		p     Point
		field string
	}{
		{"latitude too high", Point{Latitude: 90.0001, Longitude: 0}, "latitude"},
		{"latitude too low", Point{Latitude: -91, Longitude: 0}, "latitude"},
		{"longitude too high", Point{Latitude: 0, Longitude: 180.5}, "longitude"},
		{"longitude too low", Point{Latitude: 0, Longitude: -181}, "longitude"},
		{"latitude NaN", Point{Latitude: math.NaN(), Longitude: 0}, "latitude"},
		{"longitude Inf", Point{Latitude: 0, Longitude: math.Inf(1)}, "longitude"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Verify(tc.p, timesSquare, 100)
			if !errors.Is(err, ErrInvalidCoordinate) {
				t.Fatalf("expected ErrInvalidCoordinate, got %v", err)
			}
			var coordErr *CoordinateError
			if !errors.As(err, &coordErr) {
				t.Fatalf("expected *CoordinateError, got %T", err)
			}
			if coordErr.Field != tc.field {
				t.Errorf("expected field %q, got %q", tc.field, coordErr.Field)
			}
		})
	}
}

func TestVerify_PolesAndAntimeridianAreValid(t *testing.T) {
	for _, p := range []Point{
		{Latitude: 90, Longitude: 180},
		{Latitude: -90, Longitude: -180},
	} {
		if _, err := Verify(p, timesSquare, 1); err != nil {
			t.Errorf("expected %+v to be valid, got %v", p, err)
		}
	}
}

func TestVerify_InvalidRadius(t *testing.T) {
	for _, r := range []float64{-1, math.NaN(), math.Inf(1)} {
		if _, err := Verify(timesSquare, timesSquare, r); !errors.Is(err, ErrInvalidRadius) {
			t.Errorf("radius %v: expected ErrInvalidRadius, got %v", r, err)
		}
	}
}

func TestDistance_Symmetric(t *testing.T) {
	other := Point{Latitude: 51.5074, Longitude: -0.1278}
	ab, _ := Distance(timesSquare, other)
	ba, _ := Distance(other, timesSquare)
	if math.Abs(ab-ba) > 1e-6 {
		t.Errorf("expected symmetric distance, got %v and %v", ab, ba)
	}
	// New York to London is about 5570km
	if ab < 5500000 || ab > 5650000 {
		t.Errorf("unexpected New York to London distance %v", ab)
	}
}
