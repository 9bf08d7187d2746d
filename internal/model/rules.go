package model

import "github.com/geotask/api/internal/geofence"

// PaymentRules configures what must hold before a job's escrow may be released.
// Every combination of flags is valid, including none at all.
type PaymentRules struct {
	RequireBusinessApproval     bool   `json:"requireBusinessApproval"`
	RequireLocationVerification bool   `json:"requireLocationVerification"`
	AllowedCompletionZones      []Zone `json:"allowedCompletionZones"`
	AutoReleaseOnCompletion     bool   `json:"autoReleaseOnCompletion"`
}

// Zone is a circular completion area
type Zone struct {
	Latitude     float64 `json:"latitude"`
	Longitude    float64 `json:"longitude"`
	RadiusMeters float64 `json:"radiusMeters"`
}

// Center returns the zone center as a geofence point
func (z Zone) Center() geofence.Point {
	return geofence.Point{Latitude: z.Latitude, Longitude: z.Longitude}
}

// ToPaymentRules converts validated input into the stored rule set
func (in PaymentRulesInput) ToPaymentRules() PaymentRules {
	rules := PaymentRules{
		RequireBusinessApproval:     in.RequireBusinessApproval,
		RequireLocationVerification: in.RequireLocationVerification,
		AutoReleaseOnCompletion:     in.AutoReleaseOnCompletion,
	}
	for _, z := range in.AllowedCompletionZones {
		zone := Zone{RadiusMeters: z.RadiusMeters}
		if z.Latitude != nil {
			zone.Latitude = *z.Latitude
		}
		if z.Longitude != nil {
			zone.Longitude = *z.Longitude
		}
		rules.AllowedCompletionZones = append(rules.AllowedCompletionZones, zone)
	}
	return rules
}
