package rules

import (
	"fmt"

	"github.com/geotask/api/internal/geofence"
	"github.com/geotask/api/internal/model"
)

// Rule names a configurable payment rule
type Rule string

const (
	RuleBusinessApproval     Rule = "business_approval"
	RuleLocationVerification Rule = "location_verification"
	RuleCompletionZones      Rule = "completion_zones"
)

// Kind classifies why a rule failed
type Kind string

const (
	KindBusinessApprovalMissing Kind = "business_approval_missing"
	KindLocationMissing         Kind = "location_missing"
	KindOutsideGeofence         Kind = "outside_geofence"
	KindOutsideCompletionZones  Kind = "outside_completion_zones"
)

// Attempt is a single completion claim
type Attempt struct {
	WorkerLocation   *geofence.Point
	BusinessApproval bool
}

// Failure is one blocking reason. DistanceMeters is set for geofence failures.
type Failure struct {
	Rule           Rule     `json:"rule"`
	Kind           Kind     `json:"kind"`
	Message        string   `json:"message"`
	DistanceMeters *float64 `json:"distanceMeters,omitempty"`
}

// Result is the authorization decision for an attempt
type Result struct {
	Authorized  bool      `json:"authorized"`
	Reasons     []Failure `json:"reasons"`
	AutoRelease bool      `json:"autoRelease"`
}

// Engine evaluates a job's PaymentRules
type Engine struct{}

func NewEngine() *Engine {
	return &Engine{}
}

// Authorize evaluates every configured rule in a fixed order and reports every
// failure. Unconfigured rules contribute nothing, so an empty rule set authorizes.
func (e *Engine) Authorize(job *model.Job, attempt Attempt) Result {
	rules := job.PaymentRules
	reasons := make([]Failure, 0)

	if rules.RequireBusinessApproval && !attempt.BusinessApproval {
		reasons = append(reasons, Failure{
			Rule:    RuleBusinessApproval,
			Kind:    KindBusinessApprovalMissing,
			Message: "business approval missing",
		})
	}

	if rules.RequireLocationVerification {
		if f, failed := checkSite(job, attempt.WorkerLocation); failed {
			reasons = append(reasons, f)
		}
	}

	if len(rules.AllowedCompletionZones) > 0 {
		if f, failed := checkZones(rules.AllowedCompletionZones, attempt.WorkerLocation); failed {
			reasons = append(reasons, f)
		}
	}

	return Result{
		Authorized:  len(reasons) == 0,
		Reasons:     reasons,
		AutoRelease: rules.AutoReleaseOnCompletion,
	}
}

func checkSite(job *model.Job, loc *geofence.Point) (Failure, bool) {
	if loc == nil {
		return locationMissing(RuleLocationVerification), true
	}

	res, err := geofence.Verify(*loc, job.SiteLocation, job.RadiusMeters)
	if err != nil {
		return Failure{
			Rule:    RuleLocationVerification,
			Kind:    KindOutsideGeofence,
			Message: err.Error(),
		}, true
	}
	if res.WithinGeofence {
		return Failure{}, false
	}

	d := res.DistanceMeters
	return Failure{
		Rule:           RuleLocationVerification,
		Kind:           KindOutsideGeofence,
		Message:        fmt.Sprintf("outside geofence: %.1fm from site, radius %.1fm", d, job.RadiusMeters),
		DistanceMeters: &d,
	}, true
}

func checkZones(zones []model.Zone, loc *geofence.Point) (Failure, bool) {
	if loc == nil {
		return locationMissing(RuleCompletionZones), true
	}

	nearest := -1.0
	for _, z := range zones {
		res, err := geofence.Verify(*loc, z.Center(), z.RadiusMeters)
		if err != nil {
			// a malformed zone never matches
			continue
		}
		if res.WithinGeofence {
			return Failure{}, false
		}
		if nearest < 0 || res.DistanceMeters < nearest {
			nearest = res.DistanceMeters
		}
	}

	f := Failure{
		Rule:    RuleCompletionZones,
		Kind:    KindOutsideCompletionZones,
		Message: "outside all allowed completion zones",
	}
	if nearest >= 0 {
		f.DistanceMeters = &nearest
	}
	return f, true
}

func locationMissing(rule Rule) Failure {
	return Failure{Rule: rule, Kind: KindLocationMissing, Message: "location missing"}
}

// Messages flattens failures to their messages, in evaluation order
func Messages(reasons []Failure) []string {
	out := make([]string, len(reasons))
	for i, r := range reasons {
		out[i] = r.Message
	}
	return out
}
