// Package rulebook holds the LOS (Level of Service) classification
// thresholds and per-schema-class flow capacities used by the Binning
// Engine. It replaces the "hidden global state" pattern spec.md §9
// flags in the teacher's module-level caches with an explicit value
// threaded through each call — there is no package-level mutable
// rulebook.
package rulebook

import (
	"encoding/json"
	"io"

	"github.com/thomjeff/run-density-sub007/internal/model"
	"github.com/thomjeff/run-density-sub007/internal/raceerr"
)

// Thresholds are the upper bound (exclusive) of areal density in
// p/m^2 for LOS classes A-E; anything at or above the E bound is F.
type Thresholds struct {
	A, B, C, D, E float64
}

// DefaultThresholds matches spec.md §4.1 step 6 defaults.
var DefaultThresholds = Thresholds{A: 0.36, B: 0.54, C: 0.72, D: 1.08, E: 1.63}

// DefaultCapacity is the flow_capacity (runners per meter-width per
// minute) used to derive flow_utilization when a schema class has no
// override. This is a conservative on-course-open figure; narrower
// schema classes override it below.
const DefaultCapacity = 1.2

// Rulebook is the fully-resolved, immutable set of thresholds and
// capacities for a run: a global default plus per-schema-class
// overrides (spec.md §6.1 los_rulebook, §9 Open Questions item left
// for implementers to formalize — SPEC_FULL's supplemented feature).
type Rulebook struct {
	Default   Thresholds
	Capacity  float64
	Overrides map[model.SchemaClass]Thresholds
	Capacities map[model.SchemaClass]float64
}

func Default() *Rulebook {
	return &Rulebook{
		Default:  DefaultThresholds,
		Capacity: DefaultCapacity,
		Overrides: map[model.SchemaClass]Thresholds{
			model.SchemaStartCorral:    {A: 0.28, B: 0.43, C: 0.58, D: 0.90, E: 1.40},
			model.SchemaOnCourseNarrow: {A: 0.30, B: 0.46, C: 0.62, D: 0.95, E: 1.45},
			model.SchemaOnCourseOpen:   DefaultThresholds,
		},
		Capacities: map[model.SchemaClass]float64{
			model.SchemaStartCorral:    0.8,
			model.SchemaOnCourseNarrow: 1.0,
			model.SchemaOnCourseOpen:   DefaultCapacity,
		},
	}
}

type overrideDoc struct {
	Default    *Thresholds                    `json:"default"`
	Capacity   *float64                       `json:"capacity"`
	Overrides  map[model.SchemaClass]Thresholds `json:"overrides"`
	Capacities map[model.SchemaClass]float64    `json:"capacities"`
}

// Load reads an optional inline/JSON override document (the request's
// los_rulebook value) layered on top of Default().
func Load(r io.Reader) (*Rulebook, error) {
	rb := Default()
	var doc overrideDoc
	if err := json.NewDecoder(r).Decode(&doc); err != nil {
		return nil, raceerr.ConfigErrorf("invalid los_rulebook: %v", err)
	}
	if doc.Default != nil {
		rb.Default = *doc.Default
	}
	if doc.Capacity != nil {
		rb.Capacity = *doc.Capacity
	}
	for k, v := range doc.Overrides {
		rb.Overrides[k] = v
	}
	for k, v := range doc.Capacities {
		rb.Capacities[k] = v
	}
	return rb, nil
}

// ThresholdsFor returns the effective thresholds for a schema class.
func (rb *Rulebook) ThresholdsFor(schema model.SchemaClass) Thresholds {
	if t, ok := rb.Overrides[schema]; ok {
		return t
	}
	return rb.Default
}

// CapacityFor returns the effective flow capacity for a schema class.
func (rb *Rulebook) CapacityFor(schema model.SchemaClass) float64 {
	if c, ok := rb.Capacities[schema]; ok {
		return c
	}
	return rb.Capacity
}

// Classify derives LOS and severity from areal density and flow
// utilization per spec.md §4.1 step 6: LOS is a monotone step function
// of areal density; severity is critical at LOS>=E, watch at LOS>=C or
// utilization>1, else none.
func (t Thresholds) Classify(areal, utilization float64) (model.LOSClass, model.Severity) {
	var los model.LOSClass
	switch {
	case areal < t.A:
		los = model.LOSA
	case areal < t.B:
		los = model.LOSB
	case areal < t.C:
		los = model.LOSC
	case areal < t.D:
		los = model.LOSD
	case areal < t.E:
		los = model.LOSE
	default:
		los = model.LOSF
	}

	var severity model.Severity
	switch {
	case los == model.LOSE || los == model.LOSF:
		severity = model.SeverityCritical
	case los == model.LOSC || los == model.LOSD || utilization > 1:
		severity = model.SeverityWatch
	default:
		severity = model.SeverityNone
	}
	return los, severity
}
