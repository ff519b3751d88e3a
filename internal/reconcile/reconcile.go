// Package reconcile implements the Reconciler: an independent
// recomputation of peak density per (seg_id, k) compared against the
// canonical aggregate, the defect-catching cross-check spec.md §4.4
// requires before any artifact ships.
package reconcile

import (
	"fmt"
	"math"
	"sort"

	"github.com/thomjeff/run-density-sub007/internal/model"
	"github.com/thomjeff/run-density-sub007/internal/raceerr"
)

// MaxRelativeError is the tolerance spec.md §4.4 allows between the
// canonical aggregate's peak density and this package's independent
// recomputation before it is treated as a defect.
const MaxRelativeError = 0.02

// Mismatch is one (seg_id, k) pair whose recomputed peak diverges from
// the canonical aggregate beyond MaxRelativeError.
type Mismatch struct {
	SegID         string
	K             int
	Canonical     float64
	Recomputed    float64
	RelativeError float64
}

// Report is the full reconciliation outcome for one day.
type Report struct {
	MaxRelativeError float64
	Mismatches       []Mismatch
	Passed           bool
}

// Reconcile recomputes peak areal density directly from bins (max over
// the group, same definition the aggregator uses, but walked
// independently rather than sharing the aggregator's accumulator) and
// compares it to the canonical SegmentWindow rows already produced.
// It returns a *raceerr.Error of Kind Reconcile when any pair exceeds
// MaxRelativeError, but the caller may still choose to emit the bins
// for diagnosis — Reconcile only reports, it never discards data.
func Reconcile(day string, canonical []model.SegmentWindow, bins []model.Bin) (*Report, error) {
	recomputed := make(map[string]float64, len(canonical))
	for _, b := range bins {
		key := fmt.Sprintf("%s|%d", b.SegID, b.K)
		if b.ArealDensity > recomputed[key] {
			recomputed[key] = b.ArealDensity
		}
	}

	var mismatches []Mismatch
	maxErr := 0.0
	for _, sw := range canonical {
		key := fmt.Sprintf("%s|%d", sw.SegID, sw.K)
		rec := recomputed[key]
		relErr := relativeError(sw.DensityPeak, rec)
		if relErr > maxErr {
			maxErr = relErr
		}
		if relErr > MaxRelativeError {
			mismatches = append(mismatches, Mismatch{
				SegID:         sw.SegID,
				K:             sw.K,
				Canonical:     sw.DensityPeak,
				Recomputed:    rec,
				RelativeError: relErr,
			})
		}
	}

	sort.Slice(mismatches, func(i, j int) bool {
		if mismatches[i].SegID != mismatches[j].SegID {
			return mismatches[i].SegID < mismatches[j].SegID
		}
		return mismatches[i].K < mismatches[j].K
	})

	report := &Report{
		MaxRelativeError: maxErr,
		Mismatches:       mismatches,
		Passed:           len(mismatches) == 0,
	}
	if !report.Passed {
		return report, raceerr.ReconcileErrorf(day, mismatches[0].SegID,
			"%d of %d (seg_id,k) pairs exceed %.1f%% relative error (max %.2f%%)",
			len(mismatches), len(canonical), MaxRelativeError*100, maxErr*100)
	}
	return report, nil
}

func relativeError(canonical, recomputed float64) float64 {
	if canonical == 0 && recomputed == 0 {
		return 0
	}
	denom := math.Max(math.Abs(canonical), math.Abs(recomputed))
	if denom == 0 {
		return 0
	}
	return math.Abs(canonical-recomputed) / denom
}
