// Package binning implements the Binning Engine: building the
// (segment, distance-bin, time-window) density grid for one day. It is
// the core of the analysis — the rest of the pipeline consumes its
// output rather than re-deriving presence from pace.
package binning

import (
	"math"
	"sort"
	"time"

	"github.com/thomjeff/run-density-sub007/internal/dayplan"
	"github.com/thomjeff/run-density-sub007/internal/model"
	"github.com/thomjeff/run-density-sub007/internal/participant"
	"github.com/thomjeff/run-density-sub007/internal/raceerr"
	"github.com/thomjeff/run-density-sub007/internal/rulebook"
)

// Params controls grid resolution and the coarsening budget.
type Params struct {
	DeltaXKm      float64
	DeltaTSeconds float64
	MaxBins       int
}

// coarsenStep is one (time-multiplier, distance-multiplier) attempt in
// the fixed coarsening sequence: temporal resolution is given up first
// since runners dwell in a distance bin far longer than a typical
// window width, so doubling Δt loses less fidelity than doubling Δx.
type coarsenStep struct{ dtMult, dxMult int }

var coarsenSequence = []coarsenStep{
	{1, 1}, {2, 1}, {4, 1}, {4, 2}, {4, 4},
}

// Result bundles one day's bin grid plus the bookkeeping downstream
// stages and the run's metadata.json need.
type Result struct {
	Bins            []model.Bin
	DeltaXKm        float64 // effective, post-coarsening
	DeltaTSeconds   float64
	CoarsenedSteps  int // index into coarsenSequence that succeeded
	SkippedSegments map[string]string // seg_id -> reason (e.g. width_missing)
	FlaggedSegments map[string]string // seg_id -> reason (e.g. short_segment)
}

type segGrid struct {
	seg     *model.Segment
	minKM   float64
	maxKM   float64
	deltaX  float64
	nBins   int
	short   bool
}

// BinDay runs the full grid build for one day, retrying at coarser
// resolutions if the estimated bin count would exceed params.MaxBins.
func BinDay(plan *dayplan.DayPlan, course *model.Course, participants *model.ParticipantSet, rb *rulebook.Rulebook, params Params) (*Result, error) {
	horizonEnd := computeHorizonEnd(plan, participants)

	var lastErr error
	for stepIdx, step := range coarsenSequence {
		deltaX := params.DeltaXKm * float64(step.dxMult)
		deltaT := params.DeltaTSeconds * float64(step.dtMult)

		grids, skipped, flagged := buildSegGrids(plan, course, deltaX)
		nWindows := int(math.Ceil((horizonEnd - plan.AnchorMin*60) / deltaT))
		if nWindows < 1 {
			nWindows = 1
		}
		estimate := 0
		for _, g := range grids {
			estimate += g.nBins * nWindows
		}
		if estimate > params.MaxBins {
			lastErr = raceerr.BudgetErrorf(plan.Day, "", "estimated %d bins exceeds max_bins %d at step %d/%d", estimate, params.MaxBins, stepIdx+1, len(coarsenSequence))
			continue
		}

		bins, err := buildBins(plan, course, participants, grids, deltaX, deltaT, rb)
		if err != nil {
			return nil, err
		}

		sort.Slice(bins, func(i, j int) bool {
			if bins[i].SegID != bins[j].SegID {
				return bins[i].SegID < bins[j].SegID
			}
			if bins[i].J != bins[j].J {
				return bins[i].J < bins[j].J
			}
			return bins[i].K < bins[j].K
		})

		return &Result{
			Bins:            bins,
			DeltaXKm:        deltaX,
			DeltaTSeconds:   deltaT,
			CoarsenedSteps:  stepIdx,
			SkippedSegments: skipped,
			FlaggedSegments: flagged,
		}, nil
	}
	return nil, lastErr
}

// computeHorizonEnd is the latest absolute-clock second (seconds after
// midnight, the origin participant.TimeAtKM uses; callers subtract the
// day's t0) at which any participant of this day finishes
// their full event distance: max over all runners of their own
// absolute finish time, never derived from t0 itself (spec.md §4.1
// step 2 defect guard).
func computeHorizonEnd(plan *dayplan.DayPlan, participants *model.ParticipantSet) float64 {
	startMin := make(map[string]float64, len(plan.Events))
	for _, e := range plan.Events {
		startMin[e.Name] = e.StartTimeMin
	}
	horizon := 0.0
	for _, e := range plan.Events {
		for _, p := range participants.ForEvent(e.Name) {
			finish := participant.TimeAtKM(p, startMin[e.Name], p.DistanceKM)
			if finish > horizon {
				horizon = finish
			}
		}
	}
	return horizon
}

// buildSegGrids derives each used segment's distance-bin grid as the
// union of every event's [from_km, to_km) span on that segment,
// clipped and bucketed at the given Δx. Segments with no usable width
// are skipped entirely; segments narrower than one Δx get a single
// bin flagged short_segment rather than being dropped.
func buildSegGrids(plan *dayplan.DayPlan, course *model.Course, deltaX float64) (map[int]*segGrid, map[string]string, map[string]string) {
	grids := make(map[int]*segGrid, len(plan.SegmentIdx))
	skipped := map[string]string{}
	flagged := map[string]string{}

	eventNames := make(map[string]bool, len(plan.Events))
	for _, e := range plan.Events {
		eventNames[e.Name] = true
	}

	for _, idx := range plan.SegmentIdx {
		seg := &course.Segments[idx]
		if seg.WidthM <= 0 {
			skipped[seg.SegID] = "width_missing"
			continue
		}

		hasMin, minKM, maxKM := false, 0.0, 0.0
		for event := range eventNames {
			span, ok := seg.EventSpans[event]
			if !ok {
				continue
			}
			if !hasMin {
				minKM, maxKM, hasMin = span.FromKM, span.ToKM, true
				continue
			}
			if span.FromKM < minKM {
				minKM = span.FromKM
			}
			if span.ToKM > maxKM {
				maxKM = span.ToKM
			}
		}
		if !hasMin {
			continue // segment in SegmentIdx by another day's event only; skip quietly
		}

		extent := maxKM - minKM
		g := &segGrid{seg: seg, minKM: minKM, maxKM: maxKM, deltaX: deltaX}
		if extent <= 0 {
			skipped[seg.SegID] = "width_missing"
			continue
		}
		if extent < deltaX {
			g.nBins = 1
			g.short = true
			flagged[seg.SegID] = "short_segment"
		} else {
			g.nBins = int(math.Ceil(extent / deltaX))
		}
		grids[idx] = g
	}
	return grids, skipped, flagged
}

// binExtent returns the [a, b) km interval of distance-bin j on this
// segment's grid, clipped to the grid's own maxKM on the last bin.
func (g *segGrid) binExtent(j int) (float64, float64) {
	if g.short {
		return g.minKM, g.maxKM
	}
	a := g.minKM + float64(j)*g.deltaX
	b := a + g.deltaX
	if b > g.maxKM {
		b = g.maxKM
	}
	return a, b
}

type presence struct {
	j, kStart, kEnd int // runner occupies bins j in time windows [kStart, kEnd)
}

// buildBins computes concurrent-runner counts per (segment, distance
// bin, time window) analytically: for each participant's overlap with
// each distance bin, the window range they occupy is derived directly
// from their own absolute-clock entry/exit times rather than scanned
// window-by-window.
func buildBins(plan *dayplan.DayPlan, course *model.Course, participants *model.ParticipantSet, grids map[int]*segGrid, deltaX, deltaT float64, rb *rulebook.Rulebook) ([]model.Bin, error) {
	startMin := make(map[string]float64, len(plan.Events))
	for _, e := range plan.Events {
		startMin[e.Name] = e.StartTimeMin
	}

	// counts[segIdx][j][k] = concurrent runner count
	counts := make(map[int]map[int]map[int]int, len(grids))
	for idx := range grids {
		counts[idx] = make(map[int]map[int]int)
	}

	for segIdx, g := range grids {
		for event, span := range g.seg.EventSpans {
			if !eventInPlan(plan, event) {
				continue
			}
			es := startMin[event]
			for _, p := range participants.ForEvent(event) {
				lo := math.Max(span.FromKM, g.minKM)
				hi := math.Min(span.ToKM, g.maxKM)
				if lo >= hi {
					continue
				}
				jFirst, jLast := g.jRange(lo, hi)
				for j := jFirst; j <= jLast; j++ {
					a, b := g.binExtent(j)
					a = math.Max(a, lo)
					b = math.Min(b, hi)
					if a >= b {
						continue
					}
					tEnter := participant.TimeAtKM(p, es, a)
					tExit := participant.TimeAtKM(p, es, b)
					if tExit <= tEnter {
						continue
					}
					kStart := int(math.Floor((tEnter - plan.AnchorMin*60) / deltaT))
					kEnd := int(math.Ceil((tExit - plan.AnchorMin*60) / deltaT))
					if kStart < 0 {
						kStart = 0
					}
					if kEnd <= kStart {
						kEnd = kStart + 1
					}
					m, ok := counts[segIdx][j]
					if !ok {
						m = make(map[int]int)
						counts[segIdx][j] = m
					}
					for k := kStart; k < kEnd; k++ {
						m[k]++
					}
				}
			}
		}
	}

	deltaTMin := deltaT / 60
	var bins []model.Bin
	for segIdx, g := range grids {
		thr := rb.ThresholdsFor(g.seg.Schema)
		capacity := rb.CapacityFor(g.seg.Schema)
		ew := g.seg.EffectiveWidthM()
		for j := 0; j < g.nBins; j++ {
			a, b := g.binExtent(j)
			lengthM := (b - a) * 1000
			windows := counts[segIdx][j]
			for k, n := range windows {
				areaM2 := lengthM * ew
				if areaM2 <= 0 {
					continue
				}
				arealDensity := float64(n) / areaM2
				linearRate := (float64(n) / deltaTMin) / ew
				utilization := linearRate / capacity
				los, sev := thr.Classify(arealDensity, utilization)

				flagReason := ""
				if reason, ok := flaggedReason(g); ok {
					flagReason = reason
				}

				bins = append(bins, model.Bin{
					SegID:           g.seg.SegID,
					SegIdx:          segIdx,
					J:               j,
					K:               k,
					KMStart:         a,
					KMEnd:           b,
					TStart:          plan.Anchor.Add(time.Duration(float64(k)*deltaT) * time.Second),
					TEnd:            plan.Anchor.Add(time.Duration(float64(k+1)*deltaT) * time.Second),
					ConcurrentCount: n,
					ArealDensity:    arealDensity,
					LinearRate:      linearRate,
					FlowUtilization: utilization,
					LOS:             los,
					Severity:        sev,
					FlagReason:      flagReason,
				})
			}
		}
	}
	return bins, nil
}

func flaggedReason(g *segGrid) (string, bool) {
	if g.short {
		return "short_segment", true
	}
	return "", false
}

// jRange returns the inclusive range of distance-bin indices overlapped
// by [lo, hi) on this grid.
func (g *segGrid) jRange(lo, hi float64) (int, int) {
	if g.short {
		return 0, 0
	}
	jFirst := int(math.Floor((lo - g.minKM) / g.deltaX))
	jLast := int(math.Ceil((hi-g.minKM)/g.deltaX)) - 1
	if jFirst < 0 {
		jFirst = 0
	}
	if jLast >= g.nBins {
		jLast = g.nBins - 1
	}
	if jLast < jFirst {
		jLast = jFirst
	}
	return jFirst, jLast
}

func eventInPlan(plan *dayplan.DayPlan, event string) bool {
	for _, e := range plan.Events {
		if e.Name == event {
			return true
		}
	}
	return false
}
