// Package flow implements the Flow Engine: deriving realized pairwise
// overlaps and overtakes for each declared FlowPair on one day, and
// rolling them up into per-pair FlowSummary rows.
package flow

import (
	"math"
	"sort"
	"time"

	"github.com/thomjeff/run-density-sub007/internal/dayplan"
	"github.com/thomjeff/run-density-sub007/internal/model"
	"github.com/thomjeff/run-density-sub007/internal/participant"
	"github.com/thomjeff/run-density-sub007/internal/raceerr"
)

// Params controls the overlap-detection and strict-pass thresholds.
// EpsilonS is a small float-jitter tolerance (not a tunable decision
// threshold) used to snap near-simultaneous entry/exit deltas to zero.
type Params struct {
	MinOverlapDwellS float64
	StrictGainS      float64
	EpsilonS         float64
	EpsilonKM        float64
}

// defaultEpsilonS is used when callers leave EpsilonS unset (zero
// value), since 0 would make sign() report ties only on an exact float
// match, which is too brittle for clock-derived floats.
const defaultEpsilonS = 1e-6

// Result bundles one day's flow outputs.
type Result struct {
	Summaries []model.FlowSummary
	Audits    []model.OverlapAudit
}

// FlowDay evaluates every FlowPair whose both events are members of
// this day's plan and produces the realized audit rows plus the
// per-pair rollup (spec.md §4.2).
func FlowDay(plan *dayplan.DayPlan, course *model.Course, participants *model.ParticipantSet, params Params) (*Result, error) {
	eps := params.EpsilonS
	if eps == 0 {
		eps = defaultEpsilonS
	}

	startMin := make(map[string]float64, len(plan.Events))
	eventNames := make(map[string]bool, len(plan.Events))
	for _, e := range plan.Events {
		startMin[e.Name] = e.StartTimeMin
		eventNames[e.Name] = true
	}

	var summaries []model.FlowSummary
	var audits []model.OverlapAudit

	for _, fp := range course.FlowPairs {
		if !eventNames[fp.EventA] || !eventNames[fp.EventB] {
			continue // pair belongs to a different day
		}
		if fp.FlowType == model.FlowNone {
			continue
		}

		zA0, zA1 := fp.FromKMA, fp.ToKMA
		zB0, zB1 := fp.FromKMB, fp.ToKMB
		if zA1 <= zA0 || zB1 <= zB0 {
			return nil, raceerr.ConfigErrorf("flow pair %s/%s/%s has empty conflict zone", fp.SegID, fp.EventA, fp.EventB)
		}

		runnersA := participants.ForEvent(fp.EventA)
		runnersB := participants.ForEvent(fp.EventB)
		if len(runnersA) == 0 || len(runnersB) == 0 {
			continue
		}

		pairAudits := make([]model.OverlapAudit, 0)
		summary := model.FlowSummary{
			SegID:              fp.SegID,
			EventA:             fp.EventA,
			EventB:             fp.EventB,
			RowIndex:           fp.RowIndex,
			FlowType:           fp.FlowType,
			ConflictZoneAStart: zA0,
			ConflictZoneAEnd:   zA1,
			ConflictZoneBStart: zB0,
			ConflictZoneBEnd:   zB1,
			ParticipantsA:      len(runnersA),
			ParticipantsB:      len(runnersB),
		}

		for _, ra := range runnersA {
			enterA := participant.TimeAtKM(ra, startMin[fp.EventA], zA0)
			exitA := participant.TimeAtKM(ra, startMin[fp.EventA], zA1)
			for _, rb := range runnersB {
				enterB := participant.TimeAtKM(rb, startMin[fp.EventB], zB0)
				exitB := participant.TimeAtKM(rb, startMin[fp.EventB], zB1)

				dwell := overlapDwell(enterA, exitA, enterB, exitB, eps)
				if dwell < params.MinOverlapDwellS {
					continue
				}

				entryDelta := enterB - enterA
				exitDelta := exitB - exitA
				relEntry := sign(entryDelta, eps)
				relExit := sign(exitDelta, eps)
				orderFlip := relEntry != 0 && relExit != 0 && relEntry != relExit

				audit := model.OverlapAudit{
					SegID:            fp.SegID,
					EventA:           fp.EventA,
					EventB:           fp.EventB,
					RunnerIDA:        ra.RunnerID,
					RunnerIDB:        rb.RunnerID,
					EntryKMA:         zA0,
					ExitKMA:          zA1,
					EntryTimeA:       plan.Anchor.Add(secondsFromAnchor(plan, enterA)),
					ExitTimeA:        plan.Anchor.Add(secondsFromAnchor(plan, exitA)),
					EntryKMB:         zB0,
					ExitKMB:          zB1,
					EntryTimeB:       plan.Anchor.Add(secondsFromAnchor(plan, enterB)),
					ExitTimeB:        plan.Anchor.Add(secondsFromAnchor(plan, exitB)),
					OverlapDwellS:    dwell,
					EntryDeltaS:      entryDelta,
					ExitDeltaS:       exitDelta,
					RelOrderEntry:    relEntry,
					RelOrderExit:     relExit,
					OrderFlip:        orderFlip,
					DirectionalGainS: exitDelta - entryDelta,
					PassFlagRaw:      orderFlip,
					InConflictZone:   true,
					FlowType:         fp.FlowType,
				}
				pairAudits = append(pairAudits, audit)
			}
		}

		// Strict-first publication rule (spec.md §4.2, §8 invariant 5):
		// a strict pass additionally requires |directional_gain| to
		// clear strict_gain_s; publication then forces raw to 0
		// whenever strict is 0 for the pair, even if order_flip alone
		// would otherwise have counted a raw pass.
		strictCount := 0
		for _, a := range pairAudits {
			if a.OrderFlip && math.Abs(a.DirectionalGainS) >= params.StrictGainS {
				strictCount++
			}
		}
		for i := range pairAudits {
			strict := pairAudits[i].OrderFlip && math.Abs(pairAudits[i].DirectionalGainS) >= params.StrictGainS
			pairAudits[i].PassFlagStrict = strict
			if strictCount == 0 {
				pairAudits[i].PassFlagRaw = false
			}
		}

		// overtaking_a/overtaking_b count distinct overtaking runners
		// (spec.md §3: "unique runners"; §1: "counting unique
		// overtakers"), not audit rows: two different B runners each
		// passing the same A runner are 2 overtakers, not 1, and one B
		// runner passing two different A runners is 1 overtaker, not 2.
		// overtaking_a is keyed by the B runner doing the passing (the
		// bucket names the side being passed, the set counts the side
		// doing the passing); overtaking_b mirrors it for A passing B.
		overtakersA := map[string]bool{}
		overtakersB := map[string]bool{}
		hasConvergence := false
		for _, a := range pairAudits {
			if a.OverlapDwellS >= params.MinOverlapDwellS {
				hasConvergence = true
			}
			// Published count is the raw (order-flip) pass, already
			// forced to zero above whenever the pair's strict count is
			// zero (spec.md §4.2 strict-first publication rule). It is
			// never the strict count itself: a pair with strictCount>0
			// still publishes every qualifying raw pass, not just the
			// strict ones (spec.md §8 invariant 5, §6.3).
			if a.PassFlagRaw {
				if a.RelOrderExit > 0 {
					overtakersB[a.RunnerIDA] = true
				} else if a.RelOrderExit < 0 {
					overtakersA[a.RunnerIDB] = true
				}
			}
		}
		summary.HasConvergence = hasConvergence
		summary.OvertakingA = len(overtakersA)
		summary.OvertakingB = len(overtakersB)
		summary.CopresenceCount = len(pairAudits)

		sort.Slice(pairAudits, func(i, j int) bool {
			if pairAudits[i].RunnerIDA != pairAudits[j].RunnerIDA {
				return pairAudits[i].RunnerIDA < pairAudits[j].RunnerIDA
			}
			return pairAudits[i].RunnerIDB < pairAudits[j].RunnerIDB
		})

		audits = append(audits, pairAudits...)
		summaries = append(summaries, summary)
	}

	sort.Slice(summaries, func(i, j int) bool { return summaries[i].RowIndex < summaries[j].RowIndex })
	sort.SliceStable(audits, func(i, j int) bool {
		if audits[i].SegID != audits[j].SegID {
			return audits[i].SegID < audits[j].SegID
		}
		if audits[i].RunnerIDA != audits[j].RunnerIDA {
			return audits[i].RunnerIDA < audits[j].RunnerIDA
		}
		return audits[i].RunnerIDB < audits[j].RunnerIDB
	})

	return &Result{Summaries: summaries, Audits: audits}, nil
}

// overlapDwell returns the overlap duration in seconds between two
// [enter, exit) absolute-clock intervals, epsilon-snapped so that
// boundary touches shorter than eps count as zero rather than a
// vanishingly small positive float.
func overlapDwell(enterA, exitA, enterB, exitB, eps float64) float64 {
	start := math.Max(enterA, enterB)
	end := math.Min(exitA, exitB)
	dwell := end - start
	if dwell < eps {
		return 0
	}
	return dwell
}

// sign returns -1, 0, or 1 for a delta, snapping magnitudes at or
// below eps to 0 (simultaneous, not ordered).
func sign(delta, eps float64) int {
	if math.Abs(delta) <= eps {
		return 0
	}
	if delta < 0 {
		return -1
	}
	return 1
}

// secondsFromAnchor converts an absolute-clock second (relative to the
// same minutes-after-midnight origin as the day's AnchorMin) into a
// duration offset from plan.Anchor.
func secondsFromAnchor(plan *dayplan.DayPlan, absSeconds float64) time.Duration {
	return time.Duration((absSeconds - plan.AnchorMin*60) * float64(time.Second))
}
