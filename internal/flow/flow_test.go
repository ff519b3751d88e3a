package flow

import (
	"testing"
	"time"

	"github.com/thomjeff/run-density-sub007/internal/dayplan"
	"github.com/thomjeff/run-density-sub007/internal/model"
)

// buildPlan constructs a minimal one-day plan for the two named events.
func buildPlan(eventA, eventB string, startA, startB float64) *dayplan.DayPlan {
	return &dayplan.DayPlan{
		Day: "sun",
		Events: []model.Event{
			{Name: eventA, Day: "sun", StartTimeMin: startA},
			{Name: eventB, Day: "sun", StartTimeMin: startB},
		},
		Anchor:    time.Date(2026, 9, 6, 0, 0, 0, 0, time.UTC),
		AnchorMin: startA,
		DeltaTS:   30,
	}
}

// scenario 3 from spec.md §8: 10k enters A1 at t=0 exits at t=540;
// half enters at t=120 exits at t=360. entry_delta=120>0, exit_delta=-180<0
// → overtaking_a=1 (half passes 10k), overlap_dwell=240>=5, strict pass.
func TestFlowDayOvertakeDetection(t *testing.T) {
	// Construct pace/offset so TimeAtKM(runner, eventStart, fromKM)==enter
	// and TimeAtKM(runner, eventStart, toKM)==exit exactly, with event
	// starts both at minute 0 for simplicity (absolute seconds == the
	// scenario's raw t values).
	tenK := model.Participant{RunnerID: "tenk-1", Event: "10k", PaceMinPerKm: 9, StartOffsetS: 0, Day: "sun"}   // 540s over 1km => pace 9 min/km
	half := model.Participant{RunnerID: "half-1", Event: "half", PaceMinPerKm: 4, StartOffsetS: 120, Day: "sun"} // exits at 120+240=360

	segs := []model.Segment{{SegID: "A1", WidthM: 5, Schema: model.SchemaOnCourseOpen}}
	pairs := []model.FlowPair{{SegID: "A1", EventA: "10k", EventB: "half", FromKMA: 0, ToKMA: 1, FromKMB: 0, ToKMB: 1, FlowType: model.FlowOvertake, RowIndex: 0}}
	crs := model.NewCourse(segs, pairs)

	pset := model.NewParticipantSet([]model.Participant{tenK, half})
	plan := buildPlan("10k", "half", 0, 0)

	result, err := FlowDay(plan, crs, pset, Params{MinOverlapDwellS: 5, StrictGainS: 2, EpsilonS: 1e-6, EpsilonKM: 1e-9})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(result.Summaries) != 1 {
		t.Fatalf("expected 1 summary, got %d", len(result.Summaries))
	}
	s := result.Summaries[0]
	if s.OvertakingA != 1 {
		t.Fatalf("expected overtaking_a=1, got %d", s.OvertakingA)
	}
	if s.OvertakingB != 0 {
		t.Fatalf("expected overtaking_b=0, got %d", s.OvertakingB)
	}
	if len(result.Audits) != 1 {
		t.Fatalf("expected 1 audit row, got %d", len(result.Audits))
	}
	a := result.Audits[0]
	if a.OverlapDwellS != 240 {
		t.Fatalf("expected overlap_dwell=240, got %v", a.OverlapDwellS)
	}
	if !a.PassFlagStrict {
		t.Fatalf("expected strict pass")
	}
}

// scenario 4 from spec.md §8: order_flip present but overlap_dwell=4s
// is below the 5s min_overlap_dwell_s threshold, so the encounter is
// never realized as an overlap at all — neither raw nor strict counts it.
func TestFlowDaySuppressesBelowDwellThreshold(t *testing.T) {
	a := model.Participant{RunnerID: "a1", Event: "eA", PaceMinPerKm: 1, StartOffsetS: 0, Day: "sun"}
	b := model.Participant{RunnerID: "b1", Event: "eB", PaceMinPerKm: 1, StartOffsetS: 3, Day: "sun"}

	// A is in its zone over [0, 10) s, B over [3, 7) s: B enters after A
	// and exits before A (order flip), overlapping for 4 s.
	segs := []model.Segment{{SegID: "A1", WidthM: 5, Schema: model.SchemaOnCourseOpen}}
	pairs := []model.FlowPair{{SegID: "A1", EventA: "eA", EventB: "eB", FromKMA: 0, ToKMA: 1.0 / 6.0, FromKMB: 0, ToKMB: 1.0 / 15.0, FlowType: model.FlowOvertake, RowIndex: 0}}
	crs := model.NewCourse(segs, pairs)
	pset := model.NewParticipantSet([]model.Participant{a, b})
	plan := buildPlan("eA", "eB", 0, 0)

	result, err := FlowDay(plan, crs, pset, Params{MinOverlapDwellS: 5, StrictGainS: 2, EpsilonS: 1e-6, EpsilonKM: 1e-9})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(result.Summaries) != 1 {
		t.Fatalf("expected 1 summary")
	}
	if result.Summaries[0].OvertakingA != 0 || result.Summaries[0].OvertakingB != 0 {
		t.Fatalf("expected zero overtakes below dwell threshold, got %+v", result.Summaries[0])
	}
	if len(result.Audits) != 0 {
		t.Fatalf("expected no audit rows for a sub-threshold dwell, got %d", len(result.Audits))
	}
}

// Strict-first publication rule, directly: an order-flip pair whose
// overlap clears MinOverlapDwellS but whose |directional_gain| falls
// short of StrictGainS must publish raw=0 as well as strict=0.
func TestFlowDayStrictFirstGateForcesRawToZero(t *testing.T) {
	a := model.Participant{RunnerID: "a1", Event: "eA", PaceMinPerKm: 10.0 / 60, StartOffsetS: 0, Day: "sun"}
	b := model.Participant{RunnerID: "b1", Event: "eB", PaceMinPerKm: 8.5 / 60, StartOffsetS: 0.5, Day: "sun"}

	segs := []model.Segment{{SegID: "A1", WidthM: 5, Schema: model.SchemaOnCourseOpen}}
	pairs := []model.FlowPair{{SegID: "A1", EventA: "eA", EventB: "eB", FromKMA: 0, ToKMA: 1, FromKMB: 0, ToKMB: 1, FlowType: model.FlowOvertake, RowIndex: 0}}
	crs := model.NewCourse(segs, pairs)
	pset := model.NewParticipantSet([]model.Participant{a, b})
	plan := buildPlan("eA", "eB", 0, 0)

	result, err := FlowDay(plan, crs, pset, Params{MinOverlapDwellS: 5, StrictGainS: 2, EpsilonS: 1e-6, EpsilonKM: 1e-9})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(result.Audits) != 1 {
		t.Fatalf("expected 1 audit row (dwell clears threshold), got %d", len(result.Audits))
	}
	audit := result.Audits[0]
	if !audit.OrderFlip {
		t.Fatalf("expected order_flip to be true")
	}
	if audit.PassFlagStrict {
		t.Fatalf("expected strict pass to fail (directional_gain below strict_gain_s)")
	}
	if audit.PassFlagRaw {
		t.Fatalf("expected raw forced to 0 by the strict-first publication rule")
	}
	if result.Summaries[0].OvertakingA != 0 || result.Summaries[0].OvertakingB != 0 {
		t.Fatalf("expected zero published overtakes, got %+v", result.Summaries[0])
	}
}

// spec.md §8 invariant 5: published.overtaking_* >= strict.overtaking_*.
// Two runners from B overtake the same A runner: one clears the strict
// gain threshold, the other only clears raw (order-flip + dwell, gain
// below strict_gain_s). Both must be published once the pair's strict
// count is nonzero — publication is gated on the pair, not per-row.
func TestFlowDayPublishesRawPassesBeyondStrictCount(t *testing.T) {
	// 10k/A: enters km0 at t=0, exits km1 at t=540 (pace 9 min/km).
	tenK := model.Participant{RunnerID: "tenk-1", Event: "10k", PaceMinPerKm: 9, StartOffsetS: 0, Day: "sun"}
	// half/B, strict pass: enters at 120, exits at 360 (scenario 3).
	fastStrict := model.Participant{RunnerID: "fast-strict", Event: "half", PaceMinPerKm: 4, StartOffsetS: 120, Day: "sun"}
	// half/B, raw-only: enters at t=1, exits at t=539.5 — order flip
	// present (exits 0.5s before A) but |directional_gain|=1.5 < 2.
	marginal := model.Participant{RunnerID: "marginal", Event: "half", PaceMinPerKm: 538.5 / 60, StartOffsetS: 1, Day: "sun"}

	segs := []model.Segment{{SegID: "A1", WidthM: 5, Schema: model.SchemaOnCourseOpen}}
	pairs := []model.FlowPair{{SegID: "A1", EventA: "10k", EventB: "half", FromKMA: 0, ToKMA: 1, FromKMB: 0, ToKMB: 1, FlowType: model.FlowOvertake, RowIndex: 0}}
	crs := model.NewCourse(segs, pairs)
	pset := model.NewParticipantSet([]model.Participant{tenK, fastStrict, marginal})
	plan := buildPlan("10k", "half", 0, 0)

	result, err := FlowDay(plan, crs, pset, Params{MinOverlapDwellS: 5, StrictGainS: 2, EpsilonS: 1e-6, EpsilonKM: 1e-9})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(result.Audits) != 2 {
		t.Fatalf("expected 2 audit rows, got %d", len(result.Audits))
	}
	var strictCount, rawCount int
	for _, a := range result.Audits {
		if !a.OrderFlip {
			t.Fatalf("expected order_flip on both rows, got %+v", a)
		}
		if a.PassFlagStrict {
			strictCount++
		}
		if a.PassFlagRaw {
			rawCount++
		}
	}
	if strictCount != 1 {
		t.Fatalf("expected exactly 1 strict pass (fast-strict only), got %d", strictCount)
	}
	if rawCount != 2 {
		t.Fatalf("expected both raw passes published once the pair's strict count is nonzero, got %d", rawCount)
	}
	s := result.Summaries[0]
	if s.OvertakingA != 2 {
		t.Fatalf("expected overtaking_a=2 (both B runners pass A), got %+v", s)
	}
}

func TestFlowDayRejectsEmptyConflictZone(t *testing.T) {
	segs := []model.Segment{{SegID: "A1", WidthM: 5, Schema: model.SchemaOnCourseOpen}}
	pairs := []model.FlowPair{{SegID: "A1", EventA: "eA", EventB: "eB", FromKMA: 1, ToKMA: 1, FromKMB: 0, ToKMB: 1, FlowType: model.FlowOvertake}}
	crs := model.NewCourse(segs, pairs)
	pset := model.NewParticipantSet(nil)
	plan := buildPlan("eA", "eB", 0, 0)
	_, err := FlowDay(plan, crs, pset, Params{MinOverlapDwellS: 5, StrictGainS: 2})
	if err == nil {
		t.Fatalf("expected ConfigError for empty conflict zone")
	}
}
