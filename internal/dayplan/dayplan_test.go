package dayplan

import (
	"testing"
	"time"

	"github.com/thomjeff/run-density-sub007/internal/model"
)

func TestPartitionGroupsByDayAndComputesAnchor(t *testing.T) {
	segs := []model.Segment{{SegID: "A1", WidthM: 5, EventSpans: map[string]model.EventSpan{
		"10k": {FromKM: 0, ToKM: 1}, "half": {FromKM: 0, ToKM: 1},
	}}}
	crs := model.NewCourse(segs, nil)

	events := []model.Event{
		{Name: "10k", Day: "sun", StartTimeMin: 440},
		{Name: "half", Day: "sun", StartTimeMin: 460},
	}
	dayDate := map[string]time.Time{"sun": time.Date(2026, 9, 6, 0, 0, 0, 0, time.UTC)}

	plans, err := Partition(events, crs, 30, dayDate)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	plan, ok := plans["sun"]
	if !ok {
		t.Fatalf("expected a plan for day sun")
	}
	if plan.AnchorMin != 440 {
		t.Fatalf("expected anchor 440 (earliest start), got %v", plan.AnchorMin)
	}
}

func TestK0MatchesScenario2(t *testing.T) {
	// spec.md §8 scenario 2: 10k at 440 with Δt=30s, anchor=420 → k0=40.
	plan := &DayPlan{AnchorMin: 420, DeltaTS: 30}
	k0 := plan.K0(model.Event{StartTimeMin: 440})
	if k0 != 40 {
		t.Fatalf("expected k0=40, got %d", k0)
	}
	k0Half := plan.K0(model.Event{StartTimeMin: 460})
	if k0Half != 80 {
		t.Fatalf("expected k0=80 for half, got %d", k0Half)
	}
}

func TestValidateNoCrossDayRejectsMismatchedDays(t *testing.T) {
	pair := model.FlowPair{SegID: "A1", EventA: "elite", EventB: "full"}
	eventDay := map[string]string{"elite": "sat", "full": "sun"}
	if err := ValidateNoCrossDay(pair, eventDay); err == nil {
		t.Fatalf("expected cross-day rejection")
	}
}

func TestValidateNoCrossDayAllowsSameDay(t *testing.T) {
	pair := model.FlowPair{SegID: "A1", EventA: "10k", EventB: "half"}
	eventDay := map[string]string{"10k": "sun", "half": "sun"}
	if err := ValidateNoCrossDay(pair, eventDay); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestPartitionRejectsStartTimeOutOfRange(t *testing.T) {
	events := []model.Event{{Name: "x", Day: "sun", StartTimeMin: 100}}
	crs := model.NewCourse(nil, nil)
	_, err := Partition(events, crs, 30, map[string]time.Time{"sun": time.Now()})
	if err == nil {
		t.Fatalf("expected error for start_time_min out of [300,1200]")
	}
}
