// Package dayplan implements the Day Partitioner and Global Timeline
// Builder: grouping events by day tag and deriving each day's anchor
// clock and uniform time grid. No cross-day state is ever shared; a
// DayPlan owns its timeline outright (spec.md §3 Ownership).
package dayplan

import (
	"math"
	"sort"
	"time"

	"github.com/thomjeff/run-density-sub007/internal/model"
	"github.com/thomjeff/run-density-sub007/internal/raceerr"
)

// DayPlan is one day's slice of the run: its events, anchor time, and
// the subset of segments any of its events use.
type DayPlan struct {
	Day        string
	Events     []model.Event
	Anchor     time.Time // t0, midnight UTC of Day + t0 minutes
	AnchorMin  float64   // t0 in minutes-after-midnight terms
	DeltaTS    float64   // initial window width in seconds; binning's coarsening does not update it
	SegmentIdx []int     // indices into Course.Segments used by any event this day
}

// K0 returns the first grid index at which runners of this event may
// appear: k_0(e) = floor((event.start - t0)/Δt). Earlier windows never
// receive this event's runners (spec.md §4.1 step 2, Issue #243 guard).
func (d *DayPlan) K0(event model.Event) int {
	return int(math.Floor((event.StartTimeMin*60 - d.AnchorMin*60) / d.DeltaTS))
}

// WindowStart returns the wall-clock start of window k on this day's
// grid at width DeltaTS (the uncoarsened grid).
func (d *DayPlan) WindowStart(k int) time.Time {
	return d.Anchor.Add(time.Duration(float64(k)*d.DeltaTS) * time.Second)
}

// Partition groups events by day tag, producing one DayPlan per day and
// the anchor t0 = min(event.start_time) for that day. dayDate supplies
// the calendar date each day tag maps to (the anchor's midnight), since
// spec.md only ever speaks of minutes-after-midnight, never a date.
func Partition(events []model.Event, course *model.Course, deltaTS float64, dayDate map[string]time.Time) (map[string]*DayPlan, error) {
	if len(events) == 0 {
		return nil, raceerr.ConfigErrorf("no events in request")
	}
	byDay := make(map[string][]model.Event)
	for _, e := range events {
		if e.Name == "" {
			return nil, raceerr.ConfigErrorf("event missing name")
		}
		if e.Day == "" {
			return nil, raceerr.ConfigErrorf("event %q missing day", e.Name)
		}
		if e.StartTimeMin < 300 || e.StartTimeMin > 1200 {
			return nil, raceerr.ConfigErrorf("event %q start_time_min %v out of [300,1200]", e.Name, e.StartTimeMin)
		}
		byDay[e.Day] = append(byDay[e.Day], e)
	}

	plans := make(map[string]*DayPlan, len(byDay))
	for day, dayEvents := range byDay {
		sort.Slice(dayEvents, func(i, j int) bool { return dayEvents[i].Name < dayEvents[j].Name })

		anchorMin := dayEvents[0].StartTimeMin
		for _, e := range dayEvents[1:] {
			if e.StartTimeMin < anchorMin {
				anchorMin = e.StartTimeMin
			}
		}

		date, ok := dayDate[day]
		if !ok {
			return nil, raceerr.ConfigErrorf("day %q has no calendar date mapping", day)
		}
		anchor := time.Date(date.Year(), date.Month(), date.Day(), 0, 0, 0, 0, time.UTC).
			Add(time.Duration(anchorMin*60) * time.Second)

		eventNames := make(map[string]struct{}, len(dayEvents))
		for _, e := range dayEvents {
			eventNames[e.Name] = struct{}{}
		}
		var segIdx []int
		for i := range course.Segments {
			for name := range eventNames {
				if course.Segments[i].UsesEvent(name) {
					segIdx = append(segIdx, i)
					break
				}
			}
		}
		sort.Ints(segIdx)

		plans[day] = &DayPlan{
			Day:        day,
			Events:     dayEvents,
			Anchor:     anchor,
			AnchorMin:  anchorMin,
			DeltaTS:    deltaTS,
			SegmentIdx: segIdx,
		}
	}
	return plans, nil
}

// ValidateNoCrossDay rejects a flow pair whose two events are not both
// members of the same day (spec.md §4.2 cross-day guard, §7 ConfigError).
func ValidateNoCrossDay(pair model.FlowPair, eventDay map[string]string) error {
	dayA, okA := eventDay[pair.EventA]
	dayB, okB := eventDay[pair.EventB]
	if !okA {
		return raceerr.ConfigErrorf("flow pair references unknown event %q", pair.EventA)
	}
	if !okB {
		return raceerr.ConfigErrorf("flow pair references unknown event %q", pair.EventB)
	}
	if dayA != dayB {
		return raceerr.ConfigErrorf("flow pair %s/%s/%s spans days %q and %q", pair.SegID, pair.EventA, pair.EventB, dayA, dayB)
	}
	return nil
}
