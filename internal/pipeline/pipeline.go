// Package pipeline implements the Pipeline Orchestrator: the request
// decoder and per-day fan-out that wires every other engine together.
// Day workers run concurrently via errgroup, replacing the teacher's
// serial ticker loop (main.go's for-select over one job at a time)
// since spec.md calls for bounded concurrent days rather than a single
// sequential scheduler.
package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/thomjeff/run-density-sub007/internal/aggregate"
	"github.com/thomjeff/run-density-sub007/internal/binning"
	"github.com/thomjeff/run-density-sub007/internal/course"
	"github.com/thomjeff/run-density-sub007/internal/dayplan"
	"github.com/thomjeff/run-density-sub007/internal/emit"
	"github.com/thomjeff/run-density-sub007/internal/flow"
	"github.com/thomjeff/run-density-sub007/internal/model"
	"github.com/thomjeff/run-density-sub007/internal/participant"
	"github.com/thomjeff/run-density-sub007/internal/raceerr"
	"github.com/thomjeff/run-density-sub007/internal/reconcile"
	"github.com/thomjeff/run-density-sub007/internal/rlog"
	"github.com/thomjeff/run-density-sub007/internal/rulebook"
)

// EventRequest is one entry of the request's events[] array (spec.md §6.1).
type EventRequest struct {
	Name         string  `json:"name"`
	Day          string  `json:"day"`
	StartTimeMin float64 `json:"start_time_min"`
	DurationMin  float64 `json:"duration_min"`
	RunnersFile  string  `json:"runners_file"`
	GPXFile      string  `json:"gpx_file"`
}

// Request is the fully-decoded analysis request. No field has a
// default event list, start time, or file path — every events[] entry
// is required verbatim (spec.md §6.1: "No option has a default event
// list... missing values fail fast").
type Request struct {
	Events           []EventRequest  `json:"events"`
	BinDXKm          *float64        `json:"bin_dx_km"`
	BinDTSeconds     *float64        `json:"bin_dt_s"`
	MaxBins          *int            `json:"max_bins"`
	MinOverlapDwellS *float64        `json:"min_overlap_dwell_s"`
	StrictGainS      *float64        `json:"strict_gain_s"`
	LOSRulebook      json.RawMessage `json:"los_rulebook"`
}

const (
	defaultBinDXKm          = 0.1
	minBinDXKm              = 0.05
	defaultBinDTSeconds     = 30
	defaultMaxBins          = 10_000
	defaultMinOverlapDwellS = 5
	defaultStrictGainS      = 2
)

// DecodeRequest parses and defaults an analysis request.
func DecodeRequest(r io.Reader) (*Request, error) {
	var req Request
	if err := json.NewDecoder(r).Decode(&req); err != nil {
		return nil, raceerr.ConfigErrorf("invalid request body: %v", err)
	}
	if len(req.Events) == 0 {
		return nil, raceerr.ConfigErrorf("request has no events")
	}
	for _, e := range req.Events {
		if e.Name == "" || e.Day == "" || e.RunnersFile == "" {
			return nil, raceerr.ConfigErrorf("event entry missing required field (name/day/runners_file)")
		}
	}
	if req.BinDXKm == nil {
		v := defaultBinDXKm
		req.BinDXKm = &v
	} else if *req.BinDXKm < minBinDXKm {
		return nil, raceerr.ConfigErrorf("bin_dx_km %v below minimum %v", *req.BinDXKm, minBinDXKm)
	}
	if req.BinDTSeconds == nil {
		v := float64(defaultBinDTSeconds)
		req.BinDTSeconds = &v
	}
	if req.MaxBins == nil {
		v := defaultMaxBins
		req.MaxBins = &v
	}
	if req.MinOverlapDwellS == nil {
		v := float64(defaultMinOverlapDwellS)
		req.MinOverlapDwellS = &v
	}
	if req.StrictGainS == nil {
		v := float64(defaultStrictGainS)
		req.StrictGainS = &v
	}
	return &req, nil
}

// DayResult is one day's outcome: either a fully populated artifact
// set or an error tagged with the day it failed on.
type DayResult struct {
	Day       string
	Bins      []model.Bin
	Windows   []model.SegmentWindow
	Flow      *flow.Result
	Coarsened int
	Skipped   map[string]string
	Flagged   map[string]string
	Err       error
}

// Run executes the full pipeline for a decoded request: partition days,
// then run binning+flow, aggregate, reconcile, and emit concurrently
// per day. One day's failure is isolated — it is recorded in its
// DayResult.Err and does not abort sibling days (spec.md §7
// propagation: "A single-day failure does not invalidate other days").
func Run(ctx context.Context, runID string, req *Request, segR, flowR io.Reader, runnersR map[string]io.Reader, dayDate map[string]time.Time, rulebookR io.Reader, writer *emit.Writer, generatedAt string) ([]DayResult, error) {
	log := rlog.New("pipeline", runID)

	segments, err := course.LoadSegments(segR)
	if err != nil {
		return nil, err
	}
	flowPairs, err := course.LoadFlowPairs(flowR)
	if err != nil {
		return nil, err
	}
	crs := model.NewCourse(segments, flowPairs)

	eventNames := make(map[string]bool, len(req.Events))
	events := make([]model.Event, 0, len(req.Events))
	eventDay := make(map[string]string, len(req.Events))
	for _, e := range req.Events {
		eventNames[e.Name] = true
		eventDay[e.Name] = e.Day
		events = append(events, model.Event{
			Name:         e.Name,
			Day:          e.Day,
			StartTimeMin: e.StartTimeMin,
			DurationMin:  e.DurationMin,
			RunnersFile:  e.RunnersFile,
			GPXFile:      e.GPXFile,
		})
	}
	if err := course.Validate(crs, eventNames); err != nil {
		return nil, err
	}
	for _, fp := range flowPairs {
		if err := dayplan.ValidateNoCrossDay(fp, eventDay); err != nil {
			return nil, err
		}
	}

	var rb *rulebook.Rulebook
	if rulebookR == nil && len(req.LOSRulebook) > 0 && string(req.LOSRulebook) != "null" {
		rulebookR = bytes.NewReader(req.LOSRulebook)
	}
	if rulebookR != nil {
		rb, err = rulebook.Load(rulebookR)
		if err != nil {
			return nil, err
		}
	} else {
		rb = rulebook.Default()
	}

	// skipsByDay is scoped per day (not a single run-wide counter):
	// spec.md §8 invariant 6 forbids one day's events from altering
	// another day's artifacts, and a shared counter would leak one
	// day's invalid-pace/missing-field rows into every other day's
	// metadata.json skip_counts.
	skipsByDay := map[string]participant.SkipCounter{}
	var allParticipants []model.Participant
	for _, e := range req.Events {
		r, ok := runnersR[e.Name]
		if !ok {
			return nil, raceerr.DataErrorf(e.Day, "", "missing runners file for event %q", e.Name)
		}
		if _, ok := skipsByDay[e.Day]; !ok {
			skipsByDay[e.Day] = participant.SkipCounter{}
		}
		ps, err := participant.LoadEvent(r, e.Name, e.Day, skipsByDay[e.Day])
		if err != nil {
			return nil, err
		}
		allParticipants = append(allParticipants, ps...)
	}
	pset, err := participant.BuildSet(allParticipants)
	if err != nil {
		return nil, err
	}

	plans, err := dayplan.Partition(events, crs, *req.BinDTSeconds, dayDate)
	if err != nil {
		return nil, err
	}

	days := make([]string, 0, len(plans))
	for day := range plans {
		days = append(days, day)
	}
	sort.Strings(days)

	results := make([]DayResult, len(days))
	g, gctx := errgroup.WithContext(ctx)
	for i, day := range days {
		i, day := i, day
		g.Go(func() error {
			results[i] = runDay(gctx, log, runID, day, plans[day], crs, pset, rb, req, writer, generatedAt, skipsByDay[day])
			return nil // day failures are isolated into DayResult.Err, never abort the group
		})
	}
	_ = g.Wait()

	return results, nil
}

func runDay(ctx context.Context, log *rlog.Logger, runID, day string, plan *dayplan.DayPlan, crs *model.Course, pset *model.ParticipantSet, rb *rulebook.Rulebook, req *Request, writer *emit.Writer, generatedAt string, skips participant.SkipCounter) DayResult {
	log.Printf("day %s: starting", day)

	binResult, err := binning.BinDay(plan, crs, pset, rb, binning.Params{
		DeltaXKm:      *req.BinDXKm,
		DeltaTSeconds: *req.BinDTSeconds,
		MaxBins:       *req.MaxBins,
	})
	if err != nil {
		log.Errorf(day, "", "binning failed: %v", err)
		return DayResult{Day: day, Err: err}
	}

	flowResult, err := flow.FlowDay(plan, crs, pset, flow.Params{
		MinOverlapDwellS: *req.MinOverlapDwellS,
		StrictGainS:      *req.StrictGainS,
		EpsilonS:         1e-6,
		EpsilonKM:        1e-9,
	})
	if err != nil {
		log.Errorf(day, "", "flow failed: %v", err)
		return DayResult{Day: day, Err: err}
	}

	windows := aggregate.BuildSegmentWindows(binResult.Bins)

	// Reconciliation always runs and is always reported, even on FAIL:
	// bins are still emitted for diagnosis (spec.md §4.4) rather than
	// discarded because the cross-check failed.
	rpt, rerr := reconcile.Reconcile(day, windows, binResult.Bins)
	if rerr != nil {
		log.Errorf(day, "", "reconciliation: %v", rerr)
	}

	if writer != nil {
		if err := writer.WriteBins(ctx, day, binResult.Bins); err != nil {
			return DayResult{Day: day, Err: err}
		}
		// Reconciliation failure withholds the canonical segment-window
		// artifact (spec.md §4.3: "the artifact emitter refuses to
		// publish segment metrics"); bins are still written above for
		// diagnosis. publishedWindows is what the manifest's count
		// reflects.
		publishedWindows := windows
		if rpt == nil || !rpt.Passed {
			publishedWindows = nil
		} else if err := writer.WriteSegmentWindows(ctx, day, windows); err != nil {
			return DayResult{Day: day, Err: err}
		}
		if err := writer.WriteAudit(ctx, day, flowResult.Audits); err != nil {
			return DayResult{Day: day, Err: err}
		}
		if err := writer.WriteGeoJSON(ctx, day, binResult.Bins, crs); err != nil {
			return DayResult{Day: day, Err: err}
		}
		if err := writer.WriteFlowCSV(ctx, day, flowResult.Summaries); err != nil {
			return DayResult{Day: day, Err: err}
		}
		manifest := emit.BuildManifest(runID, day, len(binResult.Bins), len(publishedWindows), len(flowResult.Audits), binResult.CoarsenedSteps, rpt, binResult.SkippedSegments, binResult.FlaggedSegments, map[string]int(skips))
		manifest.GeneratedAt = generatedAt
		if err := writer.WriteManifest(ctx, manifest); err != nil {
			return DayResult{Day: day, Err: err}
		}
	}

	log.Printf("day %s: %d bins, %d windows, %d flow pairs, %d audit rows, reconcile_max_err=%.4f", day, len(binResult.Bins), len(windows), len(flowResult.Summaries), len(flowResult.Audits), rpt.MaxRelativeError)

	result := DayResult{
		Day:       day,
		Bins:      binResult.Bins,
		Windows:   windows,
		Flow:      flowResult,
		Coarsened: binResult.CoarsenedSteps,
		Skipped:   binResult.SkippedSegments,
		Flagged:   binResult.FlaggedSegments,
	}
	if rerr != nil {
		result.Err = rerr
	}
	return result
}
