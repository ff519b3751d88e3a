// Package course implements the Course Model Loader: ingesting
// segments.csv and flow.csv into an immutable Course keyed by seg_id.
// Event names are discovered dynamically by column-suffix match (no
// hardcoded event whitelist), the same way the teacher's cron_segments.go
// discovers routes/patterns from whatever OTP returns rather than a
// fixed route list.
package course

import (
	"encoding/base64"
	"encoding/csv"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	polyline "github.com/twpayne/go-polyline"

	"github.com/thomjeff/run-density-sub007/internal/model"
	"github.com/thomjeff/run-density-sub007/internal/raceerr"
)

const (
	colSegID   = "seg_id"
	colLabel   = "seg_label"
	colWidth   = "width_m"
	colType    = "segment_type"
	colGeom    = "geometry"
	colBidir   = "bidirectional"
)

var reservedCols = map[string]bool{
	colSegID: true, colLabel: true, colWidth: true, colType: true, colGeom: true, colBidir: true,
}

// LoadSegments parses segments.csv. Required columns are seg_id,
// seg_label, width_m, segment_type; every other "{event}_from_km" /
// "{event}_to_km" pair is discovered from the header, exactly the
// "runtime column discovery... encoded as variants of an event
// registry" redesign spec.md §9 calls for, rather than sprinkling
// event-name strings through control flow.
func LoadSegments(r io.Reader) ([]model.Segment, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true
	header, err := cr.Read()
	if err != nil {
		return nil, raceerr.WrapConfig(err, "read segments.csv header")
	}
	colIdx := make(map[string]int, len(header))
	for i, h := range header {
		colIdx[strings.TrimSpace(h)] = i
	}
	for _, required := range []string{colSegID, colLabel, colWidth, colType} {
		if _, ok := colIdx[required]; !ok {
			return nil, raceerr.ConfigErrorf("segments.csv missing required column %q", required)
		}
	}

	// discover {event}_from_km / {event}_to_km pairs
	events := map[string]struct{ from, to int }{}
	for h, i := range colIdx {
		if reservedCols[h] {
			continue
		}
		if strings.HasSuffix(h, "_from_km") {
			event := strings.TrimSuffix(h, "_from_km")
			e := events[event]
			e.from = i
			events[event] = e
		} else if strings.HasSuffix(h, "_to_km") {
			event := strings.TrimSuffix(h, "_to_km")
			e := events[event]
			e.to = i
			events[event] = e
		}
	}

	var segments []model.Segment
	for {
		row, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, raceerr.WrapConfig(err, "read segments.csv row")
		}

		segID := row[colIdx[colSegID]]
		if segID == "" {
			return nil, raceerr.ConfigErrorf("segments.csv row has empty seg_id")
		}
		width, err := parseFloat(row[colIdx[colWidth]])
		if err != nil {
			return nil, raceerr.ConfigErrorf("segments.csv %s: invalid width_m: %v", segID, err)
		}

		bidir := false
		if i, ok := colIdx[colBidir]; ok && row[i] != "" {
			b, err := strconv.ParseBool(row[i])
			if err == nil {
				bidir = b
			}
		}

		var geom []model.LatLon
		if i, ok := colIdx[colGeom]; ok && row[i] != "" {
			geom, err = decodeGeometry(row[i])
			if err != nil {
				return nil, raceerr.ConfigErrorf("segments.csv %s: invalid geometry: %v", segID, err)
			}
		}

		spans := make(map[string]model.EventSpan)
		for event, cols := range events {
			fromStr := row[cols.from]
			toStr := row[cols.to]
			if fromStr == "" && toStr == "" {
				continue // neither bound present: segment unused by this event
			}
			if fromStr == "" || toStr == "" {
				return nil, raceerr.DataErrorf("", segID, "required span missing for used event %q on segment %s", event, segID)
			}
			from, err1 := parseFloat(fromStr)
			to, err2 := parseFloat(toStr)
			if err1 != nil || err2 != nil {
				return nil, raceerr.ConfigErrorf("segments.csv %s: invalid %s span", segID, event)
			}
			spans[event] = model.EventSpan{FromKM: from, ToKM: to}
		}

		segments = append(segments, model.Segment{
			SegID:      segID,
			Label:      row[colIdx[colLabel]],
			WidthM:     width,
			Schema:     model.SchemaClass(row[colIdx[colType]]),
			Bidir:      bidir,
			Geometry:   geom,
			EventSpans: spans,
		})
	}

	sort.Slice(segments, func(i, j int) bool { return segments[i].SegID < segments[j].SegID })
	return segments, nil
}

// decodeGeometry accepts either a base64-encoded Google polyline
// (matching the teacher's patternGeometry.points decode in
// cron_segments.go) or a "lon,lat;lon,lat;..." literal list.
func decodeGeometry(raw string) ([]model.LatLon, error) {
	if strings.Contains(raw, ";") || strings.Contains(raw, ",") && !isPolylineAlphabet(raw) {
		return parseLiteralGeometry(raw)
	}
	decoded, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return parseLiteralGeometry(raw)
	}
	coords, _, err := polyline.DecodeCoords(decoded)
	if err != nil {
		return nil, err
	}
	out := make([]model.LatLon, len(coords))
	for i, c := range coords {
		out[i] = model.LatLon{Lat: c[0], Lon: c[1]}
	}
	return out, nil
}

func isPolylineAlphabet(s string) bool {
	for _, c := range s {
		if c < '?' && c != '_' && c != '-' {
			return false
		}
	}
	return true
}

func parseLiteralGeometry(raw string) ([]model.LatLon, error) {
	parts := strings.Split(raw, ";")
	out := make([]model.LatLon, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		lonLat := strings.Split(p, ",")
		if len(lonLat) != 2 {
			return nil, fmt.Errorf("malformed vertex %q", p)
		}
		lon, err1 := strconv.ParseFloat(strings.TrimSpace(lonLat[0]), 64)
		lat, err2 := strconv.ParseFloat(strings.TrimSpace(lonLat[1]), 64)
		if err1 != nil || err2 != nil {
			return nil, fmt.Errorf("malformed vertex %q", p)
		}
		out = append(out, model.LatLon{Lon: lon, Lat: lat})
	}
	return out, nil
}

func parseFloat(s string) (float64, error) {
	return strconv.ParseFloat(strings.TrimSpace(s), 64)
}

// LoadFlowPairs parses flow.csv. Required columns: seg_id, event_a,
// event_b, from_km_a, to_km_a, from_km_b, to_km_b, flow_type. Optional:
// notes, overtake_flag (accepted but unused: flow_type is authoritative
// per spec.md §4.2 Classification).
func LoadFlowPairs(r io.Reader) ([]model.FlowPair, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true
	header, err := cr.Read()
	if err != nil {
		return nil, raceerr.WrapConfig(err, "read flow.csv header")
	}
	colIdx := make(map[string]int, len(header))
	for i, h := range header {
		colIdx[strings.TrimSpace(h)] = i
	}
	required := []string{"seg_id", "event_a", "event_b", "from_km_a", "to_km_a", "from_km_b", "to_km_b", "flow_type"}
	for _, c := range required {
		if _, ok := colIdx[c]; !ok {
			return nil, raceerr.ConfigErrorf("flow.csv missing required column %q", c)
		}
	}

	var pairs []model.FlowPair
	rowIdx := 0
	for {
		row, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, raceerr.WrapConfig(err, "read flow.csv row")
		}

		fromKMA, e1 := parseFloat(row[colIdx["from_km_a"]])
		toKMA, e2 := parseFloat(row[colIdx["to_km_a"]])
		fromKMB, e3 := parseFloat(row[colIdx["from_km_b"]])
		toKMB, e4 := parseFloat(row[colIdx["to_km_b"]])
		if e1 != nil || e2 != nil || e3 != nil || e4 != nil {
			return nil, raceerr.ConfigErrorf("flow.csv row %d: invalid km bound", rowIdx)
		}

		notes := ""
		if i, ok := colIdx["notes"]; ok {
			notes = row[i]
		}

		pairs = append(pairs, model.FlowPair{
			SegID:    row[colIdx["seg_id"]],
			EventA:   row[colIdx["event_a"]],
			EventB:   row[colIdx["event_b"]],
			FromKMA:  fromKMA,
			ToKMA:    toKMA,
			FromKMB:  fromKMB,
			ToKMB:    toKMB,
			FlowType: model.FlowType(row[colIdx["flow_type"]]),
			Notes:    notes,
			RowIndex: rowIdx,
		})
		rowIdx++
	}
	return pairs, nil
}

// Validate checks FlowPair invariants that don't require day context:
// both events must use seg_id. Cross-day validation happens in dayplan
// once event->day is known.
func Validate(c *model.Course, eventNames map[string]bool) error {
	for _, fp := range c.FlowPairs {
		if !eventNames[fp.EventA] {
			return raceerr.ConfigErrorf("flow pair references unknown event %q", fp.EventA)
		}
		if !eventNames[fp.EventB] {
			return raceerr.ConfigErrorf("flow pair references unknown event %q", fp.EventB)
		}
		idx := c.SegmentByID(fp.SegID)
		if idx == -1 {
			return raceerr.ConfigErrorf("flow pair references unknown seg_id %q", fp.SegID)
		}
		seg := &c.Segments[idx]
		if !seg.UsesEvent(fp.EventA) {
			return raceerr.ConfigErrorf("flow pair %s: event %q does not use segment", fp.SegID, fp.EventA)
		}
		if !seg.UsesEvent(fp.EventB) {
			return raceerr.ConfigErrorf("flow pair %s: event %q does not use segment", fp.SegID, fp.EventB)
		}
	}
	return nil
}
