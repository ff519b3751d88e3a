package pipeline

import (
	"context"
	"io"
	"strings"
	"testing"
	"time"
)

const segmentsCSV = "seg_id,seg_label,width_m,segment_type,full_from_km,full_to_km\n" +
	"A1,Start Chute,5,start_corral,0.0,1.0\n"

const flowCSVEmpty = "seg_id,event_a,event_b,from_km_a,to_km_a,from_km_b,to_km_b,flow_type\n"

const runnersCSV = "runner_id,pace,start_offset,distance\n" +
	"R1,5.0,0,1.0\n" +
	"R2,5.5,10,1.0\n"

func baseRequest() string {
	return `{"events":[{"name":"full","day":"sun","start_time_min":420,"duration_min":300,"runners_file":"full_runners.csv"}]}`
}

func TestRunEndToEndSingleDay(t *testing.T) {
	req, err := DecodeRequest(strings.NewReader(baseRequest()))
	if err != nil {
		t.Fatalf("DecodeRequest: %v", err)
	}

	dayDate := map[string]time.Time{"sun": time.Date(2026, 9, 6, 0, 0, 0, 0, time.UTC)}

	results, err := Run(context.Background(), "run-1", req,
		strings.NewReader(segmentsCSV), strings.NewReader(flowCSVEmpty),
		map[string]io.Reader{"full": strings.NewReader(runnersCSV)},
		dayDate, nil, nil, "2026-07-29T00:00:00Z")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected 1 day result, got %d", len(results))
	}
	r := results[0]
	if r.Err != nil {
		t.Fatalf("unexpected day error: %v", r.Err)
	}
	if r.Day != "sun" {
		t.Fatalf("expected day sun, got %s", r.Day)
	}
	if len(r.Bins) == 0 {
		t.Fatalf("expected bins to be produced")
	}
}

func TestDecodeRequestFailsFastOnMissingRunnersFile(t *testing.T) {
	body := `{"events":[{"name":"full","day":"sun","start_time_min":420,"duration_min":300}]}`
	if _, err := DecodeRequest(strings.NewReader(body)); err == nil {
		t.Fatalf("expected ConfigError for missing runners_file")
	}
}

func TestDecodeRequestFailsFastOnNoEvents(t *testing.T) {
	if _, err := DecodeRequest(strings.NewReader(`{"events":[]}`)); err == nil {
		t.Fatalf("expected ConfigError for empty events list")
	}
}

func TestDecodeRequestAppliesDefaults(t *testing.T) {
	req, err := DecodeRequest(strings.NewReader(baseRequest()))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if *req.BinDXKm != defaultBinDXKm {
		t.Fatalf("expected default bin_dx_km, got %v", *req.BinDXKm)
	}
	if *req.MaxBins != defaultMaxBins {
		t.Fatalf("expected default max_bins, got %v", *req.MaxBins)
	}
}
