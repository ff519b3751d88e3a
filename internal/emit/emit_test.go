package emit

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/thomjeff/run-density-sub007/internal/model"
)

func TestWriteBinsAndGeoJSONRoundTripAtSpecPaths(t *testing.T) {
	dir := t.TempDir()
	w := NewWriter(dir)

	t0 := time.Date(2026, 9, 6, 7, 0, 0, 0, time.UTC)
	segs := []model.Segment{{SegID: "A1", Geometry: []model.LatLon{{Lon: -66.1, Lat: 45.9}, {Lon: -66.0, Lat: 46.0}}}}
	crs := model.NewCourse(segs, nil)
	bins := []model.Bin{{
		SegID: "A1", SegIdx: 0, J: 0, K: 0, KMStart: 0, KMEnd: 0.1,
		TStart: t0, TEnd: t0.Add(30 * time.Second), ConcurrentCount: 3,
		ArealDensity: 0.4, LOS: model.LOSB, Severity: model.SeverityNone,
	}}

	if err := w.WriteBins(context.Background(), "sun", bins); err != nil {
		t.Fatalf("WriteBins: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "sun", "bins", "bins.parquet")); err != nil {
		t.Fatalf("expected bins/bins.parquet per spec.md §4.5 path: %v", err)
	}

	if err := w.WriteGeoJSON(context.Background(), "sun", bins, crs); err != nil {
		t.Fatalf("WriteGeoJSON: %v", err)
	}
	gzPath := filepath.Join(dir, "sun", "bins", "bins.geojson.gz")
	f, err := os.Open(gzPath)
	if err != nil {
		t.Fatalf("expected bins/bins.geojson.gz per spec.md §4.5 path: %v", err)
	}
	defer f.Close()

	features, err := DecodeBinsGeoJSON(f)
	if err != nil {
		t.Fatalf("DecodeBinsGeoJSON: %v", err)
	}
	if len(features) != len(bins) {
		t.Fatalf("expected feature count %d to equal bin row count %d (spec.md §6.2 count invariant)", len(features), len(bins))
	}
	if features[0]["seg_id"] != "A1" {
		t.Fatalf("unexpected round-tripped seg_id: %+v", features[0])
	}
}

func TestWriteSegmentWindowsAndFlowCSVAtSpecPaths(t *testing.T) {
	dir := t.TempDir()
	w := NewWriter(dir)
	t0 := time.Now().UTC()

	windows := []model.SegmentWindow{{SegID: "A1", K: 0, TStart: t0, TEnd: t0, DensityMean: 0.3, DensityPeak: 0.5, NBins: 2}}
	if err := w.WriteSegmentWindows(context.Background(), "sun", windows); err != nil {
		t.Fatalf("WriteSegmentWindows: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "sun", "bins", "segment_windows_from_bins.parquet")); err != nil {
		t.Fatalf("expected canonical path per spec.md §4.5: %v", err)
	}

	summaries := []model.FlowSummary{{SegID: "A1", EventA: "10k", EventB: "half", FlowType: model.FlowOvertake, OvertakingA: 1}}
	if err := w.WriteFlowCSV(context.Background(), "sun", summaries); err != nil {
		t.Fatalf("WriteFlowCSV: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "sun", "reports", "Flow.csv")); err != nil {
		t.Fatalf("expected reports/Flow.csv per spec.md §4.5: %v", err)
	}
}

func TestWriteAuditUsesDaySuffixedFilename(t *testing.T) {
	dir := t.TempDir()
	w := NewWriter(dir)
	audits := []model.OverlapAudit{{SegID: "A1", EventA: "10k", EventB: "half", RunnerIDA: "R1", RunnerIDB: "R2"}}
	if err := w.WriteAudit(context.Background(), "sun", audits); err != nil {
		t.Fatalf("WriteAudit: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "sun", "audit", "audit_sun.parquet")); err != nil {
		t.Fatalf("expected audit/audit_{day}.parquet per spec.md §4.5: %v", err)
	}
}

func TestNewWriterWithoutEnvHasNoMirror(t *testing.T) {
	os.Unsetenv("ARTIFACT_S3_ENDPOINT")
	os.Unsetenv("ARTIFACT_S3_ACCESS_KEY_ID")
	os.Unsetenv("ARTIFACT_S3_SECRET_ACCESS_KEY")
	w := NewWriter(t.TempDir())
	if w.s3 != nil {
		t.Fatalf("expected no mirror client when env vars are unset")
	}
}
