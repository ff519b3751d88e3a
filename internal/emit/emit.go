// Package emit implements the Artifact Emitter: writing bins,
// segment_windows, and audit rows to Parquet, a GeoJSON overlay for
// map layers, Flow.csv, and a metadata.json manifest — with an
// optional mirrored upload to S3-compatible storage when configured,
// the same skip-if-unconfigured pattern the teacher's archive job uses
// for R2.
package emit

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/klauspost/compress/gzip"
	"github.com/parquet-go/parquet-go"

	"github.com/thomjeff/run-density-sub007/internal/model"
	"github.com/thomjeff/run-density-sub007/internal/raceerr"
	"github.com/thomjeff/run-density-sub007/internal/reconcile"
)

// ParquetBin is the on-disk schema for bins.parquet.
type ParquetBin struct {
	SegID           string  `parquet:"seg_id"`
	J               int32   `parquet:"j"`
	K               int32   `parquet:"k"`
	KMStart         float64 `parquet:"km_start"`
	KMEnd           float64 `parquet:"km_end"`
	TStart          string  `parquet:"t_start"`
	TEnd            string  `parquet:"t_end"`
	ConcurrentCount int32   `parquet:"concurrent_count"`
	ArealDensity    float64 `parquet:"areal_density"`
	LinearRate      float64 `parquet:"linear_rate"`
	FlowUtilization float64 `parquet:"flow_utilization"`
	LOS             string  `parquet:"los"`
	Severity        string  `parquet:"severity"`
	FlagReason      string  `parquet:"flag_reason"`
}

// ParquetSegmentWindow is the on-disk schema for segment_windows_from_bins.parquet.
type ParquetSegmentWindow struct {
	SegID       string  `parquet:"seg_id"`
	K           int32   `parquet:"k"`
	TStart      string  `parquet:"t_start"`
	TEnd        string  `parquet:"t_end"`
	DensityMean float64 `parquet:"density_mean"`
	DensityPeak float64 `parquet:"density_peak"`
	NBins       int32   `parquet:"n_bins"`
}

// ParquetAudit is the on-disk schema for audit_{day}.parquet.
type ParquetAudit struct {
	SegID            string  `parquet:"seg_id"`
	EventA           string  `parquet:"event_a"`
	EventB           string  `parquet:"event_b"`
	RunnerIDA        string  `parquet:"runner_id_a"`
	RunnerIDB        string  `parquet:"runner_id_b"`
	EntryTimeA       string  `parquet:"entry_time_a"`
	ExitTimeA        string  `parquet:"exit_time_a"`
	EntryTimeB       string  `parquet:"entry_time_b"`
	ExitTimeB        string  `parquet:"exit_time_b"`
	OverlapDwellS    float64 `parquet:"overlap_dwell_s"`
	EntryDeltaS      float64 `parquet:"entry_delta_s"`
	ExitDeltaS       float64 `parquet:"exit_delta_s"`
	OrderFlip        bool    `parquet:"order_flip"`
	PassFlagRaw      bool    `parquet:"pass_flag_raw"`
	PassFlagStrict   bool    `parquet:"pass_flag_strict"`
	FlowType         string  `parquet:"flow_type"`
}

// Manifest is metadata.json: the run's counts, validation status, and
// skip accounting, the single file downstream consumers check before
// trusting the rest of the artifact set.
type Manifest struct {
	RunID               string         `json:"run_id"`
	Day                 string         `json:"day"`
	GeneratedAt         string         `json:"generated_at"`
	ValidatorVersion    string         `json:"validator_version"`
	BinCount            int            `json:"bin_count"`
	SegmentWindowCount  int            `json:"segment_window_count"`
	AuditCount          int            `json:"audit_count"`
	ReconciliationMaxErr float64       `json:"reconciliation_max_relative_error"`
	ReconciliationPassed bool          `json:"reconciliation_passed"`
	CoarsenedSteps      int            `json:"coarsened_steps"`
	SkippedSegments     map[string]string `json:"skipped_segments,omitempty"`
	FlaggedSegments     map[string]string `json:"flagged_segments,omitempty"`
	SkipCounts          map[string]int `json:"skip_counts,omitempty"`
}

// ValidatorVersion is stamped into every manifest this build produces.
const ValidatorVersion = "run-density-sub007/1.0"

// Writer bundles the local output directory and an optional mirrored
// S3-compatible client. NewWriter's client is nil when mirroring isn't
// configured — every Write* method treats that as "local only", never
// an error.
type Writer struct {
	OutDir string
	s3     *s3.Client
	bucket string
	prefix string
}

// NewWriter resolves the optional mirror client from environment
// variables, mirroring the teacher's getR2Client pattern: if any of
// the three required variables is unset, mirroring is silently
// disabled rather than failing the run.
func NewWriter(outDir string) *Writer {
	w := &Writer{OutDir: outDir}
	endpoint := os.Getenv("ARTIFACT_S3_ENDPOINT")
	accessKeyID := os.Getenv("ARTIFACT_S3_ACCESS_KEY_ID")
	secretAccessKey := os.Getenv("ARTIFACT_S3_SECRET_ACCESS_KEY")
	if endpoint == "" || accessKeyID == "" || secretAccessKey == "" {
		return w
	}
	bucket := os.Getenv("ARTIFACT_S3_BUCKET")
	if bucket == "" {
		bucket = "run-density-artifacts"
	}
	w.bucket = bucket
	w.prefix = os.Getenv("ARTIFACT_S3_PREFIX")
	w.s3 = s3.New(s3.Options{
		BaseEndpoint: &endpoint,
		Region:       "auto",
		Credentials:  credentials.NewStaticCredentialsProvider(accessKeyID, secretAccessKey, ""),
	})
	return w
}

func (w *Writer) mirror(ctx context.Context, relPath string, body []byte, contentType string) error {
	if w.s3 == nil {
		return nil
	}
	key := relPath
	if w.prefix != "" {
		key = w.prefix + "/" + relPath
	}
	_, err := w.s3.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      &w.bucket,
		Key:         &key,
		Body:        bytes.NewReader(body),
		ContentType: &contentType,
	})
	if err != nil {
		return fmt.Errorf("mirror %s to s3: %w", relPath, err)
	}
	return nil
}

func (w *Writer) writeLocal(relPath string, body []byte) error {
	full := filepath.Join(w.OutDir, relPath)
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return raceerr.WrapConfig(err, "create output dir for %s", relPath)
	}
	if err := os.WriteFile(full, body, 0o644); err != nil {
		return raceerr.WrapConfig(err, "write %s", relPath)
	}
	return nil
}

// WriteBins serializes bins to Parquet under day/bins/bins.parquet.
func (w *Writer) WriteBins(ctx context.Context, day string, bins []model.Bin) error {
	rows := make([]ParquetBin, len(bins))
	for i, b := range bins {
		rows[i] = ParquetBin{
			SegID:           b.SegID,
			J:               int32(b.J),
			K:               int32(b.K),
			KMStart:         b.KMStart,
			KMEnd:           b.KMEnd,
			TStart:          b.TStart.Format(time.RFC3339),
			TEnd:            b.TEnd.Format(time.RFC3339),
			ConcurrentCount: int32(b.ConcurrentCount),
			ArealDensity:    b.ArealDensity,
			LinearRate:      b.LinearRate,
			FlowUtilization: b.FlowUtilization,
			LOS:             string(b.LOS),
			Severity:        string(b.Severity),
			FlagReason:      b.FlagReason,
		}
	}
	body, err := writeParquet(rows)
	if err != nil {
		return err
	}
	rel := filepath.Join(day, "bins", "bins.parquet")
	if err := w.writeLocal(rel, body); err != nil {
		return err
	}
	return w.mirror(ctx, rel, body, "application/vnd.apache.parquet")
}

// WriteSegmentWindows serializes the canonical aggregate to Parquet.
func (w *Writer) WriteSegmentWindows(ctx context.Context, day string, rows []model.SegmentWindow) error {
	out := make([]ParquetSegmentWindow, len(rows))
	for i, r := range rows {
		out[i] = ParquetSegmentWindow{
			SegID:       r.SegID,
			K:           int32(r.K),
			TStart:      r.TStart.Format(time.RFC3339),
			TEnd:        r.TEnd.Format(time.RFC3339),
			DensityMean: r.DensityMean,
			DensityPeak: r.DensityPeak,
			NBins:       int32(r.NBins),
		}
	}
	body, err := writeParquet(out)
	if err != nil {
		return err
	}
	rel := filepath.Join(day, "bins", "segment_windows_from_bins.parquet")
	if err := w.writeLocal(rel, body); err != nil {
		return err
	}
	return w.mirror(ctx, rel, body, "application/vnd.apache.parquet")
}

// WriteAudit serializes the overlap audit rows to Parquet.
func (w *Writer) WriteAudit(ctx context.Context, day string, audits []model.OverlapAudit) error {
	out := make([]ParquetAudit, len(audits))
	for i, a := range audits {
		out[i] = ParquetAudit{
			SegID:          a.SegID,
			EventA:         a.EventA,
			EventB:         a.EventB,
			RunnerIDA:      a.RunnerIDA,
			RunnerIDB:      a.RunnerIDB,
			EntryTimeA:     a.EntryTimeA.Format(time.RFC3339),
			ExitTimeA:      a.ExitTimeA.Format(time.RFC3339),
			EntryTimeB:     a.EntryTimeB.Format(time.RFC3339),
			ExitTimeB:      a.ExitTimeB.Format(time.RFC3339),
			OverlapDwellS:  a.OverlapDwellS,
			EntryDeltaS:    a.EntryDeltaS,
			ExitDeltaS:     a.ExitDeltaS,
			OrderFlip:      a.OrderFlip,
			PassFlagRaw:    a.PassFlagRaw,
			PassFlagStrict: a.PassFlagStrict,
			FlowType:       string(a.FlowType),
		}
	}
	body, err := writeParquet(out)
	if err != nil {
		return err
	}
	rel := filepath.Join(day, "audit", fmt.Sprintf("audit_%s.parquet", day))
	if err := w.writeLocal(rel, body); err != nil {
		return err
	}
	return w.mirror(ctx, rel, body, "application/vnd.apache.parquet")
}

func writeParquet[T any](rows []T) ([]byte, error) {
	var buf bytes.Buffer
	writer := parquet.NewGenericWriter[T](&buf)
	if _, err := writer.Write(rows); err != nil {
		return nil, raceerr.WrapConfig(err, "write parquet rows")
	}
	if err := writer.Close(); err != nil {
		return nil, raceerr.WrapConfig(err, "close parquet writer")
	}
	return buf.Bytes(), nil
}

// geoFeature and geoCollection mirror the minimal GeoJSON shape needed
// to round-trip bin geometry for map overlays: one Polygon feature per
// bin (spec.md §4.5/§6.2 require Polygon geometry per bin), built by
// mapping the bin's [km_start, km_end) span onto the segment's
// centerline and offsetting left/right by its effective half-width.
type geoFeature struct {
	Type       string         `json:"type"`
	Geometry   geoGeometry    `json:"geometry"`
	Properties map[string]any `json:"properties"`
}

type geoGeometry struct {
	Type        string         `json:"type"`
	Coordinates [][][2]float64 `json:"coordinates"`
}

type geoCollection struct {
	Type     string       `json:"type"`
	Features []geoFeature `json:"features"`
}

// WriteGeoJSON emits a gzip-compressed GeoJSON FeatureCollection, one
// Polygon feature per bin, for map-layer consumers. course supplies
// segment geometry; each bin's rectangle is derived from its km span
// and the segment's effective width.
func (w *Writer) WriteGeoJSON(ctx context.Context, day string, bins []model.Bin, course *model.Course) error {
	fc := geoCollection{Type: "FeatureCollection", Features: make([]geoFeature, 0, len(bins))}
	for _, b := range bins {
		seg := &course.Segments[b.SegIdx]
		ring := binPolygon(seg, b.KMStart, b.KMEnd, seg.EffectiveWidthM())
		fc.Features = append(fc.Features, geoFeature{
			Type:     "Feature",
			Geometry: geoGeometry{Type: "Polygon", Coordinates: [][][2]float64{ring}},
			Properties: map[string]any{
				"seg_id":           b.SegID,
				"j":                b.J,
				"k":                b.K,
				"km_start":         b.KMStart,
				"km_end":           b.KMEnd,
				"concurrent_count": b.ConcurrentCount,
				"areal_density":    b.ArealDensity,
				"los":              string(b.LOS),
				"severity":         string(b.Severity),
			},
		})
	}

	raw, err := json.Marshal(fc)
	if err != nil {
		return raceerr.WrapConfig(err, "marshal geojson")
	}
	var gz bytes.Buffer
	zw := gzip.NewWriter(&gz)
	if _, err := zw.Write(raw); err != nil {
		return raceerr.WrapConfig(err, "gzip geojson")
	}
	if err := zw.Close(); err != nil {
		return raceerr.WrapConfig(err, "close gzip writer")
	}

	rel := filepath.Join(day, "bins", "bins.geojson.gz")
	if err := w.writeLocal(rel, gz.Bytes()); err != nil {
		return err
	}
	return w.mirror(ctx, rel, gz.Bytes(), "application/gzip")
}

// DecodeBinsGeoJSON reverses WriteGeoJSON, for diagnostics and tests
// that need to confirm the emitted artifact round-trips.
func DecodeBinsGeoJSON(r io.Reader) ([]map[string]any, error) {
	zr, err := gzip.NewReader(r)
	if err != nil {
		return nil, raceerr.WrapConfig(err, "open gzip geojson")
	}
	defer zr.Close()
	var fc geoCollection
	if err := json.NewDecoder(zr).Decode(&fc); err != nil {
		return nil, raceerr.WrapConfig(err, "decode geojson")
	}
	out := make([]map[string]any, len(fc.Features))
	for i, f := range fc.Features {
		out[i] = f.Properties
	}
	return out, nil
}

func midpoint(geom []model.LatLon) (lon, lat float64) {
	if len(geom) == 0 {
		return 0, 0
	}
	mid := len(geom) / 2
	return geom[mid].Lon, geom[mid].Lat
}

const metersPerDegLat = 111320.0

// earthRadiusM is used only for arc-length weighting along a segment's
// centerline; course-scale geometry doesn't need a more precise model.
const earthRadiusM = 6371000.0

// haversineM returns the great-circle distance in meters between two
// vertices, used to weight fractional position along a segment's
// polyline by actual arc length rather than by vertex count.
func haversineM(a, b model.LatLon) float64 {
	lat1 := a.Lat * math.Pi / 180
	lat2 := b.Lat * math.Pi / 180
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLon := (b.Lon - a.Lon) * math.Pi / 180
	sinDLat := math.Sin(dLat / 2)
	sinDLon := math.Sin(dLon / 2)
	h := sinDLat*sinDLat + math.Cos(lat1)*math.Cos(lat2)*sinDLon*sinDLon
	return 2 * earthRadiusM * math.Asin(math.Sqrt(h))
}

// arcLengths returns the cumulative meters walked up to each vertex of
// geom and the polyline's total length.
func arcLengths(geom []model.LatLon) ([]float64, float64) {
	cum := make([]float64, len(geom))
	for i := 1; i < len(geom); i++ {
		cum[i] = cum[i-1] + haversineM(geom[i-1], geom[i])
	}
	return cum, cum[len(cum)-1]
}

// pointAtFraction interpolates the point at fractional arc length frac
// (clamped to [0,1]) along geom, plus the bearing (radians, 0 = due
// north) of the vertex segment it falls on, needed to offset a
// perpendicular rectangle edge at that point.
func pointAtFraction(geom []model.LatLon, cum []float64, total, frac float64) (lon, lat, bearing float64) {
	if frac < 0 {
		frac = 0
	} else if frac > 1 {
		frac = 1
	}
	target := frac * total
	idx := len(cum) - 2
	for i := 0; i < len(cum)-1; i++ {
		if cum[i+1] >= target {
			idx = i
			break
		}
	}
	a, b := geom[idx], geom[idx+1]
	segLen := cum[idx+1] - cum[idx]
	t := 0.0
	if segLen > 0 {
		t = (target - cum[idx]) / segLen
	}
	lon = a.Lon + (b.Lon-a.Lon)*t
	lat = a.Lat + (b.Lat-a.Lat)*t
	bearing = math.Atan2(b.Lon-a.Lon, b.Lat-a.Lat)
	return lon, lat, bearing
}

// offsetPerp moves (lon, lat) perpendicular to bearing by meters in
// each direction, using an equirectangular approximation that's
// accurate enough at the km scale of a single course segment.
func offsetPerp(lon, lat, bearing, meters float64) (left, right [2]float64) {
	metersPerDegLon := metersPerDegLat * math.Cos(lat*math.Pi/180)
	perp := bearing + math.Pi/2
	dLat := (meters * math.Cos(perp)) / metersPerDegLat
	dLon := (meters * math.Sin(perp)) / metersPerDegLon
	right = [2]float64{lon + dLon, lat + dLat}
	left = [2]float64{lon - dLon, lat - dLat}
	return left, right
}

// segmentSpanKM returns the extent [min_km, max_km) covered by every
// event's span on seg, whatever the event's day. The Binning Engine
// grids over the spans of one day's events only, so on a segment that
// events of several days use the two extents can differ.
func segmentSpanKM(seg *model.Segment) (minKM, maxKM float64, ok bool) {
	for _, span := range seg.EventSpans {
		if !ok {
			minKM, maxKM, ok = span.FromKM, span.ToKM, true
			continue
		}
		if span.FromKM < minKM {
			minKM = span.FromKM
		}
		if span.ToKM > maxKM {
			maxKM = span.ToKM
		}
	}
	return minKM, maxKM, ok
}

// binPolygon builds a closed rectangular ring for one bin: its
// [km_start, km_end) span mapped onto the segment's centerline by
// fractional arc length, offset left/right by half the effective
// width (spec.md §4.5 "polygon geometry per bin", §6.2 "FeatureCollection
// of Polygon features"). Falls back to a degenerate point ring when the
// segment carries no usable geometry or span, rather than failing the
// whole artifact over a missing optional column.
func binPolygon(seg *model.Segment, kmStart, kmEnd, widthM float64) [][2]float64 {
	minKM, maxKM, ok := segmentSpanKM(seg)
	if !ok || maxKM <= minKM || len(seg.Geometry) < 2 {
		lon, lat := midpoint(seg.Geometry)
		return [][2]float64{{lon, lat}, {lon, lat}, {lon, lat}, {lon, lat}, {lon, lat}}
	}

	cum, total := arcLengths(seg.Geometry)
	fracStart := (kmStart - minKM) / (maxKM - minKM)
	fracEnd := (kmEnd - minKM) / (maxKM - minKM)
	lonA, latA, bearA := pointAtFraction(seg.Geometry, cum, total, fracStart)
	lonB, latB, bearB := pointAtFraction(seg.Geometry, cum, total, fracEnd)

	halfW := widthM / 2
	leftA, rightA := offsetPerp(lonA, latA, bearA, halfW)
	leftB, rightB := offsetPerp(lonB, latB, bearB, halfW)
	return [][2]float64{leftA, leftB, rightB, rightA, leftA}
}

// WriteFlowCSV emits the per-pair rollup as Flow.csv (spec.md §6.2).
func (w *Writer) WriteFlowCSV(ctx context.Context, day string, summaries []model.FlowSummary) error {
	var buf bytes.Buffer
	cw := csv.NewWriter(&buf)
	header := []string{"seg_id", "event_a", "event_b", "flow_type", "has_convergence",
		"overtaking_a", "overtaking_b", "copresence_count",
		"conflict_zone_a_start", "conflict_zone_a_end",
		"conflict_zone_b_start", "conflict_zone_b_end",
		"participants_a", "participants_b"}
	if err := cw.Write(header); err != nil {
		return raceerr.WrapConfig(err, "write Flow.csv header")
	}
	for _, s := range summaries {
		row := []string{
			s.SegID, s.EventA, s.EventB, string(s.FlowType),
			strconv.FormatBool(s.HasConvergence),
			strconv.Itoa(s.OvertakingA), strconv.Itoa(s.OvertakingB), strconv.Itoa(s.CopresenceCount),
			strconv.FormatFloat(s.ConflictZoneAStart, 'f', 3, 64),
			strconv.FormatFloat(s.ConflictZoneAEnd, 'f', 3, 64),
			strconv.FormatFloat(s.ConflictZoneBStart, 'f', 3, 64),
			strconv.FormatFloat(s.ConflictZoneBEnd, 'f', 3, 64),
			strconv.Itoa(s.ParticipantsA), strconv.Itoa(s.ParticipantsB),
		}
		if err := cw.Write(row); err != nil {
			return raceerr.WrapConfig(err, "write Flow.csv row")
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return raceerr.WrapConfig(err, "flush Flow.csv")
	}

	rel := filepath.Join(day, "reports", "Flow.csv")
	if err := w.writeLocal(rel, buf.Bytes()); err != nil {
		return err
	}
	return w.mirror(ctx, rel, buf.Bytes(), "text/csv")
}

// WriteManifest emits metadata.json: the file downstream consumers
// check first before trusting the rest of the day's artifacts.
func (w *Writer) WriteManifest(ctx context.Context, m Manifest) error {
	raw, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return raceerr.WrapConfig(err, "marshal metadata.json")
	}
	rel := filepath.Join(m.Day, "metadata.json")
	if err := w.writeLocal(rel, raw); err != nil {
		return err
	}
	return w.mirror(ctx, rel, raw, "application/json")
}

// BuildManifest assembles the Manifest for one day's completed run,
// including the reconciliation outcome (written even on FAIL, so the
// manifest always reflects what was actually checked).
func BuildManifest(runID, day string, binCount, segWindowCount, auditCount, coarsenedSteps int, rpt *reconcile.Report, skipped, flagged map[string]string, skipCounts map[string]int) Manifest {
	m := Manifest{
		RunID:              runID,
		Day:                day,
		GeneratedAt:        "", // stamped by caller; timestamps are never computed inside this package
		ValidatorVersion:   ValidatorVersion,
		BinCount:           binCount,
		SegmentWindowCount: segWindowCount,
		AuditCount:         auditCount,
		CoarsenedSteps:     coarsenedSteps,
		SkippedSegments:    skipped,
		FlaggedSegments:    flagged,
		SkipCounts:         skipCounts,
	}
	if rpt != nil {
		m.ReconciliationMaxErr = rpt.MaxRelativeError
		m.ReconciliationPassed = rpt.Passed
	}
	return m
}
