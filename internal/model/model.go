// Package model holds the immutable value types shared by every
// engine: Course, ParticipantSet, Bin, SegmentWindow, OverlapAudit
// and FlowSummary (DayPlan lives in package dayplan). None of these types is ever mutated
// after construction; engines build new slices rather than editing
// shared ones, mirroring the teacher's "ownership transfer, never
// shared-with-mutation" accumulator pattern in cron_aggregate.go.
package model

import "time"

// SchemaClass is the course-designer-assigned geometry class used to
// pick LOS thresholds and effective width.
type SchemaClass string

const (
	SchemaStartCorral    SchemaClass = "start_corral"
	SchemaOnCourseNarrow SchemaClass = "on_course_narrow"
	SchemaOnCourseOpen   SchemaClass = "on_course_open"
)

// LatLon is a single geometry vertex, longitude first to match the
// [lon, lat] order of GeoJSON coordinates and of the literal geometry
// fallback; go-polyline decodes [lat, lon] pairs, which the course
// loader maps onto these fields.
type LatLon struct {
	Lon float64
	Lat float64
}

// EventSpan is a segment's [from_km, to_km) usage window for one event.
// A segment is "used by" an event iff both bounds are present.
type EventSpan struct {
	FromKM float64
	ToKM   float64
}

// Segment is immutable post-load. SegIdx is its position in the
// Course's segment arena — engines reference segments by index, never
// by pointer, so there is no cyclic object graph between Course and
// Event (spec.md §9 "Cyclic object graphs").
type Segment struct {
	SegIdx      int
	SegID       string
	Label       string
	WidthM      float64
	Schema      SchemaClass
	Bidir       bool // true if width must be halved for effective width (on-course narrow two-way)
	Geometry    []LatLon
	EventSpans  map[string]EventSpan // event name -> span
}

// UsesEvent reports whether the segment carries a span for the named
// event (both bounds present, per spec.md §3 Segment invariant).
func (s *Segment) UsesEvent(event string) bool {
	_, ok := s.EventSpans[event]
	return ok
}

// EffectiveWidthM is width_m/2 for bidirectional segments, else width_m.
func (s *Segment) EffectiveWidthM() float64 {
	if s.Bidir {
		return s.WidthM / 2
	}
	return s.WidthM
}

// FlowType classifies a FlowPair's interaction.
type FlowType string

const (
	FlowOvertake    FlowType = "overtake"
	FlowMerge       FlowType = "merge"
	FlowCounterflow FlowType = "counterflow"
	FlowParallel    FlowType = "parallel"
	FlowNone        FlowType = "none"
)

// FlowPair declares that two events share a segment with a given
// interaction type. Ordering of EventA vs EventB is semantic (set by
// the course designer in flow.csv), never derived.
type FlowPair struct {
	SegID     string
	EventA    string
	EventB    string
	FromKMA   float64
	ToKMA     float64
	FromKMB   float64
	ToKMB     float64
	FlowType  FlowType
	Notes     string
	RowIndex  int // position within flow.csv, used for deterministic output ordering
}

// Event is one participant cohort on one day.
type Event struct {
	Name          string
	Day           string
	StartTimeMin  float64 // minutes after midnight, 300-1200
	DurationMin   float64
	RunnersFile   string
	GPXFile       string
}

// Course is the immutable, shared, read-only-after-load result of the
// Course Model Loader: a segment arena plus the flow pairs that
// reference it.
type Course struct {
	Segments   []Segment
	segIndex   map[string]int
	FlowPairs  []FlowPair
}

func NewCourse(segments []Segment, flowPairs []FlowPair) *Course {
	idx := make(map[string]int, len(segments))
	for i := range segments {
		segments[i].SegIdx = i
		idx[segments[i].SegID] = i
	}
	return &Course{Segments: segments, segIndex: idx, FlowPairs: flowPairs}
}

// SegmentByID returns the segment arena index for seg_id, or -1.
func (c *Course) SegmentByID(segID string) int {
	if i, ok := c.segIndex[segID]; ok {
		return i
	}
	return -1
}

// Participant is one runner entry in one event. DistanceKM is the
// runner's total event distance (spec.md §6.1 runners.csv schema);
// it anchors the global horizon computation in the Binning Engine.
type Participant struct {
	RunnerID     string
	Event        string
	PaceMinPerKm float64
	StartOffsetS float64
	DistanceKM   float64
	Day          string
}

// ParticipantSet is the immutable, shared, read-only-after-load result
// of the Participant Loader.
type ParticipantSet struct {
	All       []Participant
	byEvent   map[string][]Participant
}

func NewParticipantSet(all []Participant) *ParticipantSet {
	byEvent := make(map[string][]Participant)
	for _, p := range all {
		byEvent[p.Event] = append(byEvent[p.Event], p)
	}
	return &ParticipantSet{All: all, byEvent: byEvent}
}

func (p *ParticipantSet) ForEvent(event string) []Participant { return p.byEvent[event] }

// TimeWindow is a half-open [TStart, TEnd) interval on the day's global
// clock, indexed by K relative to the day anchor t0.
type TimeWindow struct {
	K      int
	TStart time.Time
	TEnd   time.Time
}

// LOSClass is the A-F Level of Service classification.
type LOSClass string

const (
	LOSA LOSClass = "A"
	LOSB LOSClass = "B"
	LOSC LOSClass = "C"
	LOSD LOSClass = "D"
	LOSE LOSClass = "E"
	LOSF LOSClass = "F"
)

// Severity is the bin flagging tier derived from LOS and utilization.
type Severity string

const (
	SeverityNone     Severity = "none"
	SeverityWatch    Severity = "watch"
	SeverityCritical Severity = "critical"
)

// Bin is one (segment, distance-interval, time-window) cell.
type Bin struct {
	SegID            string
	SegIdx           int
	J                int // distance bin index
	K                int // time window index
	KMStart          float64
	KMEnd            float64
	TStart           time.Time
	TEnd             time.Time
	ConcurrentCount  int
	ArealDensity     float64 // p/m^2
	LinearRate       float64 // per-m-per-min
	FlowUtilization  float64
	LOS              LOSClass
	Severity         Severity
	FlagReason       string // empty if unflagged
}

// SegmentWindow is the canonical bin-derived aggregate for one segment
// in one time window — the single source of truth for downstream
// reports and map layers (spec.md §4.3).
type SegmentWindow struct {
	SegID        string
	K            int
	TStart       time.Time
	TEnd         time.Time
	DensityMean  float64
	DensityPeak  float64
	NBins        int
}

// OverlapAudit is one realized pairwise encounter row (spec.md §3).
type OverlapAudit struct {
	SegID            string
	EventA           string
	EventB           string
	RunnerIDA        string
	RunnerIDB        string
	EntryKMA         float64
	ExitKMA          float64
	EntryTimeA       time.Time
	ExitTimeA        time.Time
	EntryKMB         float64
	ExitKMB          float64
	EntryTimeB       time.Time
	ExitTimeB        time.Time
	OverlapDwellS    float64
	EntryDeltaS      float64
	ExitDeltaS       float64
	RelOrderEntry    int // sign(EntryDeltaS): -1, 0, 1
	RelOrderExit     int
	OrderFlip        bool
	DirectionalGainS float64
	PassFlagRaw      bool
	PassFlagStrict   bool
	InConflictZone   bool
	FlowType         FlowType
}

// FlowSummary is the per-pair rollup row (spec.md §3, §6.2).
type FlowSummary struct {
	SegID           string
	EventA          string
	EventB          string
	RowIndex        int
	FlowType        FlowType
	HasConvergence  bool
	OvertakingA     int
	OvertakingB     int
	CopresenceCount int
	ConflictZoneAStart float64
	ConflictZoneAEnd   float64
	ConflictZoneBStart float64
	ConflictZoneBEnd   float64
	ParticipantsA   int
	ParticipantsB   int
}
