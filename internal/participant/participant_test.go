package participant

import (
	"strings"
	"testing"
)

func TestLoadEventParsesRows(t *testing.T) {
	csv := "runner_id,pace,start_offset,distance\n" +
		"R1,5.0,0,42.2\n" +
		"R2,0,0,42.2\n" + // invalid pace, dropped
		",5.0,0,42.2\n" // missing runner_id, dropped
	skips := SkipCounter{}
	ps, err := LoadEvent(strings.NewReader(csv), "full", "sun", skips)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(ps) != 1 {
		t.Fatalf("expected 1 valid participant, got %d", len(ps))
	}
	if skips["invalid_pace"] != 1 || skips["missing_runner_id"] != 1 {
		t.Fatalf("unexpected skip counts: %+v", skips)
	}
	if ps[0].DistanceKM != 42.2 {
		t.Fatalf("expected distance 42.2, got %v", ps[0].DistanceKM)
	}
}

func TestLoadEventRequiresDistanceColumn(t *testing.T) {
	csv := "runner_id,pace,start_offset\nR1,5.0,0\n"
	_, err := LoadEvent(strings.NewReader(csv), "full", "sun", SkipCounter{})
	if err == nil {
		t.Fatalf("expected error for missing distance column")
	}
}

func TestBuildSetRejectsDuplicateRunnerID(t *testing.T) {
	csvA := "runner_id,pace,start_offset,distance\nR1,5.0,0,10.0\n"
	csvB := "runner_id,pace,start_offset,distance\nR1,5.0,0,21.1\n"
	skips := SkipCounter{}
	pa, _ := LoadEvent(strings.NewReader(csvA), "10k", "sun", skips)
	pb, _ := LoadEvent(strings.NewReader(csvB), "half", "sun", skips)
	combined := append(pa, pb...)
	if _, err := BuildSet(combined); err == nil {
		t.Fatalf("expected duplicate runner_id error across events")
	}
}

func TestTimeAtKMIsMonotonicInDistance(t *testing.T) {
	csv := "runner_id,pace,start_offset,distance\nR1,5.0,60,10.0\n"
	ps, _ := LoadEvent(strings.NewReader(csv), "full", "sun", SkipCounter{})
	p := ps[0]
	t0 := TimeAtKM(p, 420, 0)
	t1 := TimeAtKM(p, 420, 1)
	if t1 <= t0 {
		t.Fatalf("expected TimeAtKM to increase with distance: t0=%v t1=%v", t0, t1)
	}
	if t0 != 420*60+60 {
		t.Fatalf("expected start time to equal event start + offset, got %v", t0)
	}
}
