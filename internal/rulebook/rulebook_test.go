package rulebook

import (
	"strings"
	"testing"

	"github.com/thomjeff/run-density-sub007/internal/model"
)

func TestClassifyMonotoneStepFunction(t *testing.T) {
	thr := DefaultThresholds
	los, _ := thr.Classify(0.1, 0.1)
	if los != model.LOSA {
		t.Fatalf("expected LOS A for low density, got %v", los)
	}
	los, sev := thr.Classify(2.0, 0.1)
	if los != model.LOSF {
		t.Fatalf("expected LOS F for very high density, got %v", los)
	}
	if sev != model.SeverityCritical {
		t.Fatalf("expected critical severity at LOS F, got %v", sev)
	}
}

func TestLoadOverridesLayerOnDefaults(t *testing.T) {
	doc := `{"overrides":{"start_corral":{"A":0.1,"B":0.2,"C":0.3,"D":0.4,"E":0.5}}}`
	rb, err := Load(strings.NewReader(doc))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	thr := rb.ThresholdsFor(model.SchemaStartCorral)
	if thr.A != 0.1 {
		t.Fatalf("expected overridden threshold 0.1, got %v", thr.A)
	}
	// on_course_open keeps the default since it wasn't overridden.
	openThr := rb.ThresholdsFor(model.SchemaOnCourseOpen)
	if openThr != DefaultThresholds {
		t.Fatalf("expected default thresholds for unmodified schema, got %+v", openThr)
	}
}

func TestDefaultCapacitiesPerSchema(t *testing.T) {
	rb := Default()
	if rb.CapacityFor(model.SchemaStartCorral) >= rb.CapacityFor(model.SchemaOnCourseOpen) {
		t.Fatalf("expected start_corral capacity to be stricter than on_course_open")
	}
}
