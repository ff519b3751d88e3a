package raceerr

import (
	"errors"
	"fmt"
	"testing"
)

func TestIsMatchesKind(t *testing.T) {
	err := ConfigErrorf("bad field %q", "events")
	if !Is(err, Config) {
		t.Fatalf("expected Config kind")
	}
	if Is(err, Data) {
		t.Fatalf("did not expect Data kind")
	}
}

func TestIsUnwrapsThroughFmtErrorf(t *testing.T) {
	base := DataErrorf("sun", "A1", "duplicate runner_id %q", "R1")
	wrapped := fmt.Errorf("loading participants: %w", base)
	if !Is(wrapped, Data) {
		t.Fatalf("expected Is to unwrap through fmt.Errorf wrapping")
	}
}

func TestWrapConfigPreservesUnderlying(t *testing.T) {
	underlying := errors.New("boom")
	wrapped := WrapConfig(underlying, "read segments.csv")
	if !errors.Is(wrapped, underlying) {
		t.Fatalf("expected errors.Is to find underlying error")
	}
}
