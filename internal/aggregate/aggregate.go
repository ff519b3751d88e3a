// Package aggregate implements the Canonical Aggregator: collapsing
// the bin grid down to one row per (seg_id, time window), the single
// source of truth downstream reports and map layers read from
// (spec.md §4.3) instead of re-deriving rollups from raw bins
// themselves.
package aggregate

import (
	"sort"

	"github.com/thomjeff/run-density-sub007/internal/model"
)

// BuildSegmentWindows groups bins by (seg_id, k) and computes the
// length-weighted mean density, the peak (max) density, and the
// occupied-bin count for each group.
func BuildSegmentWindows(bins []model.Bin) []model.SegmentWindow {
	type key struct {
		segID string
		k     int
	}
	type acc struct {
		lengthSum   float64
		weightedSum float64
		peak        float64
		n           int
		tStart      model.Bin
	}
	groups := make(map[key]*acc)
	order := make([]key, 0)

	for _, b := range bins {
		k := key{b.SegID, b.K}
		a, ok := groups[k]
		if !ok {
			a = &acc{}
			groups[k] = a
			order = append(order, k)
		}
		length := b.KMEnd - b.KMStart
		a.lengthSum += length
		a.weightedSum += b.ArealDensity * length
		if b.ArealDensity > a.peak {
			a.peak = b.ArealDensity
		}
		if b.ConcurrentCount > 0 {
			a.n++
		}
		if a.tStart.TEnd.IsZero() || b.J == 0 {
			a.tStart = b
		}
	}

	sort.Slice(order, func(i, j int) bool {
		if order[i].segID != order[j].segID {
			return order[i].segID < order[j].segID
		}
		return order[i].k < order[j].k
	})

	out := make([]model.SegmentWindow, 0, len(order))
	for _, k := range order {
		a := groups[k]
		mean := 0.0
		if a.lengthSum > 0 {
			mean = a.weightedSum / a.lengthSum
		}
		out = append(out, model.SegmentWindow{
			SegID:       k.segID,
			K:           k.k,
			TStart:      a.tStart.TStart,
			TEnd:        a.tStart.TEnd,
			DensityMean: mean,
			DensityPeak: a.peak,
			NBins:       a.n,
		})
	}
	return out
}
