package raster

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// BandStats summarises the unmasked pixels of a band.
type BandStats struct {
	Name          string  `json:"name"`
	Count         int     `json:"count"`
	Valid         int     `json:"valid"`
	ValidFraction float64 `json:"valid_fraction"`
	Min           float64 `json:"min"`
	Max           float64 `json:"max"`
	Mean          float64 `json:"mean"`
	StdDev        float64 `json:"stddev"`
}

// Stats computes BandStats for b. A band with no unmasked pixel reports zero
// for every moment.
func Stats(b Band) BandStats {
	s := BandStats{Name: b.Name, Count: len(b.Data)}
	vals := make([]float64, 0, len(b.Data))
	for _, v := range b.Data {
		if !math.IsNaN(v) {
			vals = append(vals, v)
		}
	}
	s.Valid = len(vals)
	if s.Count > 0 {
		s.ValidFraction = float64(s.Valid) / float64(s.Count)
	}
	if s.Valid == 0 {
		return s
	}
	s.Min = floats.Min(vals)
	s.Max = floats.Max(vals)
	if s.Valid == 1 {
		s.Mean = vals[0]
		return s
	}
	s.Mean, s.StdDev = stat.MeanStdDev(vals, nil)
	return s
}

// ImageStats returns the statistics of every band in order.
func ImageStats(im *Image) []BandStats {
	out := make([]BandStats, len(im.Bands))
	for i, b := range im.Bands {
		out[i] = Stats(b)
	}
	return out
}

// MergeStats combines the statistics of two disjoint sets of pixels of the
// same band. The standard deviation is pooled from both sample variances.
func MergeStats(a, b BandStats) BandStats {
	out := BandStats{Name: a.Name, Count: a.Count + b.Count, Valid: a.Valid + b.Valid}
	if out.Name == "" {
		out.Name = b.Name
	}
	if out.Count > 0 {
		out.ValidFraction = float64(out.Valid) / float64(out.Count)
	}
	switch {
	case a.Valid == 0:
		out.Min, out.Max, out.Mean, out.StdDev = b.Min, b.Max, b.Mean, b.StdDev
	case b.Valid == 0:
		out.Min, out.Max, out.Mean, out.StdDev = a.Min, a.Max, a.Mean, a.StdDev
	default:
		na, nb, n := float64(a.Valid), float64(b.Valid), float64(out.Valid)
		delta := b.Mean - a.Mean
		m2 := a.StdDev*a.StdDev*(na-1) + b.StdDev*b.StdDev*(nb-1) + delta*delta*na*nb/n
		out.Min = math.Min(a.Min, b.Min)
		out.Max = math.Max(a.Max, b.Max)
		out.Mean = a.Mean + delta*nb/n
		out.StdDev = math.Sqrt(m2 / (n - 1))
	}
	return out
}
