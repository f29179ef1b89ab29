package glucose

import (
	"math"
	"sort"
)

// Standard consensus band for time in range, mg/dL.
const (
	DefaultLow  = 70.0
	DefaultHigh = 180.0
)

// TIR is the time-in-range breakdown of a reading set.
type TIR struct {
	InRangePct    float64 `json:"in_range_pct"`
	BelowRangePct float64 `json:"below_range_pct"`
	AboveRangePct float64 `json:"above_range_pct"`
	InRange       int     `json:"in_range"`
	Below         int     `json:"below"`
	Above         int     `json:"above"`
	TotalReadings int     `json:"total_readings"`
}

// ComputeTIR classifies readings against [low, high], boundaries inclusive.
func ComputeTIR(values []float64, low, high float64) TIR {
	t := TIR{TotalReadings: len(values)}
	if len(values) == 0 {
		return t
	}
	for _, v := range values {
		switch {
		case v < low:
			t.Below++
		case v > high:
			t.Above++
		default:
			t.InRange++
		}
	}
	n := float64(len(values))
	t.InRangePct = round(float64(t.InRange)/n*100, 2)
	t.BelowRangePct = round(float64(t.Below)/n*100, 2)
	t.AboveRangePct = round(float64(t.Above)/n*100, 2)
	return t
}

// Stats are descriptive statistics in mg/dL.
type Stats struct {
	Count  int     `json:"count"`
	Mean   float64 `json:"mean"`
	Median float64 `json:"median"`
	StdDev float64 `json:"std_dev"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
	GMI    float64 `json:"gmi"`
	// CV is the coefficient of variation in percent.
	CV float64 `json:"cv"`
}

// ComputeStats returns mean, median, population SD, range, GMI and CV.
// An empty set yields zero values.
func ComputeStats(values []float64) Stats {
	if len(values) == 0 {
		return Stats{}
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)

	sum := 0.0
	for _, v := range sorted {
		sum += v
	}
	n := float64(len(sorted))
	mean := sum / n

	variance := 0.0
	for _, v := range sorted {
		variance += (v - mean) * (v - mean)
	}
	sd := math.Sqrt(variance / n)

	var median float64
	mid := len(sorted) / 2
	if len(sorted)%2 == 0 {
		median = (sorted[mid-1] + sorted[mid]) / 2
	} else {
		median = sorted[mid]
	}

	s := Stats{
		Count:  len(sorted),
		Mean:   round(mean, 2),
		Median: round(median, 2),
		StdDev: round(sd, 2),
		Min:    sorted[0],
		Max:    sorted[len(sorted)-1],
		GMI:    GMI(mean),
	}
	if mean > 0 {
		s.CV = round(sd/mean*100, 2)
	}
	return s
}

// GMI estimates HbA1c (%) from mean glucose in mg/dL.
func GMI(meanMgDl float64) float64 {
	return round(3.31+0.02392*meanMgDl, 1)
}
