package model

import "time"

// Cover class positions within Fractions.
const (
	ClassBareSoil = iota
	ClassGreenVeg
	ClassDryVeg
	ClassWet
	ClassWater
	NumClasses
)

// ClassNames lists the CSV column headers in Fractions order.
var ClassNames = [NumClasses]string{"BS", "PV", "NPV", "WET", "WATER"}

// Fractions holds per-class cover fractions of a polygon.
type Fractions [NumClasses]float64

// AnyPositive reports whether at least one class has non-zero cover.
func (f Fractions) AnyPositive() bool {
	for _, v := range f {
		if v > 0 {
			return true
		}
	}
	return false
}

// ResultPoint is one row of the result time series.
type ResultPoint struct {
	PolyID    int64     `json:"poly_id"`
	Time      time.Time `json:"datetime"`
	Fractions Fractions `json:"fractions"`
}

// AlltimeMetrics summarizes a polygon's whole result history.
type AlltimeMetrics struct {
	PolyID          int64      `json:"poly_id"`
	Observations    int64      `json:"observations"`
	GreenVegCount   int64      `json:"pv_count"`
	WaterCount      int64      `json:"water_count"`
	WetCount        int64      `json:"wet_count"`
	FirstGreenVeg   *time.Time `json:"first_pv,omitempty"`
	FirstWater      *time.Time `json:"first_water,omitempty"`
	FirstWet        *time.Time `json:"first_wet,omitempty"`
	MeanWetAndWater float64    `json:"mean_wet_water"`
}

// YearMetric is one row of the per-year wet+water statistics.
type YearMetric struct {
	PolyID int64   `json:"poly_id"`
	Year   int     `json:"year"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
	Mean   float64 `json:"mean"`
}

// WetAndWater is the combined wet and open water share.
func (f Fractions) WetAndWater() float64 {
	return f[ClassWet] + f[ClassWater]
}

// InundationThreshold is the wet+water share above which an observation
// counts as inundated.
const InundationThreshold = 0.01

// Event is a run of consecutive inundated observations of one polygon.
type Event struct {
	PolyID   int64         `json:"poly_id"`
	Start    time.Time     `json:"start_time"`
	End      time.Time     `json:"end_time"`
	Duration time.Duration `json:"duration"` // End - Start plus one day
	Max      float64       `json:"max"`
	Mean     float64       `json:"mean"`
	Area     float64       `json:"area_ha"` // Max times the polygon area
	// Ongoing is set when no dry observation has closed the event yet.
	Ongoing bool `json:"ongoing"`
}

// Events folds a time-ordered series into inundation events. areaM2 is the
// polygon area in square metres.
func Events(points []ResultPoint, areaM2 float64) []Event {
	var (
		out []Event
		cur *Event
		sum float64
		n   int
	)
	closeEvent := func(ongoing bool) {
		cur.Mean = sum / float64(n)
		cur.Area = cur.Max * areaM2 / 10000
		cur.Duration = cur.End.Sub(cur.Start) + 24*time.Hour
		cur.Ongoing = ongoing
		out = append(out, *cur)
		cur, sum, n = nil, 0, 0
	}
	for _, p := range points {
		v := p.Fractions.WetAndWater()
		if v <= InundationThreshold {
			if cur != nil {
				closeEvent(false)
			}
			continue
		}
		if cur == nil {
			cur = &Event{PolyID: p.PolyID, Start: p.Time}
		}
		cur.End = p.Time
		cur.Max = max(cur.Max, v)
		sum += v
		n++
	}
	if cur != nil {
		closeEvent(true)
	}
	return out
}
