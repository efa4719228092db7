package pfilter

import (
	"fmt"
	"math"
	"strconv"
	"time"
)

// period enumerates the time-steps between start and end; step k is at
// start + k/stepsPerUnit, for k = 1..count.
type period struct {
	start, end   float64
	stepsPerUnit int
	count        int
}

func (p *period) SetPeriod(start, end float64, stepsPerUnit int) {
	p.start, p.end, p.stepsPerUnit = start, end, stepsPerUnit
	p.count = int(math.Round((end - start) * float64(stepsPerUnit)))
	if p.count < 0 {
		p.count = 0
	}
}

func (p *period) StepCount() int { return p.count }

func (p *period) when(k int) float64 {
	return p.start + float64(k)/float64(p.stepsPerUnit)
}

func (p *period) Steps() []TimeStep {
	steps := make([]TimeStep, p.count)
	for k := 1; k <= p.count; k++ {
		steps[k-1] = TimeStep{Num: k, When: p.when(k)}
	}
	return steps
}

// WithObservations returns every time-step, with the observations made at
// that time. Observations that fall between steps, or outside the period,
// are not used.
func (p *period) WithObservations(streams ...[]Observation) []TimeStep {
	steps := p.Steps()
	for _, stream := range streams {
		for _, o := range stream {
			k := int(math.Round((o.Date - p.start) * float64(p.stepsPerUnit)))
			if k < 1 || k > p.count || math.Abs(p.when(k)-o.Date) > 1e-9 {
				continue
			}
			steps[k-1].Obs = append(steps[k-1].Obs, o)
		}
	}
	return steps
}

// Scalar is a time scale measured in plain numbers.
type Scalar struct {
	period
}

func NewScalar() *Scalar { return &Scalar{} }

func (s *Scalar) Format(t float64) string {
	return strconv.FormatFloat(t, 'f', -1, 64)
}

func (s *Scalar) Parse(str string) (float64, error) {
	return strconv.ParseFloat(str, 64)
}

// DatetimeLayout is the canonical form of Datetime times.
const DatetimeLayout = "2006-01-02 15:04:05"

// Datetime is a time scale measured in days since Base.
type Datetime struct {
	period
	Base time.Time
}

func NewDatetime(base time.Time) *Datetime {
	return &Datetime{Base: base.UTC()}
}

// Time converts days since Base into a time.Time, to the nearest second.
func (d *Datetime) Time(t float64) time.Time {
	secs := math.Round(t * 86400)
	return d.Base.Add(time.Duration(secs) * time.Second)
}

// Days converts a time.Time into days since Base.
func (d *Datetime) Days(t time.Time) float64 {
	return t.Sub(d.Base).Seconds() / 86400
}

func (d *Datetime) Format(t float64) string {
	return d.Time(t).Format(DatetimeLayout)
}

func (d *Datetime) Parse(str string) (float64, error) {
	t, err := time.ParseInLocation(DatetimeLayout, str, time.UTC)
	if err != nil {
		// Plain dates are accepted too
		t, err = time.ParseInLocation("2006-01-02", str, time.UTC)
		if err != nil {
			return 0, fmt.Errorf("invalid date %q: %w", str, err)
		}
	}
	return d.Days(t), nil
}
