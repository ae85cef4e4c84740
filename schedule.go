package rttvar

// schedule.go parses the textual forms of data rates and of rate schedules.
// A rate schedule comes from two comma-separated strings, e.g.
//
//	appBandwidth     "10Mbps,0bps,40Mbps"
//	appSecondsChange "0.1,2,3,6"
//
// The first timestamp is the baseline.  Every later timestamp is stored as an
// offset from it; all but the last are the instants the rate switches to the
// next entry, the last is when sending stops for good.

import (
	"fmt"
	"strconv"
	"strings"
)

// RateSchedule is the piecewise-constant sending rate of one flow
type RateSchedule struct {
	// raw timestamp (seconds) of the first entry, used only to normalize the others
	Baseline float64 `json:"baseline" yaml:"baseline"`

	// Rates[i] is in force until Offsets[i], in bits per second
	Rates []float64 `json:"rates" yaml:"rates"`

	// Offsets[i] is seconds after the flow starts.  Strictly increasing, the last one is the stop
	Offsets []float64 `json:"offsets" yaml:"offsets"`
}

// Len is the number of (offset, rate) entries
func (rs RateSchedule) Len() int {
	return len(rs.Offsets)
}

// StopOffset is the offset at which the flow stops sending
func (rs RateSchedule) StopOffset() float64 {
	return rs.Offsets[len(rs.Offsets)-1]
}

// Validate checks the invariants of a schedule
func (rs RateSchedule) Validate() error {
	if len(rs.Offsets) == 0 {
		return fmt.Errorf("%w: schedule needs a rate and a stop boundary", ErrMalformedSchedule)
	}
	if len(rs.Rates) != len(rs.Offsets) {
		return fmt.Errorf("%w: %d rates for %d change times", ErrMalformedSchedule, len(rs.Rates), len(rs.Offsets))
	}
	prev := 0.0
	for idx, offset := range rs.Offsets {
		if !(offset > prev) {
			return fmt.Errorf("%w: change time %d (%g) does not follow %g", ErrMalformedSchedule, idx, offset, prev)
		}
		prev = offset
	}
	for idx, rate := range rs.Rates {
		if rate < 0.0 {
			return fmt.Errorf("%w: negative rate at entry %d", ErrMalformedSchedule, idx)
		}
	}
	return nil
}

// ParseRateSchedule builds a RateSchedule from a comma-separated list of data rates
// and a comma-separated list of raw timestamps (one more than the rates)
func ParseRateSchedule(rates, times string) (RateSchedule, error) {
	rs := RateSchedule{}

	rateStrs := splitList(rates)
	timeStrs := splitList(times)

	if len(timeStrs) < 2 {
		return rs, fmt.Errorf("%w: %q needs a baseline and a stop time", ErrMalformedSchedule, times)
	}

	raw := make([]float64, 0, len(timeStrs))
	for _, ts := range timeStrs {
		value, err := strconv.ParseFloat(ts, 64)
		if err != nil {
			return rs, fmt.Errorf("%w: time %q: %v", ErrMalformedSchedule, ts, err)
		}
		raw = append(raw, value)
	}

	rs.Baseline = raw[0]
	rs.Offsets = make([]float64, 0, len(raw)-1)
	for _, value := range raw[1:] {
		rs.Offsets = append(rs.Offsets, value-rs.Baseline)
	}

	rs.Rates = make([]float64, 0, len(rateStrs))
	for _, rstr := range rateStrs {
		bps, err := ParseDataRate(rstr)
		if err != nil {
			return rs, err
		}
		rs.Rates = append(rs.Rates, bps)
	}

	if err := rs.Validate(); err != nil {
		return rs, err
	}
	return rs, nil
}

// splitList splits on commas, without dropping empty items (those are errors later)
func splitList(input string) []string {
	items := strings.Split(input, ",")
	for idx := range items {
		items[idx] = strings.TrimSpace(items[idx])
	}
	return items
}

// multipliers for the data rate units accepted by ParseDataRate, bits per second
var rateUnits = map[string]float64{
	"bps": 1, "b/s": 1,
	"kbps": 1e3, "Kbps": 1e3, "kb/s": 1e3, "Kb/s": 1e3,
	"Mbps": 1e6, "mbps": 1e6, "Mb/s": 1e6,
	"Gbps": 1e9, "gbps": 1e9, "Gb/s": 1e9,
	"Tbps": 1e12, "Tb/s": 1e12,
	"Bps": 8, "B/s": 8,
	"KBps": 8e3, "kBps": 8e3, "KB/s": 8e3, "kB/s": 8e3,
	"MBps": 8e6, "MB/s": 8e6,
	"GBps": 8e9, "GB/s": 8e9,
}

// ParseDataRate converts strings like "10Mbps", "0bps", "2.5Gb/s" to bits per second.
// A bare number is taken to be bits per second
func ParseDataRate(input string) (float64, error) {
	input = strings.TrimSpace(input)
	split := len(input)
	for split > 0 {
		c := input[split-1]
		if (c >= '0' && c <= '9') || c == '.' {
			break
		}
		split--
	}
	numStr := input[:split]
	unit := input[split:]

	value, err := strconv.ParseFloat(numStr, 64)
	if err != nil {
		return 0.0, fmt.Errorf("%w: data rate %q", ErrMalformedSchedule, input)
	}
	if len(unit) == 0 {
		unit = "bps"
	}
	mult, present := rateUnits[unit]
	if !present {
		return 0.0, fmt.Errorf("%w: data rate %q has unknown unit %q", ErrMalformedSchedule, input, unit)
	}
	if value < 0.0 {
		return 0.0, fmt.Errorf("%w: negative data rate %q", ErrMalformedSchedule, input)
	}
	return value * mult, nil
}
