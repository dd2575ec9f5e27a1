package types

import (
	"errors"
	"fmt"
	"time"
)

// TimeSeriesRecord is a reading that occupies a half-open interval
// [start, end) and belongs to a single series (a tariff or a meter).
type TimeSeriesRecord interface {
	SeriesKey() string
	// Interval returns the start and end of the record. A zero end means the
	// record is open-ended.
	Interval() (time.Time, time.Time)
	// RecordID identifies the record within its series. Storing a record
	// replaces any stored record with the same id.
	RecordID() string
}

// Rate is a standard unit rate of a tariff in pence per kWh.
type Rate struct {
	TariffCode    string    `json:"tariffCode"`
	ValidFrom     time.Time `json:"validFrom"`
	ValidTo       time.Time `json:"validTo,omitempty"`
	ValueExcVAT   float64   `json:"valueExcVAT"`
	ValueIncVAT   float64   `json:"valueIncVAT"`
	PaymentMethod string    `json:"paymentMethod,omitempty"`
}

func (r Rate) SeriesKey() string { return r.TariffCode }

func (r Rate) Interval() (time.Time, time.Time) { return r.ValidFrom, r.ValidTo }

// RecordID includes the payment method since a tariff publishes direct debit
// and non direct debit rates for the same interval.
func (r Rate) RecordID() string {
	id := r.ValidFrom.UTC().Format(time.RFC3339)
	if r.PaymentMethod != "" {
		id += "_" + r.PaymentMethod
	}
	return id
}

// GroupBy is the aggregation applied to consumption readings by the remote
// API. The empty value means raw half-hourly readings.
type GroupBy string

const (
	GroupByHalfHour GroupBy = ""
	GroupByHour     GroupBy = "hour"
	GroupByDay      GroupBy = "day"
	GroupByWeek     GroupBy = "week"
	GroupByMonth    GroupBy = "month"
	GroupByQuarter  GroupBy = "quarter"
)

// Validate ensures the grouping is one the remote API understands.
func (g GroupBy) Validate() error {
	switch g {
	case GroupByHalfHour, GroupByHour, GroupByDay, GroupByWeek, GroupByMonth, GroupByQuarter:
		return nil
	default:
		return fmt.Errorf("unknown consumption grouping: %s", string(g))
	}
}

func (g GroupBy) String() string {
	if g == GroupByHalfHour {
		return "half_hour"
	}
	return string(g)
}

// Consumption is the energy imported through a meter over an interval.
type Consumption struct {
	MPAN          string    `json:"mpan"`
	MeterSerial   string    `json:"meterSerial"`
	GroupBy       GroupBy   `json:"groupBy,omitempty"`
	IntervalStart time.Time `json:"intervalStart"`
	IntervalEnd   time.Time `json:"intervalEnd"`
	KWh           float64   `json:"kWh"`
}

func (c Consumption) SeriesKey() string {
	return ConsumptionSeriesKey(Meter{MPAN: c.MPAN, SerialNumber: c.MeterSerial}, c.GroupBy)
}

func (c Consumption) Interval() (time.Time, time.Time) { return c.IntervalStart, c.IntervalEnd }

func (c Consumption) RecordID() string { return c.IntervalStart.UTC().Format(time.RFC3339) }

// ConsumptionSeriesKey returns the series key for a meter read at a grouping.
// Different groupings of the same meter overlap in time so they are kept as
// separate series.
func ConsumptionSeriesKey(m Meter, g GroupBy) string {
	return m.MPAN + ":" + m.SerialNumber + ":" + g.String()
}

var ErrInvalidPeriod = errors.New("invalid period")

// Period is a half-open time range [From, To).
type Period struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// Validate ensures both ends are set and From is before To.
func (p Period) Validate() error {
	if p.From.IsZero() || p.To.IsZero() {
		return fmt.Errorf("%w: from and to are required", ErrInvalidPeriod)
	}
	if !p.From.Before(p.To) {
		return fmt.Errorf("%w: from (%s) must be before to (%s)", ErrInvalidPeriod, p.From.Format(time.RFC3339), p.To.Format(time.RFC3339))
	}
	return nil
}

// Overlaps checks if the interval [start, end) intersects the period. A zero
// end is treated as open-ended.
func (p Period) Overlaps(start, end time.Time) bool {
	if !start.Before(p.To) {
		return false
	}
	return end.IsZero() || end.After(p.From)
}

// PagedResult is one page returned by a remote source. An empty Cursor means
// there are no more pages.
type PagedResult[T any] struct {
	Items  []T
	Cursor string
}
