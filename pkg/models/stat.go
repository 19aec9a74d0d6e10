// Package models holds the value types shared between the aggregator, the
// storage layer and the HTTP facade, together with the service-wide typed
// error set.
package models

import (
	"time"

	"github.com/eida/eidastats/pkg/hyperloglog"
)

// DefaultLocation is the location code used when a request carries none.
const DefaultLocation = "--"

// StatKey is the composite key of one monthly statistic bucket. Date is
// always the first calendar day of a month, formatted YYYY-MM-01.
type StatKey struct {
	Date     string
	Network  string
	Station  string
	Location string
	Channel  string
	Country  string
}

// FailureKey returns the synthetic bucket key that failed requests are
// attributed to within a month.
func FailureKey(date, country string) StatKey {
	return StatKey{
		Date:     date,
		Network:  "",
		Station:  "",
		Location: DefaultLocation,
		Channel:  "",
		Country:  country,
	}
}

// MonthStart truncates a timestamp to the first day of its month.
func MonthStart(t time.Time) string {
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC).Format("2006-01-02")
}

// DataselectStat is one monthly rolled-up bucket. Each statistic owns its
// sketch; sketches are never shared between buckets.
type DataselectStat struct {
	Key StatKey

	Bytes            int64
	NbReqs           int64
	NbSuccessfulReqs int64
	NbFailedReqs     int64
	Clients          *hyperloglog.Sketch
}

// NewStat creates an empty bucket for the key with a sketch at the given
// precision. Every new statistic starts with one counted request.
func NewStat(key StatKey, precision uint8) *DataselectStat {
	return &DataselectStat{
		Key:     key,
		NbReqs:  1,
		Clients: hyperloglog.New(precision),
	}
}

// Merge folds another bucket with the same key into this one: counters add,
// byte totals sum and the client sketches union.
func (s *DataselectStat) Merge(other *DataselectStat) error {
	if s.Key != other.Key {
		return ErrKeyMismatch
	}
	s.Bytes += other.Bytes
	s.NbReqs += other.NbReqs
	s.NbSuccessfulReqs += other.NbSuccessfulReqs
	s.NbFailedReqs += other.NbFailedReqs
	return s.Clients.Union(other.Clients)
}

// StatRow is one stored statistic as returned by the store, joined with its
// node name. Clients holds the serialized sketch.
type StatRow struct {
	Date     string
	Node     string
	Network  string
	Station  string
	Location string
	Channel  string
	Country  string

	Bytes            int64
	NbReqs           int64
	NbSuccessfulReqs int64
	NbFailedReqs     int64
	Clients          []byte
}
