// Package aggregator turns dataselect request logs into monthly statistics
// ready for submission. Input is a stream of JSON lines, one per external
// request, each carrying a list of per-channel trace results.
package aggregator

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"github.com/twmb/murmur3"

	"github.com/eida/eidastats/pkg/hyperloglog"
	"github.com/eida/eidastats/pkg/models"
)

// maxLineSize bounds one log line; requests with very long trace lists have
// been seen above bufio's default limit.
const maxLineSize = 16 * 1024 * 1024

type traceRecord struct {
	Net    *string `json:"net"`
	Sta    *string `json:"sta"`
	Cha    *string `json:"cha"`
	Loc    *string `json:"loc"`
	Bytes  int64   `json:"bytes"`
	Status string  `json:"status"`
}

type logRecord struct {
	Finished     *string         `json:"finished"`
	Status       string          `json:"status"`
	Trace        []traceRecord   `json:"trace"`
	UserID       json.RawMessage `json:"userID"`
	UserLocation struct {
		Country *string `json:"country"`
	} `json:"userLocation"`
}

// Report summarizes one aggregation run.
type Report struct {
	Lines          int
	MalformedLines int
	SkippedRecords int
}

// Aggregator folds log lines into keyed monthly buckets. Collection runs at
// a higher sketch precision than storage; BuildPayload downscales.
type Aggregator struct {
	log   zerolog.Logger
	stats map[models.StatKey]*models.DataselectStat
	days  map[string]struct{}
}

func New(log zerolog.Logger) *Aggregator {
	return &Aggregator{
		log:   log,
		stats: make(map[models.StatKey]*models.DataselectStat),
		days:  make(map[string]struct{}),
	}
}

// Run consumes all lines from r. Malformed lines and records with missing
// mandatory fields are skipped and counted; a read failure aborts the run.
func (a *Aggregator) Run(r io.Reader) (Report, error) {
	var report Report

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	for scanner.Scan() {
		report.Lines++

		var record logRecord
		if err := json.Unmarshal(scanner.Bytes(), &record); err != nil {
			report.MalformedLines++
			a.log.Warn().Int("line", report.Lines).Msg("line could not be parsed as JSON, ignoring")
			continue
		}
		if !a.ingest(record) {
			report.SkippedRecords++
			a.log.Warn().Int("line", report.Lines).Msg("record misses mandatory fields, ignoring")
		}
	}
	if err := scanner.Err(); err != nil {
		return report, fmt.Errorf("reading log stream: %w", err)
	}
	return report, nil
}

// ingest folds one request record into the buckets. It reports false when a
// mandatory field is missing.
func (a *Aggregator) ingest(record logRecord) bool {
	if record.Finished == nil || record.UserLocation.Country == nil {
		return false
	}
	finished, err := parseTimestamp(*record.Finished)
	if err != nil {
		return false
	}
	date := models.MonthStart(finished)
	country := *record.UserLocation.Country
	clientHash := murmur3.StringSum64(userID(record.UserID))

	if record.Status != "OK" {
		// One failure per request, attributed to the synthetic bucket.
		stat := models.NewStat(models.FailureKey(date, country), hyperloglog.CollectionPrecision)
		stat.NbReqs = 0
		stat.NbFailedReqs = 1
		stat.Clients.AddHash(clientHash)
		a.fold(stat)
		a.markDay(finished)
		return true
	}

	ingested := false
	for _, trace := range record.Trace {
		if trace.Net == nil || trace.Sta == nil || trace.Cha == nil {
			a.log.Warn().Msg("trace misses mandatory fields, ignoring")
			continue
		}
		location := models.DefaultLocation
		if trace.Loc != nil {
			location = *trace.Loc
		}

		stat := models.NewStat(models.StatKey{
			Date:     date,
			Network:  *trace.Net,
			Station:  *trace.Sta,
			Location: location,
			Channel:  *trace.Cha,
			Country:  country,
		}, hyperloglog.CollectionPrecision)
		stat.NbSuccessfulReqs = 1
		stat.Bytes = trace.Bytes
		stat.Clients.AddHash(clientHash)
		a.fold(stat)
		ingested = true
	}
	if ingested {
		a.markDay(finished)
	}
	return ingested
}

func (a *Aggregator) fold(stat *models.DataselectStat) {
	if existing, ok := a.stats[stat.Key]; ok {
		// Keys match by construction, Merge cannot fail here.
		_ = existing.Merge(stat)
		return
	}
	a.stats[stat.Key] = stat
}

func (a *Aggregator) markDay(t time.Time) {
	a.days[t.UTC().Format("2006-01-02")] = struct{}{}
}

// Stats returns the aggregated buckets.
func (a *Aggregator) Stats() map[models.StatKey]*models.DataselectStat {
	return a.stats
}

// Merge folds another aggregator's buckets into this one.
func (a *Aggregator) Merge(other *Aggregator) error {
	for key, stat := range other.stats {
		if existing, ok := a.stats[key]; ok {
			if err := existing.Merge(stat); err != nil {
				return err
			}
		} else {
			a.stats[key] = stat
		}
	}
	for day := range other.days {
		a.days[day] = struct{}{}
	}
	return nil
}

// DaysCoverage returns the sorted list of days seen in the logs.
func (a *Aggregator) DaysCoverage() []string {
	days := make([]string, 0, len(a.days))
	for day := range a.days {
		days = append(days, day)
	}
	sort.Strings(days)
	return days
}

func parseTimestamp(v string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, v)
	if err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02T15:04:05", v)
}

// userID renders the userID JSON value as the stable string that is hashed
// into the client sketch. Identifiers arrive as numbers or strings.
func userID(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	return string(raw)
}
