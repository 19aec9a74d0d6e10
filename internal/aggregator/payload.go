package aggregator

import (
	"compress/bzip2"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/eida/eidastats/pkg/hyperloglog"
	"github.com/eida/eidastats/pkg/models"
)

// Version identifies the payload format produced by this aggregator.
const Version = "1.0.0"

// Open returns a line reader for a log file, transparently decompressing
// bz2 archives. The caller closes the returned closer.
func Open(path string) (io.Reader, io.Closer, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("opening log file: %w", err)
	}
	if strings.HasSuffix(path, ".bz2") {
		return bzip2.NewReader(f), f, nil
	}
	return f, f, nil
}

// BuildPayload shapes the aggregated buckets into the submission envelope.
// Sketches collected at the higher precision are downscaled to the storage
// precision before serialization.
func (a *Aggregator) BuildPayload(now time.Time) (*models.Payload, error) {
	records := make([]models.StatRecord, 0, len(a.stats))
	for _, stat := range a.stats {
		sketch := stat.Clients
		if sketch.Precision() > hyperloglog.StoragePrecision {
			downscaled, err := sketch.Downscale(hyperloglog.StoragePrecision)
			if err != nil {
				return nil, fmt.Errorf("downscaling sketch: %w", err)
			}
			sketch = downscaled
		}

		records = append(records, models.StatRecord{
			Month:                  stat.Key.Date,
			Network:                stat.Key.Network,
			Station:                stat.Key.Station,
			Location:               stat.Key.Location,
			Channel:                stat.Key.Channel,
			Country:                stat.Key.Country,
			Bytes:                  stat.Bytes,
			NbRequests:             int64Ptr(stat.NbReqs),
			NbSuccessfulRequests:   stat.NbSuccessfulReqs,
			NbUnsuccessfulRequests: int64Ptr(stat.NbFailedReqs),
			Clients:                models.EncodeClients(sketch),
		})
	}

	// Deterministic order for stable payload hashes across runs.
	sort.Slice(records, func(i, j int) bool {
		a, b := records[i], records[j]
		if a.Month != b.Month {
			return a.Month < b.Month
		}
		if a.Network != b.Network {
			return a.Network < b.Network
		}
		if a.Station != b.Station {
			return a.Station < b.Station
		}
		if a.Location != b.Location {
			return a.Location < b.Location
		}
		if a.Channel != b.Channel {
			return a.Channel < b.Channel
		}
		return a.Country < b.Country
	})

	return &models.Payload{
		Version:      Version,
		GeneratedAt:  now.UTC().Format(time.RFC3339),
		DaysCoverage: a.DaysCoverage(),
		Stats:        records,
	}, nil
}

func int64Ptr(v int64) *int64 { return &v }
