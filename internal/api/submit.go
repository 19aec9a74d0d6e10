package api

import (
	"io"
	"net/http"
	"time"

	"github.com/eida/eidastats/internal/auth"
	"github.com/eida/eidastats/pkg/hyperloglog"
	"github.com/eida/eidastats/pkg/models"
)

// maxPayloadSize bounds one submission body.
const maxPayloadSize = 256 * 1024 * 1024

// submit ingests one statistics payload. POST merges into existing buckets,
// PUT replaces them.
func (s *Server) submit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	token, err := auth.BearerToken(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	node, err := s.store.NodeByToken(ctx, token, time.Now())
	if err != nil {
		s.fail(w, r, err)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxPayloadSize))
	if err != nil {
		s.fail(w, r, models.ErrMalformedPayload)
		return
	}
	payload, err := models.ParsePayload(body)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	stats, err := buildStats(payload)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	receipt := models.PayloadReceipt{
		NodeID:      node.ID,
		Hash:        payload.ContentHash(),
		Version:     payload.Version,
		GeneratedAt: payload.GeneratedAt,
		Coverage:    payload.DaysCoverage,
	}
	replace := r.Method == http.MethodPut

	if err := s.store.RegisterSubmission(ctx, receipt, stats, replace); err != nil {
		s.fail(w, r, err)
		return
	}

	s.log.Info().Str("node", node.Name).Int("stats", len(stats)).
		Bool("replace", replace).Msg("payload ingested")
	s.respondJSON(w, http.StatusOK, map[string]string{"message": "Statistics added to the database"})
}

// buildStats turns the payload records into storable statistics: counters
// normalized, months truncated and sketches decoded at storage precision.
func buildStats(payload *models.Payload) ([]*models.DataselectStat, error) {
	stats := make([]*models.DataselectStat, 0, len(payload.Stats))
	for i := range payload.Stats {
		record := payload.Stats[i]
		record.Normalize()

		month, err := time.Parse("2006-01-02", record.Month)
		if err != nil {
			return nil, models.ErrMalformedPayload
		}

		sketch, err := models.DecodeClients(record.Clients)
		if err != nil {
			return nil, err
		}
		if sketch.Precision() > hyperloglog.StoragePrecision {
			sketch, err = sketch.Downscale(hyperloglog.StoragePrecision)
			if err != nil {
				return nil, models.ErrMalformedPayload
			}
		}

		stats = append(stats, &models.DataselectStat{
			Key: models.StatKey{
				Date:     models.MonthStart(month),
				Network:  record.Network,
				Station:  record.Station,
				Location: record.Location,
				Channel:  record.Channel,
				Country:  record.Country,
			},
			Bytes:            record.Bytes,
			NbReqs:           *record.NbRequests,
			NbSuccessfulReqs: record.NbSuccessfulRequests,
			NbFailedReqs:     *record.NbUnsuccessfulRequests,
			Clients:          sketch,
		})
	}
	return stats, nil
}
