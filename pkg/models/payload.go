package models

import (
	"encoding/hex"
	"encoding/json"
	"strings"

	"github.com/eida/eidastats/pkg/hyperloglog"
	"github.com/twmb/murmur3"
)

// Payload is the submission envelope a node POSTs to /submit.
type Payload struct {
	Version      string       `json:"version"`
	GeneratedAt  string       `json:"generated_at"`
	DaysCoverage []string     `json:"days_coverage"`
	Stats        []StatRecord `json:"stats"`

	// RawStats keeps the stats array exactly as received so the content
	// hash is computed over the submitted bytes, not a re-serialization.
	RawStats json.RawMessage `json:"-"`
}

// StatRecord is one statistic inside a submission payload. Clients carries
// the hex-encoded sketch with a \x prefix.
type StatRecord struct {
	Month                  string `json:"month"`
	Network                string `json:"network"`
	Station                string `json:"station"`
	Location               string `json:"location"`
	Channel                string `json:"channel"`
	Country                string `json:"country"`
	Bytes                  int64  `json:"bytes"`
	NbRequests             *int64 `json:"nb_requests"`
	NbSuccessfulRequests   int64  `json:"nb_successful_requests"`
	NbUnsuccessfulRequests *int64 `json:"nb_unsuccessful_requests"`
	Clients                string `json:"clients"`
}

// ParsePayload decodes a submission body and validates the envelope shape:
// generated_at, version, stats and days_coverage must be present, and every
// stat must carry at least month, clients and network.
func ParsePayload(body []byte) (*Payload, error) {
	var probe struct {
		Version      *string          `json:"version"`
		GeneratedAt  *string          `json:"generated_at"`
		DaysCoverage *[]string        `json:"days_coverage"`
		Stats        *json.RawMessage `json:"stats"`
	}
	if err := json.Unmarshal(body, &probe); err != nil {
		return nil, ErrMalformedPayload
	}
	if probe.Version == nil || probe.GeneratedAt == nil || probe.DaysCoverage == nil || probe.Stats == nil {
		return nil, ErrMalformedPayload
	}

	var stats []StatRecord
	if err := json.Unmarshal(*probe.Stats, &stats); err != nil {
		return nil, ErrMalformedPayload
	}

	var rawStats []map[string]json.RawMessage
	if err := json.Unmarshal(*probe.Stats, &rawStats); err != nil {
		return nil, ErrMalformedPayload
	}
	for _, raw := range rawStats {
		if _, ok := raw["month"]; !ok {
			return nil, ErrMalformedPayload
		}
		if _, ok := raw["clients"]; !ok {
			return nil, ErrMalformedPayload
		}
		if _, ok := raw["network"]; !ok {
			return nil, ErrMalformedPayload
		}
	}

	return &Payload{
		Version:      *probe.Version,
		GeneratedAt:  *probe.GeneratedAt,
		DaysCoverage: *probe.DaysCoverage,
		Stats:        stats,
		RawStats:     *probe.Stats,
	}, nil
}

// ContentHash is the murmur3_32 hash of the serialized stats list, widened
// to the signed value used for duplicate-submission detection.
func (p *Payload) ContentHash() int64 {
	return int64(int32(murmur3.Sum32(p.RawStats)))
}

// Normalize applies the ingestion coercions to a stat record: country codes
// that are not exactly two letters become empty, a missing unsuccessful
// count becomes zero and a missing request count becomes the sum of the
// successful and unsuccessful counts.
func (r *StatRecord) Normalize() {
	if len(r.Country) != 2 {
		r.Country = ""
	}
	if r.NbUnsuccessfulRequests == nil {
		zero := int64(0)
		r.NbUnsuccessfulRequests = &zero
	}
	if r.NbRequests == nil {
		total := r.NbSuccessfulRequests + *r.NbUnsuccessfulRequests
		r.NbRequests = &total
	}
}

// EncodeClients serializes a sketch to the wire form used in payloads and
// query responses: a hex string prefixed by \x.
func EncodeClients(s *hyperloglog.Sketch) string {
	return `\x` + hex.EncodeToString(s.ToBytes())
}

// EncodeClientsBytes hex-encodes an already-serialized sketch.
func EncodeClientsBytes(b []byte) string {
	return `\x` + hex.EncodeToString(b)
}

// DecodeClients parses the \x-prefixed hex form back into a sketch.
func DecodeClients(v string) (*hyperloglog.Sketch, error) {
	trimmed := strings.TrimPrefix(v, `\x`)
	raw, err := hex.DecodeString(trimmed)
	if err != nil {
		return nil, ErrMalformedPayload
	}
	s, err := hyperloglog.FromBytes(raw)
	if err != nil {
		return nil, ErrMalformedPayload
	}
	return s, nil
}
