package models

import (
	"testing"

	"github.com/eida/eidastats/pkg/hyperloglog"
	"github.com/twmb/murmur3"
)

const validPayload = `{
	"version": "1.0.0",
	"generated_at": "2023-06-02T10:00:00Z",
	"days_coverage": ["2023-05-01", "2023-05-02"],
	"stats": [
		{
			"month": "2023-05-01",
			"network": "NL",
			"station": "HGN",
			"location": "--",
			"channel": "HHZ",
			"country": "NL",
			"bytes": 1024,
			"nb_requests": 10,
			"nb_successful_requests": 9,
			"nb_unsuccessful_requests": 1,
			"clients": "\\x010b05"
		}
	]
}`

func TestParsePayload(t *testing.T) {
	p, err := ParsePayload([]byte(validPayload))
	if err != nil {
		t.Fatalf("ParsePayload() error: %v", err)
	}
	if p.Version != "1.0.0" {
		t.Errorf("Version = %q, want 1.0.0", p.Version)
	}
	if len(p.DaysCoverage) != 2 {
		t.Errorf("DaysCoverage length = %d, want 2", len(p.DaysCoverage))
	}
	if len(p.Stats) != 1 {
		t.Fatalf("Stats length = %d, want 1", len(p.Stats))
	}
	s := p.Stats[0]
	if s.Network != "NL" || s.Bytes != 1024 {
		t.Errorf("unexpected stat: %+v", s)
	}
	if s.NbRequests == nil || *s.NbRequests != 10 {
		t.Error("nb_requests not parsed")
	}
}

func TestParsePayloadMalformed(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"not json", "not json at all"},
		{"missing version", `{"generated_at":"x","days_coverage":[],"stats":[]}`},
		{"missing generated_at", `{"version":"1","days_coverage":[],"stats":[]}`},
		{"missing days_coverage", `{"version":"1","generated_at":"x","stats":[]}`},
		{"missing stats", `{"version":"1","generated_at":"x","days_coverage":[]}`},
		{"stat without month", `{"version":"1","generated_at":"x","days_coverage":[],
			"stats":[{"network":"NL","clients":"\\x"}]}`},
		{"stat without clients", `{"version":"1","generated_at":"x","days_coverage":[],
			"stats":[{"month":"2023-05-01","network":"NL"}]}`},
		{"stat without network", `{"version":"1","generated_at":"x","days_coverage":[],
			"stats":[{"month":"2023-05-01","clients":"\\x"}]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParsePayload([]byte(tt.body)); err != ErrMalformedPayload {
				t.Errorf("ParsePayload() err = %v, want ErrMalformedPayload", err)
			}
		})
	}
}

func TestContentHashStable(t *testing.T) {
	p1, err := ParsePayload([]byte(validPayload))
	if err != nil {
		t.Fatal(err)
	}
	p2, err := ParsePayload([]byte(validPayload))
	if err != nil {
		t.Fatal(err)
	}
	if p1.ContentHash() != p2.ContentHash() {
		t.Error("identical payloads hash differently")
	}

	// Hash covers the stats list only, so envelope changes do not affect it.
	other := `{"version":"9.9.9","generated_at":"2024-01-01T00:00:00Z","days_coverage":[],"stats":` +
		string(p1.RawStats) + `}`
	p3, err := ParsePayload([]byte(other))
	if err != nil {
		t.Fatal(err)
	}
	if p3.ContentHash() != p1.ContentHash() {
		t.Error("envelope change altered the content hash")
	}
}

func TestNormalize(t *testing.T) {
	tests := []struct {
		name        string
		record      StatRecord
		wantCountry string
		wantReqs    int64
		wantFailed  int64
	}{
		{
			name:        "valid country kept",
			record:      StatRecord{Country: "FR", NbSuccessfulRequests: 5, NbRequests: ptr(7), NbUnsuccessfulRequests: ptr(2)},
			wantCountry: "FR",
			wantReqs:    7,
			wantFailed:  2,
		},
		{
			name:        "bad country dropped",
			record:      StatRecord{Country: "FRA", NbSuccessfulRequests: 5, NbRequests: ptr(5), NbUnsuccessfulRequests: ptr(0)},
			wantCountry: "",
			wantReqs:    5,
			wantFailed:  0,
		},
		{
			name:        "missing unsuccessful defaults to zero",
			record:      StatRecord{Country: "NL", NbSuccessfulRequests: 5, NbRequests: ptr(5)},
			wantCountry: "NL",
			wantReqs:    5,
			wantFailed:  0,
		},
		{
			name:        "missing total derived from parts",
			record:      StatRecord{Country: "NL", NbSuccessfulRequests: 5, NbUnsuccessfulRequests: ptr(3)},
			wantCountry: "NL",
			wantReqs:    8,
			wantFailed:  3,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := tt.record
			r.Normalize()
			if r.Country != tt.wantCountry {
				t.Errorf("Country = %q, want %q", r.Country, tt.wantCountry)
			}
			if r.NbRequests == nil || *r.NbRequests != tt.wantReqs {
				t.Errorf("NbRequests = %v, want %d", r.NbRequests, tt.wantReqs)
			}
			if r.NbUnsuccessfulRequests == nil || *r.NbUnsuccessfulRequests != tt.wantFailed {
				t.Errorf("NbUnsuccessfulRequests = %v, want %d", r.NbUnsuccessfulRequests, tt.wantFailed)
			}
		})
	}
}

func TestClientsRoundTrip(t *testing.T) {
	s := hyperloglog.New(hyperloglog.StoragePrecision)
	for _, c := range []string{"a", "b", "c"} {
		s.AddHash(murmur3.StringSum64(c))
	}

	encoded := EncodeClients(s)
	if encoded[:2] != `\x` {
		t.Errorf("encoded sketch missing \\x prefix: %q", encoded[:8])
	}

	got, err := DecodeClients(encoded)
	if err != nil {
		t.Fatalf("DecodeClients() error: %v", err)
	}
	if !got.RegistersEqual(s) {
		t.Error("decoded sketch differs from original")
	}
}

func TestDecodeClientsInvalid(t *testing.T) {
	tests := []struct {
		name  string
		value string
	}{
		{"not hex", `\xZZZZ`},
		{"truncated", `\x010b05`},
		{"empty", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := DecodeClients(tt.value); err == nil {
				t.Error("DecodeClients() succeeded on invalid input")
			}
		})
	}
}

func ptr(v int64) *int64 { return &v }
