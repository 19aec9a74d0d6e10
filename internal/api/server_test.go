package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/ProtonMail/go-crypto/openpgp/clearsign"
	"github.com/rs/zerolog"

	"github.com/eida/eidastats/internal/auth"
	"github.com/eida/eidastats/internal/storage/sqlite"
	"github.com/eida/eidastats/pkg/hyperloglog"
	"github.com/eida/eidastats/pkg/models"
	"github.com/twmb/murmur3"
)

const prefix = "/eidaws/statistics/1"

type testEnv struct {
	server *Server
	store  *sqlite.Store
	entity *openpgp.Entity
	nodeID int64
	bearer string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	store, err := sqlite.New(filepath.Join(t.TempDir(), "api.db"))
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	entity, err := openpgp.NewEntity("Test Authority", "", "auth@example.org", nil)
	if err != nil {
		t.Fatalf("generating key: %v", err)
	}
	verifier := auth.NewVerifierFromKeyring(openpgp.EntityList{entity})

	ctx := context.Background()
	group := "odc-ops"
	nodeID, err := store.CreateNode(ctx, "ODC", "ops@odc", &group)
	if err != nil {
		t.Fatalf("creating node: %v", err)
	}
	now := time.Now()
	if err := store.CreateToken(ctx, nodeID, "node-secret", now.Add(-time.Hour), now.Add(24*time.Hour)); err != nil {
		t.Fatalf("creating token: %v", err)
	}
	if err := store.CreateToken(ctx, nodeID, "stale-secret", now.Add(-48*time.Hour), now.Add(-time.Hour)); err != nil {
		t.Fatalf("creating token: %v", err)
	}

	server := NewServer(Config{Addr: "127.0.0.1:0", Prefix: prefix}, store, verifier, zerolog.Nop())
	return &testEnv{server: server, store: store, entity: entity, nodeID: nodeID, bearer: "node-secret"}
}

func (e *testEnv) signedToken(t *testing.T, memberof string) []byte {
	t.Helper()
	body := fmt.Sprintf(`{"mail": "user@example.org", "memberof": "%s", "valid_until": "%s"}`,
		memberof, time.Now().Add(time.Hour).UTC().Format("2006-01-02T15:04:05.000000Z"))

	var buf bytes.Buffer
	w, err := clearsign.Encode(&buf, e.entity.PrivateKey, nil, nil)
	if err != nil {
		t.Fatalf("starting clearsign: %v", err)
	}
	if _, err := w.Write([]byte(body)); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func (e *testEnv) do(t *testing.T, method, path string, body []byte, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, prefix+path, bytes.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)
	return rec
}

func clientsHex(clients ...string) string {
	s := hyperloglog.New(hyperloglog.StoragePrecision)
	for _, c := range clients {
		s.AddHash(murmur3.StringSum64(c))
	}
	return strings.ReplaceAll(models.EncodeClients(s), `\`, `\\`)
}

func (e *testEnv) submitPayload(t *testing.T, payload string) *httptest.ResponseRecorder {
	t.Helper()
	return e.do(t, http.MethodPost, "/submit", []byte(payload),
		map[string]string{"Authentication": "Bearer " + e.bearer})
}

func testPayload(generatedAt string) string {
	return fmt.Sprintf(`{
		"version": "1.0.0",
		"generated_at": "%s",
		"days_coverage": ["2020-09-18"],
		"stats": [
			{"month": "2020-09-01", "network": "GE", "station": "EIL", "location": "",
			 "channel": "BHZ", "country": "US", "bytes": 98304, "nb_requests": 1,
			 "nb_successful_requests": 1, "nb_unsuccessful_requests": 0, "clients": "%s"},
			{"month": "2020-09-01", "network": "", "station": "", "location": "--",
			 "channel": "", "country": "ID", "bytes": 0, "nb_requests": 0,
			 "nb_successful_requests": 0, "nb_unsuccessful_requests": 1, "clients": "%s"}
		]
	}`, generatedAt, clientsHex("alice"), clientsHex("bob"))
}

func TestHealthEndpoint(t *testing.T) {
	e := newTestEnv(t)
	rec := e.do(t, http.MethodGet, "/_health", nil, nil)
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, body %s", rec.Code, rec.Body.String())
	}
}

func TestSubmitAndQueryRoundTrip(t *testing.T) {
	e := newTestEnv(t)

	rec := e.submitPayload(t, testPayload("2020-10-01T00:00:00Z"))
	if rec.Code != http.StatusOK {
		t.Fatalf("submit status = %d, body %s", rec.Code, rec.Body.String())
	}

	// The operator sees both the channel row and the failure bucket.
	token := e.signedToken(t, "/epos/odc-ops")
	rec = e.do(t, http.MethodPost, "/dataselect/restricted?start=2020-09&level=channel&format=json", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("query status = %d, body %s", rec.Code, rec.Body.String())
	}

	var body struct {
		Results []struct {
			Date    string `json:"date"`
			Network string `json:"network"`
			Station string `json:"station"`
			Channel string `json:"channel"`
			Country string `json:"country"`
			Bytes   int64  `json:"bytes"`
			NbReqs  int64  `json:"nb_reqs"`
			Clients uint64 `json:"clients"`
		} `json:"results"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("parsing response: %v", err)
	}
	if len(body.Results) != 2 {
		t.Fatalf("result count = %d, want 2: %s", len(body.Results), rec.Body.String())
	}

	var successSeen, failureSeen bool
	for _, r := range body.Results {
		switch r.Network {
		case "GE":
			successSeen = true
			if r.Bytes != 98304 || r.NbReqs != 1 || r.Clients != 1 {
				t.Errorf("success row = %+v", r)
			}
		case "":
			failureSeen = true
			if r.Bytes != 0 || r.NbReqs != 0 || r.Clients != 1 {
				t.Errorf("failure row = %+v", r)
			}
			if r.Country != "ID" {
				t.Errorf("failure country = %q", r.Country)
			}
		}
	}
	if !successSeen || !failureSeen {
		t.Errorf("rows missing: success=%v failure=%v", successSeen, failureSeen)
	}
}

func TestSubmitDuplicateRejected(t *testing.T) {
	e := newTestEnv(t)

	if rec := e.submitPayload(t, testPayload("2020-10-01T00:00:00Z")); rec.Code != http.StatusOK {
		t.Fatalf("first submit = %d", rec.Code)
	}
	rec := e.submitPayload(t, testPayload("2020-10-02T00:00:00Z"))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("duplicate submit = %d, want 400", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "already exists") {
		t.Errorf("duplicate body = %s", rec.Body.String())
	}
}

func TestSubmitAuth(t *testing.T) {
	e := newTestEnv(t)
	payload := testPayload("2020-10-01T00:00:00Z")

	tests := []struct {
		name    string
		headers map[string]string
		want    int
	}{
		{"no token", nil, http.StatusUnauthorized},
		{"unknown token", map[string]string{"Authentication": "Bearer nope"}, http.StatusForbidden},
		{"expired token", map[string]string{"Authentication": "Bearer stale-secret"}, http.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := e.do(t, http.MethodPost, "/submit", []byte(payload), tt.headers)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}

	// The rejected submissions stored nothing.
	token := e.signedToken(t, "/epos/odc-ops")
	rec := e.do(t, http.MethodPost, "/dataselect/restricted?start=2020-01&format=json", token, nil)
	var body struct {
		Results []json.RawMessage `json:"results"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if len(body.Results) != 0 {
		t.Errorf("results = %d, want 0", len(body.Results))
	}
}

func TestSubmitMalformed(t *testing.T) {
	e := newTestEnv(t)
	rec := e.submitPayload(t, `{"version": "1.0.0"}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestSubmitMethodNotAllowed(t *testing.T) {
	e := newTestEnv(t)
	rec := e.do(t, http.MethodGet, "/submit", nil,
		map[string]string{"Authentication": "Bearer node-secret"})
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", rec.Code)
	}
}

func TestSubmitPutReplaces(t *testing.T) {
	e := newTestEnv(t)

	if rec := e.submitPayload(t, testPayload("2020-10-01T00:00:00Z")); rec.Code != http.StatusOK {
		t.Fatalf("first submit = %d", rec.Code)
	}

	replacement := fmt.Sprintf(`{
		"version": "1.0.0",
		"generated_at": "2020-10-03T00:00:00Z",
		"days_coverage": ["2020-09-18"],
		"stats": [
			{"month": "2020-09-01", "network": "GE", "station": "EIL", "location": "",
			 "channel": "BHZ", "country": "US", "bytes": 7, "nb_requests": 1,
			 "nb_successful_requests": 1, "nb_unsuccessful_requests": 0, "clients": "%s"}
		]
	}`, clientsHex("carol"))
	rec := e.do(t, http.MethodPut, "/submit", []byte(replacement),
		map[string]string{"Authentication": "Bearer " + e.bearer})
	if rec.Code != http.StatusOK {
		t.Fatalf("put = %d, body %s", rec.Code, rec.Body.String())
	}

	token := e.signedToken(t, "/epos/odc-ops")
	rec = e.do(t, http.MethodPost, "/dataselect/restricted?start=2020-09&level=channel&network=GE&format=json", token, nil)
	var body struct {
		Results []struct {
			Bytes int64 `json:"bytes"`
		} `json:"results"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if len(body.Results) != 1 || body.Results[0].Bytes != 7 {
		t.Errorf("replaced results = %+v", body.Results)
	}
}

func TestPublicCollapsesRestricted(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	payload := fmt.Sprintf(`{
		"version": "1.0.0",
		"generated_at": "2024-02-01T00:00:00Z",
		"days_coverage": ["2024-01-10"],
		"stats": [
			{"month": "2024-01-01", "network": "XX", "station": "SEC", "location": "--",
			 "channel": "HHZ", "country": "NL", "bytes": 70, "nb_requests": 1,
			 "nb_successful_requests": 1, "nb_unsuccessful_requests": 0, "clients": "%s"},
			{"month": "2024-01-01", "network": "NL", "station": "HGN", "location": "--",
			 "channel": "HHZ", "country": "NL", "bytes": 100, "nb_requests": 1,
			 "nb_successful_requests": 1, "nb_unsuccessful_requests": 0, "clients": "%s"}
		]
	}`, clientsHex("bob"), clientsHex("alice"))
	if rec := e.submitPayload(t, payload); rec.Code != http.StatusOK {
		t.Fatalf("submit = %d", rec.Code)
	}

	// Node default restricted; NL inverts to open, XX stays restricted.
	if err := e.store.SetNodePolicy(ctx, "ODC", true); err != nil {
		t.Fatal(err)
	}
	if err := e.store.SetNetworkInversion(ctx, "ODC", "NL", true); err != nil {
		t.Fatal(err)
	}
	if err := e.store.SetNetworkInversion(ctx, "ODC", "XX", false); err != nil {
		t.Fatal(err)
	}

	rec := e.do(t, http.MethodGet, "/dataselect/public?start=2024-01&level=network&format=json", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("public query = %d, body %s", rec.Code, rec.Body.String())
	}

	var body struct {
		Results []struct {
			Node    string `json:"node"`
			Network string `json:"network"`
			Bytes   int64  `json:"bytes"`
		} `json:"results"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}

	var total int64
	var otherSeen, openSeen bool
	for _, r := range body.Results {
		total += r.Bytes
		if r.Network == "Other" {
			otherSeen = true
			if r.Node != "Other" || r.Bytes != 70 {
				t.Errorf("Other row = %+v", r)
			}
		}
		if r.Network == "NL" {
			openSeen = true
		}
		if r.Network == "XX" {
			t.Error("restricted network visible on public endpoint")
		}
	}
	if !otherSeen || !openSeen {
		t.Errorf("rows = %+v", body.Results)
	}
	if total != 170 {
		t.Errorf("total bytes = %d, want 170 (collapse preserves totals)", total)
	}
}

func TestRestrictedQueryAuth(t *testing.T) {
	e := newTestEnv(t)

	rec := e.do(t, http.MethodPost, "/dataselect/restricted?start=2024-01", []byte("not a token"), nil)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("bad token status = %d, want 401", rec.Code)
	}
}

func TestDetailsConflict(t *testing.T) {
	e := newTestEnv(t)
	rec := e.do(t, http.MethodGet, "/dataselect/public?start=2024-01&details=month&details=year", nil, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "Only one of 'month' or 'year'") {
		t.Errorf("body = %s", rec.Body.String())
	}
}

func TestWildcardStationFilter(t *testing.T) {
	e := newTestEnv(t)

	var stats []string
	for _, station := range []string{"EIL", "EI2", "XYZ"} {
		stats = append(stats, fmt.Sprintf(
			`{"month": "2024-01-01", "network": "GE", "station": "%s", "location": "--",
			  "channel": "HHZ", "country": "DE", "bytes": 10, "nb_requests": 1,
			  "nb_successful_requests": 1, "nb_unsuccessful_requests": 0, "clients": "%s"}`,
			station, clientsHex("c-"+station)))
	}
	payload := fmt.Sprintf(`{"version": "1.0.0", "generated_at": "2024-02-01T00:00:00Z",
		"days_coverage": ["2024-01-10"], "stats": [%s]}`, strings.Join(stats, ","))
	if rec := e.submitPayload(t, payload); rec.Code != http.StatusOK {
		t.Fatalf("submit = %d, body %s", rec.Code, rec.Body.String())
	}

	token := e.signedToken(t, "/epos/odc-ops")
	rec := e.do(t, http.MethodPost,
		"/dataselect/restricted?start=2024-01&level=station&network=GE&station=EI*&format=json", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("query = %d, body %s", rec.Code, rec.Body.String())
	}

	var body struct {
		Results []struct {
			Station string `json:"station"`
		} `json:"results"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	stationsSeen := make(map[string]bool)
	for _, r := range body.Results {
		stationsSeen[r.Station] = true
	}
	if !stationsSeen["EIL"] || !stationsSeen["EI2"] || stationsSeen["XYZ"] {
		t.Errorf("stations = %v, want EIL and EI2 only", stationsSeen)
	}
}

func TestMetaEndpoints(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	if rec := e.submitPayload(t, testPayload("2020-10-01T00:00:00Z")); rec.Code != http.StatusOK {
		t.Fatal("submit failed")
	}
	if err := e.store.SetNodePolicy(ctx, "ODC", true); err != nil {
		t.Fatal(err)
	}
	if err := e.store.SetNetworkInversion(ctx, "ODC", "GE", false); err != nil {
		t.Fatal(err)
	}

	rec := e.do(t, http.MethodGet, "/_nodes", nil, nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"ODC"`) {
		t.Errorf("_nodes = %d %s", rec.Code, rec.Body.String())
	}

	rec = e.do(t, http.MethodGet, "/_networks", nil, nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"GE"`) {
		t.Errorf("_networks = %d %s", rec.Code, rec.Body.String())
	}

	rec = e.do(t, http.MethodGet, "/_isRestricted?node=ODC&network=GE", nil, nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"yes"`) {
		t.Errorf("_isRestricted = %d %s", rec.Code, rec.Body.String())
	}

	rec = e.do(t, http.MethodGet, "/_isRestricted?node=ODC&network=ZZ", nil, nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("unknown pair = %d, want 400", rec.Code)
	}

	rec = e.do(t, http.MethodGet, "/node_restriction_policy?node=ODC", nil, nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"1"`) {
		t.Errorf("node policy = %d %s", rec.Code, rec.Body.String())
	}

	rec = e.do(t, http.MethodGet, "/network_restriction_policy?node=ODC&network=GE", nil, nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"invert_policy":false`) {
		t.Errorf("network policy = %d %s", rec.Code, rec.Body.String())
	}
}

func TestSetPolicyEndpoints(t *testing.T) {
	e := newTestEnv(t)

	if rec := e.submitPayload(t, testPayload("2020-10-01T00:00:00Z")); rec.Code != http.StatusOK {
		t.Fatal("submit failed")
	}

	operatorToken := e.signedToken(t, "/epos/odc-ops")
	outsiderToken := e.signedToken(t, "/epos/somebody-else")

	rec := e.do(t, http.MethodPost, "/node_restriction_policy?node=ODC&policy=1", outsiderToken, nil)
	if rec.Code != http.StatusForbidden {
		t.Errorf("outsider set policy = %d, want 403", rec.Code)
	}

	rec = e.do(t, http.MethodPost, "/node_restriction_policy?node=ODC&policy=1", operatorToken, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("operator set policy = %d, body %s", rec.Code, rec.Body.String())
	}

	rec = e.do(t, http.MethodPost, "/node_restriction_policy?node=ODC&policy=2", operatorToken, nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad policy value = %d, want 400", rec.Code)
	}

	rec = e.do(t, http.MethodPost, "/network_restriction_policy?node=ODC&network=GE&invert_policy=0", operatorToken, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("set network policy = %d, body %s", rec.Code, rec.Body.String())
	}

	rec = e.do(t, http.MethodGet, "/_isRestricted?node=ODC&network=GE", nil, nil)
	if !strings.Contains(rec.Body.String(), `"yes"`) {
		t.Errorf("_isRestricted after updates = %s", rec.Body.String())
	}
}
