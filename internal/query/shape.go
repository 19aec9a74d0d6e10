package query

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
)

// ResponseVersion labels the response body format.
const ResponseVersion = "1.0.0"

// jsonRow is the JSON wire shape of one result row. Country is a pointer so
// an unknown country renders as null rather than an empty string.
type jsonRow struct {
	Date             string  `json:"date"`
	Node             string  `json:"node"`
	Network          string  `json:"network"`
	Station          string  `json:"station"`
	Location         string  `json:"location"`
	Channel          string  `json:"channel"`
	Country          *string `json:"country"`
	Bytes            int64   `json:"bytes"`
	NbReqs           int64   `json:"nb_reqs"`
	NbSuccessfulReqs int64   `json:"nb_successful_reqs"`
	Clients          uint64  `json:"clients"`
	HLLClients       string  `json:"hll_clients,omitempty"`
}

// jsonBody is the envelope of a JSON statistics response.
type jsonBody struct {
	Version           string    `json:"version"`
	RequestParameters string    `json:"request_parameters"`
	Results           []jsonRow `json:"results"`
}

// WriteJSON renders the rows as the JSON response body.
func WriteJSON(w io.Writer, plan *Plan, rows []Row) error {
	body := jsonBody{
		Version:           ResponseVersion,
		RequestParameters: plan.RawQuery,
		Results:           make([]jsonRow, 0, len(rows)),
	}
	for _, r := range rows {
		var country *string
		if r.Country != "" {
			c := r.Country
			country = &c
		}
		body.Results = append(body.Results, jsonRow{
			Date:             r.Date,
			Node:             r.Node,
			Network:          r.Network,
			Station:          r.Station,
			Location:         r.Location,
			Channel:          r.Channel,
			Country:          country,
			Bytes:            r.Bytes,
			NbReqs:           r.NbReqs,
			NbSuccessfulReqs: r.NbSuccessfulReqs,
			Clients:          r.Clients,
			HLLClients:       r.HLL,
		})
	}
	enc := json.NewEncoder(w)
	return enc.Encode(body)
}

// csvColumns is the fixed column order of CSV responses.
var csvColumns = []string{
	"date", "node", "network", "station", "location", "channel", "country",
	"bytes", "nb_reqs", "nb_successful_reqs", "clients",
}

// WriteCSV renders the rows as the CSV response body: two #-prefixed header
// lines, the column header, then the data rows.
func WriteCSV(w io.Writer, plan *Plan, rows []Row) error {
	if _, err := fmt.Fprintf(w, "# version: %s\n", ResponseVersion); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "# request_parameters: %s\n", plan.RawQuery); err != nil {
		return err
	}

	cw := csv.NewWriter(w)
	header := csvColumns
	if plan.HLLValues {
		header = append(append([]string{}, csvColumns...), "hll_clients")
	}
	if err := cw.Write(header); err != nil {
		return err
	}
	for _, r := range rows {
		record := []string{
			r.Date, r.Node, r.Network, r.Station, r.Location, r.Channel, r.Country,
			strconv.FormatInt(r.Bytes, 10),
			strconv.FormatInt(r.NbReqs, 10),
			strconv.FormatInt(r.NbSuccessfulReqs, 10),
			strconv.FormatUint(r.Clients, 10),
		}
		if plan.HLLValues {
			record = append(record, r.HLL)
		}
		if err := cw.Write(record); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
