// Package query validates statistics requests, plans their execution and
// shapes the aggregated results. The plan is an explicit value so the SQL
// and aggregation shape is testable without a database.
package query

import (
	"github.com/eida/eidastats/internal/storage"
)

// Endpoint identifies which statistics endpoint a request arrived on; the
// allow-lists and the restriction handling differ per endpoint.
type Endpoint int

const (
	// Public serves aggregated statistics without authentication and
	// collapses every restricted network.
	Public Endpoint = iota
	// Restricted serves aggregated statistics to authenticated callers
	// with caller-specific collapsing.
	Restricted
	// Raw serves unaggregated rows to authenticated callers.
	Raw
)

// Levels of aggregation depth, from coarsest to finest.
const (
	LevelNode     = "node"
	LevelNetwork  = "network"
	LevelStation  = "station"
	LevelLocation = "location"
	LevelChannel  = "channel"
)

// Plan is one validated statistics request, ready for execution.
type Plan struct {
	Endpoint Endpoint

	// Level selects how far down the channel tree results are grouped.
	Level string

	// WithMonth/WithYear/WithCountry mirror the details parameter; month
	// and year are mutually exclusive.
	WithMonth   bool
	WithYear    bool
	WithCountry bool

	// Format is "csv" or "json".
	Format string

	// HLLValues emits the serialized sketch alongside each cardinality.
	HLLValues bool

	// Filter is the row-level selection pushed to the store.
	Filter storage.StatQuery

	// RawQuery is the original query string, echoed in responses.
	RawQuery string
}

// projectsNetwork reports whether the plan's output carries the network
// dimension, which is what the "Other" collapse operates on.
func (p *Plan) projectsNetwork() bool {
	return p.Endpoint == Raw || p.Level != LevelNode
}

// projectsStation, projectsLocation, projectsChannel follow the level chain.
func (p *Plan) projectsStation() bool {
	return p.Endpoint == Raw ||
		p.Level == LevelStation || p.Level == LevelLocation || p.Level == LevelChannel
}

func (p *Plan) projectsLocation() bool {
	return p.Endpoint == Raw || p.Level == LevelLocation || p.Level == LevelChannel
}

func (p *Plan) projectsChannel() bool {
	return p.Endpoint == Raw || p.Level == LevelChannel
}

func (p *Plan) projectsDate() bool {
	return p.Endpoint == Raw || p.WithMonth || p.WithYear
}

func (p *Plan) projectsCountry() bool {
	return p.Endpoint == Raw || p.WithCountry
}
