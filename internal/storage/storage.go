// Package storage defines the persistence interface of the statistics
// service and the query filter model shared by its backends.
package storage

import (
	"context"
	"time"

	"github.com/eida/eidastats/pkg/models"
)

// Store is the persistence interface. Two backends implement it: an embedded
// SQLite store for single-instance deployments and tests, and a PostgreSQL
// store for the federation-scale service.
type Store interface {
	// Health verifies connectivity and access to the service tables.
	Health(ctx context.Context) error

	// Close releases the underlying connections.
	Close() error

	// NodeByToken resolves a bearer token value to its node. The token
	// must be inside its validity window at the given instant; otherwise
	// models.ErrInvalidBearerToken is returned.
	NodeByToken(ctx context.Context, value string, now time.Time) (*models.Node, error)

	// ListNodes returns every registered node.
	ListNodes(ctx context.Context) ([]models.Node, error)

	// ListNetworks returns every known network with its node name resolved
	// through NodeID.
	ListNetworks(ctx context.Context) ([]models.Network, error)

	// NodeByName looks a node up by name; models.ErrNoMatchingEntry when
	// absent.
	NodeByName(ctx context.Context, name string) (*models.Node, error)

	// NetworkByName looks a network up by node and name;
	// models.ErrNoMatchingEntry when absent.
	NetworkByName(ctx context.Context, nodeID int64, name string) (*models.Network, error)

	// SetNodePolicy updates a node's default restriction policy.
	SetNodePolicy(ctx context.Context, nodeName string, restricted bool) error

	// SetNetworkInversion updates a network's policy inversion flag.
	SetNetworkInversion(ctx context.Context, nodeName, networkName string, inverted bool) error

	// RegisterSubmission stores one accepted payload in a single
	// transaction: the receipt first, then every statistic. Networks
	// mentioned by the statistics are created on first sight. When replace
	// is false, statistics that already exist are merged (counters add,
	// client sketches union); when true they are overwritten. A receipt
	// collision on (node, hash) yields models.ErrDuplicateSubmission and
	// nothing is stored.
	RegisterSubmission(ctx context.Context, receipt models.PayloadReceipt, stats []*models.DataselectStat, replace bool) error

	// QueryStats returns the raw statistic rows matching the filter,
	// joined with their node name, ordered by date.
	QueryStats(ctx context.Context, q StatQuery) ([]models.StatRow, error)
}

// StatQuery is the row-level filter applied by QueryStats. Aggregation,
// restriction handling and output shaping happen above the store.
type StatQuery struct {
	// Start and End bound the month column, inclusive, as YYYY-MM-01
	// strings. Start is always set; End may be empty.
	Start string
	End   string

	// Each slice is a disjunction; empty means no constraint on that
	// column. Values may carry SQL wildcards (translated from * and ?
	// during request validation).
	Nodes     []string
	Networks  []string
	Stations  []string
	Locations []string
	Channels  []string
	Countries []string
}
