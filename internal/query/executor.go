package query

import (
	"sort"
	"strings"

	"github.com/eida/eidastats/internal/restriction"
	"github.com/eida/eidastats/pkg/hyperloglog"
	"github.com/eida/eidastats/pkg/models"
)

// OtherBucket is the label of the pseudo-row that absorbs rows the caller is
// not allowed to see.
const OtherBucket = "Other"

// Caller describes the requesting user for authorization purposes.
type Caller struct {
	// Operator callers see everything.
	Operator bool
	// Groups are the caller's normalized group memberships.
	Groups []string
}

// PolicyIndex resolves restriction decisions for (node, network) pairs. It
// is built once per request from the stored nodes and networks.
type PolicyIndex struct {
	nodes    map[string]models.Node
	networks map[string]map[string]models.Network
}

// NewPolicyIndex indexes the nodes and networks by name.
func NewPolicyIndex(nodes []models.Node, networks []models.Network) *PolicyIndex {
	ix := &PolicyIndex{
		nodes:    make(map[string]models.Node, len(nodes)),
		networks: make(map[string]map[string]models.Network),
	}
	nameByID := make(map[int64]string, len(nodes))
	for _, n := range nodes {
		ix.nodes[n.Name] = n
		nameByID[n.ID] = n.Name
	}
	for _, nw := range networks {
		nodeName, ok := nameByID[nw.NodeID]
		if !ok {
			continue
		}
		if ix.networks[nodeName] == nil {
			ix.networks[nodeName] = make(map[string]models.Network)
		}
		ix.networks[nodeName][nw.Name] = nw
	}
	return ix
}

// Nodes returns the indexed nodes.
func (ix *PolicyIndex) Nodes() []models.Node {
	out := make([]models.Node, 0, len(ix.nodes))
	for _, n := range ix.nodes {
		out = append(out, n)
	}
	return out
}

// Decide resolves the restriction of one (node, network) pair. The second
// return value is false when the pair is unknown.
func (ix *PolicyIndex) Decide(node, network string) (restriction.Decision, bool) {
	n, ok := ix.nodes[node]
	if !ok {
		return restriction.Decision{Status: restriction.Undefined}, false
	}
	nw, ok := ix.networks[node][network]
	if !ok {
		return restriction.Decision{Status: restriction.Undefined}, false
	}
	return restriction.Resolve(n, nw), true
}

// Gate rejects a restricted-endpoint request up front when the caller asked
// for specific networks they may not see. Wildcarded values are not gated
// here; their rows are collapsed after execution instead.
func Gate(plan *Plan, caller Caller, ix *PolicyIndex) error {
	if plan.Endpoint == Public || caller.Operator {
		return nil
	}
	for _, value := range plan.Filter.Networks {
		if strings.ContainsAny(value, "%_") {
			continue
		}
		matched := false
		for nodeName, networks := range ix.networks {
			if len(plan.Filter.Nodes) > 0 && !containsExact(plan.Filter.Nodes, nodeName) {
				continue
			}
			if _, ok := networks[value]; !ok {
				continue
			}
			matched = true
			decision, _ := ix.Decide(nodeName, value)
			if decision.Status == restriction.Restricted && !decision.Authorizes(caller.Groups) {
				return models.ErrNotAuthorized
			}
		}
		if !matched {
			return models.ErrNoMatchingEntry
		}
	}
	return nil
}

func containsExact(values []string, v string) bool {
	for _, candidate := range values {
		if candidate == v {
			return true
		}
	}
	return false
}

// Row is one shaped result. Dimension fields that are not part of the
// projection carry the literal "*".
type Row struct {
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

	// Clients is the estimated number of unique clients; HLL carries the
	// serialized sketch when requested.
	Clients uint64
	HLL     string
}

type rowKey struct {
	date, node, network, station, location, channel, country string
}

type rowAgg struct {
	bytes, nbReqs, nbSuccessful int64
	clients                     *hyperloglog.Sketch
}

// Execute folds the store rows into the plan's projection, applying the
// restriction collapse for callers that may not see every network.
func Execute(plan *Plan, caller Caller, ix *PolicyIndex, rows []models.StatRow) ([]Row, error) {
	if plan.Endpoint == Raw {
		return executeRaw(plan, caller, ix, rows)
	}

	buckets := make(map[rowKey]*rowAgg)
	order := make([]rowKey, 0)

	for _, r := range rows {
		key, err := projectKey(plan, caller, ix, r)
		if err != nil {
			return nil, err
		}

		sketch, err := hyperloglog.FromBytes(r.Clients)
		if err != nil {
			return nil, err
		}

		agg, ok := buckets[key]
		if !ok {
			agg = &rowAgg{clients: hyperloglog.New(sketch.Precision())}
			buckets[key] = agg
			order = append(order, key)
		}
		agg.bytes += r.Bytes
		agg.nbReqs += r.NbReqs
		agg.nbSuccessful += r.NbSuccessfulReqs
		if err := agg.clients.Union(sketch); err != nil {
			return nil, err
		}
	}

	sortKeys(order)

	out := make([]Row, 0, len(order))
	for _, key := range order {
		agg := buckets[key]
		row := Row{
			Date:             key.date,
			Node:             key.node,
			Network:          key.network,
			Station:          key.station,
			Location:         key.location,
			Channel:          key.channel,
			Country:          key.country,
			Bytes:            agg.bytes,
			NbReqs:           agg.nbReqs,
			NbSuccessfulReqs: agg.nbSuccessful,
			Clients:          agg.clients.Cardinality(),
		}
		if plan.HLLValues {
			row.HLL = models.EncodeClientsBytes(agg.clients.ToBytes())
		}
		out = append(out, row)
	}
	return out, nil
}

// projectKey maps one store row onto its output bucket, collapsing into the
// "Other" bucket when the caller may not see the row's network.
func projectKey(plan *Plan, caller Caller, ix *PolicyIndex, r models.StatRow) (rowKey, error) {
	key := rowKey{
		date: "*", node: "*", network: "*",
		station: "*", location: "*", channel: "*", country: "*",
	}
	if plan.WithMonth {
		key.date = r.Date
	} else if plan.WithYear {
		key.date = r.Date[:4]
	}
	if plan.projectsCountry() {
		key.country = r.Country
	}

	key.node = r.Node
	if plan.projectsNetwork() {
		key.network = r.Network
	}
	if plan.projectsStation() {
		key.station = r.Station
	}
	if plan.projectsLocation() {
		key.location = r.Location
	}
	if plan.projectsChannel() {
		key.channel = r.Channel
	}

	if collapse(plan, caller, ix, r) {
		key.node = OtherBucket
		if plan.projectsNetwork() {
			key.network = OtherBucket
		}
		if plan.projectsStation() {
			key.station = OtherBucket
		}
		if plan.projectsLocation() {
			key.location = OtherBucket
		}
		if plan.projectsChannel() {
			key.channel = OtherBucket
		}
	}
	return key, nil
}

// collapse reports whether the caller may not see this row's network.
func collapse(plan *Plan, caller Caller, ix *PolicyIndex, r models.StatRow) bool {
	if caller.Operator && plan.Endpoint != Public {
		return false
	}
	decision, known := ix.Decide(r.Node, r.Network)
	if !known || decision.Status != restriction.Restricted {
		return false
	}
	if plan.Endpoint == Public {
		return true
	}
	return !decision.Authorizes(caller.Groups)
}

// executeRaw emits one output row per store row; rows the caller may not see
// are omitted entirely since there is no aggregate to fold them into.
func executeRaw(plan *Plan, caller Caller, ix *PolicyIndex, rows []models.StatRow) ([]Row, error) {
	out := make([]Row, 0, len(rows))
	for _, r := range rows {
		if collapse(plan, caller, ix, r) {
			continue
		}
		sketch, err := hyperloglog.FromBytes(r.Clients)
		if err != nil {
			return nil, err
		}
		row := Row{
			Date:             r.Date,
			Node:             r.Node,
			Network:          r.Network,
			Station:          r.Station,
			Location:         r.Location,
			Channel:          r.Channel,
			Country:          r.Country,
			Bytes:            r.Bytes,
			NbReqs:           r.NbReqs,
			NbSuccessfulReqs: r.NbSuccessfulReqs,
			Clients:          sketch.Cardinality(),
		}
		if plan.HLLValues {
			row.HLL = models.EncodeClientsBytes(r.Clients)
		}
		out = append(out, row)
	}
	return out, nil
}

func sortKeys(keys []rowKey) {
	sort.Slice(keys, func(i, j int) bool {
		a, b := keys[i], keys[j]
		if a.date != b.date {
			return a.date < b.date
		}
		if a.node != b.node {
			return a.node < b.node
		}
		if a.network != b.network {
			return a.network < b.network
		}
		if a.station != b.station {
			return a.station < b.station
		}
		if a.location != b.location {
			return a.location < b.location
		}
		if a.channel != b.channel {
			return a.channel < b.channel
		}
		return a.country < b.country
	})
}
