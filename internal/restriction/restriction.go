// Package restriction resolves whether a network's statistics are open or
// restricted, and which authorization group may view them when restricted.
package restriction

import (
	"github.com/eida/eidastats/pkg/models"
)

// Status is the tri-state restriction outcome for a (node, network) pair.
type Status int

const (
	// Open means the statistics are public.
	Open Status = iota
	// Restricted means only members of the authorizing group may view them.
	Restricted
	// Undefined means either the node policy or the network inversion has
	// not been set yet, so no decision can be made.
	Undefined
)

func (s Status) String() string {
	switch s {
	case Open:
		return "open"
	case Restricted:
		return "restricted"
	default:
		return "undefined"
	}
}

// Decision is the resolved restriction of one network: its status plus the
// group that authorizes access when restricted.
type Decision struct {
	Status Status

	// Group is the authorizing group: the network's own group when set,
	// otherwise the node's. Empty when neither is set.
	Group string
}

// Resolve combines a node's default policy with a network's inversion flag.
// The network is restricted when exactly one of the two booleans is true;
// if either is unset the outcome is Undefined.
func Resolve(node models.Node, network models.Network) Decision {
	d := Decision{Status: Undefined}

	if network.EasGroup != nil {
		d.Group = *network.EasGroup
	} else if node.EasGroup != nil {
		d.Group = *node.EasGroup
	}

	if node.RestrictionPolicy == nil || network.InvertedPolicy == nil {
		return d
	}
	if *node.RestrictionPolicy != *network.InvertedPolicy {
		d.Status = Restricted
	} else {
		d.Status = Open
	}
	return d
}

// IsOperator reports whether any of the caller's groups matches the eas_group
// of any node, which grants operator privileges across the federation.
func IsOperator(groups []string, nodes []models.Node) bool {
	for _, n := range nodes {
		if n.EasGroup == nil {
			continue
		}
		for _, g := range groups {
			if g == *n.EasGroup {
				return true
			}
		}
	}
	return false
}

// Authorizes reports whether the caller's groups include the decision's
// authorizing group. An Open decision authorizes everyone; Undefined and
// group-less Restricted decisions authorize nobody.
func (d Decision) Authorizes(groups []string) bool {
	if d.Status == Open {
		return true
	}
	if d.Status == Undefined || d.Group == "" {
		return false
	}
	for _, g := range groups {
		if g == d.Group {
			return true
		}
	}
	return false
}
