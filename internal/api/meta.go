package api

import (
	"net/http"

	"github.com/eida/eidastats/internal/restriction"
	"github.com/eida/eidastats/pkg/models"
)

// restrictedLabel renders the tri-state restriction outcome the way the
// policy endpoints expose it.
func restrictedLabel(status restriction.Status) string {
	switch status {
	case restriction.Restricted:
		return "yes"
	case restriction.Open:
		return "no"
	default:
		return "not yet defined"
	}
}

func (s *Server) listNodes(w http.ResponseWriter, r *http.Request) {
	nodes, err := s.store.ListNodes(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}

	type nodeEntry struct {
		Name              string `json:"name"`
		RestrictionPolicy *bool  `json:"restriction_policy"`
	}
	out := make([]nodeEntry, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, nodeEntry{Name: n.Name, RestrictionPolicy: n.RestrictionPolicy})
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"nodes": out})
}

func (s *Server) listNetworks(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	nodes, err := s.store.ListNodes(ctx)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	networks, err := s.store.ListNetworks(ctx)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	nodeByID := make(map[int64]models.Node, len(nodes))
	for _, n := range nodes {
		nodeByID[n.ID] = n
	}

	type networkEntry struct {
		Name              string `json:"name"`
		Node              string `json:"node"`
		RestrictionPolicy string `json:"restriction_policy"`
	}
	out := make([]networkEntry, 0, len(networks))
	for _, nw := range networks {
		node, ok := nodeByID[nw.NodeID]
		if !ok {
			continue
		}
		decision := restriction.Resolve(node, nw)
		out = append(out, networkEntry{
			Name:              nw.Name,
			Node:              node.Name,
			RestrictionPolicy: restrictedLabel(decision.Status),
		})
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"networks": out})
}

// lookupPair resolves the node and network named in the query string.
func (s *Server) lookupPair(r *http.Request) (*models.Node, *models.Network, error) {
	nodeName := r.URL.Query().Get("node")
	networkName := r.URL.Query().Get("network")
	if nodeName == "" || networkName == "" {
		return nil, nil, models.ErrNoMatchingEntry
	}
	node, err := s.store.NodeByName(r.Context(), nodeName)
	if err != nil {
		return nil, nil, err
	}
	network, err := s.store.NetworkByName(r.Context(), node.ID, networkName)
	if err != nil {
		return nil, nil, err
	}
	return node, network, nil
}

func (s *Server) isRestricted(w http.ResponseWriter, r *http.Request) {
	node, network, err := s.lookupPair(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	decision := restriction.Resolve(*node, *network)
	s.respondJSON(w, http.StatusOK, map[string]any{
		"restricted": restrictedLabel(decision.Status),
		"group":      decision.Group,
	})
}

func (s *Server) getNodePolicy(w http.ResponseWriter, r *http.Request) {
	nodeName := r.URL.Query().Get("node")
	if nodeName == "" {
		s.fail(w, r, models.ErrNoMatchingEntry)
		return
	}
	node, err := s.store.NodeByName(r.Context(), nodeName)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	var policy *string
	if node.RestrictionPolicy != nil {
		v := "0"
		if *node.RestrictionPolicy {
			v = "1"
		}
		policy = &v
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"restriction_policy": policy})
}

func (s *Server) getNetworkPolicy(w http.ResponseWriter, r *http.Request) {
	_, network, err := s.lookupPair(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{
		"invert_policy": network.InvertedPolicy,
		"eas_group":     network.EasGroup,
	})
}

// requireNodeOperator authenticates the signed token in the request body and
// checks the caller against the node's authorization group.
func (s *Server) requireNodeOperator(r *http.Request, node *models.Node) error {
	identity, err := s.authenticate(r)
	if err != nil {
		return err
	}
	if node.EasGroup == nil {
		return models.ErrNotAuthorized
	}
	for _, g := range identity.Groups {
		if g == *node.EasGroup {
			return nil
		}
	}
	return models.ErrNotAuthorized
}

func parsePolicyValue(name, v string) (bool, error) {
	switch v {
	case "1":
		return true, nil
	case "0":
		return false, nil
	default:
		return false, &models.BadValueError{Name: name}
	}
}

func (s *Server) setNodePolicy(w http.ResponseWriter, r *http.Request) {
	nodeName := r.URL.Query().Get("node")
	if nodeName == "" {
		s.fail(w, r, models.ErrNoMatchingEntry)
		return
	}
	node, err := s.store.NodeByName(r.Context(), nodeName)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.requireNodeOperator(r, node); err != nil {
		s.fail(w, r, err)
		return
	}
	value, err := parsePolicyValue("policy", r.URL.Query().Get("policy"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.store.SetNodePolicy(r.Context(), nodeName, value); err != nil {
		s.fail(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"restriction_policy": r.URL.Query().Get("policy")})
}

func (s *Server) setNetworkPolicy(w http.ResponseWriter, r *http.Request) {
	node, network, err := s.lookupPair(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.requireNodeOperator(r, node); err != nil {
		s.fail(w, r, err)
		return
	}
	value, err := parsePolicyValue("invert_policy", r.URL.Query().Get("invert_policy"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.store.SetNetworkInversion(r.Context(), node.Name, network.Name, value); err != nil {
		s.fail(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"invert_policy": r.URL.Query().Get("invert_policy")})
}
