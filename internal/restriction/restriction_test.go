package restriction

import (
	"testing"

	"github.com/eida/eidastats/pkg/models"
)

func boolPtr(v bool) *bool    { return &v }
func strPtr(v string) *string { return &v }

func TestResolve(t *testing.T) {
	tests := []struct {
		name       string
		nodePolicy *bool
		inverted   *bool
		want       Status
	}{
		{"restricted node, normal network", boolPtr(true), boolPtr(false), Restricted},
		{"restricted node, inverted network", boolPtr(true), boolPtr(true), Open},
		{"open node, normal network", boolPtr(false), boolPtr(false), Open},
		{"open node, inverted network", boolPtr(false), boolPtr(true), Restricted},
		{"unset node policy", nil, boolPtr(false), Undefined},
		{"unset node policy inverted", nil, boolPtr(true), Undefined},
		{"unset network inversion", boolPtr(true), nil, Undefined},
		{"unset network inversion open", boolPtr(false), nil, Undefined},
		{"both unset", nil, nil, Undefined},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			node := models.Node{RestrictionPolicy: tt.nodePolicy}
			network := models.Network{InvertedPolicy: tt.inverted}
			if got := Resolve(node, network); got.Status != tt.want {
				t.Errorf("Resolve() = %v, want %v", got.Status, tt.want)
			}
		})
	}
}

func TestResolveGroupFallback(t *testing.T) {
	tests := []struct {
		name         string
		nodeGroup    *string
		networkGroup *string
		want         string
	}{
		{"network group wins", strPtr("node-group"), strPtr("net-group"), "net-group"},
		{"fallback to node group", strPtr("node-group"), nil, "node-group"},
		{"network group only", nil, strPtr("net-group"), "net-group"},
		{"no groups", nil, nil, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			node := models.Node{RestrictionPolicy: boolPtr(true), EasGroup: tt.nodeGroup}
			network := models.Network{InvertedPolicy: boolPtr(false), EasGroup: tt.networkGroup}
			if got := Resolve(node, network); got.Group != tt.want {
				t.Errorf("Resolve() group = %q, want %q", got.Group, tt.want)
			}
		})
	}
}

func TestAuthorizes(t *testing.T) {
	tests := []struct {
		name     string
		decision Decision
		groups   []string
		want     bool
	}{
		{"open authorizes anyone", Decision{Status: Open}, nil, true},
		{"restricted with matching group", Decision{Status: Restricted, Group: "epos"}, []string{"other", "epos"}, true},
		{"restricted without matching group", Decision{Status: Restricted, Group: "epos"}, []string{"other"}, false},
		{"restricted with no group set", Decision{Status: Restricted}, []string{"epos"}, false},
		{"undefined never authorizes", Decision{Status: Undefined, Group: "epos"}, []string{"epos"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.decision.Authorizes(tt.groups); got != tt.want {
				t.Errorf("Authorizes(%v) = %v, want %v", tt.groups, got, tt.want)
			}
		})
	}
}

func TestIsOperator(t *testing.T) {
	nodes := []models.Node{
		{Name: "RESIF", EasGroup: strPtr("resif-ops")},
		{Name: "ODC"},
		{Name: "GFZ", EasGroup: strPtr("gfz-ops")},
	}

	tests := []struct {
		name   string
		groups []string
		want   bool
	}{
		{"member of one node group", []string{"gfz-ops"}, true},
		{"member of no node group", []string{"unrelated"}, false},
		{"empty groups", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsOperator(tt.groups, nodes); got != tt.want {
				t.Errorf("IsOperator(%v) = %v, want %v", tt.groups, got, tt.want)
			}
		})
	}
}
