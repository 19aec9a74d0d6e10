package models

import "time"

// Node is one data center participating in the federation.
type Node struct {
	ID        int64      `json:"id"`
	Name      string     `json:"name"`
	Contact   string     `json:"contact,omitempty"`
	CreatedAt time.Time  `json:"created_at,omitempty"`
	UpdatedAt *time.Time `json:"updated_at,omitempty"`

	// RestrictionPolicy is the node-wide default: nil means not yet
	// defined, true means networks are restricted unless inverted.
	RestrictionPolicy *bool `json:"restriction_policy"`

	// EasGroup is the authorization group whose members operate the node.
	EasGroup *string `json:"eas_group,omitempty"`
}

// Network is a seismic network bound to exactly one node. Its primary key is
// (NodeID, Name). Networks are auto-created on first ingestion of a
// statistic mentioning them, with InvertedPolicy unset.
type Network struct {
	NodeID int64  `json:"node_id"`
	Name   string `json:"name"`

	// InvertedPolicy flips the node's default restriction policy for this
	// network; nil means not yet defined.
	InvertedPolicy *bool `json:"inverted_policy"`

	// EasGroup is the group authorized to view this network when it is
	// restricted; falls back to the node's group when nil.
	EasGroup *string `json:"eas_group,omitempty"`
}

// Token is an opaque per-node bearer secret for statistics submission.
// It authenticates only while ValidFrom <= now < ValidUntil.
type Token struct {
	ID         int64
	NodeID     int64
	Value      string
	ValidFrom  time.Time
	ValidUntil time.Time
}

// Valid reports whether the token authenticates at the given instant.
func (t Token) Valid(now time.Time) bool {
	return !now.Before(t.ValidFrom) && now.Before(t.ValidUntil)
}

// PayloadReceipt records one accepted submission. (NodeID, Hash) is unique;
// a second submission with the same content hash is rejected.
type PayloadReceipt struct {
	NodeID      int64
	Hash        int64
	Version     string
	GeneratedAt string
	Coverage    []string
}
