// Package postgres provides the PostgreSQL storage backend used by the
// federation-scale deployment.
package postgres

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/eida/eidastats/pkg/models"
)

//go:embed schema.sql
var schemaSQL string

// uniqueViolation is the SQLSTATE raised by duplicate-key inserts.
const uniqueViolation = "23505"

// Store is a PostgreSQL-backed statistics store.
type Store struct {
	db *sql.DB
}

// New connects to the database described by dsn and applies the schema.
func New(dsn string, maxOpenConns int) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	db.SetMaxOpenConns(maxOpenConns)
	db.SetConnMaxIdleTime(5 * time.Minute)

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// Health pings the database and verifies the privileges the service needs on
// its tables.
func (s *Store) Health(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping: %w", err)
	}

	checks := []struct {
		table      string
		privileges string
	}{
		{"nodes", "SELECT, UPDATE"},
		{"networks", "SELECT, INSERT, UPDATE"},
		{"tokens", "SELECT"},
		{"payloads", "SELECT, INSERT"},
		{"dataselect_stats", "SELECT, INSERT, UPDATE"},
	}
	for _, c := range checks {
		var ok bool
		err := s.db.QueryRowContext(ctx,
			"SELECT has_table_privilege(current_user, $1, $2)",
			c.table, c.privileges).Scan(&ok)
		if err != nil {
			return fmt.Errorf("probing table %s: %w", c.table, err)
		}
		if !ok {
			return fmt.Errorf("missing privileges %s on table %s", c.privileges, c.table)
		}
	}
	return nil
}

// NodeByToken resolves a bearer token to its node, enforcing the validity
// window.
func (s *Store) NodeByToken(ctx context.Context, value string, now time.Time) (*models.Node, error) {
	var (
		node  models.Node
		token models.Token
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT n.id, n.name, n.contact, n.restriction_policy, n.eas_group,
		       t.valid_from, t.valid_until
		FROM tokens t
		JOIN nodes n ON n.id = t.node_id
		WHERE t.value = $1`, value).
		Scan(&node.ID, &node.Name, &node.Contact, &node.RestrictionPolicy, &node.EasGroup,
			&token.ValidFrom, &token.ValidUntil)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrInvalidBearerToken
	}
	if err != nil {
		return nil, fmt.Errorf("querying token: %w", err)
	}
	if !token.Valid(now) {
		return nil, models.ErrInvalidBearerToken
	}
	return &node, nil
}

// ListNodes returns every registered node.
func (s *Store) ListNodes(ctx context.Context) ([]models.Node, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, contact, restriction_policy, eas_group
		FROM nodes ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("querying nodes: %w", err)
	}
	defer rows.Close()

	var nodes []models.Node
	for rows.Next() {
		var n models.Node
		if err := rows.Scan(&n.ID, &n.Name, &n.Contact, &n.RestrictionPolicy, &n.EasGroup); err != nil {
			return nil, fmt.Errorf("scanning node: %w", err)
		}
		nodes = append(nodes, n)
	}
	return nodes, rows.Err()
}

// ListNetworks returns every known network.
func (s *Store) ListNetworks(ctx context.Context) ([]models.Network, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT node_id, name, inverted_policy, eas_group
		FROM networks ORDER BY node_id, name`)
	if err != nil {
		return nil, fmt.Errorf("querying networks: %w", err)
	}
	defer rows.Close()

	var networks []models.Network
	for rows.Next() {
		var n models.Network
		if err := rows.Scan(&n.NodeID, &n.Name, &n.InvertedPolicy, &n.EasGroup); err != nil {
			return nil, fmt.Errorf("scanning network: %w", err)
		}
		networks = append(networks, n)
	}
	return networks, rows.Err()
}

// NodeByName looks a node up by name.
func (s *Store) NodeByName(ctx context.Context, name string) (*models.Node, error) {
	var n models.Node
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, contact, restriction_policy, eas_group
		FROM nodes WHERE name = $1`, name).
		Scan(&n.ID, &n.Name, &n.Contact, &n.RestrictionPolicy, &n.EasGroup)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNoMatchingEntry
	}
	if err != nil {
		return nil, fmt.Errorf("querying node: %w", err)
	}
	return &n, nil
}

// NetworkByName looks a network up within a node.
func (s *Store) NetworkByName(ctx context.Context, nodeID int64, name string) (*models.Network, error) {
	var n models.Network
	err := s.db.QueryRowContext(ctx, `
		SELECT node_id, name, inverted_policy, eas_group
		FROM networks WHERE node_id = $1 AND name = $2`, nodeID, name).
		Scan(&n.NodeID, &n.Name, &n.InvertedPolicy, &n.EasGroup)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNoMatchingEntry
	}
	if err != nil {
		return nil, fmt.Errorf("querying network: %w", err)
	}
	return &n, nil
}

// SetNodePolicy updates a node's default restriction policy.
func (s *Store) SetNodePolicy(ctx context.Context, nodeName string, restricted bool) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE nodes SET restriction_policy = $1, updated_at = now()
		WHERE name = $2`, restricted, nodeName)
	if err != nil {
		return fmt.Errorf("updating node policy: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("reading update result: %w", err)
	}
	if affected == 0 {
		return models.ErrNoMatchingEntry
	}
	return nil
}

// SetNetworkInversion updates a network's policy inversion flag.
func (s *Store) SetNetworkInversion(ctx context.Context, nodeName, networkName string, inverted bool) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE networks SET inverted_policy = $1
		WHERE name = $2 AND node_id = (SELECT id FROM nodes WHERE name = $3)`,
		inverted, networkName, nodeName)
	if err != nil {
		return fmt.Errorf("updating network policy: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("reading update result: %w", err)
	}
	if affected == 0 {
		return models.ErrNoMatchingEntry
	}
	return nil
}

// isUniqueViolation reports whether err is a duplicate-key error.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}
