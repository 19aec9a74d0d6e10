// Package sqlite provides the embedded SQLite storage backend.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/eida/eidastats/pkg/models"
	_ "modernc.org/sqlite"
)

//go:embed migrations/001_initial_schema.up.sql
var migrationSQL string

const timeLayout = "2006-01-02T15:04:05Z"

// Store is a SQLite-backed statistics store.
type Store struct {
	db *sql.DB
}

// New opens (and if needed creates) the database at path and applies the
// schema.
func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Set pragmas for performance
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("setting pragma: %w", err)
		}
	}

	if _, err := db.Exec(migrationSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Health pings the database and probes the access the service needs: reads
// on every table, writes on the stat and payload tables. Write probes run
// inside a transaction that is always rolled back.
func (s *Store) Health(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping: %w", err)
	}
	for _, table := range []string{"nodes", "networks", "tokens", "dataselect_stats", "payloads"} {
		var n int
		query := fmt.Sprintf("SELECT COUNT(*) FROM %s LIMIT 1", table)
		if err := s.db.QueryRowContext(ctx, query).Scan(&n); err != nil {
			return fmt.Errorf("probing table %s: %w", table, err)
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning probe transaction: %w", err)
	}
	defer tx.Rollback()

	probes := []string{
		"UPDATE dataselect_stats SET bytes = bytes WHERE 1 = 0",
		"UPDATE payloads SET version = version WHERE 1 = 0",
	}
	for _, probe := range probes {
		if _, err := tx.ExecContext(ctx, probe); err != nil {
			return fmt.Errorf("probing write access: %w", err)
		}
	}
	return nil
}

// NodeByToken resolves a bearer token to its node, enforcing the validity
// window.
func (s *Store) NodeByToken(ctx context.Context, value string, now time.Time) (*models.Node, error) {
	var (
		node       models.Node
		validFrom  string
		validUntil string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT n.id, n.name, n.contact, n.restriction_policy, n.eas_group,
		       t.valid_from, t.valid_until
		FROM tokens t
		JOIN nodes n ON n.id = t.node_id
		WHERE t.value = ?`, value).
		Scan(&node.ID, &node.Name, &node.Contact, &node.RestrictionPolicy, &node.EasGroup,
			&validFrom, &validUntil)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrInvalidBearerToken
	}
	if err != nil {
		return nil, fmt.Errorf("querying token: %w", err)
	}

	from, err := time.Parse(timeLayout, validFrom)
	if err != nil {
		return nil, fmt.Errorf("parsing token valid_from: %w", err)
	}
	until, err := time.Parse(timeLayout, validUntil)
	if err != nil {
		return nil, fmt.Errorf("parsing token valid_until: %w", err)
	}
	token := models.Token{ValidFrom: from, ValidUntil: until}
	if !token.Valid(now) {
		return nil, models.ErrInvalidBearerToken
	}
	return &node, nil
}

// CreateToken registers a bearer token for a node.
func (s *Store) CreateToken(ctx context.Context, nodeID int64, value string, validFrom, validUntil time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tokens (node_id, value, valid_from, valid_until)
		VALUES (?, ?, ?, ?)`,
		nodeID, value, validFrom.UTC().Format(timeLayout), validUntil.UTC().Format(timeLayout))
	if err != nil {
		return fmt.Errorf("inserting token: %w", err)
	}
	return nil
}

// CreateNode registers a node.
func (s *Store) CreateNode(ctx context.Context, name, contact string, easGroup *string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO nodes (name, contact, eas_group) VALUES (?, ?, ?)`,
		name, contact, easGroup)
	if err != nil {
		return 0, fmt.Errorf("inserting node: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("reading node id: %w", err)
	}
	return id, nil
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
		FROM nodes WHERE name = ?`, name).
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
		FROM networks WHERE node_id = ? AND name = ?`, nodeID, name).
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
		UPDATE nodes SET restriction_policy = ?, updated_at = datetime('now')
		WHERE name = ?`, restricted, nodeName)
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
		UPDATE networks SET inverted_policy = ?
		WHERE name = ? AND node_id = (SELECT id FROM nodes WHERE name = ?)`,
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
