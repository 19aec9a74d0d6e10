package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/eida/eidastats/pkg/hyperloglog"
	"github.com/eida/eidastats/pkg/models"
)

// RegisterSubmission stores one accepted payload atomically. The receipt
// insert runs first so a duplicate payload is rejected before any statistic
// is touched.
func (s *Store) RegisterSubmission(ctx context.Context, receipt models.PayloadReceipt, stats []*models.DataselectStat, replace bool) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	coverage, err := json.Marshal(receipt.Coverage)
	if err != nil {
		return fmt.Errorf("encoding coverage: %w", err)
	}
	res, err := tx.ExecContext(ctx, `
		INSERT INTO payloads (node_id, hash, version, generated_at, coverage)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (node_id, hash) DO NOTHING`,
		receipt.NodeID, receipt.Hash, receipt.Version, receipt.GeneratedAt, string(coverage))
	if err != nil {
		return fmt.Errorf("inserting receipt: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("reading receipt result: %w", err)
	}
	if affected == 0 {
		return models.ErrDuplicateSubmission
	}

	for _, stat := range stats {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO networks (node_id, name) VALUES (?, ?)
			ON CONFLICT (node_id, name) DO NOTHING`,
			receipt.NodeID, stat.Key.Network)
		if err != nil {
			return fmt.Errorf("registering network %s: %w", stat.Key.Network, err)
		}

		if replace {
			err = s.replaceStat(ctx, tx, receipt.NodeID, stat)
		} else {
			err = s.mergeStat(ctx, tx, receipt.NodeID, stat)
		}
		if err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing submission: %w", err)
	}
	return nil
}

func (s *Store) replaceStat(ctx context.Context, tx *sql.Tx, nodeID int64, stat *models.DataselectStat) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO dataselect_stats
			(node_id, date, network, station, location, channel, country,
			 bytes, nb_reqs, nb_successful_reqs, nb_failed_reqs, clients)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (node_id, date, network, station, location, channel, country)
		DO UPDATE SET
			bytes = excluded.bytes,
			nb_reqs = excluded.nb_reqs,
			nb_successful_reqs = excluded.nb_successful_reqs,
			nb_failed_reqs = excluded.nb_failed_reqs,
			clients = excluded.clients,
			updated_at = datetime('now')`,
		nodeID, stat.Key.Date, stat.Key.Network, stat.Key.Station, stat.Key.Location,
		stat.Key.Channel, stat.Key.Country,
		stat.Bytes, stat.NbReqs, stat.NbSuccessfulReqs, stat.NbFailedReqs,
		stat.Clients.ToBytes())
	if err != nil {
		return fmt.Errorf("replacing statistic: %w", err)
	}
	return nil
}

func (s *Store) mergeStat(ctx context.Context, tx *sql.Tx, nodeID int64, stat *models.DataselectStat) error {
	res, err := tx.ExecContext(ctx, `
		INSERT INTO dataselect_stats
			(node_id, date, network, station, location, channel, country,
			 bytes, nb_reqs, nb_successful_reqs, nb_failed_reqs, clients)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (node_id, date, network, station, location, channel, country)
		DO NOTHING`,
		nodeID, stat.Key.Date, stat.Key.Network, stat.Key.Station, stat.Key.Location,
		stat.Key.Channel, stat.Key.Country,
		stat.Bytes, stat.NbReqs, stat.NbSuccessfulReqs, stat.NbFailedReqs,
		stat.Clients.ToBytes())
	if err != nil {
		return fmt.Errorf("inserting statistic: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("reading insert result: %w", err)
	}
	if affected > 0 {
		return nil
	}

	// The row exists: union the sketches in memory, add the counters in SQL.
	var stored []byte
	err = tx.QueryRowContext(ctx, `
		SELECT clients FROM dataselect_stats
		WHERE node_id = ? AND date = ? AND network = ? AND station = ?
		  AND location = ? AND channel = ? AND country = ?`,
		nodeID, stat.Key.Date, stat.Key.Network, stat.Key.Station,
		stat.Key.Location, stat.Key.Channel, stat.Key.Country).Scan(&stored)
	if err != nil {
		return fmt.Errorf("reading stored sketch: %w", err)
	}
	sketch, err := hyperloglog.FromBytes(stored)
	if err != nil {
		return fmt.Errorf("decoding stored sketch: %w", err)
	}
	if err := sketch.Union(stat.Clients); err != nil {
		return fmt.Errorf("merging sketches: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE dataselect_stats SET
			bytes = bytes + ?,
			nb_reqs = nb_reqs + ?,
			nb_successful_reqs = nb_successful_reqs + ?,
			nb_failed_reqs = nb_failed_reqs + ?,
			clients = ?,
			updated_at = datetime('now')
		WHERE node_id = ? AND date = ? AND network = ? AND station = ?
		  AND location = ? AND channel = ? AND country = ?`,
		stat.Bytes, stat.NbReqs, stat.NbSuccessfulReqs, stat.NbFailedReqs,
		sketch.ToBytes(),
		nodeID, stat.Key.Date, stat.Key.Network, stat.Key.Station,
		stat.Key.Location, stat.Key.Channel, stat.Key.Country)
	if err != nil {
		return fmt.Errorf("merging statistic: %w", err)
	}
	return nil
}
