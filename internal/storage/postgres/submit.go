package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/eida/eidastats/pkg/hyperloglog"
	"github.com/eida/eidastats/pkg/models"
)

// RegisterSubmission stores one accepted payload atomically. The receipt is
// inserted first so a duplicate payload aborts before any statistic changes;
// concurrent submitters of the same payload race on the (node_id, hash)
// primary key and exactly one wins.
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
	_, err = tx.ExecContext(ctx, `
		INSERT INTO payloads (node_id, hash, version, generated_at, coverage)
		VALUES ($1, $2, $3, $4, $5)`,
		receipt.NodeID, receipt.Hash, receipt.Version, receipt.GeneratedAt, coverage)
	if isUniqueViolation(err) {
		return models.ErrDuplicateSubmission
	}
	if err != nil {
		return fmt.Errorf("inserting receipt: %w", err)
	}

	for _, stat := range stats {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO networks (node_id, name) VALUES ($1, $2)
			ON CONFLICT (node_id, name) DO NOTHING`,
			receipt.NodeID, stat.Key.Network)
		if err != nil {
			return fmt.Errorf("registering network %s: %w", stat.Key.Network, err)
		}

		if replace {
			err = replaceStat(ctx, tx, receipt.NodeID, stat)
		} else {
			err = mergeStat(ctx, tx, receipt.NodeID, stat)
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

func replaceStat(ctx context.Context, tx *sql.Tx, nodeID int64, stat *models.DataselectStat) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO dataselect_stats
			(node_id, date, network, station, location, channel, country,
			 bytes, nb_reqs, nb_successful_reqs, nb_failed_reqs, clients)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (node_id, date, network, station, location, channel, country)
		DO UPDATE SET
			bytes = excluded.bytes,
			nb_reqs = excluded.nb_reqs,
			nb_successful_reqs = excluded.nb_successful_reqs,
			nb_failed_reqs = excluded.nb_failed_reqs,
			clients = excluded.clients,
			updated_at = now()`,
		nodeID, stat.Key.Date, stat.Key.Network, stat.Key.Station, stat.Key.Location,
		stat.Key.Channel, stat.Key.Country,
		stat.Bytes, stat.NbReqs, stat.NbSuccessfulReqs, stat.NbFailedReqs,
		stat.Clients.ToBytes())
	if err != nil {
		return fmt.Errorf("replacing statistic: %w", err)
	}
	return nil
}

func mergeStat(ctx context.Context, tx *sql.Tx, nodeID int64, stat *models.DataselectStat) error {
	res, err := tx.ExecContext(ctx, `
		INSERT INTO dataselect_stats
			(node_id, date, network, station, location, channel, country,
			 bytes, nb_reqs, nb_successful_reqs, nb_failed_reqs, clients)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
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

	// The row exists: lock it, union the sketches in memory and add the
	// counters in SQL.
	var stored []byte
	err = tx.QueryRowContext(ctx, `
		SELECT clients FROM dataselect_stats
		WHERE node_id = $1 AND date = $2 AND network = $3 AND station = $4
		  AND location = $5 AND channel = $6 AND country = $7
		FOR UPDATE`,
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
			bytes = bytes + $1,
			nb_reqs = nb_reqs + $2,
			nb_successful_reqs = nb_successful_reqs + $3,
			nb_failed_reqs = nb_failed_reqs + $4,
			clients = $5,
			updated_at = now()
		WHERE node_id = $6 AND date = $7 AND network = $8 AND station = $9
		  AND location = $10 AND channel = $11 AND country = $12`,
		stat.Bytes, stat.NbReqs, stat.NbSuccessfulReqs, stat.NbFailedReqs,
		sketch.ToBytes(),
		nodeID, stat.Key.Date, stat.Key.Network, stat.Key.Station,
		stat.Key.Location, stat.Key.Channel, stat.Key.Country)
	if err != nil {
		return fmt.Errorf("merging statistic: %w", err)
	}
	return nil
}
