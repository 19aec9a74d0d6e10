package sqlite

import (
	"context"
	"fmt"

	"github.com/eida/eidastats/internal/storage"
	"github.com/eida/eidastats/pkg/models"
)

// QueryStats returns the raw statistic rows matching the filter, joined with
// their node name.
func (s *Store) QueryStats(ctx context.Context, q storage.StatQuery) ([]models.StatRow, error) {
	where, args := storage.BuildStatWhere(q, storage.QuestionMark)

	query := `
		SELECT s.date, n.name, s.network, s.station, s.location, s.channel, s.country,
		       s.bytes, s.nb_reqs, s.nb_successful_reqs, s.nb_failed_reqs, s.clients
		FROM dataselect_stats s
		JOIN nodes n ON n.id = s.node_id
		WHERE ` + where + `
		ORDER BY s.date`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying statistics: %w", err)
	}
	defer rows.Close()

	var out []models.StatRow
	for rows.Next() {
		var r models.StatRow
		if err := rows.Scan(&r.Date, &r.Node, &r.Network, &r.Station, &r.Location,
			&r.Channel, &r.Country,
			&r.Bytes, &r.NbReqs, &r.NbSuccessfulReqs, &r.NbFailedReqs, &r.Clients); err != nil {
			return nil, fmt.Errorf("scanning statistic: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
