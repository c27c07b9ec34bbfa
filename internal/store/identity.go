package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/xtxerr/brwmon/internal/errors"
	"github.com/xtxerr/brwmon/internal/idcache"
)

// identityQueries selects (name, id) pairs per category.
var identityQueries = map[idcache.Category]string{
	idcache.Host:      `SELECT hostname, oss_id FROM oss_info`,
	idcache.Device:    `SELECT ost_name, ost_id FROM ost_info`,
	idcache.MDS:       `SELECT hostname, mds_id FROM mds_info`,
	idcache.MDT:       `SELECT mds_name, mds_id FROM mds_info`,
	idcache.Router:    `SELECT hostname, router_id FROM router_info`,
	idcache.Operation: `SELECT operation_name, operation_id FROM operation_info`,
	idcache.Stats:     `SELECT stats_name, stats_id FROM brw_stats_info`,
}

// LoadAll returns every identity of one category. It implements
// idcache.Loader.
func (s *Store) LoadAll(ctx context.Context, cat idcache.Category) (map[string]uint64, error) {
	query, ok := identityQueries[cat]
	if !ok {
		return nil, fmt.Errorf("identity category %q: %w", cat, errors.ErrInvalidConfig)
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, classify(fmt.Errorf("query %s identities: %w", cat, err))
	}
	defer rows.Close()

	out := make(map[string]uint64)
	for rows.Next() {
		var name string
		var id int64
		if err := rows.Scan(&name, &id); err != nil {
			return nil, classify(fmt.Errorf("scan %s identity: %w", cat, err))
		}
		out[name] = uint64(id)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err)
	}
	return out, nil
}

// lookupQueries select the ID of a single name per category.
var lookupQueries = map[idcache.Category]string{
	idcache.Host:   `SELECT oss_id FROM oss_info WHERE hostname = $1`,
	idcache.Device: `SELECT ost_id FROM ost_info WHERE ost_name = $1`,
}

// lookupID re-reads one identity after an autoconfiguration insert.
func (s *Store) lookupID(ctx context.Context, cat idcache.Category, name string) (uint64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, lookupQueries[cat], name).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, errors.NewNotFound(string(cat), name)
	}
	if err != nil {
		return 0, classify(fmt.Errorf("lookup %s %q: %w", cat, name, err))
	}
	return uint64(id), nil
}

// createHost inserts an oss_info row for host and returns its ID. A row
// created concurrently by another session is accepted.
func (s *Store) createHost(ctx context.Context, host string) (uint64, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	_, err := s.db.ExecContext(ctx, `INSERT INTO oss_info (hostname) VALUES ($1)`, host)
	if err = classify(err); err != nil && !errors.IsBenign(err) {
		return 0, fmt.Errorf("insert oss_info %q: %w", host, err)
	}
	return s.lookupID(ctx, idcache.Host, host)
}

// createDevice inserts an ost_info row owned by hostID and returns its ID.
func (s *Store) createDevice(ctx context.Context, hostID uint64, host, device string) (uint64, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO ost_info (oss_id, ost_name, hostname) VALUES ($1, $2, $3)`,
		int64(hostID), device, host)
	if err = classify(err); err != nil && !errors.IsBenign(err) {
		return 0, fmt.Errorf("insert ost_info %q: %w", device, err)
	}
	return s.lookupID(ctx, idcache.Device, device)
}
