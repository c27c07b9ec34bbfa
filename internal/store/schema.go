package store

import (
	"context"
	"fmt"

	"github.com/xtxerr/brwmon/internal/histogram"
)

// =============================================================================
// Schema
// =============================================================================

// schema lists the DDL in dependency order. Every statement is idempotent
// and valid on both DuckDB and PostgreSQL.
var schema = []struct {
	name string
	sql  string
}{
	// Identity tables
	{
		name: "oss_info",
		sql:  `CREATE SEQUENCE IF NOT EXISTS oss_id_seq START 1`,
	},
	{
		name: "oss_info",
		sql: `CREATE TABLE IF NOT EXISTS oss_info (
			oss_id   BIGINT DEFAULT nextval('oss_id_seq') PRIMARY KEY,
			hostname VARCHAR NOT NULL UNIQUE
		)`,
	},
	{
		name: "ost_info",
		sql:  `CREATE SEQUENCE IF NOT EXISTS ost_id_seq START 1`,
	},
	{
		name: "ost_info",
		sql: `CREATE TABLE IF NOT EXISTS ost_info (
			ost_id   BIGINT DEFAULT nextval('ost_id_seq') PRIMARY KEY,
			oss_id   BIGINT NOT NULL,
			ost_name VARCHAR NOT NULL UNIQUE,
			hostname VARCHAR NOT NULL,
			offline  BOOLEAN DEFAULT false
		)`,
	},
	{
		name: "mds_info",
		sql:  `CREATE SEQUENCE IF NOT EXISTS mds_id_seq START 1`,
	},
	{
		name: "mds_info",
		sql: `CREATE TABLE IF NOT EXISTS mds_info (
			mds_id   BIGINT DEFAULT nextval('mds_id_seq') PRIMARY KEY,
			mds_name VARCHAR NOT NULL UNIQUE,
			hostname VARCHAR NOT NULL
		)`,
	},
	{
		name: "router_info",
		sql:  `CREATE SEQUENCE IF NOT EXISTS router_id_seq START 1`,
	},
	{
		name: "router_info",
		sql: `CREATE TABLE IF NOT EXISTS router_info (
			router_id   BIGINT DEFAULT nextval('router_id_seq') PRIMARY KEY,
			router_name VARCHAR NOT NULL,
			hostname    VARCHAR NOT NULL UNIQUE
		)`,
	},
	{
		name: "operation_info",
		sql:  `CREATE SEQUENCE IF NOT EXISTS operation_id_seq START 1`,
	},
	{
		name: "operation_info",
		sql: `CREATE TABLE IF NOT EXISTS operation_info (
			operation_id   BIGINT DEFAULT nextval('operation_id_seq') PRIMARY KEY,
			operation_name VARCHAR NOT NULL UNIQUE
		)`,
	},
	{
		name: "brw_stats_info",
		sql: `CREATE TABLE IF NOT EXISTS brw_stats_info (
			stats_id    BIGINT PRIMARY KEY,
			stats_name  VARCHAR NOT NULL UNIQUE,
			description VARCHAR NOT NULL
		)`,
	},

	// Time dimension
	{
		name: "timestamp_info",
		sql:  `CREATE SEQUENCE IF NOT EXISTS ts_id_seq START 1`,
	},
	{
		name: "timestamp_info",
		sql: `CREATE TABLE IF NOT EXISTS timestamp_info (
			ts_id      BIGINT DEFAULT nextval('ts_id_seq') PRIMARY KEY,
			ts_seconds BIGINT NOT NULL
		)`,
	},

	// Fact tables
	{
		name: "brw_stats_data",
		sql: `CREATE TABLE IF NOT EXISTS brw_stats_data (
			ts_id       BIGINT NOT NULL,
			ost_id      BIGINT NOT NULL,
			stats_id    BIGINT NOT NULL,
			bin         BIGINT NOT NULL,
			read_count  BIGINT NOT NULL,
			write_count BIGINT NOT NULL,
			PRIMARY KEY (ts_id, ost_id, stats_id, bin)
		)`,
	},
	{
		name: "ost_data",
		sql: `CREATE TABLE IF NOT EXISTS ost_data (
			ost_id      BIGINT NOT NULL,
			ts_id       BIGINT NOT NULL,
			read_bytes  BIGINT NOT NULL,
			write_bytes BIGINT NOT NULL,
			PRIMARY KEY (ost_id, ts_id)
		)`,
	},
}

// CreateSchema creates every table and seeds brw_stats_info with the
// histogram kinds.
//
// This is idempotent - safe to run multiple times.
func (s *Store) CreateSchema(ctx context.Context) error {
	for _, m := range schema {
		if _, err := s.db.ExecContext(ctx, m.sql); err != nil {
			return classify(fmt.Errorf("create %s: %w", m.name, err))
		}
	}

	for _, k := range histogram.Kinds() {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO brw_stats_info (stats_id, stats_name, description)
			 VALUES ($1, $2, $3) ON CONFLICT DO NOTHING`,
			StatsID(k), k.String(), k.Title())
		if err != nil {
			return classify(fmt.Errorf("seed brw_stats_info %s: %w", k, err))
		}
	}

	log.Debug("schema ready", "statements", len(schema), "kinds", histogram.NumKinds)
	return nil
}

// StatsID is the brw_stats_info key of a kind.
func StatsID(k histogram.Kind) int64 {
	return int64(k) + 1
}

// SchemaStatements returns the DDL, for display by tools.
func SchemaStatements() []string {
	out := make([]string, len(schema))
	for i, m := range schema {
		out[i] = m.sql
	}
	return out
}
