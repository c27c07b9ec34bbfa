package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/xtxerr/brwmon/internal/histogram"
	"github.com/xtxerr/brwmon/internal/validation"
)

// BrwRecord is one stored histogram bin with its names resolved.
type BrwRecord struct {
	TSID   uint64
	Time   time.Time
	Host   string
	Device string
	Kind   histogram.Kind
	Bin    uint64
	Read   uint64
	Write  uint64
}

// RowFilter narrows QueryBrwRows. Zero fields do not filter.
type RowFilter struct {
	DevicePrefix string
	Kind         *histogram.Kind
	Since        time.Time
	Until        time.Time
	Limit        int
}

// QueryBrwRows returns stored bins in epoch, device, kind, bin order.
func (s *Store) QueryBrwRows(ctx context.Context, f RowFilter) ([]BrwRecord, error) {
	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if f.DevicePrefix != "" {
		where = append(where, `o.ost_name LIKE `+arg(validation.SafeLikePrefix(f.DevicePrefix))+` ESCAPE '\'`)
	}
	if f.Kind != nil {
		where = append(where, "d.stats_id = "+arg(StatsID(*f.Kind)))
	}
	if !f.Since.IsZero() {
		where = append(where, "t.ts_seconds >= "+arg(f.Since.Unix()))
	}
	if !f.Until.IsZero() {
		where = append(where, "t.ts_seconds < "+arg(f.Until.Unix()))
	}

	var q strings.Builder
	q.WriteString(`SELECT d.ts_id, t.ts_seconds, o.hostname, o.ost_name, d.stats_id,
		d.bin, d.read_count, d.write_count
		FROM brw_stats_data d
		JOIN timestamp_info t ON t.ts_id = d.ts_id
		JOIN ost_info o ON o.ost_id = d.ost_id`)
	if len(where) > 0 {
		q.WriteString(" WHERE ")
		q.WriteString(strings.Join(where, " AND "))
	}
	q.WriteString(" ORDER BY d.ts_id, o.ost_name, d.stats_id, d.bin")
	if f.Limit > 0 {
		fmt.Fprintf(&q, " LIMIT %d", f.Limit)
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, q.String(), args...)
	if err != nil {
		return nil, classify(fmt.Errorf("query brw_stats_data: %w", err))
	}
	defer rows.Close()

	var out []BrwRecord
	for rows.Next() {
		var tsID, seconds, statsID, bin, read, write int64
		var r BrwRecord
		if err := rows.Scan(&tsID, &seconds, &r.Host, &r.Device, &statsID, &bin, &read, &write); err != nil {
			return nil, classify(fmt.Errorf("scan brw_stats_data: %w", err))
		}
		r.TSID = uint64(tsID)
		r.Time = time.Unix(seconds, 0).UTC()
		r.Kind = histogram.Kind(statsID - 1)
		r.Bin = uint64(bin)
		r.Read = uint64(read)
		r.Write = uint64(write)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err)
	}
	return out, nil
}

// CountBrwRows returns the number of stored bins.
func (s *Store) CountBrwRows(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM brw_stats_data`).Scan(&n); err != nil {
		return 0, classify(err)
	}
	return n, nil
}
