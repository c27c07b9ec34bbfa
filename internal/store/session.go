package store

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"time"

	"github.com/xtxerr/brwmon/config"
	"github.com/xtxerr/brwmon/internal/dedup"
	"github.com/xtxerr/brwmon/internal/errors"
	"github.com/xtxerr/brwmon/internal/histogram"
	"github.com/xtxerr/brwmon/internal/idcache"
	"github.com/xtxerr/brwmon/internal/validation"
)

// =============================================================================
// Session
// =============================================================================

// SessionConfig controls how a session writes.
type SessionConfig struct {
	// Autoconf inserts identity rows for unknown hosts and devices. When
	// false, samples of unknown devices are skipped.
	Autoconf bool

	// UpdateInterval is the epoch bucket width.
	UpdateInterval time.Duration

	// MaxIdleEpochs bounds the dedup cache, see dedup.Cache.
	MaxIdleEpochs uint64

	// Now returns the tick time. Defaults to time.Now.
	Now func() time.Time

	// Debug logs every skipped sample and store error.
	Debug bool
}

// DefaultSessionConfig returns the defaults.
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		Autoconf:       true,
		UpdateInterval: config.DefaultUpdateInterval,
		MaxIdleEpochs:  config.DefaultMaxIdleEpochs,
		Now:            time.Now,
	}
}

// Epoch is one allocated timestamp_info row.
type Epoch struct {
	ID   uint64
	Time time.Time
}

// SessionStats counts write outcomes of a session.
type SessionStats struct {
	Epochs    uint64
	Rows      uint64
	Conflicts uint64
	Skipped   uint64
	Dedup     dedup.Stats
}

// Session is one logical connection's worth of write state: prepared
// statements, identity cache, dedup cache and the current epoch. IDs and
// dedup state are valid only for the session; a reconnect opens a new one.
//
// A Session is not safe for concurrent use.
type Session struct {
	store *Store
	cfg   SessionConfig

	ids   *idcache.Cache
	dedup *dedup.Cache
	epoch Epoch

	insTimestamp *sql.Stmt
	insBrw       *sql.Stmt
	insOST       *sql.Stmt

	stats  SessionStats
	closed bool
}

// OpenSession prepares the insert statements and populates the identity
// cache from the store.
func OpenSession(ctx context.Context, st *Store, cfg SessionConfig) (*Session, error) {
	if cfg.UpdateInterval <= 0 {
		cfg.UpdateInterval = config.DefaultUpdateInterval
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	s := &Session{
		store: st,
		cfg:   cfg,
		ids:   idcache.New(),
		dedup: dedup.New(),
	}
	s.dedup.MaxIdleEpochs = cfg.MaxIdleEpochs

	stmts := []struct {
		dst **sql.Stmt
		sql string
	}{
		{&s.insTimestamp, `INSERT INTO timestamp_info (ts_seconds) VALUES ($1) RETURNING ts_id`},
		{&s.insBrw, `INSERT INTO brw_stats_data (ts_id, ost_id, stats_id, bin, read_count, write_count)
			VALUES ($1, $2, $3, $4, $5, $6)`},
		{&s.insOST, `INSERT INTO ost_data (ost_id, ts_id, read_bytes, write_bytes)
			VALUES ($1, $2, $3, $4)`},
	}
	for _, p := range stmts {
		stmt, err := st.db.PrepareContext(ctx, p.sql)
		if err != nil {
			s.closeStatements()
			return nil, classify(fmt.Errorf("prepare: %w", err))
		}
		*p.dst = stmt
	}

	if err := s.ids.Populate(ctx, st); err != nil {
		s.closeStatements()
		return nil, err
	}

	log.Info("store session opened",
		"identities", s.ids.Len(),
		"autoconf", cfg.Autoconf,
		"update_interval", cfg.UpdateInterval)
	return s, nil
}

// Identities exposes the identity cache.
func (s *Session) Identities() *idcache.Cache {
	return s.ids
}

// Stats returns the write counters.
func (s *Session) Stats() SessionStats {
	st := s.stats
	st.Dedup = s.dedup.Stats()
	return st
}

// =============================================================================
// Epochs
// =============================================================================

// EnsureEpoch returns the epoch of the current tick, allocating a new
// timestamp_info row only when the tick time, truncated to UpdateInterval,
// is strictly after the current epoch's time.
func (s *Session) EnsureEpoch(ctx context.Context) (Epoch, error) {
	if s.closed {
		return Epoch{}, errors.ErrSessionClosed
	}

	tick := s.bucket(s.cfg.Now())
	if s.epoch.ID != 0 && !tick.After(s.epoch.Time) {
		return s.epoch, nil
	}

	var id int64
	qctx, cancel := s.store.withTimeout(ctx)
	err := s.insTimestamp.QueryRowContext(qctx, tick.Unix()).Scan(&id)
	cancel()
	if err != nil {
		return Epoch{}, classify(fmt.Errorf("insert timestamp_info: %w", err))
	}
	s.epoch = Epoch{ID: uint64(id), Time: tick}
	s.stats.Epochs++

	for _, row := range s.dedup.Advance(s.epoch.ID) {
		if err := s.writeRow(ctx, row); err != nil {
			return s.epoch, err
		}
	}
	return s.epoch, nil
}

func (s *Session) bucket(t time.Time) time.Time {
	sec := t.Unix()
	step := int64(s.cfg.UpdateInterval / time.Second)
	if step > 1 {
		sec -= sec % step
	}
	return time.Unix(sec, 0).UTC()
}

// =============================================================================
// Inserts
// =============================================================================

// InsertBrwData records one histogram bin of device. Zero bins are never
// stored. Samples of unknown devices are skipped without error unless
// autoconfiguration is enabled. Runs of unchanged values are collapsed by
// the dedup cache.
func (s *Session) InsertBrwData(ctx context.Context, host, device string, kind histogram.Kind, bin, read, write uint64) error {
	if s.closed {
		return errors.ErrSessionClosed
	}

	if bin > math.MaxInt64 || read > math.MaxInt64 || write > math.MaxInt64 {
		s.stats.Skipped++
		return fmt.Errorf("%s bin %d of %s: read %d write %d: %w",
			kind, bin, device, read, write, errBigintRange)
	}

	key := dedup.Key{Device: device, Kind: kind, Bin: bin}
	if read == 0 && write == 0 {
		s.dedup.Observe(dedup.Observation{Key: key})
		return nil
	}

	if _, ok, err := s.resolveDevice(ctx, host, device); err != nil || !ok {
		return err
	}
	if _, err := s.ids.Resolve(idcache.Stats, kind.String()); err != nil {
		s.skip("no brw_stats_info entry", "kind", kind.String())
		return nil
	}

	epoch, err := s.EnsureEpoch(ctx)
	if err != nil {
		return err
	}

	d := s.dedup.Observe(dedup.Observation{Epoch: epoch.ID, Key: key, Read: read, Write: write})
	if d.Flush != nil {
		if err := s.writeRow(ctx, *d.Flush); err != nil {
			return err
		}
	}
	if d.Insert != nil {
		if err := s.writeRow(ctx, *d.Insert); err != nil {
			return err
		}
	}
	return nil
}

// OSTSample is the per-device throughput record of one tick.
type OSTSample struct {
	ReadBytes  uint64
	WriteBytes uint64
}

// InsertOSTData records device throughput for the current epoch.
func (s *Session) InsertOSTData(ctx context.Context, host, device string, sample OSTSample) error {
	if s.closed {
		return errors.ErrSessionClosed
	}

	if sample.ReadBytes > math.MaxInt64 || sample.WriteBytes > math.MaxInt64 {
		s.stats.Skipped++
		return fmt.Errorf("ost_data of %s: read %d write %d bytes: %w",
			device, sample.ReadBytes, sample.WriteBytes, errBigintRange)
	}

	ostID, ok, err := s.resolveDevice(ctx, host, device)
	if err != nil || !ok {
		return err
	}
	epoch, err := s.EnsureEpoch(ctx)
	if err != nil {
		return err
	}

	ctx, cancel := s.store.withTimeout(ctx)
	defer cancel()
	_, err = s.insOST.ExecContext(ctx,
		int64(ostID), int64(epoch.ID), int64(sample.ReadBytes), int64(sample.WriteBytes))
	return s.absorb(err, "ost_data")
}

// BIGINT columns hold counters up to math.MaxInt64.
var errBigintRange = fmt.Errorf("counter exceeds BIGINT range: %w", errors.ErrInvalidHistogram)

// writeRow inserts one brw_stats_data row. IDs are cached: the device and
// kind of every row were resolved when the row's observation arrived.
func (s *Session) writeRow(ctx context.Context, row dedup.Row) error {
	ostID, err := s.ids.Resolve(idcache.Device, row.Device)
	if err != nil {
		return err
	}
	statsID, err := s.ids.Resolve(idcache.Stats, row.Kind.String())
	if err != nil {
		return err
	}

	ctx, cancel := s.store.withTimeout(ctx)
	defer cancel()
	_, err = s.insBrw.ExecContext(ctx,
		int64(row.Epoch), int64(ostID), int64(statsID),
		int64(row.Bin), int64(row.Read), int64(row.Write))
	return s.absorb(err, "brw_stats_data")
}

// absorb classifies an insert error. A duplicate key means an earlier,
// delayed or retried insert already wrote the row and counts as success.
func (s *Session) absorb(err error, table string) error {
	err = classify(err)
	switch {
	case err == nil:
		s.stats.Rows++
		return nil
	case errors.IsBenign(err):
		s.stats.Conflicts++
		if s.cfg.Debug {
			log.Debug("duplicate row ignored", "table", table, "error", err)
		}
		return nil
	default:
		if s.cfg.Debug {
			log.Debug("insert failed", "table", table, "error", err)
		}
		return fmt.Errorf("insert %s: %w", table, err)
	}
}

// resolveDevice returns the ost_info ID of device. ok is false when the
// device is unknown and autoconfiguration is off.
func (s *Session) resolveDevice(ctx context.Context, host, device string) (id uint64, ok bool, err error) {
	if id, err := s.ids.Resolve(idcache.Device, device); err == nil {
		return id, true, nil
	}
	if !s.cfg.Autoconf {
		s.skip("no ost_info entry and autoconf disabled", "device", device)
		return 0, false, nil
	}

	if err := validation.ValidateDeviceName(device); err != nil {
		s.skip("invalid device name", "device", device)
		return 0, false, nil
	}
	if err := validation.ValidateHostName(host); err != nil {
		s.skip("invalid host name", "host", host)
		return 0, false, nil
	}

	id, err = s.ids.ResolveOrCreate(ctx, idcache.Device, device, func(ctx context.Context) (uint64, error) {
		hostID, err := s.ids.ResolveOrCreate(ctx, idcache.Host, host, func(ctx context.Context) (uint64, error) {
			log.Info("adding host to oss_info", "host", host)
			return s.store.createHost(ctx, host)
		})
		if err != nil {
			return 0, err
		}
		log.Info("adding device to ost_info", "host", host, "device", device)
		return s.store.createDevice(ctx, hostID, host, device)
	})
	if err != nil {
		return 0, false, err
	}
	return id, true, nil
}

func (s *Session) skip(msg string, args ...any) {
	s.stats.Skipped++
	if s.cfg.Debug {
		log.Debug(msg, args...)
	}
}

// =============================================================================
// Close
// =============================================================================

// Close writes the end rows of all open runs and releases the prepared
// statements. The Store itself stays open.
func (s *Session) Close(ctx context.Context) error {
	if s.closed {
		return nil
	}

	var firstErr error
	for _, row := range s.dedup.Drain() {
		if err := s.writeRow(ctx, row); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	s.closeStatements()
	s.closed = true

	st := s.Stats()
	log.Info("store session closed",
		"epochs", st.Epochs,
		"rows", st.Rows,
		"conflicts", st.Conflicts,
		"skipped", st.Skipped,
		"deduplicated", st.Dedup.Deduplicated)
	return firstErr
}

// Abandon releases the prepared statements without writing the end rows
// of open runs. It is used after a connectivity failure, when the store
// cannot take the writes.
func (s *Session) Abandon() {
	if s.closed {
		return
	}
	s.closeStatements()
	s.closed = true

	st := s.Stats()
	log.Warn("store session abandoned",
		"epochs", st.Epochs,
		"rows", st.Rows,
		"open_runs", s.dedup.Len())
}

func (s *Session) closeStatements() {
	for _, stmt := range []*sql.Stmt{s.insTimestamp, s.insBrw, s.insOST} {
		if stmt != nil {
			stmt.Close()
		}
	}
}
