package ingest

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/xtxerr/brwmon/internal/errors"
	"github.com/xtxerr/brwmon/internal/histogram"
	"github.com/xtxerr/brwmon/internal/metrics"
	"github.com/xtxerr/brwmon/internal/store"
	brwtest "github.com/xtxerr/brwmon/internal/testing"
)

// =============================================================================
// Helpers
// =============================================================================

type clock struct {
	t time.Time
}

func (c *clock) Now() time.Time { return c.t }

func (c *clock) Tick() { c.t = c.t.Add(5 * time.Second) }

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.New(store.Config{Driver: store.DriverDuckDB, QueryTimeout: 30 * time.Second})
	if err != nil {
		t.Fatalf("store.New() error = %v", err)
	}
	t.Cleanup(func() { st.Close() })
	if err := st.CreateSchema(context.Background()); err != nil {
		t.Fatalf("CreateSchema() error = %v", err)
	}
	return st
}

func sessionConfig(clk *clock) store.SessionConfig {
	return store.SessionConfig{
		Autoconf:       true,
		UpdateInterval: 5 * time.Second,
		Now:            clk.Now,
	}
}

func message(t *testing.T, read, write uint64) string {
	t.Helper()
	return brwtest.Message(t, "oss1", brwtest.Device("fs1-OST0000", brwtest.SingleBin(4096, read, write)))
}

func countRows(t *testing.T, st *store.Store) int64 {
	t.Helper()
	n, err := st.CountBrwRows(context.Background())
	if err != nil {
		t.Fatalf("CountBrwRows() error = %v", err)
	}
	return n
}

// =============================================================================
// Tests
// =============================================================================

func TestHandleStoresRows(t *testing.T) {
	st := newTestStore(t)
	clk := &clock{t: time.Unix(1700000000, 0)}
	ctx := context.Background()

	h, err := New(ctx, StoreOpener(st, sessionConfig(clk)), Config{}, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer h.Close(ctx)

	if err := h.Handle(ctx, message(t, 10, 20)); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if n := countRows(t, st); n != int64(histogram.NumKinds) {
		t.Errorf("stored %d rows, want %d", n, histogram.NumKinds)
	}

	var readBytes, writeBytes int64
	err = st.DB().QueryRowContext(ctx, `SELECT read_bytes, write_bytes FROM ost_data`).Scan(&readBytes, &writeBytes)
	if err != nil {
		t.Fatalf("query ost_data: %v", err)
	}
	if readBytes != 40960 || writeBytes != 81920 {
		t.Errorf("ost_data = %d/%d, want 40960/81920", readBytes, writeBytes)
	}

	m := h.Metrics()
	if got := testutil.ToFloat64(m.MessagesReceived); got != 1 {
		t.Errorf("MessagesReceived = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.RowsWritten); got != float64(histogram.NumKinds+1) {
		t.Errorf("RowsWritten = %v, want %d", got, histogram.NumKinds+1)
	}
}

func TestHandleMalformedMessage(t *testing.T) {
	st := newTestStore(t)
	clk := &clock{t: time.Unix(1700000000, 0)}
	ctx := context.Background()

	h, err := New(ctx, StoreOpener(st, sessionConfig(clk)), Config{Verbose: true}, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer h.Close(ctx)

	err = h.Handle(ctx, "1;oss1;fs1-OST0000;BRW_RPC:{0:{1,1}};")
	if !errors.Is(err, errors.ErrProtocolParse) {
		t.Fatalf("Handle() error = %v, want ErrProtocolParse", err)
	}
	if n := countRows(t, st); n != 0 {
		t.Errorf("stored %d rows from a malformed message", n)
	}
	if got := testutil.ToFloat64(h.Metrics().MessagesDropped.WithLabelValues(metrics.ReasonParse)); got != 1 {
		t.Errorf("MessagesDropped{parse} = %v, want 1", got)
	}
}

func TestHandleCoalescesConstantCounters(t *testing.T) {
	st := newTestStore(t)
	clk := &clock{t: time.Unix(1700000000, 0)}
	ctx := context.Background()

	h, err := New(ctx, StoreOpener(st, sessionConfig(clk)), Config{}, nil)
	if err != nil {
		t.Fatal(err)
	}

	msg := message(t, 10, 20)
	for i := 0; i < 3; i++ {
		if err := h.Handle(ctx, msg); err != nil {
			t.Fatalf("Handle() tick %d error = %v", i, err)
		}
		clk.Tick()
	}

	if n := countRows(t, st); n != int64(histogram.NumKinds) {
		t.Errorf("stored %d rows during the run, want %d", n, histogram.NumKinds)
	}
	if got := h.Stats().Dedup.Deduplicated; got != 2*histogram.NumKinds {
		t.Errorf("Deduplicated = %d, want %d", got, 2*histogram.NumKinds)
	}

	// closing writes the end row of every run
	if err := h.Close(ctx); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if n := countRows(t, st); n != int64(2*histogram.NumKinds) {
		t.Errorf("stored %d rows after close, want %d", n, 2*histogram.NumKinds)
	}
}

func TestHandleReconnectsAfterStoreFailure(t *testing.T) {
	clk := &clock{t: time.Unix(1700000000, 0)}
	ctx := context.Background()

	var stores []*store.Store
	open := func(ctx context.Context) (*store.Session, error) {
		st := newTestStore(t)
		stores = append(stores, st)
		return store.OpenSession(ctx, st, sessionConfig(clk))
	}

	h, err := New(ctx, open, Config{ReconnectDelay: time.Millisecond}, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer h.Close(ctx)

	if err := h.Handle(ctx, message(t, 10, 20)); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}

	stores[0].Close()
	clk.Tick()

	err = h.Handle(ctx, message(t, 11, 21))
	if !errors.Is(err, errors.ErrStoreConnectivity) {
		t.Fatalf("Handle() on closed store error = %v, want ErrStoreConnectivity", err)
	}
	if len(stores) != 2 {
		t.Fatalf("opened %d sessions, want 2", len(stores))
	}
	if got := testutil.ToFloat64(h.Metrics().Reconnects); got != 1 {
		t.Errorf("Reconnects = %v, want 1", got)
	}

	clk.Tick()
	if err := h.Handle(ctx, message(t, 12, 22)); err != nil {
		t.Fatalf("Handle() after reconnect error = %v", err)
	}
	if n := countRows(t, stores[1]); n != int64(histogram.NumKinds) {
		t.Errorf("new store has %d rows, want %d", n, histogram.NumKinds)
	}
}

func TestReconnectDiscardsOpenRuns(t *testing.T) {
	clk := &clock{t: time.Unix(1700000000, 0)}
	ctx := context.Background()

	var stores []*store.Store
	var sessions []*store.Session
	open := func(ctx context.Context) (*store.Session, error) {
		st := newTestStore(t)
		s, err := store.OpenSession(ctx, st, sessionConfig(clk))
		if err == nil {
			stores = append(stores, st)
			sessions = append(sessions, s)
		}
		return s, err
	}

	h, err := New(ctx, open, Config{ReconnectDelay: time.Millisecond}, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer h.Close(ctx)

	for i := 0; i < 2; i++ {
		if err := h.Handle(ctx, message(t, 10, 20)); err != nil {
			t.Fatalf("Handle() tick %d error = %v", i, err)
		}
		clk.Tick()
	}
	old := sessions[0].Stats().Dedup
	if old.Deduplicated != histogram.NumKinds {
		t.Fatalf("Deduplicated = %d, want %d open runs", old.Deduplicated, histogram.NumKinds)
	}

	stores[0].Close()
	err = h.Handle(ctx, message(t, 11, 21))
	if !errors.Is(err, errors.ErrStoreConnectivity) {
		t.Fatalf("Handle() on closed store error = %v, want ErrStoreConnectivity", err)
	}
	if len(sessions) != 2 {
		t.Fatalf("opened %d sessions, want 2", len(sessions))
	}
	if got := sessions[0].Stats().Dedup.Flushed; got != old.Flushed {
		t.Errorf("old session flushed %d run ends into the failed store", got-old.Flushed)
	}
	if err := sessions[0].Close(ctx); err != nil {
		t.Errorf("Close() of the abandoned session error = %v", err)
	}
}

func TestThroughput(t *testing.T) {
	tests := []struct {
		name        string
		bins        []histogram.Bin
		read, write uint64
		clamped     bool
	}{
		{
			name: "sum of size times count",
			bins: []histogram.Bin{
				{X: 4096, Read: 2, Write: 0},
				{X: 1 << 20, Read: 1, Write: 3},
			},
			read:  2*4096 + 1<<20,
			write: 3 << 20,
		},
		{
			name:    "product overflows uint64",
			bins:    []histogram.Bin{{X: 1 << 40, Read: 1 << 30, Write: 1}},
			read:    math.MaxInt64,
			write:   1 << 40,
			clamped: true,
		},
		{
			name: "sum passes MaxInt64",
			bins: []histogram.Bin{
				{X: 1 << 62, Read: 1, Write: 0},
				{X: 1 << 62, Read: 1, Write: 0},
			},
			read:    math.MaxInt64,
			clamped: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, clamped := Throughput(&histogram.Histogram{Bins: tt.bins})
			if got.ReadBytes != tt.read || got.WriteBytes != tt.write || clamped != tt.clamped {
				t.Errorf("Throughput() = %+v, %v, want %d/%d, %v",
					got, clamped, tt.read, tt.write, tt.clamped)
			}
		})
	}
}
