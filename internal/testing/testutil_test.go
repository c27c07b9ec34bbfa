package testing

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/xtxerr/brwmon/internal/histogram"
	"github.com/xtxerr/brwmon/internal/wire"
)

func TestGoroutineTest(t *testing.T) {
	gt := NewGoroutineTest(t)
	defer gt.Wait()

	var n atomic.Int32
	for i := 0; i < 5; i++ {
		gt.Go(func() error {
			if err := gt.Context().Err(); err != nil {
				return err
			}
			n.Add(1)
			return nil
		})
	}
}

func TestEventually(t *testing.T) {
	var ready atomic.Bool
	go func() {
		time.Sleep(20 * time.Millisecond)
		ready.Store(true)
	}()

	if err := Eventually(time.Second, 5*time.Millisecond, ready.Load); err != nil {
		t.Errorf("Eventually() error = %v", err)
	}
	if err := Eventually(20*time.Millisecond, 5*time.Millisecond, func() bool { return false }); err == nil {
		t.Error("Eventually() met an impossible condition")
	}
}

func TestPow2(t *testing.T) {
	h := Pow2(4, 10, 0)
	if err := h.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	want := []histogram.Bin{{X: 1, Read: 10}, {X: 2, Read: 11, Write: 1}, {X: 4, Read: 12, Write: 2}, {X: 8, Read: 13, Write: 3}}
	if !h.Equal(&histogram.Histogram{Bins: want}) {
		t.Errorf("Pow2() = %+v, want %+v", h.Bins, want)
	}
}

func TestMessage(t *testing.T) {
	msg := Message(t, "oss1", Device("fs1-OST0000", SingleBin(4096, 1, 2)))

	var dec wire.Decoder
	rep, err := dec.Decode(msg)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if rep.Host != "oss1" || len(rep.Devices) != 1 {
		t.Fatalf("Decode() = %+v", rep)
	}
	for _, k := range histogram.Kinds() {
		h, err := rep.Devices[0].Histogram(k)
		if err != nil {
			t.Fatalf("Histogram(%v) error = %v", k, err)
		}
		if !h.Equal(SingleBin(4096, 1, 2)) {
			t.Errorf("Histogram(%v) = %+v", k, h)
		}
	}
}
