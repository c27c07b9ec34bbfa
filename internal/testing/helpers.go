package testing

import (
	"testing"

	"github.com/xtxerr/brwmon/internal/histogram"
	"github.com/xtxerr/brwmon/internal/wire"
)

// =============================================================================
// Histogram Fixtures
// =============================================================================

// SingleBin returns a histogram with one bin.
func SingleBin(x, read, write uint64) *histogram.Histogram {
	return &histogram.Histogram{Bins: []histogram.Bin{{X: x, Read: read, Write: write}}}
}

// Pow2 returns a histogram with n bins at 1, 2, 4, ... 2^(n-1). Bin i
// counts read+i reads and write+i writes.
func Pow2(n int, read, write uint64) *histogram.Histogram {
	h := &histogram.Histogram{Bins: make([]histogram.Bin, n)}
	for i := range h.Bins {
		h.Bins[i] = histogram.Bin{
			X:     1 << i,
			Read:  read + uint64(i),
			Write: write + uint64(i),
		}
	}
	return h
}

// Device returns a device carrying h for every kind.
func Device(name string, h *histogram.Histogram) wire.Device {
	dev := wire.Device{Name: name}
	for _, k := range histogram.Kinds() {
		dev.Hists[k] = h
	}
	return dev
}

// Message encodes devices for host with the default limits and fails the
// test on error.
func Message(t testing.TB, host string, devices ...wire.Device) string {
	t.Helper()
	msg, err := wire.NewEncoder().Encode(host, devices)
	if err != nil {
		t.Fatalf("Encode(%q) error = %v", host, err)
	}
	return msg
}
