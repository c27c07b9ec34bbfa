// Package source reads brw_stats histograms of the local storage targets.
package source

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/xtxerr/brwmon/internal/errors"
	"github.com/xtxerr/brwmon/internal/histogram"
	"github.com/xtxerr/brwmon/internal/logging"
)

var log = logging.Component("source")

// Source provides the histograms of the devices on this host. Missing
// devices or kinds are reported with errors.ErrNotAvailable.
type Source interface {
	Devices(ctx context.Context) ([]string, error)
	ReadHistogram(ctx context.Context, device string, kind histogram.Kind) (*histogram.Histogram, error)
}

// BatchSource is implemented by sources that read all kinds of a device
// at once more cheaply than kind by kind.
type BatchSource interface {
	Source
	ReadHistograms(ctx context.Context, device string) ([histogram.NumKinds]*histogram.Histogram, error)
}

// ReadAll returns every kind of device, using ReadHistograms when src
// supports it.
func ReadAll(ctx context.Context, src Source, device string) ([histogram.NumKinds]*histogram.Histogram, error) {
	if b, ok := src.(BatchSource); ok {
		return b.ReadHistograms(ctx, device)
	}

	var out [histogram.NumKinds]*histogram.Histogram
	for _, k := range histogram.Kinds() {
		h, err := src.ReadHistogram(ctx, device, k)
		if err != nil {
			return out, err
		}
		out[k] = h
	}
	return out, nil
}

func notAvailable(device string, kind histogram.Kind) error {
	return fmt.Errorf("%s/%s: %w", device, kind, errors.ErrNotAvailable)
}

// =============================================================================
// Static Source
// =============================================================================

// Static serves fixed histograms. It is safe for concurrent use.
type Static struct {
	mu    sync.RWMutex
	hists map[string]*[histogram.NumKinds]*histogram.Histogram
}

// NewStatic creates an empty static source.
func NewStatic() *Static {
	return &Static{hists: make(map[string]*[histogram.NumKinds]*histogram.Histogram)}
}

// Set stores the histogram of one device and kind.
func (s *Static) Set(device string, kind histogram.Kind, h *histogram.Histogram) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.hists[device]
	if !ok {
		d = new([histogram.NumKinds]*histogram.Histogram)
		s.hists[device] = d
	}
	d[kind] = h
}

// SetAll stores the same histogram for every kind of device.
func (s *Static) SetAll(device string, h *histogram.Histogram) {
	for _, k := range histogram.Kinds() {
		s.Set(device, k, h)
	}
}

// Remove forgets a device.
func (s *Static) Remove(device string) {
	s.mu.Lock()
	delete(s.hists, device)
	s.mu.Unlock()
}

// Devices returns the device names in sorted order.
func (s *Static) Devices(context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.hists))
	for name := range s.hists {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// ReadHistogram returns the stored histogram.
func (s *Static) ReadHistogram(_ context.Context, device string, kind histogram.Kind) (*histogram.Histogram, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	d, ok := s.hists[device]
	if !ok || !kind.Valid() || d[kind] == nil {
		return nil, notAvailable(device, kind)
	}
	return d[kind], nil
}
