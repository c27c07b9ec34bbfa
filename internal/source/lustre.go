package source

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/xtxerr/brwmon/config"
	"github.com/xtxerr/brwmon/internal/errors"
	"github.com/xtxerr/brwmon/internal/histogram"
)

// =============================================================================
// Lustre Source
// =============================================================================

// Lustre reads the obdfilter brw_stats of every target under Root. Each
// target directory holds a "uuid" file, whose content is the device name,
// and a "brw_stats" file with the seven histograms.
type Lustre struct {
	Root string
}

// NewLustre returns a source reading below root, or below the default
// obdfilter directory when root is empty.
func NewLustre(root string) *Lustre {
	if root == "" {
		root = config.DefaultLustreRoot
	}
	return &Lustre{Root: root}
}

// Devices returns the uuids of all targets with a brw_stats file.
func (l *Lustre) Devices(ctx context.Context) ([]string, error) {
	targets, err := l.targets()
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(targets))
	for name := range targets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// targets maps device uuids to target directories.
func (l *Lustre) targets() (map[string]string, error) {
	entries, err := os.ReadDir(l.Root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%s: %w", l.Root, errors.ErrNotAvailable)
		}
		return nil, fmt.Errorf("list targets: %w", err)
	}

	out := make(map[string]string, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		dir := filepath.Join(l.Root, e.Name())
		if _, err := os.Stat(filepath.Join(dir, "brw_stats")); err != nil {
			continue
		}
		uuid, err := os.ReadFile(filepath.Join(dir, "uuid"))
		if err != nil {
			log.Debug("target without uuid", "target", e.Name(), "error", err)
			continue
		}
		out[strings.TrimSpace(string(uuid))] = dir
	}
	return out, nil
}

// ReadHistogram reads one kind of device.
func (l *Lustre) ReadHistogram(ctx context.Context, device string, kind histogram.Kind) (*histogram.Histogram, error) {
	all, err := l.ReadHistograms(ctx, device)
	if err != nil {
		return nil, err
	}
	if !kind.Valid() || all[kind] == nil {
		return nil, notAvailable(device, kind)
	}
	return all[kind], nil
}

// ReadHistograms reads and parses the brw_stats file of device once.
func (l *Lustre) ReadHistograms(ctx context.Context, device string) ([histogram.NumKinds]*histogram.Histogram, error) {
	var out [histogram.NumKinds]*histogram.Histogram

	targets, err := l.targets()
	if err != nil {
		return out, err
	}
	dir, ok := targets[device]
	if !ok {
		return out, fmt.Errorf("device %s: %w", device, errors.ErrNotAvailable)
	}

	f, err := os.Open(filepath.Join(dir, "brw_stats"))
	if err != nil {
		return out, fmt.Errorf("device %s: %v: %w", device, err, errors.ErrNotAvailable)
	}
	defer f.Close()

	out, err = ParseBrwStats(f)
	if err != nil {
		return out, fmt.Errorf("device %s: %w", device, err)
	}
	for _, k := range histogram.Kinds() {
		if out[k] == nil {
			return out, notAvailable(device, k)
		}
	}
	return out, nil
}

// =============================================================================
// brw_stats Parsing
// =============================================================================

// ParseBrwStats parses the text of a Lustre brw_stats file:
//
//	                           read      |     write
//	pages per bulk r/w     rpcs  % cum % |  rpcs        % cum %
//	1:                       2   0   0   |    0   0   0
//	256:                   200  99 100   |   18 100 100
//
// Each section starts with a line beginning with a kind title and ends at
// a blank line. Bin labels may carry K, M or G suffixes. Kinds whose
// section is absent are left nil.
func ParseBrwStats(r io.Reader) ([histogram.NumKinds]*histogram.Histogram, error) {
	var out [histogram.NumKinds]*histogram.Histogram

	current := -1
	sc := bufio.NewScanner(r)
	for line := 1; sc.Scan(); line++ {
		text := strings.TrimSpace(sc.Text())
		if text == "" {
			current = -1
			continue
		}

		if k, ok := sectionKind(text); ok {
			current = int(k)
			out[k] = &histogram.Histogram{}
			continue
		}
		if current < 0 {
			continue
		}

		bin, ok, err := parseBinLine(text)
		if err != nil {
			return out, fmt.Errorf("brw_stats line %d: %v: %w", line, err, errors.ErrInvalidHistogram)
		}
		if ok {
			h := out[current]
			h.Bins = append(h.Bins, bin)
		}
	}
	if err := sc.Err(); err != nil {
		return out, fmt.Errorf("read brw_stats: %w", err)
	}

	for i, h := range out {
		if h == nil {
			continue
		}
		if len(h.Bins) == 0 {
			out[i] = nil
			continue
		}
		if err := h.Validate(); err != nil {
			return out, fmt.Errorf("%s: %w", histogram.Kind(i), err)
		}
	}
	return out, nil
}

func sectionKind(line string) (histogram.Kind, bool) {
	for _, k := range histogram.Kinds() {
		title := k.Title()
		if strings.HasPrefix(line, title) {
			rest := line[len(title):]
			if rest == "" || rest[0] == ' ' || rest[0] == '\t' {
				return k, true
			}
		}
	}
	return 0, false
}

// parseBinLine parses "label: rcount pct cum | wcount pct cum". Lines that
// are not bin lines report ok == false.
func parseBinLine(line string) (histogram.Bin, bool, error) {
	colon := strings.IndexByte(line, ':')
	if colon <= 0 {
		return histogram.Bin{}, false, nil
	}
	x, err := ParseBinLabel(line[:colon])
	if err != nil {
		return histogram.Bin{}, false, nil
	}

	left, right, found := strings.Cut(line[colon+1:], "|")
	if !found {
		return histogram.Bin{}, false, fmt.Errorf("bin %q without write column", line[:colon])
	}
	read, err := firstUint(left)
	if err != nil {
		return histogram.Bin{}, false, fmt.Errorf("bin %q read count: %v", line[:colon], err)
	}
	write, err := firstUint(right)
	if err != nil {
		return histogram.Bin{}, false, fmt.Errorf("bin %q write count: %v", line[:colon], err)
	}
	return histogram.Bin{X: x, Read: read, Write: write}, true, nil
}

func firstUint(s string) (uint64, error) {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return 0, fmt.Errorf("empty column")
	}
	return strconv.ParseUint(fields[0], 10, 64)
}

// ParseBinLabel converts a bin label such as "128", "4K" or "1M" to its
// integer boundary.
func ParseBinLabel(label string) (uint64, error) {
	label = strings.TrimSpace(label)
	if label == "" {
		return 0, fmt.Errorf("empty bin label")
	}

	mult := uint64(1)
	switch label[len(label)-1] {
	case 'K', 'k':
		mult = 1 << 10
	case 'M', 'm':
		mult = 1 << 20
	case 'G', 'g':
		mult = 1 << 30
	}
	if mult != 1 {
		label = label[:len(label)-1]
	}

	n, err := strconv.ParseUint(label, 10, 64)
	if err != nil {
		return 0, err
	}
	return n * mult, nil
}
