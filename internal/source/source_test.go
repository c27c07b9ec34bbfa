package source

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/xtxerr/brwmon/internal/errors"
	"github.com/xtxerr/brwmon/internal/histogram"
)

const brwStatsSample = `snapshot_time:         1700000000.123456 (secs.usecs)

                           read      |     write
pages per bulk r/w     rpcs  % cum % |  rpcs        % cum %
1:                       2   0   0   |    0   0   0
2:                       0   0   0   |    1   0   0
256:                   200  99 100   |   18  94 100

                           read      |     write
discontiguous pages    rpcs  % cum % |  rpcs        % cum %
0:                     202 100 100   |   19 100 100

                           read      |     write
discontiguous blocks   rpcs  % cum % |  rpcs        % cum %
0:                     202 100 100   |   19 100 100

                           read      |     write
disk fragmented I/Os   ios   % cum % |  ios         % cum %
1:                     202 100 100   |   19 100 100

                           read      |     write
disk I/Os in flight    ios   % cum % |  ios         % cum %
1:                     150  74  74   |   19 100 100
2:                      52  25 100   |    0   0 100

                           read      |     write
I/O time (1/1000s)     ios   % cum % |  ios         % cum %
1:                     190  94  94   |   10  52  52
16:                     12   5 100   |    9  47 100

                           read      |     write
disk I/O size          ios   % cum % |  ios         % cum %
4K:                      2   0   0   |    0   0   0
8K:                      0   0   0   |    1   5   5
1M:                    200  99 100   |   18  94 100
`

func TestParseBrwStats(t *testing.T) {
	hists, err := ParseBrwStats(strings.NewReader(brwStatsSample))
	if err != nil {
		t.Fatalf("ParseBrwStats() error = %v", err)
	}
	for _, k := range histogram.Kinds() {
		if hists[k] == nil {
			t.Fatalf("%s not parsed", k)
		}
	}

	tests := []struct {
		kind histogram.Kind
		want []histogram.Bin
	}{
		{histogram.RPC, []histogram.Bin{{X: 1, Read: 2}, {X: 2, Write: 1}, {X: 256, Read: 200, Write: 18}}},
		{histogram.DiscontigPages, []histogram.Bin{{X: 0, Read: 202, Write: 19}}},
		{histogram.IOTime, []histogram.Bin{{X: 1, Read: 190, Write: 10}, {X: 16, Read: 12, Write: 9}}},
		{histogram.IOSize, []histogram.Bin{{X: 4096, Read: 2}, {X: 8192, Write: 1}, {X: 1 << 20, Read: 200, Write: 18}}},
	}
	for _, tt := range tests {
		want := &histogram.Histogram{Bins: tt.want}
		if !hists[tt.kind].Equal(want) {
			t.Errorf("%s = %+v, want %+v", tt.kind, hists[tt.kind].Bins, tt.want)
		}
	}
}

func TestParseBrwStatsMissingSection(t *testing.T) {
	text := `                           read      |     write
disk I/O size          ios   % cum % |  ios         % cum %
4K:                      2   0   0   |    0   0   0
`
	hists, err := ParseBrwStats(strings.NewReader(text))
	if err != nil {
		t.Fatalf("ParseBrwStats() error = %v", err)
	}
	if hists[histogram.IOSize] == nil {
		t.Error("disk I/O size not parsed")
	}
	if hists[histogram.RPC] != nil {
		t.Error("absent section parsed")
	}
}

func TestParseBrwStatsMalformed(t *testing.T) {
	text := `pages per bulk r/w     rpcs  % cum % |  rpcs        % cum %
1:                       x   0   0   |    0   0   0
`
	if _, err := ParseBrwStats(strings.NewReader(text)); !errors.Is(err, errors.ErrInvalidHistogram) {
		t.Errorf("ParseBrwStats() error = %v, want ErrInvalidHistogram", err)
	}
}

func TestParseBinLabel(t *testing.T) {
	tests := []struct {
		label   string
		want    uint64
		wantErr bool
	}{
		{"0", 0, false},
		{"256", 256, false},
		{"4K", 4096, false},
		{"512K", 512 << 10, false},
		{"1M", 1 << 20, false},
		{"2G", 2 << 30, false},
		{"", 0, true},
		{"K", 0, true},
		{"abc", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.label, func(t *testing.T) {
			got, err := ParseBinLabel(tt.label)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseBinLabel(%q) error = %v, wantErr %v", tt.label, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseBinLabel(%q) = %d, want %d", tt.label, got, tt.want)
			}
		})
	}
}

func writeTarget(t *testing.T, root, dir, uuid, stats string) {
	t.Helper()
	path := filepath.Join(root, dir)
	if err := os.MkdirAll(path, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(path, "uuid"), []byte(uuid+"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if stats != "" {
		if err := os.WriteFile(filepath.Join(path, "brw_stats"), []byte(stats), 0o644); err != nil {
			t.Fatal(err)
		}
	}
}

func TestLustreSource(t *testing.T) {
	root := t.TempDir()
	writeTarget(t, root, "fs1-OST0000", "fs1-OST0000_UUID", brwStatsSample)
	writeTarget(t, root, "fs1-OST0001", "fs1-OST0001_UUID", brwStatsSample)
	writeTarget(t, root, "num_refs", "", "")

	src := NewLustre(root)
	ctx := context.Background()

	devices, err := src.Devices(ctx)
	if err != nil {
		t.Fatalf("Devices() error = %v", err)
	}
	if len(devices) != 2 || devices[0] != "fs1-OST0000_UUID" || devices[1] != "fs1-OST0001_UUID" {
		t.Errorf("Devices() = %v, want both OST uuids", devices)
	}

	h, err := src.ReadHistogram(ctx, "fs1-OST0001_UUID", histogram.IOSize)
	if err != nil {
		t.Fatalf("ReadHistogram() error = %v", err)
	}
	if len(h.Bins) != 3 || h.Bins[2].X != 1<<20 {
		t.Errorf("ReadHistogram() = %+v, want three IOSIZE bins ending at 1M", h.Bins)
	}

	all, err := ReadAll(ctx, src, "fs1-OST0000_UUID")
	if err != nil {
		t.Fatalf("ReadAll() error = %v", err)
	}
	for _, k := range histogram.Kinds() {
		if all[k] == nil {
			t.Errorf("ReadAll() missing %s", k)
		}
	}

	if _, err := src.ReadHistogram(ctx, "fs1-OST0009_UUID", histogram.RPC); !errors.Is(err, errors.ErrNotAvailable) {
		t.Errorf("ReadHistogram(unknown) error = %v, want ErrNotAvailable", err)
	}
}

func TestLustreSourceMissingRoot(t *testing.T) {
	src := NewLustre(filepath.Join(t.TempDir(), "absent"))
	if _, err := src.Devices(context.Background()); !errors.Is(err, errors.ErrNotAvailable) {
		t.Errorf("Devices() error = %v, want ErrNotAvailable", err)
	}
}

func TestStaticSource(t *testing.T) {
	src := NewStatic()
	h := &histogram.Histogram{Bins: []histogram.Bin{{X: 0, Read: 10, Write: 20}}}
	src.SetAll("fs1-OST0000", h)
	src.Set("fs1-OST0001", histogram.RPC, h)
	ctx := context.Background()

	devices, _ := src.Devices(ctx)
	if len(devices) != 2 {
		t.Fatalf("Devices() = %v, want 2 devices", devices)
	}

	all, err := ReadAll(ctx, src, "fs1-OST0000")
	if err != nil {
		t.Fatalf("ReadAll() error = %v", err)
	}
	if !all[histogram.IOSize].Equal(h) {
		t.Errorf("ReadAll()[IOSIZE] = %+v, want %+v", all[histogram.IOSize], h)
	}

	if _, err := ReadAll(ctx, src, "fs1-OST0001"); !errors.Is(err, errors.ErrNotAvailable) {
		t.Errorf("ReadAll(partial) error = %v, want ErrNotAvailable", err)
	}

	src.Remove("fs1-OST0001")
	if devices, _ := src.Devices(ctx); len(devices) != 1 {
		t.Errorf("Devices() after Remove = %v, want 1 device", devices)
	}
}
