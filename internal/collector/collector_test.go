package collector

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/xtxerr/brwmon/internal/errors"
	"github.com/xtxerr/brwmon/internal/histogram"
	"github.com/xtxerr/brwmon/internal/source"
	"github.com/xtxerr/brwmon/internal/wire"
)

func staticSource() *source.Static {
	src := source.NewStatic()
	src.SetAll("fs1-OST0000", &histogram.Histogram{Bins: []histogram.Bin{{X: 0, Read: 10, Write: 20}}})
	return src
}

func TestNewRejects(t *testing.T) {
	pub := &WriterPublisher{W: &bytes.Buffer{}}
	tests := []struct {
		name string
		cfg  Config
		src  source.Source
		pub  Publisher
		want error
	}{
		{"bad host", Config{Host: "a;b"}, staticSource(), pub, errors.ErrInvalidName},
		{"no source", Config{Host: "oss1"}, nil, pub, errors.ErrMissingField},
		{"no publisher", Config{Host: "oss1"}, staticSource(), nil, errors.ErrMissingField},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.cfg, tt.src, tt.pub, nil); !errors.Is(err, tt.want) {
				t.Errorf("New() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestCollectSingleBin(t *testing.T) {
	c, err := New(Config{Host: "oss1"}, staticSource(), &WriterPublisher{W: &bytes.Buffer{}}, nil)
	if err != nil {
		t.Fatal(err)
	}

	msg, err := c.Collect(context.Background())
	if err != nil {
		t.Fatalf("Collect() error = %v", err)
	}
	if !strings.HasPrefix(msg, "1;oss1;fs1-OST0000;BRW_RPC:{0:{10,20}};BRW_DISPAGES:{0:{10,20}};") {
		t.Errorf("Collect() = %q", msg)
	}

	report, err := (&wire.Decoder{}).Decode(msg)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if len(report.Devices) != 1 || report.Devices[0].Name != "fs1-OST0000" {
		t.Errorf("Decode() devices = %+v", report.Devices)
	}
}

func TestCollectSkipsUnavailable(t *testing.T) {
	src := staticSource()
	src.Set("fs1-OST0001", histogram.RPC, &histogram.Histogram{Bins: []histogram.Bin{{X: 1, Read: 1}}})

	c, err := New(Config{Host: "oss1"}, src, &WriterPublisher{W: &bytes.Buffer{}}, nil)
	if err != nil {
		t.Fatal(err)
	}

	msg, err := c.Collect(context.Background())
	if err != nil {
		t.Fatalf("Collect() error = %v", err)
	}
	if strings.Contains(msg, "fs1-OST0001") {
		t.Errorf("Collect() included partial device: %q", msg)
	}
	if got := testutil.ToFloat64(c.Metrics().Unavailable); got != 1 {
		t.Errorf("Unavailable = %v, want 1", got)
	}
}

func TestTickOverflowDropsMessage(t *testing.T) {
	var published int
	pub := PublisherFunc(func(context.Context, string, string) error {
		published++
		return nil
	})

	c, err := New(Config{Host: "oss1", MaxFieldLen: 10}, staticSource(), pub, nil)
	if err != nil {
		t.Fatal(err)
	}

	if err := c.Tick(context.Background()); !errors.Is(err, errors.ErrProtocolOverflow) {
		t.Fatalf("Tick() error = %v, want ErrProtocolOverflow", err)
	}
	if published != 0 {
		t.Errorf("published %d messages, want 0", published)
	}
}

func TestTickPublishes(t *testing.T) {
	var buf bytes.Buffer
	c, err := New(Config{Host: "oss1"}, staticSource(), &WriterPublisher{W: &buf}, nil)
	if err != nil {
		t.Fatal(err)
	}

	if err := c.Tick(context.Background()); err != nil {
		t.Fatalf("Tick() error = %v", err)
	}
	if !strings.HasSuffix(buf.String(), ";\n") || strings.Count(buf.String(), "\n") != 1 {
		t.Errorf("published %q, want one message line", buf.String())
	}
	if got := testutil.ToFloat64(c.Metrics().Published); got != 1 {
		t.Errorf("Published = %v, want 1", got)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	ticks := make(chan string, 16)
	pub := PublisherFunc(func(_ context.Context, _ string, msg string) error {
		ticks <- msg
		return nil
	})

	c, err := New(Config{Host: "oss1", Interval: 10 * time.Millisecond}, staticSource(), pub, nil)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	for i := 0; i < 2; i++ {
		select {
		case <-ticks:
		case <-time.After(2 * time.Second):
			t.Fatal("no tick published")
		}
	}
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run() did not stop")
	}
}
