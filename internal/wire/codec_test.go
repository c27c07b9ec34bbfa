package wire

import (
	"strings"
	"testing"

	"github.com/xtxerr/brwmon/internal/errors"
	"github.com/xtxerr/brwmon/internal/histogram"
)

// uniform returns a device whose seven histograms all hold the same bins.
func uniform(name string, bins ...histogram.Bin) Device {
	d := Device{Name: name}
	for _, k := range histogram.Kinds() {
		d.Hists[k] = &histogram.Histogram{Bins: bins}
	}
	return d
}

func TestEncodeSingleBin(t *testing.T) {
	enc := NewEncoder()
	msg, err := enc.Encode("oss1", []Device{uniform("fs1-OST0000", histogram.Bin{X: 0, Read: 10, Write: 20})})
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}

	if !strings.HasPrefix(msg, "1;oss1;fs1-OST0000;") {
		t.Errorf("header = %q, want prefix %q", msg, "1;oss1;fs1-OST0000;")
	}
	if !strings.Contains(msg, "BRW_RPC:{0:{10,20}};") {
		t.Errorf("message %q lacks single-bin BRW_RPC field", msg)
	}
	if strings.Contains(msg, ",}") {
		t.Errorf("message %q contains a trailing comma", msg)
	}

	rep, err := (&Decoder{}).Decode(msg)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	h, err := rep.Devices[0].Histogram(histogram.RPC)
	if err != nil {
		t.Fatalf("Histogram() error = %v", err)
	}
	if len(h.Bins) != 1 || h.Bins[0] != (histogram.Bin{X: 0, Read: 10, Write: 20}) {
		t.Errorf("decoded bins = %+v, want [{0 10 20}]", h.Bins)
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	devices := []Device{
		uniform("fs1-OST0000", histogram.Bin{X: 1, Read: 5}, histogram.Bin{X: 2, Write: 3}),
		uniform("fs1-OST0001", histogram.Bin{X: 4096, Read: 1 << 33, Write: 7}),
	}
	devices[1].Hists[histogram.IOTime] = &histogram.Histogram{Bins: []histogram.Bin{
		{X: 1, Read: 1, Write: 1}, {X: 2, Read: 2, Write: 2}, {X: 4, Read: 3, Write: 0},
	}}

	msg, err := NewEncoder().Encode("oss1.example.org", devices)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}

	rep, err := (&Decoder{}).Decode(msg)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if rep.Version != 1 || rep.Host != "oss1.example.org" {
		t.Errorf("header = (%d, %q), want (1, oss1.example.org)", rep.Version, rep.Host)
	}
	if len(rep.Devices) != len(devices) {
		t.Fatalf("got %d devices, want %d", len(rep.Devices), len(devices))
	}

	for i, dev := range devices {
		block := rep.Devices[i]
		if block.Name != dev.Name {
			t.Errorf("device %d name = %q, want %q", i, block.Name, dev.Name)
		}
		for _, k := range histogram.Kinds() {
			if want := EncodeHistogram(k, dev.Hists[k]); block.Fields[k] != want {
				t.Errorf("%s/%s field = %q, want %q", dev.Name, k, block.Fields[k], want)
			}
			h, err := block.Histogram(k)
			if err != nil {
				t.Fatalf("%s/%s: %v", dev.Name, k, err)
			}
			if !h.Equal(dev.Hists[k]) {
				t.Errorf("%s/%s = %+v, want %+v", dev.Name, k, h.Bins, dev.Hists[k].Bins)
			}
		}
	}
}

func TestEncodeOverflow(t *testing.T) {
	bins := make([]histogram.Bin, 200)
	for i := range bins {
		bins[i] = histogram.Bin{X: uint64(i), Read: 1000000, Write: 1000000}
	}

	tests := []struct {
		name    string
		enc     *Encoder
		devices []Device
		field   string
	}{
		{
			name:    "field too long",
			enc:     &Encoder{MaxFieldLen: 1500, MaxMessageLen: 1 << 20},
			devices: []Device{uniform("fs1-OST0000", bins...)},
			field:   "fs1-OST0000/BRW_RPC",
		},
		{
			name:    "message too long",
			enc:     &Encoder{MaxFieldLen: 1500, MaxMessageLen: 100},
			devices: []Device{uniform("fs1-OST0000", histogram.Bin{X: 1, Read: 1, Write: 1})},
			field:   "message",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := tt.enc.Encode("oss1", tt.devices)
			if !errors.Is(err, errors.ErrProtocolOverflow) {
				t.Fatalf("Encode() error = %v, want ErrProtocolOverflow", err)
			}
			if msg != "" {
				t.Errorf("Encode() returned partial output %q", msg)
			}
			if !strings.Contains(err.Error(), tt.field) {
				t.Errorf("error %q does not name %q", err, tt.field)
			}
		})
	}
}

func TestEncodeRejects(t *testing.T) {
	missing := uniform("fs1-OST0000", histogram.Bin{X: 1, Read: 1})
	missing.Hists[histogram.IOSize] = nil

	unordered := uniform("fs1-OST0000", histogram.Bin{X: 4, Read: 1}, histogram.Bin{X: 2, Read: 1})

	tests := []struct {
		name    string
		host    string
		devices []Device
		want    error
	}{
		{"bad host", "oss;1", nil, errors.ErrInvalidName},
		{"bad device", "oss1", []Device{uniform("OST{0}", histogram.Bin{X: 1})}, errors.ErrInvalidName},
		{"missing kind", "oss1", []Device{missing}, errors.ErrMissingField},
		{"unordered bins", "oss1", []Device{unordered}, errors.ErrInvalidHistogram},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewEncoder().Encode(tt.host, tt.devices)
			if !errors.Is(err, tt.want) {
				t.Errorf("Encode() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestDecodeEmptyDeviceList(t *testing.T) {
	msg, err := NewEncoder().Encode("oss1", nil)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	if msg != "1;oss1;" {
		t.Errorf("Encode() = %q, want %q", msg, "1;oss1;")
	}

	rep, err := (&Decoder{}).Decode(msg)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if rep.Host != "oss1" || len(rep.Devices) != 0 {
		t.Errorf("Decode() = %+v, want empty report for oss1", rep)
	}
}

func TestDecodeMalformed(t *testing.T) {
	full, err := NewEncoder().Encode("oss1", []Device{uniform("fs1-OST0000", histogram.Bin{X: 1, Read: 2, Write: 3})})
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	// Drop the final BRW_IOSIZE field so only six kinds remain.
	sixKinds := full[:strings.LastIndex(full[:len(full)-1], ";")+1]

	tests := []struct {
		name  string
		input string
		field string
	}{
		{"six of seven kinds", sixKinds, "fs1-OST0000/BRW_IOSIZE"},
		{"residual", full + "trailing", "message"},
		{"missing version delimiter", "1", "version"},
		{"non numeric version", "x;oss1;", "version"},
		{"missing host delimiter", "1;oss1", "host"},
		{"empty host", "1;;", "host"},
		{"wrong kind order", strings.Replace(full, "BRW_RPC", "BRW_FRAG", 1), "fs1-OST0000/BRW_RPC"},
		{"missing closing brace", strings.Replace(full, "{1:{2,3}};BRW_DISPAGES", "{1:{2,3;BRW_DISPAGES", 1), "fs1-OST0000/BRW_RPC"},
		{"empty device", "1;oss1;;", "device"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rep, err := (&Decoder{Verbose: true}).Decode(tt.input)
			if rep != nil {
				t.Errorf("Decode() returned partial report %+v", rep)
			}
			if !errors.Is(err, errors.ErrProtocolParse) {
				t.Fatalf("Decode() error = %v, want ErrProtocolParse", err)
			}
			var pe *ParseError
			if !errors.As(err, &pe) {
				t.Fatalf("Decode() error %T is not *ParseError", err)
			}
			if pe.Field != tt.field {
				t.Errorf("ParseError.Field = %q, want %q", pe.Field, tt.field)
			}
		})
	}
}

func TestDecodeUnsupportedVersion(t *testing.T) {
	_, err := (&Decoder{}).Decode("2;oss1;")
	if !errors.Is(err, errors.ErrUnsupported) {
		t.Errorf("Decode() error = %v, want ErrUnsupported", err)
	}
	if !errors.Is(err, errors.ErrProtocolParse) {
		t.Errorf("Decode() error = %v, want ErrProtocolParse as well", err)
	}
}

func TestDeviceBlockHistogramKindMismatch(t *testing.T) {
	block := DeviceBlock{Name: "fs1-OST0000"}
	block.Fields[histogram.RPC] = "BRW_FRAG:{1:{1,1}}"
	if _, err := block.Histogram(histogram.RPC); !errors.Is(err, errors.ErrProtocolParse) {
		t.Errorf("Histogram() error = %v, want ErrProtocolParse", err)
	}
}

func BenchmarkDecode(b *testing.B) {
	devices := make([]Device, 16)
	for i := range devices {
		devices[i] = uniform("fs1-OST000"+string(rune('a'+i)),
			histogram.Bin{X: 1, Read: 10, Write: 20},
			histogram.Bin{X: 2, Read: 30, Write: 40},
			histogram.Bin{X: 4, Read: 50, Write: 60})
	}
	msg, err := NewEncoder().Encode("oss1", devices)
	if err != nil {
		b.Fatal(err)
	}
	dec := &Decoder{}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := dec.Decode(msg); err != nil {
			b.Fatal(err)
		}
	}
}
