// Package histogram models one brw_stats counter: a distribution of read
// and write counts over ascending bucket boundaries.
//
// A server keeps seven such histograms per storage target, one per Kind.
// The text form of a single histogram is
//
//	BRW_RPC:{1:{5,0},2:{0,3},4:{11,7}}
//
// where each bin is written as boundary:{read,write}.
package histogram

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/xtxerr/brwmon/internal/errors"
)

// =============================================================================
// Counter Kinds
// =============================================================================

// Kind identifies one of the fixed brw_stats histograms.
type Kind int

const (
	RPC Kind = iota
	DiscontigPages
	DiscontigBlocks
	Fragmented
	InFlight
	IOTime
	IOSize
)

// NumKinds is the number of histograms reported per device.
const NumKinds = 7

var kindNames = [NumKinds]string{
	"BRW_RPC",
	"BRW_DISPAGES",
	"BRW_DISBLOCKS",
	"BRW_FRAG",
	"BRW_FLIGHT",
	"BRW_IOTIME",
	"BRW_IOSIZE",
}

// Section titles as they appear in a Lustre brw_stats file.
var kindTitles = [NumKinds]string{
	"pages per bulk r/w",
	"discontiguous pages",
	"discontiguous blocks",
	"disk fragmented I/Os",
	"disk I/Os in flight",
	"I/O time (1/1000s)",
	"disk I/O size",
}

// Kinds returns all kinds in wire order.
func Kinds() []Kind {
	return []Kind{RPC, DiscontigPages, DiscontigBlocks, Fragmented, InFlight, IOTime, IOSize}
}

// Valid reports whether k is one of the seven kinds.
func (k Kind) Valid() bool {
	return k >= 0 && k < NumKinds
}

// String returns the short identifier used on the wire and as the store key.
func (k Kind) String() string {
	if !k.Valid() {
		return fmt.Sprintf("Kind(%d)", int(k))
	}
	return kindNames[k]
}

// Title returns the section title used by brw_stats.
func (k Kind) Title() string {
	if !k.Valid() {
		return ""
	}
	return kindTitles[k]
}

// ParseKind maps a short identifier back to its Kind.
func ParseKind(name string) (Kind, error) {
	for i, n := range kindNames {
		if n == name {
			return Kind(i), nil
		}
	}
	return 0, fmt.Errorf("%q: %w", name, errors.ErrInvalidKind)
}

// =============================================================================
// Histogram
// =============================================================================

// Bin is one bucket of a histogram, keyed by its lower boundary.
type Bin struct {
	X     uint64
	Read  uint64
	Write uint64
}

// Histogram is an ordered list of bins.
type Histogram struct {
	Bins []Bin
}

// New returns a histogram over the given bins after validating them.
func New(bins ...Bin) (*Histogram, error) {
	h := &Histogram{Bins: bins}
	if err := h.Validate(); err != nil {
		return nil, err
	}
	return h, nil
}

// Validate checks that the histogram has at least one bin and that the
// boundaries are strictly ascending.
func (h *Histogram) Validate() error {
	if h == nil || len(h.Bins) == 0 {
		return fmt.Errorf("no bins: %w", errors.ErrInvalidHistogram)
	}
	for i := 1; i < len(h.Bins); i++ {
		if h.Bins[i].X <= h.Bins[i-1].X {
			return fmt.Errorf("bin %d boundary %d not above %d: %w",
				i, h.Bins[i].X, h.Bins[i-1].X, errors.ErrInvalidHistogram)
		}
	}
	return nil
}

// Equal reports whether two histograms have identical bins.
func (h *Histogram) Equal(o *Histogram) bool {
	if h == nil || o == nil {
		return h == o
	}
	if len(h.Bins) != len(o.Bins) {
		return false
	}
	for i := range h.Bins {
		if h.Bins[i] != o.Bins[i] {
			return false
		}
	}
	return true
}

// Totals returns the summed read and write counts.
func (h *Histogram) Totals() (read, write uint64) {
	for _, b := range h.Bins {
		read += b.Read
		write += b.Write
	}
	return read, write
}

// =============================================================================
// Text Form
// =============================================================================

// Format renders the histogram as one wire field without the trailing
// field delimiter. The last bin closes with a brace and never a comma.
func Format(kind Kind, h *Histogram) string {
	var b strings.Builder
	b.Grow(len(kind.String()) + 3 + len(h.Bins)*16)
	AppendFormat(&b, kind, h)
	return b.String()
}

// AppendFormat is Format writing into an existing builder.
func AppendFormat(b *strings.Builder, kind Kind, h *Histogram) {
	var num [20]byte

	b.WriteString(kind.String())
	b.WriteString(":{")
	for i, bin := range h.Bins {
		if i > 0 {
			b.WriteByte(',')
		}
		b.Write(strconv.AppendUint(num[:0], bin.X, 10))
		b.WriteString(":{")
		b.Write(strconv.AppendUint(num[:0], bin.Read, 10))
		b.WriteByte(',')
		b.Write(strconv.AppendUint(num[:0], bin.Write, 10))
		b.WriteByte('}')
	}
	b.WriteByte('}')
}

// Parse extracts the kind and bins from one wire field such as
// "BRW_IOSIZE:{4096:{8,0},8192:{1,2}}".
func Parse(field string) (Kind, *Histogram, error) {
	colon := strings.IndexByte(field, ':')
	if colon < 0 {
		return 0, nil, parseErr(field, "missing ':' after kind")
	}
	kind, err := ParseKind(field[:colon])
	if err != nil {
		return 0, nil, err
	}

	body := field[colon+1:]
	if len(body) < 2 || body[0] != '{' || body[len(body)-1] != '}' {
		return kind, nil, parseErr(field, "histogram not enclosed in braces")
	}
	body = body[1 : len(body)-1]

	p := binParser{s: body}
	h := &Histogram{Bins: make([]Bin, 0, strings.Count(body, "{"))}
	for {
		bin, err := p.bin()
		if err != nil {
			return kind, nil, parseErr(field, err.Error())
		}
		h.Bins = append(h.Bins, bin)
		if p.done() {
			break
		}
		if err := p.expect(','); err != nil {
			return kind, nil, parseErr(field, err.Error())
		}
	}
	if err := h.Validate(); err != nil {
		return kind, nil, fmt.Errorf("%s: %w", kind, err)
	}
	return kind, h, nil
}

func parseErr(field, reason string) error {
	return fmt.Errorf("histogram %q: %s: %w", field, reason, errors.ErrProtocolParse)
}

// binParser scans "x:{r,w}" items.
type binParser struct {
	s   string
	pos int
}

func (p *binParser) done() bool {
	return p.pos >= len(p.s)
}

func (p *binParser) expect(c byte) error {
	if p.pos >= len(p.s) || p.s[p.pos] != c {
		return fmt.Errorf("expected %q at offset %d", c, p.pos)
	}
	p.pos++
	return nil
}

func (p *binParser) number() (uint64, error) {
	start := p.pos
	for p.pos < len(p.s) && p.s[p.pos] >= '0' && p.s[p.pos] <= '9' {
		p.pos++
	}
	if start == p.pos {
		return 0, fmt.Errorf("expected number at offset %d", start)
	}
	return strconv.ParseUint(p.s[start:p.pos], 10, 64)
}

func (p *binParser) bin() (Bin, error) {
	var b Bin
	var err error

	if b.X, err = p.number(); err != nil {
		return b, err
	}
	if err = p.expect(':'); err != nil {
		return b, err
	}
	if err = p.expect('{'); err != nil {
		return b, err
	}
	if b.Read, err = p.number(); err != nil {
		return b, err
	}
	if err = p.expect(','); err != nil {
		return b, err
	}
	if b.Write, err = p.number(); err != nil {
		return b, err
	}
	return b, p.expect('}')
}
