package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"

	"github.com/xtxerr/brwmon/internal/errors"
	"github.com/xtxerr/brwmon/internal/export"
	"github.com/xtxerr/brwmon/internal/histogram"
	"github.com/xtxerr/brwmon/internal/idcache"
	"github.com/xtxerr/brwmon/internal/loader"
	"github.com/xtxerr/brwmon/internal/source"
	"github.com/xtxerr/brwmon/internal/store"
	"github.com/xtxerr/brwmon/internal/wire"
)

// =============================================================================
// Application
// =============================================================================

type app struct {
	cfg *loader.Config
	in  io.Reader
	out io.Writer

	st *store.Store
}

func newApp(cfg *loader.Config, in io.Reader, out io.Writer) *app {
	return &app{cfg: cfg, in: in, out: out}
}

// store opens the configured store on first use.
func (a *app) store() (*store.Store, error) {
	if a.st != nil {
		return a.st, nil
	}
	st, err := store.New(a.cfg.StoreConfig())
	if err != nil {
		return nil, err
	}
	a.st = st
	return st, nil
}

func (a *app) close() {
	if a.st != nil {
		a.st.Close()
		a.st = nil
	}
}

type command struct {
	name string
	help string
	run  func(a *app, ctx context.Context, args []string) error
}

var commands []command

func init() {
	commands = []command{
		{"decode", "decode messages from files, stdin or -m", (*app).decode},
		{"read", "read brw_stats of local targets", (*app).read},
		{"ids", "list stored identities", (*app).ids},
		{"rows", "list stored histogram bins", (*app).rows},
		{"export", "export stored bins to Parquet", (*app).export},
		{"schema", "print or apply the store schema", (*app).schema},
	}
}

func (a *app) run(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return nil
	}
	for _, c := range commands {
		if c.name == args[0] {
			return c.run(a, ctx, args[1:])
		}
	}
	return fmt.Errorf("unknown command %q", args[0])
}

func (a *app) flags(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(a.out)
	return fs
}

func (a *app) table(header ...string) *tablewriter.Table {
	t := tablewriter.NewWriter(a.out)
	t.SetHeader(header)
	t.SetAutoFormatHeaders(false)
	t.SetBorder(false)
	t.SetAlignment(tablewriter.ALIGN_RIGHT)
	return t
}

// =============================================================================
// decode
// =============================================================================

func (a *app) decode(_ context.Context, args []string) error {
	fs := a.flags("decode")
	msg := fs.String("m", "", "decode this message")
	verbose := fs.Bool("v", false, "log rejected fields")
	if err := fs.Parse(args); err != nil {
		return err
	}

	dec := &wire.Decoder{Verbose: *verbose}
	if *msg != "" {
		return a.printReport(dec, *msg)
	}

	if fs.NArg() == 0 {
		return a.decodeLines(dec, a.in)
	}
	for _, path := range fs.Args() {
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		err = a.decodeLines(dec, f)
		f.Close()
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
	}
	return nil
}

func (a *app) decodeLines(dec *wire.Decoder, r io.Reader) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" {
			continue
		}
		if err := a.printReport(dec, text); err != nil {
			fmt.Fprintf(a.out, "line %d: %v\n", line, err)
		}
	}
	return sc.Err()
}

func (a *app) printReport(dec *wire.Decoder, msg string) error {
	rep, err := dec.Decode(msg)
	if err != nil {
		return err
	}

	fmt.Fprintf(a.out, "host %s (version %d, %d devices)\n", rep.Host, rep.Version, len(rep.Devices))
	for i := range rep.Devices {
		dev := &rep.Devices[i]
		for _, k := range histogram.Kinds() {
			h, err := dev.Histogram(k)
			if err != nil {
				fmt.Fprintf(a.out, "  %s %s: %v\n", dev.Name, k, err)
				continue
			}
			if h == nil {
				continue
			}
			read, write := h.Totals()
			fmt.Fprintf(a.out, "  %s %-12s bins=%d read=%d write=%d\n", dev.Name, k, len(h.Bins), read, write)
		}
	}
	return nil
}

// =============================================================================
// read
// =============================================================================

func (a *app) read(ctx context.Context, args []string) error {
	fs := a.flags("read")
	root := fs.String("root", a.cfg.Collector.Source.Root, "directory of target brw_stats")
	kindName := fs.String("kind", "", "only this kind, e.g. BRW_IOSIZE")
	if err := fs.Parse(args); err != nil {
		return err
	}

	kinds := histogram.Kinds()
	if *kindName != "" {
		k, err := histogram.ParseKind(*kindName)
		if err != nil {
			return err
		}
		kinds = []histogram.Kind{k}
	}

	src := source.NewLustre(*root)
	devices := fs.Args()
	if len(devices) == 0 {
		var err error
		if devices, err = src.Devices(ctx); err != nil {
			return err
		}
	}

	t := a.table("device", "kind", "bin", "read", "write")
	for _, dev := range devices {
		hists, err := src.ReadHistograms(ctx, dev)
		if err != nil && !errors.Is(err, errors.ErrNotAvailable) {
			return err
		}
		for _, k := range kinds {
			h := hists[k]
			if h == nil {
				continue
			}
			for _, b := range h.Bins {
				t.Append([]string{dev, k.String(), fmtUint(b.X), fmtUint(b.Read), fmtUint(b.Write)})
			}
		}
	}
	t.Render()
	return nil
}

// =============================================================================
// ids
// =============================================================================

func (a *app) ids(ctx context.Context, args []string) error {
	fs := a.flags("ids")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cats := idcache.Categories()
	if fs.NArg() > 0 {
		cats = cats[:0:0]
		for _, name := range fs.Args() {
			c, err := idcache.ParseCategory(name)
			if err != nil {
				return err
			}
			cats = append(cats, c)
		}
	}

	st, err := a.store()
	if err != nil {
		return err
	}
	cache := idcache.New()
	if err := cache.Populate(ctx, st); err != nil {
		return err
	}

	t := a.table("category", "name", "id")
	for _, c := range cats {
		cache.Each(c, func(name string, id uint64) error {
			t.Append([]string{string(c), name, fmtUint(id)})
			return nil
		})
	}
	t.Render()
	return nil
}

// =============================================================================
// rows / export
// =============================================================================

func (a *app) filterFlags(fs *flag.FlagSet) func() (store.RowFilter, error) {
	device := fs.String("device", "", "device name prefix")
	kindName := fs.String("kind", "", "histogram kind, e.g. BRW_RPC")
	since := fs.Duration("since", 0, "only epochs newer than this age")
	limit := fs.Int("limit", 0, "maximum number of rows")

	return func() (store.RowFilter, error) {
		f := store.RowFilter{DevicePrefix: *device, Limit: *limit}
		if *kindName != "" {
			k, err := histogram.ParseKind(*kindName)
			if err != nil {
				return f, err
			}
			f.Kind = &k
		}
		if *since > 0 {
			f.Since = time.Now().Add(-*since)
		}
		return f, nil
	}
}

func (a *app) rows(ctx context.Context, args []string) error {
	fs := a.flags("rows")
	filter := a.filterFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	f, err := filter()
	if err != nil {
		return err
	}

	st, err := a.store()
	if err != nil {
		return err
	}
	records, err := st.QueryBrwRows(ctx, f)
	if err != nil {
		return err
	}

	t := a.table("time", "host", "device", "kind", "bin", "read", "write")
	for _, r := range records {
		t.Append([]string{
			r.Time.UTC().Format(time.RFC3339),
			r.Host,
			r.Device,
			r.Kind.String(),
			fmtUint(r.Bin),
			fmtUint(r.Read),
			fmtUint(r.Write),
		})
	}
	t.Render()
	fmt.Fprintf(a.out, "%d rows\n", len(records))
	return nil
}

func (a *app) export(ctx context.Context, args []string) error {
	fs := a.flags("export")
	filter := a.filterFlags(fs)
	out := fs.String("o", "", "output Parquet file")
	compression := fs.String("compression", a.cfg.Export.Compression, "zstd, snappy, lz4, gzip or none")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *out == "" {
		return errors.NewMissingField("-o")
	}
	f, err := filter()
	if err != nil {
		return err
	}

	st, err := a.store()
	if err != nil {
		return err
	}
	opts := a.cfg.ExportOptions()
	opts.Compression = export.ParseCompressionType(*compression)

	n, err := export.ExportStore(ctx, st, f, *out, opts)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "wrote %d rows to %s\n", n, *out)
	return nil
}

// =============================================================================
// schema
// =============================================================================

func (a *app) schema(ctx context.Context, args []string) error {
	fs := a.flags("schema")
	apply := fs.Bool("apply", false, "create missing tables in the store")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if !*apply {
		for _, stmt := range store.SchemaStatements() {
			fmt.Fprintf(a.out, "%s;\n\n", strings.TrimSpace(stmt))
		}
		return nil
	}

	st, err := a.store()
	if err != nil {
		return err
	}
	if err := st.CreateSchema(ctx); err != nil {
		return err
	}
	fmt.Fprintf(a.out, "schema applied (%s)\n", st.Driver())
	return nil
}

func fmtUint(v uint64) string {
	return strconv.FormatUint(v, 10)
}
