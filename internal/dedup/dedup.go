// Package dedup collapses runs of unchanged histogram bins into the minimal
// set of store rows.
//
// Counters are sampled far more often than they change. For every maximal
// run of identical non-zero observations of one (device, kind, bin) the
// cache emits one row when the run begins and, if the run spans more than
// one epoch, one row carrying the run's last epoch when it ends.
//
// A Cache is not safe for concurrent use. It is owned by one store session.
package dedup

import (
	"sort"

	"github.com/xtxerr/brwmon/internal/histogram"
)

// Key identifies one tracked bin.
type Key struct {
	Device string
	Kind   histogram.Kind
	Bin    uint64
}

// BinState is the current run of one bin. First is the epoch at which the
// counts were first seen, Last the most recent epoch still carrying them.
type BinState struct {
	First uint64
	Last  uint64
	Read  uint64
	Write uint64
}

// Observation is one bin value seen in an epoch.
type Observation struct {
	Epoch uint64
	Key
	Read  uint64
	Write uint64
}

// Row is a store row to write.
type Row struct {
	Epoch uint64
	Key
	Read  uint64
	Write uint64
}

// Action is the outcome of one observation.
type Action int

const (
	// ActionSuppressed means the bin was zero and is never stored.
	ActionSuppressed Action = iota

	// ActionDeduplicated means the observation extended the current run.
	ActionDeduplicated

	// ActionRecorded means the observation starts a new run and must be
	// written.
	ActionRecorded
)

func (a Action) String() string {
	switch a {
	case ActionSuppressed:
		return "suppressed"
	case ActionDeduplicated:
		return "deduplicated"
	case ActionRecorded:
		return "recorded"
	default:
		return "unknown"
	}
}

// Decision tells the caller what to write. Flush, when set, must be written
// before Insert.
type Decision struct {
	Action Action
	Flush  *Row
	Insert *Row
}

// Stats counts decisions since the cache was created.
type Stats struct {
	Recorded     uint64
	Deduplicated uint64
	Suppressed   uint64
	Flushed      uint64
	Evicted      uint64
}

// Cache holds the run state of every bin seen in a session.
type Cache struct {
	// MaxIdleEpochs evicts bins not observed for this many epochs when a
	// new epoch begins. Zero keeps every bin for the cache lifetime.
	MaxIdleEpochs uint64

	bins    map[Key]*BinState
	current uint64
	marker  uint64
	stats   Stats
}

// New creates an empty cache.
func New() *Cache {
	return &Cache{bins: make(map[Key]*BinState)}
}

// Advance records that epoch has begun. When epoch is newer than the
// current one, the previous current epoch becomes the flush marker, and
// bins idle for more than MaxIdleEpochs are evicted. The run-end rows of
// evicted bins are returned.
func (c *Cache) Advance(epoch uint64) []Row {
	if !c.advance(epoch) {
		return nil
	}
	if c.MaxIdleEpochs == 0 || epoch <= c.MaxIdleEpochs {
		return nil
	}
	return c.Evict(epoch - c.MaxIdleEpochs)
}

func (c *Cache) advance(epoch uint64) bool {
	if epoch <= c.current {
		return false
	}
	c.marker = c.current
	c.current = epoch
	return true
}

// Marker returns the last flushed epoch.
func (c *Cache) Marker() uint64 {
	return c.marker
}

// Observe applies one observation and returns the rows to write.
func (c *Cache) Observe(o Observation) Decision {
	if o.Read == 0 && o.Write == 0 {
		c.stats.Suppressed++
		return Decision{Action: ActionSuppressed}
	}
	c.advance(o.Epoch)

	st, existed := c.bins[o.Key]
	if !existed {
		st = &BinState{}
		c.bins[o.Key] = st
	}

	if existed && o.Epoch > st.First && o.Read == st.Read && o.Write == st.Write {
		st.Last = o.Epoch
		c.stats.Deduplicated++
		return Decision{Action: ActionDeduplicated}
	}

	var d Decision
	// The run end is only flushed once its start predates the marker. A run
	// that began in the epoch right before the marker and changes within
	// the current epoch keeps only its start row.
	if existed && st.Last > st.First && st.First < c.marker {
		d.Flush = &Row{Epoch: st.Last, Key: o.Key, Read: st.Read, Write: st.Write}
		c.stats.Flushed++
	}

	*st = BinState{First: o.Epoch, Last: o.Epoch, Read: o.Read, Write: o.Write}

	d.Action = ActionRecorded
	d.Insert = &Row{Epoch: o.Epoch, Key: o.Key, Read: o.Read, Write: o.Write}
	c.stats.Recorded++
	return d
}

// Drain returns the run-end row of every run spanning more than one epoch
// and rebases those runs onto their last epoch, so a later Drain does not
// repeat them. It is called when a session closes.
func (c *Cache) Drain() []Row {
	var rows []Row
	for k, st := range c.bins {
		if st.Last > st.First {
			rows = append(rows, Row{Epoch: st.Last, Key: k, Read: st.Read, Write: st.Write})
			st.First = st.Last
		}
	}
	c.stats.Flushed += uint64(len(rows))
	sortRows(rows)
	return rows
}

// Evict removes bins whose last observation is older than minEpoch and
// returns the run-end rows of those spanning more than one epoch.
func (c *Cache) Evict(minEpoch uint64) []Row {
	var rows []Row
	for k, st := range c.bins {
		if st.Last >= minEpoch {
			continue
		}
		if st.Last > st.First {
			rows = append(rows, Row{Epoch: st.Last, Key: k, Read: st.Read, Write: st.Write})
		}
		delete(c.bins, k)
		c.stats.Evicted++
	}
	c.stats.Flushed += uint64(len(rows))
	sortRows(rows)
	return rows
}

// Lookup returns a copy of the state of k.
func (c *Cache) Lookup(k Key) (BinState, bool) {
	st, ok := c.bins[k]
	if !ok {
		return BinState{}, false
	}
	return *st, true
}

// Len returns the number of tracked bins.
func (c *Cache) Len() int {
	return len(c.bins)
}

// Stats returns the decision counters.
func (c *Cache) Stats() Stats {
	return c.stats
}

func sortRows(rows []Row) {
	sort.Slice(rows, func(i, j int) bool {
		a, b := rows[i], rows[j]
		if a.Device != b.Device {
			return a.Device < b.Device
		}
		if a.Kind != b.Kind {
			return a.Kind < b.Kind
		}
		return a.Bin < b.Bin
	})
}
