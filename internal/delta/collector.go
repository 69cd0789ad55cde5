package delta

import (
	"sort"
	"sync"
	"time"

	"github.com/kittclouds/canvas-sync/internal/record"
)

// Config controls the collector's flush triggers. The snapshot is immutable;
// swap the whole thing via SetConfig.
type Config struct {
	// Debounce is how long the collector waits after the most recent
	// mutation before flushing. Reset by every tracking call.
	Debounce time.Duration

	// MaxWait bounds worst-case staleness. Started on the first delta of a
	// collection window and never reset, so a continuous stream of edits
	// cannot defer a flush forever.
	MaxWait time.Duration

	// MaxPending forces an immediate flush once the pending count reaches
	// it, bounding memory growth. Zero disables the threshold.
	MaxPending int
}

// DefaultConfig returns the collector defaults used by the engine.
func DefaultConfig() Config {
	return Config{
		Debounce:   300 * time.Millisecond,
		MaxWait:    2 * time.Second,
		MaxPending: 500,
	}
}

// FlushFunc receives a sealed batch when a flush trigger fires. The batch is
// immutable: node deltas first, then edge deltas, each in arrival order.
// FlushFunc is called outside the collector's lock, so implementations may
// call back into the collector.
type FlushFunc func(batch []*Delta)

// Collector accumulates deltas and decides when to flush.
//
// A collection window runs a small state machine: idle until the first
// tracked delta, then collecting with two live timers (resettable debounce,
// non-resettable max-wait) until whichever trigger fires first - debounce,
// max-wait, or the pending-count threshold. On flush the entire pending set
// is swapped out atomically and the collector is immediately ready for the
// next window.
type Collector struct {
	mu      sync.Mutex
	clock   Clock
	cfg     Config
	onFlush FlushFunc

	nodes    map[string]*Delta
	edges    map[string]*Delta
	versions map[string]int64
	nextSeq  int64

	collecting bool
	debounce   Timer
	maxWait    Timer
}

// NewCollector creates a collector that hands sealed batches to onFlush.
// A nil clock uses wall time.
func NewCollector(cfg Config, clock Clock, onFlush FlushFunc) *Collector {
	if clock == nil {
		clock = WallClock()
	}
	return &Collector{
		clock:    clock,
		cfg:      cfg,
		onFlush:  onFlush,
		nodes:    make(map[string]*Delta),
		edges:    make(map[string]*Delta),
		versions: make(map[string]int64),
	}
}

// Insert tracks an insert mutation carrying the full record.
func (c *Collector) Insert(id string, class Class, data record.Record) {
	c.track(&Delta{ID: id, Class: class, Op: OpInsert, Data: data})
}

// Update tracks a field-level update as an ordered patch list.
func (c *Collector) Update(id string, class Class, patches []record.FieldPatch) {
	c.track(&Delta{ID: id, Class: class, Op: OpUpdate, Patches: patches})
}

// UpdateFull tracks an update that replaces the whole row.
func (c *Collector) UpdateFull(id string, class Class, data record.Record) {
	c.track(&Delta{ID: id, Class: class, Op: OpUpdate, Data: data, FullData: true})
}

// Delete tracks a delete mutation.
func (c *Collector) Delete(id string, class Class) {
	c.track(&Delta{ID: id, Class: class, Op: OpDelete})
}

func (c *Collector) track(d *Delta) {
	c.mu.Lock()

	vkey := string(d.Class) + "/" + d.ID
	c.versions[vkey]++
	d.Version = c.versions[vkey]
	d.Timestamp = c.clock.Now()
	c.nextSeq++
	d.seq = c.nextSeq

	pending := c.pendingMap(d.Class)
	merged := Coalesce(pending[d.ID], d)
	if merged == nil {
		delete(pending, d.ID)
	} else {
		pending[d.ID] = merged
	}

	count := len(c.nodes) + len(c.edges)
	if count == 0 {
		// Insert cancelled by delete may have emptied the window.
		c.closeWindowLocked()
		c.mu.Unlock()
		return
	}

	if c.cfg.MaxPending > 0 && count >= c.cfg.MaxPending {
		batch := c.sealLocked()
		c.mu.Unlock()
		if len(batch) > 0 && c.onFlush != nil {
			// Dispatched off the caller's goroutine; tracking calls never
			// block behind the flush.
			go c.onFlush(batch)
		}
		return
	}

	if !c.collecting {
		c.collecting = true
		c.maxWait = c.clock.AfterFunc(c.cfg.MaxWait, c.timerFlush)
		c.debounce = c.clock.AfterFunc(c.cfg.Debounce, c.timerFlush)
	} else {
		c.debounce.Reset(c.cfg.Debounce)
	}
	c.mu.Unlock()
}

// timerFlush fires from either window timer. Whichever fires first wins; the
// loser is stopped when the window closes.
func (c *Collector) timerFlush() {
	c.mu.Lock()
	batch := c.sealLocked()
	c.mu.Unlock()
	if len(batch) > 0 && c.onFlush != nil {
		c.onFlush(batch)
	}
}

// Drain atomically removes and returns the pending set without invoking the
// flush callback. Used by forceFlush to bypass the timers.
func (c *Collector) Drain() []*Delta {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sealLocked()
}

// Requeue re-inserts the deltas of a failed batch so no mutation is silently
// dropped. A delta tracked after the failed flush is newer state: it is
// coalesced on top of the re-queued one. Restarts the window timers when the
// pending set becomes non-empty.
func (c *Collector) Requeue(batch []*Delta) {
	c.mu.Lock()
	for _, d := range batch {
		pending := c.pendingMap(d.Class)
		if existing, ok := pending[d.ID]; ok {
			if merged := Coalesce(d, existing); merged != nil {
				pending[d.ID] = merged
			} else {
				delete(pending, d.ID)
			}
		} else {
			pending[d.ID] = d
		}
	}

	if len(c.nodes)+len(c.edges) > 0 && !c.collecting {
		c.collecting = true
		c.maxWait = c.clock.AfterFunc(c.cfg.MaxWait, c.timerFlush)
		c.debounce = c.clock.AfterFunc(c.cfg.Debounce, c.timerFlush)
	}
	c.mu.Unlock()
}

// SetConfig swaps the trigger configuration. The new debounce takes effect
// immediately on an open window; max-wait keeps its original deadline. A
// MaxPending lowered to or below the current pending count flushes right
// away instead of waiting for the next tracking call.
func (c *Collector) SetConfig(cfg Config) {
	c.mu.Lock()
	c.cfg = cfg
	if cfg.MaxPending > 0 && len(c.nodes)+len(c.edges) >= cfg.MaxPending {
		batch := c.sealLocked()
		c.mu.Unlock()
		if len(batch) > 0 && c.onFlush != nil {
			go c.onFlush(batch)
		}
		return
	}
	if c.collecting {
		c.debounce.Reset(cfg.Debounce)
	}
	c.mu.Unlock()
}

// HasPending reports whether any delta is buffered. Non-blocking; used for
// UI indicators.
func (c *Collector) HasPending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.nodes)+len(c.edges) > 0
}

// PendingCount returns the number of buffered deltas.
func (c *Collector) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.nodes) + len(c.edges)
}

// Counts returns the pending node and edge delta counts.
func (c *Collector) Counts() (nodes, edges int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.nodes), len(c.edges)
}

// Stop cancels any live window timers. Pending deltas stay buffered.
func (c *Collector) Stop() {
	c.mu.Lock()
	c.closeWindowLocked()
	c.mu.Unlock()
}

func (c *Collector) pendingMap(class Class) map[string]*Delta {
	if class == ClassEdge {
		return c.edges
	}
	return c.nodes
}

// sealLocked swaps out the pending set as an immutable batch: nodes before
// edges, arrival order within each class. Caller holds c.mu.
func (c *Collector) sealLocked() []*Delta {
	c.closeWindowLocked()

	if len(c.nodes)+len(c.edges) == 0 {
		return nil
	}

	batch := make([]*Delta, 0, len(c.nodes)+len(c.edges))
	batch = appendSorted(batch, c.nodes)
	batch = appendSorted(batch, c.edges)

	c.nodes = make(map[string]*Delta)
	c.edges = make(map[string]*Delta)
	return batch
}

func (c *Collector) closeWindowLocked() {
	if c.debounce != nil {
		c.debounce.Stop()
		c.debounce = nil
	}
	if c.maxWait != nil {
		c.maxWait.Stop()
		c.maxWait = nil
	}
	c.collecting = false
}

func appendSorted(dst []*Delta, pending map[string]*Delta) []*Delta {
	start := len(dst)
	for _, d := range pending {
		dst = append(dst, d)
	}
	sub := dst[start:]
	sort.Slice(sub, func(i, j int) bool { return sub[i].seq < sub[j].seq })
	return dst
}
