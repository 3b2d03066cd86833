package inventory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cehteh/rmrfd/internal/gatherer"
	"github.com/cehteh/rmrfd/internal/namepool"
	"github.com/cehteh/rmrfd/internal/objectpath"
	"github.com/cehteh/rmrfd/internal/rmrfderrors"
)

func path(pool *namepool.Pool, parts ...string) *objectpath.Node {
	var n *objectpath.Node
	for _, p := range parts {
		n = objectpath.Child(n, pool.InternString(p))
	}
	return n
}

func singlePartitionDone(t *testing.T, inv *Inventory, recs []gatherer.Record) {
	t.Helper()
	ch := make(chan gatherer.Record, len(recs)+1)
	for _, r := range recs {
		ch <- r
	}
	ch <- gatherer.Record{Kind: gatherer.RecordDone}
	close(ch)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, Run(ctx, inv, []<-chan gatherer.Record{ch}))
}

func TestInsertEntryGroupsByDeviceAndKey(t *testing.T) {
	pool := namepool.New()
	inv := New(0)

	singlePartitionDone(t, inv, []gatherer.Record{
		{Kind: gatherer.RecordEntry, Device: 1, Blocks: 8, Inode: 100, Path: path(pool, "a", "x.bin")},
		{Kind: gatherer.RecordEntry, Device: 1, Blocks: 8, Inode: 100, Path: path(pool, "a", "x.bin")}, // duplicate path
		{Kind: gatherer.RecordEntry, Device: 1, Blocks: 16, Inode: 200, Path: path(pool, "b", "y.bin")},
		{Kind: gatherer.RecordEntry, Device: 2, Blocks: 8, Inode: 100, Path: path(pool, "c", "z.bin")},
	})

	var got []DeletionEntry
	inv.Walk(func(e DeletionEntry) bool {
		got = append(got, e)
		return true
	})

	require.Len(t, got, 3)
	byDev := map[uint64][]DeletionEntry{}
	for _, e := range got {
		byDev[e.Device] = append(byDev[e.Device], e)
	}
	require.Len(t, byDev[1], 2)
	// descending order within device 1: blocks=16 before blocks=8
	assert.Equal(t, int64(16), byDev[1][0].Key.Blocks)
	assert.Equal(t, int64(8), byDev[1][1].Key.Blocks)
	assert.Len(t, byDev[1][1].Paths, 1, "duplicate path must not be double-counted")
}

func TestMinBlocksFilterIsReenforced(t *testing.T) {
	pool := namepool.New()
	inv := New(10)

	singlePartitionDone(t, inv, []gatherer.Record{
		{Kind: gatherer.RecordEntry, Device: 1, Blocks: 4, Inode: 1, Path: path(pool, "small")},
		{Kind: gatherer.RecordEntry, Device: 1, Blocks: 40, Inode: 2, Path: path(pool, "big")},
	})

	var got []DeletionEntry
	inv.Walk(func(e DeletionEntry) bool {
		got = append(got, e)
		return true
	})
	require.Len(t, got, 1)
	assert.Equal(t, int64(40), got[0].Key.Blocks)
}

func TestHardLinksShareOneObjectList(t *testing.T) {
	pool := namepool.New()
	inv := New(0)

	singlePartitionDone(t, inv, []gatherer.Record{
		{Kind: gatherer.RecordEntry, Device: 1, Blocks: 8, Inode: 42, Path: path(pool, "a", "orig.bin")},
		{Kind: gatherer.RecordEntry, Device: 1, Blocks: 8, Inode: 42, Path: path(pool, "a", "link.bin")},
	})

	var got []DeletionEntry
	inv.Walk(func(e DeletionEntry) bool {
		got = append(got, e)
		return true
	})
	require.Len(t, got, 1)
	assert.Len(t, got[0].Paths, 2, "both hard-link aliases must land in the same object list")
}

func TestErrorRecordsAreLoggedByPath(t *testing.T) {
	inv := New(0)
	cause := rmrfderrors.New(rmrfderrors.StatFailed, "broken/entry", assert.AnError)

	singlePartitionDone(t, inv, []gatherer.Record{
		{Kind: gatherer.RecordError, Err: cause},
	})

	errs := inv.Errors()
	require.Len(t, errs, 1)
	assert.Equal(t, "broken/entry", errs[0].Path)
	assert.Same(t, cause, errs[0].Cause)
}

func TestWalkDescendingKeyOrderTiesBrokenByInode(t *testing.T) {
	pool := namepool.New()
	inv := New(0)

	singlePartitionDone(t, inv, []gatherer.Record{
		{Kind: gatherer.RecordEntry, Device: 1, Blocks: 8, Inode: 30, Path: path(pool, "c")},
		{Kind: gatherer.RecordEntry, Device: 1, Blocks: 8, Inode: 10, Path: path(pool, "a")},
		{Kind: gatherer.RecordEntry, Device: 1, Blocks: 8, Inode: 20, Path: path(pool, "b")},
	})

	var inodes []uint64
	inv.Walk(func(e DeletionEntry) bool {
		inodes = append(inodes, e.Key.Inode)
		return true
	})
	assert.Equal(t, []uint64{30, 20, 10}, inodes)
}

func TestWalkStopsWhenYieldReturnsFalse(t *testing.T) {
	pool := namepool.New()
	inv := New(0)
	singlePartitionDone(t, inv, []gatherer.Record{
		{Kind: gatherer.RecordEntry, Device: 1, Blocks: 1, Inode: 1, Path: path(pool, "a")},
		{Kind: gatherer.RecordEntry, Device: 1, Blocks: 2, Inode: 2, Path: path(pool, "b")},
	})

	count := 0
	inv.Walk(func(DeletionEntry) bool {
		count++
		return false
	})
	assert.Equal(t, 1, count)
}

func TestRunFansInMultiplePartitions(t *testing.T) {
	pool := namepool.New()
	inv := New(0)

	chA := make(chan gatherer.Record, 2)
	chB := make(chan gatherer.Record, 2)
	chA <- gatherer.Record{Kind: gatherer.RecordEntry, Device: 1, Blocks: 8, Inode: 1, Path: path(pool, "a")}
	chA <- gatherer.Record{Kind: gatherer.RecordDone}
	chB <- gatherer.Record{Kind: gatherer.RecordEntry, Device: 1, Blocks: 16, Inode: 2, Path: path(pool, "b")}
	chB <- gatherer.Record{Kind: gatherer.RecordDone}
	close(chA)
	close(chB)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, Run(ctx, inv, []<-chan gatherer.Record{chA, chB}))

	var count int
	inv.Walk(func(DeletionEntry) bool { count++; return true })
	assert.Equal(t, 2, count)
}
