// Package gatherer implements the worker-pool engine described in
// spec.md §4.4: it consumes directory work items from a priority queue,
// opens each directory relative to a cached parent handle when possible,
// classifies entries, enqueues sub-directories, and forwards qualifying
// entries to a bounded output stream.
//
// The pool shape (fixed worker goroutines draining a shared work source,
// each able to feed more work back in) is grounded on azcopy's
// common/parallel.crawler (TreeCrawler.go): runWorkersToCompletion spins
// up parallelism goroutines each running workerLoop/processOneDirectory;
// this package keeps that shape but replaces the sync.Cond/slice queue
// with internal/pqueue (so sub-directory scheduling is priority-ordered,
// not FIFO/LIFO), and replaces azcopy's ad-hoc sync.WaitGroup with
// golang.org/x/sync/errgroup so a worker's fatal error (channel closed)
// can be propagated to the caller.
package gatherer

import (
	"context"
	stderrors "errors"
	"hash/fnv"
	"io"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/cehteh/rmrfd/internal/dirfd"
	"github.com/cehteh/rmrfd/internal/namepool"
	"github.com/cehteh/rmrfd/internal/objectpath"
	"github.com/cehteh/rmrfd/internal/pqueue"
	"github.com/cehteh/rmrfd/internal/rmrfderrors"
	"github.com/cehteh/rmrfd/internal/rmrfdlog"
)

// depthBits is the width of the depth field packed into the high bits of
// a sub-directory item's priority, per spec.md §4.4. 16 bits covers any
// tree up to 65535 levels deep, which no real filesystem exceeds.
const depthBits = 16
const maxDepth = (1 << depthBits) - 1
const inodeMask = (uint64(1) << (64 - depthBits)) - 1

// RootPriority is the priority carried by caller-submitted roots
// (spec.md §6 load_dir_recursive): the maximum representable value, so
// root items are only dequeued once no sub-directory work remains.
const RootPriority = ^uint64(0)

// subdirPriority implements spec.md §4.4: ((MAX_DEPTH - depth) << 48) |
// inode, clamped so a pathologically deep tree still produces a valid
// (if less discriminating) priority rather than overflowing.
func subdirPriority(depth int, inode uint64) uint64 {
	d := depth
	if d > maxDepth {
		d = maxDepth
	}
	return (uint64(maxDepth-d) << (64 - depthBits)) | (inode & inodeMask)
}

// RecordKind distinguishes the three output record kinds of spec.md §6.
type RecordKind int

const (
	RecordEntry RecordKind = iota
	RecordError
	RecordDone
)

// Record is one item on the gatherer's output stream.
type Record struct {
	Kind   RecordKind
	Device uint64
	Blocks int64
	Inode  uint64
	Nlink  uint64
	Path   *objectpath.Node
	Err    *rmrfderrors.Error
}

// DirEntry is the classifier-visible view of one enumerated directory
// child: its interned name plus the stat already fetched for it. Stat is
// fetched eagerly for every entry (not just non-directories) because
// computing a sub-directory's scheduling priority requires its inode
// number (spec.md §4.4), so the d_type fast path alone is not enough;
// see DESIGN.md for the full rationale.
type DirEntry struct {
	Name *namepool.Name
	Stat dirfd.Stat
}

// Handle is the lightweight handle passed to classifiers and returned to
// external callers (spec.md §4.4: "a lightweight handle into the
// gatherer"). Within a classify call it is bound to the directory
// currently being enumerated; TraverseDir and OutputMetadata compute
// child paths relative to that directory.
type Handle struct {
	g          *Gatherer
	parentPath *objectpath.Node
	parentDir  *dirfd.Handle
}

// TraverseDir submits entry as a sub-directory to recurse into. It must
// only be called from within a Classify callback.
func (h *Handle) TraverseDir(entry DirEntry) {
	childPath := objectpath.Child(h.parentPath, entry.Name)
	priority := subdirPriority(childPath.Depth(), entry.Stat.Ino)
	h.g.queue.Send(&workItem{path: childPath, parentHandle: h.parentDir.Retain()}, priority)
}

// OutputMetadata submits entry as a candidate qualifying file. It applies
// the min_blocks filter and, if the entry qualifies, forwards it (with
// backpressure) to the output stream. It must only be called from within
// a Classify callback.
func (h *Handle) OutputMetadata(entry DirEntry) {
	if entry.Stat.Blocks < h.g.cfg.MinBlocks {
		return
	}
	childPath := objectpath.Child(h.parentPath, entry.Name)
	h.g.emitEntry(Record{
		Kind:   RecordEntry,
		Device: entry.Stat.Dev,
		Blocks: entry.Stat.Blocks,
		Inode:  entry.Stat.Ino,
		Nlink:  entry.Stat.Nlink,
		Path:   childPath,
	})
}

// Wait forwards to the underlying Gatherer's Wait, letting external
// callers that only hold a Handle (the type Builder.Start returns) block
// until the pool shuts down without reaching into unexported fields.
func (h *Handle) Wait() error {
	return h.g.Wait()
}

// Shutdown forwards to the underlying Gatherer's Shutdown.
func (h *Handle) Shutdown() {
	h.g.Shutdown()
}

// LoadDirRecursive submits path as a root directory, at the lowest
// priority (spec.md §6 Submission API), so in-flight traversal finishes
// before newly added roots compete.
func (h *Handle) LoadDirRecursive(path *objectpath.Node) {
	h.g.queue.Send(&workItem{path: path}, RootPriority)
}

// Classifier decides, for each discovered directory entry, whether to
// recurse (TraverseDir), emit it (OutputMetadata), or ignore/error it.
// Modelled as an interface (spec.md §9 "Dynamic dispatch vs closures")
// so callers can also supply a plain function via ClassifierFunc.
type Classifier interface {
	Classify(h *Handle, entry DirEntry, parentPath *objectpath.Node, parentDir *dirfd.Handle)
}

// ClassifierFunc adapts a plain function to the Classifier interface, the
// same way http.HandlerFunc adapts a function to http.Handler.
type ClassifierFunc func(h *Handle, entry DirEntry, parentPath *objectpath.Node, parentDir *dirfd.Handle)

func (f ClassifierFunc) Classify(h *Handle, entry DirEntry, parentPath *objectpath.Node, parentDir *dirfd.Handle) {
	f(h, entry, parentPath, parentDir)
}

// DefaultClassifier routes directories to TraverseDir and everything else
// to OutputMetadata, the baseline policy spec.md describes.
var DefaultClassifier Classifier = ClassifierFunc(func(h *Handle, entry DirEntry, _ *objectpath.Node, _ *dirfd.Handle) {
	if entry.Stat.IsDir {
		h.TraverseDir(entry)
		return
	}
	h.OutputMetadata(entry)
})

// Config holds the spec.md §6 configuration options relevant to the
// gatherer.
type Config struct {
	// Threads is gather_threads: the worker-pool size.
	Threads int
	// OutputChannels is output_channels: number of independent output
	// partitions, sharded by (blocks, inode) hash. 1 means a single
	// channel.
	OutputChannels int
	// OutputBacklog is the bounded capacity of each output partition
	// (inventory_backlog in spec.md §6).
	OutputBacklog int
	// MinBlocks is min_blocks: entries with fewer blocks are dropped
	// before reaching the output stream.
	MinBlocks int64
}

func (c Config) normalized() Config {
	if c.Threads <= 0 {
		c.Threads = 16 // spec.md §5 default "moderate" pool size
	}
	if c.OutputChannels <= 0 {
		c.OutputChannels = 1
	}
	if c.OutputBacklog <= 0 {
		c.OutputBacklog = 1024
	}
	return c
}

type workItem struct {
	path         *objectpath.Node
	parentHandle *dirfd.Handle // nil for roots, which open absolutely
}

// Builder assembles a Gatherer's dependencies before starting its worker
// pool (spec.md §4.4: "build() → Builder; Builder.start(classify) →
// (GathererHandle, OutputChannel)").
type Builder struct {
	cfg    Config
	pool   *namepool.Pool
	logger rmrfdlog.Logger
}

// NewBuilder creates a Builder. pool is the shared name-interning pool
// (spec.md §9: "an explicitly-passed dependency ... not a hidden
// singleton"). A nil logger defaults to rmrfdlog.Discard.
func NewBuilder(cfg Config, pool *namepool.Pool, logger rmrfdlog.Logger) *Builder {
	if logger == nil {
		logger = rmrfdlog.Discard
	}
	return &Builder{cfg: cfg.normalized(), pool: pool, logger: logger}
}

// Gatherer is the running worker pool.
type Gatherer struct {
	cfg     Config
	pool    *namepool.Pool
	logger  rmrfdlog.Logger
	queue   *pqueue.Queue
	outputs []chan Record
	runID   string
	group   *errgroup.Group
	ctx     context.Context
	cancel  context.CancelFunc
}

// Start launches the worker pool and returns a handle for submitting
// roots (also usable by the classifier) plus the output partitions.
// Failure to allocate the pool is fatal to Start, per spec.md §4.4.
//
// Before launching workers, Start raises RLIMIT_NOFILE toward its hard
// limit (spec.md §5's first sanctioned EMFILE defense: "increases the OS
// limit at startup"). This is best-effort and logged, not fatal: an
// unprivileged process that cannot raise its limit still runs with the
// limit already in effect.
func (b *Builder) Start(parentCtx context.Context, classifier Classifier) (*Handle, []<-chan Record) {
	if classifier == nil {
		classifier = DefaultClassifier
	}
	ctx, cancel := context.WithCancel(parentCtx)
	g := &Gatherer{
		cfg:     b.cfg,
		pool:    b.pool,
		logger:  b.logger,
		queue:   pqueue.New(),
		outputs: make([]chan Record, b.cfg.OutputChannels),
		runID:   uuid.NewString(),
		ctx:     ctx,
		cancel:  cancel,
	}
	for i := range g.outputs {
		g.outputs[i] = make(chan Record, b.cfg.OutputBacklog)
	}

	if limit, err := dirfd.RaiseOpenFileLimit(); err != nil {
		g.logger.Log(rmrfdlog.LevelWarning, "could not raise open-file limit", map[string]interface{}{"cause": err})
	} else {
		g.logger.Log(rmrfdlog.LevelDebug, "raised open-file limit", map[string]interface{}{"limit": limit})
	}

	eg, egCtx := errgroup.WithContext(ctx)
	g.group = eg
	for i := 0; i < g.cfg.Threads; i++ {
		workerIndex := i
		eg.Go(func() error {
			return g.workerLoop(egCtx, workerIndex, classifier)
		})
	}

	readers := make([]<-chan Record, len(g.outputs))
	for i, ch := range g.outputs {
		readers[i] = ch
	}
	return &Handle{g: g}, readers
}

// Wait blocks until every worker goroutine has exited (i.e. the pool was
// shut down, either by exhausting all work permanently or by a fatal
// channel-closed error) and returns the first such error, if any.
func (g *Gatherer) Wait() error {
	err := g.group.Wait()
	for _, ch := range g.outputs {
		close(ch)
	}
	return err
}

// Shutdown cancels the pool's context and closes its priority queue.
// Workers blocked in Recv wake immediately with a KindClosed entry
// (spec.md §5 "Cancellation"). A worker sending an Error or Done record
// observes ctx.Done() and exits with a ChannelClosed error (spec.md §7
// "Channel closed"); a worker sending an Entry record drops it, finishes
// its current directory, and then exits with ctx.Err().
func (g *Gatherer) Shutdown() {
	g.cancel()
	g.queue.Close()
}

func (g *Gatherer) workerLoop(ctx context.Context, workerIndex int, classifier Classifier) error {
	logger := rmrfdlog.WithField(g.logger, "worker", workerIndex)
	logger.Log(rmrfdlog.LevelDebug, "worker started", nil)
	defer logger.Log(rmrfdlog.LevelDebug, "worker stopped", nil)

	for {
		guard := g.queue.Recv()
		entry := guard.Entry()

		if entry.Kind == pqueue.KindClosed {
			guard.Close()
			return nil
		}

		if entry.Kind == pqueue.KindDrained {
			guard.Close()
			if err := g.emitDone(ctx); err != nil {
				return err
			}
			continue
		}

		item := guard.IntoItem().(*workItem)
		err := g.processDirectory(ctx, item, classifier)
		guard.Close()
		if err != nil {
			var rerr *rmrfderrors.Error
			if stderrors.As(err, &rerr) && rerr.IsFatal() {
				logger.Log(rmrfdlog.LevelError, "worker exiting on fatal error", map[string]interface{}{
					"path": item.path.Path(), "cause": rerr.Error(),
				})
				return err
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
}

func (g *Gatherer) processDirectory(ctx context.Context, item *workItem, classifier Classifier) error {
	var dir *dirfd.Handle
	var err error
	if item.parentHandle != nil {
		dir, err = item.parentHandle.OpenChild(item.path.Name().String())
		item.parentHandle.Release()
	} else {
		dir, err = dirfd.OpenRoot(item.path.Path())
	}
	if err != nil {
		return g.emitError(ctx, rmrfderrors.OpenFailed, item.path.Path(), err)
	}
	defer dir.Release()

	handle := &Handle{g: g, parentPath: item.path, parentDir: dir}

	for {
		names, readErr := dir.ReadNames(10240)
		for _, name := range names {
			st, statErr := dir.StatChild(name)
			if statErr != nil {
				if err := g.emitError(ctx, rmrfderrors.StatFailed, item.path.Path()+"/"+name, statErr); err != nil {
					return err
				}
				continue
			}
			classifier.Classify(handle, DirEntry{Name: g.pool.InternString(name), Stat: st}, item.path, dir)
		}
		if readErr != nil {
			if stderrors.Is(readErr, io.EOF) {
				break
			}
			return g.emitError(ctx, rmrfderrors.EnumerateFailed, item.path.Path(), readErr)
		}
		if len(names) == 0 {
			break
		}
	}
	return nil
}

func (g *Gatherer) emitEntry(rec Record) {
	idx := g.shardForIdentity(uint64(rec.Blocks), rec.Inode)
	select {
	case g.outputs[idx] <- rec:
	case <-g.ctx.Done():
	}
}

func (g *Gatherer) emitError(ctx context.Context, kind rmrfderrors.Kind, path string, cause error) error {
	rec := Record{Kind: RecordError, Err: rmrfderrors.New(kind, path, cause)}
	if g.logger.ShouldLog(rmrfdlog.LevelWarning) {
		g.logger.Log(rmrfdlog.LevelWarning, "entry error", map[string]interface{}{
			"path": path, "kind": kind.String(), "cause": cause,
		})
	}
	idx := g.shardForPathString(path)
	select {
	case g.outputs[idx] <- rec:
		return nil
	case <-ctx.Done():
		return rmrfderrors.New(rmrfderrors.ChannelClosed, path, ctx.Err())
	}
}

func (g *Gatherer) emitDone(ctx context.Context) error {
	for _, ch := range g.outputs {
		select {
		case ch <- Record{Kind: RecordDone}:
		case <-ctx.Done():
			return rmrfderrors.New(rmrfderrors.ChannelClosed, "", ctx.Err())
		}
	}
	return nil
}

func (g *Gatherer) shardForIdentity(blocks, ino uint64) int {
	if len(g.outputs) == 1 {
		return 0
	}
	h := fnv.New64a()
	var buf [16]byte
	for i := 0; i < 8; i++ {
		buf[i] = byte(blocks >> (8 * i))
		buf[8+i] = byte(ino >> (8 * i))
	}
	_, _ = h.Write(buf[:])
	return int(h.Sum64() % uint64(len(g.outputs)))
}

func (g *Gatherer) shardForPathString(p string) int {
	if len(g.outputs) == 1 {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(p))
	return int(h.Sum64() % uint64(len(g.outputs)))
}
