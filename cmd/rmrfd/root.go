// Command rmrfd is the daemon facade named as an external collaborator in
// spec.md §2.6/§6: it wires internal/gatherer and internal/inventory
// together, submits root directories, and prints a deletion-order report.
// It never calls unlink/rmdir itself — that phase is explicitly out of
// scope (spec.md §1) — the facade only demonstrates the boundary the core
// exposes through the armed flag.
//
// Grounded on azcopy's cmd package: a cobra.Command tree (cmd/root.go)
// with leaf commands registering their own flags (cmd/remove.go), the
// same shape kept here at a single-command scale.
package main

import (
	"context"
	stderrors "errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/cehteh/rmrfd/internal/gatherer"
	"github.com/cehteh/rmrfd/internal/inventory"
	"github.com/cehteh/rmrfd/internal/namepool"
	"github.com/cehteh/rmrfd/internal/objectpath"
	"github.com/cehteh/rmrfd/internal/rmrfdlog"
)

// rawFlags mirrors azcopy's cmd package convention (e.g. removeCmdArgs in
// cmd/remove.go) of collecting cobra-bound flag values into one struct
// before validating and converting them.
type rawFlags struct {
	gatherThreads    int
	inventoryBacklog int
	outputChannels   int
	minBlocks        int64
	armed            bool
	verbose          bool
}

func newRootCmd() *cobra.Command {
	raw := rawFlags{}

	cmd := &cobra.Command{
		Use:   "rmrfd [directories...]",
		Short: "Gather an inventory of a directory tree in deletion order",
		Long: "rmrfd walks one or more directory trees concurrently, builds an " +
			"in-memory inventory keyed by (device, blocks, inode), and reports " +
			"the order its consumer would need to delete entries in to reclaim " +
			"space soonest. It never deletes anything itself.",
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGather(cmd.Context(), raw, args)
		},
	}

	// The five configuration options enumerated in spec.md §6, plus
	// --verbose for the log level.
	cmd.Flags().IntVar(&raw.gatherThreads, "gather-threads", 16, "worker-pool size")
	cmd.Flags().IntVar(&raw.inventoryBacklog, "inventory-backlog", 1024, "bounded-channel capacity between gatherer and assembler")
	cmd.Flags().IntVar(&raw.outputChannels, "output-channels", 1, "number of independent output partitions, sharded by (blocks, inode) hash")
	cmd.Flags().Int64Var(&raw.minBlocks, "min-blocks", 64, "entries with fewer 512-byte blocks than this are dropped")
	cmd.Flags().BoolVar(&raw.armed, "armed", false, "safety switch; when false rmrfd only reports, never deletes")
	cmd.Flags().BoolVar(&raw.verbose, "verbose", false, "enable debug-level logging")

	return cmd
}

func runGather(ctx context.Context, raw rawFlags, roots []string) error {
	level := rmrfdlog.LevelInfo
	if raw.verbose {
		level = rmrfdlog.LevelDebug
	}
	logger := rmrfdlog.New(os.Stderr, level)
	defer logger.Close()

	for _, root := range roots {
		if _, err := os.Stat(root); err != nil {
			return fmt.Errorf("rmrfd: root %q: %w", root, err)
		}
	}

	pool := namepool.New()
	cfg := gatherer.Config{
		Threads:        raw.gatherThreads,
		OutputChannels: raw.outputChannels,
		OutputBacklog:  raw.inventoryBacklog,
		MinBlocks:      raw.minBlocks,
	}
	builder := gatherer.NewBuilder(cfg, pool, logger)

	handle, partitions := builder.Start(ctx, gatherer.DefaultClassifier)
	for _, root := range roots {
		handle.LoadDirRecursive(objectpath.FromFilesystemPath(pool, root))
	}

	inv := inventory.New(raw.minBlocks)
	if err := inventory.Run(ctx, inv, partitions); err != nil {
		return fmt.Errorf("rmrfd: inventory assembly: %w", err)
	}

	// The core only knows quiescence, not termination (spec.md §5
	// "Cancellation"): once this one-shot run's inventory has gone
	// quiescent (every partition delivered Done), the facade is the
	// collaborator that decides to shut the pool down, the same way an
	// external daemon shutdown would close the output channel.
	handle.Shutdown()
	if err := handle.Wait(); err != nil && !stderrors.Is(err, context.Canceled) {
		return fmt.Errorf("rmrfd: gathering: %w", err)
	}

	report(inv, raw.armed)
	return nil
}

func report(inv *inventory.Inventory, armed bool) {
	mode := "DRY RUN (not armed; no destructive action would be taken)"
	if armed {
		mode = "ARMED (a real deletion stage would now proceed)"
	}
	fmt.Printf("rmrfd: %s\n", mode)

	inv.Walk(func(e inventory.DeletionEntry) bool {
		for _, p := range e.Paths {
			fmt.Printf("device=%d blocks=%d inode=%d %s\n", e.Device, e.Key.Blocks, e.Key.Inode, p.Path())
		}
		return true
	})

	for _, f := range inv.Errors() {
		fmt.Fprintf(os.Stderr, "rmrfd: error: %s: %v\n", f.Path, f.Cause)
	}
}
