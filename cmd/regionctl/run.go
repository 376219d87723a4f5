package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/joshuapare/regiongc/heap"
	"github.com/joshuapare/regiongc/heap/alloc"
	"github.com/joshuapare/regiongc/internal/logger"
	"github.com/joshuapare/regiongc/pkg/config"
)

var (
	runMutators  int
	runAllocs    int
	runMaxWords  uint64
	runWindow    int
	runSurvivors int
	runSeed      uint64
	runWatch     bool
)

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run an allocation workload against a fresh heap",
		Long: `The run command creates a heap from the effective configuration,
starts the collector and lets several mutators allocate, write, verify and
free objects. Every object carries a tag that is checked before it is freed,
so objects damaged by evacuation are reported.

Example:
  regionctl run
  regionctl run --mutators 8 --allocs 50000 --max-words 128
  regionctl run --config gc.yaml --watch --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()
			return runRun(ctx, cmd.OutOrStdout())
		},
	}
	cmd.Flags().IntVar(&runMutators, "mutators", 4, "Number of allocating goroutines")
	cmd.Flags().IntVar(&runAllocs, "allocs", 10000, "Allocations per mutator")
	cmd.Flags().Uint64Var(&runMaxWords, "max-words", 64, "Largest object size in words")
	cmd.Flags().IntVar(&runWindow, "window", 32, "Recent objects each mutator keeps alive")
	cmd.Flags().IntVar(&runSurvivors, "survivors", 4, "Objects per mutator kept for the whole run")
	cmd.Flags().Uint64Var(&runSeed, "seed", 1, "Random seed")
	cmd.Flags().BoolVar(&runWatch, "watch", false, "Reload heuristics from --config while running")
	return cmd
}

func runRun(ctx context.Context, out io.Writer) error {
	if runMutators <= 0 || runAllocs <= 0 || runMaxWords == 0 {
		return fmt.Errorf("mutators, allocs and max-words must be positive")
	}

	h, err := heap.New(cfg)
	if err != nil {
		return err
	}
	h.Start(ctx)

	if runWatch && configPath != "" {
		err := config.Watch(ctx, configPath, func(c config.Config, err error) {
			if err != nil {
				logger.Warn("config reload failed", "err", err)
				return
			}
			printVerbose(out, "Reloaded %s\n", configPath)
			h.Reconfigure(c)
		})
		if err != nil {
			_ = h.Close()
			return err
		}
	}

	printVerbose(out, "Heap: %d regions of %d words, %d mutators\n", cfg.RegionCount, cfg.RegionSizeWords, runMutators)
	res, werr := runWorkload(ctx, h, Workload{
		Mutators:  runMutators,
		Allocs:    runAllocs,
		MaxWords:  runMaxWords,
		Window:    runWindow,
		Survivors: runSurvivors,
		Seed:      runSeed,
	})
	if cerr := h.Close(); werr == nil {
		werr = cerr
	}

	if jsonOut {
		if err := printJSON(out, res); err != nil {
			return err
		}
	} else {
		printReport(out, res)
		if werr == nil {
			printInfo(out, "\nAll surviving objects verified.\n")
		}
	}
	return werr
}

func printReport(w io.Writer, r Result) {
	if quiet {
		return
	}
	p := message.NewPrinter(language.English)
	s := r.Heap

	p.Fprintf(w, "Workload\n")
	p.Fprintf(w, "  elapsed:          %v\n", r.Elapsed.Round(time.Microsecond))
	p.Fprintf(w, "  allocations:      %d (%d failed)\n", r.Allocations, r.Failed)
	p.Fprintf(w, "  allocated words:  %d\n", r.AllocatedWords)
	p.Fprintf(w, "  live objects:     %d (%d words)\n", s.LiveObjects, s.LiveWords)
	p.Fprintf(w, "\nHeap\n")
	p.Fprintf(w, "  capacity bytes:   %d\n", s.CapacityBytes)
	p.Fprintf(w, "  used bytes:       %d\n", s.UsedBytes)
	p.Fprintf(w, "  available bytes:  %d\n", s.AvailableBytes)
	p.Fprintf(w, "  pauses:           %d\n", s.Pauses)
	for _, ps := range s.Partitions {
		p.Fprintf(w, "  %-14s    %d regions (%d empty), %d bytes available\n",
			ps.Partition.String()+":", ps.Regions, ps.EmptyRegions, ps.AvailableBytes)
	}
	p.Fprintf(w, "\nCollector\n")
	p.Fprintf(w, "  cycles:           %d concurrent, %d degenerated, %d full (%d cancelled, %d upgraded)\n",
		s.Control.Concurrent, s.Control.Degenerated, s.Control.Full, s.Control.ConcurrentCancelled, s.Control.Upgrades)
	p.Fprintf(w, "  alloc failures:   %d (%d parked, %d mutator wakeups)\n",
		s.Control.AllocFailures, s.Control.BlockedMutators, s.Control.MutatorWakeups)
	p.Fprintf(w, "  reclaimed:        %d regions\n", s.Cycles.ReclaimedRegions)
	p.Fprintf(w, "  moved:            %d objects (%d failed evacuations)\n", s.Cycles.MovedObjects, s.Cycles.FailedEvacs)
	p.Fprintf(w, "\nAllocators\n")
	for _, a := range []struct {
		name string
		st   alloc.Stats
	}{{"mutator", s.Mutator}, {"collector", s.Collector}, {"old-collector", s.OldCollector}} {
		p.Fprintf(w, "  %-14s    %d fast, %d slow, %d refills, %d retained swaps, %d returned\n",
			a.name+":", a.st.FastPath, a.st.SlowPath, a.st.Refills, a.st.RetainedSwaps, a.st.Returned)
	}
	if r.Corrupted > 0 {
		p.Fprintf(w, "\nCORRUPTED OBJECTS: %d\n", r.Corrupted)
	}
}
