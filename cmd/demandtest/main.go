package main

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"slices"
	"sync"
	"syscall"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/e2b-dev/infra/packages/pager/internal/addrspace"
	"github.com/e2b-dev/infra/packages/pager/internal/cfg"
	"github.com/e2b-dev/infra/packages/pager/internal/fault"
	"github.com/e2b-dev/infra/packages/pager/internal/kernel"
	"github.com/e2b-dev/infra/packages/pager/internal/layout"
	"github.com/e2b-dev/infra/packages/pager/internal/testutils"
	"github.com/e2b-dev/infra/packages/pager/pkg/logger"
)

const (
	scenarioSafe    = "safe"
	scenarioFull    = "full"
	scenarioSwap    = "swap"
	scenarioMemtest = "memtest"
)

// badAddr is far above any address space the loader accepts.
const badAddr = 0xFFFFFFFFFFFF

func main() {
	scenario := flag.String("scenario", scenarioSafe, "'safe', 'full', 'swap' or 'memtest'")
	procs := flag.Int("procs", 1, "number of processes to run concurrently")
	imagePath := flag.String("image", "", "ELF image to exec, defaults to a generated text+data image")
	showTrace := flag.Bool("trace", true, "print the trace lines of every process")

	flag.Parse()

	switch *scenario {
	case scenarioSafe, scenarioFull, scenarioSwap, scenarioMemtest:
	default:
		log.Fatalf("invalid scenario: %s", *scenario)
	}

	if *procs < 1 {
		log.Fatalf("procs must be positive, got %d", *procs)
	}

	config, err := cfg.Parse()
	if err != nil {
		log.Fatalf("failed to parse config: %s", err)
	}

	l, err := logger.NewLogger(logger.LoggerConfig{
		ServiceName: "demandtest",
		IsDebug:     config.Debug,
		OutputPaths: []string{"stderr"},
	})
	if err != nil {
		log.Fatalf("failed to create logger: %s", err)
	}
	defer l.Sync() //nolint:errcheck

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	err = run(ctx, l, config, *scenario, *procs, *imagePath, *showTrace)
	if err != nil {
		log.Fatalf("demandtest failed: %s", err)
	}
}

func run(ctx context.Context, l *zap.Logger, config cfg.Config, scenario string, procs int, imagePath string, showTrace bool) error {
	k, err := kernel.New(config, l, nil)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := k.Close(context.WithoutCancel(ctx)); closeErr != nil {
			l.Error("failed to close kernel", zap.Error(closeErr))
		}
	}()

	fmt.Printf("\nKERNEL\n")
	fmt.Printf("======\n")
	fmt.Printf("Boot ID            %s\n", k.BootID())
	fmt.Printf("Physical memory    %d frames (%s)\n", config.PhysicalFrames, humanize.IBytes(uint64(config.PhysicalFrames)*layout.PageSize))
	fmt.Printf("Eviction policy    %s\n", config.EvictionPolicy)
	fmt.Printf("Swap content       %s\n", config.SwapContent)
	fmt.Printf("Scenario           %s x %d\n", scenario, procs)

	var (
		mu      sync.Mutex
		reports = make(map[int]*bytes.Buffer, procs)
	)

	eg, egCtx := errgroup.WithContext(ctx)

	for range procs {
		eg.Go(func() error {
			image, err := openImage(imagePath)
			if err != nil {
				return err
			}

			out := &bytes.Buffer{}

			p, err := runProcess(egCtx, k, image, scenario, out)
			if p == nil {
				return err
			}

			mu.Lock()
			reports[p.PID] = out
			mu.Unlock()

			return err
		})
	}

	runErr := eg.Wait()

	pids := make([]int, 0, len(reports))
	for pid := range reports {
		pids = append(pids, pid)
	}
	slices.Sort(pids)

	for _, pid := range pids {
		fmt.Printf("\nPROCESS %d\n", pid)
		fmt.Printf("==========\n")
		fmt.Print(reports[pid].String())

		if showTrace {
			for _, line := range k.Recorder().Lines(pid) {
				fmt.Println(line)
			}
		}
	}

	mem := k.Memory()

	fmt.Printf("\nSUMMARY\n")
	fmt.Printf("=======\n")
	fmt.Printf("Trace events       %s\n", humanize.Comma(int64(k.Recorder().Count())))
	fmt.Printf("Frames in use      %d of %d (%s)\n", mem.InUse(), mem.Capacity(), humanize.IBytes(uint64(mem.InUse())*layout.PageSize))
	fmt.Printf("Frames available   %d (%s)\n", mem.Available(), humanize.IBytes(uint64(mem.Available())*layout.PageSize))
	fmt.Printf("Live processes     %d\n", k.Processes())

	return runErr
}

func openImage(path string) (addrspace.Executable, error) {
	if path == "" {
		return testutils.NewExecutable(testutils.TextAndData().Build()), nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open image: %w", err)
	}

	return f, nil
}

// runProcess execs image and replays the user program of scenario against
// it. A process killed by the scenario is not an error. The process is nil
// when exec failed.
func runProcess(ctx context.Context, k *kernel.Kernel, image addrspace.Executable, scenario string, out io.Writer) (*kernel.Process, error) {
	p, err := k.Exec(ctx, image, []string{"demandtest", scenario})
	if err != nil {
		return nil, fmt.Errorf("failed to exec: %w", err)
	}

	runErr := replay(ctx, k, p, scenario, out)
	if errors.Is(runErr, kernel.ErrProcessKilled) {
		fmt.Fprintf(out, "process killed: %s\n", p.KillReason())
		runErr = nil
	}

	if snap, err := k.Stat(p.PID); err == nil {
		fmt.Fprintln(out, snap.String())
	}

	if err := k.Exit(ctx, p.PID); err != nil {
		runErr = errors.Join(runErr, fmt.Errorf("failed to exit pid %d: %w", p.PID, err))
	}

	return p, runErr
}

func replay(ctx context.Context, k *kernel.Kernel, p *kernel.Process, scenario string, out io.Writer) error {
	pid := p.PID

	if scenario == scenarioMemtest {
		return memtest(ctx, k, pid, out)
	}

	fmt.Fprintf(out, "demandtest: starting test (mode: %s)\n", scenario)

	// Touch text and data like the program itself would.
	as := p.AddressSpace()
	for _, seg := range as.Segments() {
		if _, err := k.CopyIn(ctx, pid, seg.VAStart, 1); err != nil {
			return err
		}
	}
	fmt.Fprintf(out, "Accessing text/data: PID = %d\n", pid)

	pages := 3
	if scenario == scenarioSwap {
		pages = 20
	}

	heap, err := k.Sbrk(ctx, pid, int64(pages)*layout.PageSize, kernel.SbrkLazy)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Reserved %d heap pages at 0x%x\n", pages, heap)

	for i := range pages {
		if err := k.CopyOut(ctx, pid, heap+uint64(i)*layout.PageSize, []byte{byte('A' + i%26)}); err != nil {
			return err
		}
		fmt.Fprintf(out, "Touched heap page %d\n", i)
	}

	if scenario == scenarioSwap {
		for i := range 5 {
			c, err := k.CopyIn(ctx, pid, heap+uint64(i)*layout.PageSize, 1)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "Re-accessed heap page %d, value=%c\n", i, c[0])
		}
	}

	if err := k.CopyOut(ctx, pid, p.StackPointer()-1, []byte{'S'}); err != nil {
		return err
	}
	fmt.Fprintf(out, "Stack page touched\n")

	if scenario == scenarioFull {
		fmt.Fprintf(out, "FULL mode: triggering invalid memory access (should kill process)\n")

		outcome, err := k.HandleFault(ctx, pid, badAddr, fault.AccessWrite)
		if err != nil {
			return err
		}

		if outcome.IsKilled() {
			return fmt.Errorf("%s: %w", outcome, kernel.ErrProcessKilled)
		}
	} else {
		fmt.Fprintf(out, "%s mode: skipping invalid memory access\n", scenario)
	}

	fmt.Fprintf(out, "demandtest: finished\n")

	return nil
}

func memtest(ctx context.Context, k *kernel.Kernel, pid int, out io.Writer) error {
	fmt.Fprintf(out, "Demand Paging Test\n")

	heap, err := k.Sbrk(ctx, pid, 2*layout.PageSize, kernel.SbrkLazy)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Allocated 2 pages at 0x%x\n", heap)

	writes := []struct {
		off uint64
		b   byte
	}{
		{0, 'A'},
		{100, 'B'},
		{layout.PageSize, 'C'},
		{layout.PageSize + 100, 'D'},
	}

	for _, w := range writes {
		if err := k.CopyOut(ctx, pid, heap+w.off, []byte{w.b}); err != nil {
			return err
		}
	}
	fmt.Fprintf(out, "Both pages written\n")

	snap, err := k.Stat(pid)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "resident %s of %s mapped\n",
		humanize.IBytes(uint64(snap.Resident)*layout.PageSize),
		humanize.IBytes(uint64(snap.TotalPages)*layout.PageSize),
	)
	fmt.Fprintf(out, "Test completed\n")

	return nil
}
