package cmd

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/go-loom/loom/pkg/compose"
	"github.com/go-loom/loom/pkg/metrics"
	"github.com/go-loom/loom/pkg/state"
)

var (
	benchScopes   int
	benchFrames   int
	benchParallel int
)

func init() {
	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Measure recomposition throughput",
		Long: `Bench builds a flat composition of N scopes sharing one cell,
drives M frames through it, and reports frames per second together
with the runtime's Prometheus counters.`,
		RunE: runBench,
	}
	cmd.Flags().IntVar(&benchScopes, "scopes", 1000, "number of leaf scopes")
	cmd.Flags().IntVar(&benchFrames, "frames", 100, "number of frames to drive")
	cmd.Flags().IntVar(&benchParallel, "parallelism", 1, "drain parallelism")
	rootCmd.AddCommand(cmd)
}

func runBench(cmd *cobra.Command, args []string) error {
	log, err := newLogger()
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	reg := prometheus.NewRegistry()
	m := metrics.NewRegistry(reg)
	rt := compose.NewRuntime(compose.WithLogger(log), compose.WithMetrics(m))
	defer rt.Close()

	shared := state.NewCell(rt.Store(), 0, state.WithName[int]("bench"))
	root := compose.UnitFunc(func(ctx *compose.Ctx) error {
		for i := 0; i < benchScopes; i++ {
			ctx.Child(compose.UnitFunc(func(ctx *compose.Ctx) error {
				compose.Read(ctx, shared)
				return nil
			}))
		}
		return nil
	})

	var opts []compose.ComposerOption
	if benchParallel > 1 {
		opts = append(opts, compose.WithParallelism(benchParallel))
	}
	comp := rt.NewComposer(root, opts...)
	defer comp.Close()
	if err := comp.Compose(); err != nil {
		return err
	}

	start := time.Now()
	for i := 1; i <= benchFrames; i++ {
		err := comp.Frame(func(snap *state.Snapshot) {
			if serr := shared.Set(snap, i); serr != nil {
				panic(serr)
			}
		})
		if err != nil {
			return fmt.Errorf("frame %d: %w", i, err)
		}
	}
	elapsed := time.Since(start)

	fps := float64(benchFrames) / elapsed.Seconds()
	fmt.Printf("scopes=%d frames=%d parallelism=%d\n", benchScopes, benchFrames, benchParallel)
	fmt.Printf("elapsed=%s  frames/sec=%.1f  scope-execs/sec=%.0f\n",
		elapsed.Round(time.Millisecond), fps, fps*float64(benchScopes))

	families, err := reg.Gather()
	if err != nil {
		return err
	}
	fmt.Println("counters:")
	for _, f := range families {
		for _, metric := range f.GetMetric() {
			if c := metric.GetCounter(); c != nil {
				fmt.Printf("  %-32s %.0f\n", f.GetName(), c.GetValue())
			}
		}
	}
	return nil
}
