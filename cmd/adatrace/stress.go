package main

import (
	"fmt"
	"sync"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/adatrace/adatrace/pkg/config"
	"github.com/adatrace/adatrace/pkg/event"
	"github.com/adatrace/adatrace/pkg/session"
)

var (
	flagProducers   int
	flagEvents      int
	flagDetailEvery int
	flagMaxDepth    int
)

// stressCmd drives the whole pipeline with synthetic producers and
// validates the accounting invariants afterwards. It doubles as the
// CLI's smoke surface since the real hooking engine lives outside this
// process.
var stressCmd = &cobra.Command{
	Use:   "stress",
	Short: "Drive the pipeline with synthetic producers and validate counters",
	RunE: func(cmd *cobra.Command, args []string) error {
		logger, err := newLogger()
		if err != nil {
			return err
		}
		defer logger.Sync()

		if flagMaxDepth < 1 {
			flagMaxDepth = 1
		}

		cfg, err := config.Load(flagConfig)
		if err != nil {
			exitCode = 1
			return err
		}
		if cfg.SessionLabel == "" {
			cfg.SessionLabel = "stress"
		}

		s, err := session.Start(cfg, logger)
		if err != nil {
			exitCode = session.ExitCode(err)
			return err
		}

		fid := s.Hooks().RegisterSymbol("stress", "synthetic_workload")

		var wg sync.WaitGroup
		for i := 0; i < flagProducers; i++ {
			wg.Add(1)
			go func(worker int) {
				defer wg.Done()
				p, err := s.RegisterProducer()
				if err != nil {
					logger.Warn("producer registration failed",
						zap.Int("worker", worker), zap.Error(err))
					return
				}
				defer p.Close()

				var stack [16]byte
				for n := 0; n < flagEvents; n++ {
					kind := event.KindCall
					if n%2 == 1 {
						kind = event.KindReturn
					}
					depth := uint16(n % flagMaxDepth)
					p.TraceIndex(fid, kind, depth)
					if flagDetailEvery > 0 && n%flagDetailEvery == 0 {
						for b := range stack {
							stack[b] = byte(depth)
						}
						p.TraceDetail(fid, kind, depth, 0x1000, 0x2000, 0x3000, stack[:])
					}
				}
			}(i)
		}
		wg.Wait()

		status := s.Status()
		err = s.Stop()
		exitCode = session.ExitCode(err)
		if err != nil {
			return err
		}

		written := status.Metrics.TotalEventsWritten()
		dropped := status.Metrics.TotalEventsDropped()
		expected := uint64(flagProducers * flagEvents)
		if flagDetailEvery > 0 {
			expected += uint64(flagProducers * ((flagEvents + flagDetailEvery - 1) / flagDetailEvery))
		}

		fmt.Fprintf(cmd.OutOrStdout(),
			"producers=%d events_expected=%d events_written=%d events_dropped=%d rings_drained=%d\n",
			flagProducers, expected, written, dropped, status.Metrics.Drain.RingsTotal)
		fmt.Fprintln(cmd.OutOrStdout(), "trace written to", s.SessionDir())

		if written+dropped < expected {
			exitCode = 1
			return fmt.Errorf("accounting mismatch: written %d + dropped %d < expected %d",
				written, dropped, expected)
		}
		return nil
	},
}

func init() {
	stressCmd.Flags().IntVarP(&flagProducers, "producers", "p", 4, "number of producer threads")
	stressCmd.Flags().IntVarP(&flagEvents, "events", "n", 100000, "index events per producer")
	stressCmd.Flags().IntVar(&flagDetailEvery, "detail-every", 0, "emit a detail event every N index events (0 = none)")
	stressCmd.Flags().IntVar(&flagMaxDepth, "max-depth", 32, "maximum synthetic call depth")
}
