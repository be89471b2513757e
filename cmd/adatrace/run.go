package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/adatrace/adatrace/pkg/config"
	"github.com/adatrace/adatrace/pkg/session"
)

var (
	flagOutput   string
	flagLabel    string
	flagDuration time.Duration
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a trace session until a signal or the duration elapses",
	RunE: func(cmd *cobra.Command, args []string) error {
		logger, err := newLogger()
		if err != nil {
			return err
		}
		defer logger.Sync()

		cfg, err := config.Load(flagConfig)
		if err != nil {
			exitCode = 1
			return err
		}
		if flagOutput != "" {
			cfg.OutputRoot = flagOutput
		}
		if flagLabel != "" {
			cfg.SessionLabel = flagLabel
		}
		cfg.HandleSignals = true

		s, err := session.Start(cfg, logger)
		if err != nil {
			exitCode = session.ExitCode(err)
			return err
		}

		logger.Info("session running; waiting for SIGINT/SIGTERM",
			zap.String("session_dir", s.SessionDir()))

		if flagDuration > 0 {
			select {
			case <-s.Signalled():
			case <-time.After(flagDuration):
			}
		} else {
			<-s.Signalled()
		}

		err = s.Stop()
		exitCode = session.ExitCode(err)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "trace written to", s.SessionDir())
		return nil
	},
}

func init() {
	runCmd.Flags().StringVarP(&flagOutput, "output", "o", "", "output root directory")
	runCmd.Flags().StringVarP(&flagLabel, "label", "l", "", "session label")
	runCmd.Flags().DurationVarP(&flagDuration, "duration", "d", 0, "stop after this duration (0 = wait for signal)")
}
