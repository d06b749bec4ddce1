package main

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"

	"github.com/spf13/cobra"

	"live-recorder/internal/adapters"
	"live-recorder/internal/platform/config"
	"live-recorder/internal/recorder"
)

func newValidateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate [targets.yaml]",
		Short: "Check a targets file without starting the recorder",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.GetEnv("CONFIG_FILE", "targets.yaml")
			if len(args) == 1 {
				path = args[0]
			}
			data, err := os.ReadFile(path)
			if err != nil {
				return err
			}
			return validateTargets(cmd.OutOrStdout(), data)
		},
	}
}

// validateTargets reports what the recorder would do with a targets file.
func validateTargets(w io.Writer, data []byte) error {
	f, err := recorder.ParseTargets(data)
	if err != nil {
		return err
	}
	log := slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: slog.LevelWarn}))
	table := adapters.Table(http.DefaultClient, adapters.Account{}, log)

	report := recorder.NewRegistry(log).Reconcile(f.Streamers)
	unknown := 0
	for _, t := range f.Streamers {
		if _, ok := table[t.Platform]; !ok && t.Platform != "" {
			unknown++
			fmt.Fprintf(w, "unknown platform %q for channel %q\n", t.Platform, t.Channel)
		}
	}
	fmt.Fprintf(w, "%d targets, %d duplicates, %d invalid, %d unknown platforms\n",
		len(report.Added), report.Duplicates, report.Invalid, unknown)
	if report.Invalid > 0 || unknown > 0 {
		return fmt.Errorf("targets file has %d problems", report.Invalid+unknown)
	}
	return nil
}
