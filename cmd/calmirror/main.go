package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"calmirror/internal/config"
	appLog "calmirror/internal/log"
	"calmirror/internal/store"
	"calmirror/internal/syncer"
)

var version = "dev"

// cliFlags holds values shared by every subcommand.
type cliFlags struct {
	configPath    string
	jsonOutput    bool
	feedURL       string
	lookaheadDays int
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		appLog.Error("calmirror failed", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	flags := &cliFlags{}
	rootCmd := &cobra.Command{
		Use:   "calmirror",
		Short: "Mirror an iCalendar feed into a record store",
		Long: `calmirror reads an iCalendar feed, expands it into concrete upcoming
occurrences and makes a remote record store mirror them exactly.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&flags.configPath, "config", "c", "/etc/calmirror/config.yaml", "Path to config file")
	pf.BoolVarP(&flags.jsonOutput, "json", "j", false, "Output as JSON")
	pf.StringVar(&flags.feedURL, "feed-url", "", "Feed URL for this invocation (overrides every other source)")
	pf.IntVar(&flags.lookaheadDays, "lookahead-days", 0, "Lookahead window in days for this invocation")

	rootCmd.AddCommand(
		newRunCmd(flags),
		newServeCmd(flags),
		newPreviewCmd(flags),
		newPlanCmd(flags),
		&cobra.Command{
			Use:   "version",
			Short: "Print version info",
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Fprintf(cmd.OutOrStdout(), "calmirror %s\n", version)
			},
		},
	)
	return rootCmd
}

func (f *cliFlags) override() config.Override {
	return config.Override{FeedURL: f.feedURL, LookaheadDays: f.lookaheadDays}
}

// app bundles what every subcommand needs. close releases the store.
type app struct {
	cfg    *config.Config
	store  store.Store
	syncer *syncer.Syncer
}

func (a *app) close() {
	if err := store.Close(a.store); err != nil {
		appLog.Error("failed to close store", err)
	}
}

func setup(flags *cliFlags) (*app, error) {
	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", flags.configPath, err)
	}
	appLog.SetLevel(appLog.ParseLevel(cfg.LogLevel))

	st, err := openStore(cfg)
	if err != nil {
		return nil, err
	}
	s, err := syncer.New(cfg, st)
	if err != nil {
		_ = store.Close(st)
		return nil, err
	}
	appLog.Info("effective config",
		"config_path", flags.configPath,
		"timezone", cfg.Timezone,
		"refresh", cfg.RefreshCron,
		"store_kind", cfg.Store.Kind,
		"remote_config", cfg.Store.ConfigKind != "",
	)
	return &app{cfg: cfg, store: st, syncer: s}, nil
}

func openStore(cfg *config.Config) (store.Store, error) {
	st, err := store.Open(cfg.Store.DSN, store.Options{
		Token:             cfg.Store.Token,
		RequestsPerMinute: cfg.Store.RequestsPerMinute,
		Names:             cfg.Fields,
	})
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	return st, nil
}

// signalContext is cancelled on SIGINT/SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigCh:
			appLog.Info("signal received, shutting down", "signal", sig.String())
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigCh)
	}()
	return ctx, cancel
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// exitError reports fatal run errors with a stage prefix the operator can
// act on.
func exitError(err error) error {
	var stageErr *syncer.StageError
	if errors.As(err, &stageErr) {
		return fmt.Errorf("sync %s failed: %w", stageErr.Stage, stageErr.Err)
	}
	return err
}
