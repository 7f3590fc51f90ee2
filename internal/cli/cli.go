// ============================================================================
// Charge Ledger CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Provides user-friendly command line interface based on Cobra framework
//
// Command Structure:
//   charge-ledger                  # Root command
//   ├── run                        # Start producers, metrics and gRPC service
//   │   └── --workers, --record
//   ├── charge                     # Charge an event (local or via --addr)
//   │   └── --event, --count, --file, --addr
//   ├── status                     # Budget and per-event state
//   │   └── --addr
//   ├── dump                       # Print the charge or result log
//   │   └── --log charges|results
//   ├── --config, -c               # Config file (default: configs/default.yaml)
//   └── --version
//
// run Command:
//   1. Load config
//   2. Create Controller (fetch run record, reopen logs, resync)
//   3. Start metrics, gRPC and workers
//   4. Exit when SIGINT/SIGTERM arrives or the budget/result limit is reached
//
//   Examples:
//     ./charge-ledger run
//     ./charge-ledger run --record configs/offline-run.json --workers 2
//
// charge Command:
//   Without --addr the command opens the ledger itself, so it must not run
//   alongside `run` on the same storage dir; use --addr to charge through the
//   running process instead.
//
//   Examples:
//     ./charge-ledger charge --event actor-start
//     ./charge-ledger charge --event result-item --file items.json --addr localhost:50061
//
// ============================================================================

package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ChuLiYu/charge-ledger/internal/config"
	"github.com/ChuLiYu/charge-ledger/internal/controller"
	"github.com/ChuLiYu/charge-ledger/internal/ledger"
	"github.com/ChuLiYu/charge-ledger/internal/server"
	"github.com/ChuLiYu/charge-ledger/internal/storage/kv"
	"github.com/ChuLiYu/charge-ledger/internal/storage/wal"
)

var configFile string

func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "charge-ledger",
		Short: "Charge Ledger: budget-limited event charging for metered runs",
		Long: `Charge Ledger tracks billable events of a metered run with:
- A hard cap on total spend
- Durable per-unit charge records
- Resync of charged counts after a restart
- Prometheus metrics and a gRPC charge service`,
		Version:      "1.0.0",
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "configs/default.yaml", "config file path")

	rootCmd.AddCommand(buildRunCommand())
	rootCmd.AddCommand(buildChargeCommand())
	rootCmd.AddCommand(buildStatusCommand())
	rootCmd.AddCommand(buildDumpCommand())

	return rootCmd
}

// loadConfig 讀取設定並套用命令列覆寫
func loadConfig(recordFile string) (*config.Config, error) {
	cfg, err := config.Load(configFile, func(c *config.Config) {
		if recordFile != "" {
			c.Run.RecordFile = recordFile
		}
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// ============================================================================
// run
// ============================================================================

func buildRunCommand() *cobra.Command {
	var workers int
	var recordFile string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start producing and charging results",
		Long:  "Start the worker pool, metrics endpoint and gRPC charge service; stops when the budget is exhausted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(recordFile)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("workers") {
				cfg.Worker.Count = workers
			}
			return runSystem(cmd.Context(), cfg)
		},
	}

	cmd.Flags().IntVarP(&workers, "workers", "w", 0, "number of producers (default from config)")
	cmd.Flags().StringVar(&recordFile, "record", "", "run offline from a local run record JSON file")

	return cmd
}

func runSystem(ctx context.Context, cfg *config.Config) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Printf("Starting Charge Ledger with config: %s\n", configFile)
	log.Printf("Workers: %d, Batch: %d, Event: %s\n", cfg.Worker.Count, cfg.Worker.BatchSize, cfg.Worker.EventID)

	ctrl, err := controller.NewController(ctx, cfg, controller.Options{})
	if err != nil {
		return fmt.Errorf("failed to create controller: %w", err)
	}

	if err := ctrl.Start(ctx, cfg.Worker.Count); err != nil {
		ctrl.Stop()
		return fmt.Errorf("failed to start controller: %w", err)
	}
	log.Println("System started successfully")

	select {
	case <-ctx.Done():
		log.Println("Received shutdown signal, stopping gracefully...")
	case <-ctrl.Done():
		if ctrl.GetStats().LimitReached {
			log.Println("Charge limit reached, stopping...")
		} else {
			log.Println("All producers finished, stopping...")
		}
	}

	stats := ctrl.GetStats()
	if err := ctrl.Stop(); err != nil {
		return fmt.Errorf("failed to stop controller: %w", err)
	}
	log.Printf("System stopped. Pushed %d result(s), charged $%s. Goodbye!\n", stats.Pushed, stats.TotalChargedUSD.String())
	return nil
}

// ============================================================================
// charge
// ============================================================================

func buildChargeCommand() *cobra.Command {
	var eventID, file, addr, recordFile string
	var count int

	cmd := &cobra.Command{
		Use:   "charge",
		Short: "Charge units of an event",
		Long:  "Charge --count units (or one unit per object in --file) of --event, locally or through a running service (--addr)",
		RunE: func(cmd *cobra.Command, args []string) error {
			metadata, err := chargeMetadata(count, file)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			var res ledger.ChargeResult
			if addr != "" {
				res, err = chargeRemote(ctx, addr, eventID, metadata)
			} else {
				res, err = chargeLocal(ctx, recordFile, eventID, metadata)
			}
			if err != nil {
				return err
			}
			printChargeResult(cmd.OutOrStdout(), eventID, len(metadata), res)
			return nil
		},
	}

	cmd.Flags().StringVarP(&eventID, "event", "e", "", "event id to charge")
	cmd.Flags().IntVarP(&count, "count", "n", 1, "number of units (ignored with --file)")
	cmd.Flags().StringVarP(&file, "file", "f", "", "JSON array of metadata objects, one unit each")
	cmd.Flags().StringVar(&addr, "addr", "", "address of a running charge service (e.g. localhost:50061)")
	cmd.Flags().StringVar(&recordFile, "record", "", "run offline from a local run record JSON file")
	cmd.MarkFlagRequired("event")

	return cmd
}

// chargeMetadata 讀取 --file，否則產生 count 筆空 metadata
func chargeMetadata(count int, file string) ([]map[string]any, error) {
	if file == "" {
		if count < 0 || count > server.MaxUnitsPerCharge {
			return nil, fmt.Errorf("count must be between 0 and %d, got %d", server.MaxUnitsPerCharge, count)
		}
		metadata := make([]map[string]any, count)
		for i := range metadata {
			metadata[i] = map[string]any{}
		}
		return metadata, nil
	}

	data, err := os.ReadFile(file)
	if err != nil {
		return nil, fmt.Errorf("failed to read metadata file: %w", err)
	}
	var metadata []map[string]any
	if err := json.Unmarshal(data, &metadata); err != nil {
		return nil, fmt.Errorf("failed to parse metadata file: %w", err)
	}
	return metadata, nil
}

func chargeRemote(ctx context.Context, addr, eventID string, metadata []map[string]any) (ledger.ChargeResult, error) {
	client, closeFn, err := server.Dial(addr)
	if err != nil {
		return ledger.ChargeResult{}, err
	}
	defer closeFn()
	return client.Charge(ctx, eventID, metadata)
}

func chargeLocal(ctx context.Context, recordFile, eventID string, metadata []map[string]any) (ledger.ChargeResult, error) {
	cfg, err := loadConfig(recordFile)
	if err != nil {
		return ledger.ChargeResult{}, err
	}
	ctrl, err := controller.NewController(ctx, cfg, controller.Options{})
	if err != nil {
		return ledger.ChargeResult{}, fmt.Errorf("failed to create controller: %w", err)
	}
	res, chargeErr := ctrl.Ledger().Charge(ctx, eventID, metadata)
	return res, errors.Join(chargeErr, ctrl.Stop())
}

func printChargeResult(w io.Writer, eventID string, requested int, res ledger.ChargeResult) {
	icon := "✅"
	switch {
	case res.Outcome == ledger.OutcomeEventNotRegistered:
		icon = "ℹ️ "
	case res.Outcome == ledger.OutcomeChargeLimitReached:
		icon = "⛔"
	case res.ChargedCount < requested:
		icon = "⚠️ "
	}
	fmt.Fprintf(w, "%s %s: charged %d/%d (%s)\n", icon, eventID, res.ChargedCount, requested, res.Outcome)
	if res.EventChargeLimitReached {
		fmt.Fprintln(w, "   └─ budget exhausted for this event")
	}
}

// ============================================================================
// status
// ============================================================================

func buildStatusCommand() *cobra.Command {
	var addr, recordFile string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show budget status",
		Long:  "Display remaining budget and per-event charge counts, from a running service (--addr) or from local state",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			var report *server.StatusReport
			var err error
			if addr != "" {
				report, err = remoteStatus(ctx, addr)
			} else {
				report, err = localStatus(ctx, recordFile)
			}
			if err != nil {
				return err
			}
			printStatus(cmd.OutOrStdout(), report)
			return nil
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "address of a running charge service")
	cmd.Flags().StringVar(&recordFile, "record", "", "run offline from a local run record JSON file")

	return cmd
}

func remoteStatus(ctx context.Context, addr string) (*server.StatusReport, error) {
	client, closeFn, err := server.Dial(addr)
	if err != nil {
		return nil, err
	}
	defer closeFn()
	return client.Status(ctx)
}

func localStatus(ctx context.Context, recordFile string) (*server.StatusReport, error) {
	cfg, err := loadConfig(recordFile)
	if err != nil {
		return nil, err
	}
	ctrl, err := controller.NewController(ctx, cfg, controller.Options{})
	if err != nil {
		return nil, fmt.Errorf("failed to create controller: %w", err)
	}
	defer ctrl.Stop()

	stats := ctrl.GetStats()
	return &server.StatusReport{
		RunID:           stats.RunID,
		Bounded:         stats.Bounded,
		RemainingUSD:    stats.RemainingUSD,
		TotalChargedUSD: stats.TotalChargedUSD,
		Events:          stats.Events,
	}, nil
}

func printStatus(w io.Writer, report *server.StatusReport) {
	fmt.Fprintln(w, "\n╔═══════════════════════════════════════════════════════════╗")
	fmt.Fprintln(w, "║           Charge Ledger Status                            ║")
	fmt.Fprintln(w, "╚═══════════════════════════════════════════════════════════╝")
	fmt.Fprintln(w)

	fmt.Fprintln(w, "💰 Budget:")
	fmt.Fprintf(w, "  ├─ Run:            %s\n", report.RunID)
	fmt.Fprintf(w, "  ├─ Charged:        $%s\n", report.TotalChargedUSD.String())
	if report.Bounded {
		fmt.Fprintf(w, "  └─ Remaining:      $%s\n", report.RemainingUSD.String())
	} else {
		fmt.Fprintln(w, "  └─ Remaining:      unlimited")
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "📊 Events:")
	if len(report.Events) == 0 {
		fmt.Fprintln(w, "  └─ No priced events (every charge passes through)")
	}
	for i, ev := range report.Events {
		branch := "├─"
		if i == len(report.Events)-1 {
			branch = "└─"
		}
		affordable := "unlimited"
		if ev.Affordable != ledger.Unlimited {
			affordable = fmt.Sprintf("%d", ev.Affordable)
		}
		fmt.Fprintf(w, "  %s %s: %d × $%s = $%s (affordable: %s)\n",
			branch, ev.ID, ev.ChargeCount, ev.UnitPriceUSD.String(), ev.ChargedUSD.String(), affordable)
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, "═══════════════════════════════════════════════════════════")
}

// ============================================================================
// dump
// ============================================================================

func buildDumpCommand() *cobra.Command {
	var which string
	var statsOnly bool

	cmd := &cobra.Command{
		Use:   "dump",
		Short: "Print the charge or result log",
		Long:  "Print every entry of the charge log (--log charges) or result log (--log results) of the configured storage dir",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig("")
			if err != nil {
				return err
			}
			return dumpLog(cmd.Context(), cmd.OutOrStdout(), cfg, which, statsOnly)
		},
	}

	cmd.Flags().StringVar(&which, "log", "charges", "which log to print: charges or results")
	cmd.Flags().BoolVar(&statsOnly, "stats", false, "print a summary instead of every entry")

	return cmd
}

func dumpLog(ctx context.Context, w io.Writer, cfg *config.Config, which string, statsOnly bool) error {
	if ctx == nil {
		ctx = context.Background()
	}
	store, err := kv.Open(ctx, cfg.Storage.KV)
	if err != nil {
		return fmt.Errorf("failed to open kv store: %w", err)
	}
	defer store.Close()

	var opener wal.Opener
	switch which {
	case "charges":
		opener = controller.ChargesOpener(cfg, store)
	case "results":
		opener = controller.ResultsOpener(cfg, store)
	default:
		return fmt.Errorf("unknown log %q (want charges or results)", which)
	}

	path, ok, err := opener.Lookup(ctx)
	if err != nil {
		return err
	}
	if !ok {
		fmt.Fprintf(w, "No %s log recorded yet\n", which)
		return nil
	}

	if !statsOnly {
		return wal.DumpWAL(path, w)
	}
	stats, err := wal.GetWALStats(path)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "📜 %s\n", path)
	fmt.Fprintf(w, "  ├─ Events:   %d (seq %d..%d)\n", stats.TotalEvents, stats.FirstSeq, stats.LastSeq)
	for kind, n := range stats.EventKinds {
		fmt.Fprintf(w, "  ├─ %-8s  %d\n", kind, n)
	}
	if stats.TotalEvents > 0 {
		fmt.Fprintf(w, "  └─ Span:     %s .. %s\n",
			time.UnixMilli(stats.TimeRange[0]).UTC().Format(time.RFC3339),
			time.UnixMilli(stats.TimeRange[1]).UTC().Format(time.RFC3339))
	} else {
		fmt.Fprintln(w, "  └─ Span:     -")
	}
	return nil
}
