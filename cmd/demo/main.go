// Demo of budget resync after a crash.
//
//	go run ./cmd/demo start     # charge results, press Ctrl+C half way
//	go run ./cmd/demo recover   # reopen the same logs and finish the budget
//
// Both modes run offline against configs/offline-run.json, which carries no
// charged counts, so everything recovered comes from the charge log.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ChuLiYu/charge-ledger/internal/config"
	"github.com/ChuLiYu/charge-ledger/internal/controller"
)

const (
	recordFile = "configs/offline-run.json"
	dataDir    = "./data/demo"
)

func main() {
	if len(os.Args) < 2 || (os.Args[1] != "start" && os.Args[1] != "recover") {
		fmt.Println("Usage: go run cmd/demo/main.go <start|recover>")
		os.Exit(1)
	}
	mode := os.Args[1]

	cfg, err := config.Load("", func(c *config.Config) {
		c.Run.RecordFile = recordFile
		c.Storage.Dir = dataDir
		c.Ledger.ResyncFromRecords = true
		c.Metrics.Enabled = false
		c.Server.Enabled = false
		c.Worker.Count = 2
		c.Worker.BatchSize = 1
		c.Worker.Interval = 150 * time.Millisecond
	})
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ctrl, err := controller.NewController(ctx, cfg, controller.Options{})
	if err != nil {
		log.Fatalf("Failed to create controller: %v", err)
	}

	stats := ctrl.GetStats()
	fmt.Printf("✓ Controller created (mode: %s)\n", mode)
	printStats("Status after startup", stats)

	if mode == "recover" {
		if stats.TotalChargedUSD.IsZero() {
			fmt.Printf("\n⚠️  Nothing to recover, run 'start' first\n")
		} else {
			fmt.Printf("\n✓ Recovered $%s of charges from %s\n", stats.TotalChargedUSD.String(), ctrl.ChargesPath())
			fmt.Printf("💡 The run record has no counts, so these came from the charge log\n")
		}
	} else {
		fmt.Printf("\n⚡ Charging one %s per result...\n", cfg.Worker.EventID)
		fmt.Printf("💡 Press Ctrl+C before the budget runs out, then run 'recover'\n\n")
	}

	if err := ctrl.Start(ctx, cfg.Worker.Count); err != nil {
		log.Fatalf("Failed to start controller: %v", err)
	}

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
loop:
	for {
		select {
		case <-ctx.Done():
			fmt.Println("\n\nReceived shutdown signal, stopping gracefully...")
			break loop
		case <-ctrl.Done():
			fmt.Println("\n⛔ Budget exhausted, producers stopped")
			break loop
		case <-ticker.C:
			s := ctrl.GetStats()
			fmt.Printf("📊 Charged: $%s, Remaining: $%s, Pushed: %d\n",
				s.TotalChargedUSD.String(), s.RemainingUSD.String(), s.Pushed)
		}
	}

	stats = ctrl.GetStats()
	if err := ctrl.Stop(); err != nil {
		log.Fatalf("Failed to stop controller: %v", err)
	}
	printStats("Final status", stats)
	fmt.Println("✓ Controller stopped")
}

func printStats(title string, s controller.Stats) {
	fmt.Printf("\n📊 %s:\n", title)
	fmt.Printf("  Charged:   $%s\n", s.TotalChargedUSD.String())
	if s.Bounded {
		fmt.Printf("  Remaining: $%s\n", s.RemainingUSD.String())
	} else {
		fmt.Printf("  Remaining: unlimited\n")
	}
	for _, ev := range s.Events {
		fmt.Printf("  %-12s %d × $%s\n", ev.ID, ev.ChargeCount, ev.UnitPriceUSD.String())
	}
}
