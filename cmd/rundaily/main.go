/*
main.go - CLI trigger for the daily accrual batch

PURPOSE:
  Runs one accrual batch from the command line, for cron jobs and manual
  backfills. Uses the same recorded execution path as the scheduler and
  the API, so a cron-triggered run and a button-triggered run are
  indistinguishable in the audit trail.

COMMAND-LINE FLAGS:
  -db      SQLite database path (default: mora.db, env DB_PATH)
  -date    Run date as YYYY-MM-DD (default: today)
  -force   Run even when the date already has a completed run

EXIT CODES:
  0  run completed (possibly with per-installment errors, see output)
  1  run failed fatally, or the date already ran and -force was not given

EXAMPLES:
  # Today's batch
  ./rundaily -db=./data/mora.db

  # Backfill a specific day
  ./rundaily -db=./data/mora.db -date=2025-03-15 -force
*/
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/edupay/mora-engine/api"
	"github.com/edupay/mora-engine/mora"
	"github.com/edupay/mora-engine/store/sqlite"
)

func main() {
	dbPath := flag.String("db", envStr("DB_PATH", "mora.db"), "SQLite database path")
	dateStr := flag.String("date", "", "run date as YYYY-MM-DD (default: today)")
	force := flag.Bool("force", false, "run even when the date already completed")
	flag.Parse()

	day := mora.Today()
	if *dateStr != "" {
		parsed, err := mora.ParseDate(*dateStr)
		if err != nil {
			log.Fatalf("Invalid -date %q: %v", *dateStr, err)
		}
		day = parsed
	}

	store, err := sqlite.New(*dbPath)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer store.Close()

	handler := api.NewHandler(store)

	sum, err := api.ExecuteRun(context.Background(), store, handler.Engine, day, "cli", *force)
	if err == api.ErrAlreadyRan {
		log.Printf("Run for %s already completed, use -force to rerun", day)
		os.Exit(1)
	}
	if err != nil {
		log.Fatalf("Run for %s failed: %v", day, err)
	}

	fmt.Printf("Run %s: created=%d updated=%d closed=%d skipped=%d errors=%d\n",
		day, sum.Created, sum.Updated, sum.Closed, sum.Skipped, sum.Errors)
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
