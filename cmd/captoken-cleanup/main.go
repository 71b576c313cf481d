// Command captoken-cleanup deletes expired capability tokens and their
// audit, replay, violation and usage rows.
//
// Exit codes: 0 success, 1 operational failure, 2 bad invocation.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/anumate/enforcement-core/pkg/replay"
	"github.com/anumate/enforcement-core/pkg/store"
	"github.com/anumate/enforcement-core/pkg/token"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("captoken-cleanup", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var (
		batchSize  = fs.Int("batch-size", 500, "tokens deleted per batch")
		maxAgeDays = fs.Int("max-age-days", 7, "only delete tokens expired at least this many days ago")
		dryRun     = fs.Bool("dry-run", false, "count what would be deleted without deleting")
		timeout    = fs.Duration("timeout", 10*time.Minute, "overall run deadline")
	)
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *batchSize <= 0 {
		fmt.Fprintln(stderr, "captoken-cleanup: -batch-size must be positive")
		return 2
	}
	if *maxAgeDays < 0 {
		fmt.Fprintln(stderr, "captoken-cleanup: -max-age-days must not be negative")
		return 2
	}

	logger := slog.New(slog.NewJSONHandler(stderr, nil))
	slog.SetDefault(logger)

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	stores, err := openStore(ctx)
	if err != nil {
		logger.Error("open datastore", "error", err)
		return 1
	}
	defer func() { _ = stores.Close() }()

	// Cleanup never signs tokens, so an ephemeral keyset suffices.
	keys, err := token.NewDerivedKeySet(nil)
	if err != nil {
		logger.Error("init keyset", "error", err)
		return 1
	}
	svc := token.NewService(keys, stores.Tokens(), stores.TokenAudit(), stores.CleanupJobs(),
		replay.NewStoreGuard(stores.Replay()))

	stats, err := svc.Cleanup(ctx, *batchSize, *maxAgeDays, *dryRun)
	if err != nil {
		logger.Error("cleanup run failed", "error", err)
		return 1
	}

	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(stats)
	return 0
}

func openStore(ctx context.Context) (*store.SQL, error) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		path := os.Getenv("SQLITE_PATH")
		if path == "" {
			path = "data/enforcement.db"
		}
		return store.OpenSQLite(ctx, path)
	}
	return store.OpenPostgres(ctx, dsn)
}
