package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/cockroachdb/pebble"

	"github.com/uhyunpark/escrowbook/params"
	"github.com/uhyunpark/escrowbook/pkg/api"
	"github.com/uhyunpark/escrowbook/pkg/escrow"
	"github.com/uhyunpark/escrowbook/pkg/journal"
	"github.com/uhyunpark/escrowbook/pkg/ledger"
	"github.com/uhyunpark/escrowbook/pkg/util"
)

func main() {
	// Load config from .env file and environment variables
	cfg := params.LoadFromEnv("")

	logger, err := util.NewLoggerWithFile(cfg.Node.LogFile)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()
	sugar.Infow("logger_initialized", "log_file", cfg.Node.LogFile)

	// ---- Storage: one Pebble database shared by books and ledger so every
	// instruction commits through a single batch ----
	db, err := pebble.Open(cfg.Node.DataDir, &pebble.Options{})
	if err != nil {
		sugar.Fatalw("pebble_open_failed", "path", cfg.Node.DataDir, "err", err)
	}
	defer db.Close()

	books := escrow.NewStore(db)
	tokens := ledger.New(db)
	proc := escrow.NewProcessor(db, books, tokens, sugar)

	// ---- Observability: file journal + websocket hub ----
	var jnl journal.Journal = journal.NewNop()
	if cfg.Node.JournalPath != "" {
		fj, err := journal.NewFile(cfg.Node.JournalPath, sugar)
		if err != nil {
			sugar.Warnw("journal_open_failed", "path", cfg.Node.JournalPath, "err", err)
		} else {
			jnl = fj
			defer fj.Close()
		}
	}

	hub := api.NewHub()
	proc.SetEventHandler(func(ev escrow.Event) {
		jnl.Append(ev)
		hub.BroadcastToChannel(fmt.Sprintf("orders:%s", ev.Book.Hex()), ev)
	})

	server := api.NewServer(proc, tokens, hub, sugar)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start(cfg.Node.APIAddr)
	}()

	select {
	case err := <-errCh:
		sugar.Fatalw("api_server_failed", "err", err)
	case <-ctx.Done():
		sugar.Info("shutting down")
	}
}
