// Command stockdesk-server runs the local relay: the HTTP API and the gRPC
// advice feed over one shared board.
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"stockdesk/internal/catalog"
	"stockdesk/internal/config"
	"stockdesk/internal/httpapi"
	"stockdesk/internal/live"
	"stockdesk/internal/store"
	"stockdesk/internal/util"
	"stockdesk/pkg/stockdesk"
)

// Advice runs are expensive upstream; allow a handful per minute.
const adviceStartsPerMinute = 6

func main() {
	cfgPath := flag.String("config", "", "path to YAML config (default: $STOCKDESK_CONFIG or "+config.DefaultPath+")")
	flag.Parse()

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf("loading .env: %v", err)
	}

	cfg, err := config.Load(config.Resolve(*cfgPath))
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger := util.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	util.SetDefault(logger)

	journal, err := store.NewSQLiteStore(cfg.Storage.SQLitePath)
	if err != nil {
		log.Fatalf("opening journal: %v", err)
	}
	defer journal.Close()

	client := stockdesk.NewClient(cfg.API.BaseURL,
		stockdesk.WithListTimeout(cfg.API.ListTimeout),
		stockdesk.WithRetries(cfg.API.ListRetries),
		stockdesk.WithLogger(logger),
	)

	var assets *catalog.AlpacaSource
	if cfg.Alpaca.Enabled() {
		assets = catalog.NewAlpacaSource(cfg.Alpaca.APIKey, cfg.Alpaca.APISecret, cfg.Alpaca.BaseURL)
	}
	cat := catalog.New(client, assets, logger)
	board := live.NewBoard(client, journal, logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	relay := httpapi.NewRelayServer(ctx, board, cat, logger,
		httpapi.WithJournal(journal, store.NewParquetExporter(cfg.Storage.DataDir)),
		httpapi.WithAdviceLimiter(util.NewBurstRateLimiter(adviceStartsPerMinute, 2)),
	)
	httpServer := &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           relay.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	grpcServer := grpc.NewServer()
	live.NewServer(board, logger).RegisterGRPC(grpcServer)

	if err := cat.Refresh(ctx); err != nil {
		logger.Warn("initial catalog refresh failed, will retry on demand", "error", err)
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("relay API listening", "addr", httpServer.Addr, "upstream", client.BaseURL())
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	g.Go(func() error {
		lis, err := net.Listen("tcp", cfg.Server.GRPCAddr)
		if err != nil {
			return err
		}
		logger.Info("advice feed listening", "addr", cfg.Server.GRPCAddr)
		return grpcServer.Serve(lis)
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down stockdesk-server")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		grpcServer.Stop()
		return httpServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}
