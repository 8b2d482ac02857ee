// Command stockdesk-console is a terminal dashboard: search a stock, watch
// its advice pipeline progress, read the advice and ask follow-up
// questions.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/joho/godotenv"

	"stockdesk/internal/catalog"
	"stockdesk/internal/config"
	"stockdesk/internal/live"
	"stockdesk/internal/store"
	"stockdesk/internal/util"
	"stockdesk/pkg/stockdesk"
)

func main() {
	cfgPath := flag.String("config", "", "path to YAML config")
	flag.Parse()

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "loading .env: %v\n", err)
	}
	cfg, err := config.Load(config.Resolve(*cfgPath))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	// The terminal belongs to the UI, so logs go to a file.
	logPath := fmt.Sprintf("%s/stockdesk-console-%s.log", os.TempDir(), time.Now().Format("2006-01-02"))
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "opening log file: %v\n", err)
		os.Exit(1)
	}
	defer logFile.Close()
	logger := util.NewFileLogger(logFile, cfg.Logging.Level, cfg.Logging.Format)
	util.SetDefault(logger)

	journal, err := store.NewSQLiteStore(cfg.Storage.SQLitePath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "opening journal: %v\n", err)
		os.Exit(1)
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

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	subID, states := board.Subscribe(512)
	defer board.Unsubscribe(subID)

	input := textinput.New()
	input.Placeholder = "Search by name, symbol or ISIN"
	input.CharLimit = 200
	input.Focus()

	p := tea.NewProgram(
		initialModel(ctx, cancel, board, cat, states, input, logger),
		tea.WithAltScreen(),
		tea.WithMouseCellMotion(),
	)
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
