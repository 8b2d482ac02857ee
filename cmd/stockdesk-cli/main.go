// Command stockdesk-cli runs one-shot advice, chat and catalog operations
// against the dashboard API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/joho/godotenv"

	"stockdesk/internal/advice"
	"stockdesk/internal/catalog"
	"stockdesk/internal/config"
	"stockdesk/internal/live"
	"stockdesk/internal/store"
	"stockdesk/internal/think"
	"stockdesk/internal/util"
	"stockdesk/pkg/stockdesk"
)

const version = "0.3.0"

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: stockdesk-cli [-config path] <command> [args]\n\n")
	fmt.Fprintf(os.Stderr, "Commands:\n")
	fmt.Fprintf(os.Stderr, "  version                    Print the CLI version\n")
	fmt.Fprintf(os.Stderr, "  stocks [query]             List or search stocks\n")
	fmt.Fprintf(os.Stderr, "  sessions                   List chat sessions\n")
	fmt.Fprintf(os.Stderr, "  session <id>               Show a session with its messages\n")
	fmt.Fprintf(os.Stderr, "  advice <isin>              Run the advice pipeline and print the result\n")
	fmt.Fprintf(os.Stderr, "  chat <session-id> <text>   Send a follow-up question\n")
	fmt.Fprintf(os.Stderr, "  runs [isin]                List journaled advice runs\n")
	fmt.Fprintf(os.Stderr, "  transcript <session-id>    Print the journaled transcript\n")
	fmt.Fprintf(os.Stderr, "  export <session-id>        Export the transcript to Parquet\n")
	fmt.Fprintf(os.Stderr, "  watch [isin]               Follow a running stockdesk-server feed\n")
	fmt.Fprintf(os.Stderr, "  segments                   Split stdin into visible text and reasoning\n")
	fmt.Fprintf(os.Stderr, "\n")
}

type app struct {
	cfg     *config.Config
	log     *slog.Logger
	client  *stockdesk.Client
	journal *store.SQLiteStore
}

func main() {
	flag.Usage = usage
	cfgPath := flag.String("config", "", "path to YAML config")
	flag.Parse()

	if flag.NArg() < 1 {
		usage()
		os.Exit(1)
	}
	cmd, args := flag.Arg(0), flag.Args()[1:]
	if cmd == "version" {
		fmt.Printf("stockdesk-cli %s\n", version)
		return
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "loading .env: %v\n", err)
	}
	cfg, err := config.Load(config.Resolve(*cfgPath))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	a := &app{
		cfg: cfg,
		log: util.NewStderrLogger(cfg.Logging.Level, "text"),
	}
	a.client = stockdesk.NewClient(cfg.API.BaseURL,
		stockdesk.WithListTimeout(cfg.API.ListTimeout),
		stockdesk.WithRetries(cfg.API.ListRetries),
		stockdesk.WithLogger(a.log),
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := a.run(ctx, cmd, args); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func (a *app) openJournal() (*store.SQLiteStore, error) {
	if a.journal == nil {
		j, err := store.NewSQLiteStore(a.cfg.Storage.SQLitePath)
		if err != nil {
			return nil, err
		}
		a.journal = j
	}
	return a.journal, nil
}

func (a *app) run(ctx context.Context, cmd string, args []string) error {
	defer func() {
		if a.journal != nil {
			a.journal.Close()
		}
	}()

	switch cmd {
	case "stocks":
		return a.stocks(ctx, strings.Join(args, " "))
	case "sessions":
		return a.sessions(ctx)
	case "session":
		id, err := sessionArg(args)
		if err != nil {
			return err
		}
		return a.session(ctx, id)
	case "advice":
		if len(args) != 1 {
			return errors.New("usage: advice <isin>")
		}
		return a.advice(ctx, strings.ToUpper(args[0]))
	case "chat":
		id, err := sessionArg(args)
		if err != nil {
			return err
		}
		if len(args) < 2 {
			return errors.New("usage: chat <session-id> <text>")
		}
		return a.chat(ctx, id, strings.Join(args[1:], " "))
	case "runs":
		isin := ""
		if len(args) > 0 {
			isin = strings.ToUpper(args[0])
		}
		return a.runs(ctx, isin)
	case "transcript":
		id, err := sessionArg(args)
		if err != nil {
			return err
		}
		return a.transcript(ctx, id)
	case "export":
		id, err := sessionArg(args)
		if err != nil {
			return err
		}
		return a.export(ctx, id)
	case "watch":
		isin := ""
		if len(args) > 0 {
			isin = strings.ToUpper(args[0])
		}
		return a.watch(ctx, isin)
	case "segments":
		return segments(os.Stdin, os.Stdout)
	default:
		usage()
		return fmt.Errorf("unknown command: %s", cmd)
	}
}

func sessionArg(args []string) (int64, error) {
	if len(args) < 1 {
		return 0, errors.New("missing session id")
	}
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid session id %q", args[0])
	}
	return id, nil
}

func (a *app) stocks(ctx context.Context, query string) error {
	var assets *catalog.AlpacaSource
	if a.cfg.Alpaca.Enabled() {
		assets = catalog.NewAlpacaSource(a.cfg.Alpaca.APIKey, a.cfg.Alpaca.APISecret, a.cfg.Alpaca.BaseURL)
	}
	cat := catalog.New(a.client, assets, a.log)
	if err := cat.Refresh(ctx); err != nil {
		return err
	}
	for _, e := range cat.Search(query, 0) {
		sym := e.Symbol
		if sym == "" {
			sym = "-"
		}
		fmt.Printf("%-14s %-8s %-8s %s\n", e.ISIN, sym, e.Exchange, e.Name)
	}
	return nil
}

func (a *app) sessions(ctx context.Context) error {
	list, err := a.client.ListSessions(ctx)
	if err != nil {
		return err
	}
	for _, s := range list {
		fmt.Printf("%6d  %-14s %-20s %s\n", s.ID, s.ISIN, s.CreatedAt, s.Title)
	}
	return nil
}

func (a *app) session(ctx context.Context, id int64) error {
	d, err := a.client.GetSession(ctx, id)
	if err != nil {
		return err
	}
	fmt.Printf("#%d %s (%s)\n\n", d.ID, d.Title, d.ISIN)
	for _, m := range d.Messages {
		fmt.Printf("[%s] %s\n\n", m.Role, think.VisibleText(m.Content))
	}
	return nil
}

// advice runs the pipeline through a board so progress, text and the
// journal behave exactly as in the server.
func (a *app) advice(ctx context.Context, isin string) error {
	journal, err := a.openJournal()
	if err != nil {
		return err
	}
	board := live.NewBoard(a.client, journal, a.log)
	subID, ch := board.Subscribe(256)
	defer board.Unsubscribe(subID)

	board.StartAdvice(ctx, isin)

	done := make(chan live.RunState, 1)
	go func() {
		st, _ := board.Wait(ctx, isin)
		done <- st
	}()

	printed := make(map[string]bool)
	for {
		select {
		case st := <-ch:
			printSteps(st, printed)
		case st := <-done:
			printSteps(st, printed)
			return printOutcome(st)
		}
	}
}

// printSteps prints each step line not printed before.
func printSteps(st live.RunState, printed map[string]bool) {
	for _, s := range st.Steps {
		line := fmt.Sprintf("[%3d%%] %-7s %s", s.Percent, s.Status, s.Step)
		if s.Message != "" {
			line += ": " + s.Message
		}
		if !printed[line] {
			printed[line] = true
			fmt.Fprintln(os.Stderr, line)
		}
	}
}

func printOutcome(st live.RunState) error {
	switch st.Status {
	case live.StatusCompleted:
		if r := think.Reasoning(st.Text); r != "" {
			fmt.Fprintf(os.Stderr, "\n(reasoning)\n%s\n", r)
		}
		fmt.Printf("\n%s\n\nsession: %d\n", strings.TrimSpace(think.VisibleText(st.Text)), st.SessionID)
		return nil
	case live.StatusCancelled:
		return context.Canceled
	case live.StatusFailed:
		return errors.New(st.Reason)
	default:
		// Wait gave up before the run ended.
		return context.Canceled
	}
}

func (a *app) chat(ctx context.Context, id int64, text string) error {
	journal, err := a.openJournal()
	if err != nil {
		return err
	}
	board := live.NewBoard(a.client, journal, a.log)
	subID, ch := board.Subscribe(256)
	defer board.Unsubscribe(subID)

	done := make(chan error, 1)
	go func() {
		_, err := board.Chat(ctx, id, text)
		done <- err
	}()

	// Print the visible text as it grows.
	written := 0
	for {
		select {
		case st := <-ch:
			vis := think.VisibleText(st.Text)
			if len(vis) > written {
				fmt.Print(vis[written:])
				written = len(vis)
			}
		case err := <-done:
			for len(ch) > 0 {
				st := <-ch
				if vis := think.VisibleText(st.Text); len(vis) > written {
					fmt.Print(vis[written:])
					written = len(vis)
				}
			}
			fmt.Println()
			if err != nil {
				var chatErr *live.ChatError
				if errors.As(err, &chatErr) {
					return chatErr
				}
				a.log.Debug("chat failed", "error", err)
				return errors.New(advice.GenericFailure)
			}
			return nil
		}
	}
}

func (a *app) runs(ctx context.Context, isin string) error {
	journal, err := a.openJournal()
	if err != nil {
		return err
	}
	runs, err := journal.Runs(ctx, isin, 20)
	if err != nil {
		return err
	}
	for _, r := range runs {
		detail := r.Reason
		if r.Status == store.RunCompleted {
			detail = fmt.Sprintf("session %d", r.SessionID)
		}
		fmt.Printf("%s  %-14s %-9s %d steps  %s\n", r.CreatedAt.Format("2006-01-02 15:04"), r.ISIN, r.Status, len(r.Steps), detail)
	}
	return nil
}

func (a *app) transcript(ctx context.Context, id int64) error {
	journal, err := a.openJournal()
	if err != nil {
		return err
	}
	msgs, err := journal.Messages(ctx, id)
	if err != nil {
		return err
	}
	for _, m := range msgs {
		fmt.Printf("[%s %s]\n%s\n\n", m.CreatedAt.Format("15:04:05"), m.Role, m.Content)
	}
	return nil
}

func (a *app) export(ctx context.Context, id int64) error {
	journal, err := a.openJournal()
	if err != nil {
		return err
	}
	exp := store.NewParquetExporter(a.cfg.Storage.DataDir)
	path, err := exp.Export(ctx, journal, id, func(text string) (string, string) {
		return think.VisibleText(text), think.Reasoning(text)
	})
	if err != nil {
		return err
	}
	fmt.Println(path)
	return nil
}

func (a *app) watch(ctx context.Context, isin string) error {
	client := live.NewClient(a.cfg.Server.GRPCAddr, a.log)
	return client.Watch(ctx, isin, func(st live.RunState) bool {
		fmt.Printf("%s #%d %-9s %3d%% %s\n", st.Key, st.RunID, st.Status, st.Percent, st.CurrentStep)
		return true
	})
}

func segments(r io.Reader, w io.Writer) error {
	b, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	for _, s := range think.Split(string(b)) {
		switch {
		case s.Kind == think.Visible:
			fmt.Fprintf(w, "visible: %q\n", s.Text)
		case s.Closed:
			fmt.Fprintf(w, "think:   %q\n", s.Text)
		default:
			fmt.Fprintf(w, "think…:  %q\n", s.Text)
		}
	}
	return nil
}
