package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"

	"stockdesk/internal/catalog"
	"stockdesk/internal/chat"
	"stockdesk/internal/live"
)

const maxResults = 12

// Messages.
type stateMsg live.RunState
type catalogMsg struct{ err error }
type chatDoneMsg struct {
	reply chat.Message
	err   error
}

type mode int

const (
	modeSearch mode = iota // picking a stock
	modeAdvice             // advice run in progress
	modeChat               // follow-up questions on a session
)

type model struct {
	ctx    context.Context
	cancel context.CancelFunc
	board  *live.Board
	cat    *catalog.Catalog
	states <-chan live.RunState
	log    *slog.Logger

	mode     mode
	input    textinput.Model
	results  []catalog.Entry
	cursor   int
	selected catalog.Entry
	status   string

	advice    live.RunState
	sessionID int64
	history   []chat.Message // committed turns after the advice
	pending   string         // question awaiting its reply
	reply     live.RunState  // in-flight chat reply
	expanded  bool           // reasoning blocks shown in full

	bar           progress.Model
	viewport      viewport.Model
	ready         bool
	width, height int
	md            *markdown
}

func initialModel(ctx context.Context, cancel context.CancelFunc, board *live.Board, cat *catalog.Catalog, states <-chan live.RunState, input textinput.Model, log *slog.Logger) model {
	return model{
		ctx:    ctx,
		cancel: cancel,
		board:  board,
		cat:    cat,
		states: states,
		log:    log,
		input:  input,
		bar:    progress.New(progress.WithDefaultGradient()),
		status: "loading stocks...",
		md:     newMarkdown(80),
	}
}

func (m model) Init() tea.Cmd {
	cat, ctx := m.cat, m.ctx
	return tea.Batch(
		textinput.Blink,
		waitForState(m.states),
		func() tea.Msg { return catalogMsg{err: cat.Refresh(ctx)} },
	)
}

// waitForState delivers the next board update as a message.
func waitForState(ch <-chan live.RunState) tea.Cmd {
	return func() tea.Msg {
		st, ok := <-ch
		if !ok {
			return nil
		}
		return stateMsg(st)
	}
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c":
			m.cancel()
			return m, tea.Quit
		case "esc":
			return m.back(), nil
		case "ctrl+r":
			m.expanded = !m.expanded
			m.refresh()
			return m, nil
		case "up":
			if m.mode == modeSearch && m.cursor > 0 {
				m.cursor--
				return m, nil
			}
		case "down":
			if m.mode == modeSearch && m.cursor < len(m.results)-1 {
				m.cursor++
				return m, nil
			}
		case "enter":
			return m.submit()
		}

	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		vpHeight := m.height - 4 // header, progress, input, footer
		if vpHeight < 1 {
			vpHeight = 1
		}
		if !m.ready {
			m.viewport = viewport.New(m.width, vpHeight)
			m.viewport.MouseWheelEnabled = true
			m.ready = true
		} else {
			m.viewport.Width = m.width
			m.viewport.Height = vpHeight
		}
		m.bar.Width = m.width - 4
		m.input.Width = m.width - 4
		m.md = newMarkdown(m.width - 2)
		m.refresh()
		return m, nil

	case catalogMsg:
		if msg.err != nil {
			m.log.Warn("catalog refresh failed", "error", msg.err)
			m.status = "stock list unavailable (" + msg.err.Error() + ")"
		} else {
			m.status = fmt.Sprintf("%d stocks", m.cat.Len())
		}
		m.search()
		return m, nil

	case stateMsg:
		m.applyState(live.RunState(msg))
		return m, waitForState(m.states)

	case chatDoneMsg:
		if msg.err != nil {
			m.status = "reply failed: " + chatError(msg.err)
		} else {
			m.history = append(m.history, chat.Message{Role: chat.RoleUser, Content: m.pending}, msg.reply)
			m.status = "reply received"
		}
		m.pending = ""
		m.reply = live.RunState{}
		m.input.SetValue("")
		m.refresh()
		return m, nil
	}

	prev := m.input.Value()
	m.input, cmd = m.input.Update(msg)
	if m.mode == modeSearch && m.input.Value() != prev {
		m.search()
	}
	var vpCmd tea.Cmd
	m.viewport, vpCmd = m.viewport.Update(msg)
	return m, tea.Batch(cmd, vpCmd)
}

func (m *model) search() {
	m.results = m.cat.Search(m.input.Value(), maxResults)
	if m.cursor >= len(m.results) {
		m.cursor = 0
	}
	m.refresh()
}

// submit acts on enter: pick a stock, or send a question.
func (m model) submit() (tea.Model, tea.Cmd) {
	switch m.mode {
	case modeSearch:
		if len(m.results) == 0 {
			return m, nil
		}
		m.selected = m.results[m.cursor]
		m.mode = modeAdvice
		m.advice = live.RunState{}
		m.history = nil
		m.sessionID = 0
		m.input.SetValue("")
		m.input.Placeholder = "Waiting for advice..."
		m.board.StartAdvice(m.ctx, m.selected.ISIN)
		m.status = "advice requested for " + m.selected.Label()
		m.refresh()
		return m, nil

	case modeChat:
		text := strings.TrimSpace(m.input.Value())
		if text == "" || m.pending != "" {
			return m, nil
		}
		m.pending = text
		m.input.SetValue("")
		m.status = "waiting for reply..."
		board, ctx, sid := m.board, m.ctx, m.sessionID
		m.refresh()
		return m, func() tea.Msg {
			reply, err := board.Chat(ctx, sid, text)
			return chatDoneMsg{reply: reply, err: err}
		}
	}
	return m, nil
}

// back returns to the stock picker, cancelling a running advice request.
func (m model) back() model {
	if m.mode == modeAdvice && !m.advice.Terminal() {
		m.board.Cancel(m.selected.ISIN)
	}
	m.mode = modeSearch
	m.input.Placeholder = "Search by name, symbol or ISIN"
	m.input.SetValue("")
	m.search()
	return m
}

func (m *model) applyState(st live.RunState) {
	switch {
	case st.Kind == live.KindAdvice && st.ISIN == m.selected.ISIN && m.mode != modeSearch:
		if st.RunID < m.advice.RunID {
			return
		}
		m.advice = st
		switch st.Status {
		case live.StatusCompleted:
			m.sessionID = st.SessionID
			m.mode = modeChat
			m.input.Placeholder = "Ask a follow-up question"
			m.status = fmt.Sprintf("advice ready (session %d)", st.SessionID)
		case live.StatusFailed:
			m.status = st.Reason
		case live.StatusCancelled:
			m.status = "advice cancelled"
		default:
			m.status = st.CurrentStep
		}
	case st.Kind == live.KindChat && st.SessionID == m.sessionID && m.pending != "":
		m.reply = st
	default:
		return
	}
	m.refresh()
}

// refresh re-renders the viewport content.
func (m *model) refresh() {
	if !m.ready {
		return
	}
	atBottom := m.viewport.AtBottom()
	m.viewport.SetContent(m.renderContent())
	if m.mode != modeSearch && atBottom {
		m.viewport.GotoBottom()
	}
}

func (m model) View() string {
	if !m.ready {
		return "Loading..."
	}

	title := " stockdesk"
	if m.mode != modeSearch {
		title += "  " + m.selected.Label() + "  " + m.selected.ISIN
	}
	header := headerStyle.Render(padOrTrunc(title, m.width))

	var bar string
	if m.mode == modeSearch {
		bar = dimStyle.Render(padOrTrunc(" "+m.status, m.width))
	} else {
		bar = "  " + m.bar.ViewAs(float64(m.advice.Percent)/100) + "  " + dimStyle.Render(m.status)
	}

	help := " ↑/↓ select  enter advice  ctrl+c quit"
	if m.mode != modeSearch {
		help = " enter send  ctrl+r reasoning  esc back  pgup/pgdn scroll  ctrl+c quit"
	}
	footer := footerStyle.Render(padOrTrunc(help, m.width))

	return header + "\n" + bar + "\n" + m.viewport.View() + "\n" + m.input.View() + "\n" + footer
}

func chatError(err error) string {
	var chatErr *live.ChatError
	if errors.As(err, &chatErr) {
		return chatErr.Message
	}
	return "could not reach the server"
}
