package main

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"

	"stockdesk/internal/advice"
	"stockdesk/internal/chat"
	"stockdesk/internal/live"
	"stockdesk/internal/think"
)

// Styles.
var (
	headerStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("15")).Background(lipgloss.Color("4"))
	footerStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("15")).Background(lipgloss.Color("8"))
	dimStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	symbolStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	cursorStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("0")).Background(lipgloss.Color("6"))
	doneStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	failStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	runningStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	thinkStyle   = lipgloss.NewStyle().Italic(true).Foreground(lipgloss.Color("244"))
	userStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("14"))
	sectionStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("13"))
)

const previewRunes = 60

// markdown renders visible text; it falls back to plain text when glamour
// cannot render.
type markdown struct {
	r *glamour.TermRenderer
}

func newMarkdown(width int) *markdown {
	if width < 20 {
		width = 20
	}
	r, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(width),
	)
	if err != nil {
		return &markdown{}
	}
	return &markdown{r: r}
}

func (md *markdown) render(text string) string {
	if md == nil || md.r == nil || strings.TrimSpace(text) == "" {
		return text
	}
	out, err := md.r.Render(text)
	if err != nil {
		return text
	}
	return strings.TrimRight(out, "\n")
}

func (m model) renderContent() string {
	var b strings.Builder
	if m.mode == modeSearch {
		m.renderResults(&b)
		return b.String()
	}

	m.renderSteps(&b)
	if m.advice.Text != "" {
		b.WriteString("\n" + sectionStyle.Render("Advice") + "\n")
		b.WriteString(m.renderMessage(m.advice.Text))
		b.WriteString("\n")
	}
	for _, msg := range m.history {
		m.renderTurn(&b, msg)
	}
	if m.pending != "" {
		m.renderTurn(&b, chat.Message{Role: chat.RoleUser, Content: m.pending})
		if m.reply.Text == "" {
			b.WriteString(dimStyle.Render("  …") + "\n")
		} else {
			b.WriteString(m.renderMessage(m.reply.Text) + "\n")
		}
	}
	return b.String()
}

func (m model) renderResults(b *strings.Builder) {
	if len(m.results) == 0 {
		b.WriteString(dimStyle.Render("  no matching stocks") + "\n")
		return
	}
	for i, e := range m.results {
		sym := fmt.Sprintf(" %-8s", e.Symbol)
		rest := fmt.Sprintf(" %-14s %s", e.ISIN, e.Name)
		if i == m.cursor {
			b.WriteString(cursorStyle.Render(padOrTrunc(sym+rest, m.width)) + "\n")
			continue
		}
		line := symbolStyle.Render(sym) + rest
		if e.Exchange != "" {
			line += dimStyle.Render("  " + e.Exchange)
		}
		b.WriteString(line + "\n")
	}
}

func (m model) renderSteps(b *strings.Builder) {
	for _, s := range m.advice.Steps {
		var mark string
		switch s.Status {
		case advice.StatusDone:
			mark = doneStyle.Render("✓")
		case advice.StatusFailed:
			mark = failStyle.Render("✗")
		default:
			mark = runningStyle.Render("•")
		}
		line := fmt.Sprintf(" %s %s", mark, s.Step)
		if s.Message != "" {
			line += dimStyle.Render("  " + s.Message)
		}
		b.WriteString(line + "\n")
	}
	if m.advice.Status == live.StatusFailed {
		b.WriteString("\n" + failStyle.Render(" "+m.advice.Reason) + "\n")
	}
}

func (m model) renderTurn(b *strings.Builder, msg chat.Message) {
	if msg.Role == chat.RoleUser {
		b.WriteString("\n" + userStyle.Render("You: ") + msg.Content + "\n")
		return
	}
	b.WriteString(m.renderMessage(msg.Content) + "\n")
}

// renderMessage renders visible segments as markdown and reasoning blocks
// collapsed to a one-line preview unless expanded.
func (m model) renderMessage(text string) string {
	var b strings.Builder
	var visible strings.Builder
	flush := func() {
		if visible.Len() > 0 {
			b.WriteString(m.md.render(visible.String()) + "\n")
			visible.Reset()
		}
	}

	for _, seg := range think.Split(text) {
		if seg.Kind == think.Visible {
			visible.WriteString(seg.Text)
			continue
		}
		flush()
		switch {
		case !seg.Closed:
			b.WriteString(thinkStyle.Render("  ▸ thinking… "+think.Preview(seg, previewRunes)) + "\n")
		case m.expanded:
			b.WriteString(thinkStyle.Render("  ▾ Reasoning\n"+indent(strings.TrimSpace(seg.Text), "    ")) + "\n")
		case strings.TrimSpace(seg.Text) != "":
			b.WriteString(thinkStyle.Render("  ▸ Reasoning: "+think.Preview(seg, previewRunes)) + "\n")
		}
	}
	flush()
	return strings.TrimRight(b.String(), "\n")
}

func indent(s, prefix string) string {
	lines := strings.Split(s, "\n")
	for i, l := range lines {
		lines[i] = prefix + l
	}
	return strings.Join(lines, "\n")
}

func padOrTrunc(s string, width int) string {
	w := lipgloss.Width(s)
	if w >= width {
		return s
	}
	return s + strings.Repeat(" ", width-w)
}
