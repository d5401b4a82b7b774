// Package tui is the interactive terminal chat behind `studymate chat`.
//
// Enter sends the input line. Tab switches between ask mode, which shows a
// formatted answer, and search mode, which lists the raw passages with
// their scores. PgUp/PgDn scroll the transcript; Ctrl+C quits.
package tui

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/MrWong99/studymate/internal/answer"
	"github.com/MrWong99/studymate/internal/retriever"
)

// Asker answers questions. *answer.Engine implements it.
type Asker interface {
	Ask(ctx context.Context, question string) (answer.Result, error)
}

// Searcher finds passages. *retriever.Retriever implements it.
type Searcher interface {
	Search(ctx context.Context, query string, topK int) ([]retriever.Result, error)
}

// Mode selects what Enter does.
type Mode int

const (
	ModeAsk Mode = iota
	ModeSearch
)

func (m Mode) String() string {
	if m == ModeSearch {
		return "search"
	}
	return "ask"
}

// searchTopK is how many passages search mode shows.
const searchTopK = 5

// exchange is one question and its reply in the transcript.
type exchange struct {
	mode     Mode
	query    string
	reply    string
	source   answer.Source
	fallback bool
	err      error
}

// replyMsg carries a finished request back into Update.
type replyMsg struct {
	exchange
}

// Model is the Bubble Tea model for the chat screen.
type Model struct {
	ctx      context.Context
	asker    Asker
	searcher Searcher
	summary  string

	input    textinput.Model
	viewport viewport.Model
	spinner  spinner.Model

	mode    Mode
	history []exchange
	pending string
	ready   bool
}

// New returns a chat model. summary is shown under the title, e.g. the
// index size and formatter in use. searcher may be nil, which disables
// search mode.
func New(ctx context.Context, asker Asker, searcher Searcher, summary string) Model {
	ti := textinput.New()
	ti.Prompt = "> "
	ti.Placeholder = "Ask a question and press Enter"
	ti.Focus()
	ti.CharLimit = 0

	sp := spinner.New()
	sp.Spinner = spinner.Dot

	return Model{
		ctx:      ctx,
		asker:    asker,
		searcher: searcher,
		summary:  summary,
		input:    ti,
		viewport: viewport.New(0, 0),
		spinner:  sp,
	}
}

// Init starts the cursor blink.
func (m Model) Init() tea.Cmd { return textinput.Blink }

// Mode returns the current input mode.
func (m Model) Mode() Mode { return m.mode }

// Busy reports whether a request is in flight.
func (m Model) Busy() bool { return m.pending != "" }

// Update handles key, resize and reply events.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.ready = true
		_, th := transcriptStyle.GetFrameSize()
		_, ih := inputStyle.GetFrameSize()
		reserved := 2 + 1 + ih + 1 // title+summary, status, input box, spacer
		m.viewport.Width = max(20, msg.Width-2)
		m.viewport.Height = max(3, msg.Height-reserved-th)
		m.refresh()
		return m, nil

	case replyMsg:
		m.pending = ""
		m.history = append(m.history, msg.exchange)
		m.refresh()
		return m, nil

	case spinner.TickMsg:
		if !m.Busy() {
			return m, nil
		}
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC, tea.KeyCtrlD, tea.KeyEsc:
			return m, tea.Quit
		case tea.KeyTab:
			if m.searcher != nil {
				m.mode = (m.mode + 1) % 2
				m.setPlaceholder()
			}
			return m, nil
		case tea.KeyPgUp, tea.KeyPgDown:
			var cmd tea.Cmd
			m.viewport, cmd = m.viewport.Update(msg)
			return m, cmd
		case tea.KeyEnter:
			q := strings.TrimSpace(m.input.Value())
			if q == "" || m.Busy() {
				return m, nil
			}
			m.input.Reset()
			m.pending = q
			m.refresh()
			return m, tea.Batch(m.request(q), m.spinner.Tick)
		}
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m *Model) setPlaceholder() {
	if m.mode == ModeSearch {
		m.input.Placeholder = "Search the textbooks and press Enter"
		return
	}
	m.input.Placeholder = "Ask a question and press Enter"
}

// request runs the question off the UI goroutine.
func (m Model) request(q string) tea.Cmd {
	ctx, mode, asker, searcher := m.ctx, m.mode, m.asker, m.searcher
	return func() tea.Msg {
		ex := exchange{mode: mode, query: q}
		if mode == ModeSearch {
			results, err := searcher.Search(ctx, q, searchTopK)
			ex.err = err
			ex.reply = renderPassages(results)
			return replyMsg{ex}
		}
		res, err := asker.Ask(ctx, q)
		ex.err = err
		ex.reply = res.Answer
		ex.source = res.Source
		ex.fallback = res.Fallback
		return replyMsg{ex}
	}
}

func (m *Model) refresh() {
	m.viewport.SetContent(m.renderTranscript())
	m.viewport.GotoBottom()
}

// View renders the screen.
func (m Model) View() string {
	if !m.ready {
		return "Loading..."
	}
	title := titleStyle.Render("StudyMate")
	summary := dimStyle.Render(m.summary)
	status := statusStyle.Render(fmt.Sprintf("mode: %s  (tab to switch, ctrl+c to quit)", m.mode))
	if m.Busy() {
		status = m.spinner.View() + " " + statusStyle.Render("thinking...")
	}
	return title + "\n" + summary + "\n" +
		transcriptStyle.Render(m.viewport.View()) + "\n" +
		inputStyle.Render(m.input.View()) + "\n" +
		status
}

func (m Model) renderTranscript() string {
	if len(m.history) == 0 && m.pending == "" {
		return dimStyle.Render("No questions yet.")
	}
	var b strings.Builder
	for i, ex := range m.history {
		if i > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(questionStyle.Render(ex.mode.String() + ": " + ex.query))
		b.WriteString("\n")
		switch {
		case ex.err != nil:
			b.WriteString(errorStyle.Render("Error: " + ex.err.Error()))
		case ex.fallback:
			b.WriteString(ex.reply)
			b.WriteString("\n")
			b.WriteString(dimStyle.Render("(generated model unavailable, showing key points)"))
		default:
			b.WriteString(ex.reply)
		}
	}
	if m.pending != "" {
		if len(m.history) > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(questionStyle.Render(m.mode.String() + ": " + m.pending))
	}
	return b.String()
}

func renderPassages(results []retriever.Result) string {
	if len(results) == 0 {
		return "No passages found."
	}
	var b strings.Builder
	for i, r := range results {
		if i > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "%s %s", scoreStyle.Render(fmt.Sprintf("[%d] %.3f", i+1, r.Score)), r.Text)
	}
	return b.String()
}

var (
	titleStyle      = lipgloss.NewStyle().Bold(true)
	dimStyle        = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	statusStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	questionStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("12")).Bold(true)
	errorStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	scoreStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	transcriptStyle = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
	inputStyle      = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
)

// Run starts the full-screen chat and blocks until the user quits.
func Run(ctx context.Context, m Model) error {
	_, err := tea.NewProgram(m, tea.WithAltScreen(), tea.WithContext(ctx)).Run()
	return err
}
