package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"securequery/internal/domain"
)

// QueryPort is the TUI-facing subset of the query service.
type QueryPort interface {
	Query(ctx context.Context, collection, question string, opts domain.QueryOptions) (*domain.QueryResult, error)
	Records(ctx context.Context, collection string, ids []string) ([]domain.LogRecord, error)
}

type exchange struct {
	question string
	result   *domain.QueryResult
	cited    []domain.LogRecord
	err      error
}

type answerMsg exchange

// Model is the Bubble Tea model for the chat interface.
type Model struct {
	service    QueryPort
	collection string
	opts       domain.QueryOptions
	timeout    time.Duration
	header     string

	input      textinput.Model
	viewport   viewport.Model
	spin       spinner.Model
	transcript []exchange
	waiting    bool
	status     string
	ready      bool
}

// New creates a new chat model bound to one collection.
func New(service QueryPort, collection, header string, opts domain.QueryOptions, timeout time.Duration) Model {
	ti := textinput.New()
	ti.Prompt = "> "
	ti.Placeholder = "Ask a question about the ingested logs"
	ti.Focus()
	ti.CharLimit = 0
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	vp := viewport.New(0, 0)
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return Model{
		service:    service,
		collection: collection,
		opts:       opts,
		timeout:    timeout,
		header:     header,
		input:      ti,
		spin:       sp,
		viewport:   vp,
		status:     "Ready. Type a question and press Enter.",
	}
}

// Init initializes the model (text input cursor blink).
func (m Model) Init() tea.Cmd { return textinput.Blink }

// Update handles key, window and answer events.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.ready = true
		_, th := transcriptBoxStyle.GetFrameSize()
		_, qh := queryBoxStyle.GetFrameSize()
		reserved := 2 + qh + 1 // header, status, input frame, spacer
		vh := msg.Height - reserved
		if vh < 3 {
			vh = 3
		}
		m.viewport.Width = max(20, msg.Width)
		m.viewport.Height = max(3, vh-th)
		m.viewport.SetContent(m.renderTranscript())
		return m, nil
	case spinner.TickMsg:
		if !m.waiting {
			return m, nil
		}
		var cmd tea.Cmd
		m.spin, cmd = m.spin.Update(msg)
		return m, cmd
	case answerMsg:
		m.waiting = false
		m.transcript = append(m.transcript, exchange(msg))
		if msg.err != nil {
			m.status = "Error: " + msg.err.Error()
		} else {
			m.status = fmt.Sprintf("Considered %d candidates, cited %d.", msg.result.CandidatesConsidered, len(msg.result.Citations))
		}
		m.viewport.SetContent(m.renderTranscript())
		m.viewport.GotoBottom()
		return m, nil
	case tea.KeyMsg:
		if msg.Type == tea.KeyCtrlC || msg.Type == tea.KeyCtrlD {
			return m, tea.Quit
		}
		switch msg.String() {
		case "enter":
			q := strings.TrimSpace(m.input.Value())
			if q != "" && !m.waiting {
				m.waiting = true
				m.status = "Thinking..."
				m.input.SetValue("")
				return m, tea.Batch(m.spin.Tick, m.ask(q))
			}
		case "up":
			m.viewport.LineUp(1)
			return m, nil
		case "down":
			m.viewport.LineDown(1)
			return m, nil
		}
	}
	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m Model) ask(question string) tea.Cmd {
	service, collection, opts, timeout := m.service, m.collection, m.opts, m.timeout
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		result, err := service.Query(ctx, collection, question, opts)
		if err != nil {
			return answerMsg{question: question, err: err}
		}
		cited, err := service.Records(ctx, collection, result.Citations)
		if err != nil {
			// The answer is still usable without the resolved records.
			cited = nil
		}
		return answerMsg{question: question, result: result, cited: cited}
	}
}

// View renders the chat layout.
func (m Model) View() string {
	if !m.ready {
		return "Loading..."
	}
	header := lipgloss.NewStyle().Bold(true).Render("secure-query") + "  " +
		lipgloss.NewStyle().Foreground(lipgloss.Color("8")).Render(m.header)
	input := queryBoxStyle.Render(m.input.View())
	status := m.status
	if m.waiting {
		status = m.spin.View() + " " + status
	}
	statusLine := lipgloss.NewStyle().Foreground(lipgloss.Color("10")).Render(status)
	transcript := transcriptBoxStyle.Render(m.viewport.View())
	return header + "\n" + transcript + "\n" + input + "\n" + statusLine
}

func (m Model) renderTranscript() string {
	if len(m.transcript) == 0 {
		return "No questions yet."
	}
	var b strings.Builder
	for i, ex := range m.transcript {
		if i > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(questionStyle.Render("You: " + ex.question))
		b.WriteString("\n")
		if ex.err != nil {
			b.WriteString(errorStyle.Render(ex.err.Error()))
			continue
		}
		b.WriteString(ex.result.AnswerText)
		if len(ex.result.Citations) > 0 {
			b.WriteString("\n" + citationHeaderStyle.Render("Sources:"))
			cited := make(map[string]domain.LogRecord, len(ex.cited))
			for _, r := range ex.cited {
				cited[r.ID] = r
			}
			for _, id := range ex.result.Citations {
				line := "\n  • " + id
				if r, ok := cited[id]; ok {
					line += "  " + truncate(r.RawText, 100)
				}
				b.WriteString(citationStyle.Render(line))
			}
		}
	}
	return b.String()
}

func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + "…"
}

var (
	transcriptBoxStyle  = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
	queryBoxStyle       = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
	questionStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("12")).Bold(true)
	citationHeaderStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	citationStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	errorStyle          = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
)

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
