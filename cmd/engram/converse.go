// Package main provides the engram CLI entry point.
// This file implements the interactive session using bubbletea: natural
// language write requests are parsed, previewed, and applied only after an
// explicit confirmation, and anything that is not a write request is
// answered from the memory corpus.
package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"engram/cmd/engram/ui"
	"engram/internal/config"
	"engram/internal/permission"
	"engram/internal/service"
	"engram/internal/write"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
)

const converseCallTimeout = 30 * time.Second

// converseModel is the main model for the interactive session
type converseModel struct {
	// UI Components
	textinput textinput.Model
	viewport  viewport.Model
	spinner   spinner.Model
	styles    ui.Styles
	renderer  *glamour.TermRenderer

	// State
	history   []sessionMessage
	isLoading bool
	err       error
	width     int
	height    int
	ready     bool

	// A previewed operation awaiting y/n
	pending *pendingConfirm

	// The last free-form input, replayed as a question when no write
	// intent was recognized
	lastInput string

	// Backend
	svc     *service.Service
	userID  string
	version string
}

type sessionMessage struct {
	role    string // "user" or "assistant"
	content string
	time    time.Time
}

type pendingConfirm struct {
	sessionID string
	opLabel   string
}

// Messages for tea updates
type (
	converseDoneMsg *service.ConverseResponse
	confirmDoneMsg  *service.ConverseResponse
	answerDoneMsg   *service.RelevantAnswer
	noticeMsg       string
	errorMsg        error
)

// initConverse initializes the interactive session model
func initConverse(svc *service.Service, userID, version string) converseModel {
	styles := ui.DefaultStyles()

	ti := textinput.New()
	ti.Placeholder = "Tell me what to change, or ask about your memory... (/help for commands)"
	ti.Focus()
	ti.Prompt = "│ "
	ti.CharLimit = 2000
	ti.Width = 80
	ti.PromptStyle = styles.Prompt
	ti.TextStyle = styles.UserInput

	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = styles.Spinner

	vp := viewport.New(80, 20)
	vp.SetContent("")

	var renderer *glamour.TermRenderer
	if styles.Theme.IsDark {
		renderer, _ = glamour.NewTermRenderer(
			glamour.WithAutoStyle(),
			glamour.WithWordWrap(80),
		)
	} else {
		renderer, _ = glamour.NewTermRenderer(
			glamour.WithStylePath("light"),
			glamour.WithWordWrap(80),
		)
	}

	welcome := fmt.Sprintf("Session for **%s**. Describe a change to your memory "+
		"(\"tag everything from twitter as research\", \"delete my notes about x\") "+
		"and I will preview it before anything is applied. Anything else is answered "+
		"from your corpus. `/help` lists commands.", userID)

	return converseModel{
		textinput: ti,
		viewport:  vp,
		spinner:   sp,
		styles:    styles,
		renderer:  renderer,
		history: []sessionMessage{
			{role: "assistant", content: welcome, time: time.Now()},
		},
		svc:     svc,
		userID:  userID,
		version: version,
	}
}

func (m converseModel) Init() tea.Cmd {
	return tea.Batch(
		textinput.Blink,
		m.spinner.Tick,
	)
}

func (m converseModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var (
		tiCmd tea.Cmd
		vpCmd tea.Cmd
		spCmd tea.Cmd
	)

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC, tea.KeyEsc:
			return m, tea.Quit

		case tea.KeyEnter:
			if !m.isLoading {
				return m.handleSubmit()
			}
		}

		if !m.isLoading {
			m.textinput, tiCmd = m.textinput.Update(msg)
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

		headerHeight := 4
		footerHeight := 2
		inputHeight := 3

		if !m.ready {
			m.viewport = viewport.New(msg.Width, msg.Height-headerHeight-footerHeight-inputHeight)
			m.viewport.SetContent(m.renderHistory())
			m.ready = true
		} else {
			m.viewport.Width = msg.Width
			m.viewport.Height = msg.Height - headerHeight - footerHeight - inputHeight
		}
		m.textinput.Width = msg.Width - 6

	case spinner.TickMsg:
		if m.isLoading {
			m.spinner, spCmd = m.spinner.Update(msg)
		}

	case converseDoneMsg:
		return m.handleConverseResponse((*service.ConverseResponse)(msg))

	case confirmDoneMsg:
		resp := (*service.ConverseResponse)(msg)
		m.isLoading = false
		m.pending = nil
		switch resp.Status {
		case service.ConverseExecuted:
			m.appendAssistant(formatApplied(resp.Result))
		case service.ConverseCancelled:
			m.appendAssistant("Cancelled. Nothing was changed.")
		default:
			m.appendAssistant(resp.Message)
		}
		return m, nil

	case answerDoneMsg:
		m.isLoading = false
		m.appendAssistant(formatAnswer((*service.RelevantAnswer)(msg)))
		return m, nil

	case noticeMsg:
		m.isLoading = false
		m.appendAssistant(string(msg))
		return m, nil

	case errorMsg:
		m.isLoading = false
		m.pending = nil
		m.err = msg
		return m, nil
	}

	m.viewport, vpCmd = m.viewport.Update(msg)

	return m, tea.Batch(tiCmd, vpCmd, spCmd)
}

func (m converseModel) handleSubmit() (tea.Model, tea.Cmd) {
	input := strings.TrimSpace(m.textinput.Value())
	if input == "" {
		return m, nil
	}

	if strings.HasPrefix(input, "/") {
		return m.handleCommand(input)
	}

	m.history = append(m.history, sessionMessage{
		role:    "user",
		content: input,
		time:    time.Now(),
	})
	m.textinput.Reset()
	m.err = nil
	m.viewport.SetContent(m.renderHistory())
	m.viewport.GotoBottom()

	// A pending preview interprets the next input as its verdict
	if m.pending != nil {
		switch strings.ToLower(input) {
		case "y", "yes", "apply":
			m.isLoading = true
			return m, tea.Batch(m.spinner.Tick, m.confirmCmd(true))
		case "n", "no", "cancel":
			m.isLoading = true
			return m, tea.Batch(m.spinner.Tick, m.confirmCmd(false))
		default:
			m.appendAssistant(fmt.Sprintf("A %s is waiting for confirmation: answer **y** to apply or **n** to cancel.", m.pending.opLabel))
			return m, nil
		}
	}

	m.lastInput = input
	m.isLoading = true
	return m, tea.Batch(m.spinner.Tick, m.converseCmd(input))
}

func (m converseModel) handleCommand(input string) (tea.Model, tea.Cmd) {
	parts := strings.Fields(input)
	cmd := parts[0]

	m.textinput.Reset()

	switch cmd {
	case "/quit", "/exit", "/q":
		return m, tea.Quit

	case "/clear":
		m.history = nil
		m.pending = nil
		m.err = nil
		m.viewport.SetContent("")
		return m, nil

	case "/help":
		m.appendAssistant(helpText)
		return m, nil

	case "/context":
		m.isLoading = true
		return m, tea.Batch(m.spinner.Tick, m.contextCmd())

	case "/stats":
		m.isLoading = true
		return m, tea.Batch(m.spinner.Tick, m.statsCmd())

	case "/history":
		m.isLoading = true
		return m, tea.Batch(m.spinner.Tick, m.historyCmd())

	default:
		m.appendAssistant(fmt.Sprintf("Unknown command %s. Try /help.", cmd))
		return m, nil
	}
}

// handleConverseResponse routes a parse-and-preview outcome into the session.
func (m converseModel) handleConverseResponse(resp *service.ConverseResponse) (tea.Model, tea.Cmd) {
	switch resp.Status {
	case service.ConverseNoIntent:
		// Not a write request: answer it from the corpus instead
		return m, m.answerCmd(m.lastInput)

	case service.ConversePreview:
		m.isLoading = false
		m.pending = &pendingConfirm{
			sessionID: resp.SessionID,
			opLabel:   string(resp.Intent.Op),
		}
		m.appendAssistant(formatPreview(resp))
		return m, nil

	case service.ConverseNoTargets, service.ConverseNeedsDetails:
		m.isLoading = false
		m.appendAssistant(resp.Message + "\n\nRefine the request and try again.")
		return m, nil

	case service.ConverseExecuted:
		m.isLoading = false
		m.appendAssistant(formatApplied(resp.Result))
		return m, nil

	default:
		m.isLoading = false
		m.appendAssistant(resp.Message)
		return m, nil
	}
}

// appendAssistant adds an assistant message and scrolls to it.
func (m *converseModel) appendAssistant(content string) {
	m.history = append(m.history, sessionMessage{
		role:    "assistant",
		content: content,
		time:    time.Now(),
	})
	m.viewport.SetContent(m.renderHistory())
	m.viewport.GotoBottom()
}

// converseCmd submits the input for parsing and preview.
func (m converseModel) converseCmd(input string) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), converseCallTimeout)
		defer cancel()

		resp, err := m.svc.Converse(ctx, &service.ConverseRequest{
			UserID:  m.userID,
			Input:   input,
			Context: permission.CallContext{SourceApp: "cli_interactive"},
		})
		if err != nil {
			return errorMsg(err)
		}
		return converseDoneMsg(resp)
	}
}

// confirmCmd settles the pending preview.
func (m converseModel) confirmCmd(apply bool) tea.Cmd {
	sessionID := m.pending.sessionID
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), converseCallTimeout)
		defer cancel()

		resp, err := m.svc.Confirm(ctx, sessionID, m.userID, apply, nil)
		if err != nil {
			return errorMsg(err)
		}
		return confirmDoneMsg(resp)
	}
}

// answerCmd retrieves the memories relevant to a question.
func (m converseModel) answerCmd(question string) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), converseCallTimeout)
		defer cancel()

		answer, err := m.svc.QueryRelevantForQuestion(ctx, m.userID, question, 5, 0, true)
		if err != nil {
			return errorMsg(err)
		}
		return answerDoneMsg(answer)
	}
}

// contextCmd renders the synthesized context view.
func (m converseModel) contextCmd() tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), converseCallTimeout)
		defer cancel()

		view, err := m.svc.GetContext(ctx, m.userID, "", false)
		if err != nil {
			return errorMsg(err)
		}
		return noticeMsg(contextMarkdown(view))
	}
}

// statsCmd snapshots service statistics.
func (m converseModel) statsCmd() tea.Cmd {
	return func() tea.Msg {
		st := m.svc.Stats()
		var sb strings.Builder
		sb.WriteString("## Service statistics\n\n")
		sb.WriteString(fmt.Sprintf("- Tiers: hot %d, warm %d, cold %d\n",
			st.Tiers.HotCount, st.Tiers.WarmCount, st.Tiers.ColdCount))
		sb.WriteString(fmt.Sprintf("- Cache: %d entries, %d hits, %d misses\n",
			st.Tiers.CacheSize, st.Tiers.CacheHits, st.Tiers.CacheMisses))
		sb.WriteString(fmt.Sprintf("- Indexed: %d records\n", st.Indexed))
		return noticeMsg(sb.String())
	}
}

// historyCmd lists recent write operations.
func (m converseModel) historyCmd() tea.Cmd {
	return func() tea.Msg {
		entries, err := m.svc.WriteHistory(m.userID, 10)
		if err != nil {
			return errorMsg(err)
		}
		if len(entries) == 0 {
			return noticeMsg("No write operations recorded.")
		}
		var sb strings.Builder
		sb.WriteString("## Recent write operations\n\n")
		for _, e := range entries {
			sb.WriteString(fmt.Sprintf("- %s **%s** %s (risk %s, affected %d)\n",
				e.RequestedAt.Format("01-02 15:04"), e.Op, e.Outcome, e.Risk, e.AffectedCount))
		}
		return noticeMsg(sb.String())
	}
}

func (m converseModel) renderHistory() string {
	var sb strings.Builder

	for _, msg := range m.history {
		if msg.role == "user" {
			userStyle := m.styles.Bold.
				Foreground(m.styles.Theme.Primary).
				MarginTop(1)
			sb.WriteString(userStyle.Render("You") + "\n")
			sb.WriteString(m.styles.UserInput.Render(msg.content))
			sb.WriteString("\n\n")
		} else {
			assistantStyle := m.styles.Bold.
				Foreground(m.styles.Theme.Accent).
				MarginTop(1)
			sb.WriteString(assistantStyle.Render("engram") + "\n")
			sb.WriteString(m.safeRenderMarkdown(msg.content))
			sb.WriteString("\n")
		}
	}

	return sb.String()
}

// safeRenderMarkdown renders markdown with panic recovery
func (m converseModel) safeRenderMarkdown(content string) (result string) {
	defer func() {
		if r := recover(); r != nil {
			result = content
		}
	}()

	if m.renderer != nil && content != "" {
		rendered, err := m.renderer.Render(content)
		if err == nil {
			return rendered
		}
	}
	return content
}

func (m converseModel) View() string {
	if !m.ready {
		return "Initializing..."
	}

	header := m.renderHeader()

	chatView := m.viewport.View()
	if m.isLoading {
		chatView += "\n" + m.styles.Spinner.Render(m.spinner.View()) + " Working..."
	}
	if m.err != nil {
		chatView += "\n" + m.styles.Error.Render("Error: "+m.err.Error())
	}

	inputStyle := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(m.styles.Theme.Accent).
		Padding(0, 1)
	inputArea := inputStyle.Render(m.textinput.View())

	footer := m.renderFooter()

	return lipgloss.JoinVertical(
		lipgloss.Left,
		header,
		chatView,
		inputArea,
		footer,
	)
}

func (m converseModel) renderHeader() string {
	title := m.styles.Header.Render(" engram ")
	version := m.styles.Badge.Render("v" + m.version)
	user := m.styles.Muted.Render(fmt.Sprintf(" user: %s", m.userID))

	var status string
	switch {
	case m.isLoading:
		status = m.styles.Warning.Render("● Working")
	case m.pending != nil:
		status = m.styles.Warning.Render("● Awaiting confirmation")
	default:
		status = m.styles.Success.Render("● Ready")
	}

	headerLine := lipgloss.JoinHorizontal(
		lipgloss.Center,
		title,
		" ",
		version,
		"  ",
		status,
	)

	return lipgloss.JoinVertical(
		lipgloss.Left,
		headerLine,
		user,
		m.styles.RenderDivider(m.width),
	)
}

func (m converseModel) renderFooter() string {
	help := "Enter: send • /help: commands • Ctrl+C: exit"
	if m.pending != nil {
		help = "y: apply • n: cancel • " + help
	}
	return lipgloss.NewStyle().
		MarginTop(1).
		Render(m.styles.Muted.Render(help))
}

// formatPreview lays out a previewed operation for confirmation.
func formatPreview(resp *service.ConverseResponse) string {
	var sb strings.Builder
	sb.WriteString(resp.Message)
	if resp.Preview != nil && len(resp.Preview.Sample) > 0 {
		sb.WriteString("\n")
		for _, rec := range resp.Preview.Sample {
			sb.WriteString(fmt.Sprintf("\n- `%s` %s", rec.ID, firstLine(rec.Highlight)))
		}
	}
	sb.WriteString("\n\nApply? (**y**/**n**)")
	return sb.String()
}

// formatApplied summarizes an executed operation.
func formatApplied(res *write.Result) string {
	if res == nil {
		return "Applied."
	}
	msg := fmt.Sprintf("Applied: %s %s, affected %d records.", res.Op, res.Status, res.AffectedCount)
	if res.OperationID != "" {
		msg += fmt.Sprintf("\n\nUndo with `engram restore %s`.", res.OperationID)
	}
	return msg
}

// formatAnswer lays out the corpus items relevant to a question.
func formatAnswer(answer *service.RelevantAnswer) string {
	if len(answer.Items) == 0 {
		return "Nothing relevant in your memory yet."
	}
	var sb strings.Builder
	sb.WriteString("From your memory:\n")
	for _, item := range answer.Items {
		sb.WriteString(fmt.Sprintf("\n- %s", item.ContentSummary))
		if item.Metadata != nil {
			sb.WriteString(fmt.Sprintf(" _(%s, %s)_",
				item.Metadata.Source, item.Metadata.Timestamp.Format("2006-01-02")))
		}
	}
	if answer.Degraded {
		sb.WriteString("\n\n_Some retrieval strategies were unavailable._")
	}
	return sb.String()
}

const helpText = `## Available Commands

| Command | Description |
|---------|-------------|
| /help | Show this help message |
| /context | Show your synthesized context view |
| /stats | Show service statistics |
| /history | Show recent write operations |
| /clear | Clear this session's display |
| /quit | Exit |

Write requests are previewed first, for example:

- tag everything from twitter as "research"
- delete my notes about conference travel
- merge the duplicates tagged "golang"

Anything else is answered from your memory.`

// runConverse starts the interactive session
func runConverse() error {
	user, err := resolveUser()
	if err != nil {
		return err
	}

	svc, cfg, err := openService()
	if err != nil {
		return err
	}
	defer svc.Close()
	svc.StartMaintenance()

	// Pick up runtime-adjustable settings edited while the session runs
	if watcher, err := config.NewWatcher(cfgPath, func(newCfg *config.Config) {
		svc.ApplyRuntimeConfig(newCfg)
	}); err == nil {
		if err := watcher.Start(context.Background()); err == nil {
			defer watcher.Stop()
		}
	}

	p := tea.NewProgram(
		initConverse(svc, user, cfg.Version),
		tea.WithAltScreen(),
	)

	_, err = p.Run()
	return err
}
