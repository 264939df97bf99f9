package ui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/aeolun/fedchat/pkg/client"
)

const (
	joinedMarker    = "=== Successfully joined chat ==="
	userListMarker  = "=== Online Users ==="
	usernamePrompt  = "username"
	connectionLost  = "Connection to server lost."
	localHelpHeader = "=== Local Client Commands ==="
)

var localHelp = []string{
	"",
	localHelpHeader,
	"/quit, /exit  - Disconnect from server",
	"/help         - Show this help",
	"/clear        - Clear screen",
	"/ping         - Measure a round trip to the server",
	"",
	"Server commands (sent to server):",
	"/list         - Show online users",
	"/pm <user> <message> - Private message",
	"Just type normally to send public messages",
	"",
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.resize(msg.Width, msg.Height)
		return m, nil

	case tea.KeyMsg:
		return m.handleKeyPress(msg)

	case ServerLineMsg:
		cmd := m.handleServerLine(msg.Line)
		return m, tea.Batch(cmd, listenForServerLines(m.conn))

	case ErrorMsg:
		m.lastError = msg.Err.Error()
		return m, listenForServerLines(m.conn)

	case DisconnectedMsg:
		m.joined = false
		m.usernameSent = false
		m.status = "Disconnected"
		m.appendLine(ErrorStyle.Render(connectionLost))
		return m, listenForServerLines(m.conn)

	case ReconnectingMsg:
		m.status = fmt.Sprintf("Reconnecting (attempt %d)...", msg.Attempt)
		return m, listenForServerLines(m.conn)

	case ConnectedMsg:
		m.status = "Connected to " + m.conn.GetAddress()
		m.lastError = ""
		return m, listenForServerLines(m.conn)

	case notifiedMsg:
		if msg.err != nil {
			m.lastError = "notification failed: " + msg.err.Error()
		}
		return m, nil

	case quitMsg:
		return m, tea.Quit
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m *Model) resize(width, height int) {
	m.width = width
	m.height = height

	vpHeight := max(height-headerHeight-footerHeight, 1)
	if !m.ready {
		m.viewport = viewport.New(width, vpHeight)
		m.ready = true
	} else {
		m.viewport.Width = width
		m.viewport.Height = vpHeight
	}
	m.input.Width = max(width-6, 10)
	m.refreshViewport()
}

func (m Model) handleKeyPress(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.Type {
	case tea.KeyCtrlC:
		if m.conn.IsConnected() {
			_ = m.conn.Send("/quit")
		}
		m.quitting = true
		return m, tea.Quit

	case tea.KeyEnter:
		text := strings.TrimSpace(m.input.Value())
		m.input.Reset()
		if text == "" {
			return m, nil
		}
		return m.submit(text)

	case tea.KeyPgUp, tea.KeyPgDown, tea.KeyUp, tea.KeyDown:
		var cmd tea.Cmd
		m.viewport, cmd = m.viewport.Update(msg)
		return m, cmd
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

// submit handles one entered line: local commands first, then the server
func (m Model) submit(text string) (tea.Model, tea.Cmd) {
	switch strings.ToLower(text) {
	case "/quit", "/exit":
		m.appendLine(SystemStyle.Render("Disconnecting..."))
		m.send("/quit")
		m.quitting = true
		return m, tea.Tick(quitDelay, func(time.Time) tea.Msg { return quitMsg{} })

	case "/help":
		for _, line := range localHelp {
			m.appendLine(SystemStyle.Render(line))
		}
		return m, nil

	case "/clear":
		m.lines = nil
		m.appendLine(HeaderStyle.Render("=== Chat Client ==="))
		m.appendLine(SystemStyle.Render("Connected to " + m.conn.GetAddress()))
		m.appendLine(SystemStyle.Render("Type /help for commands"))
		return m, nil

	case "/ping":
		if !m.joined {
			m.appendLine(SystemStyle.Render("Join the chat before pinging the server."))
			return m, nil
		}
		m.pingSent = time.Now()
		m.send("/list")
		return m, nil
	}

	if !m.joined && !m.usernameSent {
		m.username = text
		m.usernameSent = true
		m.send(text)
		return m, nil
	}

	m.send(text)
	if m.joined && !strings.HasPrefix(text, "/") {
		m.appendLine(m.renderOwn(text))
	}
	return m, nil
}

func (m *Model) send(line string) {
	if err := m.conn.Send(line); err != nil {
		m.lastError = err.Error()
	}
}

func (m *Model) handleServerLine(line client.Line) tea.Cmd {
	p := client.ParseLine(line)

	if p.Kind == client.KindPrompt {
		m.appendLine(SystemStyle.Render(strings.TrimSpace(p.Text)))
		if m.username != "" && !m.usernameSent && strings.Contains(strings.ToLower(p.Text), usernamePrompt) {
			m.usernameSent = true
			m.send(m.username)
			m.appendLine(SystemStyle.Render("> " + m.username))
		}
		return nil
	}

	m.appendLine(m.render(p))

	switch {
	case p.Raw == joinedMarker:
		m.joined = true
		m.status = fmt.Sprintf("Joined %s as %s", m.conn.GetAddress(), m.username)
		if m.onUsername != nil && m.username != "" {
			m.onUsername(m.username)
		}
	case p.Raw == userListMarker && !m.pingSent.IsZero():
		rtt := time.Since(m.pingSent)
		m.pingSent = time.Time{}
		m.appendLine(SystemStyle.Render(fmt.Sprintf("Round trip: %dms", rtt.Milliseconds())))
	}

	if m.notifier != nil {
		if title, body, ok := client.NotificationFor(p); ok {
			return notifyCmd(m.notifier, title, body)
		}
	}
	return nil
}

func (m *Model) appendLine(line string) {
	m.lines = append(m.lines, line)
	if over := len(m.lines) - m.historyLines; over > 0 {
		m.lines = append([]string(nil), m.lines[over:]...)
	}
	m.refreshViewport()
}

func (m *Model) refreshViewport() {
	if !m.ready {
		return
	}
	m.viewport.SetContent(strings.Join(m.lines, "\n"))
	m.viewport.GotoBottom()
}
