package ui

import (
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/aeolun/fedchat/pkg/client"
)

// ChatConnection is the part of client.Connection the UI needs
type ChatConnection interface {
	Send(line string) error
	Incoming() <-chan client.Line
	Errors() <-chan error
	StateChanges() <-chan client.ConnectionStateUpdate
	GetAddress() string
	IsConnected() bool
}

// Options configures a Model
type Options struct {
	// Username is answered to the server's prompt automatically when set
	Username       string
	ShowTimestamps bool
	HistoryLines   int
	Notifier       client.Notifier // nil disables notifications
	// OnUsername is called with the name the user joined under
	OnUsername func(string)
}

// ServerLineMsg carries one line of server output
type ServerLineMsg struct {
	Line client.Line
}

// ErrorMsg represents a connection error
type ErrorMsg struct {
	Err error
}

// ConnectedMsg is sent after a successful reconnect
type ConnectedMsg struct{}

// DisconnectedMsg is sent when the connection drops
type DisconnectedMsg struct {
	Err error
}

// ReconnectingMsg is sent before each reconnect attempt
type ReconnectingMsg struct {
	Attempt int
}

type quitMsg struct{}

type notifiedMsg struct {
	err error
}

// Model is the chat client's bubbletea model
type Model struct {
	conn     ChatConnection
	notifier client.Notifier

	viewport viewport.Model
	input    textinput.Model
	ready    bool
	width    int
	height   int

	lines        []string
	historyLines int

	username       string
	usernameSent   bool
	joined         bool
	showTimestamps bool
	onUsername     func(string)

	status    string
	lastError string
	pingSent  time.Time
	quitting  bool
}

const (
	defaultHistoryLines = 1000
	quitDelay           = 100 * time.Millisecond
	headerHeight        = 1
	footerHeight        = 4
)

// NewModel creates the chat model for conn
func NewModel(conn ChatConnection, opts Options) Model {
	input := textinput.New()
	input.Placeholder = "Type a message or /help"
	input.Prompt = "> "
	input.CharLimit = 4096
	input.Focus()

	history := opts.HistoryLines
	if history <= 0 {
		history = defaultHistoryLines
	}

	return Model{
		conn:           conn,
		notifier:       opts.Notifier,
		input:          input,
		historyLines:   history,
		username:       opts.Username,
		showTimestamps: opts.ShowTimestamps,
		onUsername:     opts.OnUsername,
		status:         "Connected to " + conn.GetAddress(),
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, listenForServerLines(m.conn))
}

// listenForServerLines waits for the next event from the connection
func listenForServerLines(conn ChatConnection) tea.Cmd {
	return func() tea.Msg {
		select {
		case line := <-conn.Incoming():
			return ServerLineMsg{Line: line}
		case err := <-conn.Errors():
			return ErrorMsg{Err: err}
		case update := <-conn.StateChanges():
			switch update.State {
			case client.StateTypeConnected:
				return ConnectedMsg{}
			case client.StateTypeDisconnected:
				return DisconnectedMsg{Err: update.Err}
			case client.StateTypeReconnecting:
				return ReconnectingMsg{Attempt: update.Attempt}
			}
		}
		return nil
	}
}

func notifyCmd(n client.Notifier, title, message string) tea.Cmd {
	return func() tea.Msg {
		return notifiedMsg{err: n.Notify(title, message)}
	}
}

// Lines returns the rendered transcript
func (m Model) Lines() []string {
	return m.lines
}

// Joined reports whether the server accepted our username
func (m Model) Joined() bool {
	return m.joined
}
