package ui

import (
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/aeolun/fedchat/pkg/client"
)

const timestampLayout = "15:04:05"

func (m Model) View() string {
	if m.quitting {
		return ""
	}
	if !m.ready {
		return "Initializing..."
	}

	header := lipgloss.JoinHorizontal(lipgloss.Top,
		HeaderStyle.Render("Chat"),
		StatusStyle.Render(m.status),
	)

	input := InputStyle.Width(max(m.width-2, 10)).Render(m.input.View())

	footer := FooterStyle.Render("Enter send · PgUp/PgDn scroll · /help · Ctrl+C quit")
	if m.lastError != "" {
		footer = ErrorStyle.Render("Error: " + m.lastError)
	}

	return strings.Join([]string{header, m.viewport.View(), input, footer}, "\n")
}

// render styles one server line
func (m Model) render(p client.ParsedLine) string {
	switch p.Kind {
	case client.KindPublic:
		var sb strings.Builder
		if m.showTimestamps {
			sb.WriteString(TimestampStyle.Render("[" + p.Timestamp + "]"))
			sb.WriteString(" ")
		}
		sb.WriteString(AuthorStyle.Render(p.From))
		if p.Server != "" {
			sb.WriteString(RemoteServerStyle.Render("@" + p.Server))
		}
		sb.WriteString(": ")
		sb.WriteString(p.Text)
		return sb.String()
	case client.KindPrivateIn, client.KindPrivateOut:
		return PrivateStyle.Render(p.Raw)
	case client.KindPresence:
		return PresenceStyle.Render(p.Raw)
	case client.KindServer:
		return ServerNoticeStyle.Render(p.Raw)
	default:
		return SystemStyle.Render(p.Raw)
	}
}

// renderOwn styles a public message we sent; the server does not echo it back
func (m Model) renderOwn(text string) string {
	var sb strings.Builder
	if m.showTimestamps {
		sb.WriteString(TimestampStyle.Render("[" + time.Now().Format(timestampLayout) + "]"))
		sb.WriteString(" ")
	}
	sb.WriteString(OwnAuthorStyle.Render(m.username))
	sb.WriteString(": ")
	sb.WriteString(text)
	return sb.String()
}
