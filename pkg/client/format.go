package client

import (
	"fmt"
	"regexp"
	"strings"
)

// LineKind classifies a line of server output for display
type LineKind int

const (
	KindSystem LineKind = iota
	KindPublic
	KindPrivateIn
	KindPrivateOut
	KindPresence
	KindServer
	KindPrompt
)

func (k LineKind) String() string {
	switch k {
	case KindPublic:
		return "public"
	case KindPrivateIn:
		return "private_in"
	case KindPrivateOut:
		return "private_out"
	case KindPresence:
		return "presence"
	case KindServer:
		return "server"
	case KindPrompt:
		return "prompt"
	default:
		return "system"
	}
}

// ParsedLine is a server line split into the parts a UI styles separately
type ParsedLine struct {
	Kind      LineKind
	Timestamp string // HH:MM:SS for public messages
	From      string // sender, or recipient for KindPrivateOut
	Server    string // peer server name for federated senders
	Text      string
	Raw       string
}

var (
	publicRe  = regexp.MustCompile(`^\[(\d{2}:\d{2}:\d{2})\] \[([^\]]+)\]: (.*)$`)
	privateRe = regexp.MustCompile(`^\[PRIVATE (from|to) ([^\]]+)\]: (.*)$`)
	serverRe  = regexp.MustCompile(`^\[SERVER(?:@([^\]]+))?\]: (.*)$`)
)

// ParseLine classifies one line of server output
func ParseLine(line Line) ParsedLine {
	raw := line.Text
	p := ParsedLine{Kind: KindSystem, Text: raw, Raw: raw}

	if line.Partial {
		p.Kind = KindPrompt
		return p
	}

	if m := publicRe.FindStringSubmatch(raw); m != nil {
		p.Kind = KindPublic
		p.Timestamp = m[1]
		p.From, p.Server = splitUserAtServer(m[2])
		p.Text = m[3]
		return p
	}
	if m := privateRe.FindStringSubmatch(raw); m != nil {
		p.Kind = KindPrivateIn
		if m[1] == "to" {
			p.Kind = KindPrivateOut
		}
		p.From, p.Server = splitUserAtServer(m[2])
		p.Text = m[3]
		return p
	}
	if m := serverRe.FindStringSubmatch(raw); m != nil {
		p.Kind = KindServer
		p.Server = m[1]
		p.Text = m[2]
		return p
	}
	if strings.HasPrefix(raw, "*** ") && strings.HasSuffix(raw, " ***") {
		p.Kind = KindPresence
		p.Text = strings.TrimSuffix(strings.TrimPrefix(raw, "*** "), " ***")
		return p
	}
	return p
}

func splitUserAtServer(s string) (string, string) {
	user, server, _ := strings.Cut(s, "@")
	return user, server
}

// FormatBytes formats bytes into human-readable form (B, KB, MB, etc.)
func FormatBytes(bytes uint64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%dB", bytes)
	}
	div, exp := uint64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f%cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
