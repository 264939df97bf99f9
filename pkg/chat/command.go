package chat

import (
	"strings"
)

// CommandSigil marks a line as a command rather than chat text
const CommandSigil = "/"

// Command is a parsed client line. The set of variants is closed.
type Command interface {
	commandName() string
}

// CommandChat is plain text for everyone
type CommandChat struct {
	Text string
}

// CommandList asks for the online user list
type CommandList struct{}

// CommandPrivate is /pm <target> <text>
type CommandPrivate struct {
	Target string
	Text   string
}

// CommandHelp asks for the command reference
type CommandHelp struct{}

// CommandQuit ends the session
type CommandQuit struct{}

// CommandUnknown is any other /name
type CommandUnknown struct {
	Name string
}

func (CommandChat) commandName() string    { return "chat" }
func (CommandList) commandName() string    { return "list" }
func (CommandPrivate) commandName() string { return "pm" }
func (CommandHelp) commandName() string    { return "help" }
func (CommandQuit) commandName() string    { return "quit" }
func (CommandUnknown) commandName() string { return "unknown" }

// ParseCommand classifies a client line
func ParseCommand(line string) Command {
	if !strings.HasPrefix(line, CommandSigil) {
		return CommandChat{Text: line}
	}

	name, rest := splitWord(line)
	switch name {
	case "/list":
		return CommandList{}
	case "/help":
		return CommandHelp{}
	case "/quit":
		return CommandQuit{}
	case "/pm":
		target, text := splitWord(rest)
		return CommandPrivate{Target: target, Text: text}
	default:
		return CommandUnknown{Name: name}
	}
}

// splitWord returns the first whitespace-delimited word and the remainder with
// leading whitespace removed
func splitWord(s string) (string, string) {
	s = strings.TrimLeft(s, " \t")
	if i := strings.IndexAny(s, " \t"); i >= 0 {
		return s[:i], strings.TrimLeft(s[i:], " \t")
	}
	return s, ""
}
