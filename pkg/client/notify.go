package client

import (
	"fmt"

	"github.com/gen2brain/beeep"
)

// Notifier raises a desktop notification
type Notifier interface {
	Notify(title, message string) error
}

// DesktopNotifier sends notifications through the platform notification service
type DesktopNotifier struct{}

func (DesktopNotifier) Notify(title, message string) error {
	return beeep.Notify(title, message, "")
}

// NotificationFor returns the notification a parsed line should raise, if any.
// Only incoming private messages notify.
func NotificationFor(p ParsedLine) (title, message string, ok bool) {
	if p.Kind != KindPrivateIn {
		return "", "", false
	}
	from := p.From
	if p.Server != "" {
		from = p.From + "@" + p.Server
	}
	return fmt.Sprintf("Private message from %s", from), p.Text, true
}
