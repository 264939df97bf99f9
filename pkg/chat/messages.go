package chat

import "fmt"

// Client-facing text
const (
	msgServerFull      = "Server full. Try again later.\n"
	msgUsernameTaken   = "Username already taken. Connection closed.\n"
	msgInvalidUsername = "Invalid username. Connection closed.\n"
	msgGoodbye         = "Goodbye!\n"
	msgUnknownCommand  = "Unknown command. Type /help for available commands.\n"
	msgPrivateUsage    = "Usage: /pm <username> <message>\n"
	msgLineTooLong     = "Message too long.\n"
	msgKicked          = "You have been kicked from the server.\n"

	// ShutdownNotice is sent to every client when the server stops
	ShutdownNotice = "Server is shutting down. You have been disconnected.\n"

	msgInstructions = "\n=== Successfully joined chat ===\n" +
		"Commands:\n" +
		"  /list - Show online users\n" +
		"  /pm <username> <message> - Private message\n" +
		"  /quit - Leave chat\n" +
		"  /help - Show this help\n" +
		"Just type to send public messages\n\n"

	msgHelp = "\n=== Chat Commands ===\n" +
		"/list - Show online users\n" +
		"/pm <username> <message> - Send private message\n" +
		"/quit - Leave the chat\n" +
		"/help - Show this help\n" +
		"Just type normally to send public messages\n\n"
)

func welcomeText(serverName string) string {
	return fmt.Sprintf("=== Welcome to %s ===\nEnter your username: ", serverName)
}

func joinedText(username string) string {
	return fmt.Sprintf("*** %s joined the chat ***", username)
}

func leftText(username string) string {
	return fmt.Sprintf("*** %s left the chat ***", username)
}

func notFoundText(username string) string {
	return fmt.Sprintf("User '%s' not found.\n", username)
}
