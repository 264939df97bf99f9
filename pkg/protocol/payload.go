package protocol

import (
	"fmt"
	"strings"
)

// Hello is the SERVER_HANDSHAKE payload: serverId|serverName|password
type Hello struct {
	ServerID   string
	ServerName string
	Password   string
}

// Encode serializes the handshake payload
func (h Hello) Encode() (string, error) {
	if err := checkField("server_id", h.ServerID, false); err != nil {
		return "", err
	}
	if err := checkField("server_name", h.ServerName, false); err != nil {
		return "", err
	}
	if err := checkField("password", h.Password, true); err != nil {
		return "", err
	}
	return h.ServerID + Delimiter + h.ServerName + Delimiter + h.Password, nil
}

// DecodeHello parses a handshake payload. The password may be absent.
func DecodeHello(payload string) (Hello, error) {
	fields := strings.SplitN(payload, Delimiter, 3)
	if len(fields) < 2 || fields[0] == "" {
		return Hello{}, fmt.Errorf("%w: handshake payload", ErrMalformedMessage)
	}
	h := Hello{ServerID: fields[0], ServerName: fields[1]}
	if len(fields) == 3 {
		h.Password = fields[2]
	}
	return h, nil
}

// ChatPayload carries a forwarded public message: username|text
type ChatPayload struct {
	Username string
	Text     string
}

// Encode serializes the chat payload
func (c ChatPayload) Encode() (string, error) {
	if err := checkField("username", c.Username, false); err != nil {
		return "", err
	}
	if err := checkField("text", c.Text, true); err != nil {
		return "", err
	}
	return c.Username + Delimiter + c.Text, nil
}

// DecodeChatPayload parses a forwarded public message payload
func DecodeChatPayload(payload string) (ChatPayload, error) {
	fields := strings.SplitN(payload, Delimiter, 2)
	if len(fields) < 2 {
		return ChatPayload{}, fmt.Errorf("%w: chat payload", ErrMalformedMessage)
	}
	return ChatPayload{Username: fields[0], Text: fields[1]}, nil
}

// PrivatePayload carries a forwarded private message: from|to|text
type PrivatePayload struct {
	From string
	To   string
	Text string
}

// Encode serializes the private message payload
func (p PrivatePayload) Encode() (string, error) {
	if err := checkField("from", p.From, false); err != nil {
		return "", err
	}
	if err := checkField("to", p.To, false); err != nil {
		return "", err
	}
	if err := checkField("text", p.Text, true); err != nil {
		return "", err
	}
	return p.From + Delimiter + p.To + Delimiter + p.Text, nil
}

// DecodePrivatePayload parses a forwarded private message payload
func DecodePrivatePayload(payload string) (PrivatePayload, error) {
	fields := strings.SplitN(payload, Delimiter, 3)
	if len(fields) < 3 {
		return PrivatePayload{}, fmt.Errorf("%w: private payload", ErrMalformedMessage)
	}
	return PrivatePayload{From: fields[0], To: fields[1], Text: fields[2]}, nil
}

// EncodeUserList joins usernames for a USER_LIST_RESPONSE payload
func EncodeUserList(usernames []string) string {
	return strings.Join(usernames, ",")
}

// DecodeUserList splits a USER_LIST_RESPONSE payload
func DecodeUserList(payload string) []string {
	if payload == "" {
		return nil
	}
	parts := strings.Split(payload, ",")
	users := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			users = append(users, p)
		}
	}
	return users
}
