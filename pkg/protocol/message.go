package protocol

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrMalformedMessage is returned when a record has fewer fields than required
	ErrMalformedMessage = errors.New("malformed message")
	// ErrMalformedField is returned when a numeric field cannot be parsed
	ErrMalformedField = errors.New("malformed field")
	// ErrInvalidField is returned when a value cannot be encoded without breaking the record
	ErrInvalidField = errors.New("field contains reserved character")
)

const messageFieldCount = 5

// FederationMessage is one server-to-server message
// Format: TYPE|ORIGIN_SERVER_ID|TARGET_SERVER_ID|UNIX_TIMESTAMP_SECONDS|PAYLOAD
type FederationMessage struct {
	Type           MessageType
	OriginServerID string
	TargetServerID string    // empty for broadcast to all peers
	Timestamp      time.Time // second granularity on the wire
	Payload        string
}

// NewMessage builds a broadcast message stamped with the current time
func NewMessage(t MessageType, origin, payload string) FederationMessage {
	return FederationMessage{
		Type:           t,
		OriginServerID: origin,
		Timestamp:      time.Now().Truncate(time.Second),
		Payload:        payload,
	}
}

// NewTargetedMessage builds a message addressed to a single server
func NewTargetedMessage(t MessageType, origin, target, payload string) FederationMessage {
	msg := NewMessage(t, origin, payload)
	msg.TargetServerID = target
	return msg
}

// IsBroadcast reports whether the message has no specific target
func (m FederationMessage) IsBroadcast() bool {
	return m.TargetServerID == ""
}

// Encode serializes the message
func (m FederationMessage) Encode() (string, error) {
	return EncodeMessage(m)
}

// EncodeMessage serializes a message to its delimited text form.
// The payload is the last field and may contain the delimiter; no field may
// contain a line break.
func EncodeMessage(m FederationMessage) (string, error) {
	if err := checkField("origin", m.OriginServerID, false); err != nil {
		return "", err
	}
	if err := checkField("target", m.TargetServerID, false); err != nil {
		return "", err
	}
	if err := checkField("payload", m.Payload, true); err != nil {
		return "", err
	}

	var sb strings.Builder
	sb.Grow(len(m.OriginServerID) + len(m.TargetServerID) + len(m.Payload) + 24)
	sb.WriteString(strconv.Itoa(int(m.Type)))
	sb.WriteString(Delimiter)
	sb.WriteString(m.OriginServerID)
	sb.WriteString(Delimiter)
	sb.WriteString(m.TargetServerID)
	sb.WriteString(Delimiter)
	sb.WriteString(strconv.FormatInt(m.Timestamp.Unix(), 10))
	sb.WriteString(Delimiter)
	sb.WriteString(m.Payload)
	return sb.String(), nil
}

// DecodeMessage parses the delimited text form of a message
func DecodeMessage(data string) (FederationMessage, error) {
	fields := strings.SplitN(data, Delimiter, messageFieldCount)
	if len(fields) < messageFieldCount {
		return FederationMessage{}, fmt.Errorf("%w: got %d fields, want %d", ErrMalformedMessage, len(fields), messageFieldCount)
	}

	msgType, err := parseIntField("type", fields[0])
	if err != nil {
		return FederationMessage{}, err
	}

	ts, err := parseTimestampField("timestamp", fields[3])
	if err != nil {
		return FederationMessage{}, err
	}

	return FederationMessage{
		Type:           MessageType(msgType),
		OriginServerID: fields[1],
		TargetServerID: fields[2],
		Timestamp:      ts,
		Payload:        fields[4],
	}, nil
}

// checkField rejects characters that would corrupt the record framing
func checkField(name, value string, trailing bool) error {
	if strings.ContainsAny(value, "\r\n") {
		return fmt.Errorf("%w: %s contains a line break", ErrInvalidField, name)
	}
	if !trailing && strings.Contains(value, Delimiter) {
		return fmt.Errorf("%w: %s contains %q", ErrInvalidField, name, Delimiter)
	}
	return nil
}

func parseIntField(name, value string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return 0, fmt.Errorf("%w: %s %q", ErrMalformedField, name, value)
	}
	return n, nil
}

func parseTimestampField(name, value string) (time.Time, error) {
	secs, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %s %q", ErrMalformedField, name, value)
	}
	return time.Unix(secs, 0), nil
}
