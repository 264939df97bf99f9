package protocol

import "strconv"

// MessageType identifies a server-to-server message
type MessageType int

// Handshake and connection
const (
	TypeServerHandshake    MessageType = 100
	TypeServerHandshakeAck MessageType = 101
	TypeServerRegister     MessageType = 102
	TypeServerRegisterAck  MessageType = 103
	TypeServerDisconnect   MessageType = 104
)

// Message forwarding
const (
	TypeForwardPublic    MessageType = 200
	TypeForwardPrivate   MessageType = 201
	TypeForwardBroadcast MessageType = 202
)

// User management
const (
	TypeUserJoin         MessageType = 300
	TypeUserLeave        MessageType = 301
	TypeUserListRequest  MessageType = 302
	TypeUserListResponse MessageType = 303
)

// Server management
const (
	TypeStatusRequest      MessageType = 400
	TypeStatusResponse     MessageType = 401
	TypeServerListRequest  MessageType = 402
	TypeServerListResponse MessageType = 403
)

// Errors
const (
	TypeErrorInvalidMessage       MessageType = 500
	TypeErrorAuthenticationFailed MessageType = 501
	TypeErrorServerFull           MessageType = 502
	TypeErrorServerNotFound       MessageType = 503
)

const (
	// Delimiter separates fields of an encoded message or descriptor
	Delimiter = "|"

	// MaxRecordSize is the largest encoded record accepted from a peer (64 KB)
	MaxRecordSize = 64 * 1024

	// DefaultInterserverPort is the port peers listen on for federation links
	DefaultInterserverPort = 8081

	// MaxServersPerNetwork caps the number of simultaneous peer links
	MaxServersPerNetwork = 100

	// ServerTimeoutSeconds is how long a peer may stay silent before it is dropped
	ServerTimeoutSeconds = 300

	// HandshakeTimeoutSeconds bounds the handshake exchange
	HandshakeTimeoutSeconds = 30
)

var typeNames = map[MessageType]string{
	TypeServerHandshake:           "SERVER_HANDSHAKE",
	TypeServerHandshakeAck:        "SERVER_HANDSHAKE_ACK",
	TypeServerRegister:            "SERVER_REGISTER",
	TypeServerRegisterAck:         "SERVER_REGISTER_ACK",
	TypeServerDisconnect:          "SERVER_DISCONNECT",
	TypeForwardPublic:             "MSG_FORWARD_PUBLIC",
	TypeForwardPrivate:            "MSG_FORWARD_PRIVATE",
	TypeForwardBroadcast:          "MSG_FORWARD_BROADCAST",
	TypeUserJoin:                  "USER_JOIN_SERVER",
	TypeUserLeave:                 "USER_LEAVE_SERVER",
	TypeUserListRequest:           "USER_LIST_REQUEST",
	TypeUserListResponse:          "USER_LIST_RESPONSE",
	TypeStatusRequest:             "SERVER_STATUS_REQUEST",
	TypeStatusResponse:            "SERVER_STATUS_RESPONSE",
	TypeServerListRequest:         "SERVER_LIST_REQUEST",
	TypeServerListResponse:        "SERVER_LIST_RESPONSE",
	TypeErrorInvalidMessage:       "ERROR_INVALID_MESSAGE",
	TypeErrorAuthenticationFailed: "ERROR_AUTHENTICATION_FAILED",
	TypeErrorServerFull:           "ERROR_SERVER_FULL",
	TypeErrorServerNotFound:       "ERROR_SERVER_NOT_FOUND",
}

// String returns the wire name of the type, or UNKNOWN(n)
func (t MessageType) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return "UNKNOWN(" + strconv.Itoa(int(t)) + ")"
}

// IsKnown reports whether t is one of the defined message types
func (t MessageType) IsKnown() bool {
	_, ok := typeNames[t]
	return ok
}

// IsError reports whether t is in the error range (5xx)
func (t MessageType) IsError() bool {
	return t >= 500 && t < 600
}

// KnownTypes returns every defined message type in ascending order
func KnownTypes() []MessageType {
	return []MessageType{
		TypeServerHandshake, TypeServerHandshakeAck, TypeServerRegister, TypeServerRegisterAck, TypeServerDisconnect,
		TypeForwardPublic, TypeForwardPrivate, TypeForwardBroadcast,
		TypeUserJoin, TypeUserLeave, TypeUserListRequest, TypeUserListResponse,
		TypeStatusRequest, TypeStatusResponse, TypeServerListRequest, TypeServerListResponse,
		TypeErrorInvalidMessage, TypeErrorAuthenticationFailed, TypeErrorServerFull, TypeErrorServerNotFound,
	}
}
