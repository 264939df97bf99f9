package protocol

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	descriptorFieldCount = 8

	// ListSeparator separates descriptors in a SERVER_LIST_RESPONSE payload
	ListSeparator = ";"
)

// PeerDescriptor describes a federated server
// Format: ID|NAME|HOST|PORT|MAX|CURRENT|LAST_SEEN_SECONDS|CONNECTED(0/1)
type PeerDescriptor struct {
	ServerID       string    `json:"server_id"`
	Name           string    `json:"name"`
	Host           string    `json:"host"`
	Port           int       `json:"port"`
	MaxClients     int       `json:"max_clients"`
	CurrentClients int       `json:"current_clients"`
	LastSeen       time.Time `json:"last_seen"`
	Connected      bool      `json:"connected"`
}

// Address returns host:port
func (d PeerDescriptor) Address() string {
	return fmt.Sprintf("%s:%d", d.Host, d.Port)
}

// Encode serializes the descriptor
func (d PeerDescriptor) Encode() (string, error) {
	return EncodeDescriptor(d)
}

// EncodeDescriptor serializes a descriptor to its delimited text form
func EncodeDescriptor(d PeerDescriptor) (string, error) {
	for _, f := range []struct{ name, value string }{
		{"server_id", d.ServerID},
		{"name", d.Name},
		{"host", d.Host},
	} {
		if err := checkField(f.name, f.value, false); err != nil {
			return "", err
		}
		if strings.Contains(f.value, ListSeparator) {
			return "", fmt.Errorf("%w: %s contains %q", ErrInvalidField, f.name, ListSeparator)
		}
	}

	connected := "0"
	if d.Connected {
		connected = "1"
	}

	return strings.Join([]string{
		d.ServerID,
		d.Name,
		d.Host,
		strconv.Itoa(d.Port),
		strconv.Itoa(d.MaxClients),
		strconv.Itoa(d.CurrentClients),
		strconv.FormatInt(d.LastSeen.Unix(), 10),
		connected,
	}, Delimiter), nil
}

// DecodeDescriptor parses the delimited text form of a descriptor
func DecodeDescriptor(data string) (PeerDescriptor, error) {
	fields := strings.Split(data, Delimiter)
	if len(fields) < descriptorFieldCount {
		return PeerDescriptor{}, fmt.Errorf("%w: got %d descriptor fields, want %d", ErrMalformedMessage, len(fields), descriptorFieldCount)
	}

	port, err := parseIntField("port", fields[3])
	if err != nil {
		return PeerDescriptor{}, err
	}
	maxClients, err := parseIntField("max_clients", fields[4])
	if err != nil {
		return PeerDescriptor{}, err
	}
	current, err := parseIntField("current_clients", fields[5])
	if err != nil {
		return PeerDescriptor{}, err
	}
	lastSeen, err := parseTimestampField("last_seen", fields[6])
	if err != nil {
		return PeerDescriptor{}, err
	}

	var connected bool
	switch fields[7] {
	case "1":
		connected = true
	case "0":
		connected = false
	default:
		return PeerDescriptor{}, fmt.Errorf("%w: connected %q", ErrMalformedField, fields[7])
	}

	return PeerDescriptor{
		ServerID:       fields[0],
		Name:           fields[1],
		Host:           fields[2],
		Port:           port,
		MaxClients:     maxClients,
		CurrentClients: current,
		LastSeen:       lastSeen,
		Connected:      connected,
	}, nil
}

// EncodeDescriptorList joins several descriptors for a server list payload
func EncodeDescriptorList(list []PeerDescriptor) (string, error) {
	parts := make([]string, 0, len(list))
	for _, d := range list {
		enc, err := EncodeDescriptor(d)
		if err != nil {
			return "", fmt.Errorf("descriptor %s: %w", d.ServerID, err)
		}
		parts = append(parts, enc)
	}
	return strings.Join(parts, ListSeparator), nil
}

// DecodeDescriptorList parses a server list payload. An empty payload is an empty list.
func DecodeDescriptorList(data string) ([]PeerDescriptor, error) {
	if data == "" {
		return nil, nil
	}
	parts := strings.Split(data, ListSeparator)
	list := make([]PeerDescriptor, 0, len(parts))
	for _, p := range parts {
		d, err := DecodeDescriptor(p)
		if err != nil {
			return nil, err
		}
		list = append(list, d)
	}
	return list, nil
}
