package asyncmqtt

import (
	"strconv"

	"github.com/pkg/errors"
)

// DisconnectReason tells why the connection ended.
type DisconnectReason uint8

const (
	TCPDisconnected DisconnectReason = iota

	// CONNACK refusals, equal to the CONNACK return code.
	UnacceptableProtocolVersion
	IdentifierRejected
	ServerUnavailable
	MalformedCredentials
	NotAuthorized

	TLSBadFingerprint
	ProtocolViolation
)

func (r DisconnectReason) String() string {
	switch r {
	case TCPDisconnected:
		return "TCPDisconnected"
	case UnacceptableProtocolVersion:
		return "UnacceptableProtocolVersion"
	case IdentifierRejected:
		return "IdentifierRejected"
	case ServerUnavailable:
		return "ServerUnavailable"
	case MalformedCredentials:
		return "MalformedCredentials"
	case NotAuthorized:
		return "NotAuthorized"
	case TLSBadFingerprint:
		return "TLSBadFingerprint"
	case ProtocolViolation:
		return "ProtocolViolation"
	}
	return "DisconnectReason(" + strconv.Itoa(int(r)) + ")"
}

// refusalReason maps a non-zero CONNACK return code.
func refusalReason(code byte) DisconnectReason {
	if code >= byte(UnacceptableProtocolVersion) && code <= byte(NotAuthorized) {
		return DisconnectReason(code)
	}
	return ProtocolViolation
}

var (
	ErrNotConnected    = errors.New("not connected")
	ErrNotDisconnected = errors.New("not disconnected")
	ErrQueueFull       = errors.New("outbound queue full")
	ErrInvalidArgument = errors.New("invalid argument")
)
