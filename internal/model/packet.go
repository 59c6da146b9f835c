package model

import "errors"

// Control Packets
const (
	CONNECT     = 1 << 4
	CONNACK     = 2 << 4
	PUBLISH     = 3 << 4
	PUBACK      = 4 << 4
	PUBREC      = 5 << 4
	PUBREL      = 6 << 4
	PUBCOMP     = 7 << 4
	SUBSCRIBE   = 8 << 4
	SUBACK      = 9 << 4
	UNSUBSCRIBE = 10 << 4
	UNSUBACK    = 11 << 4
	PINGREQ     = 12 << 4
	PINGRESP    = 13 << 4
	DISCONNECT  = 14 << 4

	// Reserved bits 0010 required by [MQTT-3.6.1-1], [MQTT-3.8.1-1] and [MQTT-3.10.1-1].
	PUBRELSend      = PUBREL | 2
	SUBSCRIBESend   = SUBSCRIBE | 2
	UNSUBSCRIBESend = UNSUBSCRIBE | 2
)

// PUBLISH fixed header flags
const (
	PublishDUP    = 0x08
	PublishQoS1   = 0x02
	PublishQoS2   = 0x04
	PublishRetain = 0x01
)

// CONNECT flags
const (
	ConnectUsername     = 0x80
	ConnectPassword     = 0x40
	ConnectWillRetain   = 0x20
	ConnectWillQoS1     = 0x08
	ConnectWillQoS2     = 0x10
	ConnectWill         = 0x04
	ConnectCleanSession = 0x02
)

// CONNACK return codes
const (
	Accepted                    = 0
	UnacceptableProtocolVersion = 1
	IdentifierRejected          = 2
	ServerUnavailable           = 3
	MalformedCredentials        = 4
	NotAuthorized               = 5
)

// SUBACK failure return code.
const SubAckFailure = 0x80

const (
	ProtocolName  = "MQTT"
	ProtocolLevel = 4

	// MaxRemainingLength is the largest value that fits in 4 variable length bytes.
	MaxRemainingLength = 268435455
)

var ErrMalformedLength = errors.New("malformed remaining length")

// VariableLengthEncode appends the MQTT variable length encoding of l to packet.
// It panics if l can not be represented in 4 bytes.
func VariableLengthEncode(packet []byte, l int) []byte {
	if l < 0 || l > MaxRemainingLength {
		panic("model: remaining length out of range")
	}
	for {
		eb := l % 128
		l /= 128
		if l > 0 {
			eb |= 128
		}
		packet = append(packet, byte(eb))
		if l <= 0 {
			break
		}
	}
	return packet
}

// VariableLengthDecode decodes a variable length integer from the start of b.
// Returns the value and the number of bytes it occupied.
func VariableLengthDecode(b []byte) (l, n int, err error) {
	mul := 1
	for n < 4 {
		if n >= len(b) {
			return 0, 0, ErrMalformedLength
		}
		eb := b[n]
		l += int(eb&127) * mul
		mul *= 128
		n++
		if eb&128 == 0 {
			return l, n, nil
		}
	}
	return 0, 0, ErrMalformedLength
}

func LengthToNumberOfVariableLengthBytes(l int) int {
	switch {
	case l < 128:
		return 1
	case l < 16384:
		return 2
	case l < 2097152:
		return 3
	default:
		return 4
	}
}
