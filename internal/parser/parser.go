// Package parser turns an arbitrarily fragmented inbound byte stream into MQTT control packet events.
package parser

import (
	"github.com/RoanBrand/asyncmqtt/internal/model"
	"github.com/pkg/errors"
)

var ErrProtocolViolation = errors.New("server protocol violation")

func protocolViolation(format string, args ...interface{}) error {
	return errors.Wrapf(ErrProtocolViolation, format, args...)
}

// Handler receives decoded packets. Calls happen from within Parser.Feed.
type Handler interface {
	OnConnAck(sessionPresent bool, code byte)
	OnPingResp()
	OnSubAck(packetID uint16, status byte)
	OnUnsubAck(packetID uint16)

	// OnMessage is called for every chunk of an inbound PUBLISH payload.
	// index is the offset of payload within the complete message of size total.
	// payload is only valid for the duration of the call. packetID is 0 for QoS 0.
	OnMessage(packetID uint16, topic string, payload []byte, props model.MessageProperties, index, total int)
	// OnPublish is called once the whole PUBLISH was read, so the acknowledgement can be scheduled.
	OnPublish(packetID uint16, qos uint8)

	OnPubAck(packetID uint16)
	OnPubRec(packetID uint16)
	OnPubRel(packetID uint16)
	OnPubComp(packetID uint16)
}

type bufferState uint8

const (
	stateNone bufferState = iota
	stateRemainingLength
	stateVariableHeader
	statePayload
)

// Parser is a byte driven MQTT packet parser.
// Partial packets are kept across calls to Feed, so data can be split at any byte.
type Parser struct {
	h Handler

	state           bufferState
	packetType      byte
	packetFlags     byte
	remainingLength int
	lenBuf          [4]byte
	lenPos          int

	topic    []byte
	maxTopic int

	dec     decoder
	connAck connAckDecoder
	ids     idDecoder
	subAck  subAckDecoder
	publish publishDecoder
}

func New(maxTopicLength int, h Handler) *Parser {
	return &Parser{
		h:        h,
		topic:    make([]byte, 0, maxTopicLength),
		maxTopic: maxTopicLength,
	}
}

// Feed consumes all of data. A returned error is always a protocol violation,
// after which the partial packet is discarded.
func (p *Parser) Feed(data []byte) error {
	pos := 0
	for pos < len(data) {
		var err error
		switch p.state {
		case stateNone:
			err = p.parseFixedHeader(data[pos])
			pos++
		case stateRemainingLength:
			err = p.parseRemainingLength(data[pos])
			pos++
		case stateVariableHeader:
			err = p.dec.parseVariableHeader(p, data, &pos)
		case statePayload:
			err = p.dec.parsePayload(p, data, &pos)
		}
		if err != nil {
			p.Reset()
			return err
		}
	}
	return nil
}

// Reset drops any partially parsed packet.
func (p *Parser) Reset() {
	p.done()
	p.packetType, p.packetFlags = 0, 0
	p.remainingLength, p.lenPos = 0, 0
	p.topic = p.topic[:0]
}

// Idle reports whether the parser is between packets.
func (p *Parser) Idle() bool {
	return p.state == stateNone
}

func (p *Parser) done() {
	p.state = stateNone
	p.dec = nil
}

func (p *Parser) parseFixedHeader(b byte) error {
	p.packetType, p.packetFlags = b&0xF0, b&0x0F

	switch p.packetType {
	case model.PUBLISH:
		p.dec = &p.publish
	case model.PUBREL:
		if p.packetFlags != 2 { // [MQTT-3.6.1-1]
			return protocolViolation("PUBREL with flags %#x", p.packetFlags)
		}
		p.dec = &p.ids
	case model.CONNACK, model.PUBACK, model.PUBREC, model.PUBCOMP, model.SUBACK, model.UNSUBACK, model.PINGRESP:
		if p.packetFlags != 0 { // [MQTT-2.2.2-2]
			return protocolViolation("packet type %#x with flags %#x", p.packetType, p.packetFlags)
		}
		switch p.packetType {
		case model.CONNACK:
			p.dec = &p.connAck
		case model.SUBACK:
			p.dec = &p.subAck
		case model.PINGRESP:
			p.dec = nil
		default:
			p.dec = &p.ids
		}
	default:
		return protocolViolation("unexpected packet type %#x", p.packetType)
	}

	p.remainingLength, p.lenPos = 0, 0
	p.state = stateRemainingLength
	return nil
}

func (p *Parser) parseRemainingLength(b byte) error {
	p.lenBuf[p.lenPos] = b
	p.lenPos++
	if b&128 != 0 {
		if p.lenPos == len(p.lenBuf) {
			return protocolViolation("remaining length longer than 4 bytes")
		}
		return nil
	}

	l, _, err := model.VariableLengthDecode(p.lenBuf[:p.lenPos])
	if err != nil {
		return protocolViolation("%v", err)
	}
	p.remainingLength = l

	if p.packetType == model.PINGRESP {
		if l != 0 {
			return protocolViolation("PINGRESP with remaining length %d", l)
		}
		p.done()
		p.h.OnPingResp()
		return nil
	}
	if l == 0 {
		return protocolViolation("packet type %#x with no remaining length", p.packetType)
	}

	if err = p.dec.begin(p); err != nil {
		return err
	}
	p.state = stateVariableHeader
	return nil
}
