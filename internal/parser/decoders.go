package parser

import (
	"github.com/RoanBrand/asyncmqtt/internal/model"
)

// decoder consumes the variable header and payload of one packet type.
// Each method reads from data at *pos, advancing it, and may return with
// the packet incomplete. The packet is finished when the decoder calls p.done().
type decoder interface {
	begin(p *Parser) error
	parseVariableHeader(p *Parser, data []byte, pos *int) error
	parsePayload(p *Parser, data []byte, pos *int) error
}

type connAckDecoder struct {
	pos            int
	sessionPresent bool
	code           byte
}

func (d *connAckDecoder) begin(p *Parser) error {
	if p.remainingLength != 2 {
		return protocolViolation("CONNACK with remaining length %d", p.remainingLength)
	}
	*d = connAckDecoder{}
	return nil
}

func (d *connAckDecoder) parseVariableHeader(p *Parser, data []byte, pos *int) error {
	for *pos < len(data) && d.pos < 2 {
		b := data[*pos]
		*pos++
		if d.pos == 0 {
			if b&0xFE != 0 { // [MQTT-3.2.2.1]
				return protocolViolation("CONNACK acknowledge flags %#x", b)
			}
			d.sessionPresent = b == 1
		} else {
			d.code = b
		}
		d.pos++
	}

	if d.pos == 2 {
		p.done()
		p.h.OnConnAck(d.sessionPresent, d.code)
	}
	return nil
}

func (d *connAckDecoder) parsePayload(p *Parser, data []byte, pos *int) error {
	return nil
}

// idDecoder reads packets that only carry a packet identifier:
// PUBACK, PUBREC, PUBREL, PUBCOMP and UNSUBACK.
type idDecoder struct {
	pos int
	id  uint16
}

func (d *idDecoder) begin(p *Parser) error {
	if p.remainingLength != 2 {
		return protocolViolation("packet type %#x with remaining length %d", p.packetType, p.remainingLength)
	}
	*d = idDecoder{}
	return nil
}

func (d *idDecoder) parseVariableHeader(p *Parser, data []byte, pos *int) error {
	for *pos < len(data) && d.pos < 2 {
		d.id = d.id<<8 | uint16(data[*pos])
		*pos++
		d.pos++
	}
	if d.pos < 2 {
		return nil
	}

	p.done()
	switch p.packetType {
	case model.PUBACK:
		p.h.OnPubAck(d.id)
	case model.PUBREC:
		p.h.OnPubRec(d.id)
	case model.PUBREL:
		p.h.OnPubRel(d.id)
	case model.PUBCOMP:
		p.h.OnPubComp(d.id)
	case model.UNSUBACK:
		p.h.OnUnsubAck(d.id)
	}
	return nil
}

func (d *idDecoder) parsePayload(p *Parser, data []byte, pos *int) error {
	return nil
}

type subAckDecoder struct {
	pos    int
	id     uint16
	status byte
}

func (d *subAckDecoder) begin(p *Parser) error {
	if p.remainingLength < 3 {
		return protocolViolation("SUBACK with remaining length %d", p.remainingLength)
	}
	*d = subAckDecoder{}
	return nil
}

func (d *subAckDecoder) parseVariableHeader(p *Parser, data []byte, pos *int) error {
	for *pos < len(data) && d.pos < 2 {
		d.id = d.id<<8 | uint16(data[*pos])
		*pos++
		d.pos++
	}
	if d.pos == 2 {
		p.state = statePayload
	}
	return nil
}

// Only the first return code is reported. The client subscribes to one filter per SUBSCRIBE.
func (d *subAckDecoder) parsePayload(p *Parser, data []byte, pos *int) error {
	for *pos < len(data) && d.pos < p.remainingLength {
		b := data[*pos]
		switch b {
		case 0, 1, 2, model.SubAckFailure:
		default:
			return protocolViolation("SUBACK return code %#x", b)
		}
		if d.pos == 2 {
			d.status = b
		}
		*pos++
		d.pos++
	}

	if d.pos == p.remainingLength {
		p.done()
		p.h.OnSubAck(d.id, d.status)
	}
	return nil
}

type publishDecoder struct {
	pos       int // bytes of remaining length consumed
	topicLen  int
	headerLen int
	qos       uint8
	id        uint16
	props     model.MessageProperties
	topic     string

	payloadLen  int
	payloadRead int
}

func (d *publishDecoder) begin(p *Parser) error {
	*d = publishDecoder{props: model.PropertiesFromFlags(p.packetFlags)}
	d.qos = d.props.QoS
	if d.qos == 3 { // [MQTT-3.3.1-4]
		return protocolViolation("PUBLISH with QoS 3")
	}
	if p.remainingLength < 3 {
		return protocolViolation("PUBLISH with remaining length %d", p.remainingLength)
	}
	p.topic = p.topic[:0]
	return nil
}

func (d *publishDecoder) parseVariableHeader(p *Parser, data []byte, pos *int) error {
	for *pos < len(data) {
		switch {
		case d.pos < 2:
			d.topicLen = d.topicLen<<8 | int(data[*pos])
			*pos++
			d.pos++
			if d.pos == 2 {
				if d.topicLen == 0 { // [MQTT-4.7.3-1]
					return protocolViolation("PUBLISH with empty topic")
				}
				if d.topicLen > p.maxTopic {
					return protocolViolation("PUBLISH topic length %d exceeds maximum %d", d.topicLen, p.maxTopic)
				}
				d.headerLen = 2 + d.topicLen
				if d.qos > 0 {
					d.headerLen += 2
				}
				if d.headerLen > p.remainingLength {
					return protocolViolation("PUBLISH header longer than packet")
				}
			}
		case d.pos < 2+d.topicLen:
			n := len(data) - *pos
			if left := 2 + d.topicLen - d.pos; n > left {
				n = left
			}
			p.topic = append(p.topic, data[*pos:*pos+n]...)
			*pos += n
			d.pos += n
		default:
			d.id = d.id<<8 | uint16(data[*pos])
			*pos++
			d.pos++
		}

		if d.pos >= 2 && d.pos == d.headerLen {
			return d.endHeader(p)
		}
	}
	return nil
}

func (d *publishDecoder) endHeader(p *Parser) error {
	if d.qos > 0 && d.id == 0 { // [MQTT-2.3.1-1]
		return protocolViolation("PUBLISH QoS %d with packet id 0", d.qos)
	}
	d.topic = string(p.topic)
	d.payloadLen = p.remainingLength - d.headerLen

	if d.payloadLen == 0 {
		p.done()
		p.h.OnMessage(d.id, d.topic, nil, d.props, 0, 0)
		p.h.OnPublish(d.id, d.qos)
		return nil
	}

	p.state = statePayload
	return nil
}

func (d *publishDecoder) parsePayload(p *Parser, data []byte, pos *int) error {
	n := len(data) - *pos
	if left := d.payloadLen - d.payloadRead; n > left {
		n = left
	}
	if n == 0 {
		return nil
	}

	chunk, index := data[*pos:*pos+n], d.payloadRead
	*pos += n
	d.payloadRead += n

	complete := d.payloadRead == d.payloadLen
	if complete {
		p.done()
	}
	p.h.OnMessage(d.id, d.topic, chunk, d.props, index, d.payloadLen)
	if complete {
		p.h.OnPublish(d.id, d.qos)
	}
	return nil
}
