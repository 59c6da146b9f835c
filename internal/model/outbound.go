package model

// Kind identifies an outbound packet.
type Kind uint8

const (
	KindConnect Kind = iota + 1
	KindPingReq
	KindSubscribe
	KindUnsubscribe
	KindPublish
	KindPubAck
	KindPubRec
	KindPubRel
	KindPubComp
	KindDisconnect
)

func (k Kind) String() string {
	switch k {
	case KindConnect:
		return "CONNECT"
	case KindPingReq:
		return "PINGREQ"
	case KindSubscribe:
		return "SUBSCRIBE"
	case KindUnsubscribe:
		return "UNSUBSCRIBE"
	case KindPublish:
		return "PUBLISH"
	case KindPubAck:
		return "PUBACK"
	case KindPubRec:
		return "PUBREC"
	case KindPubRel:
		return "PUBREL"
	case KindPubComp:
		return "PUBCOMP"
	case KindDisconnect:
		return "DISCONNECT"
	}
	return "UNKNOWN"
}

// Packet is a serialized outbound control packet.
// Its bytes are fixed at construction, except for the DUP flag of a PUBLISH.
type Packet struct {
	kind     Kind
	data     []byte
	released bool
	id       uint16
	qos      uint8
}

func (p *Packet) Kind() Kind { return p.kind }
func (p *Packet) Bytes() []byte { return p.data }
func (p *Packet) Len() int { return len(p.data) }
func (p *Packet) ID() uint16 { return p.id }
func (p *Packet) QoS() uint8 { return p.qos }
func (p *Packet) Released() bool { return p.released }
func (p *Packet) Release() { p.released = true }
func (p *Packet) Dup() bool { return p.kind == KindPublish && p.data[0]&PublishDUP != 0 }

// SetDup marks a PUBLISH as a retransmission. No-op for other kinds.
func (p *Packet) SetDup() {
	if p.kind == KindPublish {
		p.data[0] |= PublishDUP
	}
}

// Will is the optional last will message carried in CONNECT.
type Will struct {
	Topic   string
	Payload []byte
	QoS     uint8
	Retain  bool
}

type ConnectOptions struct {
	ClientID     string
	CleanSession bool
	KeepAlive    uint16
	Username     string
	Password     string
	Will         *Will
}

func newPacket(kind Kind, header byte, remLen int) *Packet {
	data := make([]byte, 0, 1+LengthToNumberOfVariableLengthBytes(remLen)+remLen)
	data = append(data, header)
	return &Packet{kind: kind, data: VariableLengthEncode(data, remLen)}
}

func appendString(b []byte, s string) []byte {
	b = append(b, byte(len(s)>>8), byte(len(s)))
	return append(b, s...)
}

func appendBytes(b []byte, p []byte) []byte {
	b = append(b, byte(len(p)>>8), byte(len(p)))
	return append(b, p...)
}

// NewConnect builds a CONNECT packet. It stays unreleased until CONNACK.
func NewConnect(o ConnectOptions) *Packet {
	var flags byte
	remLen := 2 + len(ProtocolName) + 1 + 1 + 2 + 2 + len(o.ClientID)

	if o.CleanSession {
		flags |= ConnectCleanSession
	}
	if o.Will != nil {
		flags |= ConnectWill
		switch o.Will.QoS {
		case 1:
			flags |= ConnectWillQoS1
		case 2:
			flags |= ConnectWillQoS2
		}
		if o.Will.Retain {
			flags |= ConnectWillRetain
		}
		remLen += 2 + len(o.Will.Topic) + 2 + len(o.Will.Payload)
	}
	if o.Username != "" {
		flags |= ConnectUsername
		remLen += 2 + len(o.Username)
	}
	if o.Password != "" {
		flags |= ConnectPassword
		remLen += 2 + len(o.Password)
	}

	p := newPacket(KindConnect, CONNECT, remLen)
	p.data = appendString(p.data, ProtocolName)
	p.data = append(p.data, ProtocolLevel, flags, byte(o.KeepAlive>>8), byte(o.KeepAlive))
	p.data = appendString(p.data, o.ClientID)
	if o.Will != nil {
		p.data = appendString(p.data, o.Will.Topic)
		p.data = appendBytes(p.data, o.Will.Payload)
	}
	if o.Username != "" {
		p.data = appendString(p.data, o.Username)
	}
	if o.Password != "" {
		p.data = appendString(p.data, o.Password)
	}
	return p
}

// NewPingReq builds a PINGREQ. Released immediately, the PINGRESP is tracked by keepalive.
func NewPingReq() *Packet {
	p := newPacket(KindPingReq, PINGREQ, 0)
	p.released = true
	return p
}

func NewSubscribe(id uint16, topic string, qos uint8) *Packet {
	p := newPacket(KindSubscribe, SUBSCRIBESend, 2+2+len(topic)+1)
	p.id = id
	p.data = append(p.data, byte(id>>8), byte(id))
	p.data = appendString(p.data, topic)
	p.data = append(p.data, qos)
	return p
}

func NewUnsubscribe(id uint16, topic string) *Packet {
	p := newPacket(KindUnsubscribe, UNSUBSCRIBESend, 2+2+len(topic))
	p.id = id
	p.data = append(p.data, byte(id>>8), byte(id))
	p.data = appendString(p.data, topic)
	return p
}

// NewPublish builds a PUBLISH. The packet id is only written for QoS > 0,
// and a QoS 0 publish is released as soon as it is built.
func NewPublish(id uint16, topic string, qos uint8, retain bool, payload []byte) *Packet {
	header := byte(PUBLISH) | qos<<1
	if retain {
		header |= PublishRetain
	}

	remLen := 2 + len(topic) + len(payload)
	if qos > 0 {
		remLen += 2
	}

	p := newPacket(KindPublish, header, remLen)
	p.qos = qos
	p.data = appendString(p.data, topic)
	if qos > 0 {
		p.id = id
		p.data = append(p.data, byte(id>>8), byte(id))
	} else {
		p.released = true
	}
	p.data = append(p.data, payload...)
	return p
}

// NewAck builds one of PUBACK, PUBREC, PUBREL or PUBCOMP for the exchange with the given id.
// PUBREL waits for PUBCOMP, the others need no acknowledgement.
func NewAck(kind Kind, id uint16) *Packet {
	var header byte
	switch kind {
	case KindPubAck:
		header = PUBACK
	case KindPubRec:
		header = PUBREC
	case KindPubRel:
		header = PUBRELSend
	case KindPubComp:
		header = PUBCOMP
	default:
		panic("model: not an ack kind: " + kind.String())
	}

	p := newPacket(kind, header, 2)
	p.id = id
	p.data = append(p.data, byte(id>>8), byte(id))
	p.released = kind != KindPubRel
	return p
}

func NewDisconnect() *Packet {
	p := newPacket(KindDisconnect, DISCONNECT, 0)
	p.released = true
	return p
}
