package model

// MessageProperties are the fixed header properties of an inbound PUBLISH.
type MessageProperties struct {
	QoS    uint8
	Dup    bool
	Retain bool
}

// PropertiesFromFlags extracts message properties from PUBLISH fixed header flags.
func PropertiesFromFlags(flags byte) MessageProperties {
	return MessageProperties{
		QoS:    (flags >> 1) & 3,
		Dup:    flags&PublishDUP != 0,
		Retain: flags&PublishRetain != 0,
	}
}
