// Package session keeps the client side MQTT session state that is not in the outbound queue.
package session

// IDs allocates packet identifiers 1 to 65535, wrapping around and never yielding 0.
type IDs struct {
	last uint16
}

func (i *IDs) Next() uint16 {
	i.last++
	if i.last == 0 {
		i.last = 1
	}
	return i.last
}

// PendingPubRel holds the ids of inbound QoS 2 messages that were delivered
// but whose PUBREL has not arrived yet. A redelivered PUBLISH with one of
// these ids must not reach the application again.
type PendingPubRel map[uint16]struct{}

func (p PendingPubRel) Add(id uint16) {
	p[id] = struct{}{}
}

func (p PendingPubRel) Has(id uint16) bool {
	_, ok := p[id]
	return ok
}

func (p PendingPubRel) Remove(id uint16) {
	delete(p, id)
}

func (p PendingPubRel) Clear() {
	for id := range p {
		delete(p, id)
	}
}
