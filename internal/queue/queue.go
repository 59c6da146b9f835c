// Package queue holds outbound MQTT packets until they are written and acknowledged.
package queue

import (
	"sync"

	"github.com/RoanBrand/asyncmqtt/internal/model"
)

// Writer is where queued bytes are staged for sending.
type Writer interface {
	// Space returns how many bytes can currently be staged.
	Space() int
	// Add stages p and returns how many bytes were accepted.
	Add(p []byte) int
	// Send flushes staged bytes.
	Send()
}

// Queue is an ordered queue of outbound packets with a send cursor on the head.
// Packets leave in order. The head only leaves once it is fully written and released,
// so at most one unacknowledged exchange is ever in flight.
type Queue struct {
	mu sync.Mutex

	// ring buffer
	buf  []*model.Packet
	head int
	n    int

	sent  int // bytes of head already written
	bytes int // total bytes queued
}

func New() *Queue {
	return &Queue{buf: make([]*model.Packet, 8)}
}

func (q *Queue) grow() {
	nb := make([]*model.Packet, len(q.buf)*2)
	for i := 0; i < q.n; i++ {
		nb[i] = q.at(i)
	}
	q.buf, q.head = nb, 0
}

func (q *Queue) at(i int) *model.Packet {
	return q.buf[(q.head+i)%len(q.buf)]
}

func (q *Queue) pushFront(p *model.Packet) {
	if q.n == len(q.buf) {
		q.grow()
	}
	q.head = (q.head - 1 + len(q.buf)) % len(q.buf)
	q.buf[q.head] = p
	q.n++
	q.bytes += p.Len()
}

func (q *Queue) pushBack(p *model.Packet) {
	if q.n == len(q.buf) {
		q.grow()
	}
	q.buf[(q.head+q.n)%len(q.buf)] = p
	q.n++
	q.bytes += p.Len()
}

func (q *Queue) popFront() *model.Packet {
	p := q.buf[q.head]
	q.buf[q.head] = nil // avoid memory leaks
	q.head = (q.head + 1) % len(q.buf)
	q.n--
	q.bytes -= p.Len()
	return p
}

// PushFront makes p the new head. Used for CONNECT.
// The cursor is reset, so whatever was at the head is resent from its start.
func (q *Queue) PushFront(p *model.Packet) {
	q.mu.Lock()
	q.pushFront(p)
	q.sent = 0
	q.mu.Unlock()
}

func (q *Queue) PushBack(p *model.Packet) {
	q.mu.Lock()
	q.pushBack(p)
	q.mu.Unlock()
}

// InsertAfterHead places p directly behind the head. Used for the PUBREL that
// continues the QoS 2 exchange at the head. On an empty queue p becomes the head.
func (q *Queue) InsertAfterHead(p *model.Packet) {
	q.mu.Lock()
	if q.n == 0 {
		q.pushBack(p)
	} else {
		h := q.popFront()
		q.pushFront(p)
		q.pushFront(h)
	}
	q.mu.Unlock()
}

// Drain writes as much of the queue to w as it has space for.
// A fully written head is removed if it is released, otherwise draining stops
// until an acknowledgement releases it.
// disconnect reports that a DISCONNECT packet was completely written.
func (q *Queue) Drain(w Writer) (written int, disconnect bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for q.n > 0 {
		head := q.buf[q.head]
		if q.sent < head.Len() {
			space := w.Space()
			if space <= 0 {
				break
			}
			chunk := head.Bytes()[q.sent:]
			if len(chunk) > space {
				chunk = chunk[:space]
			}
			n := w.Add(chunk)
			if n <= 0 {
				break
			}
			w.Send()
			q.sent += n
			written += n
			if q.sent < head.Len() {
				continue
			}
			if head.Kind() == model.KindDisconnect {
				disconnect = true
			}
		}

		if !head.Released() {
			break
		}
		q.popFront()
		q.sent = 0
	}
	return
}

// Release marks the head as acknowledged if it is of the given kind and packet id.
func (q *Queue) Release(kind model.Kind, id uint16) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.n == 0 {
		return false
	}
	head := q.buf[q.head]
	if head.Kind() != kind || head.ID() != id || head.Released() {
		return false
	}
	head.Release()
	return true
}

// Clear empties the queue. With keepSession, unfinished QoS 1 & 2 exchanges are kept:
// unacknowledged QoS>0 PUBLISH, unacknowledged PUBREL and queued PUBREC and PUBCOMP.
// A kept PUBLISH that was already (partly) written gets its DUP flag set.
func (q *Queue) Clear(keepSession bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	old := make([]*model.Packet, q.n)
	for i := range old {
		old[i] = q.popFront()
	}
	sent := q.sent
	q.head, q.n, q.sent, q.bytes = 0, 0, 0, 0

	if !keepSession {
		return
	}

	for i, p := range old {
		switch p.Kind() {
		case model.KindPublish:
			if p.QoS() == 0 || p.Released() {
				continue
			}
			if i == 0 && sent > 0 {
				p.SetDup()
			}
		case model.KindPubRel:
			if p.Released() {
				continue
			}
		case model.KindPubRec, model.KindPubComp:
		case model.KindConnect, model.KindPingReq, model.KindSubscribe, model.KindUnsubscribe,
			model.KindPubAck, model.KindDisconnect:
			continue
		default:
			continue
		}
		q.pushBack(p)
	}
}

// Len returns the number of queued packets.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.n
}

// Bytes returns the size of all queued packets.
func (q *Queue) Bytes() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.bytes
}

// Head returns the head packet and how much of it was written, or nil.
func (q *Queue) Head() (*model.Packet, int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.n == 0 {
		return nil, 0
	}
	return q.buf[q.head], q.sent
}

// Packets returns a copy of the queue in order.
func (q *Queue) Packets() []*model.Packet {
	q.mu.Lock()
	defer q.mu.Unlock()
	ps := make([]*model.Packet, q.n)
	for i := range ps {
		ps[i] = q.at(i)
	}
	return ps
}
