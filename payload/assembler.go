// Package payload reassembles the chunked message payloads delivered by the client.
package payload

import (
	"github.com/RoanBrand/asyncmqtt/internal/model"
)

const DefaultMaxSize = 8192

// Assembler buffers message chunks and delivers each message once it is complete.
// Its Handle method can be registered with Client.OnMessage directly.
//
// Chunks of one message arrive in order and are never interleaved with another message,
// so a single buffer is enough. An Assembler must not be shared between clients.
type Assembler struct {
	// MaxSize is the largest message buffered. 0 means DefaultMaxSize.
	MaxSize int

	// OnMessage receives complete messages. payload is reused after OnMessage returns.
	OnMessage func(topic string, payload []byte, props model.MessageProperties)

	// OnChunk optionally receives the chunks of messages larger than MaxSize.
	OnChunk func(topic string, chunk []byte, props model.MessageProperties, index, total int)

	buf []byte
}

func (a *Assembler) maxSize() int {
	if a.MaxSize <= 0 {
		return DefaultMaxSize
	}
	return a.MaxSize
}

// Handle takes one chunk, starting at offset index of a message of total bytes.
func (a *Assembler) Handle(topic string, chunk []byte, props model.MessageProperties, index, total int) {
	if total > a.maxSize() {
		if a.OnChunk != nil {
			a.OnChunk(topic, chunk, props, index, total)
		}
		return
	}

	if index == 0 {
		if cap(a.buf) < total {
			a.buf = make([]byte, 0, total)
		}
		a.buf = a.buf[:0]
	}
	if index != len(a.buf) { // missed the start of this message
		return
	}

	a.buf = append(a.buf, chunk...)
	if len(a.buf) == total && a.OnMessage != nil {
		a.OnMessage(topic, a.buf, props)
	}
}
