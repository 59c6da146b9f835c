package parser

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/RoanBrand/asyncmqtt/internal/model"
	"github.com/stretchr/testify/require"
)

// recorder flattens handler calls into comparable strings.
// Payload chunks are joined so the result does not depend on how input was split.
type recorder struct {
	t       *testing.T
	events  []string
	chunks  int
	payload []byte
}

func (r *recorder) add(format string, args ...interface{}) {
	r.events = append(r.events, fmt.Sprintf(format, args...))
}

func (r *recorder) OnConnAck(sp bool, code byte) { r.add("connack sp=%v code=%d", sp, code) }
func (r *recorder) OnPingResp() { r.add("pingresp") }
func (r *recorder) OnSubAck(id uint16, st byte) { r.add("suback %d %#x", id, st) }
func (r *recorder) OnUnsubAck(id uint16) { r.add("unsuback %d", id) }
func (r *recorder) OnPubAck(id uint16) { r.add("puback %d", id) }
func (r *recorder) OnPubRec(id uint16) { r.add("pubrec %d", id) }
func (r *recorder) OnPubRel(id uint16) { r.add("pubrel %d", id) }
func (r *recorder) OnPubComp(id uint16) { r.add("pubcomp %d", id) }

func (r *recorder) OnMessage(id uint16, topic string, payload []byte, props model.MessageProperties, index, total int) {
	require.Equal(r.t, len(r.payload), index, "chunk out of order")
	require.LessOrEqual(r.t, index+len(payload), total)
	r.payload = append(r.payload, payload...)
	r.chunks++
	if index+len(payload) == total {
		r.add("message %s %q %+v id=%d", topic, r.payload, props, id)
		r.payload = r.payload[:0]
	}
}

func (r *recorder) OnPublish(id uint16, qos uint8) { r.add("publish %d qos=%d", id, qos) }

func publishBytes(topic string, qos uint8, id uint16, payload string) []byte {
	return model.NewPublish(id, topic, qos, false, []byte(payload)).Bytes()
}

func stream() []byte {
	var s []byte
	s = append(s, model.CONNACK, 2, 1, 0)
	s = append(s, model.PINGRESP, 0)
	s = append(s, model.SUBACK, 3, 0, 1, 1)
	s = append(s, model.UNSUBACK, 2, 0, 2)
	s = append(s, model.PUBACK, 2, 0x01, 0x00)
	s = append(s, model.PUBREC, 2, 0, 4)
	s = append(s, model.PUBREL|2, 2, 0, 5)
	s = append(s, model.PUBCOMP, 2, 0xFF, 0xFF)
	s = append(s, publishBytes("a/b", 0, 0, "hello")...)
	s = append(s, publishBytes("c", 2, 9, "")...)
	long := make([]byte, 300)
	for i := range long {
		long[i] = byte(i)
	}
	s = append(s, publishBytes("topic/long", 1, 10, string(long))...)
	s = append(s, model.PINGRESP, 0)
	return s
}

func feedSplit(t *testing.T, data []byte, sizes func() int) []string {
	r := &recorder{t: t}
	p := New(64, r)
	for len(data) > 0 {
		n := sizes()
		if n > len(data) {
			n = len(data)
		}
		require.NoError(t, p.Feed(data[:n]))
		data = data[n:]
	}
	require.True(t, p.Idle())
	return r.events
}

func TestFeedWhole(t *testing.T) {
	t.Parallel()

	s := stream()
	events := feedSplit(t, s, func() int { return len(s) })
	require.Equal(t, []string{
		"connack sp=true code=0",
		"pingresp",
		"suback 1 0x1",
		"unsuback 2",
		"puback 256",
		"pubrec 4",
		"pubrel 5",
		"pubcomp 65535",
		fmt.Sprintf("message a/b %q %+v id=0", "hello", model.MessageProperties{}),
		"publish 0 qos=0",
		fmt.Sprintf("message c %q %+v id=9", "", model.MessageProperties{QoS: 2}),
		"publish 9 qos=2",
		events[12],
		"publish 10 qos=1",
		"pingresp",
	}, events)
}

func TestFeedDeliveryBoundaryIndependent(t *testing.T) {
	t.Parallel()

	s := stream()
	want := feedSplit(t, s, func() int { return len(s) })

	for size := 1; size <= len(s); size++ {
		size := size
		require.Equal(t, want, feedSplit(t, s, func() int { return size }), "chunk size %d", size)
	}

	rnd := rand.New(rand.NewSource(1))
	for i := 0; i < 200; i++ {
		require.Equal(t, want, feedSplit(t, s, func() int { return 1 + rnd.Intn(16) }))
	}
}

func TestFeedConnAckEverySplit(t *testing.T) {
	t.Parallel()

	pkt := []byte{model.CONNACK, 2, 0, 5}
	for n := 1; n <= len(pkt); n++ {
		r := &recorder{t: t}
		p := New(16, r)
		for i := 0; i < len(pkt); i += n {
			end := i + n
			if end > len(pkt) {
				end = len(pkt)
			}
			require.NoError(t, p.Feed(pkt[i:end]))
		}
		require.Equal(t, []string{"connack sp=false code=5"}, r.events)
	}
}

func TestPublishChunks(t *testing.T) {
	t.Parallel()

	var got [][3]int
	h := &chunkHandler{fn: func(payload []byte, index, total int) {
		got = append(got, [3]int{len(payload), index, total})
	}}
	p := New(16, h)

	pkt := publishBytes("t", 1, 3, "0123456789")
	head := len(pkt) - 10
	require.NoError(t, p.Feed(pkt[:head+4]))
	require.NoError(t, p.Feed(pkt[head+4:head+5]))
	require.NoError(t, p.Feed(pkt[head+5:]))

	require.Equal(t, [][3]int{{4, 0, 10}, {1, 4, 10}, {5, 5, 10}}, got)
	require.Equal(t, []uint16{3}, h.published)
}

func TestPublishTopicBufferReuse(t *testing.T) {
	t.Parallel()

	r := &recorder{t: t}
	p := New(8, r)
	require.NoError(t, p.Feed(publishBytes("longer", 0, 0, "x")))
	require.NoError(t, p.Feed(publishBytes("ab", 0, 0, "y")))
	require.Contains(t, r.events[0], "message longer")
	require.Contains(t, r.events[2], "message ab ")
}

func TestProtocolViolations(t *testing.T) {
	t.Parallel()

	cases := map[string][]byte{
		"connect type":          {model.CONNECT, 0},
		"reserved type 0":       {0x00, 0},
		"reserved type 15":      {0xF0, 0},
		"puback flags":          {model.PUBACK | 1, 2, 0, 1},
		"pubrel flags":          {model.PUBREL, 2, 0, 1},
		"5 byte length":         {model.PUBLISH, 0x80, 0x80, 0x80, 0x80, 0x01},
		"pingresp length":       {model.PINGRESP, 1, 0},
		"empty puback":          {model.PUBACK, 0},
		"connack length":        {model.CONNACK, 3, 0, 0, 0},
		"connack flags":         {model.CONNACK, 2, 2, 0},
		"suback short":          {model.SUBACK, 2, 0, 1},
		"suback code":           {model.SUBACK, 3, 0, 1, 3},
		"publish qos 3":         {model.PUBLISH | 6, 3, 0, 1, 'a'},
		"publish empty topic":   {model.PUBLISH, 3, 0, 0, 'a'},
		"publish topic too big": append([]byte{model.PUBLISH, 19, 0, 17}, []byte("0123456789abcdefg")...),
		"publish header > rl":   {model.PUBLISH | 2, 4, 0, 2, 'a', 'b'},
		"publish qos 1 id 0":    {model.PUBLISH | 2, 5, 0, 1, 'a', 0, 0},
		"publish qos 2 id 0":    {model.PUBLISH | 4, 6, 0, 1, 'a', 0, 0, 'x'},
	}

	for name, data := range cases {
		r := &recorder{t: t}
		p := New(16, r)
		err := p.Feed(data)
		require.ErrorIs(t, err, ErrProtocolViolation, name)
		require.True(t, p.Idle(), name)

		// parser is usable again after a violation
		require.NoError(t, p.Feed([]byte{model.PINGRESP, 0}), name)
		require.Equal(t, "pingresp", r.events[len(r.events)-1], name)
	}
}

func TestResetDiscardsPartialPacket(t *testing.T) {
	t.Parallel()

	r := &recorder{t: t}
	p := New(16, r)
	pkt := publishBytes("a/b", 1, 1, "payload")
	require.NoError(t, p.Feed(pkt[:6]))
	require.False(t, p.Idle())

	p.Reset()
	require.True(t, p.Idle())
	require.NoError(t, p.Feed([]byte{model.PUBACK, 2, 0, 7}))
	require.Equal(t, []string{"puback 7"}, r.events)
}

func TestSubAckMultipleReturnCodes(t *testing.T) {
	t.Parallel()

	r := &recorder{t: t}
	p := New(16, r)
	require.NoError(t, p.Feed([]byte{model.SUBACK, 5, 0, 9, model.SubAckFailure, 1, 2}))
	require.Equal(t, []string{"suback 9 0x80"}, r.events)
}

type chunkHandler struct {
	recorder
	fn        func(payload []byte, index, total int)
	published []uint16
}

func (h *chunkHandler) OnMessage(id uint16, topic string, payload []byte, props model.MessageProperties, index, total int) {
	h.fn(payload, index, total)
}

func (h *chunkHandler) OnPublish(id uint16, qos uint8) {
	h.published = append(h.published, id)
}
