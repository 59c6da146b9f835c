package model

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewConnect(t *testing.T) {
	t.Parallel()

	p := NewConnect(ConnectOptions{ClientID: "c1", CleanSession: true, KeepAlive: 15})
	require.Equal(t, []byte{
		CONNECT, 14,
		0, 4, 'M', 'Q', 'T', 'T',
		4,
		ConnectCleanSession,
		0, 15,
		0, 2, 'c', '1',
	}, p.Bytes())
	require.Equal(t, KindConnect, p.Kind())
	require.False(t, p.Released())
	require.Zero(t, p.ID())
}

func TestNewConnectAllFields(t *testing.T) {
	t.Parallel()

	p := NewConnect(ConnectOptions{
		ClientID:  "id",
		KeepAlive: 300,
		Username:  "u",
		Password:  "pw",
		Will:      &Will{Topic: "w", Payload: []byte("bye"), QoS: 2, Retain: true},
	})
	require.Equal(t, []byte{
		CONNECT, 29,
		0, 4, 'M', 'Q', 'T', 'T',
		4,
		ConnectUsername | ConnectPassword | ConnectWillRetain | ConnectWillQoS2 | ConnectWill,
		0x01, 0x2C,
		0, 2, 'i', 'd',
		0, 1, 'w',
		0, 3, 'b', 'y', 'e',
		0, 1, 'u',
		0, 2, 'p', 'w',
	}, p.Bytes())
}

func TestNewSubscribeUnsubscribe(t *testing.T) {
	t.Parallel()

	s := NewSubscribe(0x0102, "a/b", 1)
	require.Equal(t, []byte{SUBSCRIBESend, 8, 0x01, 0x02, 0, 3, 'a', '/', 'b', 1}, s.Bytes())
	require.Equal(t, uint16(0x0102), s.ID())
	require.False(t, s.Released())

	u := NewUnsubscribe(7, "a/b")
	require.Equal(t, []byte{UNSUBSCRIBESend, 7, 0, 7, 0, 3, 'a', '/', 'b'}, u.Bytes())
	require.False(t, u.Released())
}

func TestNewPublish(t *testing.T) {
	t.Parallel()

	p0 := NewPublish(9, "t", 0, true, []byte("hi"))
	require.Equal(t, []byte{PUBLISH | PublishRetain, 5, 0, 1, 't', 'h', 'i'}, p0.Bytes())
	require.True(t, p0.Released())
	require.Zero(t, p0.ID())

	p1 := NewPublish(9, "t", 1, false, []byte("hi"))
	require.Equal(t, []byte{PUBLISH | PublishQoS1, 7, 0, 1, 't', 0, 9, 'h', 'i'}, p1.Bytes())
	require.False(t, p1.Released())
	require.Equal(t, uint16(9), p1.ID())
	require.Equal(t, uint8(1), p1.QoS())

	require.False(t, p1.Dup())
	p1.SetDup()
	p1.SetDup()
	require.True(t, p1.Dup())
	require.Equal(t, byte(PUBLISH|PublishQoS1|PublishDUP), p1.Bytes()[0])

	p2 := NewPublish(1, "t", 2, false, nil)
	require.Equal(t, []byte{PUBLISH | PublishQoS2, 5, 0, 1, 't', 0, 1}, p2.Bytes())
}

func TestNewPublishLargePayload(t *testing.T) {
	t.Parallel()

	payload := make([]byte, 200)
	p := NewPublish(1, "t", 1, false, payload)
	// 2+1+2+200 = 205 needs two length bytes
	require.Equal(t, []byte{PUBLISH | PublishQoS1, 0xCD, 0x01}, p.Bytes()[:3])
	require.Equal(t, 3+205, p.Len())
}

func TestNewAck(t *testing.T) {
	t.Parallel()

	cases := []struct {
		kind     Kind
		header   byte
		released bool
	}{
		{KindPubAck, PUBACK, true},
		{KindPubRec, PUBREC, true},
		{KindPubRel, PUBRELSend, false},
		{KindPubComp, PUBCOMP, true},
	}
	for _, c := range cases {
		p := NewAck(c.kind, 0xABCD)
		require.Equal(t, []byte{c.header, 2, 0xAB, 0xCD}, p.Bytes(), c.kind.String())
		require.Equal(t, c.released, p.Released(), c.kind.String())
		require.Equal(t, uint16(0xABCD), p.ID())
	}

	require.Panics(t, func() { NewAck(KindPublish, 1) })
}

func TestPingAndDisconnect(t *testing.T) {
	t.Parallel()

	require.Equal(t, []byte{PINGREQ, 0}, NewPingReq().Bytes())
	require.True(t, NewPingReq().Released())
	require.Equal(t, []byte{DISCONNECT, 0}, NewDisconnect().Bytes())
	require.True(t, NewDisconnect().Released())

	// SetDup only touches PUBLISH
	d := NewDisconnect()
	d.SetDup()
	require.Equal(t, byte(DISCONNECT), d.Bytes()[0])
}

func TestPropertiesFromFlags(t *testing.T) {
	t.Parallel()

	require.Equal(t, MessageProperties{QoS: 2, Dup: true, Retain: true},
		PropertiesFromFlags(PublishDUP|PublishQoS2|PublishRetain))
	require.Equal(t, MessageProperties{QoS: 1}, PropertiesFromFlags(PublishQoS1))
}
