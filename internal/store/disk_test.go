package store

import (
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func openStore(t *testing.T) *DiskStore {
	t.Helper()
	s, err := NewDiskStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func collect(t *testing.T, s *DiskStore, since time.Time) []Message {
	t.Helper()
	var ms []Message
	require.NoError(t, s.Each(since, func(m Message) error {
		ms = append(ms, m)
		return nil
	}))
	return ms
}

func TestArchive(t *testing.T) {
	t.Parallel()
	s := openStore(t)
	base := time.Unix(1700000000, 0)

	require.NoError(t, s.Add(Message{Time: base.Add(2 * time.Second), Topic: "b", QoS: 2, Payload: []byte("second")}))
	require.NoError(t, s.Add(Message{Time: base, Topic: "a/b", QoS: 1, Retain: true, Payload: []byte("first")}))
	require.NoError(t, s.Add(Message{Time: base.Add(2 * time.Second), Topic: "b", Payload: nil}))

	ms := collect(t, s, time.Time{})
	require.Len(t, ms, 3)
	require.Equal(t, "a/b", ms[0].Topic)
	require.Equal(t, []byte("first"), ms[0].Payload)
	require.EqualValues(t, 1, ms[0].QoS)
	require.True(t, ms[0].Retain)
	require.True(t, ms[0].Time.Equal(base))

	require.Equal(t, "second", string(ms[1].Payload))
	require.EqualValues(t, 2, ms[1].QoS)
	require.Empty(t, ms[2].Payload)

	require.Len(t, collect(t, s, base.Add(time.Second)), 2)
}

func TestArchiveStopIteration(t *testing.T) {
	t.Parallel()
	s := openStore(t)
	for i := 0; i < 5; i++ {
		require.NoError(t, s.Add(Message{Time: time.Unix(int64(i), 0), Topic: "t"}))
	}

	stop := errors.New("stop")
	n := 0
	err := s.Each(time.Time{}, func(Message) error {
		n++
		if n == 2 {
			return stop
		}
		return nil
	})
	require.ErrorIs(t, err, stop)
	require.Equal(t, 2, n)
}

func TestArchivePrune(t *testing.T) {
	t.Parallel()
	s := openStore(t)
	for i := 0; i < 5; i++ {
		require.NoError(t, s.Add(Message{Time: time.Unix(int64(i), 0), Topic: "t"}))
	}

	n, err := s.Prune(time.Unix(3, 0))
	require.NoError(t, err)
	require.Equal(t, 3, n)

	ms := collect(t, s, time.Time{})
	require.Len(t, ms, 2)
	require.True(t, ms[0].Time.Equal(time.Unix(3, 0)))
}
