// Package store archives received messages on disk.
package store

import (
	"encoding/binary"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/pkg/errors"
)

// Message is one archived message.
type Message struct {
	Time    time.Time
	Topic   string
	QoS     uint8
	Retain  bool
	Payload []byte
}

var prefix = []byte("msg")

// key layout: "msg" | unix nano (8) | sequence (4) | topic
const topicOffset = 3 + 8 + 4

type DiskStore struct {
	db  *badger.DB
	seq uint32
}

func NewDiskStore(dir string) (*DiskStore, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, errors.Wrap(err, "error opening archive")
	}

	return &DiskStore{db: db}, nil
}

func (s *DiskStore) Close() error {
	return s.db.Close()
}

func messageKey(t time.Time, seq uint32, topic string) []byte {
	key := make([]byte, 0, topicOffset+len(topic))
	key = append(key, prefix...)
	key = binary.BigEndian.AppendUint64(key, uint64(t.UnixNano()))
	key = binary.BigEndian.AppendUint32(key, seq)
	return append(key, topic...)
}

// Add archives a message received at t. Keys sort by time, so Each returns messages in order.
func (s *DiskStore) Add(m Message) error {
	key := messageKey(m.Time, atomic.AddUint32(&s.seq, 1), m.Topic)

	val := make([]byte, 0, 1+len(m.Payload))
	flags := m.QoS << 1
	if m.Retain {
		flags |= 1
	}
	val = append(val, flags)
	val = append(val, m.Payload...)

	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, val)
	})
}

// Each calls iter for every message received at or after since, oldest first.
// Iteration stops at the first error iter returns.
func (s *DiskStore) Each(since time.Time, iter func(m Message) error) error {
	return s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		start := prefix
		if !since.IsZero() {
			start = messageKey(since, 0, "")
		}
		for it.Seek(start); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			k := item.Key()
			if len(k) < topicOffset {
				continue
			}
			val, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			if len(val) == 0 {
				continue
			}

			m := Message{
				Time:    time.Unix(0, int64(binary.BigEndian.Uint64(k[3:]))),
				Topic:   string(k[topicOffset:]),
				QoS:     val[0] >> 1 & 3,
				Retain:  val[0]&1 != 0,
				Payload: val[1:],
			}
			if err = iter(m); err != nil {
				return err
			}
		}
		return nil
	})
}

// Prune removes messages received before t and returns how many were removed.
func (s *DiskStore) Prune(before time.Time) (int, error) {
	var keys [][]byte
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		end := messageKey(before, 0, "")
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			k := it.Item().KeyCopy(nil)
			if string(k) >= string(end) {
				break
			}
			keys = append(keys, k)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	txn := s.db.NewTransaction(true)
	for _, k := range keys {
		if err := txn.Delete(k); err != nil {
			if err != badger.ErrTxnTooBig {
				txn.Discard()
				return 0, err
			}
			if err = txn.Commit(); err != nil {
				return 0, err
			}
			txn = s.db.NewTransaction(true)
			if err = txn.Delete(k); err != nil {
				txn.Discard()
				return 0, err
			}
		}
	}
	if err = txn.Commit(); err != nil {
		return 0, err
	}
	return len(keys), nil
}
