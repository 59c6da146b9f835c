package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/RoanBrand/asyncmqtt"
	"github.com/RoanBrand/asyncmqtt/internal/store"
	"github.com/RoanBrand/asyncmqtt/payload"
	"github.com/dustin/go-humanize"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func newSubCommand() *cobra.Command {
	var (
		qos        uint8
		archiveDir string
		maxSize    int
		reconnect  time.Duration
	)

	cmd := &cobra.Command{
		Use:   "sub TOPIC...",
		Short: "Subscribe to topic filters and print received messages",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, _, err := newClient(cmd.Context())
			if err != nil {
				return err
			}

			s := &subscriber{
				client:    c,
				topics:    args,
				qos:       qos,
				out:       cmd.OutOrStdout(),
				maxSize:   maxSize,
				reconnect: reconnect,
			}
			if archiveDir != "" {
				if s.archive, err = store.NewDiskStore(archiveDir); err != nil {
					return err
				}
				defer s.archive.Close()
			}
			return s.run(cmd.Context())
		},
	}

	f := cmd.Flags()
	f.Uint8VarP(&qos, "qos", "q", 0, "maximum QoS to subscribe with")
	f.StringVar(&archiveDir, "archive", "", "also store received messages in this directory")
	f.IntVar(&maxSize, "max-size", payload.DefaultMaxSize, "largest message reassembled; larger ones are printed in chunks")
	f.DurationVar(&reconnect, "reconnect", 5*time.Second, "delay before reconnecting after the connection is lost")
	return cmd
}

// subscriber keeps a client connected and subscribed until its context is done.
type subscriber struct {
	client    *asyncmqtt.Client
	topics    []string
	qos       uint8
	out       io.Writer
	archive   *store.DiskStore
	maxSize   int
	reconnect time.Duration

	outMu sync.Mutex
}

func (s *subscriber) run(ctx context.Context) error {
	if s.out == nil {
		s.out = os.Stdout
	}
	c := s.client
	l := log.WithField("ClientId", c.ClientID())

	a := &payload.Assembler{
		MaxSize:   s.maxSize,
		OnMessage: s.message,
		OnChunk: func(topic string, chunk []byte, props asyncmqtt.MessageProperties, index, total int) {
			s.printf("%s [%d-%d/%s] %s\n", topic, index, index+len(chunk), humanize.Bytes(uint64(total)), chunk)
		},
	}
	c.OnMessage(a.Handle)

	c.OnConnect(func(sessionPresent bool) {
		if sessionPresent {
			return // server still has our subscriptions
		}
		for _, t := range s.topics {
			if _, err := c.Subscribe(t, s.qos); err != nil {
				l.WithError(err).WithField("topic", t).Error("Unable to subscribe")
			}
		}
	})
	c.OnSubscribe(func(id uint16, qos uint8) {
		if qos > 2 {
			l.WithField("packetID", id).Warn("Subscription refused")
		}
	})

	lost := make(chan asyncmqtt.DisconnectReason, 1)
	c.OnDisconnect(func(r asyncmqtt.DisconnectReason) {
		select {
		case lost <- r:
		default:
		}
	})

	if err := c.Connect(); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			c.Disconnect(false)
			select {
			case <-lost:
			case <-time.After(5 * time.Second):
				c.Disconnect(true)
			}
			return nil
		case r := <-lost:
			l.WithField("reason", r.String()).Warnf("Connection lost. Reconnecting in %s", s.reconnect)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(s.reconnect):
			}
			if err := c.Connect(); err != nil {
				l.WithError(err).Error("Unable to reconnect")
				select {
				case lost <- r:
				default:
				}
			}
		}
	}
}

func (s *subscriber) message(topic string, p []byte, props asyncmqtt.MessageProperties) {
	s.printf("%s %s (%s)\n", topic, p, humanize.Bytes(uint64(len(p))))

	if s.archive == nil {
		return
	}
	err := s.archive.Add(store.Message{
		Time:    time.Now(),
		Topic:   topic,
		QoS:     props.QoS,
		Retain:  props.Retain,
		Payload: p,
	})
	if err != nil {
		log.WithError(err).WithField("topic", topic).Error("Unable to archive message")
	}
}

func (s *subscriber) printf(format string, args ...interface{}) {
	s.outMu.Lock()
	fmt.Fprintf(s.out, format, args...)
	s.outMu.Unlock()
}
