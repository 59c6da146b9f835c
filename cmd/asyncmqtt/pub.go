package main

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/RoanBrand/asyncmqtt"
	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func newPubCommand() *cobra.Command {
	var (
		qos     uint8
		retain  bool
		count   int
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "pub TOPIC [MESSAGE]",
		Short: "Publish a message. Without MESSAGE the payload is read from stdin",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var payload []byte
			if len(args) == 2 {
				payload = []byte(args[1])
			} else {
				b, err := io.ReadAll(os.Stdin)
				if err != nil {
					return errors.Wrap(err, "reading stdin")
				}
				payload = b
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			c, _, err := newClient(ctx)
			if err != nil {
				return err
			}
			return publish(ctx, c, args[0], qos, retain, payload, count)
		},
	}

	f := cmd.Flags()
	f.Uint8VarP(&qos, "qos", "q", 0, "QoS level 0, 1 or 2")
	f.BoolVarP(&retain, "retain", "r", false, "ask the server to retain the message")
	f.IntVarP(&count, "count", "n", 1, "number of times to publish the message")
	f.DurationVar(&timeout, "timeout", 30*time.Second, "give up if not done within this time")
	return cmd
}

// publish connects, publishes the message count times and disconnects once every
// message is acknowledged.
func publish(ctx context.Context, c *asyncmqtt.Client, topic string, qos uint8, retain bool, payload []byte, count int) error {
	connected := make(chan struct{}, 1)
	disconnected := make(chan asyncmqtt.DisconnectReason, 1)
	acked := make(chan uint16, count)

	c.OnConnect(func(bool) {
		select {
		case connected <- struct{}{}:
		default:
		}
	})
	c.OnDisconnect(func(r asyncmqtt.DisconnectReason) {
		select {
		case disconnected <- r:
		default:
		}
	})
	c.OnPublish(func(id uint16) { acked <- id })

	if err := c.Connect(); err != nil {
		return err
	}
	select {
	case <-connected:
	case r := <-disconnected:
		return errors.Errorf("unable to connect: %s", r)
	case <-ctx.Done():
		c.Disconnect(true)
		return errors.Wrap(ctx.Err(), "connecting")
	}

	pending := 0
	for i := 0; i < count; i++ {
		if _, err := c.Publish(topic, qos, retain, payload); err != nil {
			c.Disconnect(true)
			return err
		}
		if qos > 0 {
			pending++
		}
	}
	log.WithFields(log.Fields{
		"topic": topic,
		"count": count,
		"size":  humanize.Bytes(uint64(len(payload))),
	}).Info("Published")

	for pending > 0 {
		select {
		case <-acked:
			pending--
		case r := <-disconnected:
			return errors.Errorf("disconnected with %d messages unacknowledged: %s", pending, r)
		case <-ctx.Done():
			c.Disconnect(true)
			return errors.Wrap(ctx.Err(), "waiting for acknowledgements")
		}
	}

	c.Disconnect(false)
	select {
	case <-disconnected:
	case <-ctx.Done():
		c.Disconnect(true)
	}
	return nil
}
