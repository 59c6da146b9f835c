package main

import (
	"fmt"
	"time"

	"github.com/RoanBrand/asyncmqtt/internal/store"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

func newHistoryCommand() *cobra.Command {
	var (
		since time.Duration
		prune time.Duration
	)

	cmd := &cobra.Command{
		Use:   "history ARCHIVE",
		Short: "Print messages stored by sub --archive",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := store.NewDiskStore(args[0])
			if err != nil {
				return err
			}
			defer s.Close()

			out := cmd.OutOrStdout()
			if prune > 0 {
				n, err := s.Prune(time.Now().Add(-prune))
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "removed %s messages\n", humanize.Comma(int64(n)))
				return nil
			}

			var from time.Time
			if since > 0 {
				from = time.Now().Add(-since)
			}
			var count, size int
			err = s.Each(from, func(m store.Message) error {
				count++
				size += len(m.Payload)
				_, err := fmt.Fprintf(out, "%s %s q%d %s\n", m.Time.Format(time.RFC3339Nano), m.Topic, m.QoS, m.Payload)
				return err
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "%s messages, %s\n", humanize.Comma(int64(count)), humanize.Bytes(uint64(size)))
			return nil
		},
	}

	cmd.Flags().DurationVar(&since, "since", 0, "only messages received within this long")
	cmd.Flags().DurationVar(&prune, "prune", 0, "remove messages older than this instead of printing")
	return cmd
}
