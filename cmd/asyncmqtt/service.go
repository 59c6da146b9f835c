package main

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/RoanBrand/asyncmqtt/internal/store"
	"github.com/RoanBrand/asyncmqtt/payload"
	"github.com/kardianos/service"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// program runs a subscriber as a system service.
type program struct {
	topics     []string
	qos        uint8
	archiveDir string

	cancel context.CancelFunc
	done   chan struct{}
}

func (p *program) Start(s service.Service) error {
	ctx, cancel := context.WithCancel(context.Background())
	c, _, err := newClient(ctx)
	if err != nil {
		cancel()
		return err
	}

	sub := &subscriber{
		client:    c,
		topics:    p.topics,
		qos:       p.qos,
		maxSize:   payload.DefaultMaxSize,
		reconnect: 5 * time.Second,
	}
	if p.archiveDir != "" {
		if sub.archive, err = store.NewDiskStore(p.archiveDir); err != nil {
			cancel()
			return err
		}
	}

	p.cancel, p.done = cancel, make(chan struct{})
	go func() {
		defer close(p.done)
		if err := sub.run(ctx); err != nil {
			log.WithError(err).Error("Subscriber stopped")
		}
		if sub.archive != nil {
			sub.archive.Close()
		}
	}()
	return nil
}

func (p *program) Stop(s service.Service) error {
	if p.cancel == nil {
		return nil
	}
	p.cancel()
	<-p.done
	return nil
}

func newServiceCommand() *cobra.Command {
	prg := new(program)

	cmd := &cobra.Command{
		Use:   "service [ACTION]",
		Short: "Run a subscriber as a system service, or control it with ACTION (" + actions() + ")",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ePath, err := os.Executable()
			if err != nil {
				return err
			}
			eDir := filepath.Dir(ePath)

			// Set defaults before config override.
			if service.Interactive() {
				log.SetLevel(log.DebugLevel)
			} else {
				f, err := os.OpenFile(filepath.Join(eDir, "asyncmqtt.log"), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
				if err != nil {
					return err
				}
				log.SetOutput(f)
			}

			svcConfig := service.Config{
				Name:        "asyncmqtt",
				DisplayName: "asyncmqtt MQTT subscriber",
				Description: "Keeps an MQTT subscription and archives received messages.",
				Arguments:   serviceArguments(prg),
			}
			s, err := service.New(prg, &svcConfig)
			if err != nil {
				return err
			}

			if len(args) == 1 {
				if err = service.Control(s, args[0]); err != nil {
					return errors.Wrapf(err, "valid actions: %q", service.ControlAction)
				}
				return nil
			}
			return s.Run()
		},
	}

	f := cmd.Flags()
	f.StringSliceVarP(&prg.topics, "topic", "t", nil, "topic filters to subscribe to")
	f.Uint8VarP(&prg.qos, "qos", "q", 0, "maximum QoS to subscribe with")
	f.StringVar(&prg.archiveDir, "archive", "", "store received messages in this directory")
	return cmd
}

// serviceArguments are the arguments the installed service is started with.
func serviceArguments(p *program) []string {
	args := []string{"service"}
	if cfg := viper.GetString("config"); cfg != "" {
		if abs, err := filepath.Abs(cfg); err == nil {
			cfg = abs
		}
		args = append(args, "--config", cfg)
	}
	for _, t := range p.topics {
		args = append(args, "--topic", t)
	}
	if p.qos > 0 {
		args = append(args, "--qos", strconv.Itoa(int(p.qos)))
	}
	if p.archiveDir != "" {
		dir := p.archiveDir
		if abs, err := filepath.Abs(dir); err == nil {
			dir = abs
		}
		args = append(args, "--archive", dir)
	}
	return args
}

func actions() string {
	s := ""
	for i, a := range service.ControlAction {
		if i > 0 {
			s += ", "
		}
		s += a
	}
	return s
}
