package main

import (
	"context"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/RoanBrand/asyncmqtt"
	"github.com/RoanBrand/asyncmqtt/internal/config"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const envPrefix = "ASYNCMQTT"

var globalFlags = []string{
	"config", "server", "client-id", "username", "password", "tls", "tls-insecure", "fingerprint",
	"ws", "ws-path", "keepalive", "persistent", "log-level", "log-file", "metrics-listen",
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "asyncmqtt",
		Short:         "asyncmqtt is an MQTT 3.1.1 client for publishing, subscribing and archiving messages",
		SilenceErrors: true,
		SilenceUsage:  true,
		Example: `
  # subscribe to everything below sensors/ and keep a local archive
  asyncmqtt sub --server broker:1883 --archive ./archive 'sensors/#'

  # publish a retained QoS 1 message over TLS
  asyncmqtt pub --server broker --tls --qos 1 --retain status online

  # same, configured from the environment
  ASYNCMQTT_SERVER=broker ASYNCMQTT_TLS=true asyncmqtt pub status online
`,
	}

	pf := cmd.PersistentFlags()
	pf.StringP("config", "c", "", "path of JSON or YAML config file (default config.json next to the executable, if present)")
	pf.StringP("server", "s", "", "MQTT server address host[:port]")
	pf.String("client-id", "", "client identifier (generated if empty)")
	pf.StringP("username", "u", "", "username")
	pf.StringP("password", "P", "", "password")
	pf.Bool("tls", false, "connect over TLS")
	pf.Bool("tls-insecure", false, "skip server certificate verification")
	pf.StringSlice("fingerprint", nil, "allowed SHA-1 server certificate fingerprints (hex)")
	pf.Bool("ws", false, "connect over WebSocket")
	pf.String("ws-path", "", "WebSocket path (default /mqtt)")
	pf.Int("keepalive", 0, "keep alive in seconds (-1 disables, default 15)")
	pf.Bool("persistent", false, "ask the server to keep the session across connections")
	pf.String("log-level", "", "log level: error, warn, info or debug")
	pf.String("log-file", "", "append log output to this file")
	pf.String("metrics-listen", "", "serve prometheus metrics at this address")

	for _, name := range globalFlags {
		bindFlag(pf, name)
	}
	viper.SetEnvPrefix(envPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	cmd.AddCommand(newPubCommand(), newSubCommand(), newHistoryCommand(), newServiceCommand())
	return cmd
}

func bindFlag(flags *pflag.FlagSet, name string) {
	flag := flags.Lookup(name)
	if flag == nil {
		panic("flag not found: " + name)
	}
	if err := viper.BindPFlag(name, flag); err != nil {
		panic(err)
	}
}

// loadConfig reads the config file, if any, and applies flag and environment overrides.
func loadConfig() (*config.Config, error) {
	conf := new(config.Config)

	cfgPath := strings.TrimSpace(viper.GetString("config"))
	if cfgPath == "" {
		if ePath, err := os.Executable(); err == nil {
			toTry := filepath.Join(filepath.Dir(ePath), "config.json")
			if fileExists(toTry) {
				cfgPath = toTry
			}
		}
	}
	if cfgPath != "" {
		if err := conf.LoadFromFile(cfgPath); err != nil {
			return nil, err
		}
		log.Infoln("Using config file:", cfgPath)
	}

	if viper.IsSet("server") {
		conf.Server.Address = viper.GetString("server")
	}
	if viper.IsSet("client-id") {
		conf.ClientID = viper.GetString("client-id")
	}
	if viper.IsSet("username") {
		conf.Username = viper.GetString("username")
	}
	if viper.IsSet("password") {
		conf.Password = viper.GetString("password")
	}
	if viper.IsSet("tls") {
		conf.TLS.Enabled = viper.GetBool("tls")
	}
	if viper.IsSet("tls-insecure") {
		conf.TLS.InsecureSkipVerify = viper.GetBool("tls-insecure")
	}
	if viper.IsSet("fingerprint") {
		conf.TLS.Fingerprints = viper.GetStringSlice("fingerprint")
	}
	if viper.IsSet("ws") {
		conf.WS.Enabled = viper.GetBool("ws")
	}
	if viper.IsSet("ws-path") {
		conf.WS.Path = viper.GetString("ws-path")
	}
	if viper.IsSet("keepalive") {
		conf.KeepAlive = viper.GetInt("keepalive")
	}
	if viper.IsSet("persistent") {
		conf.PersistentSession = viper.GetBool("persistent")
	}
	if viper.IsSet("log-level") {
		conf.Log.Level = viper.GetString("log-level")
	}
	if viper.IsSet("log-file") {
		conf.Log.File = viper.GetString("log-file")
	}

	if err := conf.Validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

func setupLogging(conf *config.Config) error {
	if conf.Log.File != "" {
		f, err := os.OpenFile(conf.Log.File, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return err
		}
		log.SetOutput(f)
	}
	if conf.Log.Level != "" {
		switch strings.ToLower(conf.Log.Level) {
		case "error":
			log.SetLevel(log.ErrorLevel)
		case "warn":
			log.SetLevel(log.WarnLevel)
		case "info":
			log.SetLevel(log.InfoLevel)
		case "debug":
			log.SetLevel(log.DebugLevel)
		default:
			return errors.New("unknown log level: " + conf.Log.Level)
		}
	}

	return nil
}

// startMetrics serves a fresh registry at addr until ctx is done.
// It returns nil if addr is empty.
func startMetrics(ctx context.Context, addr string) (prometheus.Registerer, error) {
	if addr == "" {
		return nil, nil
	}
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, errors.Wrap(err, "metrics listener")
	}

	reg := prometheus.NewRegistry()
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		srv.Close()
	}()
	go func() {
		if err := srv.Serve(l); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("Metrics server stopped")
		}
	}()
	log.Infoln("Serving metrics at", l.Addr().String()+"/metrics")
	return reg, nil
}

// newClient loads the config and creates a client from it.
func newClient(ctx context.Context) (*asyncmqtt.Client, *config.Config, error) {
	conf, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	if err = setupLogging(conf); err != nil {
		return nil, nil, err
	}

	t, err := asyncmqtt.NewTransport(conf)
	if err != nil {
		return nil, nil, err
	}

	var opts []asyncmqtt.Option
	reg, err := startMetrics(ctx, viper.GetString("metrics-listen"))
	if err != nil {
		return nil, nil, err
	}
	if reg != nil {
		opts = append(opts, asyncmqtt.WithRegisterer(reg))
	}

	c, err := asyncmqtt.New(conf, t, opts...)
	if err != nil {
		return nil, nil, err
	}
	return c, conf, nil
}

func fileExists(filename string) bool {
	info, err := os.Stat(filename)
	if os.IsNotExist(err) {
		return false
	}
	return err == nil && !info.IsDir()
}
