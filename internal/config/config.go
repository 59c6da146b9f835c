package config

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/RoanBrand/asyncmqtt/internal/transport"
	"github.com/pkg/errors"
	"github.com/rs/xid"
	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

type Config struct {
	// Server Address specifies the MQTT server to connect to, in the form "host:port".
	// If the port is missing, 1883 is used, 8883 for TLS, 80 for WebSocket and 443 for secure WebSocket.
	// If empty, "localhost" is used.
	Server struct {
		Address string `json:"address" yaml:"address"`
	} `json:"server" yaml:"server"`

	// TLS optionally secures the connection.
	TLS struct {
		Enabled            bool   `json:"enabled" yaml:"enabled"`
		ServerName         string `json:"server_name" yaml:"server_name"`
		CAFile             string `json:"ca_file" yaml:"ca_file"`
		InsecureSkipVerify bool   `json:"insecure_skip_verify" yaml:"insecure_skip_verify"`

		// SHA-1 fingerprints of server certificates to accept, in hex.
		// If any are set, a server presenting a different certificate is disconnected
		// before any MQTT traffic is sent.
		Fingerprints []string `json:"fingerprints" yaml:"fingerprints"`
	} `json:"tls" yaml:"tls"`

	// WS optionally runs MQTT over WebSocket, at Path on the server.
	WS struct {
		Enabled bool   `json:"enabled" yaml:"enabled"`
		Path    string `json:"path" yaml:"path"`
	} `json:"ws" yaml:"ws"`

	// ClientID identifies the client to the server. Generated if empty.
	ClientID string `json:"client_id" yaml:"client_id"`

	// PersistentSession asks the server to keep the session (Clean Session = 0).
	// Unfinished QoS 1 & 2 exchanges are then also kept by the client across reconnects.
	PersistentSession bool `json:"persistent_session" yaml:"persistent_session"`

	// Keep Alive in s. Default 15s. Set to -1 to disable keep alive.
	KeepAlive int `json:"keep_alive" yaml:"keep_alive"`

	Username string `json:"username" yaml:"username"`
	Password string `json:"password" yaml:"password"`

	Will *Will `json:"will" yaml:"will"`

	// MaxTopicLength is the longest topic accepted on inbound messages. Default 128.
	MaxTopicLength int `json:"max_topic_length" yaml:"max_topic_length"`

	// MaxQueueBytes bounds the outbound queue. Publish fails when it would be exceeded.
	// Default 1MiB.
	MaxQueueBytes int `json:"max_queue_bytes" yaml:"max_queue_bytes"`

	// PollInterval in ms at which keep alive is checked. Default 500ms.
	PollInterval int `json:"poll_interval" yaml:"poll_interval"`

	// Log configures optional log output file as well as the log level setting.
	Log struct {
		File  string `json:"file" yaml:"file"`
		Level string `json:"level" yaml:"level"`
	} `json:"log" yaml:"log"`
}

type Will struct {
	Topic   string `json:"topic" yaml:"topic"`
	Payload string `json:"payload" yaml:"payload"`
	QoS     uint8  `json:"qos" yaml:"qos"`
	Retain  bool   `json:"retain" yaml:"retain"`
}

const (
	defaultKeepAlive      = 15
	defaultMaxTopicLength = 128
	defaultMaxQueueBytes  = 1 << 20
	defaultPollInterval   = 500
)

// New returns a config with defaults applied, loaded from fPath if it is not empty.
func New(fPath string) (*Config, error) {
	c := new(Config)
	if fPath == "" {
		return c, c.validate()
	}
	if err := c.LoadFromFile(fPath); err != nil {
		return nil, err
	}
	return c, nil
}

// LoadFromFile reads a JSON or, for .yaml and .yml files, YAML config.
func (c *Config) LoadFromFile(fPath string) error {
	f, err := os.Open(fPath)
	if err != nil {
		return errors.Wrap(err, "error opening config file")
	}
	defer f.Close()

	switch strings.ToLower(filepath.Ext(fPath)) {
	case ".yaml", ".yml":
		err = yaml.NewDecoder(f).Decode(c)
	default:
		err = json.NewDecoder(f).Decode(c)
	}
	if err != nil {
		return errors.Wrap(err, "error reading config file")
	}

	return c.validate()
}

// Validate applies defaults and checks the config.
func (c *Config) Validate() error {
	return c.validate()
}

func (c *Config) validate() error {
	if c.Server.Address == "" {
		c.Server.Address = "localhost"
	}
	if _, _, err := net.SplitHostPort(c.Server.Address); err != nil { // if just ip/host specified
		port := "1883"
		switch {
		case c.WS.Enabled && c.TLS.Enabled:
			port = "443"
		case c.WS.Enabled:
			port = "80"
		case c.TLS.Enabled:
			port = "8883"
		}
		c.Server.Address = net.JoinHostPort(strings.Trim(c.Server.Address, "[]"), port)
	}

	if c.WS.Path == "" {
		c.WS.Path = "/mqtt"
	}

	for _, fp := range c.TLS.Fingerprints {
		if _, err := transport.ParseFingerprint(fp); err != nil {
			return err
		}
	}
	if len(c.TLS.Fingerprints) > 0 && !c.TLS.Enabled {
		return errors.New("TLS fingerprints set without TLS enabled")
	}

	if c.ClientID == "" {
		c.ClientID = xid.New().String()
	}
	if len(c.ClientID) > 65535 {
		return errors.New("client id too long")
	}

	switch {
	case c.KeepAlive == 0:
		c.KeepAlive = defaultKeepAlive
	case c.KeepAlive < -1 || c.KeepAlive > 65535:
		return errors.Errorf("invalid keep alive %d", c.KeepAlive)
	}

	if c.Password != "" && c.Username == "" { // [MQTT-3.1.2-22]
		return errors.New("password set without username")
	}

	if c.Will != nil {
		if c.Will.Topic == "" {
			return errors.New("will without topic")
		}
		if c.Will.QoS > 2 {
			return errors.Errorf("invalid will QoS %d", c.Will.QoS)
		}
	}

	if c.MaxTopicLength <= 0 {
		c.MaxTopicLength = defaultMaxTopicLength
	}
	if c.MaxQueueBytes <= 0 {
		c.MaxQueueBytes = defaultMaxQueueBytes
	}
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}

	if c.Log.Level != "" {
		if _, err := log.ParseLevel(c.Log.Level); err != nil {
			return errors.Wrap(err, "invalid log level")
		}
	}

	return nil
}

// CleanSession is the Clean Session flag sent in CONNECT.
func (c *Config) CleanSession() bool {
	return !c.PersistentSession
}

// KeepAliveSeconds is the Keep Alive sent in CONNECT. 0 means disabled.
func (c *Config) KeepAliveSeconds() uint16 {
	if c.KeepAlive < 0 {
		return 0
	}
	return uint16(c.KeepAlive)
}

func (c *Config) PollEvery() time.Duration {
	return time.Duration(c.PollInterval) * time.Millisecond
}

// Fingerprints returns the parsed allowed server certificate fingerprints.
func (c *Config) Fingerprints() []transport.Fingerprint {
	fps := make([]transport.Fingerprint, 0, len(c.TLS.Fingerprints))
	for _, s := range c.TLS.Fingerprints {
		if fp, err := transport.ParseFingerprint(s); err == nil {
			fps = append(fps, fp)
		}
	}
	return fps
}

// TLSConfig builds the client TLS config, or returns nil if TLS is not enabled.
func (c *Config) TLSConfig() (*tls.Config, error) {
	if !c.TLS.Enabled {
		return nil, nil
	}

	conf := &tls.Config{
		ServerName:         c.TLS.ServerName,
		InsecureSkipVerify: c.TLS.InsecureSkipVerify,
	}
	if conf.ServerName == "" {
		if host, _, err := net.SplitHostPort(c.Server.Address); err == nil {
			conf.ServerName = host
		}
	}
	// Pinned fingerprints replace chain verification.
	if len(c.TLS.Fingerprints) > 0 {
		conf.InsecureSkipVerify = true
	}

	if c.TLS.CAFile != "" {
		pem, err := os.ReadFile(c.TLS.CAFile)
		if err != nil {
			return nil, errors.Wrap(err, "error reading CA file")
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, errors.Errorf("no certificates found in %s", c.TLS.CAFile)
		}
		conf.RootCAs = pool
	}

	return conf, nil
}
