// Package config loads the YAML configuration for both bridge processes.
package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/risa-org/mcbridge/logging"
)

// Transport names accepted by client.transport.
const (
	TransportWebSocket = "websocket"
	TransportTCP       = "tcp"
)

// Config is the whole file; each process reads its own section.
type Config struct {
	Log    logging.Config `yaml:"log"`
	Server Server         `yaml:"server"`
	Client Client         `yaml:"client"`
}

// Server is the far side: accepts transports, owns backend connections.
type Server struct {
	Listen           string        `yaml:"listen"`     // HTTP/websocket listen address
	Path             string        `yaml:"path"`       // websocket endpoint path
	TCPListen        string        `yaml:"tcp_listen"` // framed TCP transport, disabled when empty
	Backend          string        `yaml:"backend"`    // host:port of the tunneled service
	DialTimeout      time.Duration `yaml:"dial_timeout"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	DetachTimeout    time.Duration `yaml:"detach_timeout"`
	IdleTimeout      time.Duration `yaml:"idle_timeout"`
	BufferBytes      int           `yaml:"buffer_bytes"`
	ReadLimit        int64         `yaml:"read_limit"`
	WriteTimeout     time.Duration `yaml:"write_timeout"`

	NewSessionsPerSecond float64 `yaml:"new_sessions_per_second"`
	NewSessionBurst      int     `yaml:"new_session_burst"`

	// Secret signs resumption credentials. Random per process when empty.
	Secret string `yaml:"secret"`
}

// Client is the near side: accepts the game client, dials the bridge.
type Client struct {
	Listen       string        `yaml:"listen"`
	Bridge       string        `yaml:"bridge"`    // ws:// URL, or host:port for tcp
	Transport    string        `yaml:"transport"` // websocket or tcp
	BufferBytes  int           `yaml:"buffer_bytes"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"` // a stalled bridge link is dropped after this
	Reconnect    Reconnect     `yaml:"reconnect"`
}

// Reconnect is the client's backoff schedule.
type Reconnect struct {
	BaseDelay   time.Duration `yaml:"base_delay"`
	Multiplier  float64       `yaml:"multiplier"`
	MaxAttempts int           `yaml:"max_attempts"`
	MaxDelay    time.Duration `yaml:"max_delay"` // 0 = uncapped
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Log: logging.Config{Level: "info", Format: "text"},
		Server: Server{
			Listen:               ":8080",
			Path:                 "/",
			Backend:              "localhost:25565",
			DialTimeout:          10 * time.Second,
			HandshakeTimeout:     2 * time.Second,
			DetachTimeout:        5 * time.Minute,
			IdleTimeout:          15 * time.Minute,
			BufferBytes:          1 << 20,
			ReadLimit:            1 << 20,
			WriteTimeout:         10 * time.Second,
			NewSessionsPerSecond: 20,
			NewSessionBurst:      40,
		},
		Client: Client{
			Listen:      ":9999",
			Bridge:      "ws://localhost:8080/",
			Transport:   TransportWebSocket,
			BufferBytes: 1 << 20,
			DialTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
			Reconnect: Reconnect{
				BaseDelay:   2 * time.Second,
				Multiplier:  1.5,
				MaxAttempts: 10,
			},
		},
	}
}

// Load reads path over the defaults. An empty path returns the defaults.
// Keys missing from the file keep their default values.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks both sections. Each process only uses one, but a shared
// file should be valid as a whole.
func (c Config) Validate() error {
	return errors.Join(c.Server.Validate(), c.Client.Validate())
}

// Validate reports every problem in the server section at once.
func (s Server) Validate() error {
	var errs []error
	if s.Listen == "" && s.TCPListen == "" {
		errs = append(errs, errors.New("server: listen or tcp_listen is required"))
	}
	if s.Backend == "" {
		errs = append(errs, errors.New("server: backend is required"))
	}
	for name, d := range map[string]time.Duration{
		"dial_timeout":      s.DialTimeout,
		"handshake_timeout": s.HandshakeTimeout,
		"detach_timeout":    s.DetachTimeout,
		"idle_timeout":      s.IdleTimeout,
		"write_timeout":     s.WriteTimeout,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("server: %s must be positive", name))
		}
	}
	if s.BufferBytes <= 0 {
		errs = append(errs, errors.New("server: buffer_bytes must be positive"))
	}
	if s.NewSessionsPerSecond <= 0 || s.NewSessionBurst <= 0 {
		errs = append(errs, errors.New("server: new_sessions_per_second and new_session_burst must be positive"))
	}
	return errors.Join(errs...)
}

// Validate reports every problem in the client section at once.
func (c Client) Validate() error {
	var errs []error
	if c.Listen == "" {
		errs = append(errs, errors.New("client: listen is required"))
	}
	switch c.Transport {
	case TransportWebSocket:
		u, err := url.Parse(c.Bridge)
		if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
			errs = append(errs, fmt.Errorf("client: bridge %q is not a ws:// or wss:// URL", c.Bridge))
		}
	case TransportTCP:
		if _, _, err := net.SplitHostPort(c.Bridge); err != nil || strings.Contains(c.Bridge, "://") {
			errs = append(errs, fmt.Errorf("client: bridge %q is not a host:port for the tcp transport", c.Bridge))
		}
	default:
		errs = append(errs, fmt.Errorf("client: unknown transport %q", c.Transport))
	}
	if c.BufferBytes <= 0 {
		errs = append(errs, errors.New("client: buffer_bytes must be positive"))
	}
	if c.DialTimeout <= 0 {
		errs = append(errs, errors.New("client: dial_timeout must be positive"))
	}
	if c.WriteTimeout <= 0 {
		errs = append(errs, errors.New("client: write_timeout must be positive"))
	}
	r := c.Reconnect
	if r.BaseDelay <= 0 || r.Multiplier < 1 || r.MaxAttempts < 1 || r.MaxDelay < 0 {
		errs = append(errs, errors.New("client: reconnect needs base_delay > 0, multiplier >= 1, max_attempts >= 1"))
	}
	return errors.Join(errs...)
}
