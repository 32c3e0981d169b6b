// Package config loads the HCL configuration of the syncstate binary.
//
// A configuration file looks like:
//
//	log_level   = "debug"
//	log_format  = "json"
//	listen_addr = ":8080"
//
//	channel "mqtt" {
//	  broker       = "tcp://localhost:1883"
//	  client_id    = "syncstate"
//	  topic_prefix = "app/"
//	  qos          = 1
//	}
//
//	state "InternalState" {
//	  value = { authenticated = false, name = "" }
//	}
package config

import (
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	ctyjson "github.com/zclconf/go-cty/cty/json"
)

// Channel kinds.
const (
	KindLocal          = "local"
	KindSocketIO       = "socketio"
	KindSocketIOClient = "socketio-client"
	KindMQTT           = "mqtt"
)

// Config is the decoded, validated configuration.
type Config struct {
	LogLevel   slog.Level
	LogFormat  string
	ListenAddr string
	Channel    Channel
	Seeds      []Seed
}

// Channel selects and configures the transport.
type Channel struct {
	Kind string

	// socketio
	Path string

	// socketio-client
	URL                string
	Namespace          string
	InsecureSkipVerify bool

	// mqtt
	Broker      string
	ClientID    string
	TopicPrefix string
	QoS         byte
}

// Seed is an initial value for a bound key, as JSON text.
type Seed struct {
	Name    string
	Payload string
}

type hclFile struct {
	LogLevel   *string     `hcl:"log_level,optional"`
	LogFormat  *string     `hcl:"log_format,optional"`
	ListenAddr *string     `hcl:"listen_addr,optional"`
	Channel    *hclChannel `hcl:"channel,block"`
	States     []*hclState `hcl:"state,block"`
}

type hclChannel struct {
	Kind               string  `hcl:"kind,label"`
	Path               *string `hcl:"path,optional"`
	URL                *string `hcl:"url,optional"`
	Namespace          *string `hcl:"namespace,optional"`
	InsecureSkipVerify *bool   `hcl:"insecure_skip_verify,optional"`
	Broker             *string `hcl:"broker,optional"`
	ClientID           *string `hcl:"client_id,optional"`
	TopicPrefix        *string `hcl:"topic_prefix,optional"`
	QoS                *int    `hcl:"qos,optional"`
}

type hclState struct {
	Name  string         `hcl:"name,label"`
	Value hcl.Expression `hcl:"value,attr"`
}

// Default returns the configuration used when no file is given: a
// socket.io server on :8080 logging at info level.
func Default() *Config {
	return &Config{
		LogLevel:   slog.LevelInfo,
		LogFormat:  "text",
		ListenAddr: ":8080",
		Channel: Channel{
			Kind: KindSocketIO,
			Path: "/socket.io/",
		},
	}
}

// Load parses the configuration file at path.
func Load(path string) (*Config, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCLFile(path)
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, diags)
	}
	return decode(file, path)
}

// Parse parses configuration source; filename is used in diagnostics.
func Parse(src []byte, filename string) (*Config, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCL(src, filename)
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to parse config file %s: %w", filename, diags)
	}
	return decode(file, filename)
}

func decode(file *hcl.File, filename string) (*Config, error) {
	var parsed hclFile
	if diags := gohcl.DecodeBody(file.Body, nil, &parsed); diags.HasErrors() {
		return nil, fmt.Errorf("failed to decode config file %s: %w", filename, diags)
	}

	cfg := Default()
	if parsed.LogLevel != nil {
		if err := cfg.LogLevel.UnmarshalText([]byte(*parsed.LogLevel)); err != nil {
			return nil, fmt.Errorf("%s: log_level: %w", filename, err)
		}
	}
	if parsed.LogFormat != nil {
		cfg.LogFormat = strings.ToLower(*parsed.LogFormat)
	}
	if parsed.ListenAddr != nil {
		cfg.ListenAddr = *parsed.ListenAddr
	}
	if parsed.Channel != nil {
		ch, err := decodeChannel(parsed.Channel)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", filename, err)
		}
		cfg.Channel = ch
	}

	seen := make(map[string]bool, len(parsed.States))
	for _, s := range parsed.States {
		if seen[s.Name] {
			return nil, fmt.Errorf("%s: duplicate state block %q", filename, s.Name)
		}
		seen[s.Name] = true

		val, diags := s.Value.Value(nil)
		if diags.HasErrors() {
			return nil, fmt.Errorf("%s: state %q: %w", filename, s.Name, diags)
		}
		payload, err := ctyjson.SimpleJSONValue{Value: val}.MarshalJSON()
		if err != nil {
			return nil, fmt.Errorf("%s: state %q: %w", filename, s.Name, err)
		}
		cfg.Seeds = append(cfg.Seeds, Seed{Name: s.Name, Payload: string(payload)})
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", filename, err)
	}
	return cfg, nil
}

func decodeChannel(b *hclChannel) (Channel, error) {
	ch := Channel{Kind: b.Kind}
	if b.Path != nil {
		ch.Path = *b.Path
	} else if b.Kind == KindSocketIO {
		ch.Path = "/socket.io/"
	}
	if b.URL != nil {
		ch.URL = *b.URL
	}
	if b.Namespace != nil {
		ch.Namespace = *b.Namespace
	}
	if b.InsecureSkipVerify != nil {
		ch.InsecureSkipVerify = *b.InsecureSkipVerify
	}
	if b.Broker != nil {
		ch.Broker = *b.Broker
	}
	if b.ClientID != nil {
		ch.ClientID = *b.ClientID
	}
	if b.TopicPrefix != nil {
		ch.TopicPrefix = *b.TopicPrefix
	}
	if b.QoS != nil {
		if *b.QoS < 0 || *b.QoS > 2 {
			return ch, fmt.Errorf("channel %q: qos must be 0, 1 or 2, got %d", b.Kind, *b.QoS)
		}
		ch.QoS = byte(*b.QoS)
	}
	return ch, nil
}

// Validate checks that the selected channel has what it needs.
func (c *Config) Validate() error {
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("log_format must be \"text\" or \"json\", got %q", c.LogFormat)
	}

	switch c.Channel.Kind {
	case KindLocal, KindSocketIO:
	case KindSocketIOClient:
		if c.Channel.URL == "" {
			return fmt.Errorf("channel %q requires url", c.Channel.Kind)
		}
	case KindMQTT:
		if c.Channel.Broker == "" {
			return fmt.Errorf("channel %q requires broker", c.Channel.Kind)
		}
	default:
		return fmt.Errorf("unknown channel kind %q", c.Channel.Kind)
	}
	return nil
}

// NewLogger builds the process logger described by c.
func (c *Config) NewLogger(w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: c.LogLevel}
	if c.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
