// Package config defines the TOML configuration schema shared by
// cmd/xr-client and cmd/xr-server, and the loaders that read it.
package config

import (
	"encoding/base64"
	"fmt"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/rs/zerolog/log"
)

// ClientConfig is the top-level schema for a client TOML file.
type ClientConfig struct {
	Server      ServerAddress      `toml:"server"`
	Obfuscation ObfuscationConfig  `toml:"obfuscation"`
	Routing     RoutingConfig      `toml:"routing"`
	Client      ClientSettings     `toml:"client"`
	GeoIP       *GeoIPConfig       `toml:"geoip"`
}

// ServerAddress names the xr-server a client connects to.
type ServerAddress struct {
	Address string `toml:"address"`
	Port    uint16 `toml:"port"`
}

// ObfuscationConfig configures the shared-secret obfuscation transform.
// Both sides of a tunnel must carry identical values.
type ObfuscationConfig struct {
	Key        string `toml:"key"`
	Modifier   string `toml:"modifier"`
	Salt       uint64 `toml:"salt"`
	PaddingMin uint8  `toml:"padding_min"`
	PaddingMax uint8  `toml:"padding_max"`
}

// RoutingConfig is the client's ordered rule list plus fallback action.
type RoutingConfig struct {
	DefaultAction string        `toml:"default_action"`
	Rules         []RoutingRule `toml:"rules"`
}

// RoutingRule is a single first-match routing rule: any combination of
// domain, CIDR, and GeoIP matchers, all ORed together.
type RoutingRule struct {
	Action   string   `toml:"action"`
	Domains  []string `toml:"domains"`
	IPRanges []string `toml:"ip_ranges"`
	GeoIP    []string `toml:"geoip"`
}

// ClientSettings holds the client daemon's own behavior knobs.
type ClientSettings struct {
	ListenPort   uint16 `toml:"listen_port"`
	AutoRedirect bool   `toml:"auto_redirect"`
	OnServerDown string `toml:"on_server_down"`
	LogLevel     string `toml:"log_level"`
}

// GeoIPConfig points at a MaxMind-format database file.
type GeoIPConfig struct {
	Database string `toml:"database"`
}

// ServerConfig is the top-level schema for a server TOML file.
type ServerConfig struct {
	Server      ServerListenConfig `toml:"server"`
	Obfuscation ObfuscationConfig  `toml:"obfuscation"`
	Limits      LimitsConfig       `toml:"limits"`
	Fallback    FallbackConfig     `toml:"fallback"`
	Logging     LoggingConfig      `toml:"logging"`
}

// ServerListenConfig is the address/port xr-server binds its listener to.
type ServerListenConfig struct {
	Listen string `toml:"listen"`
	Port   uint16 `toml:"port"`
}

// LimitsConfig bounds admission and per-connection lifetime.
type LimitsConfig struct {
	MaxConnections      uint32 `toml:"max_connections"`
	ConnectionTimeoutSec uint64 `toml:"connection_timeout_sec"`
}

// FallbackConfig controls the masquerade response served to connections
// that fail the protocol handshake.
type FallbackConfig struct {
	Enabled      bool   `toml:"enabled"`
	ResponseFile string `toml:"response_file"`
}

// LoggingConfig configures the server's structured logger.
type LoggingConfig struct {
	Level string `toml:"level"`
	File  string `toml:"file"`
}

// Defaults, applied by applyClientDefaults/applyServerDefaults after TOML
// decode — BurntSushi/toml leaves fields at their zero value when absent,
// so defaulting happens as a pass over the decoded struct rather than via
// field tags.
const (
	DefaultModifier            = "positional_xor_rotate"
	DefaultSalt           uint64 = 0xDEADBEEF
	DefaultPaddingMin     uint8  = 16
	DefaultPaddingMax     uint8  = 128
	DefaultRoutingAction         = "direct"
	DefaultListenPort     uint16 = 1080
	DefaultOnServerDown          = "direct"
	DefaultLogLevel              = "warn"
	DefaultServerListen          = "0.0.0.0"
	DefaultMaxConnections uint32 = 256
	DefaultTimeoutSec     uint64 = 300
)

func applyClientDefaults(c *ClientConfig) {
	if c.Obfuscation.Modifier == "" {
		c.Obfuscation.Modifier = DefaultModifier
	}
	if c.Obfuscation.Salt == 0 {
		c.Obfuscation.Salt = DefaultSalt
	}
	if c.Obfuscation.PaddingMin == 0 && c.Obfuscation.PaddingMax == 0 {
		c.Obfuscation.PaddingMin = DefaultPaddingMin
		c.Obfuscation.PaddingMax = DefaultPaddingMax
	}
	if c.Routing.DefaultAction == "" {
		c.Routing.DefaultAction = DefaultRoutingAction
	}
	if c.Client.ListenPort == 0 {
		c.Client.ListenPort = DefaultListenPort
	}
	if c.Client.OnServerDown == "" {
		c.Client.OnServerDown = DefaultOnServerDown
	}
	if c.Client.LogLevel == "" {
		c.Client.LogLevel = DefaultLogLevel
	}
}

func applyServerDefaults(c *ServerConfig) {
	if c.Obfuscation.Modifier == "" {
		c.Obfuscation.Modifier = DefaultModifier
	}
	if c.Obfuscation.Salt == 0 {
		c.Obfuscation.Salt = DefaultSalt
	}
	if c.Obfuscation.PaddingMin == 0 && c.Obfuscation.PaddingMax == 0 {
		c.Obfuscation.PaddingMin = DefaultPaddingMin
		c.Obfuscation.PaddingMax = DefaultPaddingMax
	}
	if c.Server.Listen == "" {
		c.Server.Listen = DefaultServerListen
	}
	if c.Limits.MaxConnections == 0 {
		c.Limits.MaxConnections = DefaultMaxConnections
	}
	if c.Limits.ConnectionTimeoutSec == 0 {
		c.Limits.ConnectionTimeoutSec = DefaultTimeoutSec
	}
	if c.Logging.Level == "" {
		c.Logging.Level = DefaultLogLevel
	}
}

// LoadClientConfig reads and parses a client TOML file, filling in defaults
// for every field the file omits.
func LoadClientConfig(path string) (*ClientConfig, error) {
	var cfg ClientConfig
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, fmt.Errorf("config: loading client config %s: %w", path, err)
	}
	applyClientDefaults(&cfg)
	return &cfg, nil
}

// LoadServerConfig reads and parses a server TOML file, filling in defaults
// for every field the file omits.
func LoadServerConfig(path string) (*ServerConfig, error) {
	var cfg ServerConfig
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, fmt.Errorf("config: loading server config %s: %w", path, err)
	}
	applyServerDefaults(&cfg)
	return &cfg, nil
}

// DecodeKey decodes a base64-encoded obfuscation key from config into raw
// bytes. An empty or malformed key is a configuration error.
func DecodeKey(keyStr string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(keyStr))
	if err != nil {
		return nil, fmt.Errorf("config: decoding obfuscation key: %w", err)
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("config: obfuscation key must not be empty")
	}
	return raw, nil
}

// LoadFallbackResponse builds the canned masquerade response served to
// connections that fail the protocol handshake. The HTML body comes from
// fallback.response_file when set (falling back to the default body with a
// warning if the file can't be read), or from the default body otherwise;
// either way the body is wrapped in a freshly computed status line and
// headers, never returned as the raw wire response on its own.
func LoadFallbackResponse(cfg FallbackConfig) ([]byte, error) {
	body := defaultFallbackBody
	if cfg.ResponseFile != "" {
		b, err := os.ReadFile(cfg.ResponseFile)
		if err != nil {
			log.Warn().Err(err).Str("file", cfg.ResponseFile).Msg("config: failed to read fallback response file, using default")
		} else {
			body = b
		}
	}
	return buildFallbackResponse(body), nil
}

func buildFallbackResponse(body []byte) []byte {
	header := fmt.Sprintf(
		"HTTP/1.1 200 OK\r\n"+
			"Content-Type: text/html; charset=utf-8\r\n"+
			"Content-Length: %d\r\n"+
			"Connection: close\r\n"+
			"Server: nginx\r\n"+
			"\r\n",
		len(body),
	)
	return append([]byte(header), body...)
}

var defaultFallbackBody = []byte(
	"<!DOCTYPE html>\n" +
		"<html><head><title>Welcome</title></head>\n" +
		"<body><h1>It works!</h1><p>The server is running.</p></body></html>",
)
