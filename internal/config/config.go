// Package config defines the tunnel client's configuration and the two
// ways to populate it: command-line flags (the teacher's own approach in
// cmd/agent/main.go) and an optional ini file layer, grounded on
// lekliu-liuproxy_go's use of gopkg.in/ini.v1 for config loading. Flags
// always take precedence over file values, so a file can supply defaults
// an operator overrides at the command line.
package config

import (
	"encoding/base64"
	"flag"
	"fmt"
	"strings"
	"time"

	"gopkg.in/ini.v1"

	"github.com/proxyhand/tunnel-client/internal/logging"
)

// Variant selects which tunnel transport implementation a Config drives.
type Variant string

const (
	// VariantSSH is the golang.org/x/crypto/ssh-backed transport.
	VariantSSH Variant = "ssh"
	// VariantMux is the hand-rolled TLS + framed-multiplex transport.
	VariantMux Variant = "mux"
)

// Defaults mirror spec §8 scenario 8.
const (
	DefaultServerPort       = 22
	DefaultForwardPort      = 1080
	DefaultConnectTimeoutMs = 10000
	DefaultKeepaliveMs      = 30000
)

// DefaultLogLevel is the log level a fresh Config starts with.
var DefaultLogLevel = logging.Info

// Config carries everything the session manager needs to dial, authenticate,
// and request a remote listener.
type Config struct {
	Variant Variant

	ServerHost string
	ServerPort int

	Username string
	Password string

	// ForwardPort is the port the remote server is asked to bind on its
	// own loopback interface.
	ForwardPort int

	ConnectTimeout    time.Duration
	KeepaliveInterval time.Duration

	LogLevel logging.Level

	// InsecureSkipVerify disables certificate validation for VariantMux;
	// VariantSSH never verifies the host key (documented non-goal), so
	// this field has no effect there.
	InsecureSkipVerify bool

	// InitialWindow is the variant-B per-channel flow-control window, in
	// bytes. Zero selects the 256 KiB default from spec §3.
	InitialWindow uint32

	// SealPrivateKey and SealPeerPublicKey, when both non-empty, enable the
	// optional variant-B double-encryption layer. Leave both empty to skip
	// sealing.
	SealPrivateKey    []byte
	SealPeerPublicKey []byte

	// DnsUpstream, when non-empty, names a nameserver (e.g. "1.1.1.1:53")
	// that CONNECT-to-domain resolution queries directly instead of going
	// through the system resolver. Leave empty to use the system resolver.
	DnsUpstream string
}

// Default returns a Config populated with spec §8's documented defaults.
func Default() Config {
	return Config{
		Variant:           VariantSSH,
		ServerPort:        DefaultServerPort,
		ForwardPort:       DefaultForwardPort,
		ConnectTimeout:    DefaultConnectTimeoutMs * time.Millisecond,
		KeepaliveInterval: DefaultKeepaliveMs * time.Millisecond,
		LogLevel:          DefaultLogLevel,
	}
}

// Validate checks the fields a session manager cannot proceed without.
func (c Config) Validate() error {
	if c.ServerHost == "" {
		return fmt.Errorf("server host is required")
	}
	if c.Username == "" {
		return fmt.Errorf("username is required")
	}
	if c.Variant != VariantSSH && c.Variant != VariantMux {
		return fmt.Errorf("unknown transport variant %q", c.Variant)
	}
	return nil
}

// FlagValues stages the raw flag inputs that need conversion (durations,
// log level) before they can populate a Config.
type FlagValues struct {
	Config         *Config
	variant        string
	connectMs      int
	keepaliveMs    int
	logLevelName   string
	sealPrivKeyB64 string
	sealPeerKeyB64 string
}

// RegisterFlags registers cfg's fields onto fs, using cfg's current values
// as each flag's default. Callers that want FromIniFile's values to act as
// defaults an operator can still override at the command line must call
// FromIniFile before RegisterFlags; calling it after would let a stale
// flag.Parse-time default clobber the file's value. Call Apply after
// fs.Parse to convert the staged values into cfg.
func RegisterFlags(fs *flag.FlagSet, cfg *Config) *FlagValues {
	fv := &FlagValues{Config: cfg}

	variant := string(cfg.Variant)
	if variant == "" {
		variant = string(VariantSSH)
	}
	connectMs := int(cfg.ConnectTimeout / time.Millisecond)
	keepaliveMs := int(cfg.KeepaliveInterval / time.Millisecond)
	logLevelName := strings.ToLower(cfg.LogLevel.String())

	fs.StringVar(&fv.variant, "variant", variant, "transport variant: ssh or mux")
	fs.StringVar(&cfg.ServerHost, "host", cfg.ServerHost, "tunnel server hostname")
	fs.IntVar(&cfg.ServerPort, "port", cfg.ServerPort, "tunnel server port")
	fs.StringVar(&cfg.Username, "user", cfg.Username, "authentication username")
	fs.StringVar(&cfg.Password, "pass", cfg.Password, "authentication password")
	fs.IntVar(&cfg.ForwardPort, "forward-port", cfg.ForwardPort, "port to request on the server's loopback")
	fs.IntVar(&fv.connectMs, "connect-timeout-ms", connectMs, "connect timeout in milliseconds")
	fs.IntVar(&fv.keepaliveMs, "keepalive-interval-ms", keepaliveMs, "keepalive interval in milliseconds")
	fs.BoolVar(&cfg.InsecureSkipVerify, "insecure-skip-verify", cfg.InsecureSkipVerify, "skip certificate validation (variant mux only)")
	fs.StringVar(&fv.logLevelName, "log-level", logLevelName, "log level: debug, info, warn, error")

	fv.sealPrivKeyB64 = base64.StdEncoding.EncodeToString(cfg.SealPrivateKey)
	fv.sealPeerKeyB64 = base64.StdEncoding.EncodeToString(cfg.SealPeerPublicKey)
	fs.StringVar(&fv.sealPrivKeyB64, "seal-private-key", fv.sealPrivKeyB64, "base64 X25519 private key enabling double encryption (variant mux only)")
	fs.StringVar(&fv.sealPeerKeyB64, "seal-peer-public-key", fv.sealPeerKeyB64, "base64 X25519 peer public key enabling double encryption (variant mux only)")

	fs.StringVar(&cfg.DnsUpstream, "dns-upstream", cfg.DnsUpstream, "upstream nameserver (host:port) for CONNECT domain resolution; empty uses the system resolver")

	return fv
}

// Apply converts the staged flag values into typed Config fields. Call
// after fs.Parse.
func (fv *FlagValues) Apply() error {
	fv.Config.Variant = Variant(fv.variant)
	fv.Config.ConnectTimeout = time.Duration(fv.connectMs) * time.Millisecond
	fv.Config.KeepaliveInterval = time.Duration(fv.keepaliveMs) * time.Millisecond

	lvl, err := ParseLevel(fv.logLevelName)
	if err != nil {
		return err
	}
	fv.Config.LogLevel = lvl

	if fv.sealPrivKeyB64 != "" {
		key, err := base64.StdEncoding.DecodeString(fv.sealPrivKeyB64)
		if err != nil {
			return fmt.Errorf("decoding seal-private-key: %w", err)
		}
		fv.Config.SealPrivateKey = key
	}
	if fv.sealPeerKeyB64 != "" {
		key, err := base64.StdEncoding.DecodeString(fv.sealPeerKeyB64)
		if err != nil {
			return fmt.Errorf("decoding seal-peer-public-key: %w", err)
		}
		fv.Config.SealPeerPublicKey = key
	}
	return nil
}

// ParseLevel parses a log-level flag/ini value.
func ParseLevel(s string) (logging.Level, error) {
	switch s {
	case "debug":
		return logging.Debug, nil
	case "info":
		return logging.Info, nil
	case "warn":
		return logging.Warn, nil
	case "error":
		return logging.Error, nil
	default:
		return logging.Info, fmt.Errorf("unknown log level %q", s)
	}
}

// FromIniFile loads defaults from an ini file's [tunnel] section into c.
// Fields present in the file are applied before flags are parsed, so flags
// always win over file-supplied defaults.
func FromIniFile(path string, c *Config) error {
	f, err := ini.Load(path)
	if err != nil {
		return fmt.Errorf("loading config file: %w", err)
	}
	sec := f.Section("tunnel")

	if v := sec.Key("variant").String(); v != "" {
		c.Variant = Variant(v)
	}
	if v := sec.Key("host").String(); v != "" {
		c.ServerHost = v
	}
	if v, err := sec.Key("port").Int(); err == nil && v != 0 {
		c.ServerPort = v
	}
	if v := sec.Key("user").String(); v != "" {
		c.Username = v
	}
	if v := sec.Key("pass").String(); v != "" {
		c.Password = v
	}
	if v, err := sec.Key("forward_port").Int(); err == nil && v != 0 {
		c.ForwardPort = v
	}
	if v, err := sec.Key("connect_timeout_ms").Int(); err == nil && v != 0 {
		c.ConnectTimeout = time.Duration(v) * time.Millisecond
	}
	if v, err := sec.Key("keepalive_interval_ms").Int(); err == nil && v != 0 {
		c.KeepaliveInterval = time.Duration(v) * time.Millisecond
	}
	if v := sec.Key("log_level").String(); v != "" {
		lvl, err := ParseLevel(v)
		if err != nil {
			return err
		}
		c.LogLevel = lvl
	}
	if v := sec.Key("seal_private_key").String(); v != "" {
		key, err := base64.StdEncoding.DecodeString(v)
		if err != nil {
			return fmt.Errorf("decoding seal_private_key: %w", err)
		}
		c.SealPrivateKey = key
	}
	if v := sec.Key("seal_peer_public_key").String(); v != "" {
		key, err := base64.StdEncoding.DecodeString(v)
		if err != nil {
			return fmt.Errorf("decoding seal_peer_public_key: %w", err)
		}
		c.SealPeerPublicKey = key
	}
	if v := sec.Key("dns_upstream").String(); v != "" {
		c.DnsUpstream = v
	}
	return nil
}
