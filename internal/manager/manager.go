// Package manager implements the session manager (C6): establishing the
// tunnel session for one of the two transport variants, running its accept
// loop, and spawning one SOCKS5 session per accepted channel. Grounded on
// the teacher's ProxyServer.Start/Stop in pkg/proxy/server/server.go and
// Agent.Start/Stop in cmd/agent/main.go, collapsed into a single type since
// this system has one combined client role rather than the teacher's split
// proxy/agent processes.
package manager

import (
	"context"
	"sync/atomic"

	"github.com/proxyhand/tunnel-client/internal/channel"
	"github.com/proxyhand/tunnel-client/internal/config"
	"github.com/proxyhand/tunnel-client/internal/logging"
	"github.com/proxyhand/tunnel-client/internal/netio"
	"github.com/proxyhand/tunnel-client/internal/session"
	"github.com/proxyhand/tunnel-client/internal/transport"
)

// Handle is the external handle to one running tunnel client, returned by
// Start; cmd/tunnel-client starts it and calls Cancel on SIGINT/SIGTERM.
type Handle struct {
	sess   transport.Session
	logger *logging.Logger

	disconnected atomic.Bool
}

// Start dials and authenticates the configured transport variant, then
// launches its accept loop on a background goroutine. Each accepted channel
// gets its own Session on its own goroutine, matching spec's "one SOCKS5
// session per channel, no shared state between them" model.
func Start(cfg config.Config) (*Handle, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := logging.New()
	logger.SetLevel(cfg.LogLevel)

	dialCfg := transport.DialConfig{
		Host:               cfg.ServerHost,
		Port:               cfg.ServerPort,
		Username:           cfg.Username,
		Password:           cfg.Password,
		ForwardPort:        cfg.ForwardPort,
		ConnectTimeout:     cfg.ConnectTimeout,
		KeepaliveInterval:  cfg.KeepaliveInterval,
		Logger:             logger,
		InsecureSkipVerify: cfg.InsecureSkipVerify,
		InitialWindow:      cfg.InitialWindow,
		SealPrivateKey:     cfg.SealPrivateKey,
		SealPeerPublicKey:  cfg.SealPeerPublicKey,
	}

	var dial transport.Dialer
	switch cfg.Variant {
	case config.VariantMux:
		dial = transport.DialMux
	default:
		dial = transport.DialSSH
	}

	sess, err := dial(context.Background(), dialCfg)
	if err != nil {
		return nil, err
	}

	h := &Handle{sess: sess, logger: logger}

	sessionCfg := session.Config{
		ConnectTimeout: cfg.ConnectTimeout,
		Logger:         logger,
	}
	if cfg.DnsUpstream != "" {
		sessionCfg.Resolver = netio.CustomResolver{Upstream: cfg.DnsUpstream, Timeout: cfg.ConnectTimeout}
	}

	go sess.Run(
		func(ch channel.Channel) {
			go session.New(ch, sessionCfg).Run()
		},
		func(err error) {
			h.disconnected.Store(true)
			if err != nil {
				logger.Errorf("tunnel session ended: %v", err)
			} else {
				logger.Infof("tunnel session ended")
			}
		},
	)

	return h, nil
}

// Cancel tears down the tunnel session and, transitively, every channel
// still open on it.
func (h *Handle) Cancel() {
	h.sess.Cancel()
}

// IsConnected reports whether the tunnel session is still established.
func (h *Handle) IsConnected() bool {
	return !h.disconnected.Load() && h.sess.IsConnected()
}

// Logger returns the handle's log sink, used by GetLog().
func (h *Handle) Logger() *logging.Logger {
	return h.logger
}
