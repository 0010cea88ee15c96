// Package main implements the tunnel client CLI entrypoint: flag/ini config
// loading, signal handling, and the manager lifecycle. Grounded on the
// teacher's cmd/agent/main.go (flag parsing, SIGINT/SIGTERM handling, exit
// codes) and cmd/proxy/main.go (structured startup logging).
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/proxyhand/tunnel-client/internal/config"
	"github.com/proxyhand/tunnel-client/internal/manager"
)

// Exit codes, in the spirit of the teacher's own small integer exit-code
// table in cmd/agent/main.go.
const (
	exitSuccess     = 0
	exitConfigError = 1
	exitDialError   = 2
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	cfg := config.Default()

	// Scan for -config up front without a flag.FlagSet: the real FlagSet
	// below must see cfg's fields already populated from the file (so file
	// values become flag defaults, per config.RegisterFlags' contract), and
	// a FlagSet that only knows about -config would choke on the rest of
	// the command line.
	if configPath := scanConfigPath(args); configPath != "" {
		if err := config.FromIniFile(configPath, &cfg); err != nil {
			fmt.Fprintf(os.Stderr, "tunnel-client: %v\n", err)
			return exitConfigError
		}
	}

	fs := flag.NewFlagSet("tunnel-client", flag.ContinueOnError)
	fs.String("config", "", "optional ini config file; values act as defaults, flags still override")
	fv := config.RegisterFlags(fs, &cfg)
	if err := fs.Parse(args); err != nil {
		return exitConfigError
	}
	if err := fv.Apply(); err != nil {
		fmt.Fprintf(os.Stderr, "tunnel-client: %v\n", err)
		return exitConfigError
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "tunnel-client: %v\n", err)
		return exitConfigError
	}

	h, err := manager.Start(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "tunnel-client: failed to start: %v\n", err)
		return exitDialError
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	h.Cancel()
	return exitSuccess
}

// scanConfigPath looks for "-config value", "-config=value", "--config
// value", or "--config=value" in args without engaging flag.FlagSet.
func scanConfigPath(args []string) string {
	for i, a := range args {
		switch {
		case a == "-config" || a == "--config":
			if i+1 < len(args) {
				return args[i+1]
			}
		case strings.HasPrefix(a, "-config="):
			return strings.TrimPrefix(a, "-config=")
		case strings.HasPrefix(a, "--config="):
			return strings.TrimPrefix(a, "--config=")
		}
	}
	return ""
}
