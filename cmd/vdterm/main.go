// Command vdterm opens a hosted terminal session in the local terminal.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Zereker/termsocket"
	"github.com/Zereker/termsocket/api"
	"github.com/Zereker/termsocket/localterm"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "vdterm: %s\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	cfg, cfgErr := loadConfig()

	cmd := &cobra.Command{
		Use:   "vdterm",
		Short: "Open a hosted terminal session",
		Long: `vdterm logs into a terminal hub and attaches the local terminal to the
remote session. Press Ctrl-] to leave.

Settings are read from VDTERM_* environment variables; flags override them.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if cfgErr != nil {
				return cfgErr
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&cfg.Server, "server", cfg.Server, "hub page URL; its query string is forwarded to the session")
	flags.StringVar(&cfg.APIServer, "api-server", cfg.APIServer, "alternate host for the api and websocket, \"/\" for the page host")
	flags.StringVar(&cfg.Token, "token", cfg.Token, "bearer token, or a magic link containing one")
	flags.StringVar(&cfg.Email, "email", cfg.Email, "log in with this address, \"guest\" for a guest account")
	flags.DurationVar(&cfg.KeepAlive, "keepalive", cfg.KeepAlive, "ping interval")
	flags.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "debug, info, warn or error")
	flags.StringVar(&cfg.LogFile, "log-file", cfg.LogFile, "write logs here instead of stderr")
	flags.StringVar(&cfg.MetricsAddr, "metrics-addr", cfg.MetricsAddr, "serve Prometheus metrics on this address")
	flags.StringVar(&cfg.MirrorFile, "mirror-file", cfg.MirrorFile, "keep a plain-text copy of the screen in this file")

	return cmd
}

func run(ctx context.Context, cfg config) error {
	logger, closeLog, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer closeLog()

	page, err := cfg.pageURL()
	if err != nil {
		return err
	}
	endpoint, err := termsocket.Endpoint(page, cfg.APIServer)
	if err != nil {
		return err
	}
	client := api.New(cfg.apiBase(page))

	token, err := obtainToken(ctx, client, cfg)
	if err != nil {
		return err
	}

	tty, err := localterm.Open(os.Stdin, os.Stdout)
	if err != nil {
		return err
	}
	defer tty.Close()

	notifier := termsocket.NotifierFunc(func(message string) {
		tty.ShowMessage(message, 2*time.Second)
	})

	session := termsocket.NewSession(client, notifier, termsocket.SessionLoggerOption(logger))
	if err := session.Login(ctx, token); err != nil {
		return err
	}
	defer session.Logout()

	registry := prometheus.NewRegistry()
	metrics := termsocket.NewMetrics(registry)
	if cfg.MetricsAddr != "" {
		srv := serveMetrics(cfg.MetricsAddr, registry, logger)
		defer srv.Close()
	}

	opts := []termsocket.Option{
		termsocket.TokenOption(session.Token),
		termsocket.ArgumentsOption(termsocket.Arguments(page)),
		termsocket.ActivityOption(session.RecordInput),
		termsocket.NotifierOption(notifier),
		termsocket.KeepAliveOption(cfg.KeepAlive),
		termsocket.LoggerOption(logger),
		termsocket.MetricsOption(metrics),
	}
	if cfg.MirrorFile != "" {
		opts = append(opts, termsocket.MirrorOption(mirrorTo(cfg.MirrorFile, logger), 0))
	}

	conn, err := termsocket.NewConn(endpoint, tty, opts...)
	if err != nil {
		return err
	}
	session.Attach(conn)

	go func() {
		select {
		case <-tty.Done():
			_ = conn.Close()
		case <-ctx.Done():
		}
	}()

	err = conn.Run(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// obtainToken resolves the token from flags, a magic link, or an email login.
func obtainToken(ctx context.Context, client *api.Client, cfg config) (string, error) {
	if cfg.Token != "" {
		if token, ok := api.MagicToken(cfg.Token); ok {
			return token, nil
		}
		return cfg.Token, nil
	}
	if cfg.Email == "" {
		return "", errors.New("either --token or --email is required")
	}

	token, err := client.Auth(ctx, cfg.Email)
	if err != nil {
		return "", err
	}
	if token == "" {
		return "", errors.Errorf("a login link was sent to %s; rerun with --token <link>", cfg.Email)
	}
	return token, nil
}

func newLogger(cfg config) (*slog.Logger, func(), error) {
	var out io.Writer = os.Stderr
	closeFn := func() {}
	if cfg.LogFile != "" {
		f, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return nil, nil, errors.Wrap(err, "open log file")
		}
		out = f
		closeFn = func() { _ = f.Close() }
	}
	handler := slog.NewTextHandler(out, &slog.HandlerOptions{Level: cfg.level()})
	return slog.New(handler), closeFn, nil
}

func serveMetrics(addr string, registry *prometheus.Registry, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server", "addr", addr, "error", err)
		}
	}()
	return srv
}

// mirrorTo returns a sink that rewrites path with each snapshot.
func mirrorTo(path string, logger *slog.Logger) func(string) {
	return func(snapshot string) {
		if err := os.WriteFile(path, []byte(snapshot), 0o600); err != nil {
			logger.Warn("write mirror", "path", path, "error", err)
		}
	}
}
