package main

import (
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/pkg/errors"
)

// config is the environment-derived configuration. Flags override it.
type config struct {
	// Server is the page URL of the hub, e.g. https://vd.example.com/?file=x.
	Server string `envconfig:"SERVER" default:"http://localhost:8000/"`
	// APIServer overrides the host serving the api and websocket. "/" means
	// the page's own host.
	APIServer   string        `envconfig:"API_SERVER" default:"/"`
	Token       string        `envconfig:"TOKEN"`
	Email       string        `envconfig:"EMAIL"`
	KeepAlive   time.Duration `envconfig:"KEEPALIVE" default:"30s"`
	LogLevel    string        `envconfig:"LOG_LEVEL" default:"warn"`
	LogFile     string        `envconfig:"LOG_FILE"`
	MetricsAddr string        `envconfig:"METRICS_ADDR"`
	MirrorFile  string        `envconfig:"MIRROR_FILE"`
}

func loadConfig() (config, error) {
	var cfg config
	if err := envconfig.Process("VDTERM", &cfg); err != nil {
		return config{}, errors.Wrap(err, "load config")
	}
	return cfg, nil
}

func (c config) pageURL() (*url.URL, error) {
	page, err := url.Parse(c.Server)
	if err != nil {
		return nil, errors.Wrapf(err, "parse server %q", c.Server)
	}
	if page.Scheme != "http" && page.Scheme != "https" {
		return nil, errors.Errorf("server %q must be an http or https url", c.Server)
	}
	return page, nil
}

// apiBase returns the origin serving /api/.
func (c config) apiBase(page *url.URL) string {
	if c.APIServer == "" || c.APIServer == "/" {
		return page.Scheme + "://" + page.Host
	}
	if strings.Contains(c.APIServer, "://") {
		return c.APIServer
	}
	return page.Scheme + "://" + c.APIServer
}

func (c config) level() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelWarn
	}
	return level
}
