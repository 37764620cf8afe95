package termsocket

import (
	"net/url"

	"github.com/pkg/errors"
)

// TerminalPath is the path of the terminal websocket on the server.
const TerminalPath = "/ws"

// Endpoint computes the websocket URL for a session served from page.
// The scheme follows the page: https pages use wss, everything else ws.
// The host is the page's own host unless apiServer names another one;
// an empty apiServer or "/" means same host.
func Endpoint(page *url.URL, apiServer string) (string, error) {
	if page == nil {
		return "", errors.Wrap(ErrInvalidEndpoint, "no page url")
	}

	host := page.Host
	if apiServer != "" && apiServer != "/" {
		host = apiServer
		if u, err := url.Parse(apiServer); err == nil && u.Host != "" {
			host = u.Host
		}
	}
	if host == "" {
		return "", errors.Wrapf(ErrInvalidEndpoint, "no host in %q", page.String())
	}

	scheme := "ws"
	if page.Scheme == "https" {
		scheme = "wss"
	}

	u := url.URL{Scheme: scheme, Host: host, Path: TerminalPath}
	return u.String(), nil
}

// Arguments returns the page's query string as forwarded in the handshake:
// with a leading '?', or empty when the page has no query.
func Arguments(page *url.URL) string {
	if page == nil || page.RawQuery == "" {
		return ""
	}
	return "?" + page.RawQuery
}
