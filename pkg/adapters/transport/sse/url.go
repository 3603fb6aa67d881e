package sse

import (
	"net/url"
	"strings"

	"github.com/aescanero/dagomon/pkg/ports"
)

// StreamURL derives the event stream endpoint from a socket URL.
// ws and wss map to http and https, a trailing /ws segment becomes /sse
// (otherwise /sse is appended) and the auth token travels as the token query
// parameter.
func StreamURL(cfg ports.ConnectionConfig) (string, error) {
	u, err := cfg.ParseURL()
	if err != nil {
		return "", err
	}

	target := *u
	switch target.Scheme {
	case "ws":
		target.Scheme = "http"
	case "wss":
		target.Scheme = "https"
	}

	path := strings.TrimSuffix(target.Path, "/")
	if strings.HasSuffix(path, "/ws") {
		path = strings.TrimSuffix(path, "/ws") + "/sse"
	} else {
		path += "/sse"
	}
	target.Path = path
	target.RawPath = ""

	if cfg.AuthToken != "" {
		q := target.Query()
		q.Set("token", cfg.AuthToken)
		target.RawQuery = q.Encode()
	}

	return target.String(), nil
}

// redact hides the token query parameter for logging
func redact(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	q := u.Query()
	if q.Has("token") {
		q.Set("token", "REDACTED")
		u.RawQuery = q.Encode()
	}
	return u.String()
}
