package server

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/rs/zerolog"
)

// originPolicy is the WebSocket origin allow-list. Requests without an
// Origin header come from non-browser clients and are accepted.
type originPolicy struct {
	allowAll bool
	allowed  map[string]struct{}
	logger   zerolog.Logger
}

// newOriginPolicy builds the allow-list from configured origins. "*" admits
// every origin; entries that do not parse are logged and skipped.
func newOriginPolicy(origins []string, logger zerolog.Logger) originPolicy {
	p := originPolicy{
		allowed: make(map[string]struct{}, len(origins)),
		logger:  logger,
	}

	for _, entry := range origins {
		entry = strings.TrimSpace(entry)
		switch entry {
		case "":
			continue
		case "*":
			p.allowAll = true
			continue
		}

		origin, err := canonicalOrigin(entry)
		if err != nil {
			logger.Warn().Err(err).Msg("ignoring allowed origin")
			continue
		}
		p.allowed[origin] = struct{}{}
	}
	return p
}

// canonicalOrigin reduces an origin to lower-case scheme://host[:port].
func canonicalOrigin(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("origin %q: %w", raw, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("origin %q: scheme and host required", raw)
	}
	return strings.ToLower(u.Scheme + "://" + u.Host), nil
}

// check is the upgrader's CheckOrigin hook.
func (p originPolicy) check(r *http.Request) bool {
	header := r.Header.Get("Origin")
	if header == "" || p.allowAll {
		return true
	}

	if origin, err := canonicalOrigin(header); err == nil {
		if _, ok := p.allowed[origin]; ok {
			return true
		}
	}

	p.logger.Warn().Str("origin", header).Str("remote", r.RemoteAddr).Msg("blocked websocket connection from disallowed origin")
	return false
}
