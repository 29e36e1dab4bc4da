package ws

import (
	"fmt"
	"time"

	"github.com/jmtg/boardd/internal/config"
)

const (
	baseReconnectDelay = 500 * time.Millisecond
	maxReconnectDelay  = 15 * time.Second
	maxBackoffAttempt  = 10
)

// UseRelay decides which of the two candidate endpoints a given attempt
// dials. Attempts alternate local↔relay; the preferred candidate gets the
// even attempts, so attempt 0 goes to the relay exactly when the relay is
// preferred.
func UseRelay(attempt int, preferRelay bool) bool {
	odd := attempt%2 == 1
	return preferRelay != odd
}

// ReconnectDelay grows quadratically with the attempt number and flattens
// at a bounded ceiling: fast first retries, bounded worst case.
func ReconnectDelay(attempt int) time.Duration {
	n := attempt
	if n > maxBackoffAttempt {
		n = maxBackoffAttempt
	}
	if n < 1 {
		n = 1
	}
	d := baseReconnectDelay * time.Duration(n*n)
	if d > maxReconnectDelay {
		d = maxReconnectDelay
	}
	return d
}

// EndpointURL builds the dial URL for one attempt. The relay candidate is
// always dialed over wss (tunnels terminate TLS); the local one over ws.
func EndpointURL(cfg *config.Config, attempt int) string {
	relay := false
	switch cfg.Endpoints.Force {
	case "relay":
		relay = true
	case "local":
		relay = false
	default:
		relay = UseRelay(attempt, cfg.Endpoints.PreferRelay)
	}

	if relay {
		return fmt.Sprintf("wss://%s:%d/", cfg.Endpoints.Relay.Host, cfg.Endpoints.Relay.Port)
	}
	return fmt.Sprintf("ws://%s:%d/", cfg.Endpoints.Local.Host, cfg.Endpoints.Local.Port)
}
