// Package session implements the Session Provider external collaborator
// (spec.md §4.D): the core pipeline depends only on Fetch(url, headers);
// everything about how a response is classified as "blocked" lives here,
// not in the controller.
package session

import (
	"context"
)

// Response is what Fetch returns for one outbound request. Body is kept as
// raw bytes so parsing (explicitly out of scope for the core) stays a
// caller concern.
type Response struct {
	Status   int
	Body     []byte
	Bytes    int64
	Blocked  bool
	NotFound bool
}

// Session is the abstract HTTP surface the task pipeline depends on.
type Session interface {
	Fetch(ctx context.Context, url string, headers map[string]string) (Response, error)
	Close()
}

// Provider hands out a Session for a given proxy channel. Sessions are
// keyed by channel so tunnel mode can keep cookies/TLS state stable per
// channel across requests, and TPS mode can simply ignore the key.
type Provider interface {
	Session(channelID int, proxyURL string) (Session, error)
}

// blockedStatus mirrors spec §4.D's "composite of HTTP status ∈ {403,
// 503}" half of the blocked heuristic.
func blockedStatus(status int) bool {
	return status == 403 || status == 503
}

// antiBotFragments are URL/body substrings the original scraper treats as
// unambiguous anti-bot interstitials.
var antiBotFragments = []string{
	"/errors/validateCaptcha",
	"Robot Check",
	"To discuss automated access",
}

// minPlausibleBodyBytes is the short-body heuristic: legitimate product
// pages are never this small, so anything under it is presumed an
// interstitial or error page rather than real content.
const minPlausibleBodyBytes = 512
