package util

import (
	"net/http"
	"time"

	"github.com/doyensec/safeurl"
)

// NewSafeHTTPClient builds an HTTP client for outbound federation and
// upstream traffic. All of these requests target attacker-influenced URLs
// (actor documents, remote inboxes), so private, loopback, link-local and
// metadata ranges are blocked at the dialer, which also covers DNS
// rebinding after resolution.
func NewSafeHTTPClient(timeout time.Duration) *http.Client {
	config := safeurl.GetConfigBuilder().
		SetTimeout(timeout).
		SetAllowedSchemes("http", "https").
		SetAllowedPorts(80, 443).
		Build()

	return safeurl.Client(config).Client
}
