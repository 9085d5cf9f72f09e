package transport

import (
	"net/url"

	"github.com/Nerivec/zigbee2mqtt-windfront-sub000/internal/config"
)

// buildURL constructs the connection URL for an endpoint. The scheme mirrors
// the endpoint's TLS setting. In proxy mode the target host and path are
// folded into a path segment under the proxy origin, for reverse proxies
// that rewrite a single origin. A non-empty token is appended as a query
// parameter.
func buildURL(ep config.Endpoint, proxyMode bool, proxyOrigin, token string) string {
	scheme := "ws"
	if ep.Secure {
		scheme = "wss"
	}

	var u string
	if proxyMode && proxyOrigin != "" {
		u = scheme + "://" + proxyOrigin + "/ws-proxy/" + ep.Host + ep.Path
	} else {
		u = scheme + "://" + ep.Host + ep.Path
	}
	if token != "" {
		u += "?token=" + url.QueryEscape(token)
	}
	return u
}
