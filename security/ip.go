package security

import (
	"net"
	"net/http"
	"strings"
)

// ClientIP extracts the client IP used as a rate limiting identifier.
//
// Only set trustProxy when the service sits behind a reverse proxy you
// control; otherwise X-Forwarded-For is attacker-supplied. With
// trustedProxies proxies in front, the client IP is the entry that many
// positions from the right of the X-Forwarded-For list.
func ClientIP(r *http.Request, trustProxy bool, trustedProxies int) string {
	if trustProxy {
		if ip := forwardedClientIP(r.Header.Get("X-Forwarded-For"), trustedProxies); ip != "" {
			return ip
		}
		if ip := r.Header.Get("X-Real-IP"); net.ParseIP(ip) != nil {
			return ip
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func forwardedClientIP(forwarded string, trustedProxies int) string {
	if forwarded == "" {
		return ""
	}
	if trustedProxies <= 0 {
		trustedProxies = 1
	}

	hops := strings.Split(forwarded, ",")
	index := len(hops) - trustedProxies - 1
	if index < 0 {
		index = 0
	}

	ip := strings.TrimSpace(hops[index])
	if net.ParseIP(ip) == nil {
		return ""
	}
	return ip
}
