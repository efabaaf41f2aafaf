package server

import (
	"errors"
	"net"
	"net/http"
	"net/netip"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/pario-ai/agentgate/pkg/config"
	"github.com/pario-ai/agentgate/pkg/models"
)

var errBadToken = errors.New("invalid bearer token")

// claims is the JWT payload agentgate understands.
type claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// resolveCaller builds the caller identity for r. A bearer token is only
// honoured when a JWT secret is configured.
func resolveCaller(r *http.Request, auth config.AuthConfig) (models.Caller, error) {
	caller := models.Caller{Addr: clientAddr(r, auth.TrustedProxies)}

	token := bearerToken(r)
	if token == "" || auth.JWTSecret == "" {
		return caller, nil
	}

	var c claims
	_, err := jwt.ParseWithClaims(token, &c, func(*jwt.Token) (interface{}, error) {
		return []byte(auth.JWTSecret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return models.Caller{}, errors.Join(errBadToken, err)
	}

	caller.UserID = c.Subject
	caller.Privileged = auth.AdminRole != "" && c.Role == auth.AdminRole
	return caller, nil
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if strings.HasPrefix(h, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	}
	return ""
}

// clientAddr returns the peer IP, or the first X-Forwarded-For hop when the
// peer is a trusted proxy.
func clientAddr(r *http.Request, trusted []string) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	peer, err := netip.ParseAddr(host)
	if err != nil {
		return host
	}
	peer = peer.Unmap()

	fwd := r.Header.Get("X-Forwarded-For")
	if fwd == "" || !isTrusted(peer, trusted) {
		return peer.String()
	}
	first := strings.TrimSpace(strings.Split(fwd, ",")[0])
	if addr, err := netip.ParseAddr(first); err == nil {
		return addr.Unmap().String()
	}
	return peer.String()
}

// isTrusted matches addr against IPs and CIDR prefixes.
func isTrusted(addr netip.Addr, trusted []string) bool {
	for _, t := range trusted {
		if strings.Contains(t, "/") {
			if p, err := netip.ParsePrefix(t); err == nil && p.Contains(addr) {
				return true
			}
			continue
		}
		if a, err := netip.ParseAddr(t); err == nil && a.Unmap() == addr {
			return true
		}
	}
	return false
}
