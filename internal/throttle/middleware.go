package throttle

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
)

type blockedResponse struct {
	Success    bool   `json:"success"`
	Message    string `json:"message"`
	RetryAfter int    `json:"retry_after"`
}

// Middleware rejects requests from blocked IPs with 429. Store failures let
// the request through.
func Middleware(svc *Service) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := svc.ClientIP(r)

			d, err := svc.Hit(r.Context(), ip)
			if err != nil {
				svc.logger.WithError(err).WithField("ip", ip).Error("Throttle check failed")
				next.ServeHTTP(w, r)
				return
			}

			if err := d.Err(); err != nil {
				svc.logger.WithError(err).WithField("ip", ip).Debug("Rejecting request")
				retryAfter := d.RetryAfterSeconds()
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
				w.WriteHeader(http.StatusTooManyRequests)
				_ = json.NewEncoder(w).Encode(blockedResponse{
					Success:    false,
					Message:    fmt.Sprintf("Too many attempts. Please try again in %d seconds.", retryAfter),
					RetryAfter: retryAfter,
				})
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// ParseTrustedProxies accepts CIDRs and bare IPs.
func ParseTrustedProxies(values []string) ([]netip.Prefix, error) {
	prefixes := make([]netip.Prefix, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if strings.Contains(v, "/") {
			p, err := netip.ParsePrefix(v)
			if err != nil {
				return nil, fmt.Errorf("invalid trusted proxy %q: %w", v, err)
			}
			prefixes = append(prefixes, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(v)
		if err != nil {
			return nil, fmt.Errorf("invalid trusted proxy %q: %w", v, err)
		}
		addr = addr.Unmap()
		prefixes = append(prefixes, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return prefixes, nil
}

// ClientIP resolves the caller address. Forwarding headers are only read when
// the peer is a trusted proxy, and every candidate must parse as an IP.
func (s *Service) ClientIP(r *http.Request) string {
	remote, ok := peerAddr(r.RemoteAddr)
	if !ok {
		return strings.TrimSpace(r.RemoteAddr)
	}
	if !s.trusted(remote) {
		return remote.String()
	}

	if ip, ok := parseIP(r.Header.Get("CF-Connecting-IP")); ok {
		return ip.String()
	}
	if ip, ok := s.forwardedFor(r.Header.Values("X-Forwarded-For")); ok {
		return ip.String()
	}
	if ip, ok := parseIP(r.Header.Get("X-Real-IP")); ok {
		return ip.String()
	}
	return remote.String()
}

// forwardedFor walks the chain from the nearest hop and returns the first
// address that is not a trusted proxy.
func (s *Service) forwardedFor(values []string) (netip.Addr, bool) {
	hops := strings.Split(strings.Join(values, ","), ",")
	for i := len(hops) - 1; i >= 0; i-- {
		ip, ok := parseIP(hops[i])
		if !ok {
			return netip.Addr{}, false
		}
		if !s.trusted(ip) {
			return ip, true
		}
	}
	return netip.Addr{}, false
}

func (s *Service) trusted(ip netip.Addr) bool {
	for _, p := range s.trustedProxies {
		if p.Contains(ip) {
			return true
		}
	}
	return false
}

func peerAddr(remote string) (netip.Addr, bool) {
	remote = strings.TrimSpace(remote)
	if host, _, err := net.SplitHostPort(remote); err == nil {
		remote = host
	}
	return parseIP(remote)
}

func parseIP(raw string) (netip.Addr, bool) {
	ip, err := netip.ParseAddr(strings.TrimSpace(raw))
	if err != nil {
		return netip.Addr{}, false
	}
	return ip.Unmap().WithZone(""), true
}
