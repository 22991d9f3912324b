package upload

import (
	"net"
	"net/http"
	"net/netip"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ipLimiter rate limits requests per client ip.
type ipLimiter struct {
	mut       sync.Mutex
	limit     rate.Limit
	burst     int
	idle      time.Duration
	lastSweep time.Time
	entries   map[string]*limBucket
}

type limBucket struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

func newIPLimiter(limit rate.Limit, burst int, idle time.Duration) *ipLimiter {
	return &ipLimiter{
		limit:   limit,
		burst:   burst,
		idle:    idle,
		entries: make(map[string]*limBucket),
	}
}

// allow reports whether a request from ip may proceed now.
func (self *ipLimiter) allow(ip string) bool {
	now := time.Now()
	self.mut.Lock()
	defer self.mut.Unlock()

	b := self.entries[ip]
	if nil == b {
		b = &limBucket{lim: rate.NewLimiter(self.limit, self.burst)}
		self.entries[ip] = b
	}
	b.lastSeen = now

	if now.Sub(self.lastSweep) > self.idle {
		for k, v := range self.entries {
			if now.Sub(v.lastSeen) > self.idle {
				delete(self.entries, k)
			}
		}
		self.lastSweep = now
	}

	return b.lim.AllowN(now, 1)
}

// proxyList holds the peers trusted to set X-Forwarded-For.
type proxyList []netip.Prefix

func parseProxyList(entries []string) (proxyList, error) {
	rv := make(proxyList, 0, len(entries))
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if pfx, err := netip.ParsePrefix(entry); nil == err {
			rv = append(rv, pfx.Masked())
			continue
		}
		addr, err := netip.ParseAddr(entry)
		if nil != err {
			return nil, wrapError(err, "invalid trusted proxy %q", entry)
		}
		rv = append(rv, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return rv, nil
}

func (self proxyList) trusts(ip string) bool {
	addr, err := netip.ParseAddr(ip)
	if nil != err {
		return false
	}
	addr = addr.Unmap()
	for _, pfx := range self {
		if pfx.Contains(addr) {
			return true
		}
	}
	return false
}

// limitKey returns the address r is rate limited by: the peer address,
// or the forwarded client when the peer is a trusted proxy.
func (self proxyList) limitKey(r *http.Request) string {
	peer := RemoteIP(r)
	if self.trusts(peer) {
		return ClientIP(r)
	}
	return peer
}

// RemoteIP returns the host of the request peer address.
func RemoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if nil == err && "" != host {
		return host
	}
	return r.RemoteAddr
}

// ClientIP returns the first X-Forwarded-For hop or the request remote host.
// The header is caller supplied, the result is recorded, never trusted.
func ClientIP(r *http.Request) string {
	if xff := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); "" != xff {
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); "" != ip {
			return ip
		}
	}
	return RemoteIP(r)
}
