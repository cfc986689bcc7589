// Package useragent rotates browser User-Agent strings for outbound requests.
package useragent

import (
	"crypto/rand"
	"hash/fnv"
	"math/big"
	"strings"
	"sync/atomic"
)

// Desktop is the default set of modern desktop browser User-Agents.
var Desktop = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/125.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:126.0) Gecko/20100101 Firefox/126.0",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10.15; rv:126.0) Gecko/20100101 Firefox/126.0",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.4 Safari/605.1.15",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36 Edg/124.0.0.0",
}

// Mobile is used for marketplaces whose mobile pages (m.*) are lighter to parse.
var Mobile = []string{
	"Mozilla/5.0 (iPhone; CPU iPhone OS 17_4 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.4 Mobile/15E148 Safari/604.1",
	"Mozilla/5.0 (Linux; Android 14; Pixel 8) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Mobile Safari/537.36",
	"Mozilla/5.0 (Linux; Android 13; SM-S911B) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Mobile Safari/537.36",
}

// Pool is a fixed set of User-Agents. It is safe for concurrent use.
type Pool struct {
	uas     []string
	mobile  []string
	counter atomic.Uint64
}

// NewPool creates a pool from uas, falling back to Desktop when empty.
func NewPool(uas []string) *Pool {
	if len(uas) == 0 {
		uas = Desktop
	}
	return &Pool{
		uas:    append([]string(nil), uas...),
		mobile: append([]string(nil), Mobile...),
	}
}

// Next returns User-Agents round-robin.
func (p *Pool) Next() string {
	if len(p.uas) == 0 {
		return ""
	}
	idx := p.counter.Add(1) - 1
	return p.uas[idx%uint64(len(p.uas))]
}

// Random returns a User-Agent chosen with crypto/rand.
func (p *Pool) Random() string {
	if len(p.uas) == 0 {
		return ""
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(len(p.uas))))
	if err != nil {
		return p.Next()
	}
	return p.uas[n.Int64()]
}

// ForHost returns the same User-Agent for every request to host, so a cookie
// session is never seen switching browsers mid-way. Hosts starting with "m."
// get a mobile User-Agent.
func (p *Pool) ForHost(host string) string {
	host = strings.ToLower(host)
	set := p.uas
	if strings.HasPrefix(host, "m.") && len(p.mobile) > 0 {
		set = p.mobile
	}
	if len(set) == 0 {
		return ""
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(host))
	return set[h.Sum32()%uint32(len(set))]
}

// All returns a copy of the pool's desktop User-Agents.
func (p *Pool) All() []string {
	return append([]string(nil), p.uas...)
}
