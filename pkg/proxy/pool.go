// Package proxy rotates outbound requests across a set of forward proxies,
// benching proxies that keep failing.
package proxy

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"
)

// ErrUnknownProxy is returned when reporting on a proxy the pool never held.
var ErrUnknownProxy = errors.New("proxy: not in pool")

// Config defines settings for the Proxy Pool.
type Config struct {
	// MaxFailures is the consecutive-failure count that benches a proxy.
	MaxFailures int
	// Cooldown is how long a benched proxy sits out.
	Cooldown time.Duration
}

type entry struct {
	url          *url.URL
	failures     int
	successes    int
	benchedUntil time.Time
}

// Pool is a round-robin proxy set with failure tracking. The zero value is
// not usable; call NewPool.
type Pool struct {
	mu          sync.Mutex
	entries     []*entry
	byURL       map[string]*entry
	next        int
	maxFailures int
	cooldown    time.Duration
	now         func() time.Time
}

// NewPool creates an empty pool. Zero config values get defaults of 3
// failures and a 5 minute cooldown.
func NewPool(cfg Config) *Pool {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 3
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 5 * time.Minute
	}
	return &Pool{
		byURL:       make(map[string]*entry),
		maxFailures: cfg.MaxFailures,
		cooldown:    cfg.Cooldown,
		now:         time.Now,
	}
}

// LoadFile reads one proxy URL per line; blank lines and '#' comments are skipped.
func (p *Pool) LoadFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("proxy: %w", err)
	}
	defer f.Close()
	return p.Load(f)
}

// Load reads proxies from r in LoadFile's format.
func (p *Pool) Load(r io.Reader) error {
	var raws []string
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		raws = append(raws, line)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("proxy: %w", err)
	}
	return p.Add(raws...)
}

// Add parses and appends proxies. A missing scheme defaults to http.
// Duplicates are ignored.
func (p *Pool) Add(raws ...string) error {
	parsed := make([]*url.URL, 0, len(raws))
	for _, raw := range raws {
		if !strings.Contains(raw, "://") {
			raw = "http://" + raw
		}
		u, err := url.Parse(raw)
		if err != nil {
			return fmt.Errorf("proxy: %w", err)
		}
		if u.Host == "" {
			return fmt.Errorf("proxy: %q has no host", raw)
		}
		parsed = append(parsed, u)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for _, u := range parsed {
		if _, ok := p.byURL[u.String()]; ok {
			continue
		}
		e := &entry{url: u}
		p.entries = append(p.entries, e)
		p.byURL[u.String()] = e
	}
	return nil
}

// Len is the number of proxies in the pool, benched or not.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// Next returns the next proxy that is not benched, or nil when the pool is
// empty or every proxy is cooling down.
func (p *Pool) Next() *url.URL {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := len(p.entries)
	now := p.now()
	for i := 0; i < n; i++ {
		e := p.entries[p.next]
		p.next = (p.next + 1) % n
		if e.benchedUntil.IsZero() {
			return e.url
		}
		if now.After(e.benchedUntil) {
			e.benchedUntil = time.Time{}
			e.failures = 0
			return e.url
		}
	}
	return nil
}

// MarkSuccess records a good response through proxyURL.
func (p *Pool) MarkSuccess(proxyURL *url.URL) error {
	e, err := p.lookup(proxyURL)
	if err != nil {
		return err
	}
	p.mu.Lock()
	e.successes++
	if e.failures > 0 {
		e.failures--
	}
	p.mu.Unlock()
	return nil
}

// MarkFailure records a failure through proxyURL, benching it once failures
// reach the configured maximum.
func (p *Pool) MarkFailure(proxyURL *url.URL) error {
	e, err := p.lookup(proxyURL)
	if err != nil {
		return err
	}
	p.mu.Lock()
	e.failures++
	if e.failures >= p.maxFailures {
		e.benchedUntil = p.now().Add(p.cooldown)
	}
	p.mu.Unlock()
	return nil
}

func (p *Pool) lookup(u *url.URL) (*entry, error) {
	if u == nil {
		return nil, errors.New("proxy: url cannot be nil")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.byURL[u.String()]
	if !ok {
		return nil, ErrUnknownProxy
	}
	return e, nil
}
