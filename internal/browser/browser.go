// Package browser adapts Chrome DevTools Protocol pages to the action
// contracts. The registry resolves stable target ids to live pages by
// URL pattern; the capability drives clicks through short-lived CDP
// sessions. Nothing here holds a connection across cycles.
package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"clickd/internal/action"
	logx "clickd/pkg/logx"
)

const (
	defaultDebugURL       = "http://127.0.0.1:9222"
	defaultConnectTimeout = 5 * time.Second
	defaultEvalTimeout    = 10 * time.Second
	defaultListCacheTTL   = 2 * time.Second
)

// Config points the adapters at a browser's DevTools endpoint.
type Config struct {
	DebugURL       string
	Selector       string // default click selector, per-target override wins
	ConnectTimeout time.Duration
	EvalTimeout    time.Duration
	ListCacheTTL   time.Duration
}

func (c Config) normalize() Config {
	if strings.TrimSpace(c.DebugURL) == "" {
		c.DebugURL = defaultDebugURL
	}
	c.DebugURL = strings.TrimRight(strings.TrimSpace(c.DebugURL), "/")
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = defaultConnectTimeout
	}
	if c.EvalTimeout <= 0 {
		c.EvalTimeout = defaultEvalTimeout
	}
	if c.ListCacheTTL <= 0 {
		c.ListCacheTTL = defaultListCacheTTL
	}
	return c
}

// TargetDef declares one configured target: a stable id bound to live
// pages by URL pattern.
type TargetDef struct {
	ID       string
	Match    string // URL pattern, '*' matches any run of characters
	Selector string // overrides Config.Selector when set
	Paused   bool   // administrative pause, surfaced via TargetMeta
}

// pageInfo mirrors one entry of the DevTools /json/list response.
type pageInfo struct {
	ID                   string `json:"id"`
	Type                 string `json:"type"`
	Title                string `json:"title"`
	URL                  string `json:"url"`
	WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
}

// Client talks to one browser instance. It owns the target definitions
// and a briefly cached page list; Registry and Capability are thin views
// over it.
type Client struct {
	mu   sync.RWMutex
	cfg  Config
	defs map[string]TargetDef

	http *http.Client
	log  logx.Logger
	now  func() time.Time

	cacheMu  sync.Mutex
	cached   []pageInfo
	cachedAt time.Time
}

func New(cfg Config, log logx.Logger) *Client {
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg = cfg.normalize()
	return &Client{
		cfg:  cfg,
		defs: make(map[string]TargetDef),
		http: &http.Client{Timeout: cfg.ConnectTimeout},
		log:  log.With(logx.String("comp", "browser")),
		now:  time.Now,
	}
}

// Apply swaps the endpoint config and target definitions, typically on a
// config reload. The page cache is dropped so the next resolve sees the
// new world.
func (c *Client) Apply(cfg Config, defs []TargetDef) {
	cfg = cfg.normalize()
	m := make(map[string]TargetDef, len(defs))
	for _, d := range defs {
		if strings.TrimSpace(d.ID) == "" {
			continue
		}
		m[d.ID] = d
	}

	c.mu.Lock()
	c.cfg = cfg
	c.defs = m
	c.http.Timeout = cfg.ConnectTimeout
	c.mu.Unlock()

	c.cacheMu.Lock()
	c.cached = nil
	c.cachedAt = time.Time{}
	c.cacheMu.Unlock()
}

func (c *Client) config() Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cfg
}

func (c *Client) def(targetID string) (TargetDef, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	d, ok := c.defs[targetID]
	return d, ok
}

func (c *Client) selectorFor(def TargetDef) string {
	if s := strings.TrimSpace(def.Selector); s != "" {
		return s
	}
	return strings.TrimSpace(c.config().Selector)
}

// listPages fetches /json/list, serving a cached copy inside the TTL so
// simultaneous expirations do not hammer the endpoint.
func (c *Client) listPages(ctx context.Context) ([]pageInfo, error) {
	cfg := c.config()

	c.cacheMu.Lock()
	if c.cached != nil && c.now().Sub(c.cachedAt) < cfg.ListCacheTTL {
		pages := c.cached
		c.cacheMu.Unlock()
		return pages, nil
	}
	c.cacheMu.Unlock()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, cfg.DebugURL+"/json/list", http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("browser: list request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("browser: list pages: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusUnauthorized {
		return nil, action.Permission("browser list", fmt.Errorf("http %d", resp.StatusCode))
	}
	if resp.StatusCode/100 != 2 {
		return nil, fmt.Errorf("browser: list pages: http %d", resp.StatusCode)
	}

	var pages []pageInfo
	if err := json.NewDecoder(resp.Body).Decode(&pages); err != nil {
		return nil, fmt.Errorf("browser: decode page list: %w", err)
	}

	c.cacheMu.Lock()
	c.cached = pages
	c.cachedAt = c.now()
	c.cacheMu.Unlock()
	return pages, nil
}

func (c *Client) invalidate() {
	c.cacheMu.Lock()
	c.cached = nil
	c.cachedAt = time.Time{}
	c.cacheMu.Unlock()
}

// findPage resolves a definition to the first live page whose URL
// matches. Returns nil when no page matches.
func (c *Client) findPage(ctx context.Context, def TargetDef) (*pageInfo, error) {
	pages, err := c.listPages(ctx)
	if err != nil {
		return nil, err
	}
	for i := range pages {
		p := &pages[i]
		if p.Type != "" && p.Type != "page" {
			continue
		}
		if matchURL(def.Match, p.URL) {
			return p, nil
		}
	}
	return nil, nil
}
