package browser

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"clickd/internal/action"
	logx "clickd/pkg/logx"
)

type fakePage struct {
	id, url, title string
	readyState     string
	hasHelper      bool
	hasControl     bool
	crashed        bool
	evals          int
	reloads        int
}

// fakeBrowser serves /json/list and a per-page protocol endpoint the way
// a real DevTools listener does.
type fakeBrowser struct {
	srv *httptest.Server

	mu          sync.Mutex
	pages       []*fakePage
	listCalls   int
	denyList    bool
	denyUpgrade bool
}

func newFakeBrowser(t *testing.T) *fakeBrowser {
	t.Helper()
	fb := &fakeBrowser{}
	mux := http.NewServeMux()
	mux.HandleFunc("/json/list", fb.handleList)
	mux.HandleFunc("/page/", fb.handlePage)
	fb.srv = httptest.NewServer(mux)
	t.Cleanup(fb.srv.Close)
	return fb
}

func (fb *fakeBrowser) addPage(id, url string) *fakePage {
	p := &fakePage{id: id, url: url, title: id, readyState: "complete", hasControl: true}
	fb.mu.Lock()
	fb.pages = append(fb.pages, p)
	fb.mu.Unlock()
	return p
}

func (fb *fakeBrowser) find(id string) *fakePage {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	for _, p := range fb.pages {
		if p.id == id {
			return p
		}
	}
	return nil
}

func (fb *fakeBrowser) handleList(w http.ResponseWriter, r *http.Request) {
	host := strings.TrimPrefix(fb.srv.URL, "http://")

	fb.mu.Lock()
	fb.listCalls++
	deny := fb.denyList
	out := make([]map[string]string, 0, len(fb.pages))
	for _, p := range fb.pages {
		out = append(out, map[string]string{
			"id":                   p.id,
			"type":                 "page",
			"title":                p.title,
			"url":                  p.url,
			"webSocketDebuggerUrl": "ws://" + host + "/page/" + p.id,
		})
	}
	fb.mu.Unlock()

	if deny {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(out)
}

func (fb *fakeBrowser) handlePage(w http.ResponseWriter, r *http.Request) {
	fb.mu.Lock()
	deny := fb.denyUpgrade
	fb.mu.Unlock()
	if deny {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	page := fb.find(strings.TrimPrefix(r.URL.Path, "/page/"))
	if page == nil {
		http.Error(w, "no such page", http.StatusNotFound)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	ctx := r.Context()
	for {
		var req struct {
			ID     int64          `json:"id"`
			Method string         `json:"method"`
			Params map[string]any `json:"params"`
		}
		if err := wsjson.Read(ctx, conn, &req); err != nil {
			return
		}
		resp := fb.dispatch(page, req.Method, req.Params)
		resp["id"] = req.ID
		if err := wsjson.Write(ctx, conn, resp); err != nil {
			return
		}
	}
}

func (fb *fakeBrowser) dispatch(p *fakePage, method string, params map[string]any) map[string]any {
	fb.mu.Lock()
	defer fb.mu.Unlock()

	switch method {
	case "Page.reload":
		if p.crashed {
			return map[string]any{"error": map[string]any{"code": -32000, "message": "Target crashed"}}
		}
		p.reloads++
		p.readyState = "complete"
		p.hasHelper = false // reload wipes page JS state
		return map[string]any{"result": map[string]any{}}
	case "Runtime.evaluate":
		if p.crashed {
			return map[string]any{"error": map[string]any{"code": -32000, "message": "Target crashed"}}
		}
		p.evals++
		expr, _ := params["expression"].(string)
		return map[string]any{"result": map[string]any{"result": fb.evaluate(p, expr)}}
	default:
		return map[string]any{"error": map[string]any{"code": -32601, "message": "method not found"}}
	}
}

func (fb *fakeBrowser) evaluate(p *fakePage, expr string) map[string]any {
	str := func(s string) map[string]any { return map[string]any{"type": "string", "value": s} }
	obj := func(success bool, details string) map[string]any {
		return map[string]any{"type": "object", "value": map[string]any{"success": success, "details": details}}
	}

	switch {
	case expr == "document.readyState":
		return str(p.readyState)
	case strings.Contains(expr, "no-helper"): // readiness probe
		switch {
		case p.readyState == "loading":
			return str("loading")
		case !p.hasHelper:
			return str("no-helper")
		case !p.hasControl:
			return str("no-control")
		default:
			return str("ready")
		}
	case strings.Contains(expr, "return 'installed'"): // install
		p.hasHelper = true
		return str("installed")
	case strings.Contains(expr, "helper not installed"): // invoke
		if !p.hasHelper {
			return obj(false, "helper not installed")
		}
		if !p.hasControl {
			return obj(false, "control not found")
		}
		return obj(true, "clicked")
	default:
		return str("")
	}
}

func newTestClient(t *testing.T, fb *fakeBrowser, defs ...TargetDef) *Client {
	t.Helper()
	cfg := Config{
		DebugURL:       fb.srv.URL,
		Selector:       "#claim",
		ConnectTimeout: 2 * time.Second,
		EvalTimeout:    2 * time.Second,
		ListCacheTTL:   time.Minute,
	}
	c := New(cfg, logx.Nop())
	c.Apply(cfg, defs)
	return c
}

func TestMatchURL(t *testing.T) {
	cases := []struct {
		pattern, url string
		want         bool
	}{
		{"https://example.com/claim", "https://example.com/claim", true},
		{"https://example.com/claim*", "https://example.com/claim?tab=1", true},
		{"https://example.com/claim*", "https://example.com/other", false},
		{"*://example.com/*", "https://example.com/a/b", true},
		{"https://*.example.com/claim", "https://eu.example.com/claim", true},
		{"https://*.example.com/claim", "https://example.com/claim", false},
		{"*", "anything", true},
		{"", "anything", false},
		{"https://example.com", "https://example.com/", false},
	}
	for _, tc := range cases {
		if got := matchURL(tc.pattern, tc.url); got != tc.want {
			t.Errorf("matchURL(%q, %q) = %v, want %v", tc.pattern, tc.url, got, tc.want)
		}
	}
}

func TestResolveMatchesByURL(t *testing.T) {
	fb := newFakeBrowser(t)
	fb.addPage("p1", "https://other.net/dashboard")
	fb.addPage("p2", "https://example.com/claim/home")

	c := newTestClient(t, fb,
		TargetDef{ID: "alpha", Match: "https://example.com/claim*", Paused: true},
		TargetDef{ID: "beta", Match: "https://nowhere.invalid/*"},
	)
	reg := c.Registry()
	ctx := context.Background()

	meta, err := reg.Resolve(ctx, "alpha")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if meta == nil || meta.URL != "https://example.com/claim/home" || meta.Kind != "page" {
		t.Fatalf("meta = %+v", meta)
	}
	if !meta.Paused {
		t.Fatalf("administrative pause not carried through")
	}
	if !reg.IsValid(meta) {
		t.Fatalf("healthy page should be valid")
	}

	if meta, err := reg.Resolve(ctx, "beta"); err != nil || meta != nil {
		t.Fatalf("unmatched target: meta=%+v err=%v", meta, err)
	}
	if meta, err := reg.Resolve(ctx, "ghost"); err != nil || meta != nil {
		t.Fatalf("unknown target: meta=%+v err=%v", meta, err)
	}
}

func TestResolveReportsLoading(t *testing.T) {
	fb := newFakeBrowser(t)
	p := fb.addPage("p1", "https://example.com/claim")
	p.readyState = "loading"

	c := newTestClient(t, fb, TargetDef{ID: "alpha", Match: "https://example.com/*"})
	meta, err := c.Registry().Resolve(context.Background(), "alpha")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if meta == nil || !meta.Loading {
		t.Fatalf("meta = %+v, want loading", meta)
	}
}

func TestResolveCrashedPage(t *testing.T) {
	fb := newFakeBrowser(t)
	p := fb.addPage("p1", "https://example.com/claim")
	p.crashed = true

	c := newTestClient(t, fb, TargetDef{ID: "alpha", Match: "https://example.com/*"})
	reg := c.Registry()
	meta, err := reg.Resolve(context.Background(), "alpha")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if meta == nil || !meta.Crashed {
		t.Fatalf("meta = %+v, want crashed", meta)
	}
	if reg.IsValid(meta) {
		t.Fatalf("crashed page must not be valid")
	}
}

func TestListCache(t *testing.T) {
	fb := newFakeBrowser(t)
	fb.addPage("p1", "https://example.com/claim")

	cfg := Config{DebugURL: fb.srv.URL, ListCacheTTL: time.Minute}
	c := New(cfg, logx.Nop())
	defs := []TargetDef{{ID: "alpha", Match: "https://example.com/*"}}
	c.Apply(cfg, defs)
	ctx := context.Background()

	if _, err := c.listPages(ctx); err != nil {
		t.Fatalf("list: %v", err)
	}
	if _, err := c.listPages(ctx); err != nil {
		t.Fatalf("list: %v", err)
	}
	fb.mu.Lock()
	calls := fb.listCalls
	fb.mu.Unlock()
	if calls != 1 {
		t.Fatalf("list calls = %d, want 1 (cached)", calls)
	}

	// Apply drops the cache.
	c.Apply(cfg, defs)
	if _, err := c.listPages(ctx); err != nil {
		t.Fatalf("list: %v", err)
	}
	fb.mu.Lock()
	calls = fb.listCalls
	fb.mu.Unlock()
	if calls != 2 {
		t.Fatalf("list calls = %d, want 2 after Apply", calls)
	}
}

func TestCapabilityLifecycle(t *testing.T) {
	fb := newFakeBrowser(t)
	fb.addPage("p1", "https://example.com/claim")

	c := newTestClient(t, fb, TargetDef{ID: "alpha", Match: "https://example.com/*"})
	cap := c.Capability()
	ctx := context.Background()

	ready, err := cap.IsReady(ctx, "alpha")
	if err != nil {
		t.Fatalf("probe: %v", err)
	}
	if ready {
		t.Fatalf("fresh page should not be ready before install")
	}

	if err := cap.Install(ctx, "alpha"); err != nil {
		t.Fatalf("install: %v", err)
	}
	ready, err = cap.IsReady(ctx, "alpha")
	if err != nil || !ready {
		t.Fatalf("after install: ready=%v err=%v", ready, err)
	}

	res, err := cap.Invoke(ctx, "alpha")
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if !res.Success || res.Details != "clicked" {
		t.Fatalf("result = %+v", res)
	}
}

func TestInvokeWithoutControl(t *testing.T) {
	fb := newFakeBrowser(t)
	p := fb.addPage("p1", "https://example.com/claim")
	p.hasHelper = true
	p.hasControl = false

	c := newTestClient(t, fb, TargetDef{ID: "alpha", Match: "https://example.com/*"})
	res, err := c.Capability().Invoke(context.Background(), "alpha")
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if res.Success || res.Details != "control not found" {
		t.Fatalf("result = %+v", res)
	}
}

func TestDeniedUpgradeIsPermission(t *testing.T) {
	fb := newFakeBrowser(t)
	fb.addPage("p1", "https://example.com/claim")
	fb.mu.Lock()
	fb.denyUpgrade = true
	fb.mu.Unlock()

	c := newTestClient(t, fb, TargetDef{ID: "alpha", Match: "https://example.com/*"})
	_, err := c.Capability().IsReady(context.Background(), "alpha")
	if err == nil || !action.IsPermission(err) {
		t.Fatalf("err = %v, want permission class", err)
	}
}

func TestDeniedListIsPermission(t *testing.T) {
	fb := newFakeBrowser(t)
	fb.mu.Lock()
	fb.denyList = true
	fb.mu.Unlock()

	c := newTestClient(t, fb, TargetDef{ID: "alpha", Match: "https://example.com/*"})
	_, err := c.Registry().Resolve(context.Background(), "alpha")
	if err == nil || !action.IsPermission(err) {
		t.Fatalf("err = %v, want permission class", err)
	}
}

func TestReloadWipesHelper(t *testing.T) {
	fb := newFakeBrowser(t)
	p := fb.addPage("p1", "https://example.com/claim")

	c := newTestClient(t, fb, TargetDef{ID: "alpha", Match: "https://example.com/*"})
	cap := c.Capability()
	reg := c.Registry()
	ctx := context.Background()

	if err := cap.Install(ctx, "alpha"); err != nil {
		t.Fatalf("install: %v", err)
	}
	if err := reg.Reload(ctx, "alpha"); err != nil {
		t.Fatalf("reload: %v", err)
	}

	fb.mu.Lock()
	reloads := p.reloads
	fb.mu.Unlock()
	if reloads != 1 {
		t.Fatalf("reloads = %d, want 1", reloads)
	}

	ready, err := cap.IsReady(ctx, "alpha")
	if err != nil {
		t.Fatalf("probe after reload: %v", err)
	}
	if ready {
		t.Fatalf("helper should be gone after reload")
	}
}
