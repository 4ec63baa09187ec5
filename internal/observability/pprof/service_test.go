package pprof

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	rtsup "clickd/internal/runtime/supervisor"
	logx "clickd/pkg/logx"
)

func TestCanonPrefix(t *testing.T) {
	cases := []struct{ in, want string }{
		{"", "/debug/pprof/"},
		{"  ", "/debug/pprof/"},
		{"/debug/pprof/", "/debug/pprof/"},
		{"debug/prof", "/debug/prof/"},
		{"/x", "/x/"},
	}
	for _, c := range cases {
		if got := canonPrefix(c.in); got != c.want {
			t.Errorf("canonPrefix(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestLoopbackAddr(t *testing.T) {
	cases := []struct {
		addr string
		want bool
	}{
		{"127.0.0.1:6060", true},
		{"localhost:6060", true},
		{"[::1]:6060", true},
		{"0.0.0.0:6060", false},
		{":6060", false},
		{"10.1.2.3:6060", false},
		{"no-port", false},
	}
	for _, c := range cases {
		if got := loopbackAddr(c.addr); got != c.want {
			t.Errorf("loopbackAddr(%q) = %v, want %v", c.addr, got, c.want)
		}
	}
}

func TestRestartNeeded(t *testing.T) {
	base := Config{Addr: "127.0.0.1:6060", Prefix: "/debug/pprof/"}

	if restartNeeded(base, base) {
		t.Fatal("identical configs should not need a restart")
	}

	same := base
	same.Prefix = "debug/pprof" // canonicalizes to the same prefix
	same.MemProfileRate = 4096  // rates apply live
	if restartNeeded(base, same) {
		t.Fatal("prefix spelling and profile rates should not need a restart")
	}

	for _, mut := range []func(*Config){
		func(c *Config) { c.Addr = "127.0.0.1:7070" },
		func(c *Config) { c.Token = "s3cret" },
		func(c *Config) { c.AllowInsecure = true },
		func(c *Config) { c.ReadTimeout = 5 * time.Second },
	} {
		c := base
		mut(&c)
		if !restartNeeded(base, c) {
			t.Errorf("change %+v should need a restart", c)
		}
	}
}

func TestRequireToken(t *testing.T) {
	var called bool
	h := requireToken("s3cret", func(w http.ResponseWriter, _ *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	})

	do := func(mutate func(*http.Request)) int {
		called = false
		req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
		mutate(req)
		rec := httptest.NewRecorder()
		h(rec, req)
		return rec.Code
	}

	if code := do(func(*http.Request) {}); code != http.StatusUnauthorized || called {
		t.Fatalf("no credentials: code = %d, called = %v", code, called)
	}
	if code := do(func(r *http.Request) { r.Header.Set("Authorization", "Bearer wrong") }); code != http.StatusUnauthorized {
		t.Fatalf("wrong bearer: code = %d", code)
	}
	if code := do(func(r *http.Request) { r.Header.Set("Authorization", "Bearer s3cret") }); code != http.StatusOK || !called {
		t.Fatalf("good bearer: code = %d, called = %v", code, called)
	}
	if code := do(func(r *http.Request) { r.URL.RawQuery = "token=s3cret" }); code != http.StatusOK {
		t.Fatalf("good query token: code = %d", code)
	}
	if code := do(func(r *http.Request) { r.URL.RawQuery = "token=nope" }); code != http.StatusUnauthorized {
		t.Fatalf("bad query token: code = %d", code)
	}
}

func TestRequireTokenDisabledWhenEmpty(t *testing.T) {
	h := requireToken("  ", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	rec := httptest.NewRecorder()
	h(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d, want 200", rec.Code)
	}
}

func TestMuxHealthz(t *testing.T) {
	s := New(Config{}, logx.Nop())
	mux := s.buildMux(Config{})

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK || rec.Body.String() != "ok" {
		t.Fatalf("healthz: code = %d, body = %q", rec.Code, rec.Body.String())
	}
}

func TestMuxSupervisorStats(t *testing.T) {
	s := New(Config{}, logx.Nop())
	mux := s.buildMux(Config{})

	// Without a source the endpoint is a 404.
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/debug/supervisor", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("no source: code = %d, want 404", rec.Code)
	}

	s.SetStats(func() rtsup.Snapshot {
		return rtsup.Snapshot{Active: 3, Started: 7}
	})
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/debug/supervisor", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("with source: code = %d, want 200", rec.Code)
	}
	var snap rtsup.Snapshot
	if err := json.Unmarshal(rec.Body.Bytes(), &snap); err != nil {
		t.Fatalf("decoding snapshot: %v", err)
	}
	if snap.Active != 3 || snap.Started != 7 {
		t.Fatalf("snapshot = %+v", snap)
	}
}

func TestMuxRedirectsBarePrefix(t *testing.T) {
	s := New(Config{}, logx.Nop())
	mux := s.buildMux(Config{Prefix: "/debug/pprof/"})

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/debug/pprof", nil))
	if rec.Code != http.StatusPermanentRedirect {
		t.Fatalf("code = %d, want 308", rec.Code)
	}
	if loc := rec.Header().Get("Location"); loc != "/debug/pprof/" {
		t.Fatalf("location = %q", loc)
	}
}
