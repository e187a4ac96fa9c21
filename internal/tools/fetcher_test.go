package tools

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"os"
	"strings"
	"sync/atomic"
	"testing"
)

type fakeResolver map[string][]netip.Addr

func (f fakeResolver) LookupNetIP(_ context.Context, _, host string) ([]netip.Addr, error) {
	if addrs, ok := f[host]; ok {
		return addrs, nil
	}
	return nil, fmt.Errorf("no such host %s", host)
}

func TestHostGuard_BlocksInternalDestinations(t *testing.T) {
	g, err := NewHostGuard(WithResolver(fakeResolver{
		"public.example":  {netip.MustParseAddr("93.184.216.34")},
		"sneaky.example":  {netip.MustParseAddr("93.184.216.34"), netip.MustParseAddr("10.1.2.3")},
		"private.example": {netip.MustParseAddr("192.168.1.20")},
	}), WithBlockedHosts("intranet.corp", ".corp.example"), WithBlockedCIDRs("93.184.0.0/24"))
	if err != nil {
		t.Fatalf("NewHostGuard: %v", err)
	}

	tests := []struct {
		host    string
		blocked bool
	}{
		{"127.0.0.1", true},
		{"10.0.0.5", true},
		{"169.254.169.254", true},
		{"172.20.1.1", true},
		{"100.64.0.1", true},
		{"0.0.0.0", true},
		{"[::1]", true},
		{"::ffff:10.0.0.1", true},
		{"fd00::1", true},
		{"fe80::1", true},
		{"localhost", true},
		{"LOCALHOST.", true},
		{"metadata.google.internal", true},
		{"printer.local", true},
		{"intranet.corp", true},
		{"wiki.corp.example", true},
		{"private.example", true},
		{"sneaky.example", true},
		{"93.184.0.7", true},
		{"public.example", false},
		{"8.8.8.8", false},
		{"2606:4700:4700::1111", false},
	}
	for _, tt := range tests {
		t.Run(tt.host, func(t *testing.T) {
			_, err := g.Check(context.Background(), tt.host)
			var blocked *FetchBlockedHostError
			if got := errors.As(err, &blocked); got != tt.blocked {
				t.Errorf("Check(%q) blocked = %v (err %v), want %v", tt.host, got, err, tt.blocked)
			}
		})
	}
}

func TestHostGuard_ControlChecksDialedAddress(t *testing.T) {
	g, err := NewHostGuard()
	if err != nil {
		t.Fatal(err)
	}
	if err := g.Control("tcp4", "127.0.0.1:80", nil); err == nil {
		t.Error("dial to loopback allowed")
	}
	if err := g.Control("tcp6", "[::ffff:169.254.169.254]:80", nil); err == nil {
		t.Error("dial to mapped metadata address allowed")
	}
	if err := g.Control("tcp4", "93.184.216.34:443", nil); err != nil {
		t.Errorf("dial to public address blocked: %v", err)
	}
}

// loopbackFetcher can reach httptest servers but still blocks 10/8.
func loopbackFetcher(t *testing.T, opts ...FetchOption) *Fetcher {
	t.Helper()
	g, err := NewHostGuard(WithoutDefaultRanges(), WithBlockedCIDRs("10.0.0.0/8"))
	if err != nil {
		t.Fatal(err)
	}
	return NewFetcher(g, opts...)
}

func TestFetcher_DefaultGuardRefusesLoopback(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	g, _ := NewHostGuard()
	f := NewFetcher(g)
	d := f.Evaluate(context.Background(), FetchRequest{URL: srv.URL})
	if d.Allowed() || d.Category != CategoryBlockedHost {
		t.Fatalf("decision = %+v", d)
	}
	_, err := f.Execute(context.Background(), d)
	var blocked *FetchBlockedHostError
	if !errors.As(err, &blocked) {
		t.Errorf("Execute err = %v", err)
	}
	if hits.Load() != 0 {
		t.Error("blocked request reached the server")
	}
}

func TestFetcher_Evaluate(t *testing.T) {
	f := loopbackFetcher(t, WithMaxBytes(1000))
	tests := []struct {
		name     string
		req      FetchRequest
		category string
	}{
		{"file scheme", FetchRequest{URL: "file:///etc/passwd"}, CategoryUnsupportedURL},
		{"relative", FetchRequest{URL: "/just/a/path"}, CategoryUnsupportedURL},
		{"userinfo", FetchRequest{URL: "http://user:pw@127.0.0.1/"}, CategoryUnsupportedURL},
		{"declared too large", FetchRequest{URL: "http://127.0.0.1/big", DeclaredSize: 1001}, CategorySizeLimit},
		{"blocked cidr", FetchRequest{URL: "http://10.0.0.5/"}, CategoryBlockedHost},
		{"ok", FetchRequest{URL: "http://127.0.0.1/?token=abc", DeclaredSize: 1000}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := f.Evaluate(context.Background(), tt.req)
			if tt.category == "" {
				if !d.Allowed() {
					t.Fatalf("denied: %s %s", d.Category, d.Reason)
				}
				if strings.Contains(d.Target, "token") {
					t.Errorf("Target leaks the query: %s", d.Target)
				}
				return
			}
			if d.Allowed() || d.Category != tt.category {
				t.Errorf("decision = %v/%s, want deny %s", d.Verdict, d.Category, tt.category)
			}
		})
	}

	d := f.Evaluate(context.Background(), FetchRequest{URL: "http://127.0.0.1/big", DeclaredSize: 5000})
	var tooLarge *FetchTooLargeError
	if _, err := f.Execute(context.Background(), d); !errors.As(err, &tooLarge) || !tooLarge.Declared {
		t.Errorf("Execute err = %v, want declared FetchTooLargeError", err)
	}
}

func TestFetcher_ExecuteWithinLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		fmt.Fprint(w, "hello")
	}))
	defer srv.Close()

	f := loopbackFetcher(t, WithMaxBytes(5))
	res, err := f.Execute(context.Background(), f.Evaluate(context.Background(), FetchRequest{URL: srv.URL}))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if string(res.Body) != "hello" || res.StatusCode != 200 {
		t.Errorf("result = %d %q", res.StatusCode, res.Body)
	}
}

func TestFetcher_AbortsOversizedStream(t *testing.T) {
	chunk := strings.Repeat("x", 512)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fl := w.(http.Flusher)
		for i := 0; i < 64; i++ { // no Content-Length: chunked
			fmt.Fprint(w, chunk)
			fl.Flush()
		}
	}))
	defer srv.Close()

	f := loopbackFetcher(t, WithMaxBytes(2048))
	_, err := f.Execute(context.Background(), f.Evaluate(context.Background(), FetchRequest{URL: srv.URL}))
	var tooLarge *FetchTooLargeError
	if !errors.As(err, &tooLarge) || tooLarge.Declared {
		t.Fatalf("err = %v, want streamed FetchTooLargeError", err)
	}
}

func TestFetcher_RejectsDeclaredContentLength(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "100000")
		w.Write(make([]byte, 100000))
	}))
	defer srv.Close()

	f := loopbackFetcher(t, WithMaxBytes(1000))
	_, err := f.Execute(context.Background(), f.Evaluate(context.Background(), FetchRequest{URL: srv.URL}))
	var tooLarge *FetchTooLargeError
	if !errors.As(err, &tooLarge) || !tooLarge.Declared || tooLarge.Size != 100000 {
		t.Fatalf("err = %v", err)
	}
}

func TestFetcher_DownloadRemovesPartialFile(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/small" {
			fmt.Fprint(w, "tiny")
			return
		}
		fl := w.(http.Flusher)
		for i := 0; i < 16; i++ {
			w.Write(make([]byte, 1024))
			fl.Flush()
		}
	}))
	defer srv.Close()

	dir := t.TempDir()
	f := loopbackFetcher(t, WithMaxBytes(4096))

	_, _, err := f.Download(context.Background(), f.Evaluate(context.Background(), FetchRequest{URL: srv.URL + "/big"}), dir, "media-*")
	var tooLarge *FetchTooLargeError
	if !errors.As(err, &tooLarge) {
		t.Fatalf("err = %v", err)
	}
	if entries, _ := os.ReadDir(dir); len(entries) != 0 {
		t.Errorf("partial file left behind: %v", entries)
	}

	path, n, err := f.Download(context.Background(), f.Evaluate(context.Background(), FetchRequest{URL: srv.URL + "/small"}), dir, "media-*")
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	if b, _ := os.ReadFile(path); string(b) != "tiny" || n != 4 {
		t.Errorf("downloaded %d bytes %q", n, b)
	}
}

func TestFetcher_RedirectToBlockedHost(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "http://10.0.0.5/admin", http.StatusFound)
	}))
	defer srv.Close()

	f := loopbackFetcher(t)
	_, err := f.Execute(context.Background(), f.Evaluate(context.Background(), FetchRequest{URL: srv.URL}))
	var blocked *FetchBlockedHostError
	if !errors.As(err, &blocked) {
		t.Fatalf("err = %v, want FetchBlockedHostError", err)
	}
}

func TestFetcher_RedirectLimit(t *testing.T) {
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, srv.URL+r.URL.Path+"x", http.StatusFound)
	}))
	defer srv.Close()

	f := loopbackFetcher(t, WithMaxRedirects(2))
	_, err := f.Execute(context.Background(), f.Evaluate(context.Background(), FetchRequest{URL: srv.URL + "/r"}))
	var transport *FetchTransportError
	if !errors.As(err, &transport) || !strings.Contains(err.Error(), "stopped after 2 redirects") {
		t.Fatalf("err = %v", err)
	}
}

func TestWebFetchTool(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/page":
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			fmt.Fprint(w, "<html><head><title>Docs</title></head><body><p>Install with make.</p></body></html>")
		case "/data":
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprint(w, `{"a":1}`)
		}
	}))
	defer srv.Close()

	reg := NewRegistry()
	reg.Register(NewWebFetchTool(loopbackFetcher(t), 0))

	res := reg.Execute(context.Background(), "web_fetch", map[string]interface{}{"url": srv.URL + "/page"})
	if res.IsError || !strings.Contains(res.ForLLM, "# Docs\n\nInstall with make.") || !strings.Contains(res.ForLLM, "<web_content") {
		t.Errorf("html result = %s", res.ForLLM)
	}
	res = reg.Execute(context.Background(), "web_fetch", map[string]interface{}{"url": srv.URL + "/data"})
	if !strings.Contains(res.ForLLM, "\"a\": 1") {
		t.Errorf("json result = %s", res.ForLLM)
	}
	res = reg.Execute(context.Background(), "web_fetch", map[string]interface{}{"url": "http://10.0.0.5/"})
	if !res.Denied || !strings.Contains(res.ForLLM, `"status":"blocked"`) {
		t.Errorf("blocked result = %+v", res)
	}
}
