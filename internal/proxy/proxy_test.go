package proxy_test

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/relaykit/internal/proxy"
	"github.com/example/relaykit/internal/retry"
)

type seenRequest struct {
	method string
	path   string
	query  string
	host   string
	header http.Header
	body   string
}

type upstream struct {
	*httptest.Server
	mu   sync.Mutex
	seen []seenRequest
}

func newUpstream(t *testing.T, name string) *upstream {
	t.Helper()
	u := &upstream{}
	u.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		u.mu.Lock()
		u.seen = append(u.seen, seenRequest{
			method: r.Method,
			path:   r.URL.Path,
			query:  r.URL.RawQuery,
			host:   r.Host,
			header: r.Header.Clone(),
			body:   string(body),
		})
		u.mu.Unlock()

		w.Header().Set("X-Upstream", name)
		w.Header().Add("Set-Cookie", "a=1")
		w.Header().Add("Set-Cookie", "b=2")
		w.Header().Set("Cache-Control", "no-store")
		w.WriteHeader(http.StatusCreated)
		flusher := w.(http.Flusher)
		_, _ = io.WriteString(w, "hello from ")
		flusher.Flush()
		_, _ = io.WriteString(w, name)
	}))
	t.Cleanup(u.Close)
	return u
}

func (u *upstream) requests() []seenRequest {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]seenRequest(nil), u.seen...)
}

func newForwarder(t *testing.T, rules ...proxy.Rule) *proxy.Forwarder {
	t.Helper()
	f, err := proxy.NewForwarder(proxy.NewTable(rules...), zerolog.Nop())
	if err != nil {
		t.Fatalf("forwarder: %v", err)
	}
	return f
}

var nextHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("X-Next", "yes")
	w.WriteHeader(http.StatusTeapot)
	_, _ = io.WriteString(w, "local")
})

func TestLastMatchingRuleWins(t *testing.T) {
	first := newUpstream(t, "first")
	second := newUpstream(t, "second")

	f := newForwarder(t,
		proxy.MustRule(`^http://app\.example\.com/api/(.*)$`, first.URL+"/{1}"),
		proxy.MustRule(`^http://app\.example\.com/api/(users)$`, second.URL+"/v2/{1}"),
	)

	rec := httptest.NewRecorder()
	f.Middleware(nextHandler).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "http://app.example.com/api/users", nil))

	if got := rec.Body.String(); got != "hello from second" {
		t.Fatalf("expected the last matching rule to win, got body %q", got)
	}
	if len(first.requests()) != 0 {
		t.Fatalf("first upstream must not be called")
	}
	if reqs := second.requests(); len(reqs) != 1 || reqs[0].path != "/v2/users" {
		t.Fatalf("unexpected upstream requests %+v", reqs)
	}
}

func TestNoMatchPassesThrough(t *testing.T) {
	up := newUpstream(t, "up")
	f := newForwarder(t, proxy.MustRule(`^http://other\.example\.com/`, up.URL))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "http://app.example.com/api/users", strings.NewReader("payload"))
	var seen *http.Request
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = r
		nextHandler.ServeHTTP(w, r)
	})
	f.Middleware(next).ServeHTTP(rec, req)

	if seen != req {
		t.Fatalf("next handler must receive the original request")
	}
	if rec.Code != http.StatusTeapot || rec.Body.String() != "local" || rec.Header().Get("X-Next") != "yes" {
		t.Fatalf("response was modified: %d %q %v", rec.Code, rec.Body.String(), rec.Header())
	}
	if len(up.requests()) != 0 {
		t.Fatalf("upstream must not be called")
	}
}

func TestForwardedResponseKeepsUpstreamHeaders(t *testing.T) {
	up := newUpstream(t, "up")
	f := newForwarder(t, proxy.MustRule(`^http://app\.example\.com/(.*)$`, up.URL+"/{1}"))

	srv := httptest.NewServer(f.Middleware(nextHandler))
	defer srv.Close()

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/files", nil)
	req.Host = "app.example.com"
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode != http.StatusCreated || string(body) != "hello from up" {
		t.Fatalf("unexpected response %d %q", resp.StatusCode, body)
	}
	if resp.Header.Get("X-Upstream") != "up" || resp.Header.Get("Cache-Control") != "no-store" {
		t.Fatalf("missing upstream headers: %v", resp.Header)
	}
	if cookies := resp.Header.Values("Set-Cookie"); len(cookies) != 2 || cookies[0] != "a=1" || cookies[1] != "b=2" {
		t.Fatalf("multi-value header changed: %v", cookies)
	}
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (fn roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return fn(r) }

func TestForwardStripsUpstreamTransferEncoding(t *testing.T) {
	client := &http.Client{Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
		return &http.Response{
			StatusCode: http.StatusOK,
			Header:     http.Header{"Transfer-Encoding": {"chunked"}, "X-Up": {"1"}},
			Body:       io.NopCloser(strings.NewReader("ok")),
			Request:    r,
		}, nil
	})}
	f, err := proxy.NewForwarder(
		proxy.NewTable(proxy.MustRule(`^http://app\.example\.com/(.*)$`, "http://backend:9000/{1}")),
		zerolog.Nop(), proxy.WithClient(client))
	if err != nil {
		t.Fatalf("forwarder: %v", err)
	}

	rec := httptest.NewRecorder()
	handled, err := f.Forward(rec, httptest.NewRequest(http.MethodGet, "http://app.example.com/x", nil))
	if !handled || err != nil {
		t.Fatalf("handled=%v err=%v", handled, err)
	}
	if got := rec.Header().Get("Transfer-Encoding"); got != "" {
		t.Fatalf("transfer-encoding leaked to the client: %q", got)
	}
	if rec.Header().Get("X-Up") != "1" || rec.Body.String() != "ok" {
		t.Fatalf("upstream response not relayed: %v %q", rec.Header(), rec.Body.String())
	}
}

func TestForwardCopiesHeadersBodyAndQuery(t *testing.T) {
	up := newUpstream(t, "up")
	f := newForwarder(t, proxy.MustRule(`^http://app\.example\.com/orders/(\d+)$`, up.URL+"/internal/orders/{1}?src=edge"))

	req := httptest.NewRequest(http.MethodPut, "http://app.example.com/orders/42?dry=1", strings.NewReader(`{"qty":2}`))
	req.Header.Set("Authorization", "Bearer t")
	req.Header.Set("Content-Type", "application/json")

	rec := httptest.NewRecorder()
	handled, err := f.Forward(rec, req)
	if !handled || err != nil {
		t.Fatalf("expected handled forward, got handled=%v err=%v", handled, err)
	}

	reqs := up.requests()
	if len(reqs) != 1 {
		t.Fatalf("expected one upstream request, got %d", len(reqs))
	}
	got := reqs[0]
	if got.method != http.MethodPut || got.path != "/internal/orders/42" || got.query != "dry=1" {
		t.Fatalf("unexpected upstream request %+v", got)
	}
	if got.body != `{"qty":2}` || got.header.Get("Authorization") != "Bearer t" {
		t.Fatalf("headers or body not forwarded: %+v", got)
	}
	if got.host != strings.TrimPrefix(up.URL, "http://") {
		t.Fatalf("expected Host to be the target host, got %q", got.host)
	}
}

func TestResolveReplacesTargetQueryWithInbound(t *testing.T) {
	table := proxy.NewTable(proxy.MustRule(`^http://app\.example\.com/(.*)$`, "http://backend:9000/{1}?src=edge#frag"))
	for raw, want := range map[string]string{
		"http://app.example.com/a?x=1": "http://backend:9000/a?x=1",
		"http://app.example.com/b":     "http://backend:9000/b",
	} {
		dest, matched, err := table.Resolve(httptest.NewRequest(http.MethodGet, raw, nil))
		if err != nil || !matched {
			t.Fatalf("%s: matched=%v err=%v", raw, matched, err)
		}
		if got := dest.String(); got != want {
			t.Fatalf("%s resolved to %s, want %s", raw, got, want)
		}
	}
}

func TestForwardDropsBodyForReadOnlyMethods(t *testing.T) {
	up := newUpstream(t, "up")
	f := newForwarder(t, proxy.MustRule(`^http://app\.example\.com/`, up.URL+"/"))

	for _, method := range []string{http.MethodGet, http.MethodDelete} {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(method, "http://app.example.com/", strings.NewReader("ignored"))
		if _, err := f.Forward(rec, req); err != nil {
			t.Fatalf("%s: unexpected error %v", method, err)
		}
	}
	for _, r := range up.requests() {
		if r.body != "" {
			t.Fatalf("%s must not carry a body, got %q", r.method, r.body)
		}
	}
}

func TestMatchingIsCaseInsensitiveOnURL(t *testing.T) {
	up := newUpstream(t, "up")
	f := newForwarder(t, proxy.MustRule(`^http://app\.example\.com/docs/(.*)$`, up.URL+"/{1}"))

	rec := httptest.NewRecorder()
	handled, err := f.Forward(rec, httptest.NewRequest(http.MethodGet, "http://APP.example.com:8080/Docs/Intro", nil))
	if !handled || err != nil {
		t.Fatalf("expected match on lowercased url without port, got handled=%v err=%v", handled, err)
	}
	if reqs := up.requests(); reqs[0].path != "/intro" {
		t.Fatalf("capture groups come from the lowercased url, got %q", reqs[0].path)
	}
}

func TestTransportErrorsAreReturnedAndNotRetried(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	dead := "http://" + ln.Addr().String()
	_ = ln.Close()

	f := newForwarder(t, proxy.MustRule(`^http://app\.example\.com/`, dead+"/"))

	rec := httptest.NewRecorder()
	handled, err := f.Forward(rec, httptest.NewRequest(http.MethodGet, "http://app.example.com/", nil))
	if !handled || err == nil {
		t.Fatalf("expected transport error, got handled=%v err=%v", handled, err)
	}
	var fe *proxy.ForwardError
	if !errors.As(err, &fe) || fe.Started {
		t.Fatalf("expected ForwardError before response start, got %v", err)
	}

	rec = httptest.NewRecorder()
	f.Middleware(nextHandler).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "http://app.example.com/", nil))
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected default error handler to answer 502, got %d", rec.Code)
	}
}

func TestCustomErrorHandler(t *testing.T) {
	var got error
	f, err := proxy.NewForwarder(
		proxy.NewTable(proxy.MustRule(`^http://app\.example\.com/`, "http://127.0.0.1:1/")),
		zerolog.Nop(),
		proxy.WithErrorHandler(func(w http.ResponseWriter, r *http.Request, err error) {
			got = err
			w.WriteHeader(http.StatusServiceUnavailable)
		}),
		proxy.WithTimeout(time.Second),
	)
	if err != nil {
		t.Fatalf("forwarder: %v", err)
	}

	rec := httptest.NewRecorder()
	f.Middleware(nextHandler).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "http://app.example.com/", nil))
	if got == nil || rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected custom handler to run, got err=%v code=%d", got, rec.Code)
	}
}

type outcomeRecorder struct {
	mu       sync.Mutex
	outcomes []string
}

func (o *outcomeRecorder) ObserveProxy(outcome string, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.outcomes = append(o.outcomes, outcome)
}

func TestObserverSeesOutcomes(t *testing.T) {
	up := newUpstream(t, "up")
	obs := &outcomeRecorder{}
	f, err := proxy.NewForwarder(proxy.NewTable(proxy.MustRule(`^http://app\.example\.com/`, up.URL+"/")), zerolog.Nop(), proxy.WithObserver(obs))
	if err != nil {
		t.Fatalf("forwarder: %v", err)
	}

	h := f.Middleware(nextHandler)
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "http://app.example.com/", nil))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "http://elsewhere.example.com/", nil))

	want := []string{proxy.OutcomeForwarded, proxy.OutcomePassThrough}
	if len(obs.outcomes) != 2 || obs.outcomes[0] != want[0] || obs.outcomes[1] != want[1] {
		t.Fatalf("outcomes = %v, want %v", obs.outcomes, want)
	}
}

func TestNewRuleValidation(t *testing.T) {
	cases := []struct {
		name    string
		pattern string
		target  string
	}{
		{name: "bad regex", pattern: `(`, target: "http://x/"},
		{name: "group out of range", pattern: `^/a/(.*)$`, target: "http://x/{2}"},
		{name: "unterminated placeholder", pattern: `^/a$`, target: "http://x/{0"},
		{name: "non numeric placeholder", pattern: `^/a$`, target: "http://x/{name}"},
		{name: "stray brace", pattern: `^/a$`, target: "http://x/}"},
	}
	for _, tc := range cases {
		if _, err := proxy.NewRule(tc.pattern, tc.target); !errors.Is(err, proxy.ErrInvalidRule) {
			t.Fatalf("%s: expected ErrInvalidRule, got %v", tc.name, err)
		}
	}

	rule, err := proxy.NewRule(`^http://h/(a)(b)$`, "http://t/{{{2}{1}}}/{0}")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	dest, matched, err := proxy.NewTable(rule).Resolve(httptest.NewRequest(http.MethodGet, "http://h/ab", nil))
	if err != nil || !matched {
		t.Fatalf("expected match, got matched=%v err=%v", matched, err)
	}
	if dest.Host != "t" || dest.Path != "/{ba}/http://h/ab" {
		t.Fatalf("unexpected expansion %q", dest.String())
	}
}

func TestParseRulesAndLoadFromFile(t *testing.T) {
	doc := []byte(`
rules:
  - pattern: '^http://app\.example\.com/(.*)$'
    target: 'http://backend:9000/{1}'
  - pattern: '^http://app\.example\.com/admin/(.*)$'
    target: 'http://admin:9001/{1}'
`)
	table, err := proxy.ParseRules(doc)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if table.Len() != 2 {
		t.Fatalf("expected 2 rules, got %d", table.Len())
	}
	dest, _, _ := table.Resolve(httptest.NewRequest(http.MethodGet, "http://app.example.com/admin/users", nil))
	if dest.String() != "http://admin:9001/users" {
		t.Fatalf("unexpected destination %q", dest)
	}

	path := filepath.Join(t.TempDir(), "rules.yaml")
	if err := os.WriteFile(path, doc, 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	loaded, err := proxy.LoadRules(context.Background(), path, nil, zerolog.Nop())
	if err != nil || loaded.Len() != 2 {
		t.Fatalf("expected file load to succeed, got %v", err)
	}

	if _, err := proxy.ParseRules([]byte("rules:\n  - pattern: '^x$'\n")); !errors.Is(err, proxy.ErrInvalidRule) {
		t.Fatalf("expected missing target to fail, got %v", err)
	}
	if _, err := proxy.ParseRules([]byte("rulez: []\n")); err == nil {
		t.Fatalf("expected unknown keys to be rejected")
	}
}

func TestLoadRulesFromURLRetries(t *testing.T) {
	var mu sync.Mutex
	hits := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		hits++
		n := hits
		mu.Unlock()
		if n == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = io.WriteString(w, "rules:\n  - pattern: '^http://a/'\n    target: 'http://b/'\n")
	}))
	defer srv.Close()

	noSleep := retry.WithSleeper(func(ctx context.Context, _ time.Duration) error { return ctx.Err() })
	table, err := proxy.LoadRules(context.Background(), srv.URL+"/rules.yaml", srv.Client(), zerolog.Nop(), noSleep)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if table.Len() != 1 || hits != 2 {
		t.Fatalf("expected 1 rule after 2 hits, got %d rules after %d hits", table.Len(), hits)
	}
}

func TestLoadRulesEmptySource(t *testing.T) {
	table, err := proxy.LoadRules(context.Background(), "  ", nil, zerolog.Nop())
	if err != nil || table.Len() != 0 {
		t.Fatalf("expected empty table, got %v", err)
	}
}
