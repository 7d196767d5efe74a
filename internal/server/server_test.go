package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/relaykit/internal/config"
	"github.com/example/relaykit/internal/mail"
	"github.com/example/relaykit/internal/metrics"
	"github.com/example/relaykit/internal/outbox"
	"github.com/example/relaykit/internal/proxy"
	"github.com/example/relaykit/internal/server"
	emailvalidator "github.com/example/relaykit/internal/worker/validator/email"
)

type stubDeliverer struct {
	mu     sync.Mutex
	report mail.Report
	got    []mail.Message
}

func (s *stubDeliverer) Deliver(_ context.Context, msg mail.Message) mail.Report {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.got = append(s.got, msg)
	r := s.report
	r.MessageID = msg.ID
	return r
}

func validator() *emailvalidator.Validator {
	return emailvalidator.New(config.ValidationConfig{MsgMaxBytes: 4096, RecipientsMax: 5, SubjectMaxLen: 100, BodyMaxBytes: 1024}, "noreply@example.com", zerolog.Nop())
}

func newServer(t *testing.T, d server.Deliverer, opts ...server.Option) http.Handler {
	t.Helper()
	srv, err := server.New(d, validator(), zerolog.Nop(), opts...)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	return srv.Handler()
}

const request = `{"to":["a@example.com"],"subject":"hello","body":{"content":"hi there"}}`

func post(h http.Handler, body string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "http://relay.local/v1/mail", strings.NewReader(body)))
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) server.SendResponse {
	t.Helper()
	var out server.SendResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return out
}

func TestSendAcceptsDeliveredMail(t *testing.T) {
	d := &stubDeliverer{report: mail.Report{
		Delivered: true,
		Provider:  "smtp",
		Attempts: []mail.AttemptResult{
			{Provider: "ses_static", Skipped: true},
			{Provider: "smtp", Success: true},
		},
	}}
	rec := post(newServer(t, d), request)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("X-Request-Id") == "" {
		t.Fatalf("expected a request id header")
	}
	resp := decode(t, rec)
	if !resp.Delivered || resp.Provider != "smtp" || resp.Attempts != 1 || resp.MessageID == "" {
		t.Fatalf("unexpected response %+v", resp)
	}
	if len(d.got) != 1 || d.got[0].From.Email != "noreply@example.com" {
		t.Fatalf("deliverer got %+v", d.got)
	}
}

func TestSendParksUndeliveredMail(t *testing.T) {
	store, err := outbox.Open(filepath.Join(t.TempDir(), "outbox.db"))
	if err != nil {
		t.Fatalf("open outbox: %v", err)
	}
	defer store.Close()

	d := &stubDeliverer{report: mail.Report{
		Err:      mail.ErrAllProvidersFailed,
		Attempts: []mail.AttemptResult{{Provider: "smtp", Err: errors.New("421 busy")}},
	}}
	rec := post(newServer(t, d, server.WithOutbox(store)), request)

	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d", rec.Code)
	}
	resp := decode(t, rec)
	if resp.Delivered || !resp.Queued || resp.Error == "" {
		t.Fatalf("unexpected response %+v", resp)
	}
	entry, err := store.Get(resp.MessageID)
	if err != nil {
		t.Fatalf("parked message missing: %v", err)
	}
	if entry.Message.Subject != "hello" || !strings.Contains(entry.Reason, "all providers failed") {
		t.Fatalf("unexpected entry %+v", entry)
	}
}

func TestSendRejectsBadRequests(t *testing.T) {
	d := &stubDeliverer{}
	h := newServer(t, d, server.WithMaxBodyBytes(128))

	if rec := post(h, `{"to":[]}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("invalid request: status = %d", rec.Code)
	}
	big := `{"to":["a@example.com"],"body":{"content":"` + strings.Repeat("x", 200) + `"}}`
	if rec := post(h, big); rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("oversized request: status = %d", rec.Code)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "http://relay.local/v1/mail", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("GET /v1/mail: status = %d", rec.Code)
	}
	if len(d.got) != 0 {
		t.Fatalf("deliverer must not be called")
	}
}

func TestHealthzUsesReadiness(t *testing.T) {
	var ready error
	h := newServer(t, &stubDeliverer{}, server.WithReadiness(func() error { return ready }))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "http://relay.local/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz = %d", rec.Code)
	}

	ready = errors.New("kafka producer not ready")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "http://relay.local/healthz", nil))
	if rec.Code != http.StatusServiceUnavailable || !strings.Contains(rec.Body.String(), "kafka") {
		t.Fatalf("healthz = %d %s", rec.Code, rec.Body.String())
	}
}

func TestProxyRulesShortCircuitRouting(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Upstream", r.URL.Path)
		_, _ = io.WriteString(w, "proxied")
	}))
	defer upstream.Close()

	collector := metrics.New()
	fwd, err := proxy.NewForwarder(
		proxy.NewTable(proxy.MustRule(`^http://relay\.local/legacy/(.*)$`, upstream.URL+"/{1}")),
		zerolog.Nop(),
		proxy.WithObserver(collector),
	)
	if err != nil {
		t.Fatalf("forwarder: %v", err)
	}
	h := newServer(t, &stubDeliverer{}, server.WithMiddleware(fwd.Middleware), server.WithMetricsHandler(collector.Handler()))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "http://relay.local/legacy/status", nil))
	if rec.Body.String() != "proxied" || rec.Header().Get("X-Upstream") != "/status" {
		t.Fatalf("expected proxied response, got %d %q", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "http://relay.local/metrics", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `relaykit_proxy_requests_total{outcome="forwarded"} 1`) {
		t.Fatalf("metrics missing proxy counter:\n%s", rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), `relaykit_proxy_requests_total{outcome="pass_through"} 1`) {
		t.Fatalf("the metrics request itself should pass through:\n%s", rec.Body.String())
	}
}

func TestAccessLogCarriesRequestID(t *testing.T) {
	var logs bytes.Buffer
	srv, err := server.New(&stubDeliverer{}, validator(), zerolog.New(&logs))
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "http://relay.local/healthz", nil))

	line := logs.String()
	if !strings.Contains(line, `"request_id":"`+rec.Header().Get("X-Request-Id")+`"`) || !strings.Contains(line, `"status":200`) {
		t.Fatalf("unexpected access log %q", line)
	}
}

func TestRunShutsDownOnCancel(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	srv, err := server.New(&stubDeliverer{}, validator(), zerolog.Nop(), server.WithShutdownTimeout(time.Second))
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx, addr) }()

	deadline := time.Now().Add(2 * time.Second)
	for {
		resp, err := http.Get("http://" + addr + "/healthz")
		if err == nil {
			resp.Body.Close()
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("server never came up: %v", err)
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run returned %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("run did not return after cancel")
	}
}

func TestNewRequiresDependencies(t *testing.T) {
	if _, err := server.New(nil, validator(), zerolog.Nop()); err == nil {
		t.Fatalf("expected error without deliverer")
	}
	if _, err := server.New(&stubDeliverer{}, nil, zerolog.Nop()); err == nil {
		t.Fatalf("expected error without validator")
	}
}
