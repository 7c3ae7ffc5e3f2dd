package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/threadlock/internal/locks"
	"github.com/danmuck/threadlock/internal/platform"
	"github.com/danmuck/threadlock/internal/reconcile"
	"github.com/danmuck/threadlock/internal/rollout"
	"github.com/danmuck/threadlock/internal/testutil/testlog"
	"github.com/rs/zerolog/log"
)

type capturePublisher struct {
	mu     sync.Mutex
	events []platform.Event
	err    error
}

func (p *capturePublisher) Publish(events ...platform.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, events...)
	return nil
}

type staticReverts []reconcile.PendingRevert

func (s staticReverts) Pending() []reconcile.PendingRevert { return s }

type staticRollouts []rollout.Step

func (s staticRollouts) Pending() []rollout.Step { return s }

func newTestServer(t *testing.T, token string, pub Publisher) (*Server, *locks.Registry) {
	t.Helper()
	registry, _ := locks.Open(nil)
	if err := registry.Set(locks.KindGroupName, "t2", "Beta"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := registry.Set(locks.KindGroupName, "t1", "Alpha"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := registry.Set(locks.KindNickname, "t1", "Bot"); err != nil {
		t.Fatalf("set: %v", err)
	}
	fireAt := time.Date(2026, 3, 1, 12, 0, 2, 0, time.UTC)
	s := New(Config{Addr: ":0", IngressToken: token}, Deps{
		Registry:  registry,
		Reverts:   staticReverts{{Kind: locks.KindNickname, ThreadID: "t1", ParticipantID: "A", FireAt: fireAt}},
		Rollouts:  staticRollouts{{ThreadID: "t1", ParticipantID: "B", Nickname: "Bot", Index: 1, FireAt: fireAt}},
		Publisher: pub,
	}, log.Logger)
	return s, registry
}

func do(s *Server, method, path, body string, header map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealthAndReady(t *testing.T) {
	testlog.Start(t)

	s, _ := newTestServer(t, "", nil)
	if rec := do(s, http.MethodGet, "/health", "", nil); rec.Code != http.StatusOK {
		t.Fatalf("health status=%d", rec.Code)
	}
	if rec := do(s, http.MethodGet, "/ready", "", nil); rec.Code != http.StatusOK {
		t.Fatalf("ready status=%d", rec.Code)
	}

	s.deps.Ready = func() error { return errors.New("feed down") }
	rec := do(s, http.MethodGet, "/ready", "", nil)
	if rec.Code != http.StatusServiceUnavailable || !strings.Contains(rec.Body.String(), "feed down") {
		t.Fatalf("expected 503 with reason, got %d %s", rec.Code, rec.Body.String())
	}
}

func TestMetricsEndpoint(t *testing.T) {
	testlog.Start(t)

	s, _ := newTestServer(t, "", nil)
	do(s, http.MethodGet, "/health", "", nil)
	rec := do(s, http.MethodGet, "/metrics", "", nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "threadlock_http_requests_total") {
		t.Fatalf("expected request counter in metrics output, status=%d", rec.Code)
	}
}

func TestListLocks(t *testing.T) {
	testlog.Start(t)

	s, _ := newTestServer(t, "", nil)
	rec := do(s, http.MethodGet, "/locks", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d", rec.Code)
	}
	var out struct {
		Locks []locks.Lock `json:"locks"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out.Locks) != 3 {
		t.Fatalf("expected 3 locks, got %+v", out.Locks)
	}
	if out.Locks[0].ThreadID != "t1" || out.Locks[0].Value != "Alpha" || out.Locks[2].Kind != locks.KindNickname {
		t.Fatalf("unexpected ordering: %+v", out.Locks)
	}

	rec = do(s, http.MethodGet, "/locks/nick", "", nil)
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out.Locks) != 1 || out.Locks[0].Value != "Bot" {
		t.Fatalf("unexpected nickname locks: %+v", out.Locks)
	}

	if rec := do(s, http.MethodGet, "/locks/color", "", nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown kind, got %d", rec.Code)
	}
}

func TestPendingWork(t *testing.T) {
	testlog.Start(t)

	s, _ := newTestServer(t, "", nil)
	rec := do(s, http.MethodGet, "/pending", "", nil)
	var out struct {
		Reverts  []reconcile.PendingRevert `json:"reverts"`
		Rollouts []rollout.Step            `json:"rollouts"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out.Reverts) != 1 || out.Reverts[0].ParticipantID != "A" {
		t.Fatalf("unexpected reverts: %+v", out.Reverts)
	}
	if len(out.Rollouts) != 1 || out.Rollouts[0].Index != 1 {
		t.Fatalf("unexpected rollouts: %+v", out.Rollouts)
	}
}

func TestIngestPublishesEventsInOrder(t *testing.T) {
	testlog.Start(t)

	pub := &capturePublisher{}
	s, _ := newTestServer(t, "", pub)
	body := `[
		{"type":"message","message":{"thread_id":"t1","sender_id":"100","body":"!ping"}},
		{"type":"change","change":{"thread_id":"t1","log_type":"log:thread-name","new_value":"lol"}}
	]`
	rec := do(s, http.MethodPost, "/events", body, map[string]string{"Content-Type": "application/json"})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
	if len(pub.events) != 2 || pub.events[0].Type != platform.EventMessage || pub.events[1].Change.NewValue != "lol" {
		t.Fatalf("unexpected published events: %+v", pub.events)
	}

	single := `{"type":"message","message":{"thread_id":"t1","sender_id":"100","body":"hi"}}`
	if rec := do(s, http.MethodPost, "/events", single, nil); rec.Code != http.StatusAccepted {
		t.Fatalf("single event status=%d", rec.Code)
	}
	if len(pub.events) != 3 {
		t.Fatalf("expected 3 events total, got %d", len(pub.events))
	}
}

func TestIngestRejectsInvalidBodies(t *testing.T) {
	testlog.Start(t)

	pub := &capturePublisher{}
	s, _ := newTestServer(t, "", pub)
	for _, body := range []string{"", "{", "[]", `{"type":"message"}`, `[{"type":"bogus"}]`} {
		if rec := do(s, http.MethodPost, "/events", body, nil); rec.Code != http.StatusBadRequest {
			t.Fatalf("%q: expected 400, got %d", body, rec.Code)
		}
	}
	if len(pub.events) != 0 {
		t.Fatalf("invalid bodies must not publish: %+v", pub.events)
	}
}

func TestIngestRequiresToken(t *testing.T) {
	testlog.Start(t)

	pub := &capturePublisher{}
	s, _ := newTestServer(t, "s3cret", pub)
	body := `{"type":"message","message":{"thread_id":"t1","sender_id":"100","body":"hi"}}`

	if rec := do(s, http.MethodPost, "/events", body, nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("missing token: expected 401, got %d", rec.Code)
	}
	if rec := do(s, http.MethodPost, "/events", body, map[string]string{"Authorization": "Bearer nope"}); rec.Code != http.StatusUnauthorized {
		t.Fatalf("wrong token: expected 401, got %d", rec.Code)
	}
	if rec := do(s, http.MethodPost, "/events", body, map[string]string{"Authorization": "Bearer s3cret"}); rec.Code != http.StatusAccepted {
		t.Fatalf("valid token: expected 202, got %d", rec.Code)
	}
}

func TestIngestWithoutPublisher(t *testing.T) {
	testlog.Start(t)

	s, _ := newTestServer(t, "", nil)
	body := `{"type":"message","message":{"thread_id":"t1","sender_id":"100","body":"hi"}}`
	if rec := do(s, http.MethodPost, "/events", body, nil); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}

func TestIngestPublishFailure(t *testing.T) {
	testlog.Start(t)

	s, _ := newTestServer(t, "", &capturePublisher{err: errors.New("redis down")})
	body := `{"type":"message","message":{"thread_id":"t1","sender_id":"100","body":"hi"}}`
	if rec := do(s, http.MethodPost, "/events", body, nil); rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", rec.Code)
	}
}
