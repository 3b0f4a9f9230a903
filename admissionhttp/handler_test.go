package admissionhttp

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ggoodman/admission-go/admission"
	"github.com/ggoodman/admission-go/admission/memorystore"
	"github.com/ggoodman/admission-go/gate"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func newController(t *testing.T, store admission.Store, maxActive int) *admission.Controller {
	t.Helper()
	ctrl, err := admission.New(store,
		admission.WithConfig(admission.Config{MaxActiveSessions: maxActive, AvgSessionDuration: 30 * time.Minute}),
		admission.WithLogger(discard),
	)
	if err != nil {
		t.Fatalf("controller: %v", err)
	}
	return ctrl
}

func newServer(t *testing.T, maxActive int) (*httptest.Server, *admission.Controller) {
	t.Helper()
	ctrl := newController(t, memorystore.New(), maxActive)
	srv := httptest.NewServer(New(ctrl, WithLogger(discard)))
	t.Cleanup(srv.Close)
	return srv, ctrl
}

func postSession(t *testing.T, srv *httptest.Server, identity string) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := http.Post(srv.URL+"/sessions", "application/json", strings.NewReader(`{"identity":"`+identity+`"}`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	var body map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&body)
	return resp, body
}

func doRequest(t *testing.T, method, url string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, url, nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	return resp
}

func TestCreateSessionActiveThenQueued(t *testing.T) {
	srv, _ := newServer(t, 1)

	resp, body := postSession(t, srv, "alice")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if body["status"] != "ACTIVE" || body["session_id"] == "" {
		t.Fatalf("unexpected active body: %v", body)
	}
	if resp.Header.Get(requestIDHeader) == "" {
		t.Fatal("expected a request id header")
	}

	resp, body = postSession(t, srv, "bob")
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}
	if body["status"] != "QUEUED" || body["position"] != float64(1) {
		t.Fatalf("unexpected queued body: %v", body)
	}
	if body["estimated_wait_seconds"] != float64(1800) {
		t.Fatalf("expected 1800s estimated wait, got %v", body["estimated_wait_seconds"])
	}
}

func TestCreateSessionRejectsBadInput(t *testing.T) {
	srv, _ := newServer(t, 1)

	resp, err := http.Post(srv.URL+"/sessions", "text/plain", strings.NewReader(`{"identity":"alice"}`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnsupportedMediaType {
		t.Fatalf("expected 415, got %d", resp.StatusCode)
	}

	resp, err = http.Post(srv.URL+"/sessions", "application/json", strings.NewReader(`{`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed JSON, got %d", resp.StatusCode)
	}

	resp, body := postSession(t, srv, "   ")
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for blank identity, got %d", resp.StatusCode)
	}
	errBody, _ := body["error"].(map[string]any)
	if errBody["code"] != float64(http.StatusBadRequest) {
		t.Fatalf("unexpected error body: %v", body)
	}
}

func TestDeletePromotesAndQueueEndpoints(t *testing.T) {
	srv, _ := newServer(t, 1)
	postSession(t, srv, "alice")
	postSession(t, srv, "bob")

	resp := doRequest(t, http.MethodGet, srv.URL+"/queue/bob")
	var pos positionResponse
	_ = json.NewDecoder(resp.Body).Decode(&pos)
	resp.Body.Close()
	if pos.Position == nil || *pos.Position != 1 {
		t.Fatalf("expected bob at position 1, got %+v", pos)
	}

	resp = doRequest(t, http.MethodDelete, srv.URL+"/sessions/alice")
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", resp.StatusCode)
	}

	resp = doRequest(t, http.MethodGet, srv.URL+"/sessions/bob")
	var sess admission.Session
	_ = json.NewDecoder(resp.Body).Decode(&sess)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || !sess.Promoted {
		t.Fatalf("expected bob promoted, status=%d sess=%+v", resp.StatusCode, sess)
	}

	resp = doRequest(t, http.MethodGet, srv.URL+"/queue")
	var st admission.QueueStatus
	_ = json.NewDecoder(resp.Body).Decode(&st)
	resp.Body.Close()
	if st != (admission.QueueStatus{ActiveSessions: 1, MaxSessions: 1, QueueLength: 0, AvailableSlots: 0}) {
		t.Fatalf("unexpected queue status: %+v", st)
	}

	resp = doRequest(t, http.MethodGet, srv.URL+"/queue/nobody")
	pos = positionResponse{}
	_ = json.NewDecoder(resp.Body).Decode(&pos)
	resp.Body.Close()
	if pos.Position != nil {
		t.Fatalf("expected null position for unknown identity, got %d", *pos.Position)
	}

	resp = doRequest(t, http.MethodGet, srv.URL+"/sessions/alice")
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for released alice, got %d", resp.StatusCode)
	}
}

type unavailableStore struct{ admission.Store }

func (unavailableStore) Counts(context.Context) (admission.Counts, error) {
	return admission.Counts{}, io.ErrUnexpectedEOF
}

func TestStoreUnavailableMapsTo503(t *testing.T) {
	ctrl := newController(t, unavailableStore{Store: memorystore.New()}, 1)
	srv := httptest.NewServer(New(ctrl, WithLogger(discard)))
	defer srv.Close()

	resp := doRequest(t, http.MethodGet, srv.URL+"/queue")
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", resp.StatusCode)
	}
}

func TestGateMiddleware(t *testing.T) {
	ctrl := newController(t, memorystore.New(), 1)
	ctx := context.Background()
	if _, err := ctrl.CreateSession(ctx, "alice"); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := ctrl.CreateSession(ctx, "bob"); err != nil {
		t.Fatalf("create: %v", err)
	}

	g := gate.New(1, ctrl, gate.WithLogger(discard))
	var sawPermit bool
	upstream := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sawPermit = g.InFlight() == 1
		w.WriteHeader(http.StatusTeapot)
	})
	srv := httptest.NewServer(GateMiddleware(g, IdentityFromHeader("X-Identity"), upstream, WithLogger(discard)))
	defer srv.Close()

	call := func(identity string) int {
		req, _ := http.NewRequest(http.MethodGet, srv.URL+"/work", nil)
		if identity != "" {
			req.Header.Set("X-Identity", identity)
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("request: %v", err)
		}
		resp.Body.Close()
		return resp.StatusCode
	}

	if code := call("alice"); code != http.StatusTeapot {
		t.Fatalf("alice: expected upstream response, got %d", code)
	}
	if !sawPermit {
		t.Fatal("upstream ran without holding a permit")
	}
	if g.Available() != 1 {
		t.Fatalf("permit not returned: %d available", g.Available())
	}
	if code := call("bob"); code != http.StatusForbidden {
		t.Fatalf("queued bob: expected 403, got %d", code)
	}
	if code := call(""); code != http.StatusBadRequest {
		t.Fatalf("missing identity: expected 400, got %d", code)
	}
}
