package rpcapi

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/trustmesh/trustmesh/internal/score"
	"github.com/trustmesh/trustmesh/internal/subscription"
	"github.com/trustmesh/trustmesh/internal/wotstore"
)

func id(b byte) string {
	buf := make([]byte, 32)
	for i := range buf {
		buf[i] = b
	}
	return base64.RawURLEncoding.EncodeToString(buf)
}

func newTestServer() *Server {
	s := wotstore.New()
	s.SetScoreEngine(score.New(nil))
	sub := subscription.New(s, 5)
	return NewServer(s, sub, "", false, 0, 1<<20)
}

func TestHealthCheck(t *testing.T) {
	srv := newTestServer()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}

func TestGetIdentityUnknownReturns404(t *testing.T) {
	srv := newTestServer()
	req := httptest.NewRequest(http.MethodGet, "/identity/"+id(9), nil)
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestGetIdentityFound(t *testing.T) {
	s := wotstore.New()
	s.SetScoreEngine(score.New(nil))
	sub := subscription.New(s, 5)
	srv := NewServer(s, sub, "", false, 0, 1<<20)

	txn := s.Begin()
	_ = txn.PutIdentity(&wotstore.Identity{ID: id(1), Properties: map[string]string{}})
	_ = txn.Commit()

	req := httptest.NewRequest(http.MethodGet, "/identity/"+id(1), nil)
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var got wotstore.Identity
	if err := json.NewDecoder(w.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.ID != id(1) {
		t.Errorf("expected identity %s, got %s", id(1), got.ID)
	}
}

func TestSubscribeRejectsUnknownKind(t *testing.T) {
	srv := newTestServer()
	body := strings.NewReader(`{"clientId":"c1","kind":"Bogus","callbackUrl":"http://example.invalid"}`)
	req := httptest.NewRequest(http.MethodPost, "/subscribe", body)
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestNodeAuthRequiredRejectsUnsignedRequest(t *testing.T) {
	s := wotstore.New()
	s.SetScoreEngine(score.New(nil))
	sub := subscription.New(s, 5)
	srv := NewServer(s, sub, "s3cr3t", true, 0, 1<<20)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
}

func TestNodeAuthRequiredAcceptsSignedRequest(t *testing.T) {
	s := wotstore.New()
	s.SetScoreEngine(score.New(nil))
	sub := subscription.New(s, 5)
	srv := NewServer(s, sub, "s3cr3t", true, 0, 1<<20)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	ts := time.Now().Unix()
	sig := SignRequest(http.MethodGet, "/health", nil, "s3cr3t", ts)
	req.Header.Set(NodeSignatureHeader, sig)
	req.Header.Set(NodeTimestampHeader, strconv.FormatInt(ts, 10))

	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}
