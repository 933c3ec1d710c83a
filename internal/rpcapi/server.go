// Package rpcapi is the HTTP/JSON RPC surface clients use to
// subscribe to notifications and run one-shot queries against the
// trust graph kernel (spec.md §6).
package rpcapi

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/trustmesh/trustmesh/internal/subscription"
	"github.com/trustmesh/trustmesh/internal/wotstore"
	"github.com/trustmesh/trustmesh/internal/wotstore/errs"
)

// Server wires the store, subscription manager, and auth/rate-limit
// configuration to an HTTP router.
type Server struct {
	store        *wotstore.Store
	subscriber   *subscription.Manager
	nodeSecret   string
	requireAuth  bool
	rateLimiter  *IPRateLimiter
	maxBodyBytes int64
}

// NewServer builds a Server. rateLimitPerMinute<=0 disables rate
// limiting.
func NewServer(store *wotstore.Store, subscriber *subscription.Manager, nodeSecret string, requireAuth bool, rateLimitPerMinute int, maxBodyBytes int64) *Server {
	var limiter *IPRateLimiter
	if rateLimitPerMinute > 0 {
		limiter = NewIPRateLimiter(rateLimitPerMinute)
	}
	return &Server{
		store:        store,
		subscriber:   subscriber,
		nodeSecret:   nodeSecret,
		requireAuth:  requireAuth,
		rateLimiter:  limiter,
		maxBodyBytes: maxBodyBytes,
	}
}

// Router builds the mux.Router exposing the full RPC surface,
// instrumented with otelhttp and wrapped in the standard middleware
// chain.
func (s *Server) Router() http.Handler {
	router := mux.NewRouter()

	router.HandleFunc("/health", s.HealthCheckHandler).Methods(http.MethodGet)
	router.HandleFunc("/identity/{id}", s.GetIdentityHandler).Methods(http.MethodGet)
	router.HandleFunc("/trust/{truster}/{trustee}", s.GetTrustHandler).Methods(http.MethodGet)
	router.HandleFunc("/score/{owner}/{target}", s.GetScoreHandler).Methods(http.MethodGet)
	router.HandleFunc("/subscribe", s.SubscribeHandler).Methods(http.MethodPost)
	router.HandleFunc("/unsubscribe", s.UnsubscribeHandler).Methods(http.MethodPost)

	var handler http.Handler = router
	handler = RequestIDMiddleware(handler)
	handler = MetricsMiddleware(handler)
	handler = NodeAuthMiddleware(s.nodeSecret, s.requireAuth)(handler)
	if s.rateLimiter != nil {
		handler = RateLimitMiddleware(s.rateLimiter)(handler)
	}
	handler = BodySizeLimitMiddleware(s.maxBodyBytes)(handler)
	return otelhttp.NewHandler(handler, "trustmesh.rpcapi")
}

func (s *Server) HealthCheckHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) GetIdentityHandler(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	identity, err := s.store.GetIdentity(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, identity)
}

func (s *Server) GetTrustHandler(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	trust, err := s.store.GetTrust(vars["truster"], vars["trustee"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, trust)
}

func (s *Server) GetScoreHandler(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	score, err := s.store.GetScore(vars["owner"], vars["target"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, score)
}

type subscribeRequest struct {
	ClientID    string `json:"clientId"`
	Kind        string `json:"kind"` // "Identities" | "Trusts" | "Scores"
	CallbackURL string `json:"callbackUrl"`
}

type subscribeResponse struct {
	Subscription string `json:"subscription"`
}

func (s *Server) SubscribeHandler(w http.ResponseWriter, r *http.Request) {
	var req subscribeRequest
	if DecodeJSONBody(w, r, &req) != nil {
		return
	}
	kind, ok := parseSourceKind(req.Kind)
	if !ok {
		http.Error(w, "invalid kind", http.StatusBadRequest)
		return
	}
	transport := NewHTTPCallbackTransport(req.CallbackURL, http.DefaultClient)
	subID, err := s.subscriber.Subscribe(req.ClientID, subscription.RPC, transport, kind)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, subscribeResponse{Subscription: subID})
}

type unsubscribeRequest struct {
	ClientID     string `json:"clientId"`
	Subscription string `json:"subscription"`
}

func (s *Server) UnsubscribeHandler(w http.ResponseWriter, r *http.Request) {
	var req unsubscribeRequest
	if DecodeJSONBody(w, r, &req) != nil {
		return
	}
	if err := s.subscriber.Unsubscribe(req.ClientID, req.Subscription); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "unsubscribed"})
}

func parseSourceKind(s string) (subscription.SourceKind, bool) {
	switch s {
	case "Identities":
		return subscription.Identities, true
	case "Trusts":
		return subscription.Trusts, true
	case "Scores":
		return subscription.Scores, true
	default:
		return 0, false
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	switch err.(type) {
	case *errs.UnknownEntity:
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
	case *errs.ValidationError:
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
	case *errs.DuplicateEntity:
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
	default:
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
}

func readAndRestoreBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, err
	}
	r.Body = io.NopCloser(bytes.NewReader(body))
	return body, nil
}

// HTTPCallbackTransport delivers notifications to a client-supplied
// callback URL, implementing subscription.Transport: a 2xx response
// is an explicit success, any other status (409 included) is an
// explicit client failure, and a request error is treated as a
// transport disconnect.
type HTTPCallbackTransport struct {
	url    string
	client *http.Client
}

var _ subscription.Transport = (*HTTPCallbackTransport)(nil)

// NewHTTPCallbackTransport builds a callback transport posting to url.
func NewHTTPCallbackTransport(url string, client *http.Client) *HTTPCallbackTransport {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPCallbackTransport{url: url, client: client}
}

func (t *HTTPCallbackTransport) Send(n *subscription.Notification) (bool, error) {
	payload, err := json.Marshal(n)
	if err != nil {
		return false, err
	}
	resp, err := t.client.Post(t.url, "application/json", bytes.NewReader(payload))
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return true, nil
	case resp.StatusCode == http.StatusConflict:
		return false, nil
	default:
		return false, nil
	}
}
