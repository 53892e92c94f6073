// Package backendtest provides an in-process secret backend speaking the
// KV v1, sys/policy and token accessor endpoints, for tests.
package backendtest

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"
)

// RootToken is the only token the fake accepts.
const RootToken = "root-test-token"

// Call is one request received by the fake.
type Call struct {
	Method string
	Path   string
}

// Token is a token issued through auth/token/create.
type Token struct {
	ClientToken string
	Accessor    string
	DisplayName string
	Policies    []string
	Revoked     bool
}

type failure struct {
	method string
	prefix string
	status int
}

// Server is an in-memory secret backend behind an httptest.Server.
type Server struct {
	mu       sync.Mutex
	kv       map[string]map[string]any // path without /v1/ -> data
	policies map[string]string
	tokens   map[string]*Token // keyed by accessor
	calls    []Call
	failures []failure

	srv *httptest.Server
}

// NewServer starts a fake backend that is closed when t finishes.
func NewServer(t testing.TB) *Server {
	t.Helper()
	s := &Server{
		kv:       map[string]map[string]any{},
		policies: map[string]string{},
		tokens:   map[string]*Token{},
	}
	s.srv = httptest.NewServer(s.routes())
	t.Cleanup(s.srv.Close)
	return s
}

// URL is the base address to hand to backend.Config.
func (s *Server) URL() string { return s.srv.URL }

// Close stops the listener; further calls fail at the transport level.
func (s *Server) Close() { s.srv.Close() }

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(s.record)
	r.Use(s.requireRoot)
	r.Use(s.inject)

	r.Route("/v1", func(r chi.Router) {
		r.Get("/sys/policy/{name}", s.policyRead)
		r.Put("/sys/policy/{name}", s.policyWrite)
		r.Post("/sys/policy/{name}", s.policyWrite)
		r.Delete("/sys/policy/{name}", s.policyDelete)

		r.Put("/auth/token/create", s.tokenCreate)
		r.Post("/auth/token/create", s.tokenCreate)
		r.Put("/auth/token/revoke-accessor", s.tokenRevoke)
		r.Post("/auth/token/revoke-accessor", s.tokenRevoke)

		r.Get("/*", s.kvRead)
		r.Put("/*", s.kvWrite)
		r.Post("/*", s.kvWrite)
		r.Delete("/*", s.kvDelete)
	})
	return r
}

// --- Middleware ---

func (s *Server) record(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.calls = append(s.calls, Call{Method: r.Method, Path: strings.TrimPrefix(r.URL.Path, "/v1/")})
		s.mu.Unlock()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requireRoot(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Vault-Token") != RootToken {
			writeError(w, http.StatusForbidden, "permission denied")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) inject(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p := strings.TrimPrefix(r.URL.Path, "/v1/")
		s.mu.Lock()
		status := 0
		for _, f := range s.failures {
			if (f.method == "" || f.method == r.Method) && strings.HasPrefix(p, f.prefix) {
				status = f.status
				break
			}
		}
		s.mu.Unlock()
		if status != 0 {
			writeError(w, status, "injected failure")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// --- Key/value ---

func (s *Server) kvRead(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("list") == "true" {
		s.kvList(w, r)
		return
	}
	p := chi.URLParam(r, "*")
	s.mu.Lock()
	data, ok := s.kv[p]
	s.mu.Unlock()
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": data})
}

func (s *Server) kvList(w http.ResponseWriter, r *http.Request) {
	prefix := strings.TrimSuffix(chi.URLParam(r, "*"), "/") + "/"
	s.mu.Lock()
	seen := map[string]bool{}
	for p := range s.kv {
		if !strings.HasPrefix(p, prefix) {
			continue
		}
		rest := strings.TrimPrefix(p, prefix)
		if i := strings.Index(rest, "/"); i >= 0 {
			rest = rest[:i+1]
		}
		seen[rest] = true
	}
	s.mu.Unlock()

	if len(seen) == 0 {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	writeJSON(w, http.StatusOK, map[string]any{"data": map[string]any{"keys": keys}})
}

func (s *Server) kvWrite(w http.ResponseWriter, r *http.Request) {
	p := chi.URLParam(r, "*")
	var data map[string]any
	if err := json.NewDecoder(r.Body).Decode(&data); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	s.mu.Lock()
	s.kv[p] = data
	s.mu.Unlock()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) kvDelete(w http.ResponseWriter, r *http.Request) {
	p := chi.URLParam(r, "*")
	s.mu.Lock()
	delete(s.kv, p)
	s.mu.Unlock()
	w.WriteHeader(http.StatusNoContent)
}

// --- Policies ---

func (s *Server) policyRead(w http.ResponseWriter, r *http.Request) {
	name := strings.ToLower(chi.URLParam(r, "name"))
	s.mu.Lock()
	doc, ok := s.policies[name]
	s.mu.Unlock()
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"name":  name,
		"rules": doc,
		"data":  map[string]any{"name": name, "rules": doc},
	})
}

func (s *Server) policyWrite(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	var req struct {
		Policy string `json:"policy"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Policy == "" {
		writeError(w, http.StatusBadRequest, "'policy' parameter not supplied or empty")
		return
	}
	s.mu.Lock()
	s.policies[strings.ToLower(name)] = req.Policy
	s.mu.Unlock()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) policyDelete(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	s.mu.Lock()
	delete(s.policies, strings.ToLower(name))
	s.mu.Unlock()
	w.WriteHeader(http.StatusNoContent)
}

// --- Tokens ---

func (s *Server) tokenCreate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Policies    []string `json:"policies"`
		DisplayName string   `json:"display_name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	tok := &Token{
		ClientToken: "hvs." + randomHex(12),
		Accessor:    randomHex(12),
		DisplayName: "token-" + req.DisplayName,
		Policies:    append([]string{"default"}, req.Policies...),
	}
	s.mu.Lock()
	s.tokens[tok.Accessor] = tok
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{
		"auth": map[string]any{
			"client_token":   tok.ClientToken,
			"accessor":       tok.Accessor,
			"policies":       tok.Policies,
			"token_policies": tok.Policies,
			"lease_duration": 0,
			"renewable":      false,
		},
	})
}

func (s *Server) tokenRevoke(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Accessor string `json:"accessor"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Accessor == "" {
		writeError(w, http.StatusBadRequest, "missing accessor")
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	tok, ok := s.tokens[req.Accessor]
	if !ok || tok.Revoked {
		writeError(w, http.StatusBadRequest, "invalid accessor")
		return
	}
	tok.Revoked = true
	w.WriteHeader(http.StatusNoContent)
}

// --- Test controls ---

// FailOn makes every request whose method matches (empty matches all) and
// whose path (without /v1/) starts with prefix answer with status.
func (s *Server) FailOn(method, prefix string, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = append(s.failures, failure{method: method, prefix: prefix, status: status})
}

// ClearFailures removes every injected failure.
func (s *Server) ClearFailures() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = nil
}

// Calls returns the requests received so far.
func (s *Server) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Call(nil), s.calls...)
}

// Secret returns the data stored at p.
func (s *Server) Secret(p string) (map[string]any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.kv[p]
	return data, ok
}

// PutSecret stores data at p directly, bypassing HTTP.
func (s *Server) PutSecret(p string, data map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.kv[p] = data
}

// SecretPaths returns every stored path under prefix, sorted.
func (s *Server) SecretPaths(prefix string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for p := range s.kv {
		if strings.HasPrefix(p, prefix) {
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return out
}

// Policy returns the rule text of a policy.
func (s *Server) Policy(name string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.policies[name]
	return doc, ok
}

// PutPolicy stores a policy directly, bypassing HTTP.
func (s *Server) PutPolicy(name, doc string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.policies[name] = doc
}

// Token returns the token registered under accessor.
func (s *Server) Token(accessor string) (Token, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tok, ok := s.tokens[accessor]
	if !ok {
		return Token{}, false
	}
	return *tok, true
}

// LiveTokens returns the tokens that have not been revoked.
func (s *Server) LiveTokens() []Token {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Token
	for _, tok := range s.tokens {
		if !tok.Revoked {
			out = append(out, *tok)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Accessor < out[j].Accessor })
	return out
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]any{"errors": []string{msg}})
}

func randomHex(n int) string {
	b := make([]byte, n)
	rand.Read(b) //nolint:errcheck
	return hex.EncodeToString(b)
}
