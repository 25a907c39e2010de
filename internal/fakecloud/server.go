// Package fakecloud is an in-memory stand-in for the cloud provider's token
// endpoints. Proxy tokens are HS256 JWTs so clients can read their expiry.
package fakecloud

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"k8s.io/utils/clock"
)

const (
	defaultPageSize = 25
	// listedPrefixLen is how much of a token value the list endpoint reveals.
	listedPrefixLen = 16
	apiDateLayout   = "2006-01-02T15:04:05"
)

// Operation names a fault-injectable endpoint.
type Operation string

const (
	OpCreate Operation = "create"
	OpRevoke Operation = "revoke"
	OpList   Operation = "list"
)

// Options configures a Server.
type Options struct {
	Clock         clock.PassiveClock
	SigningKey    []byte
	ProxyLifetime time.Duration
	// OmitExpiry leaves the expiry field null so clients must read the JWT.
	OmitExpiry bool
	PageSize   int
	Logger     *slog.Logger
}

type tokenRecord struct {
	id        int
	jti       string
	value     string
	scope     string
	label     string
	profile   string
	expiresAt time.Time
	revoked   bool
}

type fault struct {
	status int
	reason string
}

// Server implements the create, revoke and list token endpoints.
type Server struct {
	clock      clock.PassiveClock
	signingKey []byte
	lifetime   time.Duration
	omitExpiry bool
	pageSize   int
	logger     *slog.Logger

	mu      sync.Mutex
	nextID  int
	parents map[string]string // parent bearer -> account id
	tokens  map[int]*tokenRecord
	byValue map[string]*tokenRecord
	faults  map[Operation][]fault
	calls   map[Operation]int
}

// New creates a Server with no registered parents.
func New(opts Options) (*Server, error) {
	if len(opts.SigningKey) == 0 {
		return nil, errors.New("fakecloud: signing key is required")
	}
	if opts.ProxyLifetime <= 0 {
		return nil, errors.New("fakecloud: proxy lifetime must be positive")
	}
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	if opts.PageSize <= 0 {
		opts.PageSize = defaultPageSize
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	return &Server{
		clock:      opts.Clock,
		signingKey: opts.SigningKey,
		lifetime:   opts.ProxyLifetime,
		omitExpiry: opts.OmitExpiry,
		pageSize:   opts.PageSize,
		logger:     opts.Logger,
		nextID:     1000,
		parents:    make(map[string]string),
		tokens:     make(map[int]*tokenRecord),
		byValue:    make(map[string]*tokenRecord),
		faults:     make(map[Operation][]fault),
		calls:      make(map[Operation]int),
	}, nil
}

// AddParent registers a personal token for accountID.
func (s *Server) AddParent(token, accountID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.parents[token] = accountID
	rec := &tokenRecord{
		id:      s.allocID(),
		value:   token,
		scope:   "parent",
		label:   "personal",
		profile: parentProfile(accountID),
	}
	s.tokens[rec.id] = rec
	s.byValue[token] = rec
}

// FailNext makes the next call to op fail with status and reason.
// Calls queue up: two FailNext calls fail the next two requests.
func (s *Server) FailNext(op Operation, status int, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults[op] = append(s.faults[op], fault{status: status, reason: reason})
}

// Calls returns how many requests op has received.
func (s *Server) Calls(op Operation) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

// Revoked reports whether the token with id was revoked.
func (s *Server) Revoked(id string) bool {
	n, err := strconv.Atoi(id)
	if err != nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.tokens[n]
	return ok && rec.revoked
}

// LiveProxies returns the number of unrevoked, unexpired proxy tokens.
func (s *Server) LiveProxies() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	n := 0
	for _, rec := range s.tokens {
		if rec.scope == "proxy" && !rec.revoked && now.Before(rec.expiresAt) {
			n++
		}
	}
	return n
}

// Handler returns the API routes mounted under basePath (e.g. "/v4").
func (s *Server) Handler(basePath string) http.Handler {
	base := "/" + strings.Trim(basePath, "/")
	if base == "/" {
		base = ""
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST "+base+"/account/{accountId}/child-accounts/{euuid}/token", s.createToken)
	mux.HandleFunc("DELETE "+base+"/profile/tokens/{id}", s.revokeToken)
	mux.HandleFunc("GET "+base+"/profile/tokens", s.listTokens)
	mux.HandleFunc("GET "+base+"/profile", s.profile)
	return mux
}

type tokenJSON struct {
	ID     int     `json:"id"`
	Token  string  `json:"token"`
	Expiry *string `json:"expiry"`
	Scope  string  `json:"scope"`
	Label  string  `json:"label"`
}

type tokenPageJSON struct {
	Data    []tokenJSON `json:"data"`
	Page    int         `json:"page"`
	Pages   int         `json:"pages"`
	Results int         `json:"results"`
}

type errorJSON struct {
	Field  string `json:"field,omitempty"`
	Reason string `json:"reason"`
}

func (s *Server) createToken(w http.ResponseWriter, r *http.Request) {
	accountID := r.PathValue("accountId")
	euuid := r.PathValue("euuid")

	s.mu.Lock()
	defer s.mu.Unlock()

	if f, ok := s.takeFault(OpCreate); ok {
		writeErrors(w, f.status, f.reason)
		return
	}

	bearer := bearerToken(r)
	owner, ok := s.parents[bearer]
	if !ok || s.byValue[bearer].revoked {
		writeErrors(w, http.StatusUnauthorized, "Invalid Token")
		return
	}
	if owner != accountID {
		writeErrors(w, http.StatusForbidden, "You do not have permission to access this account.")
		return
	}

	now := s.clock.Now().UTC().Truncate(time.Second)
	rec := &tokenRecord{
		id:        s.allocID(),
		jti:       uuid.NewString(),
		scope:     "proxy",
		label:     "proxy-" + euuid,
		profile:   childProfile(euuid),
		expiresAt: now.Add(s.lifetime),
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		ID:        rec.jti,
		Subject:   euuid,
		Issuer:    accountID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(rec.expiresAt),
	}).SignedString(s.signingKey)
	if err != nil {
		s.logger.Error("signing proxy token", "error", err)
		writeErrors(w, http.StatusInternalServerError, "Internal error")
		return
	}
	rec.value = signed

	s.tokens[rec.id] = rec
	s.byValue[signed] = rec

	s.logger.Info("proxy token issued", "id", rec.id, "child", euuid, "expires_at", rec.expiresAt)

	writeJSON(w, http.StatusOK, s.toJSON(rec, false))
}

func (s *Server) revokeToken(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if f, ok := s.takeFault(OpRevoke); ok {
		writeErrors(w, f.status, f.reason)
		return
	}

	caller, ok := s.authenticate(r)
	if !ok {
		writeErrors(w, http.StatusUnauthorized, "Invalid Token")
		return
	}

	id, err := strconv.Atoi(r.PathValue("id"))
	if err != nil {
		writeErrors(w, http.StatusNotFound, "Not found")
		return
	}
	rec, ok := s.tokens[id]
	if !ok || rec.revoked || rec.profile != caller.profile {
		writeErrors(w, http.StatusNotFound, "Not found")
		return
	}

	rec.revoked = true
	s.logger.Info("token revoked", "id", rec.id, "scope", rec.scope)

	writeJSON(w, http.StatusOK, struct{}{})
}

func (s *Server) listTokens(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if f, ok := s.takeFault(OpList); ok {
		writeErrors(w, f.status, f.reason)
		return
	}

	caller, ok := s.authenticate(r)
	if !ok {
		writeErrors(w, http.StatusUnauthorized, "Invalid Token")
		return
	}

	var owned []*tokenRecord
	for _, rec := range s.tokens {
		if rec.profile == caller.profile && !rec.revoked {
			owned = append(owned, rec)
		}
	}
	sort.Slice(owned, func(i, j int) bool { return owned[i].id < owned[j].id })

	page := 1
	if raw := r.URL.Query().Get("page"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			page = n
		}
	}
	pages := max(1, (len(owned)+s.pageSize-1)/s.pageSize)

	resp := tokenPageJSON{Data: []tokenJSON{}, Page: page, Pages: pages, Results: len(owned)}
	start := (page - 1) * s.pageSize
	for i := start; i < len(owned) && i < start+s.pageSize; i++ {
		resp.Data = append(resp.Data, s.toJSON(owned[i], true))
	}

	writeJSON(w, http.StatusOK, resp)
}

// profile echoes who the bearer authenticates as; the reverse proxy is
// exercised against it.
func (s *Server) profile(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	caller, ok := s.authenticate(r)
	if !ok {
		writeErrors(w, http.StatusUnauthorized, "Invalid Token")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"username": caller.profile,
		"scope":    caller.scope,
	})
}

// authenticate resolves the request's bearer to a live token record.
// Must be called with s.mu held.
func (s *Server) authenticate(r *http.Request) (*tokenRecord, bool) {
	bearer := bearerToken(r)
	if bearer == "" {
		return nil, false
	}

	if _, ok := s.parents[bearer]; ok {
		rec := s.byValue[bearer]
		return rec, !rec.revoked
	}

	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(bearer, claims, func(*jwt.Token) (any, error) {
		return s.signingKey, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(s.clock.Now),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, false
	}

	rec, ok := s.byValue[bearer]
	if !ok || rec.revoked || rec.jti != claims.ID {
		return nil, false
	}
	return rec, true
}

// takeFault pops the next injected failure for op and counts the call.
// Must be called with s.mu held.
func (s *Server) takeFault(op Operation) (fault, bool) {
	s.calls[op]++
	queue := s.faults[op]
	if len(queue) == 0 {
		return fault{}, false
	}
	s.faults[op] = queue[1:]
	return queue[0], true
}

func (s *Server) allocID() int {
	s.nextID++
	return s.nextID
}

func (s *Server) toJSON(rec *tokenRecord, truncate bool) tokenJSON {
	out := tokenJSON{ID: rec.id, Token: rec.value, Scope: rec.scope, Label: rec.label}
	if truncate && len(out.Token) > listedPrefixLen {
		out.Token = out.Token[:listedPrefixLen]
	}
	if !rec.expiresAt.IsZero() && (!s.omitExpiry || truncate) {
		expiry := rec.expiresAt.UTC().Format(apiDateLayout)
		out.Expiry = &expiry
	}
	return out
}

func parentProfile(accountID string) string { return "parent:" + accountID }
func childProfile(euuid string) string      { return "child:" + euuid }

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(h, "Bearer ")
	if !ok {
		return ""
	}
	return strings.TrimSpace(token)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, fmt.Sprintf("encoding response: %v", err), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

func writeErrors(w http.ResponseWriter, status int, reason string) {
	writeJSON(w, status, struct {
		Errors []errorJSON `json:"errors"`
	}{Errors: []errorJSON{{Reason: reason}}})
}
