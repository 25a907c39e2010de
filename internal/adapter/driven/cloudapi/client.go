// Package cloudapi implements the TokenAPI port against the cloud provider's REST API.
package cloudapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gofri/go-github-ratelimit/v2/github_ratelimit"
	"github.com/golang-jwt/jwt/v5"
	"github.com/gregjones/httpcache"

	"github.com/ericfisherdev/acctswitch/internal/domain/model"
	"github.com/ericfisherdev/acctswitch/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.TokenAPI = (*Client)(nil)

// apiDateLayout is the timestamp format the API uses for expiry fields (UTC, no zone).
const apiDateLayout = "2006-01-02T15:04:05"

// maxErrorBody bounds how much of an error response is read.
const maxErrorBody = 64 << 10

// Client implements driven.TokenAPI over HTTP.
type Client struct {
	http    *http.Client
	baseURL *url.URL
	logger  *slog.Logger
}

// NewClient creates a cloud API client with the following transport stack:
//  1. httpcache (ETag revalidation of list requests)
//  2. go-github-ratelimit (waits out 429/403 rate-limit responses)
//  3. http.Client with the given timeout
func NewClient(baseURL string, timeout time.Duration, logger *slog.Logger) (*Client, error) {
	cacheTransport := httpcache.NewMemoryCacheTransport()
	rateLimitClient := github_ratelimit.NewClient(cacheTransport)
	rateLimitClient.Timeout = timeout

	return NewClientWithHTTPClient(rateLimitClient, baseURL, logger)
}

// NewClientWithHTTPClient creates a Client with a custom http.Client.
// Tests use it to point the client at an httptest server.
func NewClientWithHTTPClient(httpClient *http.Client, baseURL string, logger *slog.Logger) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing base URL: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("base URL %q must be absolute", baseURL)
	}

	return &Client{
		http:    httpClient,
		baseURL: u,
		logger:  logger,
	}, nil
}

// tokenJSON is the API representation of a personal or proxy token.
type tokenJSON struct {
	ID     flexibleID `json:"id"`
	Token  string     `json:"token"`
	Expiry *string    `json:"expiry"`
	Scope  string     `json:"scope"`
	Label  string     `json:"label"`
}

type tokenPageJSON struct {
	Data  []tokenJSON `json:"data"`
	Page  int         `json:"page"`
	Pages int         `json:"pages"`
}

type errorsJSON struct {
	Errors []struct {
		Field  string `json:"field"`
		Reason string `json:"reason"`
	} `json:"errors"`
}

// flexibleID accepts both numeric and string identifiers.
type flexibleID string

func (id *flexibleID) UnmarshalJSON(data []byte) error {
	s := strings.TrimSpace(string(data))
	if s == "null" {
		*id = ""
		return nil
	}
	if unquoted, err := strconv.Unquote(s); err == nil {
		*id = flexibleID(unquoted)
		return nil
	}
	if _, err := strconv.ParseFloat(s, 64); err != nil {
		return fmt.Errorf("invalid token id %s", s)
	}
	*id = flexibleID(s)
	return nil
}

// CreateProxyToken issues a proxy token for child account euuid.
func (c *Client) CreateProxyToken(ctx context.Context, authorization, accountID, euuid string) (*model.Credential, error) {
	if euuid == "" {
		return nil, errors.New("child account euuid is required")
	}

	endpoint := c.endpoint("account", accountID, "child-accounts", euuid, "token")

	var tok tokenJSON
	if err := c.do(ctx, http.MethodPost, endpoint, authorization, &tok); err != nil {
		return nil, fmt.Errorf("creating proxy token for %s: %w", euuid, err)
	}

	cred := mapToken(tok)
	cred.Scope = model.ScopeProxy
	cred.OwnerAccountID = euuid
	return &cred, nil
}

// RevokeToken revokes the token with the given id.
func (c *Client) RevokeToken(ctx context.Context, authorization, tokenID string) error {
	if tokenID == "" {
		return errors.New("token id is required")
	}

	endpoint := c.endpoint("profile", "tokens", tokenID)
	if err := c.do(ctx, http.MethodDelete, endpoint, authorization, nil); err != nil {
		return fmt.Errorf("revoking token %s: %w", tokenID, err)
	}
	return nil
}

// ListTokens lists all tokens of the authorized profile, following pagination.
func (c *Client) ListTokens(ctx context.Context, authorization string) ([]model.Credential, error) {
	var all []model.Credential

	for page := 1; ; page++ {
		endpoint := c.endpoint("profile", "tokens") + "?page=" + strconv.Itoa(page)

		var resp tokenPageJSON
		if err := c.do(ctx, http.MethodGet, endpoint, authorization, &resp); err != nil {
			return nil, fmt.Errorf("listing tokens (page %d): %w", page, err)
		}

		for _, tok := range resp.Data {
			all = append(all, mapToken(tok))
		}

		if resp.Pages <= page {
			break
		}
	}

	if all == nil {
		all = []model.Credential{}
	}
	return all, nil
}

func (c *Client) endpoint(segments ...string) string {
	escaped := make([]string, len(segments))
	for i, s := range segments {
		escaped[i] = url.PathEscape(s)
	}
	return strings.TrimSuffix(c.baseURL.String(), "/") + "/" + strings.Join(escaped, "/")
}

// do sends a request with the given bearer and decodes a JSON response into out.
// Non-2xx responses become *driven.RemoteError.
func (c *Client) do(ctx context.Context, method, endpoint, authorization string, out any) error {
	start := time.Now()

	req, err := http.NewRequestWithContext(ctx, method, endpoint, nil)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if authorization != "" {
		req.Header.Set("Authorization", "Bearer "+authorization)
	}
	if method == http.MethodGet {
		// Always revalidate: cached entries are keyed by URL, not by bearer.
		req.Header.Set("Cache-Control", "max-age=0")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	c.logger.Debug("cloud api call",
		"method", method,
		"path", req.URL.Path,
		"status", resp.StatusCode,
		"cached", resp.Header.Get(httpcache.XFromCache) != "",
		"duration", time.Since(start).Round(time.Millisecond),
	)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeRemoteError(resp)
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding %s response: %w", req.URL.Path, err)
	}
	return nil
}

func decodeRemoteError(resp *http.Response) error {
	remote := &driven.RemoteError{StatusCode: resp.StatusCode}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if err != nil || len(body) == 0 {
		return remote
	}

	var payload errorsJSON
	if err := json.Unmarshal(body, &payload); err == nil && len(payload.Errors) > 0 {
		reasons := make([]string, 0, len(payload.Errors))
		for _, e := range payload.Errors {
			if e.Reason != "" {
				reasons = append(reasons, e.Reason)
			}
		}
		remote.Reason = strings.Join(reasons, "; ")
	}
	return remote
}

// mapToken converts an API token to a domain credential.
func mapToken(tok tokenJSON) model.Credential {
	cred := model.Credential{
		ID:    string(tok.ID),
		Token: tok.Token,
	}
	switch model.Scope(tok.Scope) {
	case model.ScopeParent, model.ScopeProxy:
		cred.Scope = model.Scope(tok.Scope)
	}

	if tok.Expiry != nil {
		cred.ExpiresAt = parseAPIDate(*tok.Expiry)
	}
	if cred.ExpiresAt.IsZero() {
		cred.ExpiresAt = jwtExpiry(tok.Token)
	}
	return cred
}

// parseAPIDate parses the API's expiry format, falling back to RFC 3339.
// Unparseable values yield the zero time.
func parseAPIDate(s string) time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}
	}
	if t, err := time.ParseInLocation(apiDateLayout, s, time.UTC); err == nil {
		return t
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC()
	}
	return time.Time{}
}

// jwtExpiry reads the exp claim of a JWT bearer without verifying it; the API
// verifies its own tokens. Opaque tokens yield the zero time.
func jwtExpiry(token string) time.Time {
	if strings.Count(token, ".") != 2 {
		return time.Time{}
	}

	parsed, _, err := jwt.NewParser().ParseUnverified(token, &jwt.RegisteredClaims{})
	if err != nil {
		return time.Time{}
	}
	exp, err := parsed.Claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}
	}
	return exp.UTC()
}
