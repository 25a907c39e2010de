package httphandler

import (
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"

	"k8s.io/utils/clock"

	"github.com/ericfisherdev/acctswitch/internal/domain/model"
)

// ProxyPrefix is where the cloud API is mounted on the local server.
const ProxyPrefix = "/api/v4/"

// ActiveCredentialSource returns the credential outgoing requests are signed with.
type ActiveCredentialSource interface {
	Active() *model.Credential
}

// CloudProxy forwards requests under ProxyPrefix to the cloud API, signing
// each one with whatever credential is active at that moment.
type CloudProxy struct {
	creds  ActiveCredentialSource
	clock  clock.PassiveClock
	proxy  *httputil.ReverseProxy
	logger *slog.Logger
}

// NewCloudProxy creates a CloudProxy for the API rooted at baseURL.
// A nil transport uses http.DefaultTransport.
func NewCloudProxy(
	baseURL string,
	creds ActiveCredentialSource,
	clk clock.PassiveClock,
	transport http.RoundTripper,
	logger *slog.Logger,
) (*CloudProxy, error) {
	target, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing base URL: %w", err)
	}
	if target.Scheme == "" || target.Host == "" {
		return nil, fmt.Errorf("base URL %q must be absolute", baseURL)
	}

	p := &CloudProxy{creds: creds, clock: clk, logger: logger}
	p.proxy = &httputil.ReverseProxy{
		Rewrite: func(r *httputil.ProxyRequest) {
			r.Out.URL.Path = "/" + strings.TrimPrefix(r.In.URL.Path, ProxyPrefix)
			r.Out.URL.RawPath = ""
			r.SetURL(target)
			r.Out.Host = target.Host
			r.Out.Header.Del("Cookie")
		},
		Transport: transport,
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			logger.Warn("cloud API proxy error", "path", r.URL.Path, "error", err)
			writeError(w, http.StatusBadGateway, "cloud API unreachable")
		},
	}
	return p, nil
}

// RegisterProxyRoutes mounts p under ProxyPrefix.
func RegisterProxyRoutes(mux *http.ServeMux, p *CloudProxy) {
	mux.Handle(ProxyPrefix, p)
}

// ServeHTTP signs the request with the active credential and forwards it.
// Requests are refused locally when no usable credential is active.
func (p *CloudProxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	cred := p.creds.Active()
	if cred == nil {
		writeError(w, http.StatusUnauthorized, "no active credential")
		return
	}
	if cred.ExpiredAt(p.clock.Now()) {
		writeError(w, http.StatusUnauthorized, "active credential has expired")
		return
	}

	out := r.Clone(r.Context())
	out.Header.Set("Authorization", "Bearer "+cred.Token)

	p.logger.Debug("proxying cloud API request",
		"method", r.Method,
		"path", r.URL.Path,
		"credential_id", cred.ID,
		"scope", cred.Scope,
	)
	p.proxy.ServeHTTP(w, out)
}
