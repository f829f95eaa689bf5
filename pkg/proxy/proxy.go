// Package proxy forwards authenticated requests to the upstream API.
package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	apihttp "github.com/txn2/oauth-proxy/pkg/http"
)

const (
	// DefaultTimeout bounds one upstream exchange, redirects included.
	DefaultTimeout = 30 * time.Second

	// DefaultMaxRedirects is how many upstream redirects are followed.
	DefaultMaxRedirects = 5

	// maxJSONBody is the largest JSON body that is reserialized; larger
	// bodies are streamed through unchanged.
	maxJSONBody = 10 << 20
)

// excludedRequestHeaders never reach the upstream.
var excludedRequestHeaders = map[string]bool{
	"Host":                true,
	"Content-Length":      true,
	"Transfer-Encoding":   true,
	"Connection":          true,
	"Keep-Alive":          true,
	"Proxy-Authenticate":  true,
	"Proxy-Authorization": true,
	"Proxy-Connection":    true,
	"Te":                  true,
	"Trailer":             true,
	"Trailers":            true,
	"Upgrade":             true,
	"Authorization":       true,
}

// allowedResponseHeaders are the only upstream headers relayed to the client.
var allowedResponseHeaders = []string{
	"Content-Type",
	"Content-Disposition",
	"Content-Language",
	"Cache-Control",
	"Expires",
	"Pragma",
	"Last-Modified",
	"Etag",
	"Vary",
	"Access-Control-Allow-Origin",
	"Access-Control-Allow-Credentials",
	"Access-Control-Allow-Headers",
	"Access-Control-Allow-Methods",
	"Access-Control-Expose-Headers",
	"Access-Control-Max-Age",
}

// Config configures the forwarder.
type Config struct {
	// Upstream is the base URL requests are forwarded to.
	Upstream string

	// StripPrefix is removed from the inbound path before forwarding.
	StripPrefix string

	// UserAgent is sent on every upstream request.
	UserAgent string

	// Timeout bounds one upstream exchange. Zero means DefaultTimeout.
	Timeout time.Duration

	// MaxRedirects bounds followed redirects. Zero means DefaultMaxRedirects;
	// negative disables following.
	MaxRedirects int

	// Transport overrides the HTTP transport, mainly for tests.
	Transport http.RoundTripper

	// Logger receives forwarding failures. Nil means slog.Default().
	Logger *slog.Logger
}

// Forwarder relays requests to the upstream and copies back its response.
type Forwarder struct {
	upstream    *url.URL
	stripPrefix string
	userAgent   string
	client      *http.Client
	logger      *slog.Logger
}

// New creates a forwarder.
func New(cfg Config) (*Forwarder, error) {
	if cfg.Upstream == "" {
		return nil, fmt.Errorf("upstream URL is required")
	}
	upstream, err := url.Parse(cfg.Upstream)
	if err != nil {
		return nil, fmt.Errorf("parsing upstream URL: %w", err)
	}
	if upstream.Scheme != "http" && upstream.Scheme != "https" {
		return nil, fmt.Errorf("upstream URL must be http or https, got %q", cfg.Upstream)
	}
	if upstream.Host == "" {
		return nil, fmt.Errorf("upstream URL has no host: %q", cfg.Upstream)
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	maxRedirects := cfg.MaxRedirects
	if maxRedirects == 0 {
		maxRedirects = DefaultMaxRedirects
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	client := &http.Client{
		Timeout:   timeout,
		Transport: cfg.Transport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) > maxRedirects {
				return fmt.Errorf("stopped after %d redirects", maxRedirects)
			}
			// The upstream never receives the caller's credentials, even
			// when redirected to another host.
			req.Header.Del("Authorization")
			return nil
		},
	}

	return &Forwarder{
		upstream:    upstream,
		stripPrefix: strings.TrimSuffix(cfg.StripPrefix, "/"),
		userAgent:   cfg.UserAgent,
		client:      client,
		logger:      logger,
	}, nil
}

// ServeHTTP forwards r upstream. One attempt is made; the upstream call is
// bound to the inbound request context so a client disconnect abandons it.
func (f *Forwarder) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	out, err := f.outboundRequest(r)
	if err != nil {
		f.logger.Error("building upstream request", "path", r.URL.Path, "error", err)
		apihttp.WriteError(w, http.StatusInternalServerError, "failed to build upstream request")
		return
	}

	resp, err := f.client.Do(out)
	if err != nil {
		if errors.Is(r.Context().Err(), context.Canceled) {
			f.logger.Debug("client went away before upstream responded", "path", r.URL.Path)
			return
		}
		f.logger.Warn("upstream unavailable", "url", out.URL.Redacted(), "error", err)
		apihttp.WriteError(w, http.StatusBadGateway, "upstream unavailable")
		return
	}
	defer func() { _ = resp.Body.Close() }()

	copyResponseHeaders(w.Header(), resp.Header)
	if err := writeBody(w, resp); err != nil && !errors.Is(r.Context().Err(), context.Canceled) {
		f.logger.Warn("relaying upstream response", "url", out.URL.Redacted(), "error", err)
	}
}

// outboundRequest builds the upstream request for r.
func (f *Forwarder) outboundRequest(r *http.Request) (*http.Request, error) {
	target := *f.upstream
	target.Path = joinPath(f.upstream.Path, strings.TrimPrefix(r.URL.Path, f.stripPrefix))
	target.RawPath = ""
	target.RawQuery = r.URL.RawQuery

	var body io.Reader
	if r.Body != nil && r.Body != http.NoBody && r.ContentLength != 0 {
		body = r.Body
	}
	out, err := http.NewRequestWithContext(r.Context(), r.Method, target.String(), body)
	if err != nil {
		return nil, err
	}
	if body != nil {
		out.ContentLength = r.ContentLength
	}

	copyRequestHeaders(out.Header, r.Header)
	if f.userAgent != "" {
		out.Header.Set("User-Agent", f.userAgent)
	}
	if ip := clientIP(r); ip != "" {
		if prior := r.Header.Values("X-Forwarded-For"); len(prior) > 0 {
			ip = strings.Join(append(slices.Clone(prior), ip), ", ")
		}
		out.Header.Set("X-Forwarded-For", ip)
	}
	out.Header.Set("X-Original-Host", r.Host)
	return out, nil
}

func copyRequestHeaders(dst, src http.Header) {
	// Headers named by Connection are hop-by-hop as well (RFC 9110 Section 7.6.1).
	connection := map[string]bool{}
	for _, v := range src.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				connection[http.CanonicalHeaderKey(name)] = true
			}
		}
	}
	for name, values := range src {
		if excludedRequestHeaders[name] || connection[name] {
			continue
		}
		for _, v := range values {
			dst.Add(name, v)
		}
	}
}

func copyResponseHeaders(dst, src http.Header) {
	for _, name := range allowedResponseHeaders {
		for _, v := range src.Values(name) {
			dst.Add(name, v)
		}
	}
}

// writeBody relays the upstream status and body. Well-formed JSON bodies are
// reserialized; anything else is streamed as received.
func writeBody(w http.ResponseWriter, resp *http.Response) error {
	if !isJSON(resp.Header.Get("Content-Type")) {
		w.WriteHeader(resp.StatusCode)
		_, err := io.Copy(w, resp.Body)
		return err
	}

	buf, err := io.ReadAll(io.LimitReader(resp.Body, maxJSONBody+1))
	if err != nil {
		w.WriteHeader(resp.StatusCode)
		_, _ = w.Write(buf)
		return err
	}
	if len(buf) <= maxJSONBody {
		if out, ok := reserialize(buf); ok {
			w.WriteHeader(resp.StatusCode)
			_, err = w.Write(out)
			return err
		}
	}
	w.WriteHeader(resp.StatusCode)
	if _, err := w.Write(buf); err != nil {
		return err
	}
	_, err = io.Copy(w, resp.Body)
	return err
}

// reserialize decodes a single JSON value and encodes it again, keeping
// numbers exact.
func reserialize(data []byte) ([]byte, bool) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, false
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, false
	}
	var out bytes.Buffer
	if err := json.NewEncoder(&out).Encode(v); err != nil {
		return nil, false
	}
	return out.Bytes(), true
}

func isJSON(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return mediaType == "application/json" || strings.HasSuffix(mediaType, "+json")
}

func joinPath(base, rest string) string {
	if rest == "" {
		rest = "/"
	}
	if !strings.HasPrefix(rest, "/") {
		rest = "/" + rest
	}
	base = strings.TrimSuffix(base, "/")
	return base + rest
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
