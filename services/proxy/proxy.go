// Package proxy routes HTTP traffic for one deployment: path prefixes
// forward to upstream services, the catch-all serves the static frontend.
package proxy

import (
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/caravelhq/caravel/models"
)

// Resolver maps a service name to the host that reaches it. Inside a shared
// network the name itself resolves (container DNS), which is the default; a
// different resolver is injected for tests or for off-network deployments.
type Resolver func(service string) string

type DecisionKind string

const (
	DecideForward DecisionKind = "forward"
	DecideStatic  DecisionKind = "static"
	DecideNone    DecisionKind = "none"
)

// Decision is the routing outcome for one request path.
type Decision struct {
	Kind DecisionKind
	Rule models.RouteRule
	// ForwardPath is the upstream path after rewrite, set for forwards.
	ForwardPath string

	ruleIndex int
}

// Router matches request paths against an ordered rule list. Rules are
// immutable after construction and the router holds no per-request state, so
// it serves arbitrarily many requests concurrently without locking.
type Router struct {
	rules      []models.RouteRule
	staticRoot string
	indexFile  string
	resolve    Resolver
	upstreams  []*httputil.ReverseProxy // parallel to rules; nil for the catch-all
}

func NewRouter(rules []models.RouteRule, staticRoot string, resolve Resolver) (*Router, error) {
	if err := models.ValidateRoutes(rules); err != nil {
		return nil, err
	}
	if resolve == nil {
		resolve = func(service string) string { return service }
	}

	r := &Router{
		rules:      rules,
		staticRoot: staticRoot,
		indexFile:  filepath.Join(staticRoot, "index.html"),
		resolve:    resolve,
		upstreams:  make([]*httputil.ReverseProxy, len(rules)),
	}
	for i, rule := range rules {
		if rule.IsCatchAll() {
			continue
		}
		r.upstreams[i] = r.newUpstream(rule)
	}
	return r, nil
}

// Decide returns the first rule whose prefix matches the path. Order is
// authoritative: no longest-prefix preference, so the catch-all is declared
// last.
func (r *Router) Decide(path string) Decision {
	for i, rule := range r.rules {
		if !strings.HasPrefix(path, rule.PathPrefix) {
			continue
		}
		if rule.IsCatchAll() {
			return Decision{Kind: DecideStatic, Rule: rule, ruleIndex: i}
		}
		return Decision{Kind: DecideForward, Rule: rule, ForwardPath: rewritePath(rule, path), ruleIndex: i}
	}
	return Decision{Kind: DecideNone, ruleIndex: -1}
}

func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	d := r.Decide(req.URL.Path)
	switch d.Kind {
	case DecideForward:
		r.upstreams[d.ruleIndex].ServeHTTP(w, req)
	case DecideStatic:
		r.serveStatic(w, req)
	default:
		http.NotFound(w, req)
	}
}

// newUpstream builds the reverse proxy for one backend rule. Forwards are
// single-shot: a connection failure surfaces as 502, never a retry and never
// the static fallback. No health check gates routing; a service is routed to
// as soon as its container is up, per the declared restart policy model.
func (r *Router) newUpstream(rule models.RouteRule) *httputil.ReverseProxy {
	return &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			target := &url.URL{
				Scheme: "http",
				Host:   fmt.Sprintf("%s:%d", r.resolve(rule.TargetService), rule.TargetPort),
			}
			pr.SetURL(target)
			pr.Out.URL.Path = rewritePath(rule, pr.In.URL.Path)
			pr.Out.URL.RawPath = ""
			// Original Host and client IP travel as metadata.
			pr.Out.Host = pr.In.Host
			pr.SetXForwarded()
			pr.Out.Header.Set("X-Forwarded-Host", pr.In.Host)
		},
		ErrorHandler: func(w http.ResponseWriter, req *http.Request, err error) {
			slog.Error("upstream request failed",
				"service", rule.TargetService, "path", req.URL.Path, "error", err)
			http.Error(w, "upstream unavailable", http.StatusBadGateway)
		},
	}
}

// serveStatic resolves the request path under the static root and falls back
// to the single index document when it is not a regular file. The fallback
// belongs to the catch-all only; forwarded rules never reach it.
func (r *Router) serveStatic(w http.ResponseWriter, req *http.Request) {
	clean := filepath.Clean(req.URL.Path)
	if strings.Contains(clean, "..") {
		http.Error(w, "invalid path", http.StatusBadRequest)
		return
	}
	full := filepath.Join(r.staticRoot, clean)

	info, err := os.Stat(full)
	if err != nil || info.IsDir() {
		http.ServeFile(w, req, r.indexFile)
		return
	}
	http.ServeFile(w, req, full)
}

func rewritePath(rule models.RouteRule, path string) string {
	if rule.Rewrite != models.RewriteStripPrefix {
		return path
	}
	trimmed := strings.TrimPrefix(path, rule.PathPrefix)
	if !strings.HasPrefix(trimmed, "/") {
		trimmed = "/" + trimmed
	}
	return trimmed
}
