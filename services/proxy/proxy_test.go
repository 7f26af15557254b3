package proxy

import (
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caravelhq/caravel/models"
)

func writeStatic(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "index.html"), []byte("<html>app shell</html>"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "logo.svg"), []byte("<svg/>"), 0o644))
	return dir
}

// upstreamHostPort splits an httptest server URL into resolver host and port.
func upstreamHostPort(t *testing.T, raw string) (string, int) {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)
	return u.Hostname(), port
}

func TestDecideFirstMatchWins(t *testing.T) {
	rules := []models.RouteRule{
		{PathPrefix: "/api/", TargetService: "api", TargetPort: 3000, Rewrite: models.RewriteStripPrefix},
		{PathPrefix: "/"},
	}
	r, err := NewRouter(rules, t.TempDir(), nil)
	require.NoError(t, err)

	d := r.Decide("/api/items")
	assert.Equal(t, DecideForward, d.Kind)
	assert.Equal(t, "api", d.Rule.TargetService)
	assert.Equal(t, "/items", d.ForwardPath)

	d = r.Decide("/dashboard")
	assert.Equal(t, DecideStatic, d.Kind)
}

func TestDecidePassthroughKeepsPath(t *testing.T) {
	rules := []models.RouteRule{
		{PathPrefix: "/api/", TargetService: "api", TargetPort: 3000, Rewrite: models.RewritePassthrough},
		{PathPrefix: "/"},
	}
	r, err := NewRouter(rules, t.TempDir(), nil)
	require.NoError(t, err)

	d := r.Decide("/api/items")
	assert.Equal(t, "/api/items", d.ForwardPath)
}

func TestForwardStripsPrefixAndForwardsHeaders(t *testing.T) {
	var gotPath, gotXFH, gotXFF string
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		gotPath = req.URL.Path
		gotXFH = req.Header.Get("X-Forwarded-Host")
		gotXFF = req.Header.Get("X-Forwarded-For")
		fmt.Fprint(w, "backend reply")
	}))
	defer backend.Close()

	host, port := upstreamHostPort(t, backend.URL)
	rules := []models.RouteRule{
		{PathPrefix: "/api/", TargetService: "api", TargetPort: port, Rewrite: models.RewriteStripPrefix},
		{PathPrefix: "/"},
	}
	r, err := NewRouter(rules, writeStatic(t), func(string) string { return host })
	require.NoError(t, err)

	front := httptest.NewServer(r)
	defer front.Close()

	resp, err := http.Get(front.URL + "/api/items")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "backend reply", string(body))
	assert.Equal(t, "/items", gotPath)
	assert.NotEmpty(t, gotXFH)
	assert.NotEmpty(t, gotXFF)
}

func TestUnreachableUpstreamIs502NotFallback(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {}))
	host, port := upstreamHostPort(t, backend.URL)
	backend.Close() // upstream gone

	rules := []models.RouteRule{
		{PathPrefix: "/api/", TargetService: "api", TargetPort: port, Rewrite: models.RewriteStripPrefix},
		{PathPrefix: "/"},
	}
	r, err := NewRouter(rules, writeStatic(t), func(string) string { return host })
	require.NoError(t, err)

	front := httptest.NewServer(r)
	defer front.Close()

	resp, err := http.Get(front.URL + "/api/")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.NotContains(t, string(body), "app shell")
}

func TestStaticServesFileAndSPAFallback(t *testing.T) {
	rules := []models.RouteRule{{PathPrefix: "/"}}
	r, err := NewRouter(rules, writeStatic(t), nil)
	require.NoError(t, err)

	front := httptest.NewServer(r)
	defer front.Close()

	resp, err := http.Get(front.URL + "/logo.svg")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "<svg/>", string(body))

	// Client-side route: no file, serve the index document.
	resp, err = http.Get(front.URL + "/dashboard")
	require.NoError(t, err)
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "app shell")
}

func TestNewRouterRejectsMisplacedCatchAll(t *testing.T) {
	rules := []models.RouteRule{
		{PathPrefix: "/"},
		{PathPrefix: "/api/", TargetService: "api", TargetPort: 3000},
	}
	_, err := NewRouter(rules, t.TempDir(), nil)
	require.Error(t, err)
}
