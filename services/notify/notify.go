// Package notify posts terminal run statuses to an external listener. The
// listener is addressed as unix:///path/to.sock or tcp://host:port and
// receives one JSON document per finished run.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/caravelhq/caravel/models"
)

type Notifier struct {
	endpoint string
	kind     string // tcp or unix

	socketPath string
	baseURL    string
	token      string
}

// New parses an endpoint like:
//
//	unix:///var/run/notify.sock
//	tcp://ci.example.com:9099
func New(endpoint, token string) (*Notifier, error) {
	u, err := url.Parse(strings.TrimSpace(endpoint))
	if err != nil {
		return nil, fmt.Errorf("invalid notify endpoint %q: %w", endpoint, err)
	}

	n := &Notifier{endpoint: endpoint, token: token}

	switch strings.ToLower(u.Scheme) {
	case "unix":
		if u.Path == "" {
			return nil, fmt.Errorf("unix endpoint missing socket path: %q", endpoint)
		}
		n.kind = "unix"
		n.socketPath = u.Path
		// The URL host is ignored by the unix transport but net/http
		// still needs a valid URL.
		n.baseURL = "http://notify"

	case "tcp":
		if u.Host == "" {
			return nil, fmt.Errorf("tcp endpoint missing host:port: %q", endpoint)
		}
		n.kind = "tcp"
		n.baseURL = "http://" + u.Host

	default:
		return nil, fmt.Errorf("unsupported notify endpoint scheme %q (use unix:// or tcp://)", u.Scheme)
	}

	return n, nil
}

func (n *Notifier) client() *http.Client {
	if n.kind == "unix" {
		dialer := &net.Dialer{Timeout: 10 * time.Second}
		return &http.Client{
			Transport: &http.Transport{
				DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
					return dialer.DialContext(ctx, "unix", n.socketPath)
				},
			},
			Timeout: 30 * time.Second,
		}
	}
	return &http.Client{Timeout: 30 * time.Second}
}

// RunFinished posts the terminal run. Failures are returned for logging
// only; notification never affects the run outcome.
func (n *Notifier) RunFinished(ctx context.Context, run *models.PipelineRun) error {
	body, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("marshal run: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.baseURL+"/v1/runs", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if n.token != "" {
		req.Header.Set("Authorization", "Bearer "+n.token)
	}

	resp, err := n.client().Do(req)
	if err != nil {
		return fmt.Errorf("notify %s: %w", n.endpoint, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("notify %s: unexpected status %d", n.endpoint, resp.StatusCode)
	}
	return nil
}
