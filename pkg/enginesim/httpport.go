package enginesim

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/devosoft/avida-bridge/pkg/api"
	"github.com/devosoft/avida-bridge/pkg/logger"
)

// HTTPPort reaches a bridge gateway's engine endpoints, for an engine that
// runs in a different process from the bridge.
type HTTPPort struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewHTTPPort targets the gateway at baseURL (e.g. http://127.0.0.1:18790).
func NewHTTPPort(baseURL, token string) *HTTPPort {
	return &HTTPPort{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

func (p *HTTPPort) newRequest(ctx context.Context, method string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, p.baseURL+"/api/engine/messages", body)
	if err != nil {
		return nil, err
	}
	if p.token != "" {
		req.Header.Set("Authorization", "Bearer "+p.token)
	}
	return req, nil
}

// Dispatch posts one engine message. Unknown-state warnings are logged,
// not returned, since the bridge accepted the message.
func (p *HTTPPort) Dispatch(ctx context.Context, raw []byte) error {
	req, err := p.newRequest(ctx, http.MethodPost, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("dispatch to bridge: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("bridge rejected message: %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	if warn := resp.Header.Get(api.WarningHeader); warn != "" {
		logger.WarnCF("enginesim", "Bridge warning", map[string]interface{}{"warning": warn})
	}
	return nil
}

// DrainAll pulls every queued command. Transport errors are logged and
// yield an empty batch; the next poll tries again.
func (p *HTTPPort) DrainAll() [][]byte {
	ctx, cancel := context.WithTimeout(context.Background(), p.client.Timeout)
	defer cancel()

	req, err := p.newRequest(ctx, http.MethodGet, nil)
	if err != nil {
		return nil
	}
	resp, err := p.client.Do(req)
	if err != nil {
		logger.WarnCF("enginesim", "Drain failed", map[string]interface{}{"error": err.Error()})
		return nil
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		logger.WarnCF("enginesim", "Drain failed", map[string]interface{}{"status": resp.Status})
		return nil
	}
	var batch []json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&batch); err != nil {
		logger.WarnCF("enginesim", "Drain returned bad JSON", map[string]interface{}{"error": err.Error()})
		return nil
	}
	out := make([][]byte, len(batch))
	for i, m := range batch {
		out[i] = m
	}
	return out
}
