package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const probeTimeout = 3 * time.Second

// HealthPayload is the schema the gateway's /health endpoint advertises.
type HealthPayload struct {
	Status   string `json:"status"`
	UptimeMS int64  `json:"uptime_ms"`
	SafeMode bool   `json:"safe_mode"`
	Version  string `json:"version"`
}

// HealthResult classifies one probe attempt. Probe failures are data, not
// errors; the caller decides how much an unhealthy gateway matters.
type HealthResult struct {
	Healthy    bool          `json:"healthy"`
	StatusCode int           `json:"status_code,omitempty"`
	Body       string        `json:"body,omitempty"`
	Error      string        `json:"error,omitempty"`
	Payload    HealthPayload `json:"payload,omitempty"`
}

// Prober issues single-shot health probes against the gateway's advertised
// port. One attempt per invocation; retry cadence belongs to the caller.
type Prober struct {
	client *http.Client
}

// NewProber creates a Prober with a bounded probe timeout.
func NewProber() *Prober {
	return &Prober{client: &http.Client{Timeout: probeTimeout}}
}

// Probe issues GET /health against localhost on the given port. Healthy
// requires a 2xx response whose body parses as the health payload with
// status "healthy".
func (p *Prober) Probe(ctx context.Context, port int) HealthResult {
	url := fmt.Sprintf("http://127.0.0.1:%d/health", port)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return HealthResult{Error: fmt.Sprintf("invalid probe request: %v", err)}
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return HealthResult{Error: fmt.Sprintf("connection to %s failed: %v", url, err)}
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	result := HealthResult{StatusCode: resp.StatusCode, Body: string(body)}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		result.Error = fmt.Sprintf("health endpoint returned status %d", resp.StatusCode)
		return result
	}

	var payload HealthPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		result.Error = fmt.Sprintf("health response is not valid JSON: %v", err)
		return result
	}
	if payload.Status != "healthy" {
		result.Payload = payload
		result.Error = fmt.Sprintf("health status is %q", payload.Status)
		return result
	}

	result.Healthy = true
	result.Payload = payload
	return result
}
