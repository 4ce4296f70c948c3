package invoicing

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Harvest statuses the correlator writes back to the registry.
const (
	HarvestInvoiced       = "FACTURADA"
	HarvestNeedsAttention = "REQUIERE_ATENCION"
)

// StatusUpdate is the registry's status-update body.
type StatusUpdate struct {
	Estado    string  `json:"estado"`
	FacturaID *string `json:"factura_id"`
}

// Registry updates harvest status at the service of record.
type Registry interface {
	UpdateHarvestStatus(ctx context.Context, harvestID string, update StatusUpdate) error
}

// StatusError is a non-2xx answer from the registry.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("registry responded %d: %s", e.StatusCode, e.Body)
}

// RegistryClient calls the registry over HTTP.
type RegistryClient struct {
	baseURL string
	http    *http.Client
}

// NewRegistryClient returns a traced client that gives up on a call after
// timeout.
func NewRegistryClient(baseURL string, timeout time.Duration) *RegistryClient {
	return &RegistryClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

func (c *RegistryClient) UpdateHarvestStatus(ctx context.Context, harvestID string, update StatusUpdate) error {
	body, err := json.Marshal(update)
	if err != nil {
		return fmt.Errorf("encode status update: %w", err)
	}

	endpoint := fmt.Sprintf("%s/api/cosechas/%s/estado", c.baseURL, url.PathEscape(harvestID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build status update request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("status update for %s: %w", harvestID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
