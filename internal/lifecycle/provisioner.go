package lifecycle

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"atelier/internal/domain"
)

// Provisioner starts and stops the remote compute resource.
type Provisioner interface {
	Start(ctx context.Context) (resourceID, endpoint string, err error)
	Stop(ctx context.Context, resourceID string) error
}

// HTTPProvisionerOptions configures the control-plane client for on-demand
// GPU resources.
type HTTPProvisionerOptions struct {
	BaseURL    string
	APIKey     string
	Template   string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// HTTPProvisioner provisions remote compute over the provider's REST control
// plane.
type HTTPProvisioner struct {
	httpClient *http.Client
	baseURL    string
	token      string
	template   string
}

func NewHTTPProvisioner(opts HTTPProvisionerOptions) *HTTPProvisioner {
	base := strings.TrimRight(opts.BaseURL, "/")
	client := opts.HTTPClient
	if client == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 60 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	return &HTTPProvisioner{
		httpClient: client,
		baseURL:    base,
		token:      strings.TrimSpace(opts.APIKey),
		template:   opts.Template,
	}
}

type provisionRequest struct {
	Template string `json:"template"`
}

type provisionResponse struct {
	ID       string `json:"id"`
	Endpoint string `json:"endpoint"`
	Message  string `json:"message"`
}

// Start requests a new compute resource and returns its id and the backend
// endpoint it will serve once healthy.
func (p *HTTPProvisioner) Start(ctx context.Context) (string, string, error) {
	if p.token == "" {
		return "", "", domain.NewLifecycleError("provisioner api key is missing", nil)
	}
	body, err := json.Marshal(provisionRequest{Template: p.template})
	if err != nil {
		return "", "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/resources", bytes.NewReader(body))
	if err != nil {
		return "", "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.token)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return "", "", domain.NewLifecycleError("provision request failed", err)
	}
	defer resp.Body.Close()

	var out provisionResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		if resp.StatusCode >= http.StatusBadRequest {
			return "", "", domain.NewLifecycleError(fmt.Sprintf("provision http %d", resp.StatusCode), nil)
		}
		return "", "", err
	}
	if resp.StatusCode >= http.StatusBadRequest {
		if out.Message != "" {
			return "", "", domain.NewLifecycleError("provision rejected: "+out.Message, nil)
		}
		return "", "", domain.NewLifecycleError(fmt.Sprintf("provision http %d", resp.StatusCode), nil)
	}
	if out.ID == "" || out.Endpoint == "" {
		return "", "", domain.NewLifecycleError("provision response missing id or endpoint", nil)
	}
	return out.ID, out.Endpoint, nil
}

// Stop releases the compute resource.
func (p *HTTPProvisioner) Stop(ctx context.Context, resourceID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, p.baseURL+"/resources/"+url.PathEscape(resourceID), nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+p.token)
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return domain.NewLifecycleError("deprovision request failed", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest && resp.StatusCode != http.StatusNotFound {
		return domain.NewLifecycleError(fmt.Sprintf("deprovision http %d", resp.StatusCode), nil)
	}
	return nil
}

var _ Provisioner = (*HTTPProvisioner)(nil)
