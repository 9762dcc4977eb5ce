package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"atelier/internal/domain"
	"atelier/internal/graph"
)

// Options controls how the generation client is configured. Metadata calls
// and binary fetches use separate HTTP clients so a slow image download never
// ties up a timeout sized for JSON.
type Options struct {
	Endpoint        string
	MetadataTimeout time.Duration
	BinaryTimeout   time.Duration
	MetadataClient  *http.Client
	BinaryClient    *http.Client
}

// Client is the thin HTTP transport to the generation backend. It owns only
// connection configuration; polling and retrieval policy live with callers.
type Client struct {
	mu           sync.RWMutex
	endpoint     string
	metaClient   *http.Client
	binaryClient *http.Client
}

func NewClient(opts Options) *Client {
	metaTimeout := opts.MetadataTimeout
	if metaTimeout <= 0 {
		metaTimeout = 10 * time.Second
	}
	binTimeout := opts.BinaryTimeout
	if binTimeout <= 0 {
		binTimeout = 120 * time.Second
	}
	meta := opts.MetadataClient
	if meta == nil {
		meta = &http.Client{Timeout: metaTimeout}
	}
	bin := opts.BinaryClient
	if bin == nil {
		bin = &http.Client{Timeout: binTimeout}
	}
	return &Client{
		endpoint:     trimEndpoint(opts.Endpoint),
		metaClient:   meta,
		binaryClient: bin,
	}
}

// SetEndpoint retargets the client, used when the lifecycle manager switches
// between local and remote backends.
func (c *Client) SetEndpoint(endpoint string) {
	c.mu.Lock()
	c.endpoint = trimEndpoint(endpoint)
	c.mu.Unlock()
}

// Endpoint returns the currently configured backend base URL.
func (c *Client) Endpoint() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.endpoint
}

// BatchStatus is one poll observation of a submitted batch.
type BatchStatus struct {
	BatchID     string   `json:"batch_id"`
	Total       int      `json:"total"`
	Completed   int      `json:"completed"`
	Failed      int      `json:"failed"`
	ArtifactIDs []string `json:"artifact_ids"`
}

// Settled reports whether every item in the batch reached a terminal state.
func (s BatchStatus) Settled() bool {
	return s.Total > 0 && s.Completed+s.Failed >= s.Total
}

// Progress returns the settled fraction in [0,1].
func (s BatchStatus) Progress() float64 {
	if s.Total <= 0 {
		return 0
	}
	return float64(s.Completed+s.Failed) / float64(s.Total)
}

// ArtifactInfo is one entry of the backend's recent-artifact listing.
type ArtifactInfo struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
}

type submitRequest struct {
	ClientID string         `json:"client_id"`
	Graph    map[string]any `json:"graph"`
}

type submitResponse struct {
	BatchID string `json:"batch_id"`
}

// Connect probes the backend health endpoint and reports reachability.
func (c *Client) Connect(ctx context.Context) bool {
	return c.Health(ctx) == nil
}

// Health checks the backend health endpoint.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.Endpoint()+"/api/health", nil)
	if err != nil {
		return domain.NewConnectionError("build health request", err)
	}
	resp, err := c.metaClient.Do(req)
	if err != nil {
		return domain.NewConnectionError("backend unreachable", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return classifyStatus(resp.StatusCode, "health check")
	}
	return nil
}

// Submit posts a job graph and returns the backend-assigned batch id.
func (c *Client) Submit(ctx context.Context, job *graph.JobDescription) (string, error) {
	body, err := json.Marshal(submitRequest{ClientID: job.ClientID, Graph: job.Document()})
	if err != nil {
		return "", fmt.Errorf("encode job: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.Endpoint()+"/api/jobs", bytes.NewReader(body))
	if err != nil {
		return "", domain.NewConnectionError("build submit request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.metaClient.Do(req)
	if err != nil {
		return "", domain.NewConnectionError("submit job", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return "", classifyStatus(resp.StatusCode, "submit job")
	}
	var out submitResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode submit response: %w", err)
	}
	if out.BatchID == "" {
		return "", domain.NewConnectionError("submit job", fmt.Errorf("backend returned empty batch id"))
	}
	return out.BatchID, nil
}

// Status fetches per-item completion counts for a batch.
func (c *Client) Status(ctx context.Context, batchID string) (BatchStatus, error) {
	var status BatchStatus
	if err := c.getJSON(ctx, "/api/jobs/"+url.PathEscape(batchID), &status); err != nil {
		return BatchStatus{}, err
	}
	if status.BatchID == "" {
		status.BatchID = batchID
	}
	return status, nil
}

// FetchArtifact downloads the full-resolution image bytes.
func (c *Client) FetchArtifact(ctx context.Context, artifactID string) ([]byte, error) {
	return c.getBinary(ctx, "/api/artifacts/"+url.PathEscape(artifactID))
}

// FetchThumbnail downloads the thumbnail bytes.
func (c *Client) FetchThumbnail(ctx context.Context, artifactID string) ([]byte, error) {
	return c.getBinary(ctx, "/api/artifacts/"+url.PathEscape(artifactID)+"/thumbnail")
}

// FetchMetadata fetches the backend's metadata document for an artifact.
func (c *Client) FetchMetadata(ctx context.Context, artifactID string) (map[string]any, error) {
	var meta map[string]any
	if err := c.getJSON(ctx, "/api/artifacts/"+url.PathEscape(artifactID)+"/metadata", &meta); err != nil {
		return nil, err
	}
	return meta, nil
}

// ListRecent returns up to limit artifacts created at or after since,
// newest first.
func (c *Client) ListRecent(ctx context.Context, limit int, since time.Time) ([]ArtifactInfo, error) {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))
	if !since.IsZero() {
		q.Set("since", strconv.FormatInt(since.Unix(), 10))
	}
	var infos []ArtifactInfo
	if err := c.getJSON(ctx, "/api/artifacts?"+q.Encode(), &infos); err != nil {
		return nil, err
	}
	return infos, nil
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.Endpoint()+path, nil)
	if err != nil {
		return domain.NewConnectionError("build request", err)
	}
	resp, err := c.metaClient.Do(req)
	if err != nil {
		return domain.NewConnectionError("backend request", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return classifyStatus(resp.StatusCode, path)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response %s: %w", path, err)
	}
	return nil
}

func (c *Client) getBinary(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.Endpoint()+path, nil)
	if err != nil {
		return nil, domain.NewConnectionError("build request", err)
	}
	resp, err := c.binaryClient.Do(req)
	if err != nil {
		return nil, domain.NewConnectionError("binary fetch", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, classifyStatus(resp.StatusCode, path)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, domain.NewConnectionError("read binary body", err)
	}
	return data, nil
}

// classifyStatus maps a non-2xx backend response onto the error taxonomy.
func classifyStatus(code int, op string) error {
	err := fmt.Errorf("http %d", code)
	switch {
	case code == http.StatusBadRequest || code == http.StatusUnprocessableEntity:
		return &domain.Error{Kind: domain.KindValidation, Message: op, Err: err}
	case code == http.StatusNotFound:
		return &domain.Error{Kind: domain.KindUnknown, Message: op, Err: domain.ErrNotFound}
	case code == http.StatusTooManyRequests || code == http.StatusServiceUnavailable || code == http.StatusInsufficientStorage:
		return domain.NewResourceError(op, err)
	case code == http.StatusRequestTimeout || code == http.StatusBadGateway || code == http.StatusGatewayTimeout:
		return domain.NewConnectionError(op, err)
	default:
		return &domain.Error{Kind: domain.KindUnknown, Message: op, Err: err}
	}
}

func trimEndpoint(endpoint string) string {
	for len(endpoint) > 0 && endpoint[len(endpoint)-1] == '/' {
		endpoint = endpoint[:len(endpoint)-1]
	}
	return endpoint
}
