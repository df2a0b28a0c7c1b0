package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/reelforge/jobwatch/internal/config"
	"github.com/reelforge/jobwatch/internal/watch"
)

// HTTPError is a non-2xx answer from the job backend.
type HTTPError struct {
	Method     string
	URL        string
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("backend error (status %d): %s", e.StatusCode, e.Body)
}

// Route holds the endpoints and response shape of one kind.
type Route struct {
	SubmitPath  string
	StatusPath  string // may contain {jobId}
	PersistPath string
	Shape       string
}

// BackendClient talks to the job backend. It implements watch.Submitter,
// watch.StatusChecker and watch.Persister.
type BackendClient struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	routes     map[watch.Kind]Route
	logger     *slog.Logger
}

// submitResponse accepts both jobId and id for the identifier.
type submitResponse struct {
	JobID      string `json:"jobId"`
	ID         string `json:"id"`
	StatusPath string `json:"statusPath"`
}

// renderStatus is the {done, success} status shape.
type renderStatus struct {
	Done     bool     `json:"done"`
	Success  bool     `json:"success"`
	Progress *float64 `json:"progress"`
	URL      string   `json:"url"`
	Error    string   `json:"error"`
}

// queueStatus is the {status} status shape.
type queueStatus struct {
	Status    string   `json:"status"`
	Progress  *float64 `json:"progress"`
	URL       string   `json:"url"`
	OutputURL string   `json:"outputUrl"`
	Error     string   `json:"error"`
}

// NewBackendClient creates a client with one route per configured kind.
func NewBackendClient(cfg *config.BackendConfig, kinds []config.KindConfig, logger *slog.Logger) *BackendClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	routes := make(map[watch.Kind]Route, len(kinds))
	for _, k := range kinds {
		routes[watch.Kind(k.Name)] = Route{
			SubmitPath:  k.SubmitPath,
			StatusPath:  k.StatusPath,
			PersistPath: k.PersistPath,
			Shape:       k.Shape,
		}
	}
	return &BackendClient{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		routes:     routes,
		logger:     logger.With("component", "backend_client"),
	}
}

// Submit sends the create request for kind.
func (c *BackendClient) Submit(ctx context.Context, kind watch.Kind, payload any) (watch.Descriptor, error) {
	route, err := c.route(kind)
	if err != nil {
		return watch.Descriptor{}, err
	}

	bodyBytes, err := json.Marshal(payload)
	if err != nil {
		return watch.Descriptor{}, fmt.Errorf("failed to marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.resolve(route.SubmitPath), bytes.NewReader(bodyBytes))
	if err != nil {
		return watch.Descriptor{}, fmt.Errorf("failed to create request: %w", err)
	}
	// One key per submission; the backend may use it to drop duplicate creates.
	req.Header.Set("Idempotency-Key", uuid.NewString())

	var resp submitResponse
	if err := c.doRequest(req, &resp); err != nil {
		return watch.Descriptor{}, err
	}

	jobID := resp.JobID
	if jobID == "" {
		jobID = resp.ID
	}
	statusPath := resp.StatusPath
	if statusPath == "" && jobID != "" {
		statusPath = strings.ReplaceAll(route.StatusPath, "{jobId}", url.PathEscape(jobID))
	}
	return watch.Descriptor{JobID: jobID, Kind: kind, StatusPath: statusPath}, nil
}

// CheckStatus performs one status request and reduces either response
// shape to a raw status token.
func (c *BackendClient) CheckStatus(ctx context.Context, d watch.Descriptor) (watch.Status, error) {
	route, err := c.route(d.Kind)
	if err != nil {
		return watch.Status{}, err
	}
	path := d.StatusPath
	if path == "" {
		path = strings.ReplaceAll(route.StatusPath, "{jobId}", url.PathEscape(d.JobID))
	}

	if route.Shape == config.ShapeRender {
		var rs renderStatus
		if err := c.get(ctx, path, &rs); err != nil {
			return watch.Status{}, err
		}
		return rs.toStatus(), nil
	}

	var qs queueStatus
	if err := c.get(ctx, path, &qs); err != nil {
		return watch.Status{}, err
	}
	return qs.toStatus(), nil
}

// Persist posts the record to the kind's persistence endpoint.
func (c *BackendClient) Persist(ctx context.Context, rec watch.Record) error {
	route, err := c.route(rec.Kind)
	if err != nil {
		return err
	}
	if route.PersistPath == "" {
		return nil
	}
	return c.post(ctx, route.PersistPath, rec, nil)
}

// IsConfigured returns true if the client has a backend address
func (c *BackendClient) IsConfigured() bool {
	return c.baseURL != ""
}

func (rs renderStatus) toStatus() watch.Status {
	st := watch.Status{Progress: rs.Progress, OutputURL: rs.URL, Message: rs.Error}
	switch {
	case rs.Done && rs.Success:
		st.Raw = watch.RawSucceeded
	case rs.Done:
		st.Raw = watch.RawFailed
	default:
		st.Raw = watch.RawRunning
	}
	return st
}

func (qs queueStatus) toStatus() watch.Status {
	out := qs.OutputURL
	if out == "" {
		out = qs.URL
	}
	return watch.Status{Raw: qs.Status, Progress: qs.Progress, OutputURL: out, Message: qs.Error}
}

func (c *BackendClient) route(kind watch.Kind) (Route, error) {
	r, ok := c.routes[kind]
	if !ok {
		return Route{}, fmt.Errorf("%w: %q", watch.ErrUnknownKind, kind)
	}
	return r, nil
}

func (c *BackendClient) resolve(path string) string {
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return path
	}
	return c.baseURL + path
}

// post sends a POST request with JSON body
func (c *BackendClient) post(ctx context.Context, path string, body any, result any) error {
	bodyBytes, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.resolve(path), bytes.NewReader(bodyBytes))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	return c.doRequest(req, result)
}

// get sends a GET request and parses JSON response
func (c *BackendClient) get(ctx context.Context, path string, result any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.resolve(path), nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	return c.doRequest(req, result)
}

// doRequest executes an HTTP request and parses the response
func (c *BackendClient) doRequest(req *http.Request, result any) error {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	c.logger.Debug("backend request", "method", req.Method, "url", req.URL.String())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	c.logger.Debug("backend response", "method", req.Method, "url", req.URL.String(), "status", resp.StatusCode)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &HTTPError{
			Method:     req.Method,
			URL:        req.URL.String(),
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(respBody)),
		}
	}

	if result == nil || len(bytes.TrimSpace(respBody)) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, result); err != nil {
		c.logger.Warn("backend response not decodable", "url", req.URL.String(), "error", err)
		return fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return nil
}
