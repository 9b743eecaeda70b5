package batch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// DefaultRequestTimeout bounds a single HTTP call to the service.
const DefaultRequestTimeout = 30 * time.Second

// HTTPConfig configures an HTTPService.
type HTTPConfig struct {
	// BaseURL is the service root, e.g. https://batch.example.com.
	BaseURL string

	// AuthToken, when set, is sent as a bearer token.
	AuthToken string

	// RequestTimeout bounds each HTTP request. Zero uses DefaultRequestTimeout.
	RequestTimeout time.Duration
}

// Validate checks required fields.
func (c HTTPConfig) Validate() error {
	if strings.TrimSpace(c.BaseURL) == "" {
		return errors.New("batch service base url is required")
	}
	if _, err := url.Parse(c.BaseURL); err != nil {
		return fmt.Errorf("invalid batch service base url: %w", err)
	}
	return nil
}

// HTTPService talks to a batch prediction service over authenticated REST.
//
// Wire shape:
//
//	POST {base}/v1/jobs                {"model": ..., "request": <payload>}
//	GET  {base}/v1/jobs/{handle}       {"state": ...}
//	GET  {base}/v1/jobs/{handle}/result {"payload": ..., "error": ...}
type HTTPService struct {
	base    string
	token   string
	client  *http.Client
	timeout time.Duration
}

var _ Service = (*HTTPService)(nil)

// NewHTTPService creates a REST client for the batch prediction service.
func NewHTTPService(cfg HTTPConfig) (*HTTPService, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	return &HTTPService{
		base:    strings.TrimRight(cfg.BaseURL, "/"),
		token:   cfg.AuthToken,
		client:  &http.Client{Timeout: timeout},
		timeout: timeout,
	}, nil
}

type submitRequest struct {
	Model   string          `json:"model"`
	Request json.RawMessage `json:"request"`
}

type submitResponse struct {
	Handle string `json:"handle"`
}

type pollResponse struct {
	State string `json:"state"`
}

type resultResponse struct {
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// Submit sends the payload and returns the service-assigned handle.
func (s *HTTPService) Submit(ctx context.Context, payload []byte, modelID string) (string, error) {
	if strings.TrimSpace(modelID) == "" {
		return "", &ServiceError{Op: "Submit", Err: ErrInvalidRequest}
	}
	body, err := json.Marshal(submitRequest{Model: modelID, Request: payload})
	if err != nil {
		return "", &ServiceError{Op: "Submit", ModelID: modelID, Err: fmt.Errorf("%w: %v", ErrInvalidRequest, err)}
	}

	var out submitResponse
	if err := s.do(ctx, http.MethodPost, "/v1/jobs", body, &out); err != nil {
		return "", &ServiceError{Op: "Submit", ModelID: modelID, Err: err}
	}
	if out.Handle == "" {
		return "", &ServiceError{Op: "Submit", ModelID: modelID, Err: fmt.Errorf("%w: empty handle in response", ErrTransport)}
	}
	return out.Handle, nil
}

// Poll returns the current external state of a handle.
func (s *HTTPService) Poll(ctx context.Context, handle string) (State, error) {
	var out pollResponse
	if err := s.do(ctx, http.MethodGet, "/v1/jobs/"+url.PathEscape(handle), nil, &out); err != nil {
		return "", &ServiceError{Op: "Poll", Handle: handle, Err: err}
	}
	switch st := State(out.State); st {
	case StatePending, StateRunning, StateSucceeded, StateFailed:
		return st, nil
	default:
		return "", &ServiceError{Op: "Poll", Handle: handle, Err: fmt.Errorf("%w: unknown state %q", ErrTransport, out.State)}
	}
}

// FetchResult retrieves the terminal result for a handle.
func (s *HTTPService) FetchResult(ctx context.Context, handle string) (Result, error) {
	var out resultResponse
	if err := s.do(ctx, http.MethodGet, "/v1/jobs/"+url.PathEscape(handle)+"/result", nil, &out); err != nil {
		return Result{}, &ServiceError{Op: "FetchResult", Handle: handle, Err: err}
	}
	return Result{Handle: handle, Payload: out.Payload, Error: out.Error}, nil
}

// do performs one HTTP round trip and decodes the JSON response, classifying
// failures into sentinel errors.
func (s *HTTPService) do(ctx context.Context, method, path string, body []byte, out any) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, s.base+path, reader)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return classifyTransportErr(err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return classifyStatus(resp.StatusCode, string(snippet))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decode response: %v", ErrTransport, err)
	}
	return nil
}

// classifyStatus maps HTTP statuses onto the sentinel error taxonomy.
func classifyStatus(code int, snippet string) error {
	switch {
	case code == http.StatusNotFound:
		return ErrNotFound
	case code == http.StatusTooManyRequests:
		// Per-request throttling clears on its own; treat as retryable.
		return fmt.Errorf("%w: http %d: %s", ErrTransport, code, snippet)
	case code == http.StatusForbidden && strings.Contains(strings.ToLower(snippet), "quota"):
		return fmt.Errorf("%w: http %d: %s", ErrQuotaExceeded, code, snippet)
	case code >= 500:
		return fmt.Errorf("%w: http %d: %s", ErrTransport, code, snippet)
	default:
		return fmt.Errorf("%w: http %d: %s", ErrInvalidRequest, code, snippet)
	}
}

func classifyTransportErr(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}
	return fmt.Errorf("%w: %v", ErrTransport, err)
}
