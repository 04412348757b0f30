// Package workerclient is the HTTP client for a GPU worker's inference API.
package workerclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/veridoc/veridoc/internal/core"
	"github.com/veridoc/veridoc/internal/domain/model"
	apperrors "github.com/veridoc/veridoc/internal/errors"
)

// maxInferenceBodyBytes bounds the raw inference payload we keep in memory.
// Results themselves live in the object store; the response only carries the
// result reference plus extraction metadata.
const maxInferenceBodyBytes = 1 << 20 // 1MB

// Client implements core.WorkerClient over a worker's HTTP API.
type Client struct {
	http *http.Client
}

// ClientOptions configures a Client.
type ClientOptions struct {
	HTTPClient *http.Client // Optional: defaults to a 30s-timeout client
}

// NewClient constructs a worker API client. Per-call deadlines come from the
// caller's context; the underlying client timeout is only a backstop.
func NewClient(opts ClientOptions) *Client {
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{http: hc}
}

type inferRequestBody struct {
	JobID         string `json:"job_id"`
	DocumentRef   string `json:"document_ref"`
	DocumentClass string `json:"document_class"`
}

type inferResponseBody struct {
	ResultRef string `json:"result_ref"`
	Pages     int    `json:"pages"`
	WorkerID  string `json:"worker_id"`
}

type healthResponseBody struct {
	ModelLoaded bool `json:"model_loaded"`
	QueueLength int  `json:"queue_length"`
}

// Infer submits one document for inference and waits for the result. The raw
// response body is returned untouched so the confidence evaluator can query
// it; the parsed fields carry the result reference and page count.
func (c *Client) Infer(ctx context.Context, endpoint string, req core.InferRequest) (*model.InferenceResult, error) {
	body, err := json.Marshal(inferRequestBody{
		JobID:         req.JobID,
		DocumentRef:   req.DocumentRef,
		DocumentClass: string(req.DocumentClass),
	})
	if err != nil {
		return nil, fmt.Errorf("encode infer request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, joinURL(endpoint, "/infer"), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build infer request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, apperrors.Wrapf(err, apperrors.ErrCodeTransient, "infer request to %s", endpoint)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxInferenceBodyBytes+1))
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeTransient, "read infer response")
	}
	if len(raw) > maxInferenceBodyBytes {
		return nil, fmt.Errorf("infer response exceeds %d bytes", maxInferenceBodyBytes)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, inferStatusError(resp.StatusCode, raw)
	}

	var parsed inferResponseBody
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("decode infer response: %w", err)
	}
	if parsed.ResultRef == "" {
		return nil, fmt.Errorf("infer response carries no result_ref")
	}

	return &model.InferenceResult{
		Raw:       raw,
		ResultRef: parsed.ResultRef,
		Pages:     parsed.Pages,
		WorkerID:  parsed.WorkerID,
		Duration:  time.Since(start),
	}, nil
}

// Health probes a worker's readiness endpoint.
func (c *Client) Health(ctx context.Context, endpoint string) (*core.WorkerHealth, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, joinURL(endpoint, "/health"), nil)
	if err != nil {
		return nil, fmt.Errorf("build health request: %w", err)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, apperrors.Wrapf(err, apperrors.ErrCodeTransient, "health probe to %s", endpoint)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, apperrors.Transientf("health probe returned status %d", resp.StatusCode)
	}

	var parsed healthResponseBody
	if err := json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode health response: %w", err)
	}

	return &core.WorkerHealth{
		ModelLoaded: parsed.ModelLoaded,
		QueueLength: parsed.QueueLength,
	}, nil
}

// inferStatusError maps worker HTTP status codes onto the retry policy: 5xx
// and 429 are transient (the job is requeued), anything else is permanent.
func inferStatusError(status int, body []byte) error {
	snippet := strings.TrimSpace(string(body))
	if len(snippet) > 256 {
		snippet = snippet[:256]
	}
	if status >= 500 || status == http.StatusTooManyRequests {
		return apperrors.Transientf("worker returned status %d: %s", status, snippet)
	}
	return fmt.Errorf("worker rejected job with status %d: %s", status, snippet)
}

func joinURL(endpoint, path string) string {
	return strings.TrimRight(endpoint, "/") + path
}

var _ core.WorkerClient = (*Client)(nil)
