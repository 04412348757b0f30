// Package provisioner contains compute-backend adapters that create and
// destroy GPU instances.
package provisioner

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

	"github.com/veridoc/veridoc/internal/core"
	apperrors "github.com/veridoc/veridoc/internal/errors"
)

// HTTPBackend implements core.Provisioner against a compute backend's REST
// API: POST /instances creates a machine, DELETE /instances/{id} destroys it.
type HTTPBackend struct {
	baseURL string
	token   string
	http    *http.Client
}

// HTTPBackendOptions configures an HTTPBackend.
type HTTPBackendOptions struct {
	BaseURL    string       // Required: backend API root
	Token      string       // Optional: bearer token
	HTTPClient *http.Client // Optional: defaults to a 60s-timeout client
}

// NewHTTPBackend constructs an HTTP compute backend adapter.
func NewHTTPBackend(opts HTTPBackendOptions) (*HTTPBackend, error) {
	if strings.TrimSpace(opts.BaseURL) == "" {
		return nil, fmt.Errorf("backend base URL is required")
	}
	if _, err := url.Parse(opts.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid backend base URL: %w", err)
	}

	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 60 * time.Second}
	}
	return &HTTPBackend{
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		token:   opts.Token,
		http:    hc,
	}, nil
}

type createInstanceBody struct {
	InstanceClass string `json:"instance_class"`
	Prewarmed     bool   `json:"prewarmed"`
}

type instanceResponseBody struct {
	ID        string `json:"id"`
	Endpoint  string `json:"endpoint"`
	Prewarmed bool   `json:"prewarmed"`
}

// Provision asks the backend for one GPU instance. The call returns once the
// machine exists; model warm-up is the pool controller's problem.
func (b *HTTPBackend) Provision(ctx context.Context, req core.ProvisionRequest) (*core.ProvisionedInstance, error) {
	body, err := json.Marshal(createInstanceBody{
		InstanceClass: req.InstanceClass,
		Prewarmed:     req.Prewarmed,
	})
	if err != nil {
		return nil, fmt.Errorf("encode provision request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+"/instances", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build provision request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	b.authorize(httpReq)

	resp, err := b.http.Do(httpReq)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeTransient, "provision instance")
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return nil, backendStatusError("provision", resp)
	}

	var parsed instanceResponseBody
	if err := json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode provision response: %w", err)
	}
	if parsed.ID == "" || parsed.Endpoint == "" {
		return nil, fmt.Errorf("backend returned incomplete instance: id=%q endpoint=%q", parsed.ID, parsed.Endpoint)
	}

	return &core.ProvisionedInstance{
		ID:        parsed.ID,
		Endpoint:  parsed.Endpoint,
		Prewarmed: parsed.Prewarmed,
	}, nil
}

// Terminate destroys an instance. A 404 counts as success: the machine is
// already gone, which is the state we wanted.
func (b *HTTPBackend) Terminate(ctx context.Context, instanceID string) error {
	httpReq, err := http.NewRequestWithContext(
		ctx, http.MethodDelete, b.baseURL+"/instances/"+url.PathEscape(instanceID), nil)
	if err != nil {
		return fmt.Errorf("build terminate request: %w", err)
	}
	b.authorize(httpReq)

	resp, err := b.http.Do(httpReq)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeTransient, "terminate instance")
	}
	defer func() { _ = resp.Body.Close() }()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusNoContent, http.StatusAccepted, http.StatusNotFound:
		return nil
	default:
		return backendStatusError("terminate", resp)
	}
}

func (b *HTTPBackend) authorize(req *http.Request) {
	if b.token != "" {
		req.Header.Set("Authorization", "Bearer "+b.token)
	}
}

func backendStatusError(op string, resp *http.Response) error {
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return apperrors.Transientf("%s: backend returned status %d: %s",
			op, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	return fmt.Errorf("%s: backend returned status %d: %s",
		op, resp.StatusCode, strings.TrimSpace(string(snippet)))
}

var _ core.Provisioner = (*HTTPBackend)(nil)
