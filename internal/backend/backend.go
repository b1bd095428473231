// Copyright 2025 James Ross
package backend

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Name identifies one of the two backend instances by its short,
// configuration-stable name.
type Name string

const (
	Primary Name = "primary"
	Replica Name = "replica"
)

// Response is a successful round-trip's captured result.
type Response struct {
	StatusCode int
	Body       []byte
	Header     http.Header
}

// Backend is an addressable downstream database instance. Health and
// routing state (§3 "Backend") live in health.Prober and router.Router;
// this type only knows how to reach the instance over HTTP.
type Backend struct {
	Name    Name
	BaseURL string
	client  *http.Client
}

func New(name Name, baseURL string, timeout time.Duration) *Backend {
	return &Backend{
		Name:    name,
		BaseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

// Do forwards method/path/body/headers to the backend and classifies the
// outcome. A 2xx or 404 status is returned as a successful *Response;
// callers that care about the distinction (e.g. WAL replay treating 404
// as success) inspect StatusCode themselves. Everything else becomes a
// classified *Error.
func (b *Backend) Do(ctx context.Context, method, path string, body []byte, headers http.Header) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, b.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, New(KindBackendRejected, err)
	}
	for k, vs := range headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := b.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, New(KindBackendUnavailable, fmt.Errorf("deadline exceeded calling %s: %w", b.Name, ctx.Err()))
		}
		return nil, New(KindBackendUnavailable, fmt.Errorf("%s unreachable: %w", b.Name, err))
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, New(KindBackendUnavailable, fmt.Errorf("reading %s response: %w", b.Name, err))
	}

	if resp.StatusCode >= 500 {
		return nil, NewWithStatus(KindBackendUnavailable, resp.StatusCode, fmt.Errorf("%s returned %d", b.Name, resp.StatusCode))
	}
	if resp.StatusCode >= 400 && resp.StatusCode != http.StatusNotFound {
		return nil, NewWithStatus(KindBackendRejected, resp.StatusCode, fmt.Errorf("%s returned %d", b.Name, resp.StatusCode))
	}

	return &Response{StatusCode: resp.StatusCode, Body: respBody, Header: resp.Header.Clone()}, nil
}

// Ping performs a liveness check against livenessPath, used exclusively
// by the Health Prober (spec §4.2).
func (b *Backend) Ping(ctx context.Context, livenessPath string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.BaseURL+livenessPath, nil)
	if err != nil {
		return New(KindBackendUnavailable, err)
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return New(KindBackendUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return NewWithStatus(KindBackendUnavailable, resp.StatusCode, fmt.Errorf("liveness returned %d", resp.StatusCode))
	}
	return nil
}
