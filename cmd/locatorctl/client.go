package main

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

	"github.com/markus-lassfolk/locator/pkg/api"
)

// apiClient talks to the locatord HTTP API
type apiClient struct {
	base     string
	apiKey   string
	accessor string
	kind     string
	purpose  string
	http     *http.Client
}

// apiError is a non-2xx response
type apiError struct {
	Status int
	Body   api.ErrorBody
	Raw    string
}

func (e *apiError) Error() string {
	if e.Body.Error.Type != "" {
		return fmt.Sprintf("%s (HTTP %d): %s", e.Body.Error.Type, e.Status, e.Body.Error.Message)
	}
	return fmt.Sprintf("HTTP %d: %s", e.Status, strings.TrimSpace(e.Raw))
}

func newAPIClient(base, apiKey, accessor, kind, purpose string, timeout time.Duration) *apiClient {
	return &apiClient{
		base:     strings.TrimRight(base, "/"),
		apiKey:   apiKey,
		accessor: accessor,
		kind:     kind,
		purpose:  purpose,
		http:     &http.Client{Timeout: timeout},
	}
}

// do sends a request and decodes a JSON response into out when out is non-nil
func (c *apiClient) do(ctx context.Context, method, path string, query url.Values, body, out interface{}) error {
	u := c.base + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set(api.HeaderAPIKey, c.apiKey)
	}
	if c.accessor != "" {
		req.Header.Set(api.HeaderAccessorID, c.accessor)
	}
	if c.kind != "" {
		req.Header.Set(api.HeaderAccessorType, c.kind)
	}
	if c.purpose != "" {
		req.Header.Set(api.HeaderAccessorPurpose, c.purpose)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request to %s failed: %w", c.base, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		e := &apiError{Status: resp.StatusCode, Raw: string(data)}
		_ = json.Unmarshal(data, &e.Body)
		return e
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
