package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

var ErrRemoteNotFound = errors.New("remote entity not found")

// RemoteEntity is an object returned by the forum, with its id already extracted.
type RemoteEntity struct {
	ID   string          `json:"id"`
	Data json.RawMessage `json:"data"`
}

// APIError is a non-2xx response from a remote system.
type APIError struct {
	Method     string
	URL        string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.URL, e.StatusCode, e.Body)
}

type restClient struct {
	baseURL string
	http    *http.Client
	headers map[string]string
}

func newRESTClient(baseURL string, headers map[string]string) *restClient {
	return &restClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 10 * time.Second},
		headers: headers,
	}
}

func (c *restClient) do(ctx context.Context, method, path string, body interface{}) (json.RawMessage, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to call %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrRemoteNotFound
	}
	if resp.StatusCode >= 300 {
		return nil, &APIError{Method: method, URL: path, StatusCode: resp.StatusCode, Body: string(data)}
	}
	return data, nil
}

// extractID returns the first non-empty id found under paths.
func extractID(data []byte, paths ...string) (string, error) {
	for _, p := range paths {
		if v := gjson.GetBytes(data, p); v.Exists() && v.String() != "" {
			return v.String(), nil
		}
	}
	return "", fmt.Errorf("response has no id at %s", strings.Join(paths, ", "))
}

func toEntity(data []byte, paths ...string) (*RemoteEntity, error) {
	id, err := extractID(data, paths...)
	if err != nil {
		return nil, err
	}
	return &RemoteEntity{ID: id, Data: data}, nil
}
