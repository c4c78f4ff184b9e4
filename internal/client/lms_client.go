package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
)

type LMSClient interface {
	GetUser(ctx context.Context, id string) (json.RawMessage, error)
	GetCourse(ctx context.Context, id string) (json.RawMessage, error)
	GetAssignment(ctx context.Context, id string) (json.RawMessage, error)
	GetSubmission(ctx context.Context, id string) (json.RawMessage, error)
	GetDiscussion(ctx context.Context, id string) (json.RawMessage, error)
}

// HTTPLMSClient talks to a Canvas-style REST API with a bearer token.
type HTTPLMSClient struct {
	rest *restClient
}

func NewLMSClient(baseURL, token string) *HTTPLMSClient {
	return &HTTPLMSClient{
		rest: newRESTClient(baseURL, map[string]string{
			"Authorization": "Bearer " + token,
		}),
	}
}

func (c *HTTPLMSClient) get(ctx context.Context, collection, id string) (json.RawMessage, error) {
	return c.rest.do(ctx, http.MethodGet, "/api/v1/"+collection+"/"+url.PathEscape(id), nil)
}

func (c *HTTPLMSClient) GetUser(ctx context.Context, id string) (json.RawMessage, error) {
	return c.get(ctx, "users", id)
}

func (c *HTTPLMSClient) GetCourse(ctx context.Context, id string) (json.RawMessage, error) {
	return c.get(ctx, "courses", id)
}

func (c *HTTPLMSClient) GetAssignment(ctx context.Context, id string) (json.RawMessage, error) {
	return c.get(ctx, "assignments", id)
}

func (c *HTTPLMSClient) GetSubmission(ctx context.Context, id string) (json.RawMessage, error) {
	return c.get(ctx, "submissions", id)
}

func (c *HTTPLMSClient) GetDiscussion(ctx context.Context, id string) (json.RawMessage, error) {
	return c.get(ctx, "discussion_topics", id)
}
