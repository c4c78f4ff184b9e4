package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
)

type ForumClient interface {
	GetUserByExternalID(ctx context.Context, externalID string) (*RemoteEntity, error)
	CreateUser(ctx context.Context, data json.RawMessage) (*RemoteEntity, error)
	UpdateUser(ctx context.Context, id string, data json.RawMessage) (*RemoteEntity, error)
	DeactivateUser(ctx context.Context, id string) error

	GetCategoryByCustomField(ctx context.Context, field, value string) (*RemoteEntity, error)
	CreateCategory(ctx context.Context, data json.RawMessage) (*RemoteEntity, error)
	UpdateCategory(ctx context.Context, id string, data json.RawMessage) (*RemoteEntity, error)
	ArchiveCategory(ctx context.Context, id string) error

	GetTopicByCustomField(ctx context.Context, field, value string) (*RemoteEntity, error)
	CreateTopic(ctx context.Context, data json.RawMessage) (*RemoteEntity, error)
	UpdateTopic(ctx context.Context, id string, data json.RawMessage) (*RemoteEntity, error)
	CloseTopic(ctx context.Context, id string) error

	CreatePost(ctx context.Context, data json.RawMessage) (*RemoteEntity, error)
	UpdatePost(ctx context.Context, id string, data json.RawMessage) (*RemoteEntity, error)
	HidePost(ctx context.Context, id string) error
}

// HTTPForumClient talks to a Discourse-style API authenticated with an admin key.
type HTTPForumClient struct {
	rest *restClient
}

func NewForumClient(baseURL, apiKey, apiUser string) *HTTPForumClient {
	return &HTTPForumClient{
		rest: newRESTClient(baseURL, map[string]string{
			"Api-Key":      apiKey,
			"Api-Username": apiUser,
		}),
	}
}

func lookupQuery(field, value string) string {
	q := url.Values{}
	q.Set("field", field)
	q.Set("value", value)
	return q.Encode()
}

func (c *HTTPForumClient) GetUserByExternalID(ctx context.Context, externalID string) (*RemoteEntity, error) {
	data, err := c.rest.do(ctx, http.MethodGet, "/u/by-external/"+url.PathEscape(externalID)+".json", nil)
	if err != nil {
		return nil, err
	}
	return toEntity(data, "user.id", "id")
}

func (c *HTTPForumClient) CreateUser(ctx context.Context, body json.RawMessage) (*RemoteEntity, error) {
	data, err := c.rest.do(ctx, http.MethodPost, "/users.json", body)
	if err != nil {
		return nil, err
	}
	return toEntity(data, "user_id", "user.id", "id")
}

func (c *HTTPForumClient) UpdateUser(ctx context.Context, id string, body json.RawMessage) (*RemoteEntity, error) {
	data, err := c.rest.do(ctx, http.MethodPut, "/u/"+url.PathEscape(id)+".json", body)
	if err != nil {
		return nil, err
	}
	if entity, err := toEntity(data, "user.id", "id"); err == nil {
		return entity, nil
	}
	return &RemoteEntity{ID: id, Data: data}, nil
}

func (c *HTTPForumClient) DeactivateUser(ctx context.Context, id string) error {
	_, err := c.rest.do(ctx, http.MethodPut, "/admin/users/"+url.PathEscape(id)+"/deactivate.json", nil)
	return err
}

func (c *HTTPForumClient) GetCategoryByCustomField(ctx context.Context, field, value string) (*RemoteEntity, error) {
	data, err := c.rest.do(ctx, http.MethodGet, "/categories/lookup.json?"+lookupQuery(field, value), nil)
	if err != nil {
		return nil, err
	}
	return toEntity(data, "category.id", "id")
}

func (c *HTTPForumClient) CreateCategory(ctx context.Context, body json.RawMessage) (*RemoteEntity, error) {
	data, err := c.rest.do(ctx, http.MethodPost, "/categories.json", body)
	if err != nil {
		return nil, err
	}
	return toEntity(data, "category.id", "id")
}

func (c *HTTPForumClient) UpdateCategory(ctx context.Context, id string, body json.RawMessage) (*RemoteEntity, error) {
	data, err := c.rest.do(ctx, http.MethodPut, "/categories/"+url.PathEscape(id)+".json", body)
	if err != nil {
		return nil, err
	}
	if entity, err := toEntity(data, "category.id", "id"); err == nil {
		return entity, nil
	}
	return &RemoteEntity{ID: id, Data: data}, nil
}

func (c *HTTPForumClient) ArchiveCategory(ctx context.Context, id string) error {
	_, err := c.rest.do(ctx, http.MethodPut, "/categories/"+url.PathEscape(id)+"/archive.json", nil)
	return err
}

func (c *HTTPForumClient) GetTopicByCustomField(ctx context.Context, field, value string) (*RemoteEntity, error) {
	data, err := c.rest.do(ctx, http.MethodGet, "/t/lookup.json?"+lookupQuery(field, value), nil)
	if err != nil {
		return nil, err
	}
	return toEntity(data, "topic.id", "id")
}

// CreateTopic posts the opening post of a new topic; the response carries topic_id.
func (c *HTTPForumClient) CreateTopic(ctx context.Context, body json.RawMessage) (*RemoteEntity, error) {
	data, err := c.rest.do(ctx, http.MethodPost, "/posts.json", body)
	if err != nil {
		return nil, err
	}
	return toEntity(data, "topic_id", "id")
}

func (c *HTTPForumClient) UpdateTopic(ctx context.Context, id string, body json.RawMessage) (*RemoteEntity, error) {
	data, err := c.rest.do(ctx, http.MethodPut, "/t/"+url.PathEscape(id)+".json", body)
	if err != nil {
		return nil, err
	}
	return &RemoteEntity{ID: id, Data: data}, nil
}

func (c *HTTPForumClient) CloseTopic(ctx context.Context, id string) error {
	body := map[string]string{"status": "closed", "enabled": "true"}
	_, err := c.rest.do(ctx, http.MethodPut, "/t/"+url.PathEscape(id)+"/status.json", body)
	return err
}

func (c *HTTPForumClient) CreatePost(ctx context.Context, body json.RawMessage) (*RemoteEntity, error) {
	data, err := c.rest.do(ctx, http.MethodPost, "/posts.json", body)
	if err != nil {
		return nil, err
	}
	return toEntity(data, "id", "post.id")
}

func (c *HTTPForumClient) UpdatePost(ctx context.Context, id string, body json.RawMessage) (*RemoteEntity, error) {
	data, err := c.rest.do(ctx, http.MethodPut, "/posts/"+url.PathEscape(id)+".json", body)
	if err != nil {
		return nil, err
	}
	if entity, err := toEntity(data, "post.id", "id"); err == nil {
		return entity, nil
	}
	return &RemoteEntity{ID: id, Data: data}, nil
}

func (c *HTTPForumClient) HidePost(ctx context.Context, id string) error {
	_, err := c.rest.do(ctx, http.MethodPut, "/posts/"+url.PathEscape(id)+"/hide.json", nil)
	return err
}
