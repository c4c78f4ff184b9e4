package client

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLMSClient_GetUser(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/users/42", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		w.Write([]byte(`{"id":42,"email":"a@x.com"}`))
	}))
	defer srv.Close()

	c := NewLMSClient(srv.URL+"/", "secret")
	data, err := c.GetUser(context.Background(), "42")
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":42,"email":"a@x.com"}`, string(data))
}

func TestLMSClient_NotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := NewLMSClient(srv.URL, "t").GetCourse(context.Background(), "1")
	assert.ErrorIs(t, err, ErrRemoteNotFound)
}

func TestLMSClient_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte("upstream down"))
	}))
	defer srv.Close()

	_, err := NewLMSClient(srv.URL, "t").GetSubmission(context.Background(), "7")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadGateway, apiErr.StatusCode)
	assert.Equal(t, "upstream down", apiErr.Body)
}

func TestForumClient_UserLifecycle(t *testing.T) {
	var created map[string]interface{}

	mux := http.NewServeMux()
	mux.HandleFunc("/u/by-external/lms_42.json", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	mux.HandleFunc("/users.json", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "key", r.Header.Get("Api-Key"))
		assert.Equal(t, "system", r.Header.Get("Api-Username"))
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &created))
		w.Write([]byte(`{"success":true,"user_id":1001}`))
	})
	mux.HandleFunc("/admin/users/1001/deactivate.json", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		w.Write([]byte(`{"success":"OK"}`))
	})

	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := NewForumClient(srv.URL, "key", "system")
	ctx := context.Background()

	_, err := c.GetUserByExternalID(ctx, "lms_42")
	assert.ErrorIs(t, err, ErrRemoteNotFound)

	user, err := c.CreateUser(ctx, json.RawMessage(`{"username":"a"}`))
	require.NoError(t, err)
	assert.Equal(t, "1001", user.ID)
	assert.Equal(t, "a", created["username"])

	require.NoError(t, c.DeactivateUser(ctx, "1001"))
}

func TestForumClient_CategoryLookupQuery(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/categories/lookup.json", r.URL.Path)
		assert.Equal(t, "lms_course_id", r.URL.Query().Get("field"))
		assert.Equal(t, "5", r.URL.Query().Get("value"))
		w.Write([]byte(`{"category":{"id":77,"name":"Rust"}}`))
	}))
	defer srv.Close()

	cat, err := NewForumClient(srv.URL, "k", "u").GetCategoryByCustomField(context.Background(), "lms_course_id", "5")
	require.NoError(t, err)
	assert.Equal(t, "77", cat.ID)
}

func TestForumClient_CreateTopicUsesTopicID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"id":900,"topic_id":300}`))
	}))
	defer srv.Close()

	topic, err := NewForumClient(srv.URL, "k", "u").CreateTopic(context.Background(), json.RawMessage(`{"title":"t"}`))
	require.NoError(t, err)
	assert.Equal(t, "300", topic.ID)
}

func TestForumClient_UpdateFallsBackToRequestedID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"success":"OK"}`))
	}))
	defer srv.Close()

	cat, err := NewForumClient(srv.URL, "k", "u").UpdateCategory(context.Background(), "77", json.RawMessage(`{}`))
	require.NoError(t, err)
	assert.Equal(t, "77", cat.ID)
}
