package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenAIClient_Send(t *testing.T) {
	var gotAuth string
	var gotBody map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		json.NewDecoder(r.Body).Decode(&gotBody)
		fmt.Fprint(w, `{"choices":[{"message":{"content":"generated text"}}]}`)
	}))
	defer server.Close()

	c := NewOpenAIClient("sk-test", "gpt-4o")
	c.apiURL = server.URL

	got, err := c.Send(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, "generated text", got)
	assert.Equal(t, "Bearer sk-test", gotAuth)
	assert.Equal(t, "gpt-4o", gotBody["model"])
}

func TestOpenAIClient_Send_RequiresKey(t *testing.T) {
	c := NewOpenAIClient("", "gpt-4o")
	_, err := c.Send(context.Background(), "hello")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "API key is required")
}

func TestOpenAIClient_Send_APIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"error":"rate limited"}`)
	}))
	defer server.Close()

	c := NewOpenAIClient("sk-test", "gpt-4o")
	c.apiURL = server.URL

	_, err := c.Send(context.Background(), "hello")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 429")
}

func TestAzureOpenAIClient_Send(t *testing.T) {
	var gotPath, gotKey, gotVersion string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotVersion = r.URL.Query().Get("api-version")
		gotKey = r.Header.Get("api-key")
		fmt.Fprint(w, `{"choices":[{"message":{"content":"azure text"}}]}`)
	}))
	defer server.Close()

	c := NewAzureOpenAIClient("az-key", server.URL+"/", "my-deployment")

	got, err := c.Send(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, "azure text", got)
	assert.Equal(t, "/openai/deployments/my-deployment/chat/completions", gotPath)
	assert.Equal(t, azureAPIVersion, gotVersion)
	assert.Equal(t, "az-key", gotKey)
}

func TestAzureOpenAIClient_Send_NoChoices(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"choices":[]}`)
	}))
	defer server.Close()

	c := NewAzureOpenAIClient("az-key", server.URL, "d")
	_, err := c.Send(context.Background(), "hello")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no content in response")
}
