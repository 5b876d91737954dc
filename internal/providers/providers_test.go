package providers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractJSON(t *testing.T) {
	var out struct {
		TrustScore float64 `json:"trust_score"`
	}

	err := ExtractJSON("Sure! ```json\n{\"trust_score\": 0.42}\n``` hope this helps", &out)
	require.NoError(t, err)
	assert.Equal(t, 0.42, out.TrustScore)

	assert.ErrorIs(t, ExtractJSON("no object here", &out), ErrNoJSON)
	assert.Error(t, ExtractJSON("{broken", &out))
	assert.Error(t, ExtractJSON("{not json}", &out))
}

func TestPlainText(t *testing.T) {
	html := `<html><head><style>.x{}</style><script>var a=1;</script></head>
<body><h1>Honda  City</h1>
<p>Price: ₹7,25,000</p></body></html>`

	assert.Equal(t, "Honda City Price: ₹7,25,000", PlainText(html, 0))
	assert.Equal(t, "Honda", PlainText(html, 5))
	assert.Equal(t, "plain listing text", PlainText("plain   listing\ntext", 100))
}

func TestOpenAIClient_Complete(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))

		var req chatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "gpt-4o", req.Model)
		require.Len(t, req.Messages, 2)
		assert.Equal(t, "system", req.Messages[0].Role)

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"{\"approve\":true}"}}]}`))
	}))
	defer server.Close()

	client := NewOpenAIClient(OpenAIOptions{BaseURL: server.URL + "/", APIKey: "sk-test", Model: "gpt-4o", Timeout: 5 * time.Second})

	reply, err := client.Complete(context.Background(), "You are an analyst.", "Validate this")
	require.NoError(t, err)
	assert.Equal(t, `{"approve":true}`, reply)
}

func TestOpenAIClient_Complete_APIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	client := NewOpenAIClient(OpenAIOptions{BaseURL: server.URL, Timeout: 5 * time.Second})

	_, err := client.Complete(context.Background(), "", "Validate this")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "API returned status 429")
}

func TestOpenAIClient_Embed(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/embeddings", r.URL.Path)

		var req embeddingRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "text-embedding-ada-002", req.Model)
		assert.Equal(t, "Maruti Swift 2018", req.Input)

		w.Write([]byte(`{"data":[{"embedding":[0.1,0.2,0.3]}]}`))
	}))
	defer server.Close()

	client := NewOpenAIClient(OpenAIOptions{BaseURL: server.URL, EmbedModel: "text-embedding-ada-002", Timeout: 5 * time.Second})

	vec, err := client.Embed(context.Background(), "Maruti Swift 2018")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.1, 0.2, 0.3}, vec)
}

func TestOpenAIClient_Embed_Empty(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data":[]}`))
	}))
	defer server.Close()

	client := NewOpenAIClient(OpenAIOptions{BaseURL: server.URL, Timeout: 5 * time.Second})

	_, err := client.Embed(context.Background(), "x")
	assert.Error(t, err)
}

func TestClaudeClient_Complete(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, strings.HasSuffix(r.URL.Path, "/messages"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"id": "msg_01",
			"type": "message",
			"role": "assistant",
			"model": "claude-3-haiku-20240307",
			"content": [{"type": "text", "text": "{\"trust_score\": 0.91}"}],
			"stop_reason": "end_turn",
			"usage": {"input_tokens": 10, "output_tokens": 8}
		}`))
	}))
	defer server.Close()

	client := NewClaudeClient("sk-ant", "claude-3-haiku-20240307", 5*time.Second,
		option.WithBaseURL(server.URL+"/"), option.WithMaxRetries(0))

	reply, err := client.Complete(context.Background(), "", "Analyze this listing")
	require.NoError(t, err)
	assert.Equal(t, `{"trust_score": 0.91}`, reply)
}

func TestClaudeClient_Complete_ServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	client := NewClaudeClient("sk-ant", "claude-3-haiku-20240307", 5*time.Second,
		option.WithBaseURL(server.URL+"/"), option.WithMaxRetries(0))

	_, err := client.Complete(context.Background(), "", "Analyze this listing")
	assert.Error(t, err)
}

// stalledServer accepts requests and never answers until the caller gives up
func stalledServer(t *testing.T) *httptest.Server {
	t.Helper()
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	t.Cleanup(func() {
		close(release)
		server.Close()
	})
	return server
}

func TestClaudeClient_Complete_Timeout(t *testing.T) {
	server := stalledServer(t)
	client := NewClaudeClient("sk-ant", "claude-3-haiku-20240307", 100*time.Millisecond,
		option.WithBaseURL(server.URL+"/"), option.WithMaxRetries(2))

	start := time.Now()
	_, err := client.Complete(context.Background(), "", "Analyze this listing")

	require.Error(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestGeminiClient_Timeout(t *testing.T) {
	server := stalledServer(t)
	client, err := NewGeminiClient(context.Background(), GeminiOptions{
		APIKey:     "gm-test",
		Model:      "gemini-2.0-flash",
		EmbedModel: "text-embedding-004",
		Dimension:  4,
		Timeout:    100 * time.Millisecond,
		BaseURL:    server.URL + "/",
	})
	require.NoError(t, err)

	start := time.Now()
	_, err = client.Complete(context.Background(), "", "Extract car listing information")
	require.Error(t, err)

	_, err = client.Embed(context.Background(), "Swift VXI Maruti Swift 2018 Hyderabad")
	require.Error(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
}
