package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/nugget/webpilot/internal/config"
)

// compatServer imitates an OpenAI-compatible server mounted at /v1.
func compatServer(t *testing.T, gotBody *map[string]any, status int) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/v1/chat/completions":
			if gotBody != nil {
				if err := json.NewDecoder(r.Body).Decode(gotBody); err != nil {
					t.Errorf("decode request: %v", err)
				}
			}
			if auth := r.Header.Get("Authorization"); auth != "Bearer test-key" {
				t.Errorf("Authorization = %q", auth)
			}
			if status != http.StatusOK {
				w.WriteHeader(status)
				w.Write([]byte(`{"error":{"message":"overloaded","type":"server_error"}}`))
				return
			}
			w.Write([]byte(`{
				"id": "chatcmpl-1",
				"object": "chat.completion",
				"created": 1760875200,
				"model": "local-model",
				"choices": [{
					"index": 0,
					"finish_reason": "stop",
					"message": {"role": "assistant", "content": "Opening it.\nTOOL_CALL: navigate_to(url=\"https://example.com\")"}
				}],
				"usage": {"prompt_tokens": 120, "completion_tokens": 18, "total_tokens": 138}
			}`))
		case "/v1/models":
			w.Write([]byte(`{"object":"list","data":[{"id":"local-model","object":"model","created":0,"owned_by":"me"}]}`))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestOpenAIChat(t *testing.T) {
	var body map[string]any
	srv := compatServer(t, &body, http.StatusOK)

	c := NewOpenAIClient(srv.URL+"/v1", "test-key", Options{Temperature: 0.7, MaxTokens: 1000}, nil, quietLogger())
	resp, err := c.Chat(context.Background(), "local-model", []Message{
		{Role: RoleSystem, Content: "tools..."},
		{Role: RoleUser, Content: "open example.com"},
		{Role: RoleAssistant, Content: "ok"},
		{Role: RoleUser, Content: "again"},
	})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}

	if body["model"] != "local-model" || body["temperature"] != 0.7 || body["max_tokens"] != 1000.0 {
		t.Errorf("request body = %v", body)
	}
	msgs, _ := body["messages"].([]any)
	var roles []string
	for _, m := range msgs {
		roles = append(roles, m.(map[string]any)["role"].(string))
	}
	if strings.Join(roles, ",") != "system,user,assistant,user" {
		t.Errorf("roles = %v", roles)
	}

	if !strings.Contains(resp.Message.Content, "TOOL_CALL: navigate_to") {
		t.Errorf("content = %q", resp.Message.Content)
	}
	if resp.Model != "local-model" || resp.FinishReason != "stop" {
		t.Errorf("resp = %+v", resp)
	}
	if resp.InputTokens != 120 || resp.OutputTokens != 18 {
		t.Errorf("usage = %d/%d", resp.InputTokens, resp.OutputTokens)
	}
	if resp.CreatedAt.Unix() != 1760875200 {
		t.Errorf("CreatedAt = %v", resp.CreatedAt)
	}
}

func TestOpenAIChat_ServerError(t *testing.T) {
	srv := compatServer(t, nil, http.StatusServiceUnavailable)

	c := NewOpenAIClient(srv.URL+"/v1", "test-key", Options{}, nil, quietLogger())
	_, err := c.Chat(context.Background(), "local-model", []Message{{Role: RoleUser, Content: "hi"}})
	if err == nil || !strings.Contains(err.Error(), "status 503") {
		t.Fatalf("err = %v, want status 503", err)
	}
}

func TestOpenAIPing(t *testing.T) {
	srv := compatServer(t, nil, http.StatusOK)

	c := NewOpenAIClient(srv.URL+"/v1", "test-key", Options{}, nil, quietLogger())
	if err := c.Ping(context.Background()); err != nil {
		t.Fatalf("Ping: %v", err)
	}
}

func TestNew_SelectsProvider(t *testing.T) {
	tests := []struct {
		provider string
		want     string
		wantErr  bool
	}{
		{"openai", "*llm.OpenAIClient", false},
		{"ollama", "*llm.OllamaClient", false},
		{"anthropic", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.provider, func(t *testing.T) {
			c, err := New(config.LLMConfig{Provider: tt.provider, BaseURL: "http://localhost:1", TimeoutSec: 5}, quietLogger())
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v", err)
			}
			if tt.wantErr {
				return
			}
			switch c.(type) {
			case *OpenAIClient:
				if tt.want != "*llm.OpenAIClient" {
					t.Errorf("got OpenAIClient, want %s", tt.want)
				}
			case *OllamaClient:
				if tt.want != "*llm.OllamaClient" {
					t.Errorf("got OllamaClient, want %s", tt.want)
				}
			}
		})
	}
}
