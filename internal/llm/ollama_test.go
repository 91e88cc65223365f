package llm

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/nugget/webpilot/internal/httpkit"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestOllamaChat(t *testing.T) {
	var got ollamaChatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" || r.Method != http.MethodPost {
			t.Errorf("request = %s %s", r.Method, r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Write([]byte(`{
			"model": "llama3",
			"created_at": "2026-10-19T12:00:00.5Z",
			"message": {"role": "assistant", "content": "TOOL_CALL: get_page_info()"},
			"done": true,
			"done_reason": "stop",
			"prompt_eval_count": 42,
			"eval_count": 9,
			"total_duration": 1500000000
		}`))
	}))
	defer srv.Close()

	c := NewOllamaClient(srv.URL+"/", Options{Temperature: 0.2, MaxTokens: 256}, nil, quietLogger())
	resp, err := c.Chat(context.Background(), "llama3", []Message{
		{Role: RoleSystem, Content: "You drive a browser."},
		{Role: RoleUser, Content: "What page is open?"},
	})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}

	if got.Model != "llama3" || got.Stream || len(got.Messages) != 2 {
		t.Errorf("request = %+v", got)
	}
	if got.Options == nil || got.Options.Temperature != 0.2 || got.Options.NumPredict != 256 {
		t.Errorf("options = %+v", got.Options)
	}

	if resp.Message.Content != "TOOL_CALL: get_page_info()" || resp.Message.Role != RoleAssistant {
		t.Errorf("message = %+v", resp.Message)
	}
	if resp.InputTokens != 42 || resp.OutputTokens != 9 || resp.FinishReason != "stop" {
		t.Errorf("usage = %+v", resp)
	}
	if resp.TotalDuration.Seconds() != 1.5 {
		t.Errorf("TotalDuration = %v", resp.TotalDuration)
	}
	if resp.CreatedAt.IsZero() {
		t.Error("CreatedAt not parsed")
	}
}

func TestOllamaChat_APIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"model 'nope' not found"}`, http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewOllamaClient(srv.URL, Options{}, nil, quietLogger())
	_, err := c.Chat(context.Background(), "nope", []Message{{Role: RoleUser, Content: "hi"}})

	var se *httpkit.StatusError
	if !errors.As(err, &se) || se.StatusCode != http.StatusNotFound {
		t.Fatalf("err = %v, want 404 StatusError", err)
	}
	if !strings.Contains(err.Error(), "not found") {
		t.Errorf("error lost body: %v", err)
	}
}

func TestOllamaPingAndListModels(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/tags" {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte(`{"models":[{"name":"llama3:8b"},{"name":"qwen2.5:7b"}]}`))
	}))
	defer srv.Close()

	c := NewOllamaClient(srv.URL, Options{}, nil, quietLogger())
	if err := c.Ping(context.Background()); err != nil {
		t.Fatalf("Ping: %v", err)
	}
	names, err := c.ListModels(context.Background())
	if err != nil {
		t.Fatalf("ListModels: %v", err)
	}
	if strings.Join(names, ",") != "llama3:8b,qwen2.5:7b" {
		t.Errorf("names = %v", names)
	}
}

func TestOllamaPing_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c := NewOllamaClient(url, Options{}, nil, quietLogger())
	if err := c.Ping(context.Background()); err == nil {
		t.Fatal("Ping succeeded against a closed server")
	}
}
