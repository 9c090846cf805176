package openai

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"LeanChat/internal/history"
	"LeanChat/internal/llm"
)

func TestNewClientValidation(t *testing.T) {
	if _, err := NewClient(Config{}); err == nil {
		t.Fatalf("expected error when api key is missing")
	}
}

func TestNewClientDefaults(t *testing.T) {
	client, err := NewClient(Config{APIKey: "k", BaseURL: "https://example.com/v1/"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if client.baseURL != "https://example.com/v1" {
		t.Fatalf("trailing slash not trimmed: %q", client.baseURL)
	}
	if client.model != defaultModelName || client.httpClient.Timeout != defaultTimeout {
		t.Fatalf("unexpected defaults: model=%q timeout=%s", client.model, client.httpClient.Timeout)
	}
}

func TestCompleteSendsFullSnapshot(t *testing.T) {
	var captured struct {
		Path          string
		Authorization string
		Body          completionRequest
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured.Path = r.URL.Path
		captured.Authorization = r.Header.Get("Authorization")
		defer r.Body.Close()
		if err := json.NewDecoder(r.Body).Decode(&captured.Body); err != nil {
			t.Errorf("failed to decode body: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"model": "deepseek-chat",
			"choices": []map[string]any{
				{"message": map[string]any{"role": "assistant", "content": "你好"}},
			},
			"usage": map[string]any{"prompt_tokens": 12, "completion_tokens": 3},
		})
	}))
	defer srv.Close()

	client, err := NewClient(Config{APIKey: "test", BaseURL: srv.URL, Timeout: time.Second})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	client.httpClient = srv.Client()

	resp, err := client.Complete(context.Background(), llm.Request{
		Messages:    []history.Turn{history.System("S"), history.User("u1"), history.Assistant("a1"), history.User("u2")},
		Temperature: llm.Float(0.7),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if resp.Content != "你好" || resp.PromptTokens != 12 || resp.CompletionTokens != 3 {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if captured.Path != "/chat/completions" {
		t.Fatalf("unexpected path: %s", captured.Path)
	}
	if captured.Authorization != "Bearer test" {
		t.Fatalf("authorization header missing: %q", captured.Authorization)
	}
	if captured.Body.Model != defaultModelName {
		t.Fatalf("model field missing in request: %q", captured.Body.Model)
	}
	if len(captured.Body.Messages) != 4 || captured.Body.Messages[0].Role != "system" || captured.Body.Messages[3].Content != "u2" {
		t.Fatalf("messages not forwarded verbatim: %+v", captured.Body.Messages)
	}
	if captured.Body.Temperature == nil || *captured.Body.Temperature != 0.7 {
		t.Fatalf("temperature not forwarded: %v", captured.Body.Temperature)
	}
}

func TestCompleteAllowsEmptyContent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":""}}]}`))
	}))
	defer srv.Close()

	client, _ := NewClient(Config{APIKey: "test", BaseURL: srv.URL, Model: "m"})
	client.httpClient = srv.Client()

	resp, err := client.Complete(context.Background(), llm.Request{Messages: []history.Turn{history.User("hi")}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content != "" || resp.Model != "m" {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestCompleteHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "slow down", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	client, err := NewClient(Config{APIKey: "test", BaseURL: srv.URL, Timeout: time.Second})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	client.httpClient = srv.Client()

	_, err = client.Complete(context.Background(), llm.Request{Messages: []history.Turn{history.User("hi")}})
	var statusErr *llm.StatusError
	if !errors.As(err, &statusErr) {
		t.Fatalf("expected status error, got %v", err)
	}
	if statusErr.StatusCode != http.StatusTooManyRequests || !statusErr.Temporary() {
		t.Fatalf("unexpected status error: %+v", statusErr)
	}
}

func TestCompleteRejectsEmptyChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"choices":[]}`))
	}))
	defer srv.Close()

	client, _ := NewClient(Config{APIKey: "test", BaseURL: srv.URL})
	client.httpClient = srv.Client()

	if _, err := client.Complete(context.Background(), llm.Request{Messages: []history.Turn{history.User("hi")}}); err == nil {
		t.Fatalf("expected error when choices are empty")
	}
}

func TestCompleteRequiresMessages(t *testing.T) {
	client, _ := NewClient(Config{APIKey: "test"})
	if _, err := client.Complete(context.Background(), llm.Request{}); err == nil {
		t.Fatalf("expected error for empty message list")
	}
}
