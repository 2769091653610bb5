package external

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"devvelocity/internal/types"
)

func newTestOpenAIClient(t *testing.T, serverURL string) *OpenAIClient {
	t.Helper()
	return NewOpenAIClient(&http.Client{Timeout: 5 * time.Second}, OpenAIConfig{
		APIKey:  "sk-openai",
		BaseURL: serverURL,
	}, WithSleepFunc(noopSleep))
}

func completion(content string) string {
	b, _ := json.Marshal(map[string]any{
		"choices": []map[string]any{{"message": map[string]string{"role": "assistant", "content": content}}},
	})
	return string(b)
}

func TestGeneratePlan_SendsProvidersAndAnswers(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var req chatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if req.Model != DefaultOpenAIModel {
			t.Errorf("expected default model, got %q", req.Model)
		}
		user := req.Messages[len(req.Messages)-1].Content
		for _, want := range []string{"aws, gcp", "Automation level: advanced", "team_size: 8"} {
			if !strings.Contains(user, want) {
				t.Errorf("prompt missing %q: %s", want, user)
			}
		}
		fmt.Fprint(w, completion("1. Create a VPC"))
	}))
	defer server.Close()

	plan, err := newTestOpenAIClient(t, server.URL).GeneratePlan(context.Background(), PlanRequest{
		Providers:  []string{"aws", "gcp"},
		Automation: "advanced",
		Answers:    map[string]any{"team_size": 8},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if plan != "1. Create a VPC" {
		t.Errorf("unexpected plan %q", plan)
	}
}

func TestGeneratePlan_ProviderError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"error":{"message":"Incorrect API key","type":"invalid_request_error"}}`)
	}))
	defer server.Close()

	_, err := newTestOpenAIClient(t, server.URL).GeneratePlan(context.Background(), PlanRequest{})
	if !types.IsCode(err, types.ErrCodeUpstreamOpenAI) {
		t.Errorf("expected openai upstream error, got %v", err)
	}
}

func TestGeneratePlan_EmptyCompletion(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"choices":[]}`)
	}))
	defer server.Close()

	_, err := newTestOpenAIClient(t, server.URL).GeneratePlan(context.Background(), PlanRequest{})
	if !types.IsCode(err, types.ErrCodeUpstreamOpenAI) {
		t.Errorf("expected openai upstream error, got %v", err)
	}
}

func TestRewriteFile_StripsFence(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, completion("```yaml\nimage: node:22\n```"))
	}))
	defer server.Close()

	out, err := newTestOpenAIClient(t, server.URL).RewriteFile(context.Background(), "ci.yml", "image: node:16\n", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out != "image: node:22\n" {
		t.Errorf("unexpected content %q", out)
	}
}

func TestStripCodeFence(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"plain\n", "plain\n"},
		{"```\na\nb\n```", "a\nb\n"},
		{"```go\nx := 1\n```\n", "x := 1\n"},
		{"```", "```"},
	}
	for _, tt := range tests {
		if got := stripCodeFence(tt.in); got != tt.want {
			t.Errorf("stripCodeFence(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
