package external

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"

	"devvelocity/internal/types"
)

const openAIAPIBase = "https://api.openai.com"

// DefaultOpenAIModel is used when no model is configured.
const DefaultOpenAIModel = "gpt-4o-mini"

// OpenAIConfig configures an OpenAIClient.
type OpenAIConfig struct {
	APIKey  string
	Model   string
	BaseURL string
	Logger  *slog.Logger
}

// OpenAIClient calls the chat completions endpoint for plan generation and
// file upgrades.
type OpenAIClient struct {
	base    *BaseClient
	apiKey  string
	model   string
	baseURL string
	logger  *slog.Logger
}

// NewOpenAIClient creates an OpenAIClient.
func NewOpenAIClient(httpClient *http.Client, cfg OpenAIConfig, opts ...BaseClientOption) *OpenAIClient {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = openAIAPIBase
	}
	model := cfg.Model
	if model == "" {
		model = DefaultOpenAIModel
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	opts = append([]BaseClientOption{WithUpstreamCode(types.ErrCodeUpstreamOpenAI)}, opts...)
	return &OpenAIClient{
		base:    NewBaseClient(httpClient, "openai", DefaultRetryPolicy(), "DevVelocity/1.0", opts...),
		apiKey:  cfg.APIKey,
		model:   model,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		logger:  logger,
	}
}

// Model returns the configured model name.
func (c *OpenAIClient) Model() string { return c.model }

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

type openAIErrorBody struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// PlanRequest is the input to GeneratePlan.
type PlanRequest struct {
	Providers  []string
	Automation string
	Answers    map[string]any
}

// GeneratePlan asks the model for an infrastructure plan.
func (c *OpenAIClient) GeneratePlan(ctx context.Context, req PlanRequest) (string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Cloud providers: %s\n", strings.Join(req.Providers, ", "))
	fmt.Fprintf(&b, "Automation level: %s\n", req.Automation)

	keys := make([]string, 0, len(req.Answers))
	for k := range req.Answers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "%s: %v\n", k, req.Answers[k])
	}

	return c.complete(ctx, "GeneratePlan", []chatMessage{
		{Role: "system", Content: "You are a DevOps architect. Produce a concrete infrastructure and CI/CD plan."},
		{Role: "user", Content: b.String()},
	})
}

// RewriteFile returns an upgraded version of content. The model is asked to
// return only the file body.
func (c *OpenAIClient) RewriteFile(ctx context.Context, filename, content, instructions string) (string, error) {
	if instructions == "" {
		instructions = "Modernize this file and apply current best practices."
	}
	out, err := c.complete(ctx, "RewriteFile", []chatMessage{
		{Role: "system", Content: "Rewrite the given file. Reply with the complete new file content only."},
		{Role: "user", Content: fmt.Sprintf("File: %s\nInstructions: %s\n\n%s", filename, instructions, content)},
	})
	if err != nil {
		return "", err
	}
	return stripCodeFence(out), nil
}

func (c *OpenAIClient) complete(ctx context.Context, op string, messages []chatMessage) (string, error) {
	raw, err := json.Marshal(chatRequest{Model: c.model, Messages: messages, Temperature: 0.2})
	if err != nil {
		return "", types.NewAppError(types.ErrCodeInternalUnexpected, "failed to encode completion request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/chat/completions", bytes.NewReader(raw))
	if err != nil {
		return "", types.NewAppError(types.ErrCodeInternalUnexpected, "failed to build completion request", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.base.Do(req)
	if err != nil {
		return "", wrapTransportError(types.ErrCodeUpstreamOpenAI, op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		var apiErr openAIErrorBody
		_ = json.Unmarshal(body, &apiErr)
		c.logger.WarnContext(ctx, "openai request rejected",
			"operation", op, "status", resp.StatusCode, "type", apiErr.Error.Type)
		return "", types.NewAppErrorWithDetails(types.ErrCodeUpstreamOpenAI,
			fmt.Sprintf("%s: openai returned %d", op, resp.StatusCode), nil,
			map[string]any{"status": resp.StatusCode, "message": apiErr.Error.Message})
	}

	var out chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", types.NewAppError(types.ErrCodeUpstreamOpenAI, "failed to decode completion response", err)
	}
	if len(out.Choices) == 0 || strings.TrimSpace(out.Choices[0].Message.Content) == "" {
		return "", types.NewAppError(types.ErrCodeUpstreamOpenAI, op+": empty completion", nil)
	}
	return out.Choices[0].Message.Content, nil
}

// stripCodeFence removes a surrounding markdown fence if the model added one.
func stripCodeFence(s string) string {
	t := strings.TrimSpace(s)
	if !strings.HasPrefix(t, "```") {
		return s
	}
	t = strings.TrimPrefix(t, "```")
	if i := strings.IndexByte(t, '\n'); i >= 0 {
		t = t[i+1:]
	} else {
		return s
	}
	t = strings.TrimSuffix(strings.TrimRight(t, "\n "), "```")
	return strings.TrimRight(t, "\n") + "\n"
}
