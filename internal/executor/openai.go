package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const defaultOpenAIBaseURL = "https://api.openai.com/v1"

// OpenAI executes prompts against an OpenAI-compatible chat completions
// endpoint. Any provider speaking the same wire shape works through the
// BaseURL override.
type OpenAI struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewOpenAI fails fast when no credential is supplied; the API key gate
// is non-skippable.
func NewOpenAI(baseURL, apiKey string) (*OpenAI, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, &ConfigurationError{Message: "API key not configured for provider openai"}
	}
	if strings.TrimSpace(baseURL) == "" {
		baseURL = defaultOpenAIBaseURL
	}
	return &OpenAI{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{},
	}, nil
}

func (o *OpenAI) Name() string { return "openai" }

type chatRequest struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

type chatError struct {
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (o *OpenAI) Execute(ctx context.Context, req Request) (Result, error) {
	if req.MaxDuration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.MaxDuration)
		defer cancel()
	}

	body, err := json.Marshal(chatRequest{Model: req.Model, Messages: req.Messages})
	if err != nil {
		return Result{}, fmt.Errorf("encode request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		o.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return Result{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+o.apiKey)

	start := time.Now()
	resp, err := o.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		// Transport failures are transient until proven otherwise.
		return Result{}, &ServerError{callErrorBase{
			provider: "openai", statusCode: 0, message: err.Error(), retryable: true,
		}}
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return Result{}, err
	}

	if resp.StatusCode != http.StatusOK {
		msg := strings.TrimSpace(string(raw))
		var ce chatError
		if json.Unmarshal(raw, &ce) == nil && ce.Error.Message != "" {
			msg = ce.Error.Message
		}
		return Result{}, ErrorFromStatus("openai", resp.StatusCode, msg, retryAfter(resp))
	}

	var cr chatResponse
	if err := json.Unmarshal(raw, &cr); err != nil {
		return Result{}, fmt.Errorf("decode response: %w", err)
	}
	var output string
	if len(cr.Choices) > 0 {
		output = cr.Choices[0].Message.Content
	}
	return Result{
		Output:     output,
		StatusHint: HintComplete,
		Duration:   time.Since(start),
		Usage: &TokenUsage{
			Prompt:     cr.Usage.PromptTokens,
			Completion: cr.Usage.CompletionTokens,
		},
	}, nil
}

func retryAfter(resp *http.Response) *time.Duration {
	v := strings.TrimSpace(resp.Header.Get("Retry-After"))
	if v == "" {
		return nil
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		d := time.Duration(secs) * time.Second
		return &d
	}
	return nil
}
