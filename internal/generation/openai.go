package generation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/kiranshivaraju/coursegen/internal/config"
	"github.com/kiranshivaraju/coursegen/pkg/models"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const maxResponseBytes = 4 << 20

const systemPrompt = `You turn source material into a structured online course.
Reply with a single JSON object of the form
{"title": string, "description": string, "modules": [{"title": string, "summary": string,
"lessons": [{"title": string, "content": string}]}]}.
Use between 3 and 8 modules. Do not include any text outside the JSON object.`

// OpenAIEngine implements models.GenerationEngine against an OpenAI-compatible
// chat-completions endpoint.
type OpenAIEngine struct {
	cfg    config.OpenAIConfig
	client *http.Client
}

func NewOpenAIEngine(cfg config.OpenAIConfig) *OpenAIEngine {
	return &OpenAIEngine{
		cfg:    cfg,
		client: &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
	}
}

func (e *OpenAIEngine) Name() string { return "openai" }

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model          string            `json:"model"`
	Messages       []chatMessage     `json:"messages"`
	ResponseFormat map[string]string `json:"response_format"`
	User           string            `json:"user,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message      chatMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
}

type apiError struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	} `json:"error"`
}

// Generate has no deadline of its own; callers bound it through ctx.
func (e *OpenAIEngine) Generate(ctx context.Context, req models.GenerationRequest) (*models.GeneratedCourse, error) {
	body, err := json.Marshal(chatRequest{
		Model: e.cfg.Model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: userPrompt(req)},
		},
		ResponseFormat: map[string]string{"type": "json_object"},
		User:           req.OwnerID.String(),
	})
	if err != nil {
		return nil, fmt.Errorf("encode chat request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimRight(e.cfg.BaseURL, "/")+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build chat request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+e.cfg.APIKey)

	resp, err := e.client.Do(httpReq)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, NewError(ErrTimeout, err)
		}
		return nil, NewError(ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, NewError(ErrTimeout, err)
		}
		return nil, NewError(ErrProviderUnavailable, fmt.Errorf("read response: %w", err))
	}

	if resp.StatusCode != http.StatusOK {
		return nil, classifyStatus(resp.StatusCode, payload)
	}

	var cr chatResponse
	if err := json.Unmarshal(payload, &cr); err != nil {
		return nil, NewError(ErrMalformedOutput, fmt.Errorf("decode response: %w", err))
	}
	if len(cr.Choices) == 0 {
		return nil, NewError(ErrMalformedOutput, errors.New("response has no choices"))
	}
	choice := cr.Choices[0]
	if choice.FinishReason == "content_filter" {
		return nil, NewError(ErrContentRejected, errors.New("completion stopped by content filter"))
	}

	return parseCourse(choice.Message.Content)
}

func userPrompt(req models.GenerationRequest) string {
	var b strings.Builder
	if req.ContentType == models.ContentTypeURL {
		b.WriteString("Build a course from the page at this URL:\n")
	} else {
		b.WriteString("Build a course from the following material:\n")
	}
	b.WriteString(req.Content)
	if req.Regenerate {
		b.WriteString("\n\nThis is a regeneration: take a different angle than an obvious first draft.")
	}
	return b.String()
}

func classifyStatus(status int, payload []byte) error {
	var ae apiError
	_ = json.Unmarshal(payload, &ae)
	msg := ae.Error.Message
	if msg == "" {
		msg = http.StatusText(status)
	}
	cause := fmt.Errorf("status %d: %s", status, msg)

	switch {
	case status == http.StatusTooManyRequests:
		return NewError(ErrRateLimited, cause)
	case status >= 500:
		return NewError(ErrProviderUnavailable, cause)
	case ae.Error.Code == "content_policy_violation" || ae.Error.Code == "content_filter":
		return NewError(ErrContentRejected, cause)
	default:
		// Auth and request errors will not fix themselves on retry.
		return &Error{Kind: ErrProviderUnavailable, Retryable: false, Err: cause}
	}
}

// parseCourse decodes the model's JSON answer and rejects empty courses.
func parseCourse(content string) (*models.GeneratedCourse, error) {
	content = strings.TrimSpace(content)
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")

	var course models.GeneratedCourse
	if err := json.Unmarshal([]byte(content), &course); err != nil {
		return nil, NewError(ErrMalformedOutput, fmt.Errorf("decode course: %w", err))
	}
	course.Title = strings.TrimSpace(course.Title)
	if course.Title == "" {
		return nil, NewError(ErrMalformedOutput, errors.New("course has no title"))
	}
	if len(course.Modules) == 0 {
		return nil, NewError(ErrMalformedOutput, errors.New("course has no modules"))
	}
	return &course, nil
}

var _ models.GenerationEngine = (*OpenAIEngine)(nil)
