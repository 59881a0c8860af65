package generation_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/coursegen/internal/config"
	"github.com/kiranshivaraju/coursegen/internal/generation"
	"github.com/kiranshivaraju/coursegen/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEngine(t *testing.T, handler http.HandlerFunc) *generation.OpenAIEngine {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return generation.NewOpenAIEngine(config.OpenAIConfig{
		APIKey:  "sk-test",
		Model:   "gpt-4o-mini",
		BaseURL: srv.URL + "/v1/",
	})
}

func completion(content, finishReason string) string {
	body, _ := json.Marshal(map[string]any{
		"choices": []map[string]any{{
			"message":       map[string]string{"role": "assistant", "content": content},
			"finish_reason": finishReason,
		}},
	})
	return string(body)
}

const validCourse = `{"title":"Productivity Basics","description":"Five tips","modules":[
{"title":"Focus","lessons":[{"title":"Deep work","content":"..."}]},
{"title":"Planning","lessons":[{"title":"Weekly review","content":"..."}]}]}`

func sampleRequest() models.GenerationRequest {
	return models.GenerationRequest{
		OwnerID:     uuid.MustParse("11111111-1111-1111-1111-111111111111"),
		Content:     "5 productivity tips for remote teams",
		ContentType: models.ContentTypeText,
	}
}

func TestOpenAIEngine_Success(t *testing.T) {
	var got map[string]any
	e := newTestEngine(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &got))
		_, _ = io.WriteString(w, completion(validCourse, "stop"))
	})

	course, err := e.Generate(context.Background(), sampleRequest())
	require.NoError(t, err)
	assert.Equal(t, "Productivity Basics", course.Title)
	assert.Len(t, course.Modules, 2)

	assert.Equal(t, "gpt-4o-mini", got["model"])
	assert.Equal(t, "11111111-1111-1111-1111-111111111111", got["user"])
	assert.Equal(t, map[string]any{"type": "json_object"}, got["response_format"])
}

func TestOpenAIEngine_FencedJSON(t *testing.T) {
	e := newTestEngine(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, completion("```json\n"+validCourse+"\n```", "stop"))
	})

	course, err := e.Generate(context.Background(), sampleRequest())
	require.NoError(t, err)
	assert.Equal(t, "Productivity Basics", course.Title)
}

func TestOpenAIEngine_Classification(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		kind      error
		retryable bool
	}{
		{"rate limited", http.StatusTooManyRequests, `{"error":{"message":"slow down"}}`, generation.ErrRateLimited, true},
		{"server error", http.StatusBadGateway, ``, generation.ErrProviderUnavailable, true},
		{"policy violation", http.StatusBadRequest, `{"error":{"code":"content_policy_violation","message":"no"}}`, generation.ErrContentRejected, false},
		{"bad credentials", http.StatusUnauthorized, `{"error":{"message":"invalid key"}}`, generation.ErrProviderUnavailable, false},
		{"content filter finish", http.StatusOK, completion("", "content_filter"), generation.ErrContentRejected, false},
		{"not json", http.StatusOK, completion("here is your course!", "stop"), generation.ErrMalformedOutput, true},
		{"no modules", http.StatusOK, completion(`{"title":"Empty","modules":[]}`, "stop"), generation.ErrMalformedOutput, true},
		{"no title", http.StatusOK, completion(`{"title":" ","modules":[{"title":"x"}]}`, "stop"), generation.ErrMalformedOutput, true},
		{"no choices", http.StatusOK, `{"choices":[]}`, generation.ErrMalformedOutput, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newTestEngine(t, func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = io.WriteString(w, tt.body)
			})

			_, err := e.Generate(context.Background(), sampleRequest())
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.kind)
			assert.Equal(t, tt.retryable, generation.IsRetryable(err))
		})
	}
}

func TestOpenAIEngine_Timeout(t *testing.T) {
	release := make(chan struct{})
	e := newTestEngine(t, func(w http.ResponseWriter, _ *http.Request) {
		<-release
	})
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := e.Generate(ctx, sampleRequest())
	require.Error(t, err)
	assert.ErrorIs(t, err, generation.ErrTimeout)
	assert.True(t, generation.IsRetryable(err))
}

func TestOpenAIEngine_Unreachable(t *testing.T) {
	e := generation.NewOpenAIEngine(config.OpenAIConfig{APIKey: "k", Model: "m", BaseURL: "http://127.0.0.1:1"})

	_, err := e.Generate(context.Background(), sampleRequest())
	require.Error(t, err)
	assert.ErrorIs(t, err, generation.ErrProviderUnavailable)
	assert.True(t, generation.IsRetryable(err))
}
