package mock

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"unicode/utf8"

	"github.com/kiranshivaraju/coursegen/pkg/models"
)

const maxTitleRunes = 80

// MockEngine satisfies models.GenerationEngine for local runs and tests.
type MockEngine struct {
	Name_        string
	GenerateFunc func(ctx context.Context, req models.GenerationRequest) (*models.GeneratedCourse, error)

	calls atomic.Int64
}

func (m *MockEngine) Name() string { return m.Name_ }

func (m *MockEngine) Generate(ctx context.Context, req models.GenerationRequest) (*models.GeneratedCourse, error) {
	m.calls.Add(1)
	if m.GenerateFunc != nil {
		return m.GenerateFunc(ctx, req)
	}
	return &models.GeneratedCourse{}, nil
}

// Calls returns how many times Generate was invoked.
func (m *MockEngine) Calls() int {
	return int(m.calls.Load())
}

// NewMockEngine returns a MockEngine that builds a small deterministic course
// from the input: one module per paragraph, at most five.
func NewMockEngine() *MockEngine {
	return &MockEngine{
		Name_: "mock",
		GenerateFunc: func(_ context.Context, req models.GenerationRequest) (*models.GeneratedCourse, error) {
			return BuildCourse(req.Content), nil
		},
	}
}

// NewFailingEngine returns a MockEngine that always returns the given error.
func NewFailingEngine(err error) *MockEngine {
	return &MockEngine{
		Name_: "mock-failing",
		GenerateFunc: func(_ context.Context, _ models.GenerationRequest) (*models.GeneratedCourse, error) {
			return nil, err
		},
	}
}

// NewHangingEngine returns a MockEngine whose calls ignore their context and block
// until release is closed, like a network call that is never cancelled.
func NewHangingEngine(release <-chan struct{}) *MockEngine {
	return &MockEngine{
		Name_: "mock-hanging",
		GenerateFunc: func(_ context.Context, req models.GenerationRequest) (*models.GeneratedCourse, error) {
			<-release
			return BuildCourse(req.Content), nil
		},
	}
}

// NewPanickingEngine returns a MockEngine that panics on every call.
func NewPanickingEngine() *MockEngine {
	return &MockEngine{
		Name_: "mock-panicking",
		GenerateFunc: func(_ context.Context, _ models.GenerationRequest) (*models.GeneratedCourse, error) {
			panic("mock engine panic")
		},
	}
}

func BuildCourse(content string) *models.GeneratedCourse {
	paragraphs := splitParagraphs(content)
	if len(paragraphs) > 5 {
		paragraphs = paragraphs[:5]
	}

	course := &models.GeneratedCourse{
		Title:       title(content),
		Description: fmt.Sprintf("A %d-module course generated from the provided material.", len(paragraphs)),
	}
	for i, p := range paragraphs {
		course.Modules = append(course.Modules, models.Module{
			Title:   fmt.Sprintf("Module %d", i+1),
			Summary: title(p),
			Lessons: []models.Lesson{{Title: "Overview", Content: p}},
		})
	}
	return course
}

func splitParagraphs(content string) []string {
	var out []string
	for _, p := range strings.Split(content, "\n\n") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		out = []string{strings.TrimSpace(content)}
	}
	return out
}

func title(s string) string {
	line, _, _ := strings.Cut(strings.TrimSpace(s), "\n")
	if utf8.RuneCountInString(line) <= maxTitleRunes {
		return line
	}
	return string([]rune(line)[:maxTitleRunes])
}

// Compile-time check that MockEngine implements GenerationEngine.
var _ models.GenerationEngine = (*MockEngine)(nil)
