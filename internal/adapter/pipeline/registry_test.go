package pipeline

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"

	"github.com/cwygoda/oneclick/internal/config"
	"github.com/cwygoda/oneclick/internal/domain"
)

type mockPipeline struct {
	name    string
	matcher func(string) bool
}

func (m *mockPipeline) Name() string            { return m.name }
func (m *mockPipeline) Match(input string) bool { return m.matcher(input) }
func (m *mockPipeline) Run(ctx context.Context, job *domain.Job) (domain.PipelineResult, error) {
	return domain.PipelineResult{}, nil
}

func TestRegistry_Match(t *testing.T) {
	r := NewRegistry()

	r.Register(&mockPipeline{
		name:    "s3",
		matcher: func(s string) bool { return s == "s3://bucket/a.mp4" },
	})
	r.Register(&mockPipeline{
		name:    "generic",
		matcher: func(s string) bool { return true },
	})

	tests := []struct {
		input    string
		wantName string
	}{
		{"s3://bucket/a.mp4", "s3"},
		{"/uploads/b.mp4", "generic"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			p := r.Match(tt.input)
			if p == nil {
				t.Fatal("Match() returned nil")
			}
			if p.Name() != tt.wantName {
				t.Errorf("Match() name = %q, want %q", p.Name(), tt.wantName)
			}
		})
	}
}

func TestRegistry_Match_NoMatch(t *testing.T) {
	r := NewRegistry()
	r.Register(&mockPipeline{
		name:    "specific",
		matcher: func(s string) bool { return s == "specific-input" },
	})

	if p := r.Match("other-input"); p != nil {
		t.Errorf("Match() = %v, want nil", p)
	}
	if p := NewRegistry().Match("any"); p != nil {
		t.Errorf("empty registry Match() = %v, want nil", p)
	}
}

func TestFromConfig(t *testing.T) {
	dir := t.TempDir()
	var logs bytes.Buffer
	r, err := FromConfig([]config.PipelineConfig{
		{Name: "mov", Pattern: `\.mov$`, Command: "true"},
		{Name: "any", Pattern: `.*`, Command: "true"},
	}, dir, slog.New(slog.NewTextHandler(&logs, nil)))
	if err != nil {
		t.Fatalf("FromConfig() error = %v", err)
	}
	if n := len(r.Pipelines()); n != 2 {
		t.Fatalf("Pipelines() len = %d, want 2", n)
	}
	for _, p := range r.Pipelines() {
		if got := p.(*CommandPipeline).OutputDir(); got != dir {
			t.Errorf("%s OutputDir() = %q, want %q", p.Name(), got, dir)
		}
	}
	if !strings.Contains(logs.String(), "output_dir="+dir) {
		t.Errorf("registration log missing output dir:\n%s", logs.String())
	}
	if p := r.Match("/uploads/x.mov"); p == nil || p.Name() != "mov" {
		t.Errorf("Match(.mov) = %v, want mov", p)
	}

	if _, err := FromConfig([]config.PipelineConfig{{Name: "bad", Pattern: "[", Command: "true"}}, t.TempDir(), nil); err == nil {
		t.Error("FromConfig() with invalid pattern succeeded")
	}
}
