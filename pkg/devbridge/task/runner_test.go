package task

import (
	"reflect"
	"strings"
	"testing"
)

func TestBuildArgs(t *testing.T) {
	t.Parallel()

	r := NewProcessRunner([]string{"gemini"}, nil)

	tests := []struct {
		name string
		inv  Invocation
		want []string
	}{
		{
			"model auto omitted",
			Invocation{Model: "auto"},
			[]string{"gemini", "--yolo"},
		},
		{
			"empty model omitted",
			Invocation{},
			[]string{"gemini", "--yolo"},
		},
		{
			"explicit model",
			Invocation{Model: "gemini-2.5-pro"},
			[]string{"gemini", "--yolo", "-m", "gemini-2.5-pro"},
		},
		{
			"system prompt file",
			Invocation{Model: "auto", SystemPromptFile: "/tmp/sys.md"},
			[]string{"gemini", "--yolo", "--system-md", "/tmp/sys.md"},
		},
		{
			"model and prompt file",
			Invocation{Model: "flash", SystemPromptFile: "/tmp/sys.md"},
			[]string{"gemini", "--yolo", "-m", "flash", "--system-md", "/tmp/sys.md"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := r.BuildArgs(tt.inv); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("BuildArgs = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestBuildArgsKeepsFixedLeadingArgs(t *testing.T) {
	t.Parallel()

	r := NewProcessRunner([]string{"npx", "some-agent", "--quiet"}, nil)
	got := r.BuildArgs(Invocation{Model: "auto"})
	want := []string{"npx", "some-agent", "--quiet", "--yolo"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("BuildArgs = %v, want %v", got, want)
	}
}

func TestClassifyStderr(t *testing.T) {
	t.Parallel()

	tests := []struct {
		stderr string
		want   string
	}{
		{"Quota exceeded for project", KindTransient},
		{"error: rate limit reached", KindTransient},
		{"RESOURCE_EXHAUSTED", KindTransient},
		{"HTTP 429 Too Many Requests", KindTransient},
		{"the model is overloaded", KindTransient},
		{"segmentation fault", KindFailure},
		{"", KindFailure},
	}
	for _, tt := range tests {
		if got := ClassifyStderr(tt.stderr); got != tt.want {
			t.Errorf("ClassifyStderr(%q) = %q, want %q", tt.stderr, got, tt.want)
		}
	}
}

func TestTail(t *testing.T) {
	t.Parallel()

	long := strings.Repeat("x", 600) + "\nlast line"
	got := tail(long, 500)
	if len(got) > 500 {
		t.Errorf("tail length = %d, want <= 500", len(got))
	}
	if !strings.HasSuffix(got, "last line") {
		t.Errorf("tail lost the final line: %q", got)
	}

	if got := tail("short", 500); got != "short" {
		t.Errorf("tail(short) = %q", got)
	}
}
